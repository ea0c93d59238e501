// Package config loads dispatcher settings from YAML or JSON files and
// overlays EVENTFLOW_* environment variables.
//
// File values are applied on top of Default(); environment variables are
// applied last. Lists (rules, routes, registrations) only come from files.
//
//	settings, err := config.Load("eventflow.yaml")
//	if err != nil {
//		return err
//	}
//	d, err := eventflow.FromSettings(settings)
package config

import (
	"fmt"
	"time"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "EVENTFLOW_"

// Settings is the complete dispatcher configuration.
type Settings struct {
	// ErrorHandling is the pipeline error policy: "halt" or "continue".
	ErrorHandling string `yaml:"errorHandling" env:"ERROR_HANDLING"`

	// AsyncRouting makes Dispatch return before routed deliveries finish.
	AsyncRouting bool `yaml:"asyncRouting" env:"ASYNC_ROUTING"`

	// RoutedLogCapacity bounds the routed delivery log.
	RoutedLogCapacity int `yaml:"routedLogCapacity" env:"ROUTED_LOG_CAPACITY"`

	// QueueCapacity bounds the dispatched-event queue; 0 uses the default.
	QueueCapacity int `yaml:"queueCapacity" env:"QUEUE_CAPACITY"`

	Filter     FilterSettings     `yaml:"filter" envPrefix:"FILTER_"`
	Routes     []RouteSettings    `yaml:"routes"`
	Validator  ValidatorSettings  `yaml:"validator" envPrefix:"VALIDATOR_"`
	Enricher   EnricherSettings   `yaml:"enricher" envPrefix:"ENRICHER_"`
	Strategy   StrategySettings   `yaml:"strategy" envPrefix:"STRATEGY_"`
	DeadLetter DeadLetterSettings `yaml:"deadLetter" envPrefix:"DEAD_LETTER_"`
	Transport  TransportSettings  `yaml:"transport" envPrefix:"TRANSPORT_"`
}

// FilterSettings configures rules and throttles.
type FilterSettings struct {
	Logic     string             `yaml:"logic" env:"LOGIC"`
	Rules     []RuleSettings     `yaml:"rules"`
	Throttles []ThrottleSettings `yaml:"throttles"`
}

// RuleSettings is one filter rule.
type RuleSettings struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
}

// ThrottleSettings is one throttle. An empty EventType applies to all types.
type ThrottleSettings struct {
	EventType    string `yaml:"eventType"`
	MaxPerSecond int    `yaml:"maxPerSecond"`
}

// RouteSettings is one routed target.
type RouteSettings struct {
	Pattern    string        `yaml:"pattern"`
	Target     string        `yaml:"target"`
	Priority   int           `yaml:"priority"`
	Retries    int           `yaml:"retries"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryDelay time.Duration `yaml:"retryDelay"`
	Disabled   bool          `yaml:"disabled"`
}

// ValidatorSettings configures the validate stage.
type ValidatorSettings struct {
	MaxSize   int                       `yaml:"maxSize" env:"MAX_SIZE"`
	Whitelist []string                  `yaml:"whitelist" env:"WHITELIST"`
	Blacklist []string                  `yaml:"blacklist" env:"BLACKLIST"`
	Schemas   map[string]SchemaSettings `yaml:"schemas"`
}

// SchemaSettings is a payload schema. Properties map field name to type.
type SchemaSettings struct {
	Required   []string          `yaml:"required"`
	Properties map[string]string `yaml:"properties"`
}

// EnricherSettings configures the enrich stage.
type EnricherSettings struct {
	Processor string `yaml:"processor" env:"PROCESSOR"`
	IPAddress string `yaml:"ipAddress" env:"IP_ADDRESS"`
}

// StrategySettings configures processor assignment.
type StrategySettings struct {
	LoadBalancing    string                 `yaml:"loadBalancing" env:"LOAD_BALANCING"`
	DefaultProcessor string                 `yaml:"defaultProcessor" env:"DEFAULT_PROCESSOR"`
	PartitionKey     string                 `yaml:"partitionKey" env:"PARTITION_KEY"`
	Partitions       int                    `yaml:"partitions" env:"PARTITIONS"`
	Registrations    []RegistrationSettings `yaml:"registrations"`
}

// RegistrationSettings maps a pattern to a processor. Condition is an
// expression such as "priority == 'high'".
type RegistrationSettings struct {
	Pattern   string `yaml:"pattern"`
	Processor string `yaml:"processor"`
	Priority  int    `yaml:"priority"`
	Condition string `yaml:"condition"`
}

// DeadLetterSettings selects where failed routed deliveries are parked.
type DeadLetterSettings struct {
	// Driver is "", "memory" or "sqlite". Empty disables the dead-letter store.
	Driver string `yaml:"driver" env:"DRIVER"`
	// Path is the SQLite database file.
	Path string `yaml:"path" env:"PATH"`
	// PoisonThreshold quarantines event content after this many failed
	// deliveries. Zero disables poison detection.
	PoisonThreshold int `yaml:"poisonThreshold" env:"POISON_THRESHOLD"`
	// PoisonWindow is how long failures count toward the threshold.
	PoisonWindow time.Duration `yaml:"poisonWindow" env:"POISON_WINDOW"`
}

// TransportSettings selects the routed delivery transport.
type TransportSettings struct {
	// Kind is "", "http" or "redis". Empty means no transport.
	Kind          string        `yaml:"kind" env:"KIND"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	BaseURL       string        `yaml:"baseURL" env:"BASE_URL"`
	SigningSecret string        `yaml:"signingSecret" env:"SIGNING_SECRET"`
	RedisAddr     string        `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redisDB" env:"REDIS_DB"`
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		ErrorHandling:     "halt",
		RoutedLogCapacity: 1000,
		Filter:            FilterSettings{Logic: "and"},
		Strategy: StrategySettings{
			LoadBalancing: "first",
			Partitions:    16,
		},
		Transport: TransportSettings{Timeout: 10 * time.Second},
	}
}

// Validate checks enumerated values and required fields. Patterns,
// operators and expressions are validated when the dispatcher is built.
func (s Settings) Validate() error {
	switch s.ErrorHandling {
	case "halt", "continue":
	default:
		return fmt.Errorf("errorHandling must be halt or continue, got %q", s.ErrorHandling)
	}
	switch s.Filter.Logic {
	case "and", "or":
	default:
		return fmt.Errorf("filter.logic must be and or or, got %q", s.Filter.Logic)
	}
	switch s.Strategy.LoadBalancing {
	case "first", "round-robin":
	default:
		return fmt.Errorf("strategy.loadBalancing must be first or round-robin, got %q", s.Strategy.LoadBalancing)
	}
	switch s.DeadLetter.Driver {
	case "", "memory":
	case "sqlite":
		if s.DeadLetter.Path == "" {
			return fmt.Errorf("deadLetter.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("deadLetter.driver must be memory or sqlite, got %q", s.DeadLetter.Driver)
	}
	switch s.Transport.Kind {
	case "", "http":
	case "redis":
		if s.Transport.RedisAddr == "" {
			return fmt.Errorf("transport.redisAddr is required for the redis transport")
		}
	default:
		return fmt.Errorf("transport.kind must be http or redis, got %q", s.Transport.Kind)
	}
	if s.DeadLetter.PoisonThreshold < 0 || s.DeadLetter.PoisonWindow < 0 {
		return fmt.Errorf("deadLetter.poisonThreshold and poisonWindow must not be negative")
	}
	if s.RoutedLogCapacity < 0 || s.QueueCapacity < 0 {
		return fmt.Errorf("capacities must not be negative")
	}
	for i, r := range s.Routes {
		if r.Pattern == "" || r.Target == "" {
			return fmt.Errorf("routes[%d]: pattern and target are required", i)
		}
	}
	for i, r := range s.Strategy.Registrations {
		if r.Pattern == "" || r.Processor == "" {
			return fmt.Errorf("strategy.registrations[%d]: pattern and processor are required", i)
		}
	}
	return nil
}
