package eventflow

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/randalmurphal/eventflow/pkg/eventflow/config"
	"github.com/randalmurphal/eventflow/pkg/eventflow/deadletter"
	"github.com/randalmurphal/eventflow/pkg/eventflow/filter"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pipeline"
	"github.com/randalmurphal/eventflow/pkg/eventflow/route"
	"github.com/randalmurphal/eventflow/pkg/eventflow/strategy"
	"github.com/randalmurphal/eventflow/pkg/eventflow/transport"
)

// FromSettings builds a dispatcher from loaded settings. opts are applied
// after the settings, so an explicit WithTransport or WithDeadLetterStore
// takes precedence over the configured one. Resources created here (SQLite
// store, Redis client) are released by Close.
//
// Example:
//
//	settings, err := config.Load("eventflow.yaml")
//	if err != nil {
//		return err
//	}
//	d, err := eventflow.FromSettings(settings, eventflow.WithLogger(logger))
func FromSettings(s config.Settings, opts ...Option) (*Dispatcher, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	base := []Option{
		WithAsyncRouting(s.AsyncRouting),
		WithRoutedLogCapacity(s.RoutedLogCapacity),
		WithQueue(NewQueue(s.QueueCapacity)),
	}
	d := New(append(base, opts...)...)

	if err := configure(d, s); err != nil {
		for _, c := range d.owned {
			_ = c.Close()
		}
		return nil, err
	}
	return d, nil
}

func configure(d *Dispatcher, s config.Settings) error {
	steps := []func(*Dispatcher, config.Settings) error{
		configurePipeline,
		configureFilter,
		configureRoutes,
		configureStrategy,
		configureDeadLetters,
		configureTransport,
	}
	for _, step := range steps {
		if err := step(d, s); err != nil {
			return err
		}
	}
	return nil
}

func configurePipeline(d *Dispatcher, s config.Settings) error {
	p := d.pipeline
	if err := p.SetErrorHandling(pipeline.ErrorPolicy(s.ErrorHandling)); err != nil {
		return err
	}

	v := p.Validator()
	if s.Validator.MaxSize > 0 {
		if err := v.SetMaxSize(s.Validator.MaxSize); err != nil {
			return err
		}
	}
	if len(s.Validator.Whitelist) > 0 {
		if err := v.SetWhitelist(s.Validator.Whitelist); err != nil {
			return err
		}
	}
	if len(s.Validator.Blacklist) > 0 {
		if err := v.SetBlacklist(s.Validator.Blacklist); err != nil {
			return err
		}
	}
	for eventType, schema := range s.Validator.Schemas {
		props := make(map[string]pipeline.Property, len(schema.Properties))
		for name, typ := range schema.Properties {
			props[name] = pipeline.Property{Type: typ}
		}
		if err := v.SetSchema(eventType, pipeline.Schema{Required: schema.Required, Properties: props}); err != nil {
			return err
		}
	}

	e := p.Enricher()
	if s.Enricher.Processor != "" {
		e.SetProcessor(s.Enricher.Processor)
	}
	if s.Enricher.IPAddress != "" {
		e.SetIPAddress(s.Enricher.IPAddress)
	}
	return nil
}

func configureFilter(d *Dispatcher, s config.Settings) error {
	f := d.filter
	if err := f.SetLogic(filter.Logic(s.Filter.Logic)); err != nil {
		return err
	}
	for _, r := range s.Filter.Rules {
		rule := filter.Rule{Field: r.Field, Operator: filter.Operator(r.Operator), Value: r.Value}
		if err := f.AddRule(rule); err != nil {
			return err
		}
	}
	for _, t := range s.Filter.Throttles {
		if err := f.SetThrottle(filter.Throttle{EventType: t.EventType, MaxPerSecond: t.MaxPerSecond}); err != nil {
			return err
		}
	}
	return nil
}

func configureRoutes(d *Dispatcher, s config.Settings) error {
	for _, r := range s.Routes {
		id, err := d.router.AddRoute(r.Pattern, r.Target,
			route.WithPriority(r.Priority),
			route.WithRetries(r.Retries),
			route.WithTimeout(r.Timeout),
			route.WithRetryDelay(r.RetryDelay),
		)
		if err != nil {
			return err
		}
		if r.Disabled {
			d.router.SetEnabled(id, false)
		}
	}
	return nil
}

func configureStrategy(d *Dispatcher, s config.Settings) error {
	st := d.strategy
	if err := st.SetLoadBalancing(strategy.LoadBalancing(s.Strategy.LoadBalancing)); err != nil {
		return err
	}
	if s.Strategy.DefaultProcessor != "" {
		st.SetDefaultProcessor(s.Strategy.DefaultProcessor)
	}
	for _, r := range s.Strategy.Registrations {
		opts := []strategy.Option{strategy.WithPriority(r.Priority)}
		if r.Condition != "" {
			opts = append(opts, strategy.WithExpression(r.Condition))
		}
		if err := st.Register(r.Pattern, r.Processor, opts...); err != nil {
			return err
		}
	}
	if s.Strategy.PartitionKey != "" {
		cfg := strategy.PartitionConfig{Key: s.Strategy.PartitionKey, Partitions: s.Strategy.Partitions}
		if err := st.SetPartitioning(strategy.PartitionHash, cfg); err != nil {
			return err
		}
	}
	return nil
}

func configureDeadLetters(d *Dispatcher, s config.Settings) error {
	if d.poison == nil && s.DeadLetter.PoisonThreshold > 0 {
		d.poison = deadletter.NewPoisonDetector(deadletter.PoisonConfig{
			Threshold: s.DeadLetter.PoisonThreshold,
			Window:    s.DeadLetter.PoisonWindow,
		})
	}
	if d.deadLetters != nil {
		return nil
	}
	switch s.DeadLetter.Driver {
	case "memory":
		d.deadLetters = deadletter.NewMemoryStore()
	case "sqlite":
		store, err := deadletter.NewSQLiteStore(s.DeadLetter.Path)
		if err != nil {
			return fmt.Errorf("open dead-letter store: %w", err)
		}
		d.deadLetters = store
		d.owned = append(d.owned, store)
	}
	return nil
}

func configureTransport(d *Dispatcher, s config.Settings) error {
	if d.transport != nil {
		return nil
	}
	switch s.Transport.Kind {
	case "http":
		opts := []transport.HTTPOption{
			transport.WithClient(&http.Client{Timeout: s.Transport.Timeout}),
			transport.WithBaseURL(s.Transport.BaseURL),
		}
		if s.Transport.SigningSecret != "" {
			opts = append(opts, transport.WithSignature(s.Transport.SigningSecret))
		}
		d.transport = transport.NewHTTP(opts...)
	case "redis":
		r := transport.NewRedisFromOptions(s.Transport.RedisAddr, s.Transport.RedisPassword, s.Transport.RedisDB)
		d.transport = r
		d.owned = append(d.owned, r)
	case "":
	default:
		return errors.New("unknown transport kind " + s.Transport.Kind)
	}
	return nil
}
