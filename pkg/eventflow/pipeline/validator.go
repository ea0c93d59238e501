package pipeline

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sync"
	"time"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pattern"
)

// Validation problems. ValidationError.Problems holds these strings, with
// field-specific problems formatted from the Problem* templates.
const (
	ProblemTypeRequired      = "eventType is required"
	ProblemTimestampRequired = "timestamp is required"
	ProblemTypeFormat        = "invalid eventType format"
	ProblemSizeExceeded      = "event size exceeds maximum"
	ProblemNotWhitelisted    = "eventType is not whitelisted"
	ProblemBlacklisted       = "eventType is blacklisted"
	ProblemTimestampRange    = "timestamp out of range"

	ProblemMissingField = "missing required field: %s"
	ProblemFieldType    = "field %s must be %s"
)

// typeFormat accepts dot-separated segments without whitespace or wildcards.
var typeFormat = regexp.MustCompile(`^[^\s.*]+(\.[^\s.*]+)*$`)

// Property types understood by Schema.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Schema describes the Data payload expected for one event type.
type Schema struct {
	Required   []string            `json:"required,omitempty" yaml:"required,omitempty"`
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Property constrains one Data field.
type Property struct {
	Type string `json:"type" yaml:"type"`
}

// TimestampRange bounds accepted timestamps. A zero bound is open.
type TimestampRange struct {
	Min time.Time
	Max time.Time
}

// Validator checks events and reports every problem it finds.
type Validator struct {
	mu        sync.RWMutex
	maxSize   int
	whitelist []string
	blacklist []string
	tsRange   TimestampRange
	schemas   map[string]Schema
}

// NewValidator creates a validator with only the structural checks enabled.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]Schema)}
}

// SetMaxSize limits the JSON-encoded size of type and data. 0 disables the check.
func (v *Validator) SetMaxSize(bytes int) error {
	if bytes < 0 {
		return eferrors.Configuration("validator", "maxSize", "must not be negative")
	}
	v.mu.Lock()
	v.maxSize = bytes
	v.mu.Unlock()
	return nil
}

// SetWhitelist accepts only types matching one of patterns. An empty list
// disables the check.
func (v *Validator) SetWhitelist(patterns []string) error {
	normalized, err := normalizeOptional(patterns)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.whitelist = normalized
	v.mu.Unlock()
	return nil
}

// SetBlacklist rejects types matching any of patterns.
func (v *Validator) SetBlacklist(patterns []string) error {
	normalized, err := normalizeOptional(patterns)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.blacklist = normalized
	v.mu.Unlock()
	return nil
}

// SetTimestampRange rejects events outside [min, max].
func (v *Validator) SetTimestampRange(r TimestampRange) error {
	if !r.Min.IsZero() && !r.Max.IsZero() && r.Max.Before(r.Min) {
		return eferrors.Configuration("validator", "timestampRange", "max is before min")
	}
	v.mu.Lock()
	v.tsRange = r
	v.mu.Unlock()
	return nil
}

// SetSchema registers the payload schema for an exact event type.
func (v *Validator) SetSchema(eventType string, s Schema) error {
	if eventType == "" {
		return eferrors.Configuration("validator", "schema", "event type must not be empty")
	}
	for name, prop := range s.Properties {
		switch prop.Type {
		case TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray:
		default:
			return eferrors.Configuration("validator", "schema",
				fmt.Sprintf("property %s has unknown type %q", name, prop.Type))
		}
	}
	v.mu.Lock()
	v.schemas[eventType] = s
	v.mu.Unlock()
	return nil
}

// RemoveSchema drops the schema for eventType.
func (v *Validator) RemoveSchema(eventType string) {
	v.mu.Lock()
	delete(v.schemas, eventType)
	v.mu.Unlock()
}

// Stage is the validate stage. It passes the event through unchanged.
func (v *Validator) Stage(_ context.Context, evt event.Event) (event.Event, error) {
	return evt, v.Validate(evt)
}

// Validate returns a *errors.ValidationError listing every problem, or nil.
func (v *Validator) Validate(evt event.Event) error {
	problems := v.Problems(evt)
	if len(problems) == 0 {
		return nil
	}
	return &eferrors.ValidationError{EventType: evt.Type, Problems: problems}
}

// Problems returns every validation problem found in evt.
func (v *Validator) Problems(evt event.Event) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var problems []string

	if evt.Type == "" {
		problems = append(problems, ProblemTypeRequired)
	} else if !typeFormat.MatchString(evt.Type) {
		problems = append(problems, ProblemTypeFormat)
	}

	if evt.Timestamp.IsZero() {
		problems = append(problems, ProblemTimestampRequired)
	} else if !v.inRange(evt.Timestamp) {
		problems = append(problems, ProblemTimestampRange)
	}

	if v.maxSize > 0 {
		if size, err := evt.Size(); err != nil || size > v.maxSize {
			problems = append(problems, ProblemSizeExceeded)
		}
	}

	if evt.Type != "" {
		if len(v.whitelist) > 0 && !pattern.MatchesAny(v.whitelist, evt.Type) {
			problems = append(problems, ProblemNotWhitelisted)
		}
		if pattern.MatchesAny(v.blacklist, evt.Type) {
			problems = append(problems, ProblemBlacklisted)
		}
		if s, ok := v.schemas[evt.Type]; ok {
			problems = append(problems, checkSchema(s, evt.Data)...)
		}
	}
	return problems
}

func (v *Validator) inRange(ts time.Time) bool {
	if !v.tsRange.Min.IsZero() && ts.Before(v.tsRange.Min) {
		return false
	}
	if !v.tsRange.Max.IsZero() && ts.After(v.tsRange.Max) {
		return false
	}
	return true
}

func checkSchema(s Schema, data map[string]any) []string {
	var problems []string
	for _, field := range s.Required {
		if _, ok := event.Lookup(data, field); !ok {
			problems = append(problems, fmt.Sprintf(ProblemMissingField, field))
		}
	}
	for _, field := range slices.Sorted(maps.Keys(s.Properties)) {
		prop := s.Properties[field]
		val, ok := event.Lookup(data, field)
		if !ok {
			continue
		}
		if !hasType(val, prop.Type) {
			problems = append(problems, fmt.Sprintf(ProblemFieldType, field, prop.Type))
		}
	}
	return problems
}

func hasType(v any, t string) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		return isNumber(v)
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		switch v.(type) {
		case []any, []string, []int, []float64, []map[string]any:
			return true
		}
	}
	return false
}

func normalizeOptional(patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	return pattern.NormalizeAll(patterns)
}
