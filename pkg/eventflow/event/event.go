// Package event defines the event value that flows through eventflow.
//
// Events are values. Every method that changes an event returns a new value,
// and Clone deep-copies the payload maps so that pipeline stages, subscribers
// and routed targets never share mutable state.
package event

import (
	"context"
	"encoding/json"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the unit of work dispatched to subscribers and routed targets.
type Event struct {
	// Type is the lower-case dotted event type (e.g. "widget.clicked").
	Type string `json:"eventType"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID groups related events across stages and services.
	CorrelationID string `json:"correlationId"`

	// Data is the open key/value payload.
	Data map[string]any `json:"data"`

	// Metadata accumulates pipeline provenance.
	Metadata Metadata `json:"metadata"`

	// Enrichment context, populated by the enrich stage.
	User        *UserContext   `json:"userContext,omitempty"`
	Environment *Environment   `json:"environment,omitempty"`
	Geo         *GeoInfo       `json:"geo,omitempty"`
	Related     map[string]any `json:"enrichedData,omitempty"`
}

// Metadata records what the pipeline did to an event.
type Metadata struct {
	Source            string                   `json:"source,omitempty"`
	Stages            []string                 `json:"stages,omitempty"`
	Timings           map[string]time.Duration `json:"timings,omitempty"`
	Errors            []StageError             `json:"errors,omitempty"`
	Original          map[string]any           `json:"original,omitempty"`
	Processor         string                   `json:"processor,omitempty"`
	ProcessedAt       time.Time                `json:"processedAt,omitzero"`
	AssignedProcessor string                   `json:"assignedProcessor,omitempty"`
	Partition         int                      `json:"partition"`
	Attributes        map[string]any           `json:"attributes,omitempty"`
}

// StageError is a failure recorded while the pipeline kept going.
type StageError struct {
	Stage      string `json:"stage"`
	Message    string `json:"message"`
	Validation bool   `json:"validation,omitempty"`
}

// UserContext identifies who produced an event.
type UserContext struct {
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Environment describes the process that handled an event.
type Environment struct {
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
	Hostname string `json:"hostname,omitempty"`
}

// GeoInfo is the geographic context resolved from a client address.
type GeoInfo struct {
	IP      string `json:"ip,omitempty"`
	Country string `json:"country"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// New creates an event with the given type and payload.
// The timestamp defaults to now and a correlation ID is generated.
func New(eventType string, data map[string]any) Event {
	if data == nil {
		data = make(map[string]any)
	}
	return Event{
		Type:          eventType,
		Timestamp:     time.Now(),
		CorrelationID: NewID(),
		Data:          data,
		Metadata:      Metadata{Partition: -1},
	}
}

// NewID returns a new random identifier.
func NewID() string {
	return uuid.NewString()
}

// WithCorrelationID returns a copy with the correlation ID replaced.
func (e Event) WithCorrelationID(id string) Event {
	e.CorrelationID = id
	return e
}

// WithTimestamp returns a copy with the timestamp replaced.
func (e Event) WithTimestamp(t time.Time) Event {
	e.Timestamp = t
	return e
}

// WithData returns a deep copy with key set in Data.
func (e Event) WithData(key string, value any) Event {
	c := e.Clone()
	c.Data[key] = value
	return c
}

// WithAttribute returns a deep copy with key set in Metadata.Attributes.
func (e Event) WithAttribute(key string, value any) Event {
	c := e.Clone()
	if c.Metadata.Attributes == nil {
		c.Metadata.Attributes = make(map[string]any)
	}
	c.Metadata.Attributes[key] = value
	return c
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	c := e
	c.Data = cloneMap(e.Data)
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	c.Related = cloneMap(e.Related)
	if e.User != nil {
		u := *e.User
		c.User = &u
	}
	if e.Environment != nil {
		env := *e.Environment
		c.Environment = &env
	}
	if e.Geo != nil {
		g := *e.Geo
		c.Geo = &g
	}
	c.Metadata = e.Metadata.clone()
	return c
}

func (m Metadata) clone() Metadata {
	c := m
	c.Stages = append([]string(nil), m.Stages...)
	c.Errors = append([]StageError(nil), m.Errors...)
	if m.Timings != nil {
		c.Timings = maps.Clone(m.Timings)
	}
	c.Original = cloneMap(m.Original)
	c.Attributes = cloneMap(m.Attributes)
	return c
}

// HasValidationError reports whether the validate stage recorded a failure.
func (m Metadata) HasValidationError() bool {
	for _, e := range m.Errors {
		if e.Validation {
			return true
		}
	}
	return false
}

// Size returns the length of the JSON encoding of the event's type and data.
func (e Event) Size() (int, error) {
	b, err := json.Marshal(struct {
		Type string         `json:"eventType"`
		Data map[string]any `json:"data"`
	}{e.Type, e.Data})
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Handler processes dispatched events.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// Segments splits a dotted event type.
func Segments(eventType string) []string {
	if eventType == "" {
		return nil
	}
	return strings.Split(eventType, ".")
}
