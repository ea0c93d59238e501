package event

import (
	"strings"
	"time"
)

// Raw is the plain data event handed over by producers, for example
// {"type": "widget.clicked", "widgetId": "w1"}.
type Raw map[string]any

// Keys of Raw that map onto Event fields rather than Data.
const (
	KeyType          = "type"
	KeyEventType     = "eventType"
	KeyTimestamp     = "timestamp"
	KeyCorrelationID = "correlationId"
	KeyData          = "data"
)

// FromRaw converts a producer event into an Event.
//
// The type comes from "type", or "eventType" when "type" is absent, and is
// not normalised here.
// A nested "data" map is merged into Data together with every other
// non-reserved key. The raw input is kept under Metadata.Original.
// Missing timestamps and correlation IDs stay empty for the pipeline to fill.
func FromRaw(raw Raw) Event {
	evt := Event{
		Data:     make(map[string]any, len(raw)),
		Metadata: Metadata{Partition: -1, Original: cloneMap(raw)},
	}

	for k, v := range raw {
		switch k {
		case KeyType, KeyEventType:
		case KeyTimestamp:
			evt.Timestamp = parseTimestamp(v)
		case KeyCorrelationID:
			if s, ok := v.(string); ok {
				evt.CorrelationID = s
			}
		case KeyData:
			if m, ok := v.(map[string]any); ok {
				for dk, dv := range m {
					evt.Data[dk] = cloneValue(dv)
				}
			} else {
				evt.Data[k] = cloneValue(v)
			}
		default:
			evt.Data[k] = cloneValue(v)
		}
	}

	if s, ok := raw[KeyType].(string); ok {
		evt.Type = s
	} else if s, ok := raw[KeyEventType].(string); ok {
		evt.Type = s
	}
	return evt
}

// ToRaw flattens an event back into producer form.
func (e Event) ToRaw() Raw {
	raw := make(Raw, len(e.Data)+3)
	for k, v := range e.Data {
		raw[k] = cloneValue(v)
	}
	raw[KeyType] = e.Type
	if !e.Timestamp.IsZero() {
		raw[KeyTimestamp] = e.Timestamp.UnixMilli()
	}
	if e.CorrelationID != "" {
		raw[KeyCorrelationID] = e.CorrelationID
	}
	return raw
}

func parseTimestamp(v any) time.Time {
	switch ts := v.(type) {
	case time.Time:
		return ts
	case int64:
		return time.UnixMilli(ts)
	case int:
		return time.UnixMilli(int64(ts))
	case float64:
		return time.UnixMilli(int64(ts))
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Field resolves a dotted field path against the event.
//
// "type"/"eventType", "correlationId" and "timestamp" address the event
// itself, "metadata.<key>" addresses Metadata.Attributes and the well-known
// metadata fields, and anything else is looked up in Data (an optional
// "data." prefix is accepted). The boolean is false when the path does not
// exist.
func (e Event) Field(path string) (any, bool) {
	switch path {
	case "":
		return nil, false
	case KeyType, KeyEventType:
		return e.Type, e.Type != ""
	case KeyCorrelationID:
		return e.CorrelationID, e.CorrelationID != ""
	case KeyTimestamp:
		return e.Timestamp, !e.Timestamp.IsZero()
	}

	if rest, ok := strings.CutPrefix(path, "metadata."); ok {
		switch rest {
		case "source":
			return e.Metadata.Source, e.Metadata.Source != ""
		case "processor":
			return e.Metadata.Processor, e.Metadata.Processor != ""
		case "assignedProcessor":
			return e.Metadata.AssignedProcessor, e.Metadata.AssignedProcessor != ""
		}
		return lookup(e.Metadata.Attributes, rest)
	}

	if v, ok := lookup(e.Data, path); ok {
		return v, true
	}
	if rest, ok := strings.CutPrefix(path, KeyData+"."); ok {
		return lookup(e.Data, rest)
	}
	return nil, false
}

// Fields returns a flat view of the event suitable for expression evaluation:
// the top-level Data keys plus type, eventType and correlationId.
func (e Event) Fields() map[string]any {
	vars := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		vars[k] = v
	}
	vars[KeyType] = e.Type
	vars[KeyEventType] = e.Type
	vars[KeyCorrelationID] = e.CorrelationID
	return vars
}

// Lookup resolves a dotted path inside a nested map.
func Lookup(m map[string]any, path string) (any, bool) {
	return lookup(m, path)
}

func lookup(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	if v, ok := m[path]; ok {
		return v, true
	}

	current := any(m)
	for _, seg := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
