package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pattern"
)

// SourceInputHandler is the source assigned to pointer and keyboard events.
const SourceInputHandler = "input-handler"

// inputDomains are first type segments produced by input devices.
var inputDomains = map[string]bool{
	"mouse":    true,
	"pointer":  true,
	"touch":    true,
	"key":      true,
	"keyboard": true,
	"gesture":  true,
}

// TransformFunc is a custom transform rule.
type TransformFunc func(evt event.Event) (event.Event, error)

type transformRule struct {
	pattern string
	fn      TransformFunc
}

// Transformer brings events into canonical form: normalised type,
// timestamp, preserved original, inferred source and folded coordinates,
// followed by any custom rules.
type Transformer struct {
	mu             sync.RWMutex
	rules          []transformRule
	extractionPath string
	now            func() time.Time
}

// NewTransformer creates a transformer with no custom rules.
func NewTransformer() *Transformer {
	return &Transformer{now: time.Now}
}

// AddRule registers fn for events whose type matches pattern. Rules run in
// registration order. A failing rule is recorded in Metadata.Errors and the
// event continues as it was before the rule.
func (t *Transformer) AddRule(p string, fn TransformFunc) error {
	if fn == nil {
		return eferrors.Configuration("transformer", "rule", "function must not be nil")
	}
	normalized, err := pattern.Normalize(p)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.rules = append(t.rules, transformRule{pattern: normalized, fn: fn})
	t.mu.Unlock()
	return nil
}

// SetExtractionPath lifts the map found at path (e.g. "payload.widget")
// into the top level of Data. An empty path disables extraction.
func (t *Transformer) SetExtractionPath(path string) {
	t.mu.Lock()
	t.extractionPath = path
	t.mu.Unlock()
}

// Transform is the transform stage.
func (t *Transformer) Transform(_ context.Context, evt event.Event) (event.Event, error) {
	t.mu.RLock()
	rules := append([]transformRule(nil), t.rules...)
	extractionPath := t.extractionPath
	t.mu.RUnlock()

	evt = evt.Clone()
	if evt.Metadata.Original == nil {
		evt.Metadata.Original = evt.ToRaw()
	}

	evt.Type = NormalizeType(evt.Type)
	if evt.Timestamp.IsZero() {
		evt.Timestamp = t.now()
	}

	if extractionPath != "" {
		if nested, ok := event.Lookup(evt.Data, extractionPath); ok {
			if m, ok := nested.(map[string]any); ok {
				for k, v := range m {
					evt.Data[k] = v
				}
			}
		}
	}

	foldCoordinates(evt.Data)

	if evt.Metadata.Source == "" {
		if segs := event.Segments(evt.Type); len(segs) > 0 && inputDomains[segs[0]] {
			evt.Metadata.Source = SourceInputHandler
		}
	}

	for _, r := range rules {
		if !pattern.Matches(r.pattern, evt.Type) {
			continue
		}
		out, err := applyRule(r.fn, evt.Clone())
		if err != nil {
			evt.Metadata.Errors = append(evt.Metadata.Errors, event.StageError{
				Stage:   StageTransform,
				Message: err.Error(),
			})
			continue
		}
		evt = out
	}
	return evt, nil
}

func applyRule(fn TransformFunc, evt event.Event) (out event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform rule panicked: %v", r)
		}
	}()
	return fn(evt)
}

// foldCoordinates replaces numeric x and y keys with a coordinates map.
func foldCoordinates(data map[string]any) {
	if _, exists := data["coordinates"]; exists {
		return
	}
	x, okX := data["x"]
	y, okY := data["y"]
	if !okX || !okY || !isNumber(x) || !isNumber(y) {
		return
	}
	data["coordinates"] = map[string]any{"x": x, "y": y}
	delete(data, "x")
	delete(data, "y")
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// NormalizeType converts an event type to lower-case dotted form.
//
// Types without a dot are split on CamelCase boundaries, underscores and
// hyphens ("WidgetClicked", "widget_clicked" → "widget.clicked"). Types that
// are already dotted are only lower-cased, so "widget.double_clicked" keeps
// its underscore. Whitespace is left in place for the validator to reject.
func NormalizeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" || strings.Contains(t, ".") {
		return strings.ToLower(t)
	}

	runes := []rune(t)
	var b strings.Builder
	b.Grow(len(t) + 4)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-':
			b.WriteByte('.')
			continue
		case unicode.IsUpper(r) && i > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('.')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
