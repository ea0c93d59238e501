package expr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Resolve turns a token into a value: quoted strings, booleans, null and
// numbers are literals; anything else is looked up with r and falls back to
// nil when unknown.
func Resolve(s string, r Resolver) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}

	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}

	var num json.Number
	if err := json.Unmarshal([]byte(s), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}

	if r != nil {
		if v, ok := r(s); ok {
			return v
		}
	}
	return nil
}

// IsTruthy reports whether v counts as true.
func IsTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	}
	if f, ok := ToFloat64(v); ok {
		return f != 0
	}
	return true
}

// ToFloat64 converts numeric values. ok is false for non-numbers.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
