// Package pattern matches dotted event types against subscription patterns.
//
// Supported forms:
//
//	*               matches every event type
//	widget.*        matches widget, widget.clicked, widget.menu.opened
//	*.clicked       a non-trailing * matches exactly one segment
//	widget.clicked  exact match
//
// Wildcards always cover whole segments; "widget.cl*" is rejected.
package pattern

import (
	"strings"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
)

// Wildcard is the whole-segment wildcard.
const Wildcard = "*"

// Matches reports whether eventType matches pattern.
func Matches(pattern, eventType string) bool {
	if pattern == "" {
		return false
	}
	if pattern == Wildcard {
		return true
	}
	if pattern == eventType {
		return true
	}
	if !strings.Contains(pattern, Wildcard) {
		return false
	}

	patSegs := strings.Split(pattern, ".")
	typeSegs := strings.Split(eventType, ".")

	trailing := patSegs[len(patSegs)-1] == Wildcard
	if trailing {
		prefix := patSegs[:len(patSegs)-1]
		if len(typeSegs) < len(prefix) {
			return false
		}
		return segmentsMatch(prefix, typeSegs[:len(prefix)])
	}

	if len(patSegs) != len(typeSegs) {
		return false
	}
	return segmentsMatch(patSegs, typeSegs)
}

func segmentsMatch(pat, typ []string) bool {
	for i, seg := range pat {
		if seg == Wildcard {
			if typ[i] == "" {
				return false
			}
			continue
		}
		if seg != typ[i] {
			return false
		}
	}
	return true
}

// MatchesAny reports whether any pattern matches eventType.
func MatchesAny(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if Matches(p, eventType) {
			return true
		}
	}
	return false
}

// Validate checks pattern syntax.
func Validate(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return eferrors.Configuration("pattern", "pattern", "must not be empty")
	}
	if strings.ContainsAny(pattern, " \t\n") {
		return eferrors.Configuration("pattern", "pattern", "must not contain whitespace: "+pattern)
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "" {
			return eferrors.Configuration("pattern", "pattern", "empty segment in "+pattern)
		}
		if seg != Wildcard && strings.Contains(seg, Wildcard) {
			return eferrors.Configuration("pattern", "pattern", "partial-segment wildcard in "+pattern)
		}
	}
	return nil
}

// Normalize trims and lower-cases a pattern and validates it.
func Normalize(pattern string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if err := Validate(p); err != nil {
		return "", err
	}
	return p, nil
}

// NormalizeAll normalizes every pattern, failing on the first invalid one.
func NormalizeAll(patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, eferrors.Configuration("pattern", "pattern", "at least one pattern is required")
	}
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		n, err := Normalize(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
