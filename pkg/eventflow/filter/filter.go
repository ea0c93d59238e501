// Package filter decides whether an event should be delivered at all.
//
// A Filter holds a list of field rules combined with AND or OR logic, and an
// optional per-type throttle that is consulted only after the rules pass.
package filter

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"time"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Operator names a rule comparison.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpMatches   Operator = "matches"
	OpContains  Operator = "contains"
	OpGT        Operator = "gt"
	OpGTE       Operator = "gte"
	OpLT        Operator = "lt"
	OpLTE       Operator = "lte"
	OpExists    Operator = "exists"
)

var knownOperators = []Operator{
	OpEquals, OpNotEquals, OpMatches, OpContains,
	OpGT, OpGTE, OpLT, OpLTE, OpExists,
}

// Logic combines rule results.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Rule is a single field predicate.
type Rule struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// String renders the rule for logs.
func (r Rule) String() string {
	return fmt.Sprintf("%s %s %v", r.Field, r.Operator, r.Value)
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Decision is the outcome of Check.
type Decision int

const (
	Allowed Decision = iota
	RejectedByRules
	Throttled
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case RejectedByRules:
		return "rejected"
	case Throttled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Filter evaluates rules and throttles. The zero value is not usable; use New.
type Filter struct {
	rulesMu sync.RWMutex
	rules   []compiledRule
	logic   Logic

	throttle *throttle
	logger   *slog.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithLogger sets the filter logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) {
		f.logger = l
	}
}

// WithClock replaces the time source used by the throttle.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) {
		f.throttle.now = now
	}
}

// New creates a filter with no rules and AND logic.
func New(opts ...Option) *Filter {
	f := &Filter{
		logic:    LogicAnd,
		throttle: newThrottle(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AddRule appends a rule. Regular expressions are compiled here so that a
// bad pattern fails the registration rather than every evaluation.
func (f *Filter) AddRule(r Rule) error {
	if r.Field == "" {
		return eferrors.Configuration("filter", "field", "must not be empty")
	}
	if !slices.Contains(knownOperators, r.Operator) {
		return eferrors.Configuration("filter", "operator", fmt.Sprintf("unknown operator %q", r.Operator))
	}

	cr := compiledRule{Rule: r}
	switch r.Operator {
	case OpMatches:
		expr, ok := r.Value.(string)
		if !ok {
			return eferrors.Configuration("filter", "value", "matches requires a string pattern")
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return eferrors.Configuration("filter", "value", err.Error())
		}
		cr.re = re
	case OpExists:
	default:
		if r.Value == nil {
			return eferrors.Configuration("filter", "value", fmt.Sprintf("%s requires a value", r.Operator))
		}
	}

	f.rulesMu.Lock()
	f.rules = append(f.rules, cr)
	f.rulesMu.Unlock()

	f.logger.Debug("filter rule added", slog.String("rule", r.String()))
	return nil
}

// SetLogic sets how rules are combined.
func (f *Filter) SetLogic(l Logic) error {
	if l != LogicAnd && l != LogicOr {
		return eferrors.Configuration("filter", "logic", fmt.Sprintf("unknown logic %q", l))
	}
	f.rulesMu.Lock()
	f.logic = l
	f.rulesMu.Unlock()
	return nil
}

// Logic returns the current rule combination.
func (f *Filter) Logic() Logic {
	f.rulesMu.RLock()
	defer f.rulesMu.RUnlock()
	return f.logic
}

// Rules returns a copy of the configured rules.
func (f *Filter) Rules() []Rule {
	f.rulesMu.RLock()
	defer f.rulesMu.RUnlock()
	out := make([]Rule, len(f.rules))
	for i, r := range f.rules {
		out[i] = r.Rule
	}
	return out
}

// ClearRules removes every rule.
func (f *Filter) ClearRules() {
	f.rulesMu.Lock()
	f.rules = nil
	f.rulesMu.Unlock()
}

// SetThrottle limits how many events of a type pass per second.
// An empty EventType applies the limit to every type without its own limit.
func (f *Filter) SetThrottle(t Throttle) error {
	if t.MaxPerSecond <= 0 {
		return eferrors.Configuration("filter", "maxPerSecond", "must be positive")
	}
	f.throttle.set(t)
	f.logger.Debug("throttle set",
		slog.String("event_type", t.EventType),
		slog.Int("max_per_second", t.MaxPerSecond),
	)
	return nil
}

// RemoveThrottle drops the limit for eventType.
func (f *Filter) RemoveThrottle(eventType string) {
	f.throttle.remove(eventType)
}

// Throttles returns the configured limits.
func (f *Filter) Throttles() []Throttle {
	return f.throttle.list()
}

// Sweep evicts every expired throttle window and returns how many were removed.
func (f *Filter) Sweep() int {
	return f.throttle.sweep()
}

// ShouldAllow reports whether evt passes the rules and the throttle.
func (f *Filter) ShouldAllow(evt event.Event) bool {
	return f.Check(evt) == Allowed
}

// Check evaluates evt and says why it was rejected, if it was. Rejections are
// not logged here; callers report them.
func (f *Filter) Check(evt event.Event) Decision {
	if !f.evaluateRules(evt) {
		return RejectedByRules
	}
	if !f.throttle.allow(evt.Type) {
		return Throttled
	}
	return Allowed
}

func (f *Filter) evaluateRules(evt event.Event) bool {
	f.rulesMu.RLock()
	defer f.rulesMu.RUnlock()

	if len(f.rules) == 0 {
		return true
	}

	if f.logic == LogicOr {
		for _, r := range f.rules {
			if r.eval(evt) {
				return true
			}
		}
		return false
	}

	for _, r := range f.rules {
		if !r.eval(evt) {
			return false
		}
	}
	return true
}

func (r compiledRule) eval(evt event.Event) bool {
	v, ok := evt.Field(r.Field)
	if !ok {
		return false
	}

	switch r.Operator {
	case OpExists:
		return true
	case OpEquals:
		return equal(v, r.Value)
	case OpNotEquals:
		return !equal(v, r.Value)
	case OpMatches:
		return r.re.MatchString(stringify(v))
	case OpContains:
		return contains(v, r.Value)
	case OpGT:
		c, ok := compare(v, r.Value)
		return ok && c > 0
	case OpGTE:
		c, ok := compare(v, r.Value)
		return ok && c >= 0
	case OpLT:
		c, ok := compare(v, r.Value)
		return ok && c < 0
	case OpLTE:
		c, ok := compare(v, r.Value)
		return ok && c <= 0
	}
	return false
}
