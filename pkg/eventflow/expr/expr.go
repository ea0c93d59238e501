// Package expr evaluates small boolean condition expressions against events.
//
// Conditions are used where code cannot be supplied, such as strategy
// registrations loaded from a configuration file:
//
//	priority == 'high'
//	count >= 10 and type contains 'widget'
//	not internal
//	label matches '^btn-'
//
// Identifiers resolve against the event (Data keys, dotted paths, type,
// correlationId). "or" binds looser than "and"; "not" and "!" negate.
package expr

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// BinaryOp compares two resolved values.
type BinaryOp func(left, right any) bool

// Resolver looks up an identifier.
type Resolver func(name string) (any, bool)

// VarsResolver resolves identifiers from a flat map.
func VarsResolver(vars map[string]any) Resolver {
	return func(name string) (any, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

// EventResolver resolves identifiers against an event.
func EventResolver(evt event.Event) Resolver {
	return evt.Field
}

// Evaluator evaluates expressions with optional custom operators.
type Evaluator struct {
	customOps map[string]BinaryOp

	reMu    sync.Mutex
	regexes map[string]*regexp.Regexp
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCustomOperator registers a word operator used as "left name right".
func WithCustomOperator(name string, fn BinaryOp) Option {
	return func(e *Evaluator) {
		if e.customOps == nil {
			e.customOps = make(map[string]BinaryOp)
		}
		e.customOps[name] = fn
	}
}

// New creates an Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{regexes: make(map[string]*regexp.Regexp)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate evaluates expr with identifiers resolved by r.
func (e *Evaluator) Evaluate(expr string, r Resolver) (bool, error) {
	return e.eval(strings.TrimSpace(expr), r)
}

// Eval evaluates expr against a flat variable map with the default evaluator.
func Eval(expr string, vars map[string]any) (bool, error) {
	return New().Evaluate(expr, VarsResolver(vars))
}

// Expression is a validated expression bound to an evaluator.
type Expression struct {
	src  string
	eval *Evaluator
}

// Compile checks expr for obvious syntax errors.
func Compile(expr string, opts ...Option) (*Expression, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, eferrors.Configuration("expr", "expression", "must not be empty")
	}
	if !balancedQuotes(src) {
		return nil, eferrors.Configuration("expr", "expression", "unbalanced quotes in "+src)
	}
	ev := New(opts...)
	// Evaluate once so that bad regexes surface at compile time.
	if _, err := ev.eval(src, func(string) (any, bool) { return nil, false }); err != nil {
		return nil, eferrors.Configuration("expr", "expression", err.Error())
	}
	return &Expression{src: src, eval: ev}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Expression {
	x, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return x
}

// String returns the source expression.
func (x *Expression) String() string {
	return x.src
}

// Match evaluates the expression against evt. Evaluation errors count as false.
func (x *Expression) Match(evt event.Event) bool {
	ok, err := x.eval.eval(x.src, EventResolver(evt))
	return err == nil && ok
}

func (e *Evaluator) eval(expr string, r Resolver) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}

	if parts := splitOutsideQuotes(expr, " or "); len(parts) == 2 {
		left, err := e.eval(parts[0], r)
		if err != nil {
			return false, err
		}
		right, err := e.eval(parts[1], r)
		if err != nil {
			return false, err
		}
		return left || right, nil
	}

	if parts := splitOutsideQuotes(expr, " and "); len(parts) == 2 {
		left, err := e.eval(parts[0], r)
		if err != nil {
			return false, err
		}
		right, err := e.eval(parts[1], r)
		if err != nil {
			return false, err
		}
		return left && right, nil
	}

	if inner, ok := strings.CutPrefix(expr, "not "); ok {
		v, err := e.eval(inner, r)
		return !v && err == nil, err
	}
	if inner, ok := strings.CutPrefix(expr, "!"); ok && !strings.HasPrefix(inner, "=") {
		v, err := e.eval(inner, r)
		return !v && err == nil, err
	}

	if parts := splitOutsideQuotes(expr, " matches "); len(parts) == 2 {
		left := Resolve(parts[0], r)
		pat, ok := Resolve(parts[1], r).(string)
		if !ok {
			return false, fmt.Errorf("matches requires a string pattern")
		}
		re, err := e.regex(pat)
		if err != nil {
			return false, err
		}
		if left == nil {
			return false, nil
		}
		return re.MatchString(toString(left)), nil
	}

	// Longer operators first so ">=" is not read as ">".
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<", " contains "} {
		if parts := splitOutsideQuotes(expr, op); len(parts) == 2 {
			left := Resolve(parts[0], r)
			right := Resolve(parts[1], r)
			return Compare(left, right, strings.TrimSpace(op))
		}
	}

	for name, fn := range e.customOps {
		if parts := splitOutsideQuotes(expr, " "+name+" "); len(parts) == 2 {
			return fn(Resolve(parts[0], r), Resolve(parts[1], r)), nil
		}
	}

	return IsTruthy(Resolve(expr, r)), nil
}

func (e *Evaluator) regex(pat string) (*regexp.Regexp, error) {
	e.reMu.Lock()
	defer e.reMu.Unlock()
	if re, ok := e.regexes[pat]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, err
	}
	e.regexes[pat] = re
	return re, nil
}

// splitOutsideQuotes splits s at the first occurrence of sep that is not
// inside a quoted literal.
func splitOutsideQuotes(s, sep string) []string {
	var quote byte
	for i := 0; i+len(sep) <= len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case strings.HasPrefix(s[i:], sep):
			return []string{s[:i], s[i+len(sep):]}
		}
	}
	return nil
}

func balancedQuotes(s string) bool {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		}
	}
	return quote == 0
}
