// Package route binds event type patterns to external delivery targets.
//
// Like the subscription registry, the router publishes immutable sorted
// snapshots so that resolving targets on the dispatch path is lock-free.
package route

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pattern"
)

// TransformFunc reshapes an event before it is handed to a target.
type TransformFunc func(event.Event) event.Event

// Route is a pattern → target binding.
type Route struct {
	ID         string
	Pattern    string
	Target     string
	Priority   int
	Enabled    bool
	Transform  TransformFunc
	Retries    int
	Timeout    time.Duration
	RetryDelay time.Duration
	CreatedAt  time.Time

	seq uint64
}

// Attempts is the total number of delivery attempts the route allows.
func (r Route) Attempts() int {
	return r.Retries + 1
}

// Option configures a route at registration.
type Option func(*Route)

// WithPriority sets the route priority. Higher resolves first; default 0.
func WithPriority(p int) Option {
	return func(r *Route) {
		r.Priority = p
	}
}

// WithTransform sets a per-route transform.
func WithTransform(fn TransformFunc) Option {
	return func(r *Route) {
		r.Transform = fn
	}
}

// WithRetries sets how many extra attempts a failed delivery gets.
func WithRetries(n int) Option {
	return func(r *Route) {
		r.Retries = n
	}
}

// WithTimeout bounds each delivery attempt.
func WithTimeout(d time.Duration) Option {
	return func(r *Route) {
		r.Timeout = d
	}
}

// WithRetryDelay sets the fixed pause between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Route) {
		r.RetryDelay = d
	}
}

// Patch holds a partial route update. Nil fields are left unchanged.
type Patch struct {
	Pattern    *string
	Target     *string
	Priority   *int
	Enabled    *bool
	Retries    *int
	Timeout    *time.Duration
	RetryDelay *time.Duration
	Transform  TransformFunc
}

// Router holds routes.
type Router struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]Route]
	nextSeq  uint64
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// NewRouter creates an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	empty := make([]Route, 0)
	r.snapshot.Store(&empty)
	return r
}

// AddRoute registers a route and returns its ID.
func (r *Router) AddRoute(p, target string, opts ...Option) (string, error) {
	normalized, err := pattern.Normalize(p)
	if err != nil {
		return "", err
	}
	rt := Route{
		ID:        event.NewID(),
		Pattern:   normalized,
		Target:    target,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&rt)
	}
	if err := validate(rt); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	rt.seq = r.nextSeq
	next := append(slices.Clone(*r.snapshot.Load()), rt)
	sortByPriority(next)
	r.snapshot.Store(&next)

	r.logger.Debug("route added",
		slog.String("route_id", rt.ID),
		slog.String("pattern", rt.Pattern),
		slog.String("target", rt.Target),
	)
	return rt.ID, nil
}

// RemoveRoute deletes a route. It returns false if the ID is unknown.
func (r *Router) RemoveRoute(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	idx := slices.IndexFunc(current, func(rt Route) bool { return rt.ID == id })
	if idx < 0 {
		return false
	}
	next := slices.Delete(slices.Clone(current), idx, idx+1)
	r.snapshot.Store(&next)
	return true
}

// UpdateRoute applies a partial update.
func (r *Router) UpdateRoute(id string, patch Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	idx := slices.IndexFunc(current, func(rt Route) bool { return rt.ID == id })
	if idx < 0 {
		return eferrors.Configuration("route", "id", fmt.Sprintf("unknown route %s", id))
	}

	rt := current[idx]
	if patch.Pattern != nil {
		normalized, err := pattern.Normalize(*patch.Pattern)
		if err != nil {
			return err
		}
		rt.Pattern = normalized
	}
	if patch.Target != nil {
		rt.Target = *patch.Target
	}
	if patch.Priority != nil {
		rt.Priority = *patch.Priority
	}
	if patch.Enabled != nil {
		rt.Enabled = *patch.Enabled
	}
	if patch.Retries != nil {
		rt.Retries = *patch.Retries
	}
	if patch.Timeout != nil {
		rt.Timeout = *patch.Timeout
	}
	if patch.RetryDelay != nil {
		rt.RetryDelay = *patch.RetryDelay
	}
	if patch.Transform != nil {
		rt.Transform = patch.Transform
	}
	if err := validate(rt); err != nil {
		return err
	}

	next := slices.Clone(current)
	next[idx] = rt
	sortByPriority(next)
	r.snapshot.Store(&next)
	return nil
}

// SetEnabled toggles a route. Disabled routes never resolve but stay registered.
func (r *Router) SetEnabled(id string, enabled bool) bool {
	return r.UpdateRoute(id, Patch{Enabled: &enabled}) == nil
}

// Get returns the route with the given ID.
func (r *Router) Get(id string) (Route, bool) {
	for _, rt := range *r.snapshot.Load() {
		if rt.ID == id {
			return rt, true
		}
	}
	return Route{}, false
}

// Resolve returns the enabled routes matching evt, highest priority first.
func (r *Router) Resolve(evt event.Event) []Route {
	var out []Route
	for _, rt := range *r.snapshot.Load() {
		if rt.Enabled && pattern.Matches(rt.Pattern, evt.Type) {
			out = append(out, rt)
		}
	}
	return out
}

// ResolveTarget returns the target of the highest-priority matching route.
func (r *Router) ResolveTarget(evt event.Event) (string, bool) {
	for _, rt := range *r.snapshot.Load() {
		if rt.Enabled && pattern.Matches(rt.Pattern, evt.Type) {
			return rt.Target, true
		}
	}
	return "", false
}

// ResolveAllTargets returns the targets of every matching route in priority order.
func (r *Router) ResolveAllTargets(evt event.Event) []string {
	routes := r.Resolve(evt)
	out := make([]string, len(routes))
	for i, rt := range routes {
		out[i] = rt.Target
	}
	return out
}

// Routes returns every registered route in priority order.
func (r *Router) Routes() []Route {
	return slices.Clone(*r.snapshot.Load())
}

// Count returns the number of registered routes.
func (r *Router) Count() int {
	return len(*r.snapshot.Load())
}

// Clear removes every route.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	empty := make([]Route, 0)
	r.snapshot.Store(&empty)
}

func validate(rt Route) error {
	if rt.Target == "" {
		return eferrors.Configuration("route", "target", "must not be empty")
	}
	if rt.Retries < 0 {
		return eferrors.Configuration("route", "retries", "must not be negative")
	}
	if rt.Timeout < 0 || rt.RetryDelay < 0 {
		return eferrors.Configuration("route", "timeout", "durations must not be negative")
	}
	return nil
}

func sortByPriority(routes []Route) {
	slices.SortStableFunc(routes, func(a, b Route) int {
		return cmp.Or(cmp.Compare(b.Priority, a.Priority), cmp.Compare(a.seq, b.seq))
	})
}
