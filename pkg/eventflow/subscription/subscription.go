// Package subscription keeps the set of local subscribers and answers which of
// them want a given event type.
//
// The registry is copy-on-write: writers build a new sorted snapshot under a
// mutex and publish it atomically, so lookups on the dispatch path never lock.
package subscription

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pattern"
)

// Subscription binds one or more patterns to a handler.
type Subscription struct {
	ID        string
	Name      string
	Patterns  []string
	Priority  int
	Handler   event.Handler
	CreatedAt time.Time

	seq    uint64
	paused atomic.Bool
}

// Paused reports whether the subscription is currently paused.
func (s *Subscription) Paused() bool {
	return s.paused.Load()
}

// Matches reports whether the subscription is active and wants eventType.
func (s *Subscription) Matches(eventType string) bool {
	return !s.paused.Load() && pattern.MatchesAny(s.Patterns, eventType)
}

// Info is a read-only view of a subscription.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Patterns  []string  `json:"patterns"`
	Priority  int       `json:"priority"`
	Paused    bool      `json:"paused"`
	CreatedAt time.Time `json:"createdAt"`
}

// Option configures a subscription.
type Option func(*Subscription)

// WithPriority sets the delivery priority. Higher runs first; default 0.
func WithPriority(p int) Option {
	return func(s *Subscription) {
		s.Priority = p
	}
}

// WithName attaches a human-readable name used in logs.
func WithName(name string) Option {
	return func(s *Subscription) {
		s.Name = name
	}
}

// Registry holds subscriptions.
type Registry struct {
	mu       sync.Mutex // serialises writers
	snapshot atomic.Pointer[[]*Subscription]
	nextSeq  uint64
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := make([]*Subscription, 0)
	r.snapshot.Store(&empty)
	return r
}

// Subscribe registers h for a single pattern and returns the subscription ID.
func (r *Registry) Subscribe(p string, h event.Handler, opts ...Option) (string, error) {
	return r.SubscribePatterns([]string{p}, h, opts...)
}

// SubscribePatterns registers h for every pattern in patterns.
// The handler is invoked at most once per event even if several patterns match.
func (r *Registry) SubscribePatterns(patterns []string, h event.Handler, opts ...Option) (string, error) {
	if h == nil {
		return "", eferrors.Configuration("subscription", "handler", "must not be nil")
	}
	normalized, err := pattern.NormalizeAll(patterns)
	if err != nil {
		return "", err
	}

	sub := &Subscription{
		ID:        event.NewID(),
		Patterns:  normalized,
		Handler:   h,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(sub)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	sub.seq = r.nextSeq

	current := *r.snapshot.Load()
	next := make([]*Subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, sub)
	sortByPriority(next)
	r.snapshot.Store(&next)

	r.logger.Debug("subscription added",
		slog.String("subscription_id", sub.ID),
		slog.Any("patterns", sub.Patterns),
		slog.Int("priority", sub.Priority),
	)
	return sub.ID, nil
}

// Unsubscribe removes a subscription. It returns false if the ID is unknown.
func (r *Registry) Unsubscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	idx := slices.IndexFunc(current, func(s *Subscription) bool { return s.ID == id })
	if idx < 0 {
		return false
	}
	next := slices.Delete(slices.Clone(current), idx, idx+1)
	r.snapshot.Store(&next)

	r.logger.Debug("subscription removed", slog.String("subscription_id", id))
	return true
}

// Pause stops delivery to a subscription without removing it.
func (r *Registry) Pause(id string) bool {
	sub := r.get(id)
	if sub == nil {
		return false
	}
	sub.paused.Store(true)
	return true
}

// Resume re-enables a paused subscription.
func (r *Registry) Resume(id string) bool {
	sub := r.get(id)
	if sub == nil {
		return false
	}
	sub.paused.Store(false)
	return true
}

// IsPaused reports whether the subscription exists and is paused.
func (r *Registry) IsPaused(id string) bool {
	sub := r.get(id)
	return sub != nil && sub.Paused()
}

// Get returns the subscription with the given ID.
func (r *Registry) Get(id string) (*Subscription, bool) {
	sub := r.get(id)
	return sub, sub != nil
}

func (r *Registry) get(id string) *Subscription {
	for _, s := range *r.snapshot.Load() {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Matching returns the active subscriptions for eventType, highest priority
// first and in registration order within a priority.
func (r *Registry) Matching(eventType string) []*Subscription {
	var out []*Subscription
	for _, s := range *r.snapshot.Load() {
		if s.Matches(eventType) {
			out = append(out, s)
		}
	}
	return out
}

// List returns every subscription, including paused ones, in delivery order.
func (r *Registry) List() []Info {
	current := *r.snapshot.Load()
	out := make([]Info, 0, len(current))
	for _, s := range current {
		out = append(out, Info{
			ID:        s.ID,
			Name:      s.Name,
			Patterns:  slices.Clone(s.Patterns),
			Priority:  s.Priority,
			Paused:    s.Paused(),
			CreatedAt: s.CreatedAt,
		})
	}
	return out
}

// Count returns the number of registered subscriptions.
func (r *Registry) Count() int {
	return len(*r.snapshot.Load())
}

// Clear removes every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	empty := make([]*Subscription, 0)
	r.snapshot.Store(&empty)
}

func sortByPriority(subs []*Subscription) {
	slices.SortStableFunc(subs, func(a, b *Subscription) int {
		return cmp.Or(cmp.Compare(b.Priority, a.Priority), cmp.Compare(a.seq, b.seq))
	})
}
