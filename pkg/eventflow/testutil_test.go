package eventflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// sink collects events delivered to a subscriber.
type sink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *sink) Handle(_ context.Context, evt event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *sink) all() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

// failing is a subscriber that always returns err.
func failing(msg string) event.Handler {
	return event.HandlerFunc(func(context.Context, event.Event) error {
		return errors.New(msg)
	})
}

// orderTracker records which handler ran, in order.
type orderTracker struct {
	mu    sync.Mutex
	order []int
}

func (o *orderTracker) handler(id int) event.Handler {
	return event.HandlerFunc(func(context.Context, event.Event) error {
		o.mu.Lock()
		o.order = append(o.order, id)
		o.mu.Unlock()
		return nil
	})
}

// fixedClock returns the same instant every call, keeping throttle windows open.
func fixedClock() func() time.Time {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func clicked(widgetID string) event.Raw {
	return event.Raw{"type": "widget.clicked", "widgetId": widgetID}
}

func testCtx() context.Context {
	return context.Background()
}
