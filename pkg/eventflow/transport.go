package eventflow

import (
	"context"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Transport hands an event to a routed target. Implementations must be safe
// for concurrent use; the transport package has HTTP, Redis and in-memory
// implementations.
type Transport interface {
	Deliver(ctx context.Context, target string, evt event.Event) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, target string, evt event.Event) error

// Deliver calls f.
func (f TransportFunc) Deliver(ctx context.Context, target string, evt event.Event) error {
	return f(ctx, target, evt)
}

// discard accepts every delivery. It stands in when no transport is set so
// that routes still resolve and are logged.
type discard struct{}

func (discard) Deliver(context.Context, string, event.Event) error { return nil }
