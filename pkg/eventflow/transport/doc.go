// Package transport provides delivery adapters for routed targets.
//
// Every adapter has the method
//
//	Deliver(ctx context.Context, target string, evt event.Event) error
//
// and so satisfies eventflow.Transport. HTTP posts the event as JSON to the
// target URL, Redis publishes it to the channel named by the target, and
// Recorder keeps deliveries in memory for tests and examples.
package transport
