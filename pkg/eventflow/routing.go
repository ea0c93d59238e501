package eventflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/deadletter"
	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/route"
)

// RoutedEvent is one routed delivery, successful or not.
type RoutedEvent struct {
	RouteID  string
	Target   string
	Event    event.Event
	Attempts int
	Err      error
	At       time.Time
}

// routedLog keeps the most recent routed deliveries.
type routedLog struct {
	mu      sync.Mutex
	entries []RoutedEvent
	max     int
}

func newRoutedLog(capacity int) *routedLog {
	return &routedLog{max: capacity}
}

func (l *routedLog) append(batch []RoutedEvent) {
	if l.max == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, batch...)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
}

func (l *routedLog) list() []RoutedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RoutedEvent, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *routedLog) clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// route hands evt to every matching route. Each target is delivered on its
// own goroutine; results are logged in route priority order once all finish.
func (d *Dispatcher) route(ctx context.Context, evt event.Event, routes []route.Route) {
	if len(routes) == 0 {
		return
	}

	run := func(ctx context.Context) {
		results := make([]RoutedEvent, len(routes))
		var wg sync.WaitGroup
		for i, rt := range routes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = d.deliver(ctx, rt, evt)
			}()
		}
		wg.Wait()
		d.routedLog.append(results)
	}

	d.inflight.Add(1)
	if !d.asyncRouting {
		defer d.inflight.Done()
		run(ctx)
		return
	}
	go func() {
		defer d.inflight.Done()
		run(context.WithoutCancel(ctx))
	}()
}

// deliver runs one route's transform and delivery with retries.
func (d *Dispatcher) deliver(ctx context.Context, rt route.Route, evt event.Event) RoutedEvent {
	ctx, span := d.spans.StartRouteSpan(ctx, rt.ID, rt.Target)

	rec := RoutedEvent{RouteID: rt.ID, Target: rt.Target, At: time.Now()}
	routed, err := transform(rt, evt.Clone())
	rec.Event = routed
	switch {
	case err != nil:
	case d.poison != nil && d.poison.IsPoison(routed):
		err = ErrPoisonEvent
		d.counters.add(&d.counters.quarantined, 1)
	default:
		rec.Attempts, err = d.send(ctx, rt, routed)
		d.trackPoison(routed, err)
	}
	d.spans.EndSpanWithError(span, err)
	d.metrics.RecordRouteDelivery(ctx, rt.Target, rec.Attempts, err)

	if err == nil {
		d.counters.add(&d.counters.routedDeliveries, 1)
		return rec
	}

	failure := &eferrors.RoutingDeliveryError{
		RouteID:  rt.ID,
		Target:   rt.Target,
		Attempts: rec.Attempts,
		Err:      err,
	}
	rec.Err = failure
	d.counters.add(&d.counters.routeFailures, 1)
	observability.LogRouteFailure(d.logger, rt.Target, rec.Attempts, err)
	d.park(rt, routed, rec.Attempts, err)
	d.reportError(failure, routed)
	return rec
}

// trackPoison records a failed delivery, or forgets the event's history
// after a success.
func (d *Dispatcher) trackPoison(evt event.Event, err error) {
	if d.poison == nil {
		return
	}
	if err == nil {
		d.poison.Clear(evt)
		return
	}
	// Poison events never reach here, so crossing the threshold logs once.
	n := d.poison.Record(evt)
	if d.poison.IsPoison(evt) {
		d.logger.Warn("event quarantined",
			slog.String("event_type", evt.Type),
			slog.Int("failures", n),
		)
	}
}

// send delivers with the route's retry policy and returns the attempts made.
func (d *Dispatcher) send(ctx context.Context, rt route.Route, evt event.Event) (int, error) {
	t := d.transport
	if t == nil {
		t = discard{}
	}
	cfg := eferrors.FixedRetry(rt.Retries, rt.RetryDelay, rt.Timeout)
	cfg.RetryableFunc = retryableDelivery

	result := eferrors.WithRetryContext(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.Deliver(ctx, rt.Target, evt)
	})
	if result.Err == nil {
		return result.Attempts, nil
	}
	return result.Attempts, unwrapRetry(result.Err)
}

// retryableDelivery retries everything except caller cancellation and errors
// explicitly marked permanent (such as a 4xx response).
func retryableDelivery(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return eferrors.Categorize(err) == eferrors.CategoryTransient
}

// unwrapRetry strips the retry wrapper so callers see the transport's error.
func unwrapRetry(err error) error {
	var cat *eferrors.CategorizedError
	if errors.As(err, &cat) && cat.Err != nil && (cat.Context == "max retries exceeded" || cat.Context == "") {
		return cat.Err
	}
	return err
}

func transform(rt route.Route, evt event.Event) (out event.Event, err error) {
	if rt.Transform == nil {
		return evt, nil
	}
	defer func() {
		if r := recover(); r != nil {
			out = evt
			err = fmt.Errorf("transform for route %s: %w", rt.ID, &eferrors.PanicError{Value: r})
		}
	}()
	return rt.Transform(evt), nil
}

// park writes a failed delivery to the dead-letter store, if any.
func (d *Dispatcher) park(rt route.Route, evt event.Event, attempts int, cause error) {
	if d.deadLetters == nil {
		return
	}
	_, err := d.deadLetters.Put(deadletter.Entry{
		RouteID:  rt.ID,
		Target:   rt.Target,
		Event:    evt,
		Attempts: attempts,
		Error:    cause.Error(),
	})
	if err != nil {
		d.logger.Error("dead-letter write failed",
			slog.String("target", rt.Target),
			slog.String("error", err.Error()),
		)
	}
}

// ReplayDeadLetters re-delivers up to limit parked entries (limit <= 0 means
// all), oldest first. Entries whose route still exists use that route's retry
// policy; others get a single attempt. Delivered entries are removed; failed
// ones stay parked, as do entries the poison detector has quarantined.
// Returns the number delivered.
func (d *Dispatcher) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	if d.deadLetters == nil {
		return 0, ErrNoDeadLetterStore
	}
	if d.transport == nil {
		return 0, ErrNoTransport
	}

	entries, err := d.deadLetters.List(limit)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}

	replayed, skipped := 0, 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if d.poison != nil && d.poison.IsPoison(entry.Event) {
			skipped++
			continue
		}

		rt, ok := d.router.Get(entry.RouteID)
		if !ok {
			rt = route.Route{ID: entry.RouteID}
		}
		rt.Target = entry.Target

		attempts, err := d.send(ctx, rt, entry.Event)
		d.trackPoison(entry.Event, err)
		d.metrics.RecordRouteDelivery(ctx, entry.Target, attempts, err)
		if err != nil {
			observability.LogRouteFailure(d.logger, entry.Target, attempts, err)
			continue
		}
		if err := d.deadLetters.Delete(entry.ID); err != nil {
			return replayed, fmt.Errorf("remove dead letter %s: %w", entry.ID, err)
		}
		d.counters.add(&d.counters.routedDeliveries, 1)
		replayed++
	}

	d.logger.Info("dead letters replayed",
		slog.Int("replayed", replayed),
		slog.Int("remaining", len(entries)-replayed),
		slog.Int("quarantined", skipped),
	)
	return replayed, nil
}

// reportError calls every OnError handler, recovering handler panics.
func (d *Dispatcher) reportError(err error, evt event.Event) {
	for _, h := range d.errorHandlers() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("error handler panicked",
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
				}
			}()
			h(err, evt)
		}()
	}
}
