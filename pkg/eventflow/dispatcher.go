package eventflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/eventflow/pkg/eventflow/deadletter"
	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/filter"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pipeline"
	"github.com/randalmurphal/eventflow/pkg/eventflow/route"
	"github.com/randalmurphal/eventflow/pkg/eventflow/strategy"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

// ErrorHandler observes subscriber failures, validation failures, panicking
// strategy conditions and routed delivery failures together with the event
// involved.
type ErrorHandler func(err error, evt event.Event)

// Dispatcher is the entry point producers call. It is safe for concurrent use.
type Dispatcher struct {
	pipeline    *pipeline.Pipeline
	filter      *filter.Filter
	registry    *subscription.Registry
	router      *route.Router
	strategy    *strategy.Strategy
	transport   Transport
	queue       *Queue
	deadLetters deadletter.Store
	poison      *deadletter.PoisonDetector
	routedLog   *routedLog

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	asyncRouting bool
	counters     *counters

	handlersMu sync.RWMutex
	handlers   []ErrorHandler

	// closeMu guards closed. A dispatch joins inflight under the shared lock
	// and releases it before calling subscribers, so Close never waits on a
	// callback for the lock.
	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	// owned resources are closed by Close.
	owned []io.Closer
}

// New creates a dispatcher. Components not supplied through options are
// created with their defaults.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:    slog.New(slog.DiscardHandler),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		counters:  newCounters(),
		routedLog: newRoutedLog(DefaultRoutedLogCapacity),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.pipeline == nil {
		d.pipeline = pipeline.New(
			pipeline.WithLogger(d.logger),
			pipeline.WithMetrics(d.metrics),
			pipeline.WithSpanManager(d.spans),
		)
	}
	if d.filter == nil {
		d.filter = filter.New(filter.WithLogger(d.logger))
	}
	if d.registry == nil {
		d.registry = subscription.NewRegistry(subscription.WithLogger(d.logger))
	}
	if d.router == nil {
		d.router = route.NewRouter(route.WithLogger(d.logger))
	}
	if d.strategy == nil {
		d.strategy = strategy.New()
	}
	if d.queue == nil {
		d.queue = NewQueue(DefaultQueueSize)
	}
	return d
}

// Dispatch converts raw to an event and dispatches it.
func (d *Dispatcher) Dispatch(ctx context.Context, raw event.Raw) error {
	return d.DispatchEvent(ctx, event.FromRaw(raw))
}

// DispatchEvent runs evt through the pipeline and filter, delivers it to
// matching subscribers in priority order and hands it to matching routes.
//
// The returned error is non-nil only when the pipeline fails under the halt
// policy, the context is done before delivery, or the dispatcher is closed.
// Subscriber and routing failures go to OnError. A subscriber that returns
// ErrStopPropagation ends delivery to lower-priority subscribers without
// counting as a failure.
func (d *Dispatcher) DispatchEvent(ctx context.Context, evt event.Event) (dispatchErr error) {
	d.closeMu.RLock()
	if d.closed {
		d.closeMu.RUnlock()
		return ErrClosed
	}
	d.inflight.Add(1)
	d.closeMu.RUnlock()
	defer d.inflight.Done()

	start := time.Now()
	ctx, span := d.spans.StartDispatchSpan(ctx, evt.Type, evt.CorrelationID)
	defer func() {
		d.spans.EndSpanWithError(span, dispatchErr)
	}()

	processed, err := d.pipeline.Process(ctx, evt)
	if err != nil {
		return d.rejectProcessing(processed, err)
	}
	if processed.Metadata.HasValidationError() {
		d.counters.add(&d.counters.dropped, 1)
		valErr := d.validationError(processed)
		observability.LogValidationFailure(d.logger, processed.Type, valErr.Problems)
		d.reportError(valErr, processed)
		return nil
	}

	switch decision := d.filter.Check(processed); decision {
	case filter.Allowed:
	case filter.Throttled:
		d.counters.add(&d.counters.filtered, 1)
		d.metrics.RecordFiltered(ctx, processed.Type, decision.String())
		observability.LogThrottled(d.logger, processed.Type)
		return nil
	default:
		d.counters.add(&d.counters.filtered, 1)
		d.metrics.RecordFiltered(ctx, processed.Type, decision.String())
		return nil
	}

	processed = d.assign(processed)
	if err := ctx.Err(); err != nil {
		return err
	}
	d.queue.Push(processed)

	subs := d.registry.Matching(processed.Type)
	for i, sub := range subs {
		err := d.notify(ctx, sub, processed)
		if errors.Is(err, ErrStopPropagation) {
			observability.EnrichLogger(d.logger, processed.CorrelationID, processed.Type).Debug("propagation stopped",
				slog.String("subscription_id", sub.ID),
				slog.Int("skipped", len(subs)-i-1),
			)
			break
		}
		if err != nil {
			d.counters.add(&d.counters.errors, 1)
			d.metrics.RecordSubscriberError(ctx, processed.Type, sub.ID)
			observability.LogSubscriberError(d.logger, sub.ID, processed.Type, err)
			d.reportError(err, processed)
		}
	}

	latency := time.Since(start)
	d.counters.dispatched(processed.Type, latency)
	d.metrics.RecordDispatch(ctx, processed.Type, len(subs), latency)

	routes := d.router.Resolve(processed)
	observability.LogDispatch(d.logger, processed.Type, processed.CorrelationID,
		len(subs), len(routes), float64(latency.Microseconds())/1000)
	d.route(ctx, processed, routes)
	return nil
}

// rejectProcessing handles a pipeline failure under the halt policy. The
// pipeline has already logged the failing stage.
func (d *Dispatcher) rejectProcessing(evt event.Event, err error) error {
	d.counters.add(&d.counters.dropped, 1)
	var valErr *eferrors.ValidationError
	if errors.As(err, &valErr) {
		observability.LogValidationFailure(d.logger, evt.Type, valErr.Problems)
		d.reportError(valErr, evt)
	}
	return err
}

// validationError rebuilds the validation failure recorded under the
// continue policy.
func (d *Dispatcher) validationError(evt event.Event) *eferrors.ValidationError {
	var valErr *eferrors.ValidationError
	if err := d.pipeline.Validator().Validate(evt); errors.As(err, &valErr) {
		return valErr
	}
	valErr = &eferrors.ValidationError{EventType: evt.Type}
	for _, se := range evt.Metadata.Errors {
		if se.Validation {
			valErr.Problems = append(valErr.Problems, se.Message)
		}
	}
	return valErr
}

// assign stamps the strategy's processor and partition onto evt. A
// panicking strategy condition is reported and skipped.
func (d *Dispatcher) assign(evt event.Event) event.Event {
	id, ok, err := d.strategy.Select(evt.Type, &evt)
	if err != nil {
		observability.EnrichLogger(d.logger, evt.CorrelationID, evt.Type).Warn("strategy condition failed",
			slog.String("error", err.Error()),
		)
		d.reportError(err, evt)
	}
	if ok {
		evt.Metadata.AssignedProcessor = id
	}
	evt.Metadata.Partition = d.strategy.GetPartition(evt)
	return evt
}

// notify calls one subscriber with its own copy of evt.
func (d *Dispatcher) notify(ctx context.Context, sub *subscription.Subscription, evt event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.EnrichLogger(d.logger, evt.CorrelationID, evt.Type).Debug("subscriber panicked",
				slog.String("subscription_id", sub.ID),
				slog.String("stack", string(debug.Stack())),
			)
			err = &eferrors.SubscriberError{
				SubscriptionID: sub.ID,
				EventType:      evt.Type,
				Err:            &eferrors.PanicError{Value: r},
			}
		}
	}()
	if herr := sub.Handler.Handle(ctx, evt.Clone()); herr != nil {
		return &eferrors.SubscriberError{SubscriptionID: sub.ID, EventType: evt.Type, Err: herr}
	}
	return nil
}

// BatchDispatch dispatches each raw event. Sequential by default; with
// WithParallelBatch events run concurrently. Every event is attempted; the
// returned error joins the individual failures.
func (d *Dispatcher) BatchDispatch(ctx context.Context, raws []event.Raw, opts ...BatchOption) error {
	var cfg batchConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	errs := make([]error, len(raws))
	if !cfg.parallel {
		for i, raw := range raws {
			if err := d.Dispatch(ctx, raw); err != nil {
				errs[i] = fmt.Errorf("event %d: %w", i, err)
			}
		}
		return errors.Join(errs...)
	}

	var g errgroup.Group
	if cfg.concurrency > 0 {
		g.SetLimit(cfg.concurrency)
	}
	for i, raw := range raws {
		g.Go(func() error {
			if err := d.Dispatch(ctx, raw); err != nil {
				errs[i] = fmt.Errorf("event %d: %w", i, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Subscribe registers h for events matching pattern.
func (d *Dispatcher) Subscribe(pattern string, h event.Handler, opts ...subscription.Option) (string, error) {
	return d.registry.Subscribe(pattern, h, opts...)
}

// SubscribeFunc registers fn for events matching pattern.
func (d *Dispatcher) SubscribeFunc(pattern string, fn func(context.Context, event.Event) error, opts ...subscription.Option) (string, error) {
	return d.registry.Subscribe(pattern, event.HandlerFunc(fn), opts...)
}

// SubscribePatterns registers h for events matching any of patterns.
func (d *Dispatcher) SubscribePatterns(patterns []string, h event.Handler, opts ...subscription.Option) (string, error) {
	return d.registry.SubscribePatterns(patterns, h, opts...)
}

// Unsubscribe removes a subscription.
func (d *Dispatcher) Unsubscribe(id string) bool { return d.registry.Unsubscribe(id) }

// Pause stops delivery to a subscription without removing it.
func (d *Dispatcher) Pause(id string) bool { return d.registry.Pause(id) }

// Resume restarts delivery to a paused subscription.
func (d *Dispatcher) Resume(id string) bool { return d.registry.Resume(id) }

// AddRoute binds pattern to target.
func (d *Dispatcher) AddRoute(pattern, target string, opts ...route.Option) (string, error) {
	return d.router.AddRoute(pattern, target, opts...)
}

// RemoveRoute removes a route.
func (d *Dispatcher) RemoveRoute(id string) bool { return d.router.RemoveRoute(id) }

// OnError registers an observer for subscriber, validation and routing failures.
func (d *Dispatcher) OnError(h ErrorHandler) {
	if h == nil {
		return
	}
	d.handlersMu.Lock()
	d.handlers = append(d.handlers, h)
	d.handlersMu.Unlock()
}

func (d *Dispatcher) errorHandlers() []ErrorHandler {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	return d.handlers[:len(d.handlers):len(d.handlers)]
}

// Metrics returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Metrics() Metrics { return d.counters.snapshot() }

// ResetMetrics zeroes the counters and clears the routed log.
func (d *Dispatcher) ResetMetrics() {
	d.counters.reset()
	d.routedLog.clear()
}

// RoutedEvents returns the most recent routed deliveries, oldest first.
// Deliveries of one event appear in route priority order.
func (d *Dispatcher) RoutedEvents() []RoutedEvent { return d.routedLog.list() }

// Registry returns the subscription registry.
func (d *Dispatcher) Registry() *subscription.Registry { return d.registry }

// Router returns the router.
func (d *Dispatcher) Router() *route.Router { return d.router }

// Filter returns the filter.
func (d *Dispatcher) Filter() *filter.Filter { return d.filter }

// Pipeline returns the processing pipeline.
func (d *Dispatcher) Pipeline() *pipeline.Pipeline { return d.pipeline }

// Strategy returns the dispatch strategy.
func (d *Dispatcher) Strategy() *strategy.Strategy { return d.strategy }

// Queue returns the queue of accepted events.
func (d *Dispatcher) Queue() *Queue { return d.queue }

// DeadLetters returns the dead-letter store, or nil.
func (d *Dispatcher) DeadLetters() deadletter.Store { return d.deadLetters }

// PoisonDetector returns the poison detector, or nil.
func (d *Dispatcher) PoisonDetector() *deadletter.PoisonDetector { return d.poison }

// Wait blocks until in-flight dispatches and routed deliveries finish or ctx
// is done. Calling it from a subscriber blocks until ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, waits for in-flight dispatches and routed
// deliveries and releases resources the dispatcher owns. Close is idempotent.
// Subscribers may call Dispatch while Close waits; those calls return ErrClosed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	d.closeMu.Unlock()

	waitErr := d.Wait(ctx)

	var errs []error
	if waitErr != nil {
		errs = append(errs, fmt.Errorf("drain routed deliveries: %w", waitErr))
	}
	for _, c := range d.owned {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
