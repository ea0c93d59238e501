package eventflow

import (
	"log/slog"

	"github.com/randalmurphal/eventflow/pkg/eventflow/deadletter"
	"github.com/randalmurphal/eventflow/pkg/eventflow/filter"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pipeline"
	"github.com/randalmurphal/eventflow/pkg/eventflow/route"
	"github.com/randalmurphal/eventflow/pkg/eventflow/strategy"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

// DefaultRoutedLogCapacity bounds RoutedEvents when no capacity is given.
const DefaultRoutedLogCapacity = 1000

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPipeline sets the processing pipeline.
// Default: pipeline.New() sharing the dispatcher's logger, metrics and spans.
func WithPipeline(p *pipeline.Pipeline) Option {
	return func(d *Dispatcher) {
		d.pipeline = p
	}
}

// WithFilter sets the rule filter and throttle.
func WithFilter(f *filter.Filter) Option {
	return func(d *Dispatcher) {
		d.filter = f
	}
}

// WithRegistry sets the subscription registry.
func WithRegistry(r *subscription.Registry) Option {
	return func(d *Dispatcher) {
		d.registry = r
	}
}

// WithRouter sets the router.
func WithRouter(r *route.Router) Option {
	return func(d *Dispatcher) {
		d.router = r
	}
}

// WithStrategy sets the dispatch strategy used to stamp
// Metadata.AssignedProcessor and Metadata.Partition.
func WithStrategy(s *strategy.Strategy) Option {
	return func(d *Dispatcher) {
		d.strategy = s
	}
}

// WithTransport sets the transport for routed targets. Without one, routes
// are resolved and logged but nothing leaves the process.
func WithTransport(t Transport) Option {
	return func(d *Dispatcher) {
		d.transport = t
	}
}

// WithQueue sets the queue that records accepted events.
func WithQueue(q *Queue) Option {
	return func(d *Dispatcher) {
		d.queue = q
	}
}

// WithDeadLetterStore parks routed deliveries that exhausted their attempts.
func WithDeadLetterStore(s deadletter.Store) Option {
	return func(d *Dispatcher) {
		d.deadLetters = s
	}
}

// WithPoisonDetector quarantines events whose routed deliveries keep
// failing: once the detector flags an event, later deliveries of the same
// content skip the transport and go straight to the dead-letter store.
func WithPoisonDetector(p *deadletter.PoisonDetector) Option {
	return func(d *Dispatcher) {
		d.poison = p
	}
}

// WithLogger sets the logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder. Default: observability.NoopMetrics.
//
// Example:
//
//	d := eventflow.New(eventflow.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithSpanManager sets the span manager. Default: observability.NoopSpanManager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.spans = s
		}
	}
}

// WithTracing enables OpenTelemetry spans using the global tracer provider.
func WithTracing() Option {
	return WithSpanManager(observability.NewSpanManager())
}

// WithAsyncRouting makes Dispatch return without waiting for routed
// deliveries. Use Wait or Close to drain them.
func WithAsyncRouting(async bool) Option {
	return func(d *Dispatcher) {
		d.asyncRouting = async
	}
}

// WithRoutedLogCapacity bounds the RoutedEvents log. Zero disables it.
// Default: 1000
func WithRoutedLogCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.routedLog = newRoutedLog(n)
		}
	}
}

// BatchOption configures BatchDispatch.
type BatchOption func(*batchConfig)

type batchConfig struct {
	parallel    bool
	concurrency int
}

// WithParallelBatch dispatches batch events concurrently. Per-event ordering
// guarantees still hold; ordering across events does not.
func WithParallelBatch() BatchOption {
	return func(c *batchConfig) {
		c.parallel = true
	}
}

// WithBatchConcurrency bounds parallel batch dispatch. Zero is unbounded.
func WithBatchConcurrency(n int) BatchOption {
	return func(c *batchConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}
