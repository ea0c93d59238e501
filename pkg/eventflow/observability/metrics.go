package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records eventflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordDispatch records a dispatched event and how many subscribers saw it.
	RecordDispatch(ctx context.Context, eventType string, subscribers int, duration time.Duration)

	// RecordSubscriberError records a failed subscriber invocation.
	RecordSubscriberError(ctx context.Context, eventType, subscriptionID string)

	// RecordFiltered records an event that was not delivered. Reason is
	// "rejected", "throttled" or "invalid".
	RecordFiltered(ctx context.Context, eventType, reason string)

	// RecordRouteDelivery records the outcome of a routed delivery.
	RecordRouteDelivery(ctx context.Context, target string, attempts int, err error)

	// RecordStage records a pipeline stage execution.
	RecordStage(ctx context.Context, stage string, duration time.Duration, err error)
}

type otelMetrics struct {
	dispatched       metric.Int64Counter
	dispatchLatency  metric.Float64Histogram
	fanout           metric.Int64Histogram
	subscriberErrors metric.Int64Counter
	filtered         metric.Int64Counter
	deliveries       metric.Int64Counter
	deliveryFailures metric.Int64Counter
	stageLatency     metric.Float64Histogram
	stageErrors      metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventflow")
	m := &otelMetrics{}
	var err error

	if m.dispatched, err = meter.Int64Counter("eventflow.dispatch.events",
		metric.WithDescription("Number of dispatched events"),
	); err != nil {
		return nil, err
	}
	if m.dispatchLatency, err = meter.Float64Histogram("eventflow.dispatch.latency_ms",
		metric.WithDescription("Dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.fanout, err = meter.Int64Histogram("eventflow.dispatch.subscribers",
		metric.WithDescription("Subscribers invoked per dispatch"),
	); err != nil {
		return nil, err
	}
	if m.subscriberErrors, err = meter.Int64Counter("eventflow.subscriber.errors",
		metric.WithDescription("Number of subscriber failures"),
	); err != nil {
		return nil, err
	}
	if m.filtered, err = meter.Int64Counter("eventflow.filter.dropped",
		metric.WithDescription("Number of events dropped before delivery"),
	); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("eventflow.route.deliveries",
		metric.WithDescription("Number of routed deliveries"),
	); err != nil {
		return nil, err
	}
	if m.deliveryFailures, err = meter.Int64Counter("eventflow.route.failures",
		metric.WithDescription("Number of routed deliveries that exhausted retries"),
	); err != nil {
		return nil, err
	}
	if m.stageLatency, err = meter.Float64Histogram("eventflow.stage.latency_ms",
		metric.WithDescription("Pipeline stage latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.stageErrors, err = meter.Int64Counter("eventflow.stage.errors",
		metric.WithDescription("Number of pipeline stage failures"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordDispatch(ctx context.Context, eventType string, subscribers int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.dispatched.Add(ctx, 1, attrs)
	m.dispatchLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	m.fanout.Record(ctx, int64(subscribers), attrs)
}

func (m *otelMetrics) RecordSubscriberError(ctx context.Context, eventType, subscriptionID string) {
	m.subscriberErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("subscription_id", subscriptionID),
	))
}

func (m *otelMetrics) RecordFiltered(ctx context.Context, eventType, reason string) {
	m.filtered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("reason", reason),
	))
}

func (m *otelMetrics) RecordRouteDelivery(ctx context.Context, target string, attempts int, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.Bool("success", err == nil),
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		m.deliveryFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("target", target),
			attribute.Int("attempts", attempts),
		))
	}
}

func (m *otelMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.stageLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.stageErrors.Add(ctx, 1, attrs)
	}
}
