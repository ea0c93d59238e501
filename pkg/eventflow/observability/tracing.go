package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("eventflow")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartDispatchSpan starts the root span for one dispatched event.
	StartDispatchSpan(ctx context.Context, eventType, correlationID string) (context.Context, trace.Span)

	// StartStageSpan starts a child span for a pipeline stage.
	StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span)

	// StartRouteSpan starts a child span for a routed delivery.
	StartRouteSpan(ctx context.Context, routeID, target string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses the global OTel tracer provider.
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartDispatchSpan(ctx context.Context, eventType, correlationID string) (context.Context, trace.Span) {
	return StartDispatchSpan(ctx, eventType, correlationID)
}

func (m *otelSpanManager) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return StartStageSpan(ctx, stage)
}

func (m *otelSpanManager) StartRouteSpan(ctx context.Context, routeID, target string) (context.Context, trace.Span) {
	return StartRouteSpan(ctx, routeID, target)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// StartDispatchSpan starts a dispatch span on the global tracer.
func StartDispatchSpan(ctx context.Context, eventType, correlationID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventflow.dispatch",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("event.correlation_id", correlationID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStageSpan starts a pipeline stage span on the global tracer.
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventflow.stage."+stage,
		trace.WithAttributes(attribute.String("stage.name", stage)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartRouteSpan starts a routed delivery span on the global tracer.
func StartRouteSpan(ctx context.Context, routeID, target string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventflow.route",
		trace.WithAttributes(
			attribute.String("route.id", routeID),
			attribute.String("route.target", target),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
