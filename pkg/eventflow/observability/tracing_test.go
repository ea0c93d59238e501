package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("eventflow")

	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		tracer = otel.Tracer("eventflow")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutting down tracer provider: %v", err)
		}
	})
	return exporter
}

func attr(attrs []attribute.KeyValue, key string) string {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.AsString()
		}
	}
	return ""
}

func TestStartDispatchSpan(t *testing.T) {
	exporter := setupTracingTest(t)

	ctx, span := StartDispatchSpan(context.Background(), "widget.clicked", "corr-1")
	require.NotNil(t, span)
	assert.True(t, trace.SpanFromContext(ctx).SpanContext().IsValid())
	EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "eventflow.dispatch", spans[0].Name)
	assert.Equal(t, "widget.clicked", attr(spans[0].Attributes, "event.type"))
	assert.Equal(t, "corr-1", attr(spans[0].Attributes, "event.correlation_id"))
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestChildSpans(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, root := sm.StartDispatchSpan(context.Background(), "widget.clicked", "corr-1")
	_, stage := sm.StartStageSpan(ctx, "validate")
	sm.EndSpanWithError(stage, nil)
	_, rt := sm.StartRouteSpan(ctx, "route-1", "http://svc")
	sm.EndSpanWithError(rt, errors.New("down"))
	sm.EndSpanWithError(root, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	byName := make(map[string]tracetest.SpanStub)
	for _, s := range spans {
		byName[s.Name] = s
	}

	rootID := byName["eventflow.dispatch"].SpanContext.SpanID()
	assert.Equal(t, rootID, byName["eventflow.stage.validate"].Parent.SpanID())
	assert.Equal(t, rootID, byName["eventflow.route"].Parent.SpanID())

	routeSpan := byName["eventflow.route"]
	assert.Equal(t, codes.Error, routeSpan.Status.Code)
	assert.Equal(t, "down", routeSpan.Status.Description)
	assert.Equal(t, "http://svc", attr(routeSpan.Attributes, "route.target"))
}

func TestEndSpanWithError_Nil(t *testing.T) {
	assert.NotPanics(t, func() {
		EndSpanWithError(nil, errors.New("x"))
	})
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()

	assert.NotPanics(t, func() {
		var m MetricsRecorder = NoopMetrics{}
		m.RecordDispatch(ctx, "t", 1, 0)
		m.RecordSubscriberError(ctx, "t", "s")
		m.RecordFiltered(ctx, "t", "rejected")
		m.RecordRouteDelivery(ctx, "x", 1, errors.New("x"))
		m.RecordStage(ctx, "s", 0, nil)
	})

	var sm SpanManager = NoopSpanManager{}
	got, span := sm.StartDispatchSpan(ctx, "t", "c")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	_, span = sm.StartStageSpan(ctx, "s")
	sm.EndSpanWithError(span, nil)
	_, span = sm.StartRouteSpan(ctx, "r", "t")
	sm.EndSpanWithError(span, errors.New("x"))
}
