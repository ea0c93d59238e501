package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("shutting down meter provider: %v", err)
		}
	})
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func counterTotal(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum for %s", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	setupMetricsTest(t)

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop)
}

func TestRecordDispatch(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDispatch(ctx, "widget.clicked", 2, 3*time.Millisecond)
	m.RecordDispatch(ctx, "widget.hover", 0, time.Millisecond)

	rm := collect(t, reader)
	assert.Equal(t, int64(2), counterTotal(t, findMetric(rm, "eventflow.dispatch.events")))
	assert.NotNil(t, findMetric(rm, "eventflow.dispatch.latency_ms"))
	assert.NotNil(t, findMetric(rm, "eventflow.dispatch.subscribers"))
}

func TestRecordErrorsAndFiltered(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordSubscriberError(ctx, "widget.clicked", "sub-1")
	m.RecordFiltered(ctx, "widget.clicked", "throttled")
	m.RecordFiltered(ctx, "widget.clicked", "rejected")

	rm := collect(t, reader)
	assert.Equal(t, int64(1), counterTotal(t, findMetric(rm, "eventflow.subscriber.errors")))
	assert.Equal(t, int64(2), counterTotal(t, findMetric(rm, "eventflow.filter.dropped")))
}

func TestRecordRouteDelivery(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordRouteDelivery(ctx, "http://svc", 1, nil)
	m.RecordRouteDelivery(ctx, "http://svc", 3, errors.New("down"))

	rm := collect(t, reader)
	assert.Equal(t, int64(2), counterTotal(t, findMetric(rm, "eventflow.route.deliveries")))
	assert.Equal(t, int64(1), counterTotal(t, findMetric(rm, "eventflow.route.failures")))
}

func TestRecordStage(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordStage(ctx, "transform", time.Millisecond, nil)
	m.RecordStage(ctx, "custom", time.Millisecond, errors.New("boom"))

	rm := collect(t, reader)
	assert.NotNil(t, findMetric(rm, "eventflow.stage.latency_ms"))
	assert.Equal(t, int64(1), counterTotal(t, findMetric(rm, "eventflow.stage.errors")))
}
