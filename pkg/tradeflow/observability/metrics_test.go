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

// setupMetricsTest installs a manual-reader meter provider for the test.
func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
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

func sumValue(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, "metric %s not found", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64] for %s", name)
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
	assert.False(t, isNoop, "expected OTel recorder")
}

func TestOtelMetrics_Record(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordRoute(ctx, "SignalGenerated", "SUCCESS", 12*time.Millisecond)
	m.RecordRoute(ctx, "WorkflowFailed", "SKIPPED_CIRCUIT_BREAKER", time.Millisecond)
	m.RecordHandler(ctx, "portfolio.rebalancer", 8*time.Millisecond, nil)
	m.RecordHandler(ctx, "execution.orders", 3*time.Millisecond, errors.New("rejected"))
	m.RecordGateSkip(ctx, "workflow_terminal", "TradeExecuted")
	m.RecordDeadLetter(ctx, "TradeExecuted", "execution.orders")
	m.RecordTransition(ctx, "FAILED")

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumValue(t, rm, "tradeflow.route.events"))
	assert.Equal(t, int64(2), sumValue(t, rm, "tradeflow.handler.calls"))
	assert.Equal(t, int64(1), sumValue(t, rm, "tradeflow.handler.errors"))
	assert.Equal(t, int64(1), sumValue(t, rm, "tradeflow.gate.skips"))
	assert.Equal(t, int64(1), sumValue(t, rm, "tradeflow.deadletter.events"))
	assert.Equal(t, int64(1), sumValue(t, rm, "tradeflow.workflow.transitions"))

	latency := findMetric(rm, "tradeflow.route.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Len(t, hist.DataPoints, 2, "one point per event_type/outcome pair")
}
