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
			t.Logf("shutdown meter provider: %v", err)
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

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", m.Data)
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

func TestRecordAppend(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordAppend(ctx, "s/n/q", 3, 2*time.Millisecond, nil)
	m.RecordAppend(ctx, "s/n/q", 2, time.Millisecond, nil)
	m.RecordAppend(ctx, "s/n/q", 1, time.Millisecond, errors.New("disk"))

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(5), sumOf(t, findMetric(rm, "eventkernel.log.appended_events")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, "eventkernel.log.append_errors")))
	assert.NotNil(t, findMetric(rm, "eventkernel.log.append_latency_ms"))
}

func TestRecordObserverAndJobs(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordObserverBatch(ctx, "obs-1", 10, time.Millisecond, false)
	m.RecordPartitionFailure(ctx, "obs-1", 0)
	m.RecordPartitionFailure(ctx, "obs-1", 1)
	m.RecordPartitionRecovered(ctx, "obs-1")
	m.RecordJobCompleted(ctx, "catch-up-observer", "completed_successfully", time.Second)
	m.RecordStepExecution(ctx, "handle-events-for-partition", time.Millisecond, nil)
	m.RecordStepExecution(ctx, "handle-events-for-partition", time.Millisecond, errors.New("x"))

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(10), sumOf(t, findMetric(rm, "eventkernel.observer.handled_events")))
	assert.Equal(t, int64(2), sumOf(t, findMetric(rm, "eventkernel.observer.partition_failures")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, "eventkernel.observer.partition_recoveries")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, "eventkernel.jobs.completed")))
	assert.Equal(t, int64(2), sumOf(t, findMetric(rm, "eventkernel.jobs.step_executions")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, "eventkernel.jobs.step_errors")))
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, NoopMetrics{}, OrNoop(nil))
	assert.Equal(t, NoopSpanManager{}, SpansOrNoop(nil))

	m := NoopMetrics{}
	assert.Equal(t, m, OrNoop(m))
}
