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

// MetricsRecorder records kernel metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordAppend records a committed (or failed) append of n events.
	RecordAppend(ctx context.Context, sequence string, n int, duration time.Duration, err error)

	// RecordObserverBatch records one batch handed to an observer's subscriber.
	RecordObserverBatch(ctx context.Context, observerID string, events int, duration time.Duration, failed bool)

	// RecordPartitionFailure records a partition entering or staying in recovery.
	RecordPartitionFailure(ctx context.Context, observerID string, attempt int)

	// RecordPartitionRecovered records a partition leaving recovery.
	RecordPartitionRecovered(ctx context.Context, observerID string)

	// RecordJobCompleted records a job reaching a terminal status.
	RecordJobCompleted(ctx context.Context, jobType, status string, duration time.Duration)

	// RecordStepExecution records one step run.
	RecordStepExecution(ctx context.Context, stepType string, duration time.Duration, err error)
}

type otelMetrics struct {
	appends            metric.Int64Counter
	appendLatency      metric.Float64Histogram
	appendErrors       metric.Int64Counter
	observerEvents     metric.Int64Counter
	observerLatency    metric.Float64Histogram
	partitionFailures  metric.Int64Counter
	partitionRecovered metric.Int64Counter
	jobsCompleted      metric.Int64Counter
	jobLatency         metric.Float64Histogram
	stepExecutions     metric.Int64Counter
	stepLatency        metric.Float64Histogram
	stepErrors         metric.Int64Counter
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
	meter := otel.Meter("eventkernel")
	m := &otelMetrics{}
	var err error

	if m.appends, err = meter.Int64Counter("eventkernel.log.appended_events",
		metric.WithDescription("Number of events appended"),
	); err != nil {
		return nil, err
	}
	if m.appendLatency, err = meter.Float64Histogram("eventkernel.log.append_latency_ms",
		metric.WithDescription("Append commit latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.appendErrors, err = meter.Int64Counter("eventkernel.log.append_errors",
		metric.WithDescription("Number of failed appends"),
	); err != nil {
		return nil, err
	}
	if m.observerEvents, err = meter.Int64Counter("eventkernel.observer.handled_events",
		metric.WithDescription("Number of events handed to subscribers"),
	); err != nil {
		return nil, err
	}
	if m.observerLatency, err = meter.Float64Histogram("eventkernel.observer.batch_latency_ms",
		metric.WithDescription("Subscriber batch latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.partitionFailures, err = meter.Int64Counter("eventkernel.observer.partition_failures",
		metric.WithDescription("Number of partition failures"),
	); err != nil {
		return nil, err
	}
	if m.partitionRecovered, err = meter.Int64Counter("eventkernel.observer.partition_recoveries",
		metric.WithDescription("Number of partitions recovered"),
	); err != nil {
		return nil, err
	}
	if m.jobsCompleted, err = meter.Int64Counter("eventkernel.jobs.completed",
		metric.WithDescription("Number of jobs reaching a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.jobLatency, err = meter.Float64Histogram("eventkernel.jobs.duration_ms",
		metric.WithDescription("Job duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.stepExecutions, err = meter.Int64Counter("eventkernel.jobs.step_executions",
		metric.WithDescription("Number of step executions"),
	); err != nil {
		return nil, err
	}
	if m.stepLatency, err = meter.Float64Histogram("eventkernel.jobs.step_latency_ms",
		metric.WithDescription("Step execution latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.stepErrors, err = meter.Int64Counter("eventkernel.jobs.step_errors",
		metric.WithDescription("Number of failed step executions"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider, or a no-op recorder when instrument creation fails.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (m *otelMetrics) RecordAppend(ctx context.Context, sequence string, n int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("sequence", sequence))
	if err != nil {
		m.appendErrors.Add(ctx, 1, attrs)
		return
	}
	m.appends.Add(ctx, int64(n), attrs)
	m.appendLatency.Record(ctx, ms(duration), attrs)
}

func (m *otelMetrics) RecordObserverBatch(ctx context.Context, observerID string, events int, duration time.Duration, failed bool) {
	attrs := metric.WithAttributes(
		attribute.String("observer_id", observerID),
		attribute.Bool("failed", failed),
	)
	m.observerEvents.Add(ctx, int64(events), attrs)
	m.observerLatency.Record(ctx, ms(duration), attrs)
}

func (m *otelMetrics) RecordPartitionFailure(ctx context.Context, observerID string, attempt int) {
	m.partitionFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("observer_id", observerID),
		attribute.Int("attempt", attempt),
	))
}

func (m *otelMetrics) RecordPartitionRecovered(ctx context.Context, observerID string) {
	m.partitionRecovered.Add(ctx, 1, metric.WithAttributes(attribute.String("observer_id", observerID)))
}

func (m *otelMetrics) RecordJobCompleted(ctx context.Context, jobType, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("status", status),
	)
	m.jobsCompleted.Add(ctx, 1, attrs)
	m.jobLatency.Record(ctx, ms(duration), attrs)
}

func (m *otelMetrics) RecordStepExecution(ctx context.Context, stepType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("step_type", stepType))
	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepLatency.Record(ctx, ms(duration), attrs)
	if err != nil {
		m.stepErrors.Add(ctx, 1, attrs)
	}
}
