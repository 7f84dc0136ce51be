package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordAppend(context.Context, string, int, time.Duration, error) {}
func (NoopMetrics) RecordObserverBatch(context.Context, string, int, time.Duration, bool) {}
func (NoopMetrics) RecordPartitionFailure(context.Context, string, int) {}
func (NoopMetrics) RecordPartitionRecovered(context.Context, string) {}
func (NoopMetrics) RecordJobCompleted(context.Context, string, string, time.Duration) {}
func (NoopMetrics) RecordStepExecution(context.Context, string, time.Duration, error) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

func (NoopSpanManager) StartAppendSpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartJobSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartStepSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartBatchSpan(ctx context.Context, _ string, _ uint64, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}

// OrNoop returns m, or NoopMetrics when m is nil.
func OrNoop(m MetricsRecorder) MetricsRecorder {
	if m == nil {
		return NoopMetrics{}
	}
	return m
}

// SpansOrNoop returns s, or NoopSpanManager when s is nil.
func SpansOrNoop(s SpanManager) SpanManager {
	if s == nil {
		return NoopSpanManager{}
	}
	return s
}
