// Package observability provides structured logging helpers, OpenTelemetry
// metrics and tracing, and Prometheus collectors for the kernel.
//
// All helpers accept a nil logger and every recorder has a no-op variant,
// so observability stays opt-in.
package observability

import (
	"log/slog"
	"time"
)

// ObserverLogger returns logger enriched with observer identity.
func ObserverLogger(logger *slog.Logger, observerID, sequence string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("observer_id", observerID),
		slog.String("sequence", sequence),
	)
}

// JobLogger returns logger enriched with job identity.
func JobLogger(logger *slog.Logger, tenant, jobID, jobType string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("tenant", tenant),
		slog.String("job_id", jobID),
		slog.String("job_type", jobType),
	)
}

// LogObserverTransition logs a running state change.
func LogObserverTransition(logger *slog.Logger, from, to string, next uint64) {
	if logger == nil {
		return
	}
	logger.Info("observer state changed",
		slog.String("from", from),
		slog.String("to", to),
		slog.Uint64("next_sequence_number", next),
	)
}

// LogPartitionFailed logs an isolated partition failure.
func LogPartitionFailed(logger *slog.Logger, partition string, seq uint64, attempt int, retryIn time.Duration, messages []string) {
	if logger == nil {
		return
	}
	logger.Warn("partition failed",
		slog.String("partition", partition),
		slog.Uint64("sequence_number", seq),
		slog.Int("attempt", attempt),
		slog.Duration("retry_in", retryIn),
		slog.Any("messages", messages),
	)
}

// LogPartitionRecovered logs a partition leaving recovery.
func LogPartitionRecovered(logger *slog.Logger, partition string, next uint64) {
	if logger == nil {
		return
	}
	logger.Info("partition recovered",
		slog.String("partition", partition),
		slog.Uint64("next_sequence_number", next),
	)
}

// LogJobStatus logs a job phase change.
func LogJobStatus(logger *slog.Logger, status string, successful, failed, total int) {
	if logger == nil {
		return
	}
	logger.Info("job status changed",
		slog.String("status", status),
		slog.Int("successful_steps", successful),
		slog.Int("failed_steps", failed),
		slog.Int("total_steps", total),
	)
}

// LogStepError logs a failed step.
func LogStepError(logger *slog.Logger, stepID, stepType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("job step failed",
		slog.String("step_id", stepID),
		slog.String("step_type", stepType),
		slog.String("error", err.Error()),
	)
}

// LogAppend logs a committed append at debug level.
func LogAppend(logger *slog.Logger, sequence string, first uint64, count int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("events appended",
		slog.String("sequence", sequence),
		slog.Uint64("first_sequence_number", first),
		slog.Int("count", count),
		slog.Float64("duration_ms", durationMs),
	)
}

// TimedOperation returns a func reporting elapsed milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
