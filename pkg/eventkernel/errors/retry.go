package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts counts the initial try.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64
	// RetryableFunc overrides IsRetryable.
	RetryableFunc func(error) bool
}

// StorageRetry suits short storage hiccups on the read path.
var StorageRetry = RetryConfig{
	MaxAttempts:    4,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry runs the operation exactly once.
var NoRetry = RetryConfig{MaxAttempts: 1}

// RetryResult holds the outcome of WithRetryContext.
type RetryResult[T any] struct {
	Value    T
	Err      error
	Attempts int
	Duration time.Duration
}

// WithRetryContext calls fn until it succeeds, returns a permanent error,
// runs out of attempts, or ctx ends. A failed result always carries a
// *CategorizedError.
func WithRetryContext[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) RetryResult[T] {
	start := time.Now()
	backoff := cfg.InitialBackoff
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := cfg.RetryableFunc
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{
				Err:      &CategorizedError{Err: err, Category: CategoryPermanent, Attempts: attempt, Op: "context done"},
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		value, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{Value: value, Attempts: attempt + 1, Duration: time.Since(start)}
		}
		lastErr = err

		if !retryable(err) {
			return RetryResult[T]{
				Err:      &CategorizedError{Err: err, Category: Categorize(err), Attempts: attempt + 1},
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}
		}

		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(jittered(backoff, cfg.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return RetryResult[T]{
				Err:      &CategorizedError{Err: ctx.Err(), Category: CategoryPermanent, Attempts: attempt + 1, Op: "context done during backoff"},
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return RetryResult[T]{
		Err:      &CategorizedError{Err: lastErr, Category: CategoryTransient, Attempts: attempts, Op: "max retries exceeded"},
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	return time.Duration(float64(base) + float64(base)*jitter*(rand.Float64()*2-1))
}

// RetryOption configures a RetryConfig.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the total number of attempts, including the first.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxAttempts = n }
}

// WithInitialBackoff sets the wait before the first retry.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.InitialBackoff = d }
}

// WithMaxBackoff caps the wait between retries.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxBackoff = d }
}

// WithJitter sets the random spread applied to each wait, as a fraction
// of the wait (0.1 is plus or minus 10%).
func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) { cfg.Jitter = j }
}

// WithRetryableFunc replaces the check deciding which errors are retried.
// By default only transient errors are.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) { cfg.RetryableFunc = fn }
}

// NewRetryConfig starts from StorageRetry and applies opts.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := StorageRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
