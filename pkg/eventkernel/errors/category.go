// Package errors classifies kernel errors and retries transient ones.
//
// Append validation failures are permanent and surface to the caller
// unchanged. Storage faults may be transient; readers such as observer
// catch-up wrap them with WithRetryContext. Subscriber failures never reach
// this package: they are isolated per partition by the observer.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category says whether repeating an operation can help.
type Category int

const (
	// CategoryTransient indicates a retry will likely succeed.
	CategoryTransient Category = iota

	// CategoryPermanent indicates a retry will fail the same way.
	CategoryPermanent
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	Err      error
	Category Category
	// Attempts is the number of tries made before giving up.
	Attempts int
	// Op describes the operation that failed.
	Op string
}

func (e *CategorizedError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s, attempts: %d)", e.Op, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (%s, attempts: %d)", e.Err, e.Category, e.Attempts)
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Op: op}
}

// Permanent marks err as not retryable.
func Permanent(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Op: op}
}

// temporary is implemented by errors that know they are short-lived,
// such as net.Error timeouts.
type temporary interface {
	Timeout() bool
}

// Categorize determines how err should be handled. Unknown errors are
// permanent.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	var tmp temporary
	if errors.As(err, &tmp) && tmp.Timeout() {
		return CategoryTransient
	}

	return CategoryPermanent
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
