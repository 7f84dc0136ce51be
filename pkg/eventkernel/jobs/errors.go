package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrStepNotFound        = errors.New("job step not found")
	ErrUnknownJobType      = errors.New("unknown job type")
	ErrUnknownStepType     = errors.New("unknown step type")
	ErrDuplicateDefinition = errors.New("job type already registered")
	ErrJobNotResumable     = errors.New("job cannot be resumed")
	ErrStoreClosed         = errors.New("job store closed")
	ErrManagerClosed       = errors.New("jobs manager closed")
)

// JobError describes a failed job operation.
type JobError struct {
	JobID JobID
	Op    string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// CompletionError records a failing or panicking OnCompleted hook. It is
// stored on the job and logged; it never changes the completion status.
type CompletionError struct {
	JobID JobID
	// Panic holds the recovered value when the hook panicked.
	Panic any
	Err   error
}

func (e *CompletionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("job %s: on-completed panicked: %v", e.JobID, e.Panic)
	}
	return fmt.Sprintf("job %s: on-completed failed: %v", e.JobID, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}
