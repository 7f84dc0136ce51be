package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Definition describes a job type.
type Definition struct {
	// Type names the job type. Required.
	Type string

	// PrepareSteps returns the steps to run. Required. An empty result
	// completes the job immediately.
	PrepareSteps func(ctx context.Context, job *JobState) ([]StepSpec, error)

	// OnCompleted runs once every step has reported, before the terminal
	// status is written. Errors and panics are recorded as a
	// CompletionError on the job.
	OnCompleted func(ctx context.Context, job *JobState, steps []*StepState) error

	// CanResume decides whether an interrupted job may continue. Nil means
	// always.
	CanResume func(ctx context.Context, job *JobState) (bool, error)

	// RemoveAfterCompleted deletes job and step state once the job
	// completes.
	RemoveAfterCompleted bool
}

// StepSpec is one step returned by PrepareSteps.
type StepSpec struct {
	Type    string
	Name    string
	Request any
}

// StepHandler performs steps of one type. Perform should return promptly
// once StepContext.Stopped reports true.
type StepHandler interface {
	Perform(ctx context.Context, sc *StepContext) (any, error)
}

// StepPreparer is implemented by handlers that need a setup pass before any
// step of the job runs.
type StepPreparer interface {
	Prepare(ctx context.Context, sc *StepContext) error
}

// StepHandlerFunc adapts a function to StepHandler.
type StepHandlerFunc func(ctx context.Context, sc *StepContext) (any, error)

func (f StepHandlerFunc) Perform(ctx context.Context, sc *StepContext) (any, error) {
	return f(ctx, sc)
}

// StepContext is what a handler sees of its job and step.
type StepContext struct {
	job    *JobState
	store  Store
	logger *slog.Logger
	stop   *atomic.Bool

	mu   sync.Mutex
	step *StepState
}

// Job returns a copy of the owning job.
func (sc *StepContext) Job() *JobState { return sc.job.Clone() }

// JobID returns the owning job's id.
func (sc *StepContext) JobID() JobID { return sc.job.ID }

// Tenant returns the owning job's tenant.
func (sc *StepContext) Tenant() string { return sc.job.Tenant }

// StepID returns the step id.
func (sc *StepContext) StepID() StepID { return sc.step.ID }

// Name returns the step name.
func (sc *StepContext) Name() string { return sc.step.Name }

// Logger returns a logger carrying job and step fields.
func (sc *StepContext) Logger() *slog.Logger { return sc.logger }

// Stopped reports whether the step was asked to stop.
func (sc *StepContext) Stopped() bool { return sc.stop.Load() }

// Request decodes the step request into v.
func (sc *StepContext) Request(v any) error {
	if len(sc.step.Request) == 0 {
		return nil
	}
	if err := json.Unmarshal(sc.step.Request, v); err != nil {
		return fmt.Errorf("decode step request: %w", err)
	}
	return nil
}

// Checkpoint decodes the last saved checkpoint into v. It reports false when
// nothing was saved.
func (sc *StepContext) Checkpoint(v any) (bool, error) {
	sc.mu.Lock()
	raw := sc.step.Checkpoint
	sc.mu.Unlock()
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return true, nil
}

// SaveCheckpoint persists v so a resumed step can continue from it.
func (sc *StepContext) SaveCheckpoint(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.step.Checkpoint = raw
	return sc.store.SaveStep(ctx, sc.step)
}

// snapshot returns the current step state.
func (sc *StepContext) snapshot() *StepState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.step.Clone()
}

// update mutates the step state and persists it.
func (sc *StepContext) update(ctx context.Context, fn func(*StepState)) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	fn(sc.step)
	return sc.store.SaveStep(ctx, sc.step)
}

// RequestOf decodes a job's request.
func RequestOf[T any](job *JobState) (T, error) {
	var v T
	if len(job.Request) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(job.Request, &v); err != nil {
		return v, fmt.Errorf("decode job request: %w", err)
	}
	return v, nil
}

// StepRequest decodes a step's request.
func StepRequest[T any](sc *StepContext) (T, error) {
	var v T
	err := sc.Request(&v)
	return v, err
}

// ResultOf decodes a step's result.
func ResultOf[T any](step *StepState) (T, error) {
	var v T
	if len(step.Result) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(step.Result, &v); err != nil {
		return v, fmt.Errorf("decode step result: %w", err)
	}
	return v, nil
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
