package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
)

// Step run phases.
const (
	stepPending int32 = iota
	stepStarted
	stepCancelled
)

type stepRun struct {
	sc      *StepContext
	handler StepHandler
	stop    atomic.Bool
	phase   atomic.Int32
}

// job is the in-process runtime of one live job.
type job struct {
	id     JobID
	m      *Manager
	def    *Definition
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	started time.Time

	mu         sync.Mutex
	state      *JobState
	steps      []*stepRun
	completing bool

	// halted freezes the counters once the job was stopped or interrupted.
	halted      bool
	interrupted bool

	done     chan struct{}
	doneOnce sync.Once

	// active counts step goroutines still executing.
	active sync.WaitGroup
}

func (m *Manager) newJob(def *Definition, state *JobState) *job {
	ctx, cancel := context.WithCancel(m.ctx)
	ctx, span := m.spans.StartJobSpan(ctx, state.Type, string(state.ID))
	return &job{
		id:      state.ID,
		m:       m,
		def:     def,
		logger:  observability.JobLogger(m.logger, m.tenant, string(state.ID), state.Type),
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		started: m.now(),
		state:   state,
		done:    make(chan struct{}),
	}
}

// persist returns a context for state writes that outlives cancellation of
// the job.
func persist(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (j *job) snapshot() *JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Clone()
}

// setStatus records a transition unless the job was halted.
func (j *job) setStatus(ctx context.Context, status Status, message string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.halted {
		return false
	}
	j.state.setStatus(status, j.m.now(), message)
	if err := j.m.store.SaveJob(persist(ctx), j.state); err != nil {
		j.logger.Error("save job state failed", slog.Any("error", err))
	}
	p := j.state.Progress
	observability.LogJobStatus(j.logger, string(status), p.SuccessfulSteps, p.FailedSteps, p.TotalSteps)
	return true
}

func (j *job) prepare(ctx context.Context) {
	specs, err := j.planSteps(ctx)
	if err != nil {
		j.fail(ctx, err)
		return
	}
	for _, spec := range specs {
		if !j.m.handlers.Has(spec.Type) {
			j.fail(ctx, fmt.Errorf("%w: %s", ErrUnknownStepType, spec.Type))
			return
		}
	}

	j.mu.Lock()
	if j.halted {
		j.mu.Unlock()
		return
	}
	j.state.Progress = Progress{TotalSteps: len(specs)}
	if len(specs) == 0 {
		j.state.Remove = true
	}
	j.state.UpdatedAt = j.m.now()
	err = j.m.store.SaveJob(persist(ctx), j.state)
	j.mu.Unlock()
	if err != nil {
		j.fail(ctx, err)
		return
	}

	if len(specs) == 0 {
		j.mu.Lock()
		j.completing = true
		j.mu.Unlock()
		j.complete(ctx)
		return
	}

	if !j.setStatus(ctx, StatusPreparingSteps, "") {
		return
	}

	snapshot := j.snapshot()
	runs := make([]*stepRun, 0, len(specs))
	for i, spec := range specs {
		raw, err := marshalOptional(spec.Request)
		if err != nil {
			j.fail(ctx, fmt.Errorf("encode request of step %d: %w", i, err))
			return
		}
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", spec.Type, i)
		}
		now := j.m.now()
		st := &StepState{
			ID:        StepID(fmt.Sprintf("%s/%04d", j.id, i)),
			JobID:     j.id,
			Type:      spec.Type,
			Name:      name,
			Request:   raw,
			CreatedAt: now,
		}
		st.setStatus(StepScheduled, now, "")
		if err := j.m.store.SaveStep(persist(ctx), st); err != nil {
			j.fail(ctx, err)
			return
		}
		runs = append(runs, j.addStep(snapshot, st))
	}

	for _, run := range runs {
		preparer, ok := run.handler.(StepPreparer)
		if !ok {
			continue
		}
		if err := preparer.Prepare(ctx, run.sc); err != nil {
			j.fail(ctx, fmt.Errorf("prepare step %s: %w", run.sc.StepID(), err))
			return
		}
	}

	if !j.setStatus(ctx, StatusRunning, "") {
		return
	}
	j.startSteps(runs)
}

func (j *job) planSteps(ctx context.Context) (specs []StepSpec, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prepare steps panicked: %v", r)
		}
	}()
	return j.def.PrepareSteps(ctx, j.snapshot())
}

// resumeSteps rebuilds the runtime from persisted steps. Progress is
// recounted from step statuses. Stopped steps run again only when
// reschedule is set; otherwise they are left as they are.
func (j *job) resumeSteps(ctx context.Context, steps []*StepState, reschedule bool) error {
	snapshot := j.snapshot()
	now := j.m.now()

	var runs []*stepRun
	progress := Progress{TotalSteps: len(steps)}
	for _, st := range steps {
		switch st.Status {
		case StepSucceeded:
			progress.SuccessfulSteps++
			continue
		case StepFailed:
			progress.FailedSteps++
			continue
		case StepStopped:
			if !reschedule {
				continue
			}
			st.setStatus(StepScheduled, now, "rescheduled on resume")
			if err := j.m.store.SaveStep(persist(ctx), st); err != nil {
				j.fail(ctx, err)
				return &JobError{JobID: j.id, Op: "resume", Err: err}
			}
		}
		if !j.m.handlers.Has(st.Type) {
			err := fmt.Errorf("%w: %s", ErrUnknownStepType, st.Type)
			j.fail(ctx, err)
			return &JobError{JobID: j.id, Op: "resume", Err: err}
		}
		runs = append(runs, j.addStep(snapshot, st))
	}

	j.mu.Lock()
	j.state.Progress = progress
	j.state.Error = ""
	done := progress.Done() && len(runs) == 0
	if done {
		j.completing = true
	}
	j.mu.Unlock()

	if !j.setStatus(ctx, StatusRunning, "resumed") {
		return nil
	}
	if done {
		j.m.spawn(j.ctx, j.complete)
		return nil
	}
	j.startSteps(runs)
	return nil
}

func (j *job) addStep(jobSnapshot *JobState, st *StepState) *stepRun {
	handler, _ := j.m.handlers.Get(st.Type)
	run := &stepRun{handler: handler}
	run.sc = &StepContext{
		job:    jobSnapshot,
		store:  j.m.store,
		logger: j.logger.With(slog.String("step_id", string(st.ID)), slog.String("step_type", st.Type)),
		stop:   &run.stop,
		step:   st,
	}
	j.mu.Lock()
	j.steps = append(j.steps, run)
	j.mu.Unlock()
	return run
}

func (j *job) startSteps(runs []*stepRun) {
	j.mu.Lock()
	if j.halted {
		j.mu.Unlock()
		return
	}
	j.active.Add(len(runs))
	j.mu.Unlock()

	for _, run := range runs {
		run := run
		if !j.m.spawn(j.ctx, func(ctx context.Context) {
			defer j.active.Done()
			j.runStep(ctx, run)
		}) {
			j.active.Done()
		}
	}
}

// drain waits for running steps to return.
func (j *job) drain(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		j.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *job) runStep(ctx context.Context, run *stepRun) {
	if !run.phase.CompareAndSwap(stepPending, stepStarted) {
		return
	}
	sc := run.sc
	step := sc.snapshot()

	if err := sc.update(persist(ctx), func(s *StepState) { s.setStatus(StepRunning, j.m.now(), "") }); err != nil {
		sc.logger.Error("save step state failed", slog.Any("error", err))
	}

	stepCtx, span := j.m.spans.StartStepSpan(ctx, step.Type, string(step.ID))
	start := time.Now()
	result, err := j.perform(stepCtx, run)
	j.m.spans.EndSpanWithError(span, err)
	j.m.metrics.RecordStepExecution(ctx, step.Type, time.Since(start), err)

	if run.stop.Load() {
		if j.isInterrupted() {
			return
		}
		if err := sc.update(persist(ctx), func(s *StepState) { s.setStatus(StepStopped, j.m.now(), "job stopped") }); err != nil {
			sc.logger.Error("save step state failed", slog.Any("error", err))
		}
		return
	}

	var raw []byte
	if err == nil {
		raw, err = marshalOptional(result)
		if err != nil {
			err = fmt.Errorf("encode step result: %w", err)
		}
	}

	if err != nil {
		observability.LogStepError(j.logger, string(step.ID), step.Type, err)
		if uerr := sc.update(persist(ctx), func(s *StepState) {
			s.Error = err.Error()
			s.setStatus(StepFailed, j.m.now(), err.Error())
		}); uerr != nil {
			sc.logger.Error("save step state failed", slog.Any("error", uerr))
		}
		j.stepReported(ctx, false)
		return
	}

	if uerr := sc.update(persist(ctx), func(s *StepState) {
		s.Result = raw
		s.Error = ""
		s.setStatus(StepSucceeded, j.m.now(), "")
	}); uerr != nil {
		sc.logger.Error("save step state failed", slog.Any("error", uerr))
	}
	j.stepReported(ctx, true)
}

func (j *job) perform(ctx context.Context, run *stepRun) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return run.handler.Perform(ctx, run.sc)
}

func (j *job) stepReported(ctx context.Context, succeeded bool) {
	j.mu.Lock()
	if j.halted {
		j.mu.Unlock()
		return
	}
	if succeeded {
		j.state.Progress.SuccessfulSteps++
	} else {
		j.state.Progress.FailedSteps++
	}
	j.state.UpdatedAt = j.m.now()
	finished := j.state.Progress.Done() && !j.completing
	if finished {
		j.completing = true
	}
	err := j.m.store.SaveJob(persist(ctx), j.state)
	j.mu.Unlock()

	if err != nil {
		j.logger.Error("save job progress failed", slog.Any("error", err))
	}
	if finished {
		j.complete(ctx)
	}
}

// complete runs OnCompleted and writes the terminal status implied by the
// step counters.
func (j *job) complete(ctx context.Context) {
	steps, err := j.m.store.ListSteps(persist(ctx), j.id)
	if err != nil {
		j.logger.Error("list steps failed", slog.Any("error", err))
	}
	sort.Slice(steps, func(a, b int) bool { return steps[a].ID < steps[b].ID })

	if cerr := j.onCompleted(ctx, j.snapshot(), steps); cerr != nil {
		j.logger.Error("job completion hook failed", slog.Any("error", cerr))
		j.mu.Lock()
		j.state.Error = cerr.Error()
		j.mu.Unlock()
	}

	j.mu.Lock()
	if j.halted {
		j.mu.Unlock()
		return
	}
	status := j.state.Progress.CompletionStatus()
	j.state.setStatus(status, j.m.now(), "")
	remove := j.state.Remove || j.def.RemoveAfterCompleted
	err = j.m.store.SaveJob(persist(ctx), j.state)
	p := j.state.Progress
	j.halted = true
	j.mu.Unlock()

	if err != nil {
		j.logger.Error("save job state failed", slog.Any("error", err))
	}
	observability.LogJobStatus(j.logger, string(status), p.SuccessfulSteps, p.FailedSteps, p.TotalSteps)
	j.m.metrics.RecordJobCompleted(ctx, j.def.Type, string(status), j.m.now().Sub(j.started))

	if remove {
		if err := j.m.store.RemoveSteps(persist(ctx), j.id); err != nil {
			j.logger.Error("remove job steps failed", slog.Any("error", err))
		}
		if err := j.m.store.RemoveJob(persist(ctx), j.id); err != nil {
			j.logger.Error("remove job failed", slog.Any("error", err))
		}
	}
	j.finish(nil)
}

func (j *job) onCompleted(ctx context.Context, state *JobState, steps []*StepState) (cerr *CompletionError) {
	if j.def.OnCompleted == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			cerr = &CompletionError{JobID: j.id, Panic: r}
		}
	}()
	if err := j.def.OnCompleted(ctx, state, steps); err != nil {
		return &CompletionError{JobID: j.id, Err: err}
	}
	return nil
}

func (j *job) fail(ctx context.Context, err error) {
	j.mu.Lock()
	if j.halted {
		j.mu.Unlock()
		return
	}
	j.halted = true
	j.state.Error = err.Error()
	j.state.setStatus(StatusFailed, j.m.now(), err.Error())
	serr := j.m.store.SaveJob(persist(ctx), j.state)
	j.mu.Unlock()

	j.logger.Error("job failed", slog.Any("error", err))
	if serr != nil {
		j.logger.Error("save job state failed", slog.Any("error", serr))
	}
	j.m.metrics.RecordJobCompleted(ctx, j.def.Type, string(StatusFailed), j.m.now().Sub(j.started))
	j.finish(err)
}

// stop halts the job and flags every step. Steps that never started are
// marked stopped here; running steps mark themselves when Perform returns.
func (j *job) stop(ctx context.Context, reason string) error {
	j.mu.Lock()
	if j.halted {
		j.mu.Unlock()
		return nil
	}
	j.halted = true
	runs := append([]*stepRun(nil), j.steps...)
	j.state.setStatus(StatusStopped, j.m.now(), reason)
	err := j.m.store.SaveJob(persist(ctx), j.state)
	j.mu.Unlock()

	for _, run := range runs {
		run.stop.Store(true)
		if run.phase.CompareAndSwap(stepPending, stepCancelled) {
			if uerr := run.sc.update(persist(ctx), func(s *StepState) {
				s.setStatus(StepStopped, j.m.now(), reason)
			}); uerr != nil && err == nil {
				err = uerr
			}
		}
	}
	j.logger.Info("job stopped", slog.String("reason", reason))
	j.m.settle(j)
	j.finish(nil)
	if err != nil {
		return &JobError{JobID: j.id, Op: "stop", Err: err}
	}
	return nil
}

// interrupt halts the job for shutdown without persisting anything.
func (j *job) interrupt() {
	j.mu.Lock()
	j.halted = true
	j.interrupted = true
	runs := append([]*stepRun(nil), j.steps...)
	j.mu.Unlock()

	for _, run := range runs {
		run.stop.Store(true)
		run.phase.CompareAndSwap(stepPending, stepCancelled)
	}
	j.finish(nil)
}

func (j *job) isInterrupted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.interrupted
}

// finish releases the job from the manager and cancels its context.
func (j *job) finish(err error) {
	j.doneOnce.Do(func() {
		j.m.untrack(j)
		j.m.spans.EndSpanWithError(j.span, err)
		j.cancel()
		close(j.done)
	})
}

// end releases resources of a job that was never tracked.
func (j *job) end() {
	j.cancel()
	j.m.spans.EndSpanWithError(j.span, nil)
}
