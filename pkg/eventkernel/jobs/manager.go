package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/registry"
)

// Manager runs the jobs of one tenant. Job and step state is written to the
// Store on every transition so Rehydrate can pick interrupted jobs up after
// a restart.
type Manager struct {
	tenant  string
	store   Store
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	now     func() time.Time

	definitions *registry.Entities[string, *Definition]
	handlers    *registry.Entities[string, StepHandler]
	live        *registry.Entities[JobID, *job]

	// stopping holds stopped jobs whose steps are still inside Perform.
	stopping map[JobID]*job

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a manager for tenant backed by store.
func NewManager(tenant string, store Store) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tenant:      tenant,
		store:       store,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
		now:         time.Now,
		definitions: registry.New[string, *Definition](),
		handlers:    registry.New[string, StepHandler](),
		live:        registry.New[JobID, *job](),
		stopping:    make(map[JobID]*job),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// WithLogger sets the logger for the manager.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// WithMetrics sets the metrics recorder.
func (m *Manager) WithMetrics(metrics observability.MetricsRecorder) *Manager {
	m.metrics = observability.OrNoop(metrics)
	return m
}

// WithSpans sets the span manager.
func (m *Manager) WithSpans(spans observability.SpanManager) *Manager {
	m.spans = observability.SpansOrNoop(spans)
	return m
}

// WithClock overrides time.Now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// Tenant returns the tenant the manager serves.
func (m *Manager) Tenant() string { return m.tenant }

// Register adds a job type.
func (m *Manager) Register(def Definition) error {
	if def.Type == "" {
		return errors.New("job type is required")
	}
	if def.PrepareSteps == nil {
		return fmt.Errorf("job type %q: PrepareSteps is required", def.Type)
	}
	if !m.definitions.TryRegister(def.Type, &def) {
		return fmt.Errorf("%w: %s", ErrDuplicateDefinition, def.Type)
	}
	return nil
}

// MustRegister registers a job type, panicking on error.
func (m *Manager) MustRegister(def Definition) {
	if err := m.Register(def); err != nil {
		panic(err)
	}
}

// RegisterStep adds the handler for a step type.
func (m *Manager) RegisterStep(stepType string, handler StepHandler) error {
	if stepType == "" || handler == nil {
		return errors.New("step type and handler are required")
	}
	if !m.handlers.TryRegister(stepType, handler) {
		return fmt.Errorf("step type %q already registered", stepType)
	}
	return nil
}

// Start persists a new job and prepares and runs it in the background.
func (m *Manager) Start(ctx context.Context, jobType string, request any) (JobID, error) {
	if m.isClosed() {
		return "", ErrManagerClosed
	}
	def, ok := m.definitions.Get(jobType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	raw, err := marshalOptional(request)
	if err != nil {
		return "", fmt.Errorf("encode job request: %w", err)
	}

	now := m.now()
	state := &JobState{
		ID:        JobID(uuid.NewString()),
		Tenant:    m.tenant,
		Type:      jobType,
		Request:   raw,
		CreatedAt: now,
	}
	state.setStatus(StatusPreparing, now, "")

	j := m.newJob(def, state)
	if err := m.store.SaveJob(ctx, state); err != nil {
		j.end()
		return "", &JobError{JobID: state.ID, Op: "start", Err: err}
	}
	if !m.track(j) {
		j.end()
		return "", ErrManagerClosed
	}

	j.logger.Info("job started")
	m.spawn(j.ctx, j.prepare)
	return state.ID, nil
}

// Stop asks every live step of the job to stop and marks the job stopped.
// Stopping a finished job is a no-op.
func (m *Manager) Stop(ctx context.Context, id JobID) error {
	if j, ok := m.live.Get(id); ok {
		return j.stop(ctx, "stopped by request")
	}

	state, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return nil
	}
	steps, err := m.store.ListSteps(ctx, id, StepScheduled, StepRunning)
	if err != nil {
		return &JobError{JobID: id, Op: "stop", Err: err}
	}
	now := m.now()
	for _, st := range steps {
		st.setStatus(StepStopped, now, "job stopped")
		if err := m.store.SaveStep(ctx, st); err != nil {
			return &JobError{JobID: id, Op: "stop", Err: err}
		}
	}
	state.setStatus(StatusStopped, now, "stopped by request")
	if err := m.store.SaveJob(ctx, state); err != nil {
		return &JobError{JobID: id, Op: "stop", Err: err}
	}
	return nil
}

// Delete stops the job, waits for its steps to return and removes its
// state.
func (m *Manager) Delete(ctx context.Context, id JobID) error {
	live, isLive := m.live.Get(id)
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	if prev := m.stoppingJob(id); prev != nil {
		live, isLive = prev, true
	}
	if isLive {
		if err := live.drain(ctx); err != nil {
			return &JobError{JobID: id, Op: "delete", Err: err}
		}
	}
	if err := m.store.RemoveSteps(ctx, id); err != nil {
		return &JobError{JobID: id, Op: "delete", Err: err}
	}
	if err := m.store.RemoveJob(ctx, id); err != nil {
		return &JobError{JobID: id, Op: "delete", Err: err}
	}
	return nil
}

// Resume continues an interrupted or stopped job. Steps that are scheduled
// or running are started again from their checkpoints. Stopped steps are
// rescheduled only when the job itself was stopped; succeeded and failed
// steps are left alone. Resuming a job that is already running is a no-op.
//
// When the job was stopped in this process, Resume first waits for its
// steps to return from Perform.
func (m *Manager) Resume(ctx context.Context, id JobID) error {
	if m.live.Has(id) {
		return nil
	}
	if prev := m.stoppingJob(id); prev != nil {
		if err := prev.drain(ctx); err != nil {
			return &JobError{JobID: id, Op: "resume", Err: err}
		}
		if m.live.Has(id) {
			return nil
		}
	}

	state, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if !state.Status.Resumable() {
		return &JobError{JobID: id, Op: "resume", Err: fmt.Errorf("%w: status %s", ErrJobNotResumable, state.Status)}
	}
	def, ok := m.definitions.Get(state.Type)
	if !ok {
		return &JobError{JobID: id, Op: "resume", Err: fmt.Errorf("%w: %s", ErrUnknownJobType, state.Type)}
	}
	if def.CanResume != nil {
		can, err := def.CanResume(ctx, state.Clone())
		if err != nil {
			return &JobError{JobID: id, Op: "resume", Err: errors.Join(ErrJobNotResumable, err)}
		}
		if !can {
			return &JobError{JobID: id, Op: "resume", Err: ErrJobNotResumable}
		}
	}

	interruptedPrepare := state.Status == StatusPreparing || state.Status == StatusPreparingSteps

	var steps []*StepState
	if interruptedPrepare {
		if err := m.store.RemoveSteps(ctx, id); err != nil {
			return &JobError{JobID: id, Op: "resume", Err: err}
		}
		state.Progress = Progress{}
	} else {
		steps, err = m.store.ListSteps(ctx, id)
		if err != nil {
			return &JobError{JobID: id, Op: "resume", Err: err}
		}
	}

	j := m.newJob(def, state)
	if !m.track(j) {
		j.end()
		if m.isClosed() {
			return ErrManagerClosed
		}
		return nil
	}

	j.logger.Info("job resumed", slog.String("from_status", string(state.Status)))
	if interruptedPrepare {
		m.spawn(j.ctx, j.prepare)
		return nil
	}
	return j.resumeSteps(ctx, steps, state.Status == StatusStopped)
}

// Rehydrate resumes every job of the tenant that was interrupted while
// running. Jobs cut off while preparing are prepared again. Jobs that
// refuse to resume are marked stopped.
func (m *Manager) Rehydrate(ctx context.Context) (int, error) {
	interrupted, err := m.store.ListJobs(ctx, m.tenant, StatusPreparing, StatusPreparingSteps, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list interrupted jobs: %w", err)
	}

	resumed := 0
	for _, state := range interrupted {
		err := m.Resume(ctx, state.ID)
		switch {
		case err == nil:
			resumed++
		case errors.Is(err, ErrJobNotResumable):
			m.logger.Warn("interrupted job cannot resume",
				slog.String("job_id", string(state.ID)),
				slog.String("job_type", state.Type),
				slog.Any("error", err),
			)
			if err := m.Stop(ctx, state.ID); err != nil {
				return resumed, err
			}
		default:
			return resumed, err
		}
	}
	return resumed, nil
}

// Get returns the current state of a job.
func (m *Manager) Get(ctx context.Context, id JobID) (*JobState, error) {
	if j, ok := m.live.Get(id); ok {
		return j.snapshot(), nil
	}
	return m.load(ctx, id)
}

// List returns the tenant's jobs, restricted to statuses when given.
func (m *Manager) List(ctx context.Context, statuses ...Status) ([]*JobState, error) {
	return m.store.ListJobs(ctx, m.tenant, statuses...)
}

// Counts returns the number of jobs per status.
func (m *Manager) Counts(ctx context.Context) (map[Status]int, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int)
	for _, j := range all {
		counts[j.Status]++
	}
	return counts, nil
}

// Steps returns the steps of a job.
func (m *Manager) Steps(ctx context.Context, id JobID) ([]*StepState, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListSteps(ctx, id)
}

// Wait blocks until the job leaves the manager's control and returns its
// final state. Jobs removed after completion are still reported.
func (m *Manager) Wait(ctx context.Context, id JobID) (*JobState, error) {
	j, ok := m.live.Get(id)
	if !ok {
		return m.load(ctx, id)
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Running returns the ids of jobs currently executing in this process.
func (m *Manager) Running() []JobID {
	return m.live.Keys()
}

// Close interrupts running jobs without changing their persisted status, so
// a later Rehydrate continues them, and waits for step goroutines to exit.
// The store is left open.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	for _, j := range m.live.Values() {
		j.interrupt()
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) load(ctx context.Context, id JobID) (*JobState, error) {
	state, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Tenant != m.tenant {
		return nil, ErrJobNotFound
	}
	return state, nil
}

// track registers j as live. It reports false when the manager is closed or
// another instance of the job is already live.
func (m *Manager) track(j *job) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	return m.live.TryRegister(j.id, j)
}

// settle keeps a stopped job visible to Resume and Delete until its step
// goroutines have returned.
func (m *Manager) settle(j *job) {
	m.mu.Lock()
	m.stopping[j.id] = j
	m.mu.Unlock()

	go func() {
		j.active.Wait()
		m.mu.Lock()
		if m.stopping[j.id] == j {
			delete(m.stopping, j.id)
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) stoppingJob(id JobID) *job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping[id]
}

func (m *Manager) untrack(j *job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.live.Get(j.id); ok && cur == j {
		m.live.Delete(j.id)
	}
}

func (m *Manager) spawn(ctx context.Context, fn func(context.Context)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(ctx)
	}()
	return true
}

// Start is the typed variant of Manager.Start.
func Start[R any](ctx context.Context, m *Manager, jobType string, request R) (JobID, error) {
	return m.Start(ctx, jobType, request)
}
