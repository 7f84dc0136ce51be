package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/jobs"
)

type workRequest struct {
	Steps int   `json:"steps"`
	Fail  []int `json:"fail,omitempty"`
}

type stepRequest struct {
	Index int  `json:"index"`
	Fail  bool `json:"fail"`
}

func workDefinition(onCompleted func(ctx context.Context, job *jobs.JobState, steps []*jobs.StepState) error) jobs.Definition {
	return jobs.Definition{
		Type: "work",
		PrepareSteps: func(_ context.Context, job *jobs.JobState) ([]jobs.StepSpec, error) {
			req, err := jobs.RequestOf[workRequest](job)
			if err != nil {
				return nil, err
			}
			specs := make([]jobs.StepSpec, 0, req.Steps)
			for i := 0; i < req.Steps; i++ {
				fail := false
				for _, f := range req.Fail {
					fail = fail || f == i
				}
				specs = append(specs, jobs.StepSpec{
					Type:    "unit",
					Name:    fmt.Sprintf("unit-%d", i),
					Request: stepRequest{Index: i, Fail: fail},
				})
			}
			return specs, nil
		},
		OnCompleted: onCompleted,
	}
}

var unitHandler = jobs.StepHandlerFunc(func(_ context.Context, sc *jobs.StepContext) (any, error) {
	req, err := jobs.StepRequest[stepRequest](sc)
	if err != nil {
		return nil, err
	}
	if req.Fail {
		return nil, errors.New("unit failed")
	}
	return map[string]int{"index": req.Index}, nil
})

func newManager(t *testing.T, store jobs.Store, tenant string) *jobs.Manager {
	t.Helper()
	m := jobs.NewManager(tenant, store)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitJob(t *testing.T, m *jobs.Manager, id jobs.JobID) *jobs.JobState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return state
}

func TestManager_ZeroStepsCompletesAndRemoves(t *testing.T) {
	store := jobs.NewMemoryStore()
	m := newManager(t, store, "acme")

	completed := make(chan *jobs.JobState, 1)
	require.NoError(t, m.Register(workDefinition(func(_ context.Context, job *jobs.JobState, steps []*jobs.StepState) error {
		assert.Empty(t, steps)
		completed <- job
		return nil
	})))
	require.NoError(t, m.RegisterStep("unit", unitHandler))

	id, err := m.Start(context.Background(), "work", workRequest{Steps: 0})
	require.NoError(t, err)

	select {
	case job := <-completed:
		assert.Equal(t, id, job.ID)
		assert.Equal(t, 0, job.Progress.TotalSteps)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
	}

	require.Eventually(t, func() bool {
		_, err := m.Get(context.Background(), id)
		return errors.Is(err, jobs.ErrJobNotFound)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManager_AllStepsSucceed(t *testing.T) {
	store := jobs.NewMemoryStore()
	m := newManager(t, store, "acme")

	var hookSteps []*jobs.StepState
	require.NoError(t, m.Register(workDefinition(func(_ context.Context, _ *jobs.JobState, steps []*jobs.StepState) error {
		hookSteps = steps
		return nil
	})))
	require.NoError(t, m.RegisterStep("unit", unitHandler))

	id, err := m.Start(context.Background(), "work", workRequest{Steps: 2})
	require.NoError(t, err)

	state := waitJob(t, m, id)
	assert.Equal(t, jobs.StatusCompletedSuccessfully, state.Status)
	assert.Equal(t, jobs.Progress{TotalSteps: 2, SuccessfulSteps: 2}, state.Progress)
	assert.False(t, state.EndedAt.IsZero())

	require.Len(t, hookSteps, 2)
	for i, st := range hookSteps {
		assert.Equal(t, jobs.StepSucceeded, st.Status)
		result, err := jobs.ResultOf[map[string]int](st)
		require.NoError(t, err)
		assert.Equal(t, i, result["index"])
	}

	var statuses []string
	for _, change := range state.StatusChanges {
		statuses = append(statuses, change.Status)
	}
	assert.Equal(t, []string{"preparing", "preparing_steps", "running", "completed_successfully"}, statuses)
}

func TestManager_FailedStepCompletesWithFailures(t *testing.T) {
	m := newManager(t, jobs.NewMemoryStore(), "acme")
	require.NoError(t, m.Register(workDefinition(nil)))
	require.NoError(t, m.RegisterStep("unit", unitHandler))

	id, err := m.Start(context.Background(), "work", workRequest{Steps: 2, Fail: []int{1}})
	require.NoError(t, err)

	state := waitJob(t, m, id)
	assert.Equal(t, jobs.StatusCompletedWithFailures, state.Status)
	assert.Equal(t, jobs.Progress{TotalSteps: 2, SuccessfulSteps: 1, FailedSteps: 1}, state.Progress)

	steps, err := m.Steps(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, jobs.StepSucceeded, steps[0].Status)
	assert.Equal(t, jobs.StepFailed, steps[1].Status)
	assert.Equal(t, "unit failed", steps[1].Error)
	assert.Equal(t, "unit-1", steps[1].Name)
}

func TestManager_TotalStepsPersistedBeforeStepsRun(t *testing.T) {
	store := jobs.NewMemoryStore()
	m := newManager(t, store, "acme")
	require.NoError(t, m.Register(workDefinition(nil)))

	var seen []int
	var mu sync.Mutex
	require.NoError(t, m.RegisterStep("unit", jobs.StepHandlerFunc(func(ctx context.Context, sc *jobs.StepContext) (any, error) {
		persisted, err := store.GetJob(ctx, sc.JobID())
		if err != nil {
			return nil, err
		}
		mu.Lock()
		seen = append(seen, persisted.Progress.TotalSteps)
		mu.Unlock()
		return nil, nil
	})))

	id, err := m.Start(context.Background(), "work", workRequest{Steps: 3})
	require.NoError(t, err)
	state := waitJob(t, m, id)
	assert.Equal(t, jobs.StatusCompletedSuccessfully, state.Status)
	assert.Equal(t, []int{3, 3, 3}, seen)
}

func TestManager_CompletionHookErrors(t *testing.T) {
	tests := []struct {
		name string
		hook func(context.Context, *jobs.JobState, []*jobs.StepState) error
		want string
	}{
		{
			name: "error",
			hook: func(context.Context, *jobs.JobState, []*jobs.StepState) error { return errors.New("hook broke") },
			want: "hook broke",
		},
		{
			name: "panic",
			hook: func(context.Context, *jobs.JobState, []*jobs.StepState) error { panic("kaboom") },
			want: "panicked: kaboom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, jobs.NewMemoryStore(), "acme")
			require.NoError(t, m.Register(workDefinition(tt.hook)))
			require.NoError(t, m.RegisterStep("unit", unitHandler))

			id, err := m.Start(context.Background(), "work", workRequest{Steps: 1})
			require.NoError(t, err)

			state := waitJob(t, m, id)
			assert.Equal(t, jobs.StatusCompletedSuccessfully, state.Status)
			assert.Contains(t, state.Error, tt.want)
		})
	}
}

func TestManager_PrepareFailures(t *testing.T) {
	m := newManager(t, jobs.NewMemoryStore(), "acme")
	require.NoError(t, m.Register(jobs.Definition{
		Type: "bad-step",
		PrepareSteps: func(context.Context, *jobs.JobState) ([]jobs.StepSpec, error) {
			return []jobs.StepSpec{{Type: "nope"}}, nil
		},
	}))
	require.NoError(t, m.Register(jobs.Definition{
		Type: "bad-prepare",
		PrepareSteps: func(context.Context, *jobs.JobState) ([]jobs.StepSpec, error) {
			return nil, errors.New("cannot plan")
		},
	}))

	_, err := m.Start(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, jobs.ErrUnknownJobType)

	id, err := m.Start(context.Background(), "bad-step", nil)
	require.NoError(t, err)
	state := waitJob(t, m, id)
	assert.Equal(t, jobs.StatusFailed, state.Status)
	assert.Contains(t, state.Error, "unknown step type")

	id, err = m.Start(context.Background(), "bad-prepare", nil)
	require.NoError(t, err)
	state = waitJob(t, m, id)
	assert.Equal(t, jobs.StatusFailed, state.Status)
	assert.Equal(t, "cannot plan", state.Error)
}

func TestManager_RegisterValidation(t *testing.T) {
	m := newManager(t, jobs.NewMemoryStore(), "acme")
	assert.Error(t, m.Register(jobs.Definition{}))
	assert.Error(t, m.Register(jobs.Definition{Type: "x"}))
	require.NoError(t, m.Register(workDefinition(nil)))
	assert.ErrorIs(t, m.Register(workDefinition(nil)), jobs.ErrDuplicateDefinition)

	require.NoError(t, m.RegisterStep("unit", unitHandler))
	assert.Error(t, m.RegisterStep("unit", unitHandler))
	assert.Panics(t, func() { m.MustRegister(workDefinition(nil)) })
}

// blockingHandler parks steps until they are stopped while block is set.
type blockingHandler struct {
	block   atomic.Bool
	started chan jobs.StepID
	calls   atomic.Int32
}

func newBlockingHandler() *blockingHandler {
	h := &blockingHandler{started: make(chan jobs.StepID, 16)}
	h.block.Store(true)
	return h
}

func (h *blockingHandler) Perform(ctx context.Context, sc *jobs.StepContext) (any, error) {
	h.calls.Add(1)
	if !h.block.Load() {
		return "done", nil
	}
	h.started <- sc.StepID()
	for !sc.Stopped() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil, nil
}

func (h *blockingHandler) awaitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d steps started", i, n)
		}
	}
}

func TestManager_StopThenResume(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	m := newManager(t, store, "acme")
	require.NoError(t, m.Register(workDefinition(nil)))
	handler := newBlockingHandler()
	require.NoError(t, m.RegisterStep("unit", handler))

	id, err := m.Start(ctx, "work", workRequest{Steps: 2})
	require.NoError(t, err)
	handler.awaitStarted(t, 2)

	require.NoError(t, m.Resume(ctx, id), "resuming a running job is a no-op")
	assert.Contains(t, m.Running(), id)

	require.NoError(t, m.Stop(ctx, id))
	state := waitJob(t, m, id)
	assert.Equal(t, jobs.StatusStopped, state.Status)

	require.Eventually(t, func() bool {
		steps, err := m.Steps(ctx, id)
		if err != nil || len(steps) != 2 {
			return false
		}
		for _, st := range steps {
			if st.Status != jobs.StepStopped {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(ctx, id), "stopping a stopped job is a no-op")

	handler.block.Store(false)
	require.NoError(t, m.Resume(ctx, id))
	state = waitJob(t, m, id)
	assert.Equal(t, jobs.StatusCompletedSuccessfully, state.Status)
	assert.Equal(t, jobs.Progress{TotalSteps: 2, SuccessfulSteps: 2}, state.Progress)
	assert.EqualValues(t, 4, handler.calls.Load())

	err = m.Resume(ctx, id)
	assert.ErrorIs(t, err, jobs.ErrJobNotResumable)
	var jobErr *jobs.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "resume", jobErr.Op)
}

func TestManager_RehydrateResumesOnlyLiveSteps(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.SaveJob(ctx, &jobs.JobState{
		ID:        "job-1",
		Tenant:    "acme",
		Type:      "work",
		Status:    jobs.StatusRunning,
		Progress:  jobs.Progress{TotalSteps: 3, SuccessfulSteps: 1},
		CreatedAt: now,
	}))
	for i, status := range []jobs.StepStatus{jobs.StepSucceeded, jobs.StepRunning, jobs.StepScheduled} {
		require.NoError(t, store.SaveStep(ctx, &jobs.StepState{
			ID:        jobs.StepID(fmt.Sprintf("job-1/%04d", i)),
			JobID:     "job-1",
			Type:      "unit",
			Name:      fmt.Sprintf("unit-%d", i),
			Status:    status,
			CreatedAt: now,
		}))
	}

	m := newManager(t, store, "acme")
	require.NoError(t, m.Register(jobs.Definition{
		Type: "work",
		PrepareSteps: func(context.Context, *jobs.JobState) ([]jobs.StepSpec, error) {
			t.Error("PrepareSteps must not run on resume")
			return nil, nil
		},
	}))

	var mu sync.Mutex
	var ran []string
	require.NoError(t, m.RegisterStep("unit", jobs.StepHandlerFunc(func(_ context.Context, sc *jobs.StepContext) (any, error) {
		mu.Lock()
		ran = append(ran, sc.Name())
		mu.Unlock()
		return nil, nil
	})))

	resumed, err := m.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	state := waitJob(t, m, "job-1")
	assert.Equal(t, jobs.StatusCompletedSuccessfully, state.Status)
	assert.Equal(t, jobs.Progress{TotalSteps: 3, SuccessfulSteps: 3}, state.Progress)

	sort.Strings(ran)
	assert.Equal(t, []string{"unit-1", "unit-2"}, ran)
}

func TestManager_RehydrateStopsUnresumableJobs(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	require.NoError(t, store.SaveJob(ctx, &jobs.JobState{
		ID: "job-1", Tenant: "acme", Type: "work", Status: jobs.StatusRunning,
		Progress: jobs.Progress{TotalSteps: 1},
	}))
	require.NoError(t, store.SaveStep(ctx, &jobs.StepState{
		ID: "job-1/0000", JobID: "job-1", Type: "unit", Status: jobs.StepRunning,
	}))

	m := newManager(t, store, "acme")
	def := workDefinition(nil)
	def.CanResume = func(context.Context, *jobs.JobState) (bool, error) { return false, nil }
	require.NoError(t, m.Register(def))
	require.NoError(t, m.RegisterStep("unit", unitHandler))

	resumed, err := m.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)

	state, err := m.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusStopped, state.Status)
	step, err := store.GetStep(ctx, "job-1/0000")
	require.NoError(t, err)
	assert.Equal(t, jobs.StepStopped, step.Status)
}

func TestManager_CloseLeavesJobsForRehydrate(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()

	first := jobs.NewManager("acme", store)
	require.NoError(t, first.Register(workDefinition(nil)))
	handler := newBlockingHandler()
	require.NoError(t, first.RegisterStep("unit", handler))

	id, err := first.Start(ctx, "work", workRequest{Steps: 2})
	require.NoError(t, err)
	handler.awaitStarted(t, 2)
	require.NoError(t, first.Close())

	persisted, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, persisted.Status)
	running, err := store.ListSteps(ctx, id, jobs.StepRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	_, err = first.Start(ctx, "work", workRequest{Steps: 1})
	assert.ErrorIs(t, err, jobs.ErrManagerClosed)

	second := newManager(t, store, "acme")
	require.NoError(t, second.Register(workDefinition(nil)))
	require.NoError(t, second.RegisterStep("unit", unitHandler))
	resumed, err := second.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	state := waitJob(t, second, id)
	assert.Equal(t, jobs.StatusCompletedSuccessfully, state.Status)
}

func TestManager_Delete(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, jobs.NewMemoryStore(), "acme")
	require.NoError(t, m.Register(workDefinition(nil)))
	handler := newBlockingHandler()
	require.NoError(t, m.RegisterStep("unit", handler))

	id, err := m.Start(ctx, "work", workRequest{Steps: 1})
	require.NoError(t, err)
	handler.awaitStarted(t, 1)

	require.NoError(t, m.Delete(ctx, id))
	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	assert.ErrorIs(t, m.Delete(ctx, id), jobs.ErrJobNotFound)
}

func TestManager_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	a := newManager(t, store, "tenant-a")
	b := newManager(t, store, "tenant-b")
	for _, m := range []*jobs.Manager{a, b} {
		require.NoError(t, m.Register(workDefinition(nil)))
		require.NoError(t, m.RegisterStep("unit", unitHandler))
	}

	id, err := jobs.Start(ctx, a, "work", workRequest{Steps: 1})
	require.NoError(t, err)
	waitJob(t, a, id)

	_, err = b.Get(ctx, id)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	listed, err := b.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)

	counts, err := a.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[jobs.StatusCompletedSuccessfully])
}

func TestStepContext_Checkpoint(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	m := newManager(t, store, "acme")
	require.NoError(t, m.Register(workDefinition(nil)))

	type position struct {
		Next uint64 `json:"next"`
	}
	require.NoError(t, m.RegisterStep("unit", jobs.StepHandlerFunc(func(ctx context.Context, sc *jobs.StepContext) (any, error) {
		var p position
		found, err := sc.Checkpoint(&p)
		if err != nil {
			return nil, err
		}
		if found {
			return nil, errors.New("unexpected checkpoint")
		}
		if err := sc.SaveCheckpoint(ctx, position{Next: 42}); err != nil {
			return nil, err
		}
		found, err = sc.Checkpoint(&p)
		if err != nil || !found {
			return nil, errors.New("checkpoint not readable")
		}
		return p, nil
	})))

	id, err := m.Start(ctx, "work", workRequest{Steps: 1})
	require.NoError(t, err)
	state := waitJob(t, m, id)
	require.Equal(t, jobs.StatusCompletedSuccessfully, state.Status)

	steps, err := m.Steps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.JSONEq(t, `{"next":42}`, string(steps[0].Checkpoint))
	assert.JSONEq(t, `{"next":42}`, string(steps[0].Result))
}

func TestErrors(t *testing.T) {
	cause := errors.New("boom")
	err := &jobs.JobError{JobID: "j", Op: "stop", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "job j: stop: boom", err.Error())

	cerr := &jobs.CompletionError{JobID: "j", Panic: "x"}
	assert.Contains(t, cerr.Error(), "panicked")
	cerr = &jobs.CompletionError{JobID: "j", Err: cause}
	assert.ErrorIs(t, cerr, cause)
}

func TestManager_RehydrateLeavesStoppedSteps(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.SaveJob(ctx, &jobs.JobState{
		ID:        "job-1",
		Tenant:    "acme",
		Type:      "work",
		Status:    jobs.StatusRunning,
		Progress:  jobs.Progress{TotalSteps: 2},
		CreatedAt: now,
	}))
	for i, st := range []struct {
		name   string
		status jobs.StepStatus
	}{
		{"stopped", jobs.StepStopped},
		{"running", jobs.StepRunning},
	} {
		require.NoError(t, store.SaveStep(ctx, &jobs.StepState{
			ID:        jobs.StepID(fmt.Sprintf("job-1/%04d", i)),
			JobID:     "job-1",
			Type:      "unit",
			Name:      st.name,
			Status:    st.status,
			CreatedAt: now,
		}))
	}

	m := newManager(t, store, "acme")
	require.NoError(t, m.Register(workDefinition(nil)))
	var mu sync.Mutex
	var ran []string
	require.NoError(t, m.RegisterStep("unit", jobs.StepHandlerFunc(func(_ context.Context, sc *jobs.StepContext) (any, error) {
		mu.Lock()
		ran = append(ran, sc.Name())
		mu.Unlock()
		return nil, nil
	})))

	resumed, err := m.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	require.Eventually(t, func() bool {
		step, err := store.GetStep(ctx, "job-1/0001")
		return err == nil && step.Status == jobs.StepSucceeded
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"running"}, ran)
	mu.Unlock()

	stopped, err := store.GetStep(ctx, "job-1/0000")
	require.NoError(t, err)
	assert.Equal(t, jobs.StepStopped, stopped.Status)

	require.Eventually(t, func() bool {
		state, err := m.Get(ctx, "job-1")
		return err == nil && state.Progress.SuccessfulSteps == 1
	}, 5*time.Second, 5*time.Millisecond)
	state, err := m.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, state.Status)
}

func TestManager_ResumeWaitsForStoppedSteps(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, jobs.NewMemoryStore(), "acme")
	require.NoError(t, m.Register(workDefinition(nil)))

	var calls, inFlight, peak atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, m.RegisterStep("unit", jobs.StepHandlerFunc(func(context.Context, *jobs.StepContext) (any, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		return "ok", nil
	})))

	id, err := m.Start(ctx, "work", workRequest{Steps: 1})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("step did not start")
	}

	require.NoError(t, m.Stop(ctx, id))
	resumed := make(chan error, 1)
	go func() { resumed <- m.Resume(ctx, id) }()

	assert.Never(t, func() bool { return len(resumed) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	close(release)
	select {
	case err := <-resumed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("resume did not return")
	}

	state := waitJob(t, m, id)
	assert.Equal(t, jobs.StatusCompletedSuccessfully, state.Status)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, peak.Load())

	steps, err := m.Steps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, jobs.StepSucceeded, steps[0].Status)
}
