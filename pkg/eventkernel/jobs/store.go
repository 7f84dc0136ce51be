package jobs

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Store persists job and step state. Implementations must be safe for
// concurrent use and must return copies.
type Store interface {
	SaveJob(ctx context.Context, job *JobState) error
	// GetJob returns ErrJobNotFound for an unknown id.
	GetJob(ctx context.Context, id JobID) (*JobState, error)
	// ListJobs returns the tenant's jobs ordered by creation time,
	// restricted to statuses when given.
	ListJobs(ctx context.Context, tenant string, statuses ...Status) ([]*JobState, error)
	RemoveJob(ctx context.Context, id JobID) error

	SaveStep(ctx context.Context, step *StepState) error
	// GetStep returns ErrStepNotFound for an unknown id.
	GetStep(ctx context.Context, id StepID) (*StepState, error)
	// ListSteps returns the job's steps ordered by creation time,
	// restricted to statuses when given.
	ListSteps(ctx context.Context, job JobID, statuses ...StepStatus) ([]*StepState, error)
	RemoveSteps(ctx context.Context, job JobID) error

	Close() error
}

// MemoryStore keeps state in memory. It suits tests and single-process
// deployments that do not need jobs to survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[JobID]*JobState
	steps  map[StepID]*StepState
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[JobID]*JobState),
		steps: make(map[StepID]*StepState),
	}
}

func (s *MemoryStore) SaveJob(_ context.Context, job *JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id JobID) (*JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, tenant string, statuses ...Status) ([]*JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*JobState
	for _, j := range s.jobs {
		if j.Tenant != tenant {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, j.Status) {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RemoveJob(_ context.Context, id JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) SaveStep(_ context.Context, step *StepState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.steps[step.ID] = step.Clone()
	return nil
}

func (s *MemoryStore) GetStep(_ context.Context, id StepID) (*StepState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	st, ok := s.steps[id]
	if !ok {
		return nil, ErrStepNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) ListSteps(_ context.Context, job JobID, statuses ...StepStatus) ([]*StepState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*StepState
	for _, st := range s.steps {
		if st.JobID != job {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, st.Status) {
			continue
		}
		out = append(out, st.Clone())
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) RemoveSteps(_ context.Context, job JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for id, st := range s.steps {
		if st.JobID == job {
			delete(s.steps, id)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
