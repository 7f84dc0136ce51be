package jobs

import (
	"encoding/json"
	"time"
)

// JobID identifies a job across tenants.
type JobID string

// StepID identifies a step.
type StepID string

// Status is the phase of a job.
type Status string

const (
	StatusPreparing             Status = "preparing"
	StatusPreparingSteps        Status = "preparing_steps"
	StatusRunning               Status = "running"
	StatusCompletedSuccessfully Status = "completed_successfully"
	StatusCompletedWithFailures Status = "completed_with_failures"
	StatusStopped               Status = "stopped"
	StatusFailed                Status = "failed"
)

// Terminal reports whether no further transition is expected without an
// explicit Resume.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompletedSuccessfully, StatusCompletedWithFailures, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Resumable reports whether a job in this status can be picked up again.
func (s Status) Resumable() bool {
	switch s {
	case StatusPreparing, StatusPreparingSteps, StatusRunning, StatusStopped:
		return true
	}
	return false
}

// StepStatus is the phase of a step.
type StepStatus string

const (
	StepScheduled StepStatus = "scheduled"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepStopped   StepStatus = "stopped"
)

// Live reports whether the step still has work to do.
func (s StepStatus) Live() bool {
	return s == StepScheduled || s == StepRunning
}

// StatusChange is one entry of a status history.
type StatusChange struct {
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
	Message string    `json:"message,omitempty"`
}

// Progress counts step outcomes. SuccessfulSteps+FailedSteps never exceeds
// TotalSteps.
type Progress struct {
	TotalSteps      int `json:"total_steps"`
	SuccessfulSteps int `json:"successful_steps"`
	FailedSteps     int `json:"failed_steps"`
}

// Done reports whether every step has reported.
func (p Progress) Done() bool {
	return p.SuccessfulSteps+p.FailedSteps >= p.TotalSteps
}

// CompletionStatus is the terminal status implied by the counters.
func (p Progress) CompletionStatus() Status {
	if p.FailedSteps > 0 {
		return StatusCompletedWithFailures
	}
	return StatusCompletedSuccessfully
}

// JobState is the persisted state of a job.
type JobState struct {
	ID            JobID           `json:"id"`
	Tenant        string          `json:"tenant"`
	Type          string          `json:"type"`
	Status        Status          `json:"status"`
	StatusChanges []StatusChange  `json:"status_changes,omitempty"`
	Progress      Progress        `json:"progress"`
	Request       json.RawMessage `json:"request,omitempty"`
	Error         string          `json:"error,omitempty"`

	// Remove marks the job for deletion once it completes.
	Remove    bool      `json:"remove,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy.
func (j *JobState) Clone() *JobState {
	c := *j
	c.StatusChanges = append([]StatusChange(nil), j.StatusChanges...)
	c.Request = append(json.RawMessage(nil), j.Request...)
	return &c
}

func (j *JobState) setStatus(s Status, at time.Time, message string) {
	j.Status = s
	j.UpdatedAt = at
	j.StatusChanges = append(j.StatusChanges, StatusChange{Status: string(s), At: at, Message: message})
	if s.Terminal() {
		j.EndedAt = at
	}
}

// StepState is the persisted state of a step.
type StepState struct {
	ID            StepID          `json:"id"`
	JobID         JobID           `json:"job_id"`
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	Status        StepStatus      `json:"status"`
	StatusChanges []StatusChange  `json:"status_changes,omitempty"`
	Request       json.RawMessage `json:"request,omitempty"`
	Checkpoint    json.RawMessage `json:"checkpoint,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *StepState) Clone() *StepState {
	c := *s
	c.StatusChanges = append([]StatusChange(nil), s.StatusChanges...)
	c.Request = append(json.RawMessage(nil), s.Request...)
	c.Checkpoint = append(json.RawMessage(nil), s.Checkpoint...)
	c.Result = append(json.RawMessage(nil), s.Result...)
	return &c
}

func (s *StepState) setStatus(st StepStatus, at time.Time, message string) {
	s.Status = st
	s.UpdatedAt = at
	s.StatusChanges = append(s.StatusChanges, StatusChange{Status: string(st), At: at, Message: message})
}
