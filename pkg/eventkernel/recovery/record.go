// Package recovery tracks partitions whose subscriber failed and schedules
// their retries with exponential backoff.
package recovery

import (
	"time"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
)

// MaxAttemptHistory bounds Record.Attempts.
const MaxAttemptHistory = 10

// maxShift keeps Base<<n inside time.Duration for any sane base.
const maxShift = 32

// Policy computes retry delays: Base * 2^attempts, capped by Max when set.
type Policy struct {
	Base time.Duration
	// Max caps the delay. Zero means no cap.
	Max time.Duration
}

// DefaultPolicy waits 1s, 2s, 4s, ... without a cap.
var DefaultPolicy = Policy{Base: time.Second}

// Delay returns the wait before the retry following attempts failures on
// the current error.
func (p Policy) Delay(attempts int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxShift {
		attempts = maxShift
	}
	d := base * time.Duration(uint64(1)<<uint(attempts))
	if d < base {
		d = time.Duration(1<<63 - 1)
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Attempt is one failed try on a partition.
type Attempt struct {
	OccurredAt     time.Time               `json:"occurred_at"`
	SequenceNumber eventlog.SequenceNumber `json:"sequence_number"`
	Messages       []string                `json:"messages,omitempty"`
	StackTrace     string                  `json:"stack_trace,omitempty"`
}

// Record is the recovery state of one failed partition.
type Record struct {
	Partition                   eventlog.SourceKey      `json:"partition"`
	InitialErrorSequence        eventlog.SequenceNumber `json:"initial_error_sequence"`
	CurrentErrorSequence        eventlog.SequenceNumber `json:"current_error_sequence"`
	AttemptsOnCurrentError      int                     `json:"attempts_on_current_error"`
	AttemptsSinceInitialized    int                     `json:"attempts_since_initialized"`
	NextSequenceNumberToProcess eventlog.SequenceNumber `json:"next_sequence_number_to_process"`
	LastErrorMessages           []string                `json:"last_error_messages,omitempty"`
	LastStackTrace              string                  `json:"last_stack_trace,omitempty"`
	Attempts                    []Attempt               `json:"attempts,omitempty"`
	NextAttemptAt               time.Time               `json:"next_attempt_at"`
}

// NewRecord starts tracking partition after its first failure at seq.
func NewRecord(partition eventlog.SourceKey, seq eventlog.SequenceNumber, messages []string, stack string, at time.Time) *Record {
	r := &Record{
		Partition:                   partition,
		InitialErrorSequence:        seq,
		CurrentErrorSequence:        seq,
		NextSequenceNumberToProcess: seq,
		LastErrorMessages:           messages,
		LastStackTrace:              stack,
	}
	r.appendAttempt(Attempt{OccurredAt: at, SequenceNumber: seq, Messages: messages, StackTrace: stack})
	return r
}

// Failed records another failure at seq. A failure at the same sequence
// number counts as another attempt on the current error; a different
// sequence number starts a new current error with zero attempts.
func (r *Record) Failed(seq eventlog.SequenceNumber, messages []string, stack string, at time.Time) {
	if seq == r.CurrentErrorSequence {
		r.AttemptsOnCurrentError++
	} else {
		r.CurrentErrorSequence = seq
		r.AttemptsOnCurrentError = 0
	}
	r.AttemptsSinceInitialized++
	r.NextSequenceNumberToProcess = seq
	r.LastErrorMessages = messages
	r.LastStackTrace = stack
	r.appendAttempt(Attempt{OccurredAt: at, SequenceNumber: seq, Messages: messages, StackTrace: stack})
}

// Progressed records that events before next were handled during a retry.
func (r *Record) Progressed(next eventlog.SequenceNumber) {
	if next > r.NextSequenceNumberToProcess {
		r.NextSequenceNumberToProcess = next
	}
}

// NextAttemptSchedule returns the delay before the next retry under
// DefaultPolicy: 2^AttemptsOnCurrentError seconds.
func (r *Record) NextAttemptSchedule() time.Duration {
	return DefaultPolicy.Delay(r.AttemptsOnCurrentError)
}

// Schedule computes and stores NextAttemptAt under p.
func (r *Record) Schedule(p Policy, now time.Time) time.Duration {
	d := p.Delay(r.AttemptsOnCurrentError)
	r.NextAttemptAt = now.Add(d)
	return d
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.LastErrorMessages = append([]string(nil), r.LastErrorMessages...)
	c.Attempts = append([]Attempt(nil), r.Attempts...)
	return &c
}

func (r *Record) appendAttempt(a Attempt) {
	r.Attempts = append(r.Attempts, a)
	if over := len(r.Attempts) - MaxAttemptHistory; over > 0 {
		r.Attempts = append([]Attempt(nil), r.Attempts[over:]...)
	}
}
