package recovery

import (
	"sync"
	"time"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
)

// Clock schedules delayed calls.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper cancels a scheduled call.
type Stopper interface {
	Stop() bool
}

// SystemClock uses the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// Timers holds at most one pending retry per partition.
type Timers struct {
	clock Clock

	mu      sync.Mutex
	pending map[eventlog.SourceKey]Stopper
}

// NewTimers creates a timer set. A nil clock uses SystemClock.
func NewTimers(clock Clock) *Timers {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Timers{clock: clock, pending: make(map[eventlog.SourceKey]Stopper)}
}

// Schedule runs fn after d, replacing any pending call for partition.
func (t *Timers) Schedule(partition eventlog.SourceKey, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.pending[partition]; ok {
		prev.Stop()
	}
	var stopper Stopper
	stopper = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		current, ok := t.pending[partition]
		if ok && current == stopper {
			delete(t.pending, partition)
		}
		t.mu.Unlock()
		if ok && current == stopper {
			fn()
		}
	})
	t.pending[partition] = stopper
}

// Cancel drops the pending call for partition.
func (t *Timers) Cancel(partition eventlog.SourceKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.pending[partition]; ok {
		s.Stop()
		delete(t.pending, partition)
	}
}

// CancelAll drops every pending call.
func (t *Timers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p, s := range t.pending {
		s.Stop()
		delete(t.pending, p)
	}
}

// Pending reports whether partition has a scheduled call.
func (t *Timers) Pending(partition eventlog.SourceKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[partition]
	return ok
}
