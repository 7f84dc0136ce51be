package observer

import (
	"slices"
	"time"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
)

// RunningState is the lifecycle phase of an observer.
type RunningState string

const (
	Disconnected RunningState = "disconnected"
	Subscribing  RunningState = "subscribing"
	CatchingUp   RunningState = "catching_up"
	Replay       RunningState = "replay"
	Active       RunningState = "active"
)

// State is the persisted state of one observer.
type State struct {
	ObserverID   string                 `json:"observer_id"`
	Log          string                 `json:"log"`
	EventTypes   []eventlog.EventTypeID `json:"event_types,omitempty"`
	RunningState RunningState           `json:"running_state"`

	// NextSequenceNumber is where tailing continues.
	NextSequenceNumber eventlog.SequenceNumber `json:"next_sequence_number"`
	// LastHandledSequenceNumber trails every partition under recovery.
	LastHandledSequenceNumber eventlog.SequenceNumber `json:"last_handled_sequence_number"`
	UpdatedAt                 time.Time               `json:"updated_at"`
}

// NewState returns the state of an observer that never subscribed.
func NewState(observerID, log string) *State {
	return &State{
		ObserverID:                observerID,
		Log:                       log,
		RunningState:              Disconnected,
		NextSequenceNumber:        eventlog.First,
		LastHandledSequenceNumber: eventlog.Unavailable,
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.EventTypes = slices.Clone(s.EventTypes)
	return &c
}

// SameFilter reports whether types selects the same event types as the
// persisted filter, ignoring order and duplicates.
func (s *State) SameFilter(types []eventlog.EventTypeID) bool {
	return slices.Equal(normalizeTypes(s.EventTypes), normalizeTypes(types))
}

func normalizeTypes(types []eventlog.EventTypeID) []eventlog.EventTypeID {
	out := slices.Clone(types)
	slices.Sort(out)
	return slices.Compact(out)
}
