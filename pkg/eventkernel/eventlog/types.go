package eventlog

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// SequenceNumber is the position of an event within one log.
type SequenceNumber uint64

const (
	// First is the sequence number of the first event in a log.
	First SequenceNumber = 0
	// Unavailable means "no such event".
	Unavailable SequenceNumber = math.MaxUint64
)

// IsAvailable reports whether s refers to an actual position.
func (s SequenceNumber) IsAvailable() bool { return s != Unavailable }

// String renders the number, or "unavailable".
func (s SequenceNumber) String() string {
	if s == Unavailable {
		return "unavailable"
	}
	return strconv.FormatUint(uint64(s), 10)
}

// EventTypeID names a registered event type.
type EventTypeID string

// SourceKey is the partition key of an event.
type SourceKey string

// SequenceID identifies one log.
type SequenceID struct {
	Store     string `json:"store"`
	Namespace string `json:"namespace"`
	Sequence  string `json:"sequence"`
}

// String renders the id as store/namespace/sequence.
func (id SequenceID) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Store, id.Namespace, id.Sequence)
}

// Validate checks that all three parts are set.
func (id SequenceID) Validate() error {
	if id.Store == "" || id.Namespace == "" || id.Sequence == "" {
		return fmt.Errorf("%w: %q", ErrInvalidSequenceID, id.String())
	}
	return nil
}

// EventContext carries correlation data recorded with an event.
type EventContext struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Event is an event to be appended.
type Event struct {
	Type       EventTypeID     `json:"type"`
	Content    json.RawMessage `json:"content"`
	OccurredAt time.Time       `json:"occurred_at,omitempty"`
	Context    EventContext    `json:"context,omitempty"`
}

// AppendedEvent is an event stored in the log. Only the redaction fields
// ever change after append.
type AppendedEvent struct {
	SequenceNumber  SequenceNumber  `json:"sequence_number"`
	Type            EventTypeID     `json:"type"`
	Source          SourceKey       `json:"source"`
	OccurredAt      time.Time       `json:"occurred_at"`
	Context         EventContext    `json:"context"`
	Content         json.RawMessage `json:"content,omitempty"`
	Redacted        bool            `json:"redacted,omitempty"`
	RedactionReason string          `json:"redaction_reason,omitempty"`
}

// Filter restricts what a cursor yields. The zero value matches everything.
type Filter struct {
	EventTypes []EventTypeID
	Source     SourceKey
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev *AppendedEvent) bool {
	if f.Source != "" && ev.Source != f.Source {
		return false
	}
	return typeSet(f.EventTypes).has(ev.Type)
}

type typeFilter map[EventTypeID]struct{}

func typeSet(types []EventTypeID) typeFilter {
	if len(types) == 0 {
		return nil
	}
	set := make(typeFilter, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// has reports membership; a nil filter matches every type.
func (s typeFilter) has(t EventTypeID) bool {
	if s == nil {
		return true
	}
	_, ok := s[t]
	return ok
}
