package eventlog

import "errors"

var (
	// ErrUnknownEventType is returned when appending a type that was never registered.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidContent is returned when event content is not valid JSON.
	ErrInvalidContent = errors.New("event content is not valid JSON")

	// ErrEventNotFound is returned when no event exists at a sequence number.
	ErrEventNotFound = errors.New("event not found")

	// ErrCorruptRecord is returned when a stored record fails its checksum.
	ErrCorruptRecord = errors.New("corrupt event record")

	// ErrInvalidSequenceID is returned for a sequence id with empty parts.
	ErrInvalidSequenceID = errors.New("invalid sequence id")

	// ErrLogClosed is returned after Close.
	ErrLogClosed = errors.New("event log closed")
)
