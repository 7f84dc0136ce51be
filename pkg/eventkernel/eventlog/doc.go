// Package eventlog implements the append-only, strictly ordered event log.
//
// Each log is identified by a SequenceID and stored in Pebble. Sequence
// numbers start at 0, are assigned at append time and have no gaps: an
// append of N events either commits all N with consecutive numbers or
// commits nothing. Events are immutable except for redaction, which clears
// the content in place and never renumbers.
//
// Readers use a Cursor, which yields batches in ascending order and can be
// reopened at any position. Type and source indexes back the filtered
// queries (GetTailSequenceNumber, GetNextSequenceNumberGreaterOrEqualThan,
// Partitions) without scanning the whole log.
package eventlog
