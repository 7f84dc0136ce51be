package eventlog

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/pebblestore"
)

// CursorOption configures GetFromSequenceNumber.
type CursorOption func(*Cursor)

// WithBatchSize sets the maximum number of events per batch.
func WithBatchSize(n int) CursorOption {
	return func(c *Cursor) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithUpperBound stops the cursor after the event at seq (inclusive).
func WithUpperBound(seq SequenceNumber) CursorOption {
	return func(c *Cursor) { c.to = seq }
}

// Cursor reads a log in ascending order, one batch at a time. Batches are
// loaded lazily by Next. A cursor is not safe for concurrent use.
//
//	cur, err := log.GetFromSequenceNumber(ctx, from, filter)
//	for cur.Next(ctx) {
//		for _, ev := range cur.Current() { ... }
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	log       *Log
	filter    Filter
	types     typeFilter
	next      SequenceNumber
	to        SequenceNumber
	batchSize int

	current []AppendedEvent
	err     error
	done    bool
}

// GetFromSequenceNumber opens a cursor positioned at from.
func (l *Log) GetFromSequenceNumber(ctx context.Context, from SequenceNumber, filter Filter, opts ...CursorOption) (*Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrLogClosed
	}
	c := &Cursor{
		log:       l,
		filter:    filter,
		types:     typeSet(filter.EventTypes),
		next:      from,
		to:        Unavailable,
		batchSize: l.batchSize,
		done:      !from.IsAvailable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Next loads the next non-empty batch. It returns false at the end of the
// log (or the upper bound), on error, or after Close.
func (c *Cursor) Next(ctx context.Context) bool {
	c.current = nil
	if c.done || c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}

	var (
		batch []AppendedEvent
		err   error
	)
	if c.filter.Source != "" {
		batch, err = c.readSource()
	} else {
		batch, err = c.readEntries()
	}
	if err != nil {
		c.err = err
		return false
	}
	if len(batch) == 0 {
		c.done = true
		return false
	}
	c.current = batch
	return true
}

// Current returns the batch loaded by the last successful Next.
func (c *Cursor) Current() []AppendedEvent { return c.current }

// Position returns the sequence number the cursor will read from next.
// A new cursor opened there continues where this one stopped.
func (c *Cursor) Position() SequenceNumber { return c.next }

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error { return c.err }

// Close ends the cursor.
func (c *Cursor) Close() error {
	c.done = true
	c.current = nil
	return nil
}

func (c *Cursor) past(seq SequenceNumber) bool {
	return c.to.IsAvailable() && seq > c.to
}

// readEntries scans records in order and skips non-matching types.
func (c *Cursor) readEntries() ([]AppendedEvent, error) {
	ks := c.log.ks
	prefix := ks.entryPrefix()
	upper := upperBound(prefix)
	if c.to.IsAvailable() && c.to+1 > c.to {
		upper = ks.entry(c.to + 1)
	}
	iter, err := c.log.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}

	batch := make([]AppendedEvent, 0, c.batchSize)
	for iter.SeekGE(ks.entry(c.next)); iter.Valid(); iter.Next() {
		seq := seqSuffix(iter.Key())
		ev, err := decodeEvent(seq, iter.Value())
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		c.next = seq + 1
		if !c.types.has(ev.Type) {
			continue
		}
		batch = append(batch, ev)
		if len(batch) == c.batchSize {
			break
		}
	}
	return batch, closeIter(iter)
}

// readSource walks the source index and loads matching records.
func (c *Cursor) readSource() ([]AppendedEvent, error) {
	ks := c.log.ks
	prefix := ks.sourcePrefix(c.filter.Source)
	iter, err := c.log.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}

	batch := make([]AppendedEvent, 0, c.batchSize)
	for iter.SeekGE(ks.sourceIndex(c.filter.Source, c.next)); iter.Valid(); iter.Next() {
		seq := seqSuffix(iter.Key())
		if c.past(seq) {
			c.done = len(batch) == 0
			break
		}
		c.next = seq + 1
		if !c.types.has(EventTypeID(iter.Value())) {
			continue
		}
		raw, err := c.log.db.Get(ks.entry(seq))
		if errors.Is(err, pebblestore.ErrNotFound) {
			continue
		}
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		ev, err := decodeEvent(seq, raw)
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		batch = append(batch, ev)
		if len(batch) == c.batchSize {
			break
		}
	}
	return batch, closeIter(iter)
}
