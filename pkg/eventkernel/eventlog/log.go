package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/pebblestore"
)

// DefaultBatchSize is the cursor batch size when none is configured.
const DefaultBatchSize = 100

// Options configures a Log.
type Options struct {
	// Types is the set of accepted event types. Required.
	Types     *TypeRegistry
	Logger    *slog.Logger
	Metrics   observability.MetricsRecorder
	Spans     observability.SpanManager
	BatchSize int
	// Now supplies OccurredAt for events that do not carry one.
	Now func() time.Time
}

// Entry is one event with its partition key.
type Entry struct {
	Source SourceKey
	Event  Event
}

// Log is the append-only event log for one SequenceID. A single Log
// instance must own a SequenceID within a process.
type Log struct {
	id        SequenceID
	db        *pebblestore.DB
	ks        keyspace
	types     *TypeRegistry
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	batchSize int
	now       func() time.Time

	mu       sync.Mutex
	next     SequenceNumber
	notifyCh chan struct{}
	closed   bool
}

// Open loads the log for id. The next sequence number is the larger of the
// persisted counter and one past the last stored record.
func Open(db *pebblestore.DB, id SequenceID, opts Options) (*Log, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if opts.Types == nil {
		return nil, errors.New("eventlog: Options.Types is required")
	}
	l := &Log{
		id:        id,
		db:        db,
		ks:        newKeyspace(id),
		types:     opts.Types,
		logger:    opts.Logger,
		metrics:   observability.OrNoop(opts.Metrics),
		spans:     observability.SpansOrNoop(opts.Spans),
		batchSize: opts.BatchSize,
		now:       opts.Now,
		notifyCh:  make(chan struct{}),
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.batchSize <= 0 {
		l.batchSize = DefaultBatchSize
	}
	if l.now == nil {
		l.now = time.Now
	}

	meta, err := db.Get(l.ks.meta())
	switch {
	case err == nil && len(meta) >= 8:
		l.next = SequenceNumber(binary.BigEndian.Uint64(meta[:8]))
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, fmt.Errorf("load %s meta: %w", id, err)
	}

	last, err := l.lastKey(l.ks.entryPrefix())
	if err != nil {
		return nil, fmt.Errorf("load %s tail: %w", id, err)
	}
	if last.IsAvailable() && last+1 > l.next {
		l.next = last + 1
	}
	return l, nil
}

// ID returns the log's sequence id.
func (l *Log) ID() SequenceID { return l.id }

// Types returns the registry the log validates against.
func (l *Log) Types() *TypeRegistry { return l.types }

// Close wakes all Notify waiters and rejects further appends.
// The underlying database is owned by the caller.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.notifyCh)
	return nil
}

// Append appends one event and returns its sequence number.
func (l *Log) Append(ctx context.Context, source SourceKey, ev Event) (SequenceNumber, error) {
	seqs, err := l.AppendEntries(ctx, []Entry{{Source: source, Event: ev}})
	if err != nil {
		return Unavailable, err
	}
	return seqs[0], nil
}

// AppendMany appends events for one source atomically.
func (l *Log) AppendMany(ctx context.Context, source SourceKey, events []Event) ([]SequenceNumber, error) {
	entries := make([]Entry, len(events))
	for i, ev := range events {
		entries[i] = Entry{Source: source, Event: ev}
	}
	return l.AppendEntries(ctx, entries)
}

// AppendEntries appends entries atomically: either all of them receive
// consecutive sequence numbers or none is stored. Types are validated
// before any number is assigned.
func (l *Log) AppendEntries(ctx context.Context, entries []Entry) ([]SequenceNumber, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	for _, e := range entries {
		if err := l.types.Validate(e.Event.Type); err != nil {
			return nil, err
		}
		if len(e.Event.Content) > 0 && !json.Valid(e.Event.Content) {
			return nil, fmt.Errorf("%w: type %q", ErrInvalidContent, e.Event.Type)
		}
	}

	ctx, span := l.spans.StartAppendSpan(ctx, l.id.String(), len(entries))
	done := observability.TimedOperation()
	start := time.Now()

	seqs, err := l.commit(ctx, entries)

	l.metrics.RecordAppend(ctx, l.id.String(), len(entries), time.Since(start), err)
	l.spans.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}
	observability.LogAppend(l.logger, l.id.String(), uint64(seqs[0]), len(seqs), done())
	return seqs, nil
}

func (l *Log) commit(ctx context.Context, entries []Entry) ([]SequenceNumber, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLogClosed
	}

	b := l.db.NewBatch()
	defer b.Close()

	now := l.now().UTC()
	next := l.next
	seqs := make([]SequenceNumber, len(entries))
	for i, e := range entries {
		ev := AppendedEvent{
			SequenceNumber: next,
			Type:           e.Event.Type,
			Source:         e.Source,
			OccurredAt:     e.Event.OccurredAt,
			Context:        e.Event.Context,
			Content:        e.Event.Content,
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = now
		}
		if ev.Context.CorrelationID == "" {
			ev.Context.CorrelationID = uuid.NewString()
		}
		rec, err := encodeEvent(&ev)
		if err != nil {
			return nil, err
		}
		if err := b.Set(l.ks.entry(next), rec, nil); err != nil {
			return nil, err
		}
		if err := b.Set(l.ks.typeIndex(ev.Type, next), []byte(ev.Source), nil); err != nil {
			return nil, err
		}
		if err := b.Set(l.ks.sourceIndex(ev.Source, next), []byte(ev.Type), nil); err != nil {
			return nil, err
		}
		seqs[i] = next
		next++
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], uint64(next))
	if err := b.Set(l.ks.meta(), meta[:], nil); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("append to %s: %w", l.id, err)
	}

	l.next = next
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return seqs, nil
}

// Notify returns a channel closed by the next successful append or Close.
func (l *Log) Notify() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

// GetNextSequenceNumber returns the number the next append will receive.
func (l *Log) GetNextSequenceNumber() SequenceNumber {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// GetTailSequenceNumber returns the highest sequence number, restricted to
// eventTypes when given, or Unavailable when nothing matches.
func (l *Log) GetTailSequenceNumber(ctx context.Context, eventTypes ...EventTypeID) (SequenceNumber, error) {
	if err := ctx.Err(); err != nil {
		return Unavailable, err
	}
	if len(eventTypes) == 0 {
		next := l.GetNextSequenceNumber()
		if next == First {
			return Unavailable, nil
		}
		return next - 1, nil
	}

	tail := Unavailable
	for _, t := range eventTypes {
		last, err := l.lastKey(l.ks.typePrefix(t))
		if err != nil {
			return Unavailable, err
		}
		if last.IsAvailable() && (!tail.IsAvailable() || last > tail) {
			tail = last
		}
	}
	return tail, nil
}

// GetNextSequenceNumberGreaterOrEqualThan returns the smallest sequence
// number >= seq whose type is in eventTypes (any type when empty), or
// Unavailable.
func (l *Log) GetNextSequenceNumberGreaterOrEqualThan(ctx context.Context, seq SequenceNumber, eventTypes ...EventTypeID) (SequenceNumber, error) {
	if err := ctx.Err(); err != nil {
		return Unavailable, err
	}
	if !seq.IsAvailable() {
		return Unavailable, nil
	}
	if len(eventTypes) == 0 {
		if seq < l.GetNextSequenceNumber() {
			return seq, nil
		}
		return Unavailable, nil
	}

	found := Unavailable
	for _, t := range eventTypes {
		prefix := l.ks.typePrefix(t)
		iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
		if err != nil {
			return Unavailable, err
		}
		if iter.SeekGE(l.ks.typeIndex(t, seq)) {
			if s := seqSuffix(iter.Key()); s < found {
				found = s
			}
		}
		if err := closeIter(iter); err != nil {
			return Unavailable, err
		}
	}
	return found, nil
}

// Get returns the event at seq.
func (l *Log) Get(ctx context.Context, seq SequenceNumber) (AppendedEvent, error) {
	if err := ctx.Err(); err != nil {
		return AppendedEvent{}, err
	}
	raw, err := l.db.Get(l.ks.entry(seq))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return AppendedEvent{}, fmt.Errorf("%w: %s at %d", ErrEventNotFound, l.id, seq)
	}
	if err != nil {
		return AppendedEvent{}, err
	}
	return decodeEvent(seq, raw)
}

// Redact clears the content of the event at seq and records reason. The
// event keeps its sequence number and type.
func (l *Log) Redact(ctx context.Context, seq SequenceNumber, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	b := l.db.NewBatch()
	defer b.Close()
	if err := l.redactInto(ctx, b, seq, reason); err != nil {
		return err
	}
	return l.db.CommitBatch(ctx, b)
}

// RedactForSource redacts every event of source, restricted to eventTypes
// when given. It returns the number of events redacted.
func (l *Log) RedactForSource(ctx context.Context, source SourceKey, reason string, eventTypes ...EventTypeID) (int, error) {
	types := typeSet(eventTypes)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLogClosed
	}

	prefix := l.ks.sourcePrefix(source)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	var seqs []SequenceNumber
	for iter.First(); iter.Valid(); iter.Next() {
		if types.has(EventTypeID(iter.Value())) {
			seqs = append(seqs, seqSuffix(iter.Key()))
		}
	}
	if err := closeIter(iter); err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, nil
	}

	b := l.db.NewBatch()
	defer b.Close()
	for _, seq := range seqs {
		if err := l.redactInto(ctx, b, seq, reason); err != nil {
			return 0, err
		}
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	return len(seqs), nil
}

func (l *Log) redactInto(ctx context.Context, b *pebble.Batch, seq SequenceNumber, reason string) error {
	ev, err := l.Get(ctx, seq)
	if err != nil {
		return err
	}
	ev.Redacted = true
	ev.RedactionReason = reason
	ev.Content = nil
	rec, err := encodeEvent(&ev)
	if err != nil {
		return err
	}
	return b.Set(l.ks.entry(seq), rec, nil)
}

// Partitions lists the distinct sources that have an event matching
// eventTypes at or after from, in sorted order.
func (l *Log) Partitions(ctx context.Context, from SequenceNumber, eventTypes ...EventTypeID) ([]SourceKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := make(map[SourceKey]struct{})

	if len(eventTypes) == 0 {
		prefix := l.ks.sourcesPrefix()
		iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
		if err != nil {
			return nil, err
		}
		for valid := iter.First(); valid; {
			src, ok := l.ks.parseSourceIndex(iter.Key())
			if !ok {
				valid = iter.Next()
				continue
			}
			if seqSuffix(iter.Key()) >= from {
				seen[src] = struct{}{}
				valid = iter.SeekGE(upperBound(l.ks.sourcePrefix(src)))
				continue
			}
			valid = iter.SeekGE(l.ks.sourceIndex(src, from))
		}
		if err := closeIter(iter); err != nil {
			return nil, err
		}
	} else {
		for _, t := range eventTypes {
			prefix := l.ks.typePrefix(t)
			iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
			if err != nil {
				return nil, err
			}
			for iter.SeekGE(l.ks.typeIndex(t, from)); iter.Valid(); iter.Next() {
				seen[SourceKey(iter.Value())] = struct{}{}
			}
			if err := closeIter(iter); err != nil {
				return nil, err
			}
		}
	}

	out := make([]SourceKey, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// lastKey returns the trailing sequence number of the last key under
// prefix, or Unavailable when there is none.
func (l *Log) lastKey(prefix []byte) (SequenceNumber, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return Unavailable, err
	}
	last := Unavailable
	if iter.Last() {
		last = seqSuffix(iter.Key())
	}
	return last, closeIter(iter)
}

func closeIter(iter *pebble.Iterator) error {
	err := iter.Error()
	if cerr := iter.Close(); err == nil {
		err = cerr
	}
	return err
}
