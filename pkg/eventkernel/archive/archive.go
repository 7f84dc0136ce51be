// Package archive exports event log ranges to blob storage as JSON lines and
// imports them back.
//
// Buckets are opened by URL through gocloud.dev, so the same code writes to
// a local directory (file://), memory (mem://) or a cloud bucket when the
// matching driver is linked into the binary.
//
// Each export writes two objects under
// <prefix>/<store>/<namespace>/<sequence>/:
//
//	<from>-<to>.jsonl[.zst]      one AppendedEvent per line
//	<from>-<to>.manifest.json    written last; its presence marks the export complete
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/filter"
)

const (
	dataSuffix       = ".jsonl"
	zstdSuffix       = ".zst"
	manifestSuffix   = ".manifest.json"
	importBatchSize  = 256
	maxLineBytes     = 64 << 20
	manifestVersion  = 1
	defaultReadBatch = 512
)

// ErrEmptyRange is returned when an export selects no events.
var ErrEmptyRange = errors.New("archive: no events in range")

// Manifest describes one completed export.
type Manifest struct {
	Version    int                     `json:"version"`
	Log        eventlog.SequenceID     `json:"log"`
	Key        string                  `json:"key"`
	From       eventlog.SequenceNumber `json:"from"`
	To         eventlog.SequenceNumber `json:"to"`
	Count      int                     `json:"count"`
	Bytes      int64                   `json:"bytes"`
	Compressed bool                    `json:"compressed"`
	EventTypes []eventlog.EventTypeID  `json:"event_types,omitempty"`
	Source     eventlog.SourceKey      `json:"source,omitempty"`
	Where      string                  `json:"where,omitempty"`
	ExportedAt time.Time               `json:"exported_at"`
}

// Range selects the events to export. To is inclusive; Unavailable means
// the current tail.
type Range struct {
	From   eventlog.SequenceNumber
	To     eventlog.SequenceNumber
	Filter eventlog.Filter
	Where  *filter.Predicate
}

// All selects the whole log.
func All() Range {
	return Range{From: eventlog.First, To: eventlog.Unavailable}
}

// Archive reads and writes exports in one bucket.
type Archive struct {
	bucket   *blob.Bucket
	prefix   string
	compress bool
	logger   *slog.Logger
	now      func() time.Time
}

// Open opens the bucket at url, e.g. "file:///var/backups/events" or "mem://".
func Open(ctx context.Context, url string) (*Archive, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	return New(bucket), nil
}

// New wraps an open bucket. Close closes it.
func New(bucket *blob.Bucket) *Archive {
	return &Archive{
		bucket: bucket,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithPrefix places all objects under prefix.
func (a *Archive) WithPrefix(prefix string) *Archive {
	a.prefix = strings.Trim(prefix, "/")
	return a
}

// WithCompression zstd-compresses event data.
func (a *Archive) WithCompression(on bool) *Archive {
	a.compress = on
	return a
}

// WithLogger sets the logger.
func (a *Archive) WithLogger(logger *slog.Logger) *Archive {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// WithClock overrides the export timestamp source.
func (a *Archive) WithClock(now func() time.Time) *Archive {
	if now != nil {
		a.now = now
	}
	return a
}

// Close releases the bucket.
func (a *Archive) Close() error {
	return a.bucket.Close()
}

func (a *Archive) dir(id eventlog.SequenceID) string {
	return path.Join(a.prefix, id.Store, id.Namespace, id.Sequence)
}

// Export writes the events selected by r to the bucket and returns the
// manifest. The manifest records the actual first and last exported
// sequence numbers.
func (a *Archive) Export(ctx context.Context, log *eventlog.Log, r Range) (*Manifest, error) {
	to := r.To
	if !to.IsAvailable() {
		tail, err := log.GetTailSequenceNumber(ctx, r.Filter.EventTypes...)
		if err != nil {
			return nil, fmt.Errorf("resolve tail: %w", err)
		}
		to = tail
	}
	if !to.IsAvailable() || to < r.From {
		return nil, ErrEmptyRange
	}

	cur, err := log.GetFromSequenceNumber(ctx, r.From, r.Filter,
		eventlog.WithUpperBound(to), eventlog.WithBatchSize(defaultReadBatch))
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	base := path.Join(a.dir(log.ID()), fmt.Sprintf("%020d-%020d", r.From, to))
	key := base + dataSuffix
	if a.compress {
		key += zstdSuffix
	}

	// Cancelling wctx before Close discards the partial object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	bw, err := a.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return nil, fmt.Errorf("create writer for %s: %w", key, err)
	}
	abort := func() {
		cancel()
		_ = bw.Close()
	}
	counter := &countingWriter{w: bw}
	var out io.Writer = counter
	var zw *zstd.Encoder
	if a.compress {
		zw, err = zstd.NewWriter(counter)
		if err != nil {
			abort()
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		out = zw
	}

	m := &Manifest{
		Version:    manifestVersion,
		Log:        log.ID(),
		Key:        key,
		From:       eventlog.Unavailable,
		To:         eventlog.Unavailable,
		Compressed: a.compress,
		EventTypes: r.Filter.EventTypes,
		Source:     r.Filter.Source,
		Where:      r.Where.String(),
	}
	enc := json.NewEncoder(out)
	for cur.Next(ctx) {
		for _, ev := range r.Where.Apply(cur.Current()) {
			if err := enc.Encode(&ev); err != nil {
				abort()
				return nil, fmt.Errorf("write %s: %w", key, err)
			}
			if m.Count == 0 {
				m.From = ev.SequenceNumber
			}
			m.To = ev.SequenceNumber
			m.Count++
		}
	}
	if err := cur.Err(); err != nil {
		abort()
		return nil, fmt.Errorf("read %s: %w", log.ID(), err)
	}
	if m.Count == 0 {
		abort()
		return nil, ErrEmptyRange
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			abort()
			return nil, fmt.Errorf("flush %s: %w", key, err)
		}
	}
	if err := bw.Close(); err != nil {
		return nil, fmt.Errorf("close writer for %s: %w", key, err)
	}
	m.Bytes = counter.n
	m.ExportedAt = a.now().UTC()

	if err := a.writeManifest(ctx, base+manifestSuffix, m); err != nil {
		return nil, err
	}
	a.logger.Info("log exported",
		slog.String("log", log.ID().String()),
		slog.String("key", key),
		slog.Int("events", m.Count),
		slog.Int64("bytes", m.Bytes),
	)
	return m, nil
}

func (a *Archive) writeManifest(ctx context.Context, key string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := a.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write manifest %s: %w", key, err)
	}
	return nil
}

// Manifests lists the completed exports of id in sequence order.
func (a *Archive) Manifests(ctx context.Context, id eventlog.SequenceID) ([]*Manifest, error) {
	iter := a.bucket.List(&blob.ListOptions{Prefix: a.dir(id) + "/"})
	var out []*Manifest
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", a.dir(id), err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, manifestSuffix) {
			continue
		}
		data, err := a.bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", obj.Key, err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode manifest %s: %w", obj.Key, err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// Read streams the events of an export to fn in order.
func (a *Archive) Read(ctx context.Context, m *Manifest, fn func(eventlog.AppendedEvent) error) error {
	r, err := a.bucket.NewReader(ctx, m.Key, nil)
	if err != nil {
		return fmt.Errorf("open %s: %w", m.Key, err)
	}
	defer r.Close()

	var src io.Reader = r
	if m.Compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		var ev eventlog.AppendedEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("decode %s: %w", m.Key, err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", m.Key, err)
	}
	return nil
}

// Import appends the events of an export to log. Events are renumbered by
// the target log; redacted events are skipped because their content is
// gone. It returns the number of events appended.
func (a *Archive) Import(ctx context.Context, m *Manifest, log *eventlog.Log) (int, error) {
	var (
		pending  []eventlog.Entry
		imported int
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if _, err := log.AppendEntries(ctx, pending); err != nil {
			return fmt.Errorf("append to %s: %w", log.ID(), err)
		}
		imported += len(pending)
		pending = pending[:0]
		return nil
	}

	err := a.Read(ctx, m, func(ev eventlog.AppendedEvent) error {
		if ev.Redacted {
			return nil
		}
		pending = append(pending, eventlog.Entry{
			Source: ev.Source,
			Event: eventlog.Event{
				Type:       ev.Type,
				Content:    ev.Content,
				OccurredAt: ev.OccurredAt,
				Context:    ev.Context,
			},
		})
		if len(pending) >= importBatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return imported, err
	}
	a.logger.Info("log imported",
		slog.String("log", log.ID().String()),
		slog.String("key", m.Key),
		slog.Int("events", imported),
	)
	return imported, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
