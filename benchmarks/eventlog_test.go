package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/filter"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/pebblestore"
)

var content = []byte(`{"order":"o-1","total":125.5,"lines":[{"sku":"a","qty":2},{"sku":"b","qty":1}],"country":"NL"}`)

func openLog(b *testing.B) *eventlog.Log {
	b.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: b.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		b.Fatal(err)
	}
	types := eventlog.NewTypeRegistry(eventlog.EventType{ID: "placed"}, eventlog.EventType{ID: "shipped"})
	l, err := eventlog.Open(db, eventlog.SequenceID{Store: "bench", Namespace: "main", Sequence: "orders"},
		eventlog.Options{Types: types})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		_ = l.Close()
		_ = db.Close()
	})
	return l
}

func fill(b *testing.B, l *eventlog.Log, n int) {
	b.Helper()
	ctx := context.Background()
	entries := make([]eventlog.Entry, 0, 256)
	for i := range n {
		typ := eventlog.EventTypeID("placed")
		if i%4 == 3 {
			typ = "shipped"
		}
		entries = append(entries, eventlog.Entry{
			Source: sourceKey(i % 100),
			Event:  eventlog.Event{Type: typ, Content: content},
		})
		if len(entries) == cap(entries) {
			if _, err := l.AppendEntries(ctx, entries); err != nil {
				b.Fatal(err)
			}
			entries = entries[:0]
		}
	}
	if len(entries) > 0 {
		if _, err := l.AppendEntries(ctx, entries); err != nil {
			b.Fatal(err)
		}
	}
}

func sourceKey(i int) eventlog.SourceKey {
	return eventlog.SourceKey(fmt.Sprintf("order-%03d", i))
}

// BenchmarkAppend measures single-event appends.
func BenchmarkAppend(b *testing.B) {
	l := openLog(b)
	ctx := context.Background()
	ev := eventlog.Event{Type: "placed", Content: content}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.Append(ctx, sourceKey(i%100), ev); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkAppendMany_100 measures batched appends of 100 events.
func BenchmarkAppendMany_100(b *testing.B) {
	l := openLog(b)
	ctx := context.Background()
	events := make([]eventlog.Event, 100)
	for i := range events {
		events[i] = eventlog.Event{Type: "placed", Content: content}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.AppendMany(ctx, sourceKey(i%100), events); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkRead(b *testing.B, f eventlog.Filter) {
	l := openLog(b)
	fill(b, l, 10_000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cur, err := l.GetFromSequenceNumber(ctx, eventlog.First, f, eventlog.WithBatchSize(512))
		if err != nil {
			b.Fatal(err)
		}
		n := 0
		for cur.Next(ctx) {
			n += len(cur.Current())
		}
		if err := cur.Err(); err != nil {
			b.Fatal(err)
		}
		_ = cur.Close()
		if n == 0 {
			b.Fatal("no events read")
		}
	}
}

// BenchmarkRead_All scans 10k events.
func BenchmarkRead_All(b *testing.B) {
	benchmarkRead(b, eventlog.Filter{})
}

// BenchmarkRead_Type scans 10k events keeping one type.
func BenchmarkRead_Type(b *testing.B) {
	benchmarkRead(b, eventlog.Filter{EventTypes: []eventlog.EventTypeID{"shipped"}})
}

// BenchmarkRead_Source reads one source through the source index.
func BenchmarkRead_Source(b *testing.B) {
	benchmarkRead(b, eventlog.Filter{Source: sourceKey(7)})
}

// BenchmarkTail_Type measures the typed tail lookup.
func BenchmarkTail_Type(b *testing.B) {
	l := openLog(b)
	fill(b, l, 10_000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.GetTailSequenceNumber(ctx, "shipped"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPartitions lists the distinct sources of 10k events.
func BenchmarkPartitions(b *testing.B) {
	l := openLog(b)
	fill(b, l, 10_000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.Partitions(ctx, eventlog.First); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPredicate_Match measures one CEL evaluation.
func BenchmarkPredicate_Match(b *testing.B) {
	p := filter.MustCompile(`event_type == "placed" && content.total > 100.0 && content.country == "NL"`)
	ev := &eventlog.AppendedEvent{SequenceNumber: 1, Type: "placed", Source: "order-1", Content: content}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !p.Match(ev) {
			b.Fatal("expected match")
		}
	}
}
