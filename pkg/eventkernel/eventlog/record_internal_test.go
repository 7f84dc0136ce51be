package eventlog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/pebblestore"
)

func TestFrame_DetectsCorruption(t *testing.T) {
	frame := encodeFrame([]byte("hdr"), []byte("payload"))
	h, p, ok := decodeFrame(frame)
	require.True(t, ok)
	assert.Equal(t, "hdr", string(h))
	assert.Equal(t, "payload", string(p))

	frame[len(frame)-6] ^= 0xff
	_, _, ok = decodeFrame(frame)
	assert.False(t, ok)

	_, _, ok = decodeFrame([]byte{1})
	assert.False(t, ok)
}

func TestDecodeEvent_Corrupt(t *testing.T) {
	_, err := decodeEvent(3, []byte("garbage-bytes"))
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestKeys_SegmentsDoNotCollide(t *testing.T) {
	a := newKeyspace(SequenceID{Store: "a/b", Namespace: "c", Sequence: "d"})
	b := newKeyspace(SequenceID{Store: "a", Namespace: "b/c", Sequence: "d"})
	assert.NotEqual(t, a.base, b.base)

	ks := newKeyspace(SequenceID{Store: "s", Namespace: "n", Sequence: "q"})
	key := ks.sourceIndex("order-1", 42)
	src, ok := ks.parseSourceIndex(key)
	require.True(t, ok)
	assert.Equal(t, SourceKey("order-1"), src)
	assert.Equal(t, SequenceNumber(42), seqSuffix(key))
}

func TestOpen_PreExistingEventAtZero(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	id := SequenceID{Store: "s", Namespace: "n", Sequence: "q"}
	ks := newKeyspace(id)
	rec, err := encodeEvent(&AppendedEvent{Type: "seeded", Source: "x", Content: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, db.Set(ctx, ks.entry(0), rec))

	l, err := Open(db, id, Options{Types: NewTypeRegistry(EventType{ID: "seeded"})})
	require.NoError(t, err)

	seq, err := l.Append(ctx, "x", Event{Type: "seeded", Content: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, SequenceNumber(1), seq)

	tail, err := l.GetTailSequenceNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, SequenceNumber(1), tail)
}
