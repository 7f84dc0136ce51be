package pebblestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/pebblestore"
)

type testMetrics struct {
	read         int
	batchCommits int
	batchOps     int
}

func (m *testMetrics) ObserveRead(_ time.Duration, bytes int) { m.read += bytes }
func (m *testMetrics) ObserveBatchCommit(_ time.Duration, numOps int, _ int) {
	m.batchCommits++
	m.batchOps += numOps
}

func newTestDB(t *testing.T) (*pebblestore.DB, *testMetrics) {
	t.Helper()
	metrics := &testMetrics{}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       t.TempDir(),
		Fsync:         pebblestore.FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
		Metrics:       metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, metrics
}

func TestOpen_RequiresDataDir(t *testing.T) {
	_, err := pebblestore.Open(pebblestore.Options{})
	assert.Error(t, err)
}

func TestSetGet(t *testing.T) {
	db, metrics := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Set(ctx, []byte("k1"), []byte("v1")))

	got, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
	assert.Equal(t, 2, metrics.read)
	assert.Equal(t, 1, metrics.batchCommits)

	_, err = db.Get([]byte("missing"))
	assert.ErrorIs(t, err, pebblestore.ErrNotFound)
}

func TestCommitBatch_Atomic(t *testing.T) {
	db, metrics := newTestDB(t)
	ctx := context.Background()

	b := db.NewBatch()
	require.NoError(t, b.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, b.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, db.CommitBatch(ctx, b))
	require.NoError(t, b.Close())
	assert.Equal(t, 2, metrics.batchOps)

	iter, err := db.NewIter(&pebble.IterOptions{})
	require.NoError(t, err)
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestCommitBatch_CancelledContext(t *testing.T) {
	db, _ := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := db.NewBatch()
	defer b.Close()
	require.NoError(t, b.Set([]byte("a"), []byte("1"), nil))
	assert.ErrorIs(t, db.CommitBatch(ctx, b), context.Canceled)

	_, err := db.Get([]byte("a"))
	assert.ErrorIs(t, err, pebblestore.ErrNotFound)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ac"), pebblestore.PrefixUpperBound([]byte("ab")))
	assert.Equal(t, []byte("b"), pebblestore.PrefixUpperBound([]byte{'a', 0xff}))
	assert.Nil(t, pebblestore.PrefixUpperBound([]byte{0xff, 0xff}))
}

func TestParseFsyncMode(t *testing.T) {
	assert.Equal(t, pebblestore.FsyncModeAlways, pebblestore.ParseFsyncMode("always"))
	assert.Equal(t, pebblestore.FsyncModeInterval, pebblestore.ParseFsyncMode("interval"))
	assert.Equal(t, pebblestore.FsyncModeNever, pebblestore.ParseFsyncMode("never"))
	assert.Equal(t, pebblestore.FsyncModeUnspecified, pebblestore.ParseFsyncMode(""))
}
