package observer_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observer"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/recovery"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/sqlitedb"
)

func TestStateStores(t *testing.T) {
	stores := map[string]func(t *testing.T, tenant string) observer.StateStore{
		"memory": func(t *testing.T, _ string) observer.StateStore {
			return observer.NewMemoryStateStore()
		},
		"sqlite": func(t *testing.T, tenant string) observer.StateStore {
			db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			s, err := observer.OpenSQLiteStateStore(db, tenant)
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t, "tenant-a")

			_, err := s.LoadState(ctx, "projection")
			assert.ErrorIs(t, err, observer.ErrStateNotFound)

			st := observer.NewState("projection", "default/main/orders")
			st.EventTypes = []eventlog.EventTypeID{"order-placed"}
			st.RunningState = observer.Active
			st.NextSequenceNumber = 12
			st.LastHandledSequenceNumber = 9
			require.NoError(t, s.SaveState(ctx, st))

			st.NextSequenceNumber = 14
			require.NoError(t, s.SaveState(ctx, st))
			require.NoError(t, s.SaveState(ctx, observer.NewState("audit", "default/main/orders")))

			got, err := s.LoadState(ctx, "projection")
			require.NoError(t, err)
			assert.Equal(t, eventlog.SequenceNumber(14), got.NextSequenceNumber)
			assert.Equal(t, eventlog.SequenceNumber(9), got.LastHandledSequenceNumber)
			assert.Equal(t, observer.Active, got.RunningState)
			assert.True(t, got.SameFilter([]eventlog.EventTypeID{"order-placed"}))

			all, err := s.ListStates(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "audit", all[0].ObserverID)
			assert.False(t, all[0].LastHandledSequenceNumber.IsAvailable())

			now := time.Now().UTC().Truncate(time.Millisecond)
			rec := recovery.NewRecord("order-7", 10, []string{"boom"}, "stack", now)
			require.NoError(t, s.SaveFailedPartition(ctx, "projection", rec))
			rec.Failed(10, []string{"boom again"}, "", now)
			require.NoError(t, s.SaveFailedPartition(ctx, "projection", rec))
			require.NoError(t, s.SaveFailedPartition(ctx, "projection", recovery.NewRecord("order-1", 11, nil, "", now)))

			failed, err := s.LoadFailedPartitions(ctx, "projection")
			require.NoError(t, err)
			require.Len(t, failed, 2)
			assert.Equal(t, eventlog.SourceKey("order-1"), failed[0].Partition)
			assert.Equal(t, 1, failed[1].AttemptsOnCurrentError)
			assert.Equal(t, []string{"boom again"}, failed[1].LastErrorMessages)
			assert.Len(t, failed[1].Attempts, 2)

			other, err := s.LoadFailedPartitions(ctx, "audit")
			require.NoError(t, err)
			assert.Empty(t, other)

			require.NoError(t, s.RemoveFailedPartition(ctx, "projection", "order-1"))
			require.NoError(t, s.RemoveFailedPartition(ctx, "projection", "missing"))
			failed, err = s.LoadFailedPartitions(ctx, "projection")
			require.NoError(t, err)
			require.Len(t, failed, 1)
		})
	}
}

func TestSQLiteStateStore_TenantScoped(t *testing.T) {
	ctx := context.Background()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()

	a, err := observer.OpenSQLiteStateStore(db, "tenant-a")
	require.NoError(t, err)
	b, err := observer.OpenSQLiteStateStore(db, "tenant-b")
	require.NoError(t, err)

	require.NoError(t, a.SaveState(ctx, observer.NewState("projection", "default/main/orders")))
	_, err = b.LoadState(ctx, "projection")
	assert.ErrorIs(t, err, observer.ErrStateNotFound)

	states, err := b.ListStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestState_SameFilter(t *testing.T) {
	st := observer.NewState("projection", "log")
	assert.True(t, st.SameFilter(nil))
	assert.False(t, st.SameFilter([]eventlog.EventTypeID{"a"}))

	st.EventTypes = []eventlog.EventTypeID{"b", "a"}
	assert.True(t, st.SameFilter([]eventlog.EventTypeID{"a", "b", "a"}))
	assert.False(t, st.SameFilter([]eventlog.EventTypeID{"a"}))

	c := st.Clone()
	c.EventTypes[0] = "z"
	assert.Equal(t, eventlog.EventTypeID("b"), st.EventTypes[0])
}
