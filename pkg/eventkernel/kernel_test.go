package eventkernel_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/config"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observer"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/pebblestore"
)

var ordersID = eventlog.SequenceID{Store: "default", Namespace: "main", Sequence: "orders"}

func openKernel(t *testing.T, dir string, opts ...eventkernel.Option) *eventkernel.Kernel {
	t.Helper()
	base := []eventkernel.Option{
		eventkernel.WithDataDir(dir),
		eventkernel.WithFsync(pebblestore.FsyncModeNever, 0),
		eventkernel.WithPollInterval(10 * time.Millisecond),
		eventkernel.WithLog("default", "main", "orders", "order-placed", "order-shipped"),
	}
	k, err := eventkernel.Open(append(base, opts...)...)
	require.NoError(t, err)
	return k
}

type collector struct {
	mu   sync.Mutex
	seqs []eventlog.SequenceNumber
}

func (c *collector) subscriber() observer.Subscriber {
	return observer.PerEvent(func(_ context.Context, ev eventlog.AppendedEvent, _ observer.SubscriberContext) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.seqs = append(c.seqs, ev.SequenceNumber)
		return nil
	})
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seqs)
}

func appendOrders(t *testing.T, l *eventlog.Log, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		_, err := l.Append(context.Background(), eventlog.SourceKey(fmt.Sprintf("order-%d", i%3)), eventlog.Event{
			Type:    "order-placed",
			Content: json.RawMessage(fmt.Sprintf(`{"n": %d}`, i)),
		})
		require.NoError(t, err)
	}
}

func TestOpen_Validation(t *testing.T) {
	_, err := eventkernel.Open()
	assert.ErrorIs(t, err, eventkernel.ErrDataDirRequired)

	k := openKernel(t, t.TempDir())
	defer k.Close()

	_, err = k.Log(eventlog.SequenceID{Store: "x", Namespace: "y", Sequence: "z"})
	assert.ErrorIs(t, err, eventkernel.ErrLogNotDefined)

	_, err = k.Tenant(context.Background(), "")
	assert.ErrorIs(t, err, eventkernel.ErrTenantRequired)

	_, err = k.DefineLog(eventlog.SequenceID{Store: "x"})
	assert.ErrorIs(t, err, eventlog.ErrInvalidSequenceID)

	assert.Equal(t, []eventlog.SequenceID{ordersID}, k.Logs())
	assert.Len(t, k.EventTypes(), 2)
}

func TestKernel_ObserverSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	k := openKernel(t, dir)
	orders, err := k.Log(ordersID)
	require.NoError(t, err)
	appendOrders(t, orders, 0, 5)

	tenant, err := k.Tenant(ctx, "acme")
	require.NoError(t, err)
	same, err := k.Tenant(ctx, "acme")
	require.NoError(t, err)
	assert.Same(t, tenant, same)

	first := &collector{}
	sup, err := tenant.Subscribe(ctx, "projection", orders, first.subscriber(), "order-placed")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := sup.State()
		return st.RunningState == observer.Active && st.NextSequenceNumber == 5
	}, 5*time.Second, 5*time.Millisecond)

	appendOrders(t, orders, 5, 2)
	require.Eventually(t, func() bool { return sup.State().NextSequenceNumber == 7 },
		5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, first.count(), 7)
	require.NoError(t, k.Close())
	require.NoError(t, k.Close())

	_, err = k.Tenant(ctx, "acme")
	assert.ErrorIs(t, err, eventkernel.ErrClosed)

	k = openKernel(t, dir)
	defer k.Close()
	orders, err = k.Log(ordersID)
	require.NoError(t, err)
	assert.Equal(t, eventlog.SequenceNumber(7), orders.GetNextSequenceNumber())
	appendOrders(t, orders, 7, 3)

	tenant, err = k.Tenant(ctx, "acme")
	require.NoError(t, err)
	states, err := tenant.Observers().States(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, eventlog.SequenceNumber(7), states[0].NextSequenceNumber)

	second := &collector{}
	sup, err = tenant.Subscribe(ctx, "projection", orders, second.subscriber(), "order-placed")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := sup.State()
		return st.RunningState == observer.Active && st.NextSequenceNumber == 10
	}, 5*time.Second, 5*time.Millisecond)

	// Catch-up resumes from the persisted position instead of replaying.
	second.mu.Lock()
	defer second.mu.Unlock()
	assert.ElementsMatch(t, []eventlog.SequenceNumber{7, 8, 9}, second.seqs)
}

func TestKernel_StateSource(t *testing.T) {
	ctx := context.Background()
	k := openKernel(t, t.TempDir())
	defer k.Close()

	orders, err := k.Log(ordersID)
	require.NoError(t, err)
	appendOrders(t, orders, 0, 3)

	tenant, err := k.Tenant(ctx, "acme")
	require.NoError(t, err)
	sup, err := tenant.Subscribe(ctx, "projection", orders, (&collector{}).subscriber())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sup.State().RunningState == observer.Active },
		5*time.Second, 5*time.Millisecond)

	snaps := k.ObserverSnapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "acme", snaps[0].Tenant)
	assert.Equal(t, "projection", snaps[0].ObserverID)
	assert.Equal(t, uint64(3), snaps[0].NextSequenceNumber)

	counts := k.JobCounts()
	require.NotEmpty(t, counts)
	assert.Equal(t, "acme", counts[0].Tenant)

	stateCollector := observability.NewStateCollector(k)
	// next sequence, failed partitions and running state per observer plus
	// one gauge per job status.
	assert.Equal(t, 3+len(counts), testutil.CollectAndCount(stateCollector))
}

func TestFromSettings(t *testing.T) {
	s := config.Default()
	s.DataDir = t.TempDir()
	s.Fsync = "never"
	s.Sequences = []config.SequenceSettings{
		{Store: "default", Namespace: "main", Sequence: "users", EventTypes: []string{"user-renamed"}},
	}

	k, err := eventkernel.Open(eventkernel.FromSettings(s))
	require.NoError(t, err)
	defer k.Close()

	users, err := k.Log(eventlog.SequenceID{Store: "default", Namespace: "main", Sequence: "users"})
	require.NoError(t, err)
	_, err = users.Append(context.Background(), "u1", eventlog.Event{Type: "user-renamed", Content: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = users.Append(context.Background(), "u1", eventlog.Event{Type: "order-placed", Content: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, eventlog.ErrUnknownEventType)
}
