package eventkernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/jobs"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/pebblestore"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/registry"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/sqlitedb"
)

const (
	eventsDir   = "events"
	stateDBFile = "state.db"
)

// Kernel owns the storage of one data directory: the Pebble event store,
// the SQLite state database, every open log and every tenant.
type Kernel struct {
	opts   options
	logger *slog.Logger

	events   *pebblestore.DB
	state    *sql.DB
	jobStore *jobs.SQLiteStore
	types    *eventlog.TypeRegistry

	logs    *registry.Entities[eventlog.SequenceID, *eventlog.Log]
	tenants *registry.Entities[string, *Tenant]

	mu     sync.Mutex
	closed bool
}

var _ observability.StateSource = (*Kernel)(nil)

// Open opens (or creates) the kernel in the configured data directory and
// defines the logs passed with WithLog.
func Open(opts ...Option) (*Kernel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.dataDir == "" {
		return nil, ErrDataDirRequired
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if err := os.MkdirAll(o.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	events, err := pebblestore.Open(pebblestore.Options{
		DataDir:       filepath.Join(o.dataDir, eventsDir),
		Fsync:         o.fsync,
		FsyncInterval: o.fsyncInterval,
		Metrics:       o.storageMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	state, err := sqlitedb.Open(filepath.Join(o.dataDir, stateDBFile))
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("open state database: %w", err)
	}
	jobStore, err := jobs.OpenSQLiteStore(state)
	if err != nil {
		state.Close()
		events.Close()
		return nil, fmt.Errorf("open job store: %w", err)
	}

	k := &Kernel{
		opts:     o,
		logger:   observability.Component(o.logger, "kernel"),
		events:   events,
		state:    state,
		jobStore: jobStore,
		types:    eventlog.NewTypeRegistry(),
		logs:     registry.New[eventlog.SequenceID, *eventlog.Log](),
		tenants:  registry.New[string, *Tenant](),
	}
	for _, t := range o.types {
		if err := k.RegisterEventType(eventlog.EventType{ID: eventlog.EventTypeID(t.id), Description: t.description}); err != nil {
			k.Close()
			return nil, err
		}
	}
	for _, l := range o.logs {
		types := make([]eventlog.EventType, 0, len(l.types))
		for _, t := range l.types {
			types = append(types, eventlog.EventType{ID: eventlog.EventTypeID(t)})
		}
		id := eventlog.SequenceID{Store: l.store, Namespace: l.namespace, Sequence: l.sequence}
		if _, err := k.DefineLog(id, types...); err != nil {
			k.Close()
			return nil, err
		}
	}

	k.logger.Info("kernel opened",
		slog.String("data_dir", o.dataDir),
		slog.Int("logs", k.logs.Len()),
	)
	return k, nil
}

// RegisterEventType adds a type accepted by every log of the kernel.
func (k *Kernel) RegisterEventType(t eventlog.EventType) error {
	return k.types.Register(t)
}

// EventTypes returns the registered event types.
func (k *Kernel) EventTypes() []eventlog.EventType {
	return k.types.All()
}

// DefineLog registers types and opens the log for id. Defining an open
// log again only registers the types.
func (k *Kernel) DefineLog(id eventlog.SequenceID, types ...eventlog.EventType) (*eventlog.Log, error) {
	if k.isClosed() {
		return nil, ErrClosed
	}
	for _, t := range types {
		if err := k.types.Register(t); err != nil {
			return nil, err
		}
	}
	return k.logs.GetOrLoad(id, func() (*eventlog.Log, error) {
		l, err := eventlog.Open(k.events, id, eventlog.Options{
			Types:     k.types,
			Logger:    observability.Component(k.opts.logger, "eventlog"),
			Metrics:   k.opts.metrics,
			Spans:     k.opts.spans,
			BatchSize: k.opts.batchSize,
			Now:       k.opts.clock.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("open log %s: %w", id, err)
		}
		k.logger.Debug("log defined",
			slog.String("log", id.String()),
			slog.Uint64("next", uint64(l.GetNextSequenceNumber())),
		)
		return l, nil
	})
}

// Log returns the open log for id.
func (k *Kernel) Log(id eventlog.SequenceID) (*eventlog.Log, error) {
	l, ok := k.logs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLogNotDefined, id)
	}
	return l, nil
}

// Logs returns the ids of every defined log, sorted.
func (k *Kernel) Logs() []eventlog.SequenceID {
	ids := k.logs.Keys()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Tenant returns the tenant called name, creating its jobs manager and
// observer host on first use. Creation rehydrates the tenant's interrupted
// jobs.
func (k *Kernel) Tenant(ctx context.Context, name string) (*Tenant, error) {
	if name == "" {
		return nil, ErrTenantRequired
	}
	if k.isClosed() {
		return nil, ErrClosed
	}
	return k.tenants.GetOrLoad(name, func() (*Tenant, error) {
		return k.openTenant(ctx, name)
	})
}

// Tenants returns the tenants opened so far, sorted by name.
func (k *Kernel) Tenants() []*Tenant {
	out := k.tenants.Values()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// ObserverSnapshots reports every subscribed observer of every tenant.
func (k *Kernel) ObserverSnapshots() []observability.ObserverSnapshot {
	var out []observability.ObserverSnapshot
	for _, t := range k.Tenants() {
		out = append(out, t.observers.Snapshots()...)
	}
	return out
}

// JobCounts reports persisted jobs per tenant and status.
func (k *Kernel) JobCounts() []observability.JobCount {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []observability.JobCount
	for _, t := range k.Tenants() {
		counts, err := t.jobs.Counts(ctx)
		if err != nil {
			k.logger.Warn("count jobs failed",
				slog.String("tenant", t.name),
				slog.Any("error", err),
			)
			continue
		}
		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			out = append(out, observability.JobCount{Tenant: t.name, Status: s, Count: counts[jobs.Status(s)]})
		}
	}
	return out
}

// Close stops every tenant and closes the logs and both databases.
// Running jobs keep their persisted status and are rehydrated on the next
// Open.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	var errs []error
	for _, t := range k.tenants.Values() {
		errs = append(errs, t.close())
	}
	for _, l := range k.logs.Values() {
		errs = append(errs, l.Close())
	}
	errs = append(errs, k.jobStore.Close(), k.state.Close(), k.events.Close())
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close kernel: %w", err)
	}
	k.logger.Info("kernel closed")
	return nil
}

func (k *Kernel) isClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}
