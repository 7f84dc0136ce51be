package eventkernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/jobs"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observer"
)

// Tenant scopes jobs and observers. Logs are shared by all tenants.
type Tenant struct {
	name      string
	jobs      *jobs.Manager
	observers *observer.Host
}

func (k *Kernel) openTenant(ctx context.Context, name string) (*Tenant, error) {
	logger := k.opts.logger.With(slog.String("tenant", name))

	manager := jobs.NewManager(name, k.jobStore).
		WithLogger(observability.Component(logger, "jobs")).
		WithMetrics(k.opts.metrics).
		WithSpans(k.opts.spans).
		WithClock(k.opts.clock.Now)

	states, err := observer.OpenSQLiteStateStore(k.state, name)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("open observer state for %s: %w", name, err)
	}
	host, err := observer.NewHost(manager, states)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("create observer host for %s: %w", name, err)
	}
	host.WithLogger(observability.Component(logger, "observer")).
		WithMetrics(k.opts.metrics).
		WithSpans(k.opts.spans).
		WithClock(k.opts.clock).
		WithRetryPolicy(k.opts.retry).
		WithPollInterval(k.opts.pollInterval).
		WithBatchSize(k.opts.batchSize)

	resumed, err := manager.Rehydrate(ctx)
	if err != nil {
		host.Close()
		manager.Close()
		return nil, fmt.Errorf("rehydrate jobs for %s: %w", name, err)
	}
	if resumed > 0 {
		logger.Info("jobs rehydrated", slog.Int("resumed", resumed))
	}
	return &Tenant{name: name, jobs: manager, observers: host}, nil
}

// Name returns the tenant name.
func (t *Tenant) Name() string { return t.name }

// Jobs returns the tenant's jobs manager.
func (t *Tenant) Jobs() *jobs.Manager { return t.jobs }

// Observers returns the tenant's observer host.
func (t *Tenant) Observers() *observer.Host { return t.observers }

// Subscribe starts (or resumes) observer id over log.
func (t *Tenant) Subscribe(ctx context.Context, id string, log *eventlog.Log, sub observer.Subscriber, types ...eventlog.EventTypeID) (*observer.Supervisor, error) {
	return t.observers.Subscribe(ctx, id, log, sub, types...)
}

// Unsubscribe disconnects observer id.
func (t *Tenant) Unsubscribe(ctx context.Context, id string) error {
	return t.observers.Unsubscribe(ctx, id)
}

func (t *Tenant) close() error {
	return errors.Join(t.observers.Close(), t.jobs.Close())
}
