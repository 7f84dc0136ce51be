/*
Package eventkernel is an embeddable event-sourcing kernel.

A Kernel owns one data directory. Events are appended to gapless,
partitioned logs stored in Pebble; jobs and observer state live in a SQLite
database next to them. Observers read a log through a subscriber, catch up
or replay through jobs, then tail new appends. A partition whose subscriber
fails is isolated and retried with exponential backoff while the rest of the
log keeps flowing.

# Quick start

	k, err := eventkernel.Open(
	    eventkernel.WithDataDir("/var/lib/orders"),
	    eventkernel.WithLog("default", "main", "orders", "order-placed", "order-shipped"),
	)
	if err != nil {
	    return err
	}
	defer k.Close()

	log, _ := k.Log(eventlog.SequenceID{Store: "default", Namespace: "main", Sequence: "orders"})
	seq, err := log.Append(ctx, "order-42", eventlog.Event{
	    Type:    "order-placed",
	    Content: json.RawMessage(`{"total": 120}`),
	})

# Observers

Observers are scoped to a tenant:

	tenant, err := k.Tenant(ctx, "default")
	sup, err := tenant.Subscribe(ctx, "order-projection", log,
	    observer.PerEvent(func(ctx context.Context, ev eventlog.AppendedEvent, _ observer.SubscriberContext) error {
	        return project(ctx, ev)
	    }),
	    "order-placed",
	)

Delivery is at least once and ordered within a partition (source key).
Subscribers must be idempotent.

# Packages

  - eventlog: append, read, tail and redact one log
  - observer: observer state machine, supervisors and the per-tenant host
  - jobs: resumable multi-step jobs with checkpoints
  - recovery: failed partition records and backoff timers
  - filter: CEL predicates over events
  - archive: JSON lines export and import through blob storage
  - config: YAML/JSON settings with environment overrides
  - observability: slog helpers, OpenTelemetry metrics and tracing, Prometheus
*/
package eventkernel
