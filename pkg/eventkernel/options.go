package eventkernel

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/config"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/pebblestore"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/recovery"
)

// options holds the configuration collected by Open.
type options struct {
	dataDir        string
	fsync          pebblestore.FsyncMode
	fsyncInterval  time.Duration
	batchSize      int
	pollInterval   time.Duration
	retry          recovery.Policy
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	storageMetrics pebblestore.MetricsHook
	clock          recovery.Clock
	types          []eventTypeDecl
	logs           []logDecl
}

type eventTypeDecl struct {
	id          string
	description string
}

type logDecl struct {
	store, namespace, sequence string
	types                      []string
}

func defaultOptions() options {
	return options{
		fsync:         pebblestore.FsyncModeInterval,
		fsyncInterval: 5 * time.Millisecond,
		pollInterval:  time.Second,
		retry:         recovery.DefaultPolicy,
		clock:         recovery.SystemClock{},
	}
}

// Option configures a Kernel.
type Option func(*options)

// WithDataDir sets the directory holding the event store and the state
// database. Required.
func WithDataDir(dir string) Option {
	return func(o *options) { o.dataDir = dir }
}

// WithFsync sets the durability policy of appends.
// Default: FsyncModeInterval with a 5ms window.
func WithFsync(mode pebblestore.FsyncMode, interval time.Duration) Option {
	return func(o *options) {
		if mode != pebblestore.FsyncModeUnspecified {
			o.fsync = mode
		}
		if interval > 0 {
			o.fsyncInterval = interval
		}
	}
}

// WithBatchSize sets how many events a cursor or observer batch holds.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithPollInterval sets how often an Active observer polls the log when no
// append notification arrives. Default: 1s.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithRetryPolicy sets the backoff for failed partitions.
// Default: recovery.DefaultPolicy (1s, 2s, 4s, ... without a cap).
func WithRetryPolicy(p recovery.Policy) Option {
	return func(o *options) { o.retry = p }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics enables OpenTelemetry metrics.
//
// Example:
//
//	k, err := eventkernel.Open(
//	    eventkernel.WithDataDir(dir),
//	    eventkernel.WithMetrics(observability.NewMetricsRecorder()),
//	)
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithSpans enables OpenTelemetry tracing.
func WithSpans(spans observability.SpanManager) Option {
	return func(o *options) { o.spans = spans }
}

// WithStorageMetrics observes Pebble reads and commits, typically through
// observability.NewStorageMetrics.
func WithStorageMetrics(hook pebblestore.MetricsHook) Option {
	return func(o *options) { o.storageMetrics = hook }
}

// WithClock replaces the wall clock used for job timestamps and retry
// timers.
func WithClock(clock recovery.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithEventType registers an event type accepted by every log.
func WithEventType(id, description string) Option {
	return func(o *options) {
		o.types = append(o.types, eventTypeDecl{id: id, description: description})
	}
}

// WithLog defines a log at Open, registering its event types.
func WithLog(store, namespace, sequence string, eventTypes ...string) Option {
	return func(o *options) {
		o.logs = append(o.logs, logDecl{store: store, namespace: namespace, sequence: sequence, types: eventTypes})
	}
}

// FromSettings applies resolved file and environment settings.
func FromSettings(s config.Settings) Option {
	return func(o *options) {
		o.dataDir = s.DataDir
		WithFsync(pebblestore.ParseFsyncMode(s.Fsync), s.FsyncInterval)(o)
		WithBatchSize(s.BatchSize)(o)
		WithPollInterval(s.PollInterval)(o)
		o.retry = recovery.Policy{Base: s.RetryBase, Max: s.RetryMax}
		for _, seq := range s.Sequences {
			WithLog(seq.Store, seq.Namespace, seq.Sequence, seq.EventTypes...)(o)
		}
	}
}
