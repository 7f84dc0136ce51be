// Package observer runs observers over an event log.
//
// An observer moves through Subscribing, then Replay (new or changed event
// type filter) or CatchingUp (same filter), then Active. Catch-up and
// replay passes run as jobs with one step per partition. While Active a
// tail loop delivers new events as they are appended. A partition whose
// subscriber fails is isolated and retried with exponential backoff while
// the other partitions keep advancing.
//
//	host, err := observer.NewHost(manager, observer.NewMemoryStateStore())
//	sup, err := host.Subscribe(ctx, "orders-projection", log, sub, "OrderPlaced")
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/jobs"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/recovery"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/registry"
)

// Job and step types registered by NewHost.
const (
	JobCatchUp          = "catch-up-observer"
	JobReplay           = "replay-observer"
	JobRetryPartition   = "retry-failed-partition"
	StepHandlePartition = "handle-events-for-partition"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 256
)

type passRequest struct {
	ObserverID string                  `json:"observer_id"`
	Pass       string                  `json:"pass"`
	From       eventlog.SequenceNumber `json:"from"`
	To         eventlog.SequenceNumber `json:"to"`
	Mode       Mode                    `json:"mode"`
}

type retryRequest struct {
	ObserverID string             `json:"observer_id"`
	Partition  eventlog.SourceKey `json:"partition"`
}

type partitionRequest struct {
	ObserverID string                  `json:"observer_id"`
	Pass       string                  `json:"pass,omitempty"`
	Partition  eventlog.SourceKey      `json:"partition"`
	From       eventlog.SequenceNumber `json:"from"`
	To         eventlog.SequenceNumber `json:"to"`
	Mode       Mode                    `json:"mode"`
}

// Host owns the observers of one tenant, one supervisor per observer id.
type Host struct {
	manager *jobs.Manager
	store   StateStore
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	clock   recovery.Clock
	policy  recovery.Policy

	pollInterval time.Duration
	batchSize    int

	supervisors *registry.Entities[string, *Supervisor]
}

// NewHost creates a host that runs its passes and retries on manager.
func NewHost(manager *jobs.Manager, store StateStore) (*Host, error) {
	h := &Host{
		manager:      manager,
		store:        store,
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		spans:        observability.NoopSpanManager{},
		clock:        recovery.SystemClock{},
		policy:       recovery.DefaultPolicy,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		supervisors:  registry.New[string, *Supervisor](),
	}
	if err := h.register(); err != nil {
		return nil, err
	}
	return h, nil
}

// WithLogger sets the logger.
func (h *Host) WithLogger(logger *slog.Logger) *Host {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// WithMetrics sets the metrics recorder.
func (h *Host) WithMetrics(metrics observability.MetricsRecorder) *Host {
	h.metrics = observability.OrNoop(metrics)
	return h
}

// WithSpans sets the span manager.
func (h *Host) WithSpans(spans observability.SpanManager) *Host {
	h.spans = observability.SpansOrNoop(spans)
	return h
}

// WithClock sets the clock used for retry timers.
func (h *Host) WithClock(clock recovery.Clock) *Host {
	if clock != nil {
		h.clock = clock
	}
	return h
}

// WithRetryPolicy sets the backoff policy for failed partitions.
func (h *Host) WithRetryPolicy(p recovery.Policy) *Host {
	h.policy = p
	return h
}

// WithPollInterval sets how often the tail loop polls when no append
// notification arrives.
func (h *Host) WithPollInterval(d time.Duration) *Host {
	if d > 0 {
		h.pollInterval = d
	}
	return h
}

// WithBatchSize sets the number of events read per batch.
func (h *Host) WithBatchSize(n int) *Host {
	if n > 0 {
		h.batchSize = n
	}
	return h
}

// Subscribe starts observer id on log. types restricts the event types
// delivered; none means all. An observer seen before with the same filter
// catches up from its persisted position; otherwise it replays the log.
func (h *Host) Subscribe(ctx context.Context, id string, log *eventlog.Log, sub Subscriber, types ...eventlog.EventTypeID) (*Supervisor, error) {
	if sub == nil {
		return nil, ErrNilSubscriber
	}
	if err := log.Types().Validate(types...); err != nil {
		return nil, err
	}
	sup := newSupervisor(h, id, log, sub)
	if !h.supervisors.TryRegister(id, sup) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, id)
	}
	if err := sup.subscribe(ctx, types); err != nil {
		sup.close()
		h.supervisors.Delete(id)
		return nil, err
	}
	return sup, nil
}

// Unsubscribe disconnects observer id.
func (h *Host) Unsubscribe(ctx context.Context, id string) error {
	sup, ok := h.supervisors.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, id)
	}
	defer h.supervisors.Delete(id)
	return sup.Unsubscribe(ctx)
}

// Get returns the supervisor of a subscribed observer.
func (h *Host) Get(id string) (*Supervisor, bool) {
	return h.supervisors.Get(id)
}

// Supervisor is Get for callers that want an error: ErrNotSubscribed when
// id has no live supervisor.
func (h *Host) Supervisor(id string) (*Supervisor, error) {
	sup, ok := h.supervisors.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSubscribed, id)
	}
	return sup, nil
}

// States returns the persisted state of every observer of the tenant,
// subscribed or not.
func (h *Host) States(ctx context.Context) ([]*State, error) {
	return h.store.ListStates(ctx)
}

// FailedPartitions returns the persisted failed partitions of an observer.
func (h *Host) FailedPartitions(ctx context.Context, id string) ([]*recovery.Record, error) {
	if sup, ok := h.supervisors.Get(id); ok {
		return sup.FailedPartitions(), nil
	}
	return h.store.LoadFailedPartitions(ctx, id)
}

// Snapshots reports subscribed observers for metrics export.
func (h *Host) Snapshots() []observability.ObserverSnapshot {
	sups := h.supervisors.Values()
	out := make([]observability.ObserverSnapshot, 0, len(sups))
	for _, sup := range sups {
		st := sup.State()
		out = append(out, observability.ObserverSnapshot{
			Tenant:             h.manager.Tenant(),
			ObserverID:         st.ObserverID,
			Sequence:           st.Log,
			RunningState:       string(st.RunningState),
			NextSequenceNumber: uint64(st.NextSequenceNumber),
			FailedPartitions:   sup.failed.Len(),
		})
	}
	return out
}

// Close stops every supervisor without marking observers disconnected.
// Their jobs are left to the jobs manager.
func (h *Host) Close() error {
	for _, id := range h.supervisors.Keys() {
		if sup, ok := h.supervisors.Delete(id); ok {
			sup.close()
		}
	}
	return nil
}

func (h *Host) register() error {
	for _, def := range []jobs.Definition{
		{
			Type:         JobCatchUp,
			PrepareSteps: h.preparePass,
			OnCompleted:  h.passCompleted,
			CanResume:    h.canResumePass,
		},
		{
			Type:         JobReplay,
			PrepareSteps: h.preparePass,
			OnCompleted:  h.passCompleted,
			CanResume:    h.canResumePass,
		},
		{
			Type:                 JobRetryPartition,
			PrepareSteps:         h.prepareRetry,
			CanResume:            h.canResumeRetry,
			RemoveAfterCompleted: true,
		},
	} {
		if err := h.manager.Register(def); err != nil {
			return err
		}
	}
	return h.manager.RegisterStep(StepHandlePartition, &partitionHandler{host: h})
}

func (h *Host) preparePass(ctx context.Context, job *jobs.JobState) ([]jobs.StepSpec, error) {
	req, err := jobs.RequestOf[passRequest](job)
	if err != nil {
		return nil, err
	}
	sup, ok := h.supervisors.Get(req.ObserverID)
	if !ok || !sup.ownsPass(req.Pass) {
		return nil, nil
	}
	partitions, err := sup.log.Partitions(ctx, req.From, sup.filter("").EventTypes...)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	specs := make([]jobs.StepSpec, 0, len(partitions))
	for _, p := range partitions {
		if sup.failed.Has(p) {
			continue
		}
		specs = append(specs, jobs.StepSpec{
			Type: StepHandlePartition,
			Name: string(p),
			Request: partitionRequest{
				ObserverID: req.ObserverID,
				Pass:       req.Pass,
				Partition:  p,
				From:       req.From,
				To:         req.To,
				Mode:       req.Mode,
			},
		})
	}
	return specs, nil
}

func (h *Host) passCompleted(ctx context.Context, job *jobs.JobState, _ []*jobs.StepState) error {
	req, err := jobs.RequestOf[passRequest](job)
	if err != nil {
		return err
	}
	sup, ok := h.supervisors.Get(req.ObserverID)
	if !ok {
		return nil
	}
	return sup.completePass(ctx, req.Pass, req.To)
}

// canResumePass refuses passes of observers that resubscribed or went
// away; a new subscription starts its own pass.
func (h *Host) canResumePass(_ context.Context, job *jobs.JobState) (bool, error) {
	req, err := jobs.RequestOf[passRequest](job)
	if err != nil {
		return false, err
	}
	sup, ok := h.supervisors.Get(req.ObserverID)
	return ok && sup.ownsPass(req.Pass), nil
}

func (h *Host) prepareRetry(_ context.Context, job *jobs.JobState) ([]jobs.StepSpec, error) {
	req, err := jobs.RequestOf[retryRequest](job)
	if err != nil {
		return nil, err
	}
	return []jobs.StepSpec{{
		Type: StepHandlePartition,
		Name: string(req.Partition),
		Request: partitionRequest{
			ObserverID: req.ObserverID,
			Partition:  req.Partition,
			From:       eventlog.Unavailable,
			To:         eventlog.Unavailable,
			Mode:       ModeRecovery,
		},
	}}, nil
}

func (h *Host) canResumeRetry(_ context.Context, job *jobs.JobState) (bool, error) {
	req, err := jobs.RequestOf[retryRequest](job)
	if err != nil {
		return false, err
	}
	sup, ok := h.supervisors.Get(req.ObserverID)
	return ok && sup.isSubscribed() && sup.failed.Has(req.Partition), nil
}

// partitionHandler performs handle-events-for-partition steps.
type partitionHandler struct {
	host *Host
}

func (p *partitionHandler) Perform(ctx context.Context, sc *jobs.StepContext) (any, error) {
	req, err := jobs.StepRequest[partitionRequest](sc)
	if err != nil {
		return nil, err
	}
	sup, ok := p.host.supervisors.Get(req.ObserverID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSubscribed, req.ObserverID)
	}
	if req.Mode == ModeRecovery {
		return nil, sup.recoverPartition(ctx, sc, req.Partition)
	}
	return nil, sup.catchUpPartition(ctx, sc, req)
}
