package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	ekerrors "github.com/randalmurphal/eventkernel/pkg/eventkernel/errors"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/jobs"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/recovery"
)

// Supervisor drives one observer subscription: its catch-up and replay
// passes, the tail loop while active, and the recovery of failed
// partitions.
//
// Lock order is batchMu before mu.
type Supervisor struct {
	host   *Host
	id     string
	log    *eventlog.Log
	sub    Subscriber
	logger *slog.Logger

	failed *recovery.FailedPartitions
	timers *recovery.Timers

	// batchMu serializes tail batches against recovery commits.
	batchMu sync.Mutex

	mu         sync.Mutex
	state      *State
	subscribed bool
	pass       *catchUpPass
	tail       *tailLoop
	retries    map[eventlog.SourceKey]jobs.JobID
	retrying   map[eventlog.SourceKey]bool
}

type catchUpPass struct {
	id   string
	mode Mode
	to   eventlog.SequenceNumber
	job  jobs.JobID
}

type tailLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newSupervisor(h *Host, id string, log *eventlog.Log, sub Subscriber) *Supervisor {
	return &Supervisor{
		host:     h,
		id:       id,
		log:      log,
		sub:      sub,
		logger:   observability.ObserverLogger(h.logger, id, log.ID().String()),
		failed:   recovery.NewFailedPartitions(),
		timers:   recovery.NewTimers(h.clock),
		state:    NewState(id, log.ID().String()),
		retries:  make(map[eventlog.SourceKey]jobs.JobID),
		retrying: make(map[eventlog.SourceKey]bool),
	}
}

// ID returns the observer id.
func (s *Supervisor) ID() string { return s.id }

// Log returns the log the observer reads.
func (s *Supervisor) Log() *eventlog.Log { return s.log }

// State returns a copy of the current observer state.
func (s *Supervisor) State() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// FailedPartitions returns the partitions under recovery.
func (s *Supervisor) FailedPartitions() []*recovery.Record {
	return s.failed.List()
}

// subscribe loads persisted state and starts a replay or catch-up pass.
func (s *Supervisor) subscribe(ctx context.Context, types []eventlog.EventTypeID) error {
	store := s.host.store
	st, err := store.LoadState(ctx, s.id)
	fresh := errors.Is(err, ErrStateNotFound)
	if err != nil && !fresh {
		return err
	}
	if fresh {
		st = NewState(s.id, s.log.ID().String())
	}
	records, err := store.LoadFailedPartitions(ctx, s.id)
	if err != nil {
		return err
	}

	replay := fresh || !st.SameFilter(types) || st.Log != s.log.ID().String()

	s.mu.Lock()
	s.state = st
	s.state.Log = s.log.ID().String()
	s.subscribed = true
	s.transition(Subscribing)
	if replay {
		s.state.EventTypes = normalizeTypes(types)
		s.state.NextSequenceNumber = eventlog.First
		s.state.LastHandledSequenceNumber = eventlog.Unavailable
	}
	err = s.persist(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if replay {
		for _, r := range records {
			if err := store.RemoveFailedPartition(ctx, s.id, r.Partition); err != nil {
				return err
			}
		}
		return s.startPass(ctx, ModeReplay)
	}

	for _, r := range records {
		s.failed.Update(r.Partition, func() *recovery.Record { return r }, nil)
	}
	for _, r := range records {
		s.logger.Info("resuming recovery of failed partition",
			slog.String("partition", string(r.Partition)),
			slog.Uint64("next_sequence_number", uint64(r.NextSequenceNumberToProcess)),
		)
		s.startRetry(r.Partition)
	}
	return s.startPass(ctx, ModeCatchUp)
}

// StartCatchUp starts a catch-up pass from the current position to the
// current tail. It is a no-op while a pass is running.
func (s *Supervisor) StartCatchUp(ctx context.Context) error {
	s.mu.Lock()
	if !s.subscribed {
		s.mu.Unlock()
		return ErrNotSubscribed
	}
	if s.pass != nil {
		s.mu.Unlock()
		s.logger.Info("catch-up already running")
		return nil
	}
	s.mu.Unlock()

	s.stopTail()
	return s.startPass(ctx, ModeCatchUp)
}

func (s *Supervisor) startPass(ctx context.Context, mode Mode) error {
	s.mu.Lock()
	types := s.state.EventTypes
	s.mu.Unlock()

	tail, err := s.log.GetTailSequenceNumber(ctx, types...)
	if err != nil {
		return fmt.Errorf("observer %s: read tail: %w", s.id, err)
	}

	s.batchMu.Lock()
	s.mu.Lock()
	if s.pass != nil {
		s.mu.Unlock()
		s.batchMu.Unlock()
		s.logger.Info("catch-up already running")
		return nil
	}
	from := s.state.NextSequenceNumber
	if !tail.IsAvailable() || tail < from {
		s.transition(Active)
		err := s.persist(ctx)
		s.startTailLocked()
		s.mu.Unlock()
		s.batchMu.Unlock()
		return err
	}

	pass := &catchUpPass{id: uuid.NewString(), mode: mode, to: tail}
	s.pass = pass
	jobType := JobCatchUp
	if mode == ModeReplay {
		s.transition(Replay)
		jobType = JobReplay
	} else {
		s.transition(CatchingUp)
	}
	if err := s.persist(ctx); err != nil {
		s.pass = nil
		s.mu.Unlock()
		s.batchMu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.batchMu.Unlock()

	jobID, err := jobs.Start(ctx, s.host.manager, jobType, passRequest{
		ObserverID: s.id,
		Pass:       pass.id,
		From:       from,
		To:         tail,
		Mode:       mode,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.pass == pass {
			s.pass = nil
		}
		return fmt.Errorf("observer %s: start %s: %w", s.id, jobType, err)
	}
	if s.pass == pass {
		pass.job = jobID
	}
	return nil
}

// completePass moves the observer to Active once the pass identified by
// passID has handled every partition up to to.
func (s *Supervisor) completePass(ctx context.Context, passID string, to eventlog.SequenceNumber) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.subscribed || s.pass == nil || s.pass.id != passID {
		return nil
	}
	s.pass = nil
	if next := to + 1; next > s.state.NextSequenceNumber {
		s.state.NextSequenceNumber = next
	}
	s.updateLastHandled()
	s.transition(Active)
	err := s.persist(ctx)
	s.startTailLocked()
	return err
}

// ownsPass reports whether passID is the running pass.
func (s *Supervisor) ownsPass(passID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed && s.pass != nil && s.pass.id == passID
}

func (s *Supervisor) isSubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// SkipPartition drops a partition from recovery. Events of the partition
// that were not handled are skipped; later events are delivered by the
// tail loop.
func (s *Supervisor) SkipPartition(ctx context.Context, partition eventlog.SourceKey) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	s.timers.Cancel(partition)
	if !s.failed.Remove(partition) {
		return fmt.Errorf("%w: %s", ErrPartitionNotFailed, partition)
	}
	if err := s.host.store.RemoveFailedPartition(ctx, s.id, partition); err != nil {
		return err
	}
	s.logger.Warn("failed partition skipped", slog.String("partition", string(partition)))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLastHandled()
	return s.persist(ctx)
}

// Unsubscribe stops the tail loop, recovery timers and running jobs and
// marks the observer disconnected.
func (s *Supervisor) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	if !s.subscribed {
		s.mu.Unlock()
		return nil
	}
	s.subscribed = false
	pass := s.pass
	s.pass = nil
	retries := make([]jobs.JobID, 0, len(s.retries))
	for _, id := range s.retries {
		retries = append(retries, id)
	}
	s.mu.Unlock()

	s.stopTail()
	s.timers.CancelAll()

	if pass != nil && pass.job != "" {
		s.stopJob(ctx, pass.job)
	}
	for _, id := range retries {
		s.stopJob(ctx, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transition(Disconnected)
	return s.persist(ctx)
}

// close stops background work without changing the persisted state.
func (s *Supervisor) close() {
	s.mu.Lock()
	s.subscribed = false
	s.pass = nil
	s.mu.Unlock()
	s.stopTail()
	s.timers.CancelAll()
}

func (s *Supervisor) stopJob(ctx context.Context, id jobs.JobID) {
	err := s.host.manager.Stop(ctx, id)
	if err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
		s.logger.Warn("stop observer job failed",
			slog.String("job_id", string(id)),
			slog.Any("error", err),
		)
	}
}

// transition changes the running state. Caller holds mu.
func (s *Supervisor) transition(to RunningState) {
	from := s.state.RunningState
	s.state.RunningState = to
	s.state.UpdatedAt = s.host.clock.Now()
	if from != to {
		observability.LogObserverTransition(s.logger, string(from), string(to), uint64(s.state.NextSequenceNumber))
	}
}

// persist saves the state. Caller holds mu.
func (s *Supervisor) persist(ctx context.Context) error {
	s.state.UpdatedAt = s.host.clock.Now()
	if err := s.host.store.SaveState(context.WithoutCancel(ctx), s.state); err != nil {
		return fmt.Errorf("observer %s: %w", s.id, err)
	}
	return nil
}

// updateLastHandled moves LastHandledSequenceNumber up to the highest
// position below both the tail position and every partition under
// recovery. It never lowers it. Caller holds mu.
func (s *Supervisor) updateLastHandled() {
	candidate := eventlog.Unavailable
	if next := s.state.NextSequenceNumber; next > eventlog.First {
		candidate = next - 1
	}
	if low := s.failed.LowestPending(); low.IsAvailable() {
		if low == eventlog.First {
			return
		}
		if !candidate.IsAvailable() || low-1 < candidate {
			candidate = low - 1
		}
	}
	if !candidate.IsAvailable() {
		return
	}
	if last := s.state.LastHandledSequenceNumber; !last.IsAvailable() || candidate > last {
		s.state.LastHandledSequenceNumber = candidate
	}
}

// recoveryBound is the first position that the tail loop, not recovery,
// delivers.
func (s *Supervisor) recoveryBound() eventlog.SequenceNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	bound := s.state.NextSequenceNumber
	if s.pass != nil && s.pass.to+1 > bound {
		bound = s.pass.to + 1
	}
	return bound
}

func (s *Supervisor) filter(partition eventlog.SourceKey) eventlog.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return eventlog.Filter{EventTypes: s.state.EventTypes, Source: partition}
}

func (s *Supervisor) subscriberContext(partition eventlog.SourceKey, mode Mode) SubscriberContext {
	return SubscriberContext{
		Tenant:     s.host.manager.Tenant(),
		ObserverID: s.id,
		Log:        s.log.ID(),
		Partition:  partition,
		Mode:       mode,
	}
}

type batch struct {
	events []eventlog.AppendedEvent
	next   eventlog.SequenceNumber
}

// readBatch reads one batch at from, retrying transient storage errors.
// An empty batch means nothing matches up to upper.
func (s *Supervisor) readBatch(ctx context.Context, from eventlog.SequenceNumber, filter eventlog.Filter, upper eventlog.SequenceNumber) (batch, error) {
	res := ekerrors.WithRetryContext(ctx, ekerrors.StorageRetry, func(ctx context.Context) (batch, error) {
		cur, err := s.log.GetFromSequenceNumber(ctx, from, filter,
			eventlog.WithBatchSize(s.host.batchSize),
			eventlog.WithUpperBound(upper),
		)
		if err != nil {
			return batch{}, err
		}
		defer cur.Close()
		if !cur.Next(ctx) {
			return batch{}, cur.Err()
		}
		return batch{events: cur.Current(), next: cur.Position()}, nil
	})
	return res.Value, res.Err
}

// deliverBatch hands events of one partition to the subscriber with
// tracing and metrics.
func (s *Supervisor) deliverBatch(ctx context.Context, partition eventlog.SourceKey, mode Mode, events []eventlog.AppendedEvent) Result {
	start := time.Now()
	ctx, span := s.host.spans.StartBatchSpan(ctx, s.id, uint64(events[0].SequenceNumber), len(events))
	res := deliver(ctx, s.sub, events, s.subscriberContext(partition, mode))
	var spanErr error
	if res.Failed {
		spanErr = fmt.Errorf("partition %s failed at %s", partition, res.FailedSequence)
	}
	s.host.spans.EndSpanWithError(span, spanErr)
	s.host.metrics.RecordObserverBatch(ctx, s.id, len(events), time.Since(start), res.Failed)
	return res
}

// failPartition puts partition under recovery and schedules a retry.
func (s *Supervisor) failPartition(ctx context.Context, partition eventlog.SourceKey, res Result) {
	now := s.host.clock.Now()
	policy := s.host.policy
	var delay time.Duration
	rec := s.failed.Update(partition,
		func() *recovery.Record {
			r := recovery.NewRecord(partition, res.FailedSequence, res.Messages, res.StackTrace, now)
			delay = r.Schedule(policy, now)
			return r
		},
		func(r *recovery.Record) {
			r.Failed(res.FailedSequence, res.Messages, res.StackTrace, now)
			delay = r.Schedule(policy, now)
		},
	)

	if err := s.host.store.SaveFailedPartition(context.WithoutCancel(ctx), s.id, rec); err != nil {
		s.logger.Error("save failed partition failed",
			slog.String("partition", string(partition)),
			slog.Any("error", err),
		)
	}
	observability.LogPartitionFailed(s.logger, string(partition), uint64(res.FailedSequence),
		rec.AttemptsSinceInitialized, delay, res.Messages)
	s.host.metrics.RecordPartitionFailure(ctx, s.id, rec.AttemptsSinceInitialized)

	if !s.isSubscribed() {
		return
	}
	s.timers.Schedule(partition, delay, func() { s.startRetry(partition) })
}

// startRetry starts a recovery job for partition.
func (s *Supervisor) startRetry(partition eventlog.SourceKey) {
	s.mu.Lock()
	if !s.subscribed || !s.failed.Has(partition) {
		s.mu.Unlock()
		return
	}
	if s.retrying[partition] {
		s.mu.Unlock()
		s.timers.Schedule(partition, s.host.policy.Delay(0), func() { s.startRetry(partition) })
		return
	}
	s.retrying[partition] = true
	s.mu.Unlock()

	ctx := context.Background()
	id, err := jobs.Start(ctx, s.host.manager, JobRetryPartition, retryRequest{
		ObserverID: s.id,
		Partition:  partition,
	})
	if err != nil {
		s.endRetry(partition)
		s.logger.Error("start partition retry failed",
			slog.String("partition", string(partition)),
			slog.Any("error", err),
		)
		return
	}

	s.mu.Lock()
	if s.retrying[partition] {
		s.retries[partition] = id
	}
	s.mu.Unlock()
}

func (s *Supervisor) endRetry(partition eventlog.SourceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retrying, partition)
	delete(s.retries, partition)
}

// catchUpPartition delivers the events of one partition in [from, to]
// for a catch-up or replay pass, resuming from the step checkpoint.
func (s *Supervisor) catchUpPartition(ctx context.Context, sc *jobs.StepContext, req partitionRequest) error {
	pos := req.From
	var checkpoint eventlog.SequenceNumber
	if ok, err := sc.Checkpoint(&checkpoint); err != nil {
		return err
	} else if ok {
		pos = checkpoint
	}
	filter := s.filter(req.Partition)

	for pos <= req.To {
		if sc.Stopped() || ctx.Err() != nil || !s.ownsPass(req.Pass) {
			return nil
		}
		if s.failed.Has(req.Partition) {
			return nil
		}
		b, err := s.readBatch(ctx, pos, filter, req.To)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.failPartition(ctx, req.Partition, Failed(eventlog.Unavailable, pos, []string{err.Error()}, ""))
			return nil
		}
		if len(b.events) == 0 {
			return nil
		}
		res := s.deliverBatch(ctx, req.Partition, req.Mode, b.events)
		if ctx.Err() != nil {
			return nil
		}
		if res.Failed {
			s.failPartition(ctx, req.Partition, res)
			return nil
		}
		pos = b.next
		if err := sc.SaveCheckpoint(ctx, pos); err != nil {
			return err
		}
	}
	return nil
}

// recoverPartition redelivers a failed partition from its recorded
// position until it reaches the tail position, then returns it to the
// tail loop.
//
// The retry slot is released before a new failure is recorded, so the
// next attempt scheduled by failPartition owns the slot alone.
func (s *Supervisor) recoverPartition(ctx context.Context, sc *jobs.StepContext, partition eventlog.SourceKey) error {
	res, err := func() (*Result, error) {
		defer s.endRetry(partition)
		return s.redeliver(ctx, sc, partition)
	}()
	if res != nil {
		s.failPartition(ctx, partition, *res)
	}
	return err
}

// redeliver runs one recovery attempt. A non-nil Result is the failure
// that ended it.
func (s *Supervisor) redeliver(ctx context.Context, sc *jobs.StepContext, partition eventlog.SourceKey) (*Result, error) {
	rec, ok := s.failed.Get(partition)
	if !ok {
		return nil, nil
	}
	pos := rec.NextSequenceNumberToProcess
	filter := s.filter(partition)

	for {
		if sc.Stopped() || ctx.Err() != nil || !s.isSubscribed() {
			return nil, nil
		}
		if !s.failed.Has(partition) {
			return nil, nil
		}

		bound := s.recoveryBound()
		var b batch
		if pos < bound {
			var err error
			b, err = s.readBatch(ctx, pos, filter, bound-1)
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil
				}
				res := Failed(eventlog.Unavailable, pos, []string{err.Error()}, "")
				return &res, nil
			}
		}
		if len(b.events) == 0 {
			if s.commitRecovery(ctx, partition, bound) {
				return nil, nil
			}
			continue
		}

		res := s.deliverBatch(ctx, partition, ModeRecovery, b.events)
		if ctx.Err() != nil {
			return nil, nil
		}
		if res.Failed {
			return &res, nil
		}
		pos = b.next
		if updated, ok := s.failed.Modify(partition, func(r *recovery.Record) { r.Progressed(pos) }); ok {
			if err := s.host.store.SaveFailedPartition(context.WithoutCancel(ctx), s.id, updated); err != nil {
				return nil, err
			}
		}
	}
}

// commitRecovery removes partition from recovery when the tail position
// is still bound. It reports false when the tail moved meanwhile.
func (s *Supervisor) commitRecovery(ctx context.Context, partition eventlog.SourceKey, bound eventlog.SequenceNumber) bool {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if s.recoveryBound() != bound {
		return false
	}
	if !s.failed.Remove(partition) {
		return true
	}
	s.timers.Cancel(partition)
	if err := s.host.store.RemoveFailedPartition(context.WithoutCancel(ctx), s.id, partition); err != nil {
		s.logger.Error("remove failed partition failed",
			slog.String("partition", string(partition)),
			slog.Any("error", err),
		)
	}
	observability.LogPartitionRecovered(s.logger, string(partition), uint64(bound))
	s.host.metrics.RecordPartitionRecovered(ctx, s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLastHandled()
	if err := s.persist(ctx); err != nil {
		s.logger.Error("save observer state failed", slog.Any("error", err))
	}
	return true
}
