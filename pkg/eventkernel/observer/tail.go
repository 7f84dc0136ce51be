package observer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
)

// startTailLocked starts the tail loop if it is not running. Caller holds
// mu.
func (s *Supervisor) startTailLocked() {
	if s.tail != nil || !s.subscribed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &tailLoop{cancel: cancel, done: make(chan struct{})}
	s.tail = t
	go s.runTail(ctx, t)
}

// stopTail stops the tail loop and waits for it to exit.
func (s *Supervisor) stopTail() {
	s.mu.Lock()
	t := s.tail
	s.tail = nil
	s.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (s *Supervisor) runTail(ctx context.Context, t *tailLoop) {
	defer close(t.done)
	ticker := time.NewTicker(s.host.pollInterval)
	defer ticker.Stop()

	for {
		notify := s.log.Notify()
		if err := s.drainTail(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, eventlog.ErrLogClosed) {
				s.logger.Info("log closed, tail loop stopped")
				return
			}
			s.logger.Error("tail read failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-notify:
		case <-ticker.C:
		}
	}
}

// drainTail delivers every available batch from the current position.
func (s *Supervisor) drainTail(ctx context.Context) error {
	for {
		s.mu.Lock()
		from := s.state.NextSequenceNumber
		types := s.state.EventTypes
		s.mu.Unlock()

		b, err := s.readBatch(ctx, from, eventlog.Filter{EventTypes: types}, eventlog.Unavailable)
		if err != nil {
			return err
		}
		if len(b.events) == 0 {
			return nil
		}
		if err := s.handleTailBatch(ctx, from, b); err != nil {
			return err
		}
	}
}

type partitionBatch struct {
	partition eventlog.SourceKey
	events    []eventlog.AppendedEvent
	result    Result
}

// groupByPartition splits events per source in order of first appearance,
// leaving out partitions under recovery.
func (s *Supervisor) groupByPartition(events []eventlog.AppendedEvent) []*partitionBatch {
	var groups []*partitionBatch
	index := make(map[eventlog.SourceKey]*partitionBatch)
	for _, ev := range events {
		if s.failed.Has(ev.Source) {
			continue
		}
		g, ok := index[ev.Source]
		if !ok {
			g = &partitionBatch{partition: ev.Source}
			index[ev.Source] = g
			groups = append(groups, g)
		}
		g.events = append(g.events, ev)
	}
	return groups
}

// handleTailBatch delivers one batch, partitions in parallel, and advances
// the position past it. Failing partitions go to recovery.
func (s *Supervisor) handleTailBatch(ctx context.Context, from eventlog.SequenceNumber, b batch) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	s.mu.Lock()
	moved := s.state.NextSequenceNumber != from || s.pass != nil
	s.mu.Unlock()
	if moved {
		return nil
	}

	groups := s.groupByPartition(b.events)
	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g *partitionBatch) {
			defer wg.Done()
			g.result = s.deliverBatch(ctx, g.partition, ModeTailing, g.events)
		}(g)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, g := range groups {
		if g.result.Failed {
			s.failPartition(ctx, g.partition, g.result)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b.next > s.state.NextSequenceNumber {
		s.state.NextSequenceNumber = b.next
	}
	s.updateLastHandled()
	return s.persist(ctx)
}
