package observer

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
)

// Mode tells a subscriber why it receives a batch.
type Mode string

const (
	ModeTailing  Mode = "tailing"
	ModeCatchUp  Mode = "catch_up"
	ModeReplay   Mode = "replay"
	ModeRecovery Mode = "recovery"
)

// SubscriberContext describes one delivery.
type SubscriberContext struct {
	Tenant     string
	ObserverID string
	Log        eventlog.SequenceID
	Partition  eventlog.SourceKey
	Mode       Mode
}

// Subscriber receives batches of events that all belong to one partition,
// in sequence order. It may be called concurrently for different
// partitions and must tolerate redelivery of events it already handled.
type Subscriber interface {
	OnNext(ctx context.Context, events []eventlog.AppendedEvent, sc SubscriberContext) Result
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, events []eventlog.AppendedEvent, sc SubscriberContext) Result

func (f SubscriberFunc) OnNext(ctx context.Context, events []eventlog.AppendedEvent, sc SubscriberContext) Result {
	return f(ctx, events, sc)
}

// Result is the outcome of one delivery.
type Result struct {
	// LastHandled is the last sequence number handled successfully, or
	// Unavailable when none was.
	LastHandled eventlog.SequenceNumber
	Failed      bool
	// FailedSequence is the sequence number that could not be handled.
	FailedSequence eventlog.SequenceNumber
	Messages       []string
	StackTrace     string
}

// Ok reports a batch handled up to and including last.
func Ok(last eventlog.SequenceNumber) Result {
	return Result{LastHandled: last, FailedSequence: eventlog.Unavailable}
}

// Failed reports a failure at failedSeq after handling up to last.
func Failed(last, failedSeq eventlog.SequenceNumber, messages []string, stack string) Result {
	return Result{
		LastHandled:    last,
		Failed:         true,
		FailedSequence: failedSeq,
		Messages:       messages,
		StackTrace:     stack,
	}
}

// PerEvent turns a per-event handler into a Subscriber. It stops at the
// first error or panic and reports the failing event.
func PerEvent(handle func(ctx context.Context, ev eventlog.AppendedEvent, sc SubscriberContext) error) Subscriber {
	return SubscriberFunc(func(ctx context.Context, events []eventlog.AppendedEvent, sc SubscriberContext) Result {
		last := eventlog.Unavailable
		for _, ev := range events {
			if err := callHandler(ctx, handle, ev, sc); err != nil {
				return Failed(last, ev.SequenceNumber, []string{err.Error()}, stackOf(err))
			}
			last = ev.SequenceNumber
		}
		return Ok(last)
	})
}

// panicError carries the stack of a recovered panic.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("subscriber panicked: %v", e.value) }

func stackOf(err error) string {
	if p, ok := err.(*panicError); ok {
		return p.stack
	}
	return ""
}

func callHandler(ctx context.Context, handle func(context.Context, eventlog.AppendedEvent, SubscriberContext) error, ev eventlog.AppendedEvent, sc SubscriberContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return handle(ctx, ev, sc)
}

// deliver calls the subscriber and normalizes its result against the batch.
// A panic becomes a failure at the first event.
func deliver(ctx context.Context, sub Subscriber, events []eventlog.AppendedEvent, sc SubscriberContext) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(eventlog.Unavailable, events[0].SequenceNumber,
				[]string{fmt.Sprintf("subscriber panicked: %v", r)}, string(debug.Stack()))
		}
	}()
	res = sub.OnNext(ctx, events, sc)
	if !res.Failed {
		res.LastHandled = events[len(events)-1].SequenceNumber
		res.FailedSequence = eventlog.Unavailable
		return res
	}
	if !res.FailedSequence.IsAvailable() {
		res.FailedSequence = firstAfter(events, res.LastHandled)
	}
	return res
}

// firstAfter returns the first sequence number in events greater than last.
func firstAfter(events []eventlog.AppendedEvent, last eventlog.SequenceNumber) eventlog.SequenceNumber {
	for _, ev := range events {
		if !last.IsAvailable() || ev.SequenceNumber > last {
			return ev.SequenceNumber
		}
	}
	return events[0].SequenceNumber
}
