package observer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observer"
)

func TestPerEvent(t *testing.T) {
	events := []eventlog.AppendedEvent{
		{SequenceNumber: 3, Source: "a"},
		{SequenceNumber: 5, Source: "a"},
		{SequenceNumber: 8, Source: "a"},
	}
	ctx := context.Background()

	t.Run("all handled", func(t *testing.T) {
		sub := observer.PerEvent(func(context.Context, eventlog.AppendedEvent, observer.SubscriberContext) error {
			return nil
		})
		res := sub.OnNext(ctx, events, observer.SubscriberContext{})
		assert.False(t, res.Failed)
		assert.Equal(t, eventlog.SequenceNumber(8), res.LastHandled)
	})

	t.Run("stops at first error", func(t *testing.T) {
		var handled []eventlog.SequenceNumber
		sub := observer.PerEvent(func(_ context.Context, ev eventlog.AppendedEvent, _ observer.SubscriberContext) error {
			if ev.SequenceNumber == 5 {
				return errors.New("bad event")
			}
			handled = append(handled, ev.SequenceNumber)
			return nil
		})
		res := sub.OnNext(ctx, events, observer.SubscriberContext{})
		assert.True(t, res.Failed)
		assert.Equal(t, eventlog.SequenceNumber(3), res.LastHandled)
		assert.Equal(t, eventlog.SequenceNumber(5), res.FailedSequence)
		assert.Equal(t, []string{"bad event"}, res.Messages)
		assert.Equal(t, []eventlog.SequenceNumber{3}, handled)
	})

	t.Run("panic becomes failure", func(t *testing.T) {
		sub := observer.PerEvent(func(context.Context, eventlog.AppendedEvent, observer.SubscriberContext) error {
			panic("nil projection")
		})
		res := sub.OnNext(ctx, events, observer.SubscriberContext{})
		assert.True(t, res.Failed)
		assert.False(t, res.LastHandled.IsAvailable())
		assert.Equal(t, eventlog.SequenceNumber(3), res.FailedSequence)
		assert.Contains(t, res.Messages[0], "nil projection")
		assert.NotEmpty(t, res.StackTrace)
	})
}
