package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(sub Subscriber) []*Event {
	var out []*Event
	for ev := range sub {
		out = append(out, ev)
	}
	return out
}

func TestBrokerDeliversBeforeStop(t *testing.T) {
	b := NewBroker()
	b.Start()
	a, c := b.Subscribe(), b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	for _, msg := range []string{"pulling", "starting", "switching"} {
		b.Publish(&Event{Type: EventReleaseState, Message: msg})
	}
	b.Stop()

	for _, sub := range []Subscriber{a, c} {
		got := collect(sub)
		require.Len(t, got, 3)
		assert.Equal(t, "pulling", got[0].Message)
		assert.Equal(t, "switching", got[2].Message)
		assert.False(t, got[0].Timestamp.IsZero())
	}
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBrokerKeepsTimestamp(t *testing.T) {
	b := NewBroker()
	b.Start()
	sub := b.Subscribe()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.Publish(&Event{Type: EventDrillStep, Timestamp: at})
	b.Stop()

	got := collect(sub)
	require.Len(t, got, 1)
	assert.Equal(t, at, got[0].Timestamp)
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)

	b.Publish(&Event{Type: EventDrillStep})
	b.Stop()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestPublishAfterStopAndNilBroker(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()

	assert.NotPanics(t, func() {
		b.Publish(&Event{Type: EventDrillFinished})
	})

	var nilBroker *Broker
	assert.NotPanics(t, func() {
		nilBroker.Publish(&Event{Type: EventDrillFinished})
	})
}
