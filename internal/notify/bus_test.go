package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("acct-1")
	b := bus.Subscribe("acct-1")
	other := bus.Subscribe("acct-2")

	bus.Publish("acct-1", Event{Type: "balance.growth", Data: "x"})

	for _, ch := range []chan Event{a, b} {
		select {
		case evt := <-ch:
			assert.Equal(t, "balance.growth", evt.Type)
			assert.Equal(t, "acct-1", evt.AccountID)
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
	select {
	case <-other:
		t.Fatal("event leaked to another account's subscriber")
	default:
	}
}

func TestAtMostOncePerSubscriber(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("acct-1")
	bus.Publish("acct-1", Event{Type: "e"})
	<-ch
	select {
	case <-ch:
		t.Fatal("received a second copy")
	default:
	}
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	bus := NewBus()
	bus.Publish("acct-1", Event{Type: "early"})
	ch := bus.Subscribe("acct-1")
	select {
	case <-ch:
		t.Fatal("late subscriber must not see earlier events")
	default:
	}
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("acct-1")
	// one more than the buffer; the extra event is dropped, not queued
	for i := 0; i < cap(ch)+1; i++ {
		bus.Publish("acct-1", Event{Type: "e"})
	}
	assert.Len(t, ch, cap(ch))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("acct-1")
	require.Equal(t, 1, bus.Subscribers("acct-1"))
	bus.Unsubscribe("acct-1", ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers("acct-1"))

	// double unsubscribe must not panic
	bus.Unsubscribe("acct-1", ch)
}
