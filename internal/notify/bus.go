package notify

import (
	"sync"
)

type Event struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	Data      any    `json:"data"`
}

// Bus fans events out to the live connections of a single account. Delivery
// is at-most-once: a subscriber whose buffer is full misses the event, and
// there is no replay for late subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan Event]struct{})}
}

func (b *Bus) Subscribe(accountID string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	set, ok := b.subs[accountID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[accountID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(accountID string, ch chan Event) {
	b.mu.Lock()
	if set, ok := b.subs[accountID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(b.subs, accountID)
		}
	}
	b.mu.Unlock()
}

// Publish never blocks the caller.
func (b *Bus) Publish(accountID string, evt Event) {
	evt.AccountID = accountID
	b.mu.RLock()
	for ch := range b.subs[accountID] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}

func (b *Bus) Subscribers(accountID string) int {
	b.mu.RLock()
	n := len(b.subs[accountID])
	b.mu.RUnlock()
	return n
}
