// Package bus delivers state-change notifications to subscribers.
//
// Delivery is synchronous: Publish calls every matching handler in
// subscription order before it returns, so notifications from one publisher
// reach a handler in the order they were published. Handlers must return
// quickly; the controller's handler only enqueues work.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Value is the content of a state at the time of a change.
type Value struct {
	Val  string `json:"val"`
	Ack  bool   `json:"ack"`
	TS   int64  `json:"ts"`
	From string `json:"from,omitempty"`
}

// Notification reports that the state ID now holds State.
type Notification struct {
	ID    string
	State Value
}

// Handler receives notifications for one state ID.
type Handler func(ctx context.Context, n Notification)

type subscription struct {
	id      uint64
	stateID string
	handler Handler
}

// Bus is an in-process publish/subscribe hub keyed by exact state ID.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers h for notifications whose ID equals stateID exactly.
// The returned function removes the subscription; it is safe to call more
// than once.
func (b *Bus) Subscribe(stateID string, h Handler) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, stateID: stateID, handler: h})
	b.mu.Unlock()

	slog.Debug("bus: subscribed", "state", stateID, "subscription", id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers n to every subscriber of n.ID and returns the number of
// handlers called.
func (b *Bus) Publish(ctx context.Context, n Notification) int {
	b.mu.RLock()
	var matched []Handler
	for _, s := range b.subs {
		if s.stateID == n.ID {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(ctx, n)
	}
	return len(matched)
}

// Subscribers returns the number of subscriptions for stateID.
func (b *Bus) Subscribers(stateID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.stateID == stateID {
			n++
		}
	}
	return n
}
