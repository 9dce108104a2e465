// Package bus implements the in-process event hub: synchronous fan-out
// to listeners plus a bounded replay history for late subscribers.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/nyxandro/remote-vibe-station-sub000/pkg/events"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/logger"
)

// DefaultHistory is the ring-buffer capacity used when none is configured.
const DefaultHistory = 200

type subscription struct {
	fn      func(events.Envelope)
	removed atomic.Bool
}

// EventBus fans envelopes out to listeners in subscription order and keeps
// a fixed-size history ring, oldest entries evicted first. Publishing never
// blocks and never drops due to slow listeners; a panicking listener is
// isolated and does not affect the publisher or other listeners.
type EventBus struct {
	mu        sync.Mutex
	listeners []*subscription
	history   []events.Envelope
	capacity  int
}

// NewEventBus creates a bus with the given history capacity.
// A non-positive capacity falls back to DefaultHistory.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = DefaultHistory
	}
	return &EventBus{
		history:  make([]events.Envelope, 0, capacity),
		capacity: capacity,
	}
}

// Publish appends the envelope to the history ring and synchronously
// invokes every live listener.
func (b *EventBus) Publish(env events.Envelope) {
	b.mu.Lock()
	if len(b.history) == b.capacity {
		copy(b.history, b.history[1:])
		b.history[len(b.history)-1] = env
	} else {
		b.history = append(b.history, env)
	}
	batch := make([]*subscription, len(b.listeners))
	copy(batch, b.listeners)
	b.mu.Unlock()

	for _, sub := range batch {
		// A listener unsubscribed mid-publish must not see the rest of
		// this batch either, hence the per-invoke liveness check.
		if sub.removed.Load() {
			continue
		}
		b.dispatch(sub, env)
	}
}

func (b *EventBus) dispatch(sub *subscription, env events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("bus", "Listener panic recovered", map[string]any{
				"event": env.Type,
				"panic": r,
			})
		}
	}()
	sub.fn(env)
}

// Subscribe registers a listener and returns its unsubscribe closure.
// Unsubscribing twice, or from inside a listener, is safe.
func (b *EventBus) Subscribe(fn func(events.Envelope)) func() {
	sub := &subscription{fn: fn}
	b.mu.Lock()
	b.listeners = append(b.listeners, sub)
	b.mu.Unlock()

	return func() {
		if !sub.removed.CompareAndSwap(false, true) {
			return
		}
		b.mu.Lock()
		for i, s := range b.listeners {
			if s == sub {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
}

// Replay returns a snapshot copy of the current history, oldest first.
func (b *EventBus) Replay() []events.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Envelope, len(b.history))
	copy(out, b.history)
	return out
}
