package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"clawdeck/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus.
//
// Publish dispatches inline on the caller's goroutine: all-event subscribers
// first, then name subscribers, each in subscription order. Two events
// published from the same goroutine are therefore observed by every subscriber
// in publish order, with no reordering or batching. A slow handler delays the
// next event; handlers are expected to be non-blocking.
type Bus struct {
	mu      sync.RWMutex
	named   map[domain.EventType][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		named:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish fans out an event to all-event subscribers and matching name
// subscribers. Panicking handlers are recovered so one broken subscriber
// cannot take down the publisher.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	allSubs := make([]subscription, len(b.allSubs))
	copy(allSubs, b.allSubs)
	named := make([]subscription, len(b.named[event.Name]))
	copy(named, b.named[event.Name])
	b.mu.RUnlock()

	for _, sub := range allSubs {
		b.dispatch(ctx, event, sub)
	}
	for _, sub := range named {
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Name),
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, event)
}

// Subscribe registers a handler for a specific event name.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(name domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.named[name] = append(b.named[name], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.named[name]
		for i, s := range subs {
			if s.id == id {
				b.named[name] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Close prevents new publishes. Dispatch is synchronous, so once Publish
// returns there is nothing in flight to drain. Close is idempotent.
func (b *Bus) Close() {
	b.closed.Store(true)
}
