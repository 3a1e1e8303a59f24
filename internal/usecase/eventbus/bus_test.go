package eventbus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"clawdeck/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(name domain.EventType) domain.Event {
	return domain.Event{Name: name, ReceivedAt: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe("chat.message", func(_ context.Context, e domain.Event) {
		if e.Name == "chat.message" {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent("chat.message"))
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent("chat.message"))
	bus.Publish(context.Background(), newEvent("presence.update"))
	bus.Publish(context.Background(), newEvent(domain.EventGatewayConnected))
	if got.Load() != 3 {
		t.Fatalf("expected 3, got %d", got.Load())
	}
}

func TestNoMatchingSubscriber(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe("chat.message", func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent("presence.update"))
	if got.Load() != 0 {
		t.Fatalf("expected 0, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe("chat.message", func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent("chat.message"))
	unsub()
	bus.Publish(context.Background(), newEvent("chat.message"))

	if got.Load() != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", got.Load())
	}
}

func TestUnsubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent("chat.message"))
	unsub()
	bus.Publish(context.Background(), newEvent("chat.message"))

	if got.Load() != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", got.Load())
	}
}

func TestPublishOrder(t *testing.T) {
	bus := newTestBus()

	var order []string
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		order = append(order, "all:"+string(e.Name))
	})
	bus.Subscribe("chat.message", func(_ context.Context, e domain.Event) {
		order = append(order, "named:"+string(e.Name))
	})

	bus.Publish(context.Background(), newEvent("chat.message"))
	bus.Publish(context.Background(), newEvent("presence.update"))
	bus.Publish(context.Background(), newEvent("chat.message"))

	want := []string{
		"all:chat.message", "named:chat.message",
		"all:presence.update",
		"all:chat.message", "named:chat.message",
	}
	if len(order) != len(want) {
		t.Fatalf("expected %d deliveries, got %d: %v", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery %d: expected %q, got %q", i, want[i], order[i])
		}
	}
}

func TestSubscriberOrderWithinEvent(t *testing.T) {
	bus := newTestBus()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		bus.Subscribe("chat.message", func(_ context.Context, _ domain.Event) {
			order = append(order, i)
		})
	}

	bus.Publish(context.Background(), newEvent("chat.message"))

	for i, v := range order {
		if v != i {
			t.Fatalf("expected subscription order, got %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(order))
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe("chat.message", func(_ context.Context, _ domain.Event) {
		panic("handler failure")
	})
	bus.Subscribe("chat.message", func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent("chat.message"))
	if got.Load() != 1 {
		t.Fatalf("expected second handler to run after panic, got %d", got.Load())
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe("chat.message", func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Close()
	bus.Publish(context.Background(), newEvent("chat.message"))
	if got.Load() != 0 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}
