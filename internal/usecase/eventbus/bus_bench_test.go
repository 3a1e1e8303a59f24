package eventbus

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"clawdeck/internal/domain"
)

func newBenchBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// BenchmarkPublish measures the hot path: one event, one named subscriber.
func BenchmarkPublish(b *testing.B) {
	bus := newBenchBus()
	ctx := context.Background()
	event := domain.Event{Name: "bench.tick", Seq: 1}

	bus.Subscribe("bench.tick", func(_ context.Context, _ domain.Event) {})

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
}

func BenchmarkPublishTenSubscribers(b *testing.B) {
	bus := newBenchBus()
	ctx := context.Background()
	event := domain.Event{Name: "bench.tick", Seq: 1}

	for i := 0; i < 10; i++ {
		bus.Subscribe("bench.tick", func(_ context.Context, _ domain.Event) {})
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
}

func BenchmarkPublishAllSubscriber(b *testing.B) {
	bus := newBenchBus()
	ctx := context.Background()
	event := domain.Event{Name: "bench.tick", Seq: 1}

	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {})

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
}

// BenchmarkPublishNoSubscribers measures the overhead of Publish itself.
func BenchmarkPublishNoSubscribers(b *testing.B) {
	bus := newBenchBus()
	ctx := context.Background()
	event := domain.Event{Name: "bench.tick", Seq: 1}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
}

func BenchmarkPublishParallel(b *testing.B) {
	bus := newBenchBus()
	event := domain.Event{Name: "bench.tick", Seq: 1}

	bus.Subscribe("bench.tick", func(_ context.Context, _ domain.Event) {})

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			bus.Publish(ctx, event)
		}
	})
}

func BenchmarkSubscribe(b *testing.B) {
	bus := newBenchBus()
	handler := func(_ context.Context, _ domain.Event) {}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		bus.Subscribe("bench.tick", handler)
	}
}

func BenchmarkUnsubscribe(b *testing.B) {
	bus := newBenchBus()
	handler := func(_ context.Context, _ domain.Event) {}

	unsubs := make([]func(), b.N)
	for i := 0; i < b.N; i++ {
		unsubs[i] = bus.Subscribe("bench.tick", handler)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		unsubs[i]()
	}
}
