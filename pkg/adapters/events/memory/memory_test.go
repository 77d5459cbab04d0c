package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/businessdeveloper69/agyc/pkg/ports"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEventBus(t *testing.T) {
	t.Run("delivers to all subscribers of a topic", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Close()

		var first, second atomic.Int32
		ctx := context.Background()
		_ = bus.Subscribe(ctx, "dispatcher.events", func(ctx context.Context, e ports.Event) error {
			first.Add(1)
			return nil
		})
		_ = bus.Subscribe(ctx, "dispatcher.events", func(ctx context.Context, e ports.Event) error {
			second.Add(1)
			return nil
		})

		if err := bus.Publish(ctx, "dispatcher.events", ports.Event{ID: "ev-1", Type: ports.EventTaskCompleted}); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return first.Load() == 1 && second.Load() == 1 },
			"both subscribers should receive the event")
	})

	t.Run("topics are isolated", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Close()

		var got atomic.Int32
		ctx := context.Background()
		_ = bus.Subscribe(ctx, "other.topic", func(ctx context.Context, e ports.Event) error {
			got.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, "dispatcher.events", ports.Event{ID: "ev-1"})
		time.Sleep(50 * time.Millisecond)
		if got.Load() != 0 {
			t.Fatal("subscriber received an event from another topic")
		}
	})

	t.Run("context cancellation removes the subscription", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Close()

		var got atomic.Int32
		subCtx, cancel := context.WithCancel(context.Background())
		_ = bus.Subscribe(subCtx, "dispatcher.events", func(ctx context.Context, e ports.Event) error {
			got.Add(1)
			return nil
		})
		cancel()
		// removal is asynchronous
		time.Sleep(50 * time.Millisecond)

		_ = bus.Publish(context.Background(), "dispatcher.events", ports.Event{ID: "ev-1"})
		time.Sleep(50 * time.Millisecond)
		if got.Load() != 0 {
			t.Fatal("cancelled subscriber still received an event")
		}
	})

	t.Run("unsubscribe clears the topic", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Close()

		var got atomic.Int32
		ctx := context.Background()
		_ = bus.Subscribe(ctx, "dispatcher.events", func(ctx context.Context, e ports.Event) error {
			got.Add(1)
			return nil
		})
		_ = bus.Unsubscribe(ctx, "dispatcher.events")

		_ = bus.Publish(ctx, "dispatcher.events", ports.Event{ID: "ev-1"})
		time.Sleep(50 * time.Millisecond)
		if got.Load() != 0 {
			t.Fatal("unsubscribed handler still received an event")
		}
	})

	t.Run("publish with no subscribers is a no-op", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Close()
		if err := bus.Publish(context.Background(), "dispatcher.events", ports.Event{ID: "ev-1"}); err != nil {
			t.Fatal(err)
		}
	})
}
