package memory

import (
	"context"
	"sync"

	"github.com/businessdeveloper69/agyc/pkg/ports"
)

// EventBus implements ports.EventBus with in-process handlers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]ports.EventHandler
	closed      bool
}

// NewEventBus creates a new in-memory event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]ports.EventHandler),
	}
}

// Publish delivers an event to all subscribers of a topic. Handlers run
// asynchronously so a slow consumer never blocks the dispatcher.
func (e *EventBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	e.mu.RLock()
	handlers := make([]ports.EventHandler, 0, len(e.subscribers[topic]))
	for _, h := range e.subscribers[topic] {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	e.mu.RUnlock()

	for _, handler := range handlers {
		go func(h ports.EventHandler) {
			_ = h(ctx, event)
		}(handler)
	}
	return nil
}

// Subscribe registers a handler for a topic until ctx is cancelled.
func (e *EventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	e.subscribers[topic] = append(e.subscribers[topic], handler)
	idx := len(e.subscribers[topic]) - 1
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(topic, idx)
	}()
	return nil
}

// Unsubscribe removes all subscriptions from a topic.
func (e *EventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subscribers, topic)
	return nil
}

// Close drops all subscribers.
func (e *EventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = make(map[string][]ports.EventHandler)
	e.closed = true
	return nil
}

// remove nils out a handler slot; slots are never compacted so indexes
// handed to subscribers stay valid.
func (e *EventBus) remove(topic string, idx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handlers := e.subscribers[topic]
	if idx < len(handlers) {
		handlers[idx] = nil
	}
}
