package bus

import (
	"context"
	"fmt"
	"sync"
)

// Handler consumes an envelope from the in-process bus.
type Handler func(ctx context.Context, env Envelope) error

var _ Publisher = (*MemoryBus)(nil)

// MemoryBus dispatches envelopes synchronously to in-process subscribers.
// A handler error fails the publish, which keeps the outbox row retryable.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
	closed   bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

// Subscribe registers h for eventType; an empty eventType receives everything.
func (b *MemoryBus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if eventType == "" {
		b.all = append(b.all, h)
		return
	}
	key := RoutingKey(eventType)
	b.handlers[key] = append(b.handlers[key], h)
}

func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	handlers := make([]Handler, 0, len(b.all)+len(b.handlers[RoutingKey(env.EventType)]))
	handlers = append(handlers, b.all...)
	handlers = append(handlers, b.handlers[RoutingKey(env.EventType)]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			return fmt.Errorf("subscriber failed for event %q: %w", env.EventID, err)
		}
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
