package flow

import (
	"context"
	"sync"
)

// InMemoryMessageBus is a MessageBus for single-process tests and
// development: every Send is delivered directly to the subscribed
// handler as if it arrived from the network, with no real peer
// routing. An envelope sent while no handler is subscribed is dropped.
type InMemoryMessageBus struct {
	mu      sync.RWMutex
	handler MessageHandler
}

// NewInMemoryMessageBus returns an empty InMemoryMessageBus.
func NewInMemoryMessageBus() *InMemoryMessageBus {
	return &InMemoryMessageBus{}
}

func (b *InMemoryMessageBus) Send(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()

	if handler != nil {
		handler(ctx, env)
	}
	return nil
}

func (b *InMemoryMessageBus) Subscribe(handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *InMemoryMessageBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = nil
	return nil
}
