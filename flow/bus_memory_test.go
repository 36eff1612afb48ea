package flow

import (
	"context"
	"sync"
	"testing"
)

func TestInMemoryMessageBusDeliversToSubscriber(t *testing.T) {
	bus := NewInMemoryMessageBus()
	ctx := context.Background()

	var mu sync.Mutex
	var received []Envelope
	if err := bus.Subscribe(func(_ context.Context, env Envelope) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := Envelope{Peer: "counterparty", Message: SessionMessage{SessionId: 1, Kind: MessageData, Payload: []byte("hi")}}
	if err := bus.Send(ctx, env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 delivered envelope, got %d", len(received))
	}
	if string(received[0].Message.Payload) != "hi" {
		t.Fatalf("expected payload 'hi', got %q", received[0].Message.Payload)
	}
}

func TestInMemoryMessageBusSendWithoutSubscriberIsNoop(t *testing.T) {
	bus := NewInMemoryMessageBus()
	err := bus.Send(context.Background(), Envelope{Peer: "x", Message: SessionMessage{SessionId: 1}})
	if err != nil {
		t.Fatalf("expected Send with no subscriber to succeed silently, got %v", err)
	}
}

func TestInMemoryMessageBusSecondSubscribeReplacesFirst(t *testing.T) {
	bus := NewInMemoryMessageBus()
	var firstCalled, secondCalled bool

	if err := bus.Subscribe(func(context.Context, Envelope) { firstCalled = true }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Subscribe(func(context.Context, Envelope) { secondCalled = true }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Send(context.Background(), Envelope{Message: SessionMessage{SessionId: 1}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if firstCalled {
		t.Fatalf("expected the first handler to have been replaced")
	}
	if !secondCalled {
		t.Fatalf("expected the second handler to receive the envelope")
	}
}

func TestInMemoryMessageBusCloseClearsSubscriber(t *testing.T) {
	bus := NewInMemoryMessageBus()
	called := false
	if err := bus.Subscribe(func(context.Context, Envelope) { called = true }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bus.Send(context.Background(), Envelope{Message: SessionMessage{SessionId: 1}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if called {
		t.Fatalf("expected no delivery after Close")
	}
}
