package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corda-ledger/flownode/core"
)

func newTestActionExecutor() (*ActionExecutor, *InMemoryCheckpointStore, *InMemoryMessageBus) {
	store := NewInMemoryCheckpointStore()
	bus := NewInMemoryMessageBus()
	ex := NewActionExecutor(store, bus, NewFakeClock(time.Now()), NewInMemoryHospital(&core.NoOpLogger{}))
	ex.Halt = func(string) {} // never actually exit in tests
	return ex, store, bus
}

func TestActionExecutorPersistCheckpointAddsThenUpdates(t *testing.T) {
	ex, store, _ := newTestActionExecutor()
	ctx := context.Background()

	cp := newTestCheckpoint()
	cp.NumberOfSuspends = 1
	if err := ex.Apply(ctx, cp.FlowId, []Action{PersistCheckpointAction{Checkpoint: cp}}); err != nil {
		t.Fatalf("Apply (initial persist): %v", err)
	}
	stored, err := store.Get(ctx, cp.FlowId)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.NumberOfSuspends != 1 {
		t.Fatalf("expected NumberOfSuspends=1, got %d", stored.NumberOfSuspends)
	}

	cp2 := cloneCheckpoint(cp)
	cp2.NumberOfSuspends = 2
	if err := ex.Apply(ctx, cp2.FlowId, []Action{PersistCheckpointAction{Checkpoint: cp2}}); err != nil {
		t.Fatalf("Apply (update persist): %v", err)
	}
	stored, err = store.Get(ctx, cp.FlowId)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if stored.NumberOfSuspends != 2 {
		t.Fatalf("expected NumberOfSuspends=2 after update, got %d", stored.NumberOfSuspends)
	}
}

func TestActionExecutorRemoveCheckpoint(t *testing.T) {
	ex, store, _ := newTestActionExecutor()
	ctx := context.Background()
	cp := newTestCheckpoint()
	if err := store.Add(ctx, cp); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ex.Apply(ctx, cp.FlowId, []Action{RemoveCheckpointAction{FlowId: cp.FlowId}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := store.Get(ctx, cp.FlowId); !errors.Is(err, ErrCheckpointNotFound) {
		t.Fatalf("expected checkpoint removed, got err=%v", err)
	}
}

func TestActionExecutorSendInitialAndExisting(t *testing.T) {
	ex, _, bus := newTestActionExecutor()
	ctx := context.Background()

	var received []Envelope
	_ = bus.Subscribe(func(_ context.Context, env Envelope) { received = append(received, env) })

	actions := []Action{
		SendInitialAction{SessionId: 1, Peer: "counterparty", Payload: []byte("init"), Kind: MessageInit, DedupId: DeduplicationId{Seed: "s", Sequence: 1}},
		SendExistingAction{SessionId: 1, Peer: "counterparty", Payload: []byte("data"), Kind: MessageData, DedupId: DeduplicationId{Seed: "s", Sequence: 2}},
	}
	if err := ex.Apply(ctx, NewFlowId(), actions); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 sent envelopes, got %d", len(received))
	}
	if received[0].Peer != "counterparty" {
		t.Fatalf("expected SendInitial to carry the peer identity, got %q", received[0].Peer)
	}
	if received[1].Peer != "counterparty" {
		t.Fatalf("expected SendExisting to carry the session's peer identity, got %q", received[1].Peer)
	}
}

func TestActionExecutorScheduleHooksEventAndTimeout(t *testing.T) {
	ex, _, _ := newTestActionExecutor()
	ctx := context.Background()

	type scheduled struct {
		flowId FlowId
		event  Event
		after  time.Duration
	}
	var calls []scheduled
	ex.Schedule = func(flowId FlowId, event Event, after time.Duration) {
		calls = append(calls, scheduled{flowId, event, after})
	}

	flowId := NewFlowId()
	actions := []Action{
		ScheduleEventAction{FlowId: flowId, Event: WakeUpFromSleepEvent{}, After: 5 * time.Second},
		ScheduleFlowTimeoutAction{After: time.Minute},
	}
	if err := ex.Apply(ctx, flowId, actions); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 scheduled calls, got %d", len(calls))
	}
	if calls[0].after != 5*time.Second {
		t.Fatalf("expected first schedule after 5s, got %v", calls[0].after)
	}
	if _, ok := calls[1].event.(RetryFlowFromSafePointEvent); !ok {
		t.Fatalf("expected ScheduleFlowTimeoutAction to schedule a RetryFlowFromSafePointEvent, got %#v", calls[1].event)
	}
}

func TestActionExecutorReleaseSoftLocksInvokesHook(t *testing.T) {
	ex, _, _ := newTestActionExecutor()
	ctx := context.Background()

	var releasedId string
	ex.ReleaseLocks = func(_ context.Context, id string) error {
		releasedId = id
		return nil
	}

	if err := ex.Apply(ctx, NewFlowId(), []Action{ReleaseSoftLocksAction{SoftLockId: "lock-42"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if releasedId != "lock-42" {
		t.Fatalf("expected ReleaseLocks called with 'lock-42', got %q", releasedId)
	}
}

func TestActionExecutorHaltProcessInvokesHaltFunc(t *testing.T) {
	ex, _, _ := newTestActionExecutor()
	var reason string
	ex.Halt = func(r string) { reason = r }

	if err := ex.Apply(context.Background(), NewFlowId(), []Action{HaltProcessAction{Reason: "fatal"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if reason != "fatal" {
		t.Fatalf("expected Halt invoked with reason 'fatal', got %q", reason)
	}
}

func TestActionExecutorStopsAtFirstError(t *testing.T) {
	ex, store, _ := newTestActionExecutor()
	ctx := context.Background()

	cp := newTestCheckpoint()
	cp.NumberOfSuspends = 5 // forces an Update (not Add) against an empty store -> ErrCheckpointNotFound
	_ = store

	var scheduled bool
	ex.Schedule = func(FlowId, Event, time.Duration) { scheduled = true }

	actions := []Action{
		PersistCheckpointAction{Checkpoint: cp},
		ScheduleEventAction{FlowId: cp.FlowId, Event: WakeUpFromSleepEvent{}, After: time.Second},
	}
	if err := ex.Apply(ctx, cp.FlowId, actions); err == nil {
		t.Fatalf("expected an error from the failing PersistCheckpoint action")
	}
	if scheduled {
		t.Fatalf("expected Apply to stop before the second action once the first failed")
	}
}

func TestActionExecutorUnrecognizedActionErrors(t *testing.T) {
	ex, _, _ := newTestActionExecutor()
	err := ex.Apply(context.Background(), NewFlowId(), []Action{unknownAction{}})
	if err == nil {
		t.Fatalf("expected an error for an unrecognized action type")
	}
}

type unknownAction struct{}

func (unknownAction) actionTag() {}

func TestActionExecutorDispatchAsyncInvokesHook(t *testing.T) {
	ex, _, _ := newTestActionExecutor()
	flowId := NewFlowId()

	var gotFlowId FlowId
	var gotOpHandle string
	ex.AsyncDispatch = func(_ context.Context, fid FlowId, opHandle string) error {
		gotFlowId = fid
		gotOpHandle = opHandle
		return nil
	}

	if err := ex.Apply(context.Background(), flowId, []Action{DispatchAsyncAction{OpHandle: "notary-confirmation"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if gotFlowId != flowId {
		t.Fatalf("expected AsyncDispatch called with flow id %v, got %v", flowId, gotFlowId)
	}
	if gotOpHandle != "notary-confirmation" {
		t.Fatalf("expected AsyncDispatch called with op handle 'notary-confirmation', got %q", gotOpHandle)
	}
}

func TestActionExecutorDispatchAsyncNoopWithoutHook(t *testing.T) {
	ex, _, _ := newTestActionExecutor()
	if err := ex.Apply(context.Background(), NewFlowId(), []Action{DispatchAsyncAction{OpHandle: "unused"}}); err != nil {
		t.Fatalf("Apply with nil AsyncDispatch should be a no-op, got error: %v", err)
	}
}

// countingBreaker counts Execute calls and otherwise just runs fn, used
// to assert ActionExecutor.Breaker wraps Bus.Send instead of being
// bypassed.
type countingBreaker struct {
	calls int
}

func (b *countingBreaker) Execute(ctx context.Context, fn func() error) error {
	b.calls++
	return fn()
}
func (b *countingBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	b.calls++
	return fn()
}
func (b *countingBreaker) GetState() string                       { return "closed" }
func (b *countingBreaker) GetMetrics() map[string]interface{}     { return nil }
func (b *countingBreaker) Reset()                                 {}
func (b *countingBreaker) CanExecute() bool                       { return true }

func TestActionExecutorSendWrappedByBreaker(t *testing.T) {
	ex, _, bus := newTestActionExecutor()
	ctx := context.Background()

	var received []Envelope
	_ = bus.Subscribe(func(_ context.Context, env Envelope) { received = append(received, env) })

	breaker := &countingBreaker{}
	ex.Breaker = breaker

	actions := []Action{
		SendInitialAction{SessionId: 1, Peer: "counterparty", Payload: []byte("init"), Kind: MessageInit, DedupId: DeduplicationId{Seed: "s", Sequence: 1}},
	}
	if err := ex.Apply(ctx, NewFlowId(), actions); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if breaker.calls != 1 {
		t.Fatalf("expected the breaker to wrap the send exactly once, got %d calls", breaker.calls)
	}
	if len(received) != 1 {
		t.Fatalf("expected the send to still reach the bus, got %d envelopes", len(received))
	}
}
