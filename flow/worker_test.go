package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/corda-ledger/flownode/core"
)

type pingFlowLogic struct {
	sessionId SessionId
}

func (f *pingFlowLogic) Call(ctx *FlowContext) ([]byte, error) {
	replies, err := ctx.SendAndReceive(map[SessionId][]byte{f.sessionId: []byte("ping")})
	if err != nil {
		return nil, err
	}
	return replies[f.sessionId], nil
}

func newWorkerTestRig(t *testing.T) (*FlowWorker, *InMemoryMessageBus, chan Envelope) {
	t.Helper()
	store := NewInMemoryCheckpointStore()
	bus := NewInMemoryMessageBus()
	sent := make(chan Envelope, 8)
	_ = bus.Subscribe(func(_ context.Context, env Envelope) { sent <- env })

	actionsEx := NewActionExecutor(store, bus, NewFakeClock(time.Now()), NewInMemoryHospital(&core.NoOpLogger{}))
	actionsEx.Halt = func(string) {}
	te := NewTransitionExecutor(actionsEx)

	state := newTestCheckpoint()
	state.Sessions[1] = &SessionState{SessionId: 1, Peer: "counterparty", Kind: SessionInitiated}

	worker := NewFlowWorker(state, &pingFlowLogic{sessionId: 1}, te, NewInMemoryHospital(&core.NoOpLogger{}), &core.NoOpLogger{})
	return worker, bus, sent
}

// S1: happy-path send/receive, exercised end to end through FlowWorker:
// the logic goroutine sends, parks, and resumes once the reply is
// delivered, then the flow finishes and the worker stops.
func TestFlowWorkerHappyPathSendAndReceive(t *testing.T) {
	worker, _, sent := newWorkerTestRig(t)

	var aborted bool
	var mu sync.Mutex
	done := make(chan struct{})
	worker.onAbort = func(FlowId) {
		mu.Lock()
		aborted = true
		mu.Unlock()
		close(done)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go worker.Start(ctx)

	select {
	case env := <-sent:
		if string(env.Message.Payload) != "ping" {
			t.Fatalf("expected outbound payload 'ping', got %q", env.Message.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the flow to send its ping")
	}

	if err := worker.Enqueue(ctx, DeliverSessionMessageEvent{
		SessionId: 1,
		Message:   SessionMessage{SessionId: 1, Kind: MessageData, Payload: []byte("pong")},
	}); err != nil {
		t.Fatalf("Enqueue reply: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the flow to finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if !aborted {
		t.Fatalf("expected the worker to abort once the flow finished")
	}
	if worker.state.FlowState.Kind != FlowCompleted {
		t.Fatalf("expected FlowCompleted, got %v", worker.state.FlowState.Kind)
	}
	if string(worker.state.FlowState.Result) != "pong" {
		t.Fatalf("expected flow result 'pong', got %q", worker.state.FlowState.Result)
	}
}

type closeSessionFlowLogic struct {
	sessionId SessionId
}

func (f *closeSessionFlowLogic) Call(ctx *FlowContext) ([]byte, error) {
	if err := ctx.CloseSessions(f.sessionId); err != nil {
		return nil, err
	}
	return []byte("closed"), nil
}

// CloseSessions must not block the flow logic goroutine forever - it
// is a local operation with no peer reply to wait on.
func TestFlowWorkerCloseSessionsResumesAndFinishes(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	bus := NewInMemoryMessageBus()
	sent := make(chan Envelope, 8)
	_ = bus.Subscribe(func(_ context.Context, env Envelope) { sent <- env })

	actionsEx := NewActionExecutor(store, bus, NewFakeClock(time.Now()), NewInMemoryHospital(&core.NoOpLogger{}))
	actionsEx.Halt = func(string) {}
	te := NewTransitionExecutor(actionsEx)

	state := newTestCheckpoint()
	state.Sessions[1] = &SessionState{SessionId: 1, Peer: "counterparty", Kind: SessionInitiated}

	worker := NewFlowWorker(state, &closeSessionFlowLogic{sessionId: 1}, te, NewInMemoryHospital(&core.NoOpLogger{}), &core.NoOpLogger{})

	done := make(chan struct{})
	worker.onAbort = func(FlowId) { close(done) }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go worker.Start(ctx)

	select {
	case env := <-sent:
		if env.Message.Kind != MessageEnd {
			t.Fatalf("expected an end-of-session envelope from CloseSessions, got %v", env.Message.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the end-of-session send")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the flow to finish - CloseSessions must resume, not park forever")
	}

	if worker.state.FlowState.Kind != FlowCompleted {
		t.Fatalf("expected FlowCompleted, got %v", worker.state.FlowState.Kind)
	}
	if string(worker.state.FlowState.Result) != "closed" {
		t.Fatalf("expected flow result 'closed', got %q", worker.state.FlowState.Result)
	}
}

type failingFlowLogic struct{}

func (f *failingFlowLogic) Call(ctx *FlowContext) ([]byte, error) {
	return nil, errors.New("user flow logic rejected the request")
}

// A flow that ends up Errored (not cleanly Completed) must be admitted
// to the Hospital for operator attention - spec §7's "fatal to flow,
// retained" category.
func TestFlowWorkerAdmitsErroredFlowToHospital(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	bus := NewInMemoryMessageBus()
	actionsEx := NewActionExecutor(store, bus, NewFakeClock(time.Now()), NewInMemoryHospital(&core.NoOpLogger{}))
	actionsEx.Halt = func(string) {}
	te := NewTransitionExecutor(actionsEx)

	state := newTestCheckpoint()
	hospital := NewInMemoryHospital(&core.NoOpLogger{})

	var admittedFlow FlowId
	var admittedReason string
	hospital.OnAdmit = func(id FlowId, reason string) {
		admittedFlow = id
		admittedReason = reason
	}

	worker := NewFlowWorker(state, &failingFlowLogic{}, te, hospital, &core.NoOpLogger{})

	done := make(chan struct{})
	worker.onAbort = func(FlowId) { close(done) }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	worker.Start(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the flow to abort")
	}

	if admittedFlow != state.FlowId {
		t.Fatalf("expected the hospital to admit flow %v, got %v", state.FlowId, admittedFlow)
	}
	if admittedReason == "" {
		t.Fatalf("expected a non-empty admission reason")
	}
	records, err := hospital.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one hospital record, got %d", len(records))
	}
}

func TestFlowWorkerRefusesToStartTerminalFlow(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	bus := NewInMemoryMessageBus()
	actionsEx := NewActionExecutor(store, bus, NewFakeClock(time.Now()), NewInMemoryHospital(&core.NoOpLogger{}))
	te := NewTransitionExecutor(actionsEx)

	state := newTestCheckpoint()
	state.FlowState = FlowState{Kind: FlowCompleted, Result: []byte("done")}

	worker := NewFlowWorker(state, &pingFlowLogic{sessionId: 1}, te, NewInMemoryHospital(&core.NoOpLogger{}), &core.NoOpLogger{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	worker.Start(ctx) // must return promptly without launching flow logic
	if worker.state.FlowState.Kind != FlowCompleted {
		t.Fatalf("expected state to remain untouched")
	}
}

func TestFlowWorkerOnStateChangeFiresOnEverySuspend(t *testing.T) {
	worker, _, sent := newWorkerTestRig(t)

	var states []FlowStateKind
	var mu sync.Mutex
	worker.onStateChange = func(cp *Checkpoint) {
		mu.Lock()
		states = append(states, cp.FlowState.Kind)
		mu.Unlock()
	}
	done := make(chan struct{})
	worker.onAbort = func(FlowId) { close(done) }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go worker.Start(ctx)

	<-sent
	if err := worker.Enqueue(ctx, DeliverSessionMessageEvent{
		SessionId: 1,
		Message:   SessionMessage{SessionId: 1, Kind: MessageData, Payload: []byte("pong")},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 {
		t.Fatalf("expected onStateChange to have fired at least once")
	}
}
