package flow

import (
	"reflect"
	"testing"
)

func newTestCheckpoint() *Checkpoint {
	return &Checkpoint{
		FlowId:            NewFlowId(),
		InvocationContext: map[string]string{"__flow_class": "TestFlow"},
		OurIdentity:       "test-node",
		SubFlowStack:      []SubFlowFrame{{FlowClass: "TestFlow", Version: 1}},
		Sessions:          map[SessionId]*SessionState{},
		FlowState:         FlowState{Kind: FlowStarted},
		ErrorState:        ErrorState{Kind: ErrorClean},
	}
}

func withSession(cp *Checkpoint, sid SessionId, kind SessionStateKind) *Checkpoint {
	cp.Sessions[sid] = &SessionState{SessionId: sid, Peer: "peer", Kind: kind}
	return cp
}

// Invariant 1: Transition is pure - calling it twice on equal inputs
// yields equal outputs, and it must not mutate its input.
func TestTransitionIsPure(t *testing.T) {
	state := withSession(newTestCheckpoint(), 1, SessionInitiated)
	event := DeliverSessionMessageEvent{SessionId: 1, Message: SessionMessage{SessionId: 1, Kind: MessageData, Payload: []byte("hi")}}

	inputSnapshot := cloneCheckpoint(state)

	next1, actions1, cont1 := Transition(state, event)
	next2, actions2, cont2 := Transition(state, event)

	if !reflect.DeepEqual(next1, next2) {
		t.Fatalf("transition not pure: got different next states\n%#v\nvs\n%#v", next1, next2)
	}
	if !reflect.DeepEqual(actions1, actions2) {
		t.Fatalf("transition not pure: got different actions\n%#v\nvs\n%#v", actions1, actions2)
	}
	if !reflect.DeepEqual(cont1, cont2) {
		t.Fatalf("transition not pure: got different continuations\n%#v\nvs\n%#v", cont1, cont2)
	}
	if !reflect.DeepEqual(state, inputSnapshot) {
		t.Fatalf("transition mutated its input state argument")
	}
}

// S1: happy-path send/receive. SendAndReceive to a fresh session emits
// exactly one checkpoint-persisting suspend plus the outbound envelope;
// once the reply is buffered, Resume fires with no further checkpoint.
func TestScenarioS1HappyPathSendReceive(t *testing.T) {
	state := newTestCheckpoint()

	suspend := SuspendEvent{
		Request:               SendAndReceiveIORequest{SessionIds: []SessionId{1}, Payloads: map[SessionId][]byte{1: []byte("ping")}},
		SerializedContinuation: []byte("frozen"),
	}
	state.Sessions[1] = &SessionState{SessionId: 1, Peer: "counterparty", Kind: SessionUninitiated}

	next, actions, cont := Transition(state, suspend)

	if next.NumberOfSuspends != 1 {
		t.Fatalf("expected numberOfSuspends=1, got %d", next.NumberOfSuspends)
	}
	if !containsAction[PersistCheckpointAction](actions) {
		t.Fatalf("expected a PersistCheckpoint action, got %#v", actions)
	}
	if _, ok := cont.(ProcessEventsContinuation); !ok {
		t.Fatalf("expected ProcessEventsContinuation, got %#v", cont)
	}
	var sendInitial *SendInitialAction
	for _, a := range actions {
		if s, ok := a.(SendInitialAction); ok {
			sendInitial = &s
		}
	}
	if sendInitial == nil {
		t.Fatalf("expected a SendInitialAction for the uninitiated session, got %#v", actions)
	}
	if string(sendInitial.Payload) != "ping" {
		t.Fatalf("expected payload 'ping', got %q", sendInitial.Payload)
	}

	// Deliver the reply: should resume with no new checkpoint.
	delivered, deliverActions, deliverCont := Transition(next, DeliverSessionMessageEvent{
		SessionId: 1,
		Message:   SessionMessage{SessionId: 1, Kind: MessageData, Payload: []byte("pong")},
	})
	resume, ok := deliverCont.(ResumeContinuation)
	if !ok {
		t.Fatalf("expected ResumeContinuation after buffered reply, got %#v", deliverCont)
	}
	payloads, ok := resume.Result.(map[SessionId][]byte)
	if !ok || string(payloads[1]) != "pong" {
		t.Fatalf("expected resume payload 'pong', got %#v", resume.Result)
	}
	if containsAction[PersistCheckpointAction](deliverActions) {
		t.Fatalf("expected no checkpoint on buffered-reply resume, got %#v", deliverActions)
	}
	if delivered.NumberOfSuspends != next.NumberOfSuspends {
		t.Fatalf("expected numberOfSuspends unchanged on skippable resume")
	}
}

// S2: crash between send and commit. Re-entering the pre-suspend state
// with the same event must reproduce the same deduplication id - the
// downstream de-duplicator collapses the replay.
func TestScenarioS2CrashBetweenSendAndCommitReplaysSameDedupId(t *testing.T) {
	state := newTestCheckpoint()
	state.Sessions[1] = &SessionState{SessionId: 1, Peer: "counterparty", Kind: SessionUninitiated}

	suspend := SuspendEvent{
		Request: SendIORequest{SessionIds: []SessionId{1}, Payloads: map[SessionId][]byte{1: []byte("hello")}},
	}

	_, actions1, _ := Transition(state, suspend)
	// Simulate a crash: re-enter transition from the SAME pre-suspend
	// checkpoint (as a restart would, having never durably advanced
	// past it).
	_, actions2, _ := Transition(state, suspend)

	dedup1 := firstSendDedupId(t, actions1)
	dedup2 := firstSendDedupId(t, actions2)
	if dedup1.String() != dedup2.String() {
		t.Fatalf("expected identical dedup id across replay, got %q vs %q", dedup1.String(), dedup2.String())
	}
}

func firstSendDedupId(t *testing.T, actions []Action) DeduplicationId {
	t.Helper()
	for _, a := range actions {
		if s, ok := a.(SendInitialAction); ok {
			return s.DedupId
		}
		if s, ok := a.(SendExistingAction); ok {
			return s.DedupId
		}
	}
	t.Fatalf("no send action found in %#v", actions)
	return DeduplicationId{}
}

// S3: idempotent sub-flow. Entering an idempotent frame under a
// non-idempotent parent persists exactly one checkpoint immediately
// (so a crash mid-subflow never replays the parent's side effects);
// once the whole stack is idempotent, further suspends skip
// checkpointing entirely (invariant 6).
func TestTransitionEnterSubFlowCheckspointsOnIncreasingIdempotency(t *testing.T) {
	state := newTestCheckpoint()
	state.SubFlowStack = []SubFlowFrame{{FlowClass: "Parent", IsIdempotent: false}}

	entered, enterActions, enterCont := Transition(state, EnterSubFlowEvent{
		Frame: SubFlowFrame{FlowClass: "Child", IsIdempotent: true},
	})
	if !containsAction[PersistCheckpointAction](enterActions) {
		t.Fatalf("expected PersistCheckpoint when entering an idempotent frame under a non-idempotent parent, got %#v", enterActions)
	}
	if _, ok := enterCont.(ProcessEventsContinuation); !ok {
		t.Fatalf("expected ProcessEventsContinuation, got %#v", enterCont)
	}
	if entered.AllSubFlowsIdempotent() {
		t.Fatalf("expected stack still not all-idempotent while the non-idempotent parent frame remains")
	}
}

func TestScenarioS3IdempotentSubFlowSkipsCheckpoints(t *testing.T) {
	state := newTestCheckpoint()
	state.SubFlowStack = nil

	entered, enterActions, _ := Transition(state, EnterSubFlowEvent{
		Frame: SubFlowFrame{FlowClass: "Child", IsIdempotent: true},
	})
	if containsAction[PersistCheckpointAction](enterActions) {
		t.Fatalf("expected no PersistCheckpoint entering the first (idempotent) frame on an empty stack, got %#v", enterActions)
	}
	if !entered.AllSubFlowsIdempotent() {
		t.Fatalf("expected an all-idempotent stack once the sole frame is idempotent")
	}

	entered.Sessions[1] = &SessionState{SessionId: 1, Peer: "peer", Kind: SessionInitiated}
	suspended, suspendActions, _ := Transition(entered, SuspendEvent{
		Request: SendIORequest{SessionIds: []SessionId{1}, Payloads: map[SessionId][]byte{1: []byte("x")}},
	})
	if containsAction[PersistCheckpointAction](suspendActions) {
		t.Fatalf("expected zero PersistCheckpoint actions inside an all-idempotent stack, got %#v", suspendActions)
	}
	if suspended.NumberOfSuspends != entered.NumberOfSuspends {
		t.Fatalf("expected numberOfSuspends unchanged for a skippable suspend")
	}
}

// TestScenarioS3SkipKeysOffTopFrameOnly is the literal S3 setup: a
// non-idempotent parent frame already on the stack when the idempotent
// child is entered. The skip decision must key off the currently
// executing (top) frame only - a non-idempotent ancestor must not force
// checkpointing of the idempotent child's own suspends.
func TestScenarioS3SkipKeysOffTopFrameOnly(t *testing.T) {
	state := newTestCheckpoint()
	state.SubFlowStack = []SubFlowFrame{{FlowClass: "Parent", IsIdempotent: false}}

	entered, _, _ := Transition(state, EnterSubFlowEvent{
		Frame: SubFlowFrame{FlowClass: "Child", IsIdempotent: true},
	})
	if entered.AllSubFlowsIdempotent() {
		t.Fatalf("expected stack not all-idempotent with a non-idempotent parent frame still present")
	}
	top, ok := entered.TopSubFlow()
	if !ok || !top.IsIdempotent {
		t.Fatalf("expected top frame to be the idempotent child, got %#v", top)
	}

	entered.Sessions[1] = &SessionState{SessionId: 1, Peer: "peer", Kind: SessionInitiated}
	suspended, suspendActions, _ := Transition(entered, SuspendEvent{
		Request: SendIORequest{SessionIds: []SessionId{1}, Payloads: map[SessionId][]byte{1: []byte("x")}},
	})
	if containsAction[PersistCheckpointAction](suspendActions) {
		t.Fatalf("expected zero PersistCheckpoint actions suspending inside an idempotent child of a non-idempotent parent, got %#v", suspendActions)
	}
	if suspended.NumberOfSuspends != entered.NumberOfSuspends {
		t.Fatalf("expected numberOfSuspends unchanged for a skippable suspend")
	}
}

// TestLeaveSubFlowCheckspointsReturningToNonIdempotentParent mirrors
// TestTransitionEnterSubFlowCheckspointsOnIncreasingIdempotency: leaving
// an idempotent child frame back into a non-idempotent parent must
// persist a checkpoint immediately, since the child's skipped-checkpoint
// sends are only now coming under a parent that checkpoints normally.
func TestLeaveSubFlowCheckspointsReturningToNonIdempotentParent(t *testing.T) {
	state := newTestCheckpoint()
	state.SubFlowStack = []SubFlowFrame{
		{FlowClass: "Parent", IsIdempotent: false},
		{FlowClass: "Child", IsIdempotent: true},
	}
	before := state.NumberOfSuspends

	left, leaveActions, leaveCont := Transition(state, LeaveSubFlowEvent{})
	if !containsAction[PersistCheckpointAction](leaveActions) {
		t.Fatalf("expected PersistCheckpoint leaving an idempotent child back into a non-idempotent parent, got %#v", leaveActions)
	}
	if _, ok := leaveCont.(ProcessEventsContinuation); !ok {
		t.Fatalf("expected ProcessEventsContinuation, got %#v", leaveCont)
	}
	if left.NumberOfSuspends != before+1 {
		t.Fatalf("expected numberOfSuspends to advance on the forced leave checkpoint, got %d vs %d", left.NumberOfSuspends, before)
	}
	if len(left.SubFlowStack) != 1 || left.SubFlowStack[0].FlowClass != "Parent" {
		t.Fatalf("expected only the parent frame to remain, got %#v", left.SubFlowStack)
	}
}

// TestLeaveSubFlowSkipsCheckpointBetweenIdempotentFrames asserts the
// non-forced side of the same rule: popping back to a still-idempotent
// parent (or to an empty, root-level stack) must not force a checkpoint.
func TestLeaveSubFlowSkipsCheckpointBetweenIdempotentFrames(t *testing.T) {
	state := newTestCheckpoint()
	state.SubFlowStack = []SubFlowFrame{
		{FlowClass: "Parent", IsIdempotent: true},
		{FlowClass: "Child", IsIdempotent: true},
	}
	before := state.NumberOfSuspends

	left, leaveActions, _ := Transition(state, LeaveSubFlowEvent{})
	if containsAction[PersistCheckpointAction](leaveActions) {
		t.Fatalf("expected no PersistCheckpoint leaving an idempotent child into an idempotent parent, got %#v", leaveActions)
	}
	if left.NumberOfSuspends != before {
		t.Fatalf("expected numberOfSuspends unchanged, got %d vs %d", left.NumberOfSuspends, before)
	}

	root := newTestCheckpoint()
	root.SubFlowStack = []SubFlowFrame{{FlowClass: "OnlyFrame", IsIdempotent: true}}
	rootBefore := root.NumberOfSuspends
	leftRoot, rootActions, _ := Transition(root, LeaveSubFlowEvent{})
	if containsAction[PersistCheckpointAction](rootActions) {
		t.Fatalf("expected no PersistCheckpoint popping back to an empty (root) stack, got %#v", rootActions)
	}
	if leftRoot.NumberOfSuspends != rootBefore {
		t.Fatalf("expected numberOfSuspends unchanged popping to root, got %d vs %d", leftRoot.NumberOfSuspends, rootBefore)
	}
	if len(leftRoot.SubFlowStack) != 0 {
		t.Fatalf("expected empty stack after popping the only frame, got %#v", leftRoot.SubFlowStack)
	}
}

// S4: concurrent multi-session receive. A Receive on two sessions
// parks until BOTH have buffered a message; delivering only one must
// not resume.
func TestScenarioS4ConcurrentMultiSessionReceive(t *testing.T) {
	state := newTestCheckpoint()
	state.Sessions[1] = &SessionState{SessionId: 1, Peer: "a", Kind: SessionInitiated}
	state.Sessions[2] = &SessionState{SessionId: 2, Peer: "b", Kind: SessionInitiated}

	parked, _, parkedCont := Transition(state, SuspendEvent{Request: ReceiveIORequest{SessionIds: []SessionId{1, 2}}})
	if _, ok := parkedCont.(ProcessEventsContinuation); !ok {
		t.Fatalf("expected ProcessEventsContinuation while parked, got %#v", parkedCont)
	}

	afterFirst, _, firstCont := Transition(parked, DeliverSessionMessageEvent{
		SessionId: 1,
		Message:   SessionMessage{SessionId: 1, Kind: MessageData, Payload: []byte("msg1")},
	})
	if _, ok := firstCont.(ProcessEventsContinuation); !ok {
		t.Fatalf("expected ProcessEventsContinuation after only one of two sessions delivered, got %#v", firstCont)
	}

	_, _, secondCont := Transition(afterFirst, DeliverSessionMessageEvent{
		SessionId: 2,
		Message:   SessionMessage{SessionId: 2, Kind: MessageData, Payload: []byte("msg2")},
	})
	resume, ok := secondCont.(ResumeContinuation)
	if !ok {
		t.Fatalf("expected ResumeContinuation once both sessions delivered, got %#v", secondCont)
	}
	payloads := resume.Result.(map[SessionId][]byte)
	if string(payloads[1]) != "msg1" || string(payloads[2]) != "msg2" {
		t.Fatalf("unexpected resume payloads: %#v", payloads)
	}
}

// S5: counterparty rejection. A Reject message raises a Throw inside
// user code; if left uncaught the flow transitions to Errored on a
// subsequent ErrorEvent.
func TestScenarioS5CounterpartyRejection(t *testing.T) {
	state := withSession(newTestCheckpoint(), 1, SessionInitiated)

	_, _, cont := Transition(state, DeliverSessionMessageEvent{
		SessionId: 1,
		Message:   SessionMessage{SessionId: 1, Kind: MessageReject, Payload: []byte("NotAuthorised")},
	})
	thrown, ok := cont.(ThrowContinuation)
	if !ok {
		t.Fatalf("expected ThrowContinuation on Reject, got %#v", cont)
	}
	if thrown.Err == nil {
		t.Fatalf("expected a non-nil error on the thrown continuation")
	}

	errored, actions, abortCont := Transition(state, ErrorEvent{Cause: thrown.Err})
	if errored.ErrorState.Kind != ErrorErrored {
		t.Fatalf("expected ErrorState=Errored, got %#v", errored.ErrorState)
	}
	if !containsAction[PropagateErrorsAction](actions) {
		t.Fatalf("expected a PropagateErrors action, got %#v", actions)
	}
	if _, ok := abortCont.(AbortContinuation); !ok {
		t.Fatalf("expected AbortContinuation, got %#v", abortCont)
	}
}

// S6: timed flow expiry. RetryFlowFromSafePoint clears transient
// in-memory session buffers but preserves the persisted checkpoint
// otherwise, and ProcessEvents is returned so the worker re-drives the
// flow from its safe point.
func TestScenarioS6TimedFlowExpiryRetryFromSafePoint(t *testing.T) {
	state := withSession(newTestCheckpoint(), 1, SessionInitiated)
	state.Sessions[1].ReceiveBuffer = [][]byte{[]byte("stale")}
	state.ReceiveOn = []SessionId{1}
	state.HasSoftLockedStates = true

	next, actions, cont := Transition(state, RetryFlowFromSafePointEvent{})
	if len(next.Sessions[1].ReceiveBuffer) != 0 {
		t.Fatalf("expected receive buffers cleared on retry from safe point")
	}
	if len(next.ReceiveOn) != 0 {
		t.Fatalf("expected ReceiveOn cleared on retry from safe point")
	}
	if !next.HasSoftLockedStates {
		t.Fatalf("expected soft lock flag preserved across retry from safe point")
	}
	if actions != nil {
		t.Fatalf("expected no actions on RetryFlowFromSafePoint itself, got %#v", actions)
	}
	if _, ok := cont.(ProcessEventsContinuation); !ok {
		t.Fatalf("expected ProcessEventsContinuation, got %#v", cont)
	}
}

func TestUnknownSessionErrors(t *testing.T) {
	state := newTestCheckpoint()
	_, actions, cont := Transition(state, DeliverSessionMessageEvent{
		SessionId: 99,
		Message:   SessionMessage{SessionId: 99, Kind: MessageData, Payload: []byte("x")},
	})
	thrown, ok := cont.(ThrowContinuation)
	if !ok {
		t.Fatalf("expected ThrowContinuation for unknown session, got %#v", cont)
	}
	if thrown.Err != ErrUnknownSession {
		t.Fatalf("expected ErrUnknownSession, got %v", thrown.Err)
	}
	if !containsAction[PersistCheckpointAction](actions) {
		t.Fatalf("expected the errored checkpoint to be persisted")
	}
}

func TestDuplicateSessionInitErrors(t *testing.T) {
	state := withSession(newTestCheckpoint(), 1, SessionInitiated)
	_, _, cont := Transition(state, DeliverSessionMessageEvent{
		SessionId: 1,
		Message:   SessionMessage{SessionId: 1, Kind: MessageInit},
	})
	thrown, ok := cont.(ThrowContinuation)
	if !ok || thrown.Err != ErrDuplicateSessionInit {
		t.Fatalf("expected ErrDuplicateSessionInit, got %#v", cont)
	}
}

func TestFlowFinishSendsEndOfSessionAndRemovesCheckpoint(t *testing.T) {
	state := withSession(newTestCheckpoint(), 1, SessionInitiated)
	lockId := "lock-123"

	next, actions, cont := Transition(state, FlowFinishEvent{Result: []byte("done"), SoftLockId: &lockId})

	if next.FlowState.Kind != FlowCompleted {
		t.Fatalf("expected FlowCompleted, got %v", next.FlowState.Kind)
	}
	if !containsAction[RemoveCheckpointAction](actions) {
		t.Fatalf("expected RemoveCheckpoint action, got %#v", actions)
	}
	if !containsAction[ReleaseSoftLocksAction](actions) {
		t.Fatalf("expected ReleaseSoftLocks action, got %#v", actions)
	}
	foundEnd := false
	for _, a := range actions {
		if s, ok := a.(SendExistingAction); ok && s.Kind == MessageEnd {
			foundEnd = true
		}
	}
	if !foundEnd {
		t.Fatalf("expected an end-of-session send for the open session, got %#v", actions)
	}
	if _, ok := cont.(AbortContinuation); !ok {
		t.Fatalf("expected AbortContinuation, got %#v", cont)
	}
}

// CloseSessions is a local-only operation: it must resume user code
// immediately (no peer reply to wait on) while still emitting an
// end-of-session send and marking the session Closed.
func TestCloseSessionsSendsEndAndResumesImmediately(t *testing.T) {
	state := withSession(newTestCheckpoint(), 1, SessionInitiated)

	next, actions, cont := Transition(state, SuspendEvent{Request: CloseSessionsIORequest{SessionIds: []SessionId{1}}})

	if _, ok := cont.(ResumeContinuation); !ok {
		t.Fatalf("expected ResumeContinuation so the waiting flow logic goroutine unblocks, got %#v", cont)
	}
	if next.Sessions[1].Kind != SessionClosed {
		t.Fatalf("expected session 1 to be Closed, got %v", next.Sessions[1].Kind)
	}
	foundEnd := false
	for _, a := range actions {
		if s, ok := a.(SendExistingAction); ok && s.SessionId == 1 && s.Kind == MessageEnd {
			foundEnd = true
		}
	}
	if !foundEnd {
		t.Fatalf("expected an end-of-session send for session 1, got %#v", actions)
	}
}

// Closing a session that is already closed (or does not exist) must be
// a no-op with respect to that session - no duplicate end-of-session
// send - while still resuming the caller.
func TestCloseSessionsSkipsAlreadyClosedSessions(t *testing.T) {
	state := withSession(newTestCheckpoint(), 1, SessionClosed)

	next, actions, cont := Transition(state, SuspendEvent{Request: CloseSessionsIORequest{SessionIds: []SessionId{1}}})

	if _, ok := cont.(ResumeContinuation); !ok {
		t.Fatalf("expected ResumeContinuation, got %#v", cont)
	}
	if next.Sessions[1].Kind != SessionClosed {
		t.Fatalf("expected session 1 to remain Closed, got %v", next.Sessions[1].Kind)
	}
	for _, a := range actions {
		if s, ok := a.(SendExistingAction); ok && s.SessionId == 1 {
			t.Fatalf("expected no end-of-session send for an already-closed session, got %#v", s)
		}
	}
}

func TestUnrecoverableErrorHalts(t *testing.T) {
	state := newTestCheckpoint()
	_, actions, cont := Transition(state, ErrorEvent{Cause: &FatalRuntimeError{Cause: ErrUnknownSession}})
	if len(actions) != 1 {
		t.Fatalf("expected exactly one HaltProcess action, got %#v", actions)
	}
	if _, ok := actions[0].(HaltProcessAction); !ok {
		t.Fatalf("expected HaltProcessAction, got %#v", actions[0])
	}
	if _, ok := cont.(AbortContinuation); !ok {
		t.Fatalf("expected AbortContinuation, got %#v", cont)
	}
}
