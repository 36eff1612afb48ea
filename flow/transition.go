package flow

import (
	"errors"
	"fmt"
)

// ErrUnknownSession is returned (wrapped in an ErrorEvent) when a
// session message or send targets a sessionId the checkpoint has never
// seen.
var ErrUnknownSession = errors.New("unknown or closed session")

// ErrProtocolVersionMismatch is returned when a peer's session message
// declares an incompatible protocol version.
var ErrProtocolVersionMismatch = errors.New("protocol version mismatch")

// ErrDuplicateSessionInit is returned when a session init message
// arrives twice for the same sessionId.
var ErrDuplicateSessionInit = errors.New("duplicate session initiation")

// Transition is the pure function at the center of the runtime:
// (state, event) -> (state', actions, continuation). Given equal
// inputs it always produces equal outputs - callers must never mutate
// the state argument or the Checkpoint returned; both the Action
// Executor and the tests that verify invariant 1 rely on that.
func Transition(state *Checkpoint, event Event) (*Checkpoint, []Action, Continuation) {
	next := cloneCheckpoint(state)

	switch e := event.(type) {
	case DoRemainingWorkEvent:
		return next, nil, ProcessEventsContinuation{}

	case DeliverSessionMessageEvent:
		return transitionDeliverSessionMessage(next, e)

	case SuspendEvent:
		return transitionSuspend(next, e)

	case FlowFinishEvent:
		return transitionFlowFinish(next, e)

	case EnterSubFlowEvent:
		return transitionEnterSubFlow(next, e)

	case LeaveSubFlowEvent:
		return transitionLeaveSubFlow(next)

	case InitiateFlowEvent:
		return transitionInitiateFlow(next, e)

	case AsyncOperationCompletionEvent:
		if e.Err != nil {
			return next, nil, ThrowContinuation{Err: e.Err}
		}
		return next, nil, ResumeContinuation{Result: e.Result}

	case WakeUpFromSleepEvent:
		return next, nil, ProcessEventsContinuation{}

	case RetryFlowFromSafePointEvent:
		return transitionRetryFromSafePoint(next)

	case ErrorEvent:
		return transitionError(next, e)

	default:
		return next, nil, ThrowContinuation{Err: fmt.Errorf("transition: unrecognized event %T", event)}
	}
}

func transitionDeliverSessionMessage(next *Checkpoint, e DeliverSessionMessageEvent) (*Checkpoint, []Action, Continuation) {
	sess, ok := next.Sessions[e.SessionId]
	if !ok || sess.Kind == SessionClosed {
		next.ErrorState = ErrorState{Kind: ErrorErrored, PropagatingErrors: []FlowError{{Code: "UNKNOWN_SESSION", Message: ErrUnknownSession.Error()}}}
		return next, []Action{PersistCheckpointAction{Checkpoint: next}}, ThrowContinuation{Err: ErrUnknownSession}
	}

	switch e.Message.Kind {
	case MessageEnd:
		sess.HasSeenEndOfSession = true
		return next, nil, ProcessEventsContinuation{}
	case MessageReject:
		flowErr := FlowError{Code: "REJECTED", Message: string(e.Message.Payload)}
		return next, nil, ThrowContinuation{Err: errors.New(flowErr.Error())}
	case MessageInit:
		if sess.Kind == SessionInitiated {
			return next, nil, ThrowContinuation{Err: ErrDuplicateSessionInit}
		}
		if e.Message.PeerSessionId != nil {
			sess.PeerSessionId = *e.Message.PeerSessionId
		}
		sess.Kind = SessionInitiated
	default:
		sess.ReceiveBuffer = append(sess.ReceiveBuffer, e.Message.Payload)
	}

	if satisfied, payloads := pendingReceiveSatisfied(next); satisfied {
		return next, nil, ResumeContinuation{Result: payloads}
	}
	return next, nil, ProcessEventsContinuation{}
}

// pendingReceiveSatisfied reports whether every session the flow's
// ReceiveOn set names now has at least one buffered message, and if so
// pops exactly one message per session (preserving per-session FIFO)
// and returns the resulting payload-by-session map.
func pendingReceiveSatisfied(next *Checkpoint) (bool, map[SessionId][]byte) {
	if len(next.ReceiveOn) == 0 {
		return false, nil
	}
	for _, sid := range next.ReceiveOn {
		sess, ok := next.Sessions[sid]
		if !ok || len(sess.ReceiveBuffer) == 0 {
			return false, nil
		}
	}
	out := make(map[SessionId][]byte, len(next.ReceiveOn))
	for _, sid := range next.ReceiveOn {
		sess := next.Sessions[sid]
		out[sid] = sess.ReceiveBuffer[0]
		sess.ReceiveBuffer = sess.ReceiveBuffer[1:]
	}
	next.ReceiveOn = nil
	return true, out
}

func transitionSuspend(next *Checkpoint, e SuspendEvent) (*Checkpoint, []Action, Continuation) {
	_, forceCheckpoint := e.Request.(ForceCheckpointIORequest)

	switch req := e.Request.(type) {
	case ReceiveIORequest:
		if satisfied, payloads := tryBufferedReceive(next, req.SessionIds); satisfied {
			if forceCheckpoint {
				return next, []Action{PersistCheckpointAction{Checkpoint: next}}, ResumeContinuation{Result: payloads}
			}
			return next, nil, ResumeContinuation{Result: payloads}
		}
		next.ReceiveOn = req.SessionIds
	case SendAndReceiveIORequest:
		if satisfied, payloads := tryBufferedReceive(next, req.SessionIds); satisfied {
			if forceCheckpoint {
				return next, []Action{PersistCheckpointAction{Checkpoint: next}}, ResumeContinuation{Result: payloads}
			}
			return next, nil, ResumeContinuation{Result: payloads}
		}
		next.ReceiveOn = req.SessionIds
	}

	sendActions := actionsForSend(next, e.Request)
	if asyncReq, ok := e.Request.(ExecuteAsyncIORequest); ok {
		sendActions = append(sendActions, DispatchAsyncAction{OpHandle: asyncReq.OpHandle})
	}

	// CloseSessions is a local-only operation - it does not wait on a
	// peer reply, so unlike Send/Receive it resumes user code as soon as
	// the end-of-session sends and the session-state update are
	// actioned, the same way transitionFlowFinish resumes nothing
	// because it never parks in the first place.
	var resumeResult Continuation = ProcessEventsContinuation{}
	if closeReq, ok := e.Request.(CloseSessionsIORequest); ok {
		closeActions := make([]Action, 0, len(closeReq.SessionIds))
		for _, sid := range closeReq.SessionIds {
			sess, ok := next.Sessions[sid]
			if !ok || sess.Kind == SessionClosed {
				continue
			}
			closeActions = append(closeActions, SendExistingAction{SessionId: sid, Peer: sess.Peer, Kind: MessageEnd, DedupId: nextDeduplicationId(next, sid)})
			sess.Kind = SessionClosed
		}
		sendActions = closeActions
		resumeResult = ResumeContinuation{Result: nil}
	}

	top, hasTop := next.TopSubFlow()
	topIsIdempotent := hasTop && top.IsIdempotent
	skip := (e.MaySkipCheckpoint || topIsIdempotent) && !forceCheckpoint

	if skip {
		actions := append(sendActions, AcknowledgeMessagesAction{})
		return next, actions, resumeResult
	}

	next.NumberOfSuspends++
	next.FlowState = FlowState{Kind: FlowStarted, SuspendedContinuation: e.SerializedContinuation}

	actions := []Action{PersistCheckpointAction{Checkpoint: next}}
	actions = append(actions, sendActions...)
	actions = append(actions, AcknowledgeMessagesAction{}, CommitTransactionAction{}, CreateTransactionAction{})
	return next, actions, resumeResult
}

func tryBufferedReceive(next *Checkpoint, sessionIds []SessionId) (bool, map[SessionId][]byte) {
	next.ReceiveOn = sessionIds
	return pendingReceiveSatisfied(next)
}

func actionsForSend(next *Checkpoint, req FlowIORequest) []Action {
	var sessionIds []SessionId
	var payloads map[SessionId][]byte

	switch r := req.(type) {
	case SendIORequest:
		sessionIds, payloads = r.SessionIds, r.Payloads
	case SendAndReceiveIORequest:
		sessionIds, payloads = r.SessionIds, r.Payloads
	default:
		return nil
	}

	actions := make([]Action, 0, len(sessionIds))
	for _, sid := range sessionIds {
		sess, ok := next.Sessions[sid]
		dedup := nextDeduplicationId(next, sid)
		var peer string
		if ok {
			peer = sess.Peer
		}
		if !ok || sess.Kind == SessionUninitiated {
			actions = append(actions, SendInitialAction{SessionId: sid, Peer: peer, Payload: payloads[sid], Kind: MessageData, DedupId: dedup})
		} else {
			actions = append(actions, SendExistingAction{SessionId: sid, Peer: peer, Payload: payloads[sid], Kind: MessageData, DedupId: dedup})
		}
	}
	return actions
}

func nextDeduplicationId(next *Checkpoint, sid SessionId) DeduplicationId {
	var sender *FlowId
	if !next.FlowId.IsZero() {
		id := next.FlowId
		sender = &id
	}
	return DeduplicationId{SenderUUID: sender, Seed: next.FlowId.String(), Sequence: uint64(sid) + next.NumberOfSuspends}
}

func transitionFlowFinish(next *Checkpoint, e FlowFinishEvent) (*Checkpoint, []Action, Continuation) {
	next.FlowState = FlowState{Kind: FlowCompleted, Result: e.Result}
	// NumberOfSuspends doubles as the checkpoint revision counter every
	// PersistCheckpointAction consumes (invariant 3); this unconditional
	// persist must claim a fresh revision even though no I/O suspension
	// happened here, or it collides with the last suspend's revision.
	next.NumberOfSuspends++

	actions := []Action{
		PersistCheckpointAction{Checkpoint: next},
		RemoveCheckpointAction{FlowId: next.FlowId},
	}
	if e.SoftLockId != nil {
		actions = append(actions, ReleaseSoftLocksAction{SoftLockId: *e.SoftLockId})
	}
	for sid, sess := range next.Sessions {
		if sess.Kind != SessionClosed {
			actions = append(actions, SendExistingAction{SessionId: sid, Peer: sess.Peer, Kind: MessageEnd, DedupId: nextDeduplicationId(next, sid)})
			sess.Kind = SessionClosed
		}
	}
	actions = append(actions, CommitTransactionAction{})
	return next, actions, AbortContinuation{}
}

func transitionEnterSubFlow(next *Checkpoint, e EnterSubFlowEvent) (*Checkpoint, []Action, Continuation) {
	top, hasTop := next.TopSubFlow()
	needsCheckpointFirst := hasTop && !top.IsIdempotent && e.Frame.IsIdempotent

	next.SubFlowStack = append(next.SubFlowStack, e.Frame)

	if needsCheckpointFirst {
		next.NumberOfSuspends++
		return next, []Action{PersistCheckpointAction{Checkpoint: next}}, ProcessEventsContinuation{}
	}
	return next, nil, ProcessEventsContinuation{}
}

// transitionLeaveSubFlow pops the returning frame off the stack. The
// mirror image of transitionEnterSubFlow's "checkpoint before dropping
// into a more-protected idempotent frame": here, returning from an
// idempotent frame into a less-protected non-idempotent parent needs a
// checkpoint first, since any sends the idempotent child made while
// skipping checkpoints are only now about to come under a parent that
// checkpoints normally again - a crash right after the pop must not
// leave the child's work unrecorded.
func transitionLeaveSubFlow(next *Checkpoint) (*Checkpoint, []Action, Continuation) {
	top, hasTop := next.TopSubFlow()

	if len(next.SubFlowStack) > 0 {
		next.SubFlowStack = next.SubFlowStack[:len(next.SubFlowStack)-1]
	}

	newTop, hasNewTop := next.TopSubFlow()
	needsCheckpointOnReturn := hasTop && top.IsIdempotent && hasNewTop && !newTop.IsIdempotent

	if needsCheckpointOnReturn {
		next.NumberOfSuspends++
		return next, []Action{PersistCheckpointAction{Checkpoint: next}}, ProcessEventsContinuation{}
	}
	return next, nil, ProcessEventsContinuation{}
}

func transitionInitiateFlow(next *Checkpoint, e InitiateFlowEvent) (*Checkpoint, []Action, Continuation) {
	sid := nextSessionId(next)
	next.Sessions[sid] = &SessionState{SessionId: sid, Peer: e.Peer, Kind: SessionInitiating, DeduplicationSeed: next.FlowId.String()}
	actions := []Action{
		PersistCheckpointAction{Checkpoint: next},
		SendInitialAction{SessionId: sid, Peer: e.Peer, Kind: MessageInit, DedupId: nextDeduplicationId(next, sid)},
		CommitTransactionAction{},
		CreateTransactionAction{},
	}
	return next, actions, ResumeContinuation{Result: sid}
}

func nextSessionId(next *Checkpoint) SessionId {
	max := SessionId(0)
	for sid := range next.Sessions {
		if sid > max {
			max = sid
		}
	}
	return max + 1
}

func transitionRetryFromSafePoint(next *Checkpoint) (*Checkpoint, []Action, Continuation) {
	for _, sess := range next.Sessions {
		sess.ReceiveBuffer = nil
	}
	next.ReceiveOn = nil
	return next, nil, ProcessEventsContinuation{}
}

func transitionError(next *Checkpoint, e ErrorEvent) (*Checkpoint, []Action, Continuation) {
	if isUnrecoverable(e.Cause) {
		return next, []Action{HaltProcessAction{Reason: e.Cause.Error()}}, AbortContinuation{}
	}

	next.ErrorState = ErrorState{
		Kind:              ErrorErrored,
		PropagatingErrors: append(append([]FlowError{}, next.ErrorState.PropagatingErrors...), FlowError{Code: "FLOW_ERROR", Message: e.Cause.Error()}),
		HospitalCount:     next.ErrorState.HospitalCount + 1,
	}
	next.FlowState = FlowState{Kind: FlowFailed, FailureError: &FlowError{Code: "FLOW_ERROR", Message: e.Cause.Error()}}
	// See transitionFlowFinish: this unconditional persist needs its own
	// revision too, including when it re-enters right after a suspend
	// already claimed the current one (the Transition Executor's
	// convert-to-error-and-re-enter path).
	next.NumberOfSuspends++

	actions := []Action{
		PersistCheckpointAction{Checkpoint: next},
		PropagateErrorsAction{Errors: next.ErrorState.PropagatingErrors, SessionIds: openSessionIds(next)},
	}
	return next, actions, AbortContinuation{}
}

func openSessionIds(next *Checkpoint) []SessionId {
	ids := make([]SessionId, 0, len(next.Sessions))
	for sid, sess := range next.Sessions {
		if sess.Kind != SessionClosed {
			ids = append(ids, sid)
		}
	}
	return ids
}

// isUnrecoverable classifies process-wide, non-retryable failures
// (spec §7): internal VM-level memory errors, excluding stack
// overflow. Go has no direct equivalent of a JVM OutOfMemoryError
// reaching user code, so this predicate recognizes the one analogous
// condition the runtime can observe: an explicitly-tagged fatal error.
func isUnrecoverable(err error) bool {
	var fatal *FatalRuntimeError
	return errors.As(err, &fatal)
}

// FatalRuntimeError marks a process-wide unrecoverable condition (spec
// §7's "unrecoverable" error class) distinct from a flow-local failure.
type FatalRuntimeError struct {
	Cause error
}

func (e *FatalRuntimeError) Error() string {
	return fmt.Sprintf("fatal runtime error: %v", e.Cause)
}

func (e *FatalRuntimeError) Unwrap() error {
	return e.Cause
}

// HaltProcessAction is the sole action emitted for an unrecoverable
// error - the Action Executor must flush logs and exit the process.
type HaltProcessAction struct {
	Reason string
}

func (HaltProcessAction) actionTag() {}

func cloneCheckpoint(c *Checkpoint) *Checkpoint {
	clone := *c

	clone.InvocationContext = cloneStringMap(c.InvocationContext)

	clone.SubFlowStack = append([]SubFlowFrame(nil), c.SubFlowStack...)

	clone.Sessions = make(map[SessionId]*SessionState, len(c.Sessions))
	for sid, sess := range c.Sessions {
		s := *sess
		s.ReceiveBuffer = append([][]byte(nil), sess.ReceiveBuffer...)
		clone.Sessions[sid] = &s
	}

	clone.ErrorState.PropagatingErrors = append([]FlowError(nil), c.ErrorState.PropagatingErrors...)
	clone.ReceiveOn = append([]SessionId(nil), c.ReceiveOn...)

	return &clone
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
