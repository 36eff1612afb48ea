package flow

import "time"

// Event is the tagged variant consumed by the transition function. It
// is never persisted - only the Checkpoint produced after processing
// one is. Concrete event types implement eventTag as a marker; the
// transition function recovers the concrete type with a type switch.
type Event interface {
	eventTag()
}

// DoRemainingWorkEvent asks the flow to continue running from its
// current state, e.g. after the worker is first assigned a checkpoint.
type DoRemainingWorkEvent struct{}

// DeliverSessionMessageEvent carries one inbound wire message for a
// session, in wire arrival order for that session.
type DeliverSessionMessageEvent struct {
	SessionId SessionId
	Message   SessionMessage
}

// ErrorEvent reports a classified failure for the transition function
// to route (unrecoverable halt, Hospital admission, or retry).
type ErrorEvent struct {
	Cause error
}

// SuspendEvent is posted by the worker when user code issues a
// FlowIORequest. serializedContinuation is the user stack frozen at the
// park point, already encoded by the Checkpoint Codec.
type SuspendEvent struct {
	Request               FlowIORequest
	MaySkipCheckpoint     bool
	SerializedContinuation []byte
}

// FlowFinishEvent is posted when user code returns (or throws
// terminally) from its top-level call().
type FlowFinishEvent struct {
	Result     []byte
	SoftLockId *string
}

// EnterSubFlowEvent is posted when user code invokes a sub-flow.
type EnterSubFlowEvent struct {
	Frame SubFlowFrame
}

// LeaveSubFlowEvent is posted when a sub-flow's call() returns.
type LeaveSubFlowEvent struct{}

// InitiateFlowEvent is posted when user code opens a new session to a
// peer for the first time.
type InitiateFlowEvent struct {
	Peer string
}

// AsyncOperationCompletionEvent delivers the result of an
// ExecuteAsync FlowIORequest.
type AsyncOperationCompletionEvent struct {
	Result interface{}
	Err    error
}

// WakeUpFromSleepEvent fires when a Sleep FlowIORequest's deadline
// passes.
type WakeUpFromSleepEvent struct{}

// RetryFlowFromSafePointEvent resets the flow to its last persisted
// checkpoint - posted after a transient action failure or a timed
// flow's expiry.
type RetryFlowFromSafePointEvent struct{}

func (DoRemainingWorkEvent) eventTag()          {}
func (DeliverSessionMessageEvent) eventTag()    {}
func (ErrorEvent) eventTag()                    {}
func (SuspendEvent) eventTag()                  {}
func (FlowFinishEvent) eventTag()               {}
func (EnterSubFlowEvent) eventTag()             {}
func (LeaveSubFlowEvent) eventTag()             {}
func (InitiateFlowEvent) eventTag()             {}
func (AsyncOperationCompletionEvent) eventTag() {}
func (WakeUpFromSleepEvent) eventTag()          {}
func (RetryFlowFromSafePointEvent) eventTag()   {}

// FlowIORequest is the tagged variant of suspending I/O requests a flow
// may issue.
type FlowIORequest interface {
	ioRequestTag()
}

// SendIORequest sends payloads on the given sessions without waiting
// for a reply.
type SendIORequest struct {
	SessionIds []SessionId
	Payloads   map[SessionId][]byte
}

// ReceiveIORequest waits for one message on every listed session.
type ReceiveIORequest struct {
	SessionIds []SessionId
}

// SendAndReceiveIORequest sends then waits for one reply per session.
type SendAndReceiveIORequest struct {
	SessionIds []SessionId
	Payloads   map[SessionId][]byte
}

// CloseSessionsIORequest ends the listed sessions.
type CloseSessionsIORequest struct {
	SessionIds []SessionId
}

// WaitForLedgerCommitIORequest parks until a ledger transaction has
// committed to the vault.
type WaitForLedgerCommitIORequest struct {
	TxId string
}

// WaitForSessionConfirmationsIORequest parks until every open session
// has acknowledged receipt of the flow's prior sends.
type WaitForSessionConfirmationsIORequest struct{}

// ExecuteAsyncIORequest hands off to an out-of-band async operation
// identified by opHandle and parks for AsyncOperationCompletionEvent.
type ExecuteAsyncIORequest struct {
	OpHandle string
}

// SleepIORequest parks for the given duration.
type SleepIORequest struct {
	Duration time.Duration
}

// ForceCheckpointIORequest forces a PersistCheckpoint action even when
// the fast path (buffered reply, idempotent frame) would otherwise skip
// it.
type ForceCheckpointIORequest struct{}

func (SendIORequest) ioRequestTag()                       {}
func (ReceiveIORequest) ioRequestTag()                    {}
func (SendAndReceiveIORequest) ioRequestTag()              {}
func (CloseSessionsIORequest) ioRequestTag()               {}
func (WaitForLedgerCommitIORequest) ioRequestTag()         {}
func (WaitForSessionConfirmationsIORequest) ioRequestTag() {}
func (ExecuteAsyncIORequest) ioRequestTag()                {}
func (SleepIORequest) ioRequestTag()                       {}
func (ForceCheckpointIORequest) ioRequestTag()             {}

// Action is one unit of side effect the ActionExecutor applies, in the
// order the transition function returned them.
type Action interface {
	actionTag()
}

type PersistCheckpointAction struct {
	Checkpoint *Checkpoint
}
type RemoveCheckpointAction struct {
	FlowId FlowId
}
type SendInitialAction struct {
	SessionId SessionId
	Peer      string
	Payload   []byte
	Kind      SessionMessageKind
	DedupId   DeduplicationId
}
type SendExistingAction struct {
	SessionId SessionId
	Peer      string
	Payload   []byte
	Kind      SessionMessageKind
	DedupId   DeduplicationId
}
type SendMultipleAction struct {
	Sends []SendExistingAction
}
type ScheduleEventAction struct {
	FlowId FlowId
	Event  Event
	After  time.Duration
}
type SleepUntilAction struct {
	At time.Time
}
type AcknowledgeMessagesAction struct {
	SessionIds []SessionId
}
type PropagateErrorsAction struct {
	Errors     []FlowError
	SessionIds []SessionId
}
type CreateTransactionAction struct{}
type CommitTransactionAction struct{}
type RollbackTransactionAction struct{}
type ReleaseSoftLocksAction struct {
	SoftLockId string
}
type SignalFlowHasStartedAction struct{}
type ScheduleFlowTimeoutAction struct {
	After time.Duration
}
type CancelFlowTimeoutAction struct{}
type UpdateDeduplicationIdAction struct {
	SessionId SessionId
	DedupId   DeduplicationId
}
type DispatchAsyncAction struct {
	OpHandle string
}

func (PersistCheckpointAction) actionTag()    {}
func (RemoveCheckpointAction) actionTag()     {}
func (SendInitialAction) actionTag()          {}
func (SendExistingAction) actionTag()         {}
func (SendMultipleAction) actionTag()         {}
func (ScheduleEventAction) actionTag()        {}
func (SleepUntilAction) actionTag()           {}
func (AcknowledgeMessagesAction) actionTag()  {}
func (PropagateErrorsAction) actionTag()      {}
func (CreateTransactionAction) actionTag()    {}
func (CommitTransactionAction) actionTag()    {}
func (RollbackTransactionAction) actionTag()  {}
func (ReleaseSoftLocksAction) actionTag()     {}
func (SignalFlowHasStartedAction) actionTag() {}
func (ScheduleFlowTimeoutAction) actionTag()  {}
func (CancelFlowTimeoutAction) actionTag()    {}
func (UpdateDeduplicationIdAction) actionTag() {}
func (DispatchAsyncAction) actionTag()         {}

// Continuation tells the worker what to do after a transition.
type Continuation interface {
	continuationTag()
}

// ProcessEventsContinuation asks the worker to loop and pull the next
// event off the inbox.
type ProcessEventsContinuation struct{}

// ResumeContinuation hands result back to the parked user code.
type ResumeContinuation struct {
	Result interface{}
}

// ThrowContinuation raises err inside the parked user code.
type ThrowContinuation struct {
	Err error
}

// AbortContinuation terminates the fiber; the worker releases resources
// and does not process further events for this flow.
type AbortContinuation struct{}

func (ProcessEventsContinuation) continuationTag() {}
func (ResumeContinuation) continuationTag()        {}
func (ThrowContinuation) continuationTag()         {}
func (AbortContinuation) continuationTag()         {}
