// Package flow implements the Flow State Machine runtime: a durable,
// suspendable, crash-resumable execution engine for long-lived ledger
// workflows ("flows") that exchange messages with counterparty nodes,
// persist progress as checkpoints, and run inside a transactional store.
//
// The core of the package is a pure transition function, Transition,
// that maps (FlowState machine state, Event) to (new state, ordered
// Actions, Continuation). Everything else - the worker event loop, the
// action executor, the checkpoint store, the message bus - exists to
// drive that function and apply what it decides.
package flow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FlowId uniquely identifies one running (or checkpointed) flow instance.
type FlowId uuid.UUID

// NewFlowId generates a fresh FlowId.
func NewFlowId() FlowId {
	return FlowId(uuid.New())
}

// ParseFlowId parses the string form of a FlowId.
func ParseFlowId(s string) (FlowId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return FlowId{}, fmt.Errorf("parsing flow id: %w", err)
	}
	return FlowId(u), nil
}

func (id FlowId) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value. nextDeduplicationId
// leaves a DeduplicationId's SenderUUID nil for a zero FlowId.
func (id FlowId) IsZero() bool {
	return id == FlowId{}
}

// SessionId identifies one bidirectional, FIFO-ordered session between
// two flows on two nodes. Sessions are scoped to the flow that opened
// them; the same numeric id on two different flows refers to two
// different sessions.
type SessionId uint64

// DeduplicationId stamps an outbound message so a downstream
// de-duplicator can recognize replays produced by checkpoint-driven
// retries. nextDeduplicationId (transition.go) sets SenderUUID to the
// sending flow's FlowId, leaving it nil only for a zero FlowId; it is
// not cleared when a flow resumes after a crash, so a replayed message
// carries the same SenderUUID, Seed and Sequence as the original.
type DeduplicationId struct {
	SenderUUID *FlowId
	Seed       string
	Sequence   uint64
}

func (d DeduplicationId) String() string {
	sender := "nil"
	if d.SenderUUID != nil {
		sender = d.SenderUUID.String()
	}
	return fmt.Sprintf("%s:%s:%d", sender, d.Seed, d.Sequence)
}

// FlowStateKind is the terminal/non-terminal tag of FlowState.
type FlowStateKind string

const (
	FlowUnstarted FlowStateKind = "unstarted"
	FlowStarted   FlowStateKind = "started"
	FlowCompleted FlowStateKind = "completed"
	FlowFailed    FlowStateKind = "failed"
)

// IsTerminal reports whether the flow has finished running (successfully
// or not) and will not process further events.
func (k FlowStateKind) IsTerminal() bool {
	return k == FlowCompleted || k == FlowFailed
}

// FlowState is the `flowState` field of a Checkpoint: one of Unstarted,
// Started(suspendedContinuationBlob), Completed(result), Failed(error).
// Only the field matching Kind is meaningful, mirroring the way the
// teacher's async task Status/Result/Error fields coexist on one Task
// struct rather than as a Go-native sum type.
type FlowState struct {
	Kind                  FlowStateKind
	SuspendedContinuation []byte     `json:"suspended_continuation,omitempty"`
	Result                []byte     `json:"result,omitempty"`
	FailureError          *FlowError `json:"failure_error,omitempty"`
}

// FlowError is a user-visible, serializable flow failure.
type FlowError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FlowError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SubFlowFrame is one entry in a Checkpoint's subFlowStack. The top
// frame is the currently executing sub-flow.
type SubFlowFrame struct {
	FlowClass    string `json:"flow_class"`
	Version      int    `json:"version"`
	IsIdempotent bool   `json:"is_idempotent"`
	IsTimed      bool   `json:"is_timed"`
}

// SessionStateKind is the tag of SessionState.state.
type SessionStateKind string

const (
	SessionUninitiated SessionStateKind = "uninitiated"
	SessionInitiating  SessionStateKind = "initiating"
	SessionInitiated   SessionStateKind = "initiated"
	SessionClosed      SessionStateKind = "closed"
)

// SessionState is `{ sessionId, peer, state }` from the data model. A
// session leaves Uninitiated only by sending an InitiateSessionMessage
// atomically with a checkpoint write (enforced by the transition
// function, not by this type).
type SessionState struct {
	SessionId SessionId `json:"session_id"`
	Peer      string    `json:"peer"`
	Kind      SessionStateKind `json:"kind"`

	// Initiating
	Payload           []byte `json:"payload,omitempty"`
	DeduplicationSeed string `json:"deduplication_seed,omitempty"`

	// Initiated
	PeerSessionId       SessionId `json:"peer_session_id,omitempty"`
	HasSeenEndOfSession bool      `json:"has_seen_end_of_session,omitempty"`

	// ReceiveBuffer holds inbound messages delivered to this session
	// that a pending Receive/SendAndReceive has not yet consumed, in
	// wire arrival order (per-session FIFO).
	ReceiveBuffer [][]byte `json:"receive_buffer,omitempty"`
}

// ErrorStateKind is the tag of Checkpoint.errorState.
type ErrorStateKind string

const (
	ErrorClean   ErrorStateKind = "clean"
	ErrorErrored ErrorStateKind = "errored"
)

// ErrorState is `Clean | Errored(propagatingErrors, hospitalCount)`.
type ErrorState struct {
	Kind              ErrorStateKind `json:"kind"`
	PropagatingErrors []FlowError    `json:"propagating_errors,omitempty"`
	HospitalCount     int            `json:"hospital_count,omitempty"`
}

// Checkpoint is the persisted entity described in spec §3. Invariant:
// NumberOfSuspends strictly increases across persisted revisions of the
// same FlowId - the store layer, not this type, is responsible for
// rejecting a write that would violate it.
type Checkpoint struct {
	FlowId            FlowId                   `json:"flow_id"`
	InvocationContext map[string]string        `json:"invocation_context"`
	OurIdentity       string                   `json:"our_identity"`
	SubFlowStack      []SubFlowFrame           `json:"sub_flow_stack"`
	Sessions          map[SessionId]*SessionState `json:"sessions"`
	FlowState         FlowState                `json:"flow_state"`
	ErrorState        ErrorState               `json:"error_state"`
	NumberOfSuspends  uint64                   `json:"number_of_suspends"`
	ProgressStep      string                   `json:"progress_step"`

	// HasSoftLockedStates records that the flow holds soft-locked ledger
	// states. Nothing in this package sets it and no transition clears
	// it, so RetryFlowFromSafePoint preserves it; the lock itself is
	// released by the ReleaseSoftLocksAction that a FlowFinishEvent with
	// a SoftLockId produces - see DESIGN.md's Open Question decision on
	// this field.
	HasSoftLockedStates bool `json:"has_soft_locked_states"`

	// ReceiveOn holds the sessions a pending Receive/SendAndReceive is
	// waiting on, so DeliverSessionMessage can recognize when every
	// required session has buffered a reply. Empty when the flow is not
	// parked on a receive.
	ReceiveOn []SessionId `json:"receive_on,omitempty"`
}

// TopSubFlow returns the currently executing sub-flow frame, or the
// zero frame and false if the stack is empty (the root flow itself).
func (c *Checkpoint) TopSubFlow() (SubFlowFrame, bool) {
	if len(c.SubFlowStack) == 0 {
		return SubFlowFrame{}, false
	}
	return c.SubFlowStack[len(c.SubFlowStack)-1], true
}

// AllSubFlowsIdempotent reports whether every frame currently on the
// stack is idempotent. The checkpoint-skip decision itself only looks
// at TopSubFlow (spec invariant 6 keys off the currently executing
// frame, not its ancestors); this helper remains for callers that care
// about the whole stack, e.g. tests asserting on EnterSubFlow's
// checkpoint-on-increasing-idempotency behavior.
func (c *Checkpoint) AllSubFlowsIdempotent() bool {
	for _, f := range c.SubFlowStack {
		if !f.IsIdempotent {
			return false
		}
	}
	return true
}

// SessionMessageKind tags a SessionMessage envelope.
type SessionMessageKind string

const (
	MessageData    SessionMessageKind = "data"
	MessageInit    SessionMessageKind = "init"
	MessageEnd     SessionMessageKind = "end"
	MessageReject  SessionMessageKind = "reject"
	MessageConfirm SessionMessageKind = "confirm"
)

// SessionMessage is the broker payload described in spec §6.
type SessionMessage struct {
	SessionId       SessionId          `json:"session_id"`
	PeerSessionId   *SessionId         `json:"peer_session_id,omitempty"`
	SequenceNumber  uint64             `json:"sequence_number"`
	DeduplicationId string             `json:"deduplication_id"`
	Kind            SessionMessageKind `json:"kind"`
	Payload         []byte             `json:"payload,omitempty"`
}

// Envelope wraps a SessionMessage with its destination peer identity,
// the unit the MessageBus actually transports.
type Envelope struct {
	Peer    string
	Message SessionMessage
}
