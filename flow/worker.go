package flow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/corda-ledger/flownode/core"
)

func init() {
	RegisterContinuationType([]historyEntry{})
	RegisterContinuationType(map[SessionId][]byte{})
	RegisterContinuationType(SessionId(0))
	RegisterContinuationType([]byte{})
}

// historyEntry is one completed I/O call's outcome, recorded so a flow
// resumed from a checkpoint can replay its prior calls without
// re-issuing their side effects. Go cannot freeze an arbitrary
// goroutine stack the way a JVM continuation library can, so the
// runtime substitutes deterministic replay - FlowLogic.Call re-runs
// from the top on resume, and every suspending call short-circuits to
// its cached result until it reaches the point it had not yet passed -
// a novel adaptation recorded as an Open Question decision in
// DESIGN.md, not something grounded on the teacher.
type historyEntry struct {
	Result interface{}
	ErrMsg string
}

func (h historyEntry) error() error {
	if h.ErrMsg == "" {
		return nil
	}
	return errors.New(h.ErrMsg)
}

func decodeHistory(blob []byte) []historyEntry {
	if len(blob) == 0 {
		return nil
	}
	v, err := DecodeContinuation(blob)
	if err != nil {
		return nil
	}
	entries, ok := v.([]historyEntry)
	if !ok {
		return nil
	}
	return entries
}

// continuationResult is what the FlowWorker hands back to the blocked
// flow-logic goroutine once its SuspendEvent has been processed.
type continuationResult struct {
	value interface{}
	err   error
	abort bool
}

// FlowContext is the interface FlowLogic.Call uses to perform
// suspending I/O (spec §3 FlowIORequest). Every method blocks the
// calling goroutine until the Flow Worker has processed the
// corresponding Suspend event through Transition.
type FlowContext struct {
	ctx         context.Context
	worker      *FlowWorker
	history     []historyEntry
	replayIndex int
}

func newFlowContext(ctx context.Context, w *FlowWorker, history []historyEntry) *FlowContext {
	return &FlowContext{ctx: ctx, worker: w, history: history}
}

// Context returns the context the flow was started or resumed with.
func (fc *FlowContext) Context() context.Context { return fc.ctx }

func (fc *FlowContext) suspend(request FlowIORequest, maySkipCheckpoint bool) (interface{}, error) {
	if fc.replayIndex < len(fc.history) {
		entry := fc.history[fc.replayIndex]
		fc.replayIndex++
		return entry.Result, entry.error()
	}

	serialized, err := EncodeContinuation(fc.history)
	if err != nil {
		return nil, fmt.Errorf("freezing continuation: %w", err)
	}

	respCh := make(chan continuationResult, 1)
	fc.worker.setPendingWaiter(respCh)

	event := SuspendEvent{Request: request, MaySkipCheckpoint: maySkipCheckpoint, SerializedContinuation: serialized}
	if err := fc.worker.inbox.Enqueue(fc.ctx, event); err != nil {
		return nil, fmt.Errorf("suspending flow: %w", err)
	}

	select {
	case res := <-respCh:
		if res.abort {
			return nil, context.Canceled
		}
		fc.history = append(fc.history, historyEntry{Result: res.value, ErrMsg: errMsg(res.err)})
		fc.replayIndex++
		return res.value, res.err
	case <-fc.ctx.Done():
		return nil, fc.ctx.Err()
	}
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Send delivers payload on sessionId without waiting for a reply.
func (fc *FlowContext) Send(sessionId SessionId, payload []byte) error {
	_, err := fc.suspend(SendIORequest{
		SessionIds: []SessionId{sessionId},
		Payloads:   map[SessionId][]byte{sessionId: payload},
	}, false)
	return err
}

// Receive blocks until a message has arrived on every listed session,
// returning the per-session FIFO-next payload for each.
func (fc *FlowContext) Receive(sessionIds ...SessionId) (map[SessionId][]byte, error) {
	v, err := fc.suspend(ReceiveIORequest{SessionIds: sessionIds}, false)
	if err != nil {
		return nil, err
	}
	return asPayloadMap(v), nil
}

// SendAndReceive sends payloads to their sessions and blocks until a
// reply has arrived on each.
func (fc *FlowContext) SendAndReceive(payloads map[SessionId][]byte) (map[SessionId][]byte, error) {
	sids := make([]SessionId, 0, len(payloads))
	for sid := range payloads {
		sids = append(sids, sid)
	}
	v, err := fc.suspend(SendAndReceiveIORequest{SessionIds: sids, Payloads: payloads}, false)
	if err != nil {
		return nil, err
	}
	return asPayloadMap(v), nil
}

func asPayloadMap(v interface{}) map[SessionId][]byte {
	if v == nil {
		return map[SessionId][]byte{}
	}
	m, _ := v.(map[SessionId][]byte)
	return m
}

// CloseSessions signals end-of-session to every listed session.
func (fc *FlowContext) CloseSessions(sessionIds ...SessionId) error {
	_, err := fc.suspend(CloseSessionsIORequest{SessionIds: sessionIds}, false)
	return err
}

// Sleep suspends the flow for d, surviving a crash in the meantime.
func (fc *FlowContext) Sleep(d time.Duration) error {
	_, err := fc.suspend(SleepIORequest{Duration: d}, false)
	return err
}

// WaitForLedgerCommit blocks until txId has been durably committed.
func (fc *FlowContext) WaitForLedgerCommit(txId string) error {
	_, err := fc.suspend(WaitForLedgerCommitIORequest{TxId: txId}, false)
	return err
}

// WaitForSessionConfirmations blocks until every open session has
// acknowledged its last send.
func (fc *FlowContext) WaitForSessionConfirmations() error {
	_, err := fc.suspend(WaitForSessionConfirmationsIORequest{}, false)
	return err
}

// ExecuteAsync hands opHandle to an external executor and blocks until
// its AsyncOperationCompletionEvent arrives.
func (fc *FlowContext) ExecuteAsync(opHandle string) ([]byte, error) {
	v, err := fc.suspend(ExecuteAsyncIORequest{OpHandle: opHandle}, false)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	b, _ := v.([]byte)
	return b, nil
}

// ForceCheckpoint requests a checkpoint write even when one would
// otherwise be skipped (buffered-receive bypass, idempotent sub-flow).
func (fc *FlowContext) ForceCheckpoint() error {
	_, err := fc.suspend(ForceCheckpointIORequest{}, false)
	return err
}

// InitiateFlow opens a new session to peer, returning its SessionId.
// Modeled through the same suspend-and-wait path as FlowIORequests even
// though InitiateFlowEvent is its own Event variant, since user code
// needs the allocated SessionId back before it can Send or Receive on
// it - an Open Question decision recorded in DESIGN.md.
func (fc *FlowContext) InitiateFlow(peer string) (SessionId, error) {
	if fc.replayIndex < len(fc.history) {
		entry := fc.history[fc.replayIndex]
		fc.replayIndex++
		sid, _ := entry.Result.(SessionId)
		return sid, entry.error()
	}

	respCh := make(chan continuationResult, 1)
	fc.worker.setPendingWaiter(respCh)
	if err := fc.worker.inbox.Enqueue(fc.ctx, InitiateFlowEvent{Peer: peer}); err != nil {
		return 0, fmt.Errorf("initiating flow: %w", err)
	}

	select {
	case res := <-respCh:
		if res.abort {
			return 0, context.Canceled
		}
		sid, _ := res.value.(SessionId)
		fc.history = append(fc.history, historyEntry{Result: sid, ErrMsg: errMsg(res.err)})
		fc.replayIndex++
		return sid, res.err
	case <-fc.ctx.Done():
		return 0, fc.ctx.Err()
	}
}

// FlowWorker is the single-threaded scheduler for one live flow (spec
// §4.4): a dedicated goroutine drains the event inbox through the
// Transition Executor while FlowLogic.Call runs on a second goroutine
// that blocks on a response channel between suspensions, so only one
// of the two is ever doing work at a time - grounded on
// task_worker.go's per-worker goroutine loop, generalized from "one
// handler invocation" to "one suspendable flow invocation" and
// including its panic-recovery discipline.
type FlowWorker struct {
	FlowId   FlowId
	inbox    *EventQueue
	executor *TransitionExecutor
	logic    FlowLogic
	state    *Checkpoint
	hospital Hospital
	logger   core.Logger

	pendingWaiterCh chan continuationResult
	onAbort         func(FlowId)
	onStateChange   func(*Checkpoint)
}

// NewFlowWorker builds a FlowWorker for an already-loaded checkpoint.
func NewFlowWorker(state *Checkpoint, logic FlowLogic, executor *TransitionExecutor, hospital Hospital, logger core.Logger) *FlowWorker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &FlowWorker{
		FlowId:   state.FlowId,
		inbox:    NewEventQueue(32),
		executor: executor,
		logic:    logic,
		state:    state,
		hospital: hospital,
		logger:   logger,
	}
}

func (w *FlowWorker) setPendingWaiter(ch chan continuationResult) {
	w.pendingWaiterCh = ch
}

// Enqueue delivers an externally-sourced event (a session message, a
// timer firing, an outside cancellation request) to this flow's inbox.
func (w *FlowWorker) Enqueue(ctx context.Context, event Event) error {
	return w.inbox.Enqueue(ctx, event)
}

// Start launches the flow-logic goroutine and the event-processing
// loop, and returns once the flow has aborted (finished, failed, or
// been quarantined) or ctx is cancelled.
func (w *FlowWorker) Start(ctx context.Context) {
	if w.state.FlowState.Kind.IsTerminal() {
		w.logger.Warn("refusing to start an already-terminal flow", map[string]interface{}{"flow_id": w.FlowId.String()})
		return
	}
	history := decodeHistory(w.state.FlowState.SuspendedContinuation)
	go w.runLogic(ctx, history)
	w.run(ctx)
}

func (w *FlowWorker) runLogic(ctx context.Context, history []historyEntry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("flow logic panicked", map[string]interface{}{
				"flow_id": w.FlowId.String(),
				"panic":   fmt.Sprintf("%v", r),
				"stack":   string(debug.Stack()),
			})
			_ = w.inbox.Enqueue(ctx, ErrorEvent{Cause: fmt.Errorf("flow panic: %v", r)})
		}
	}()

	fc := newFlowContext(ctx, w, history)
	result, err := w.logic.Call(fc)

	var finish Event
	if err != nil {
		finish = ErrorEvent{Cause: err}
	} else {
		finish = FlowFinishEvent{Result: result}
	}
	_ = w.inbox.Enqueue(ctx, finish)
}

func (w *FlowWorker) run(ctx context.Context) {
	for {
		event, err := w.inbox.Dequeue(ctx)
		if err != nil || event == nil {
			return
		}
		if w.handle(ctx, event) {
			return
		}
	}
}

// handle processes one event and returns true once the worker should
// stop running (flow aborted, or was admitted to the Hospital).
func (w *FlowWorker) handle(ctx context.Context, event Event) bool {
	next, cont, err := w.executor.Execute(ctx, w.state, event)
	if err != nil {
		w.logger.Error("transition executor failed, admitting flow to hospital", map[string]interface{}{
			"flow_id": w.FlowId.String(),
			"error":   err.Error(),
		})
		if w.hospital != nil {
			_ = w.hospital.Admit(ctx, w.FlowId, err.Error(), w.state)
		}
		w.deliver(continuationResult{abort: true})
		return true
	}
	w.state = next
	if w.onStateChange != nil {
		w.onStateChange(next)
	}

	switch c := cont.(type) {
	case ResumeContinuation:
		w.deliver(continuationResult{value: c.Result})
	case ThrowContinuation:
		w.deliver(continuationResult{err: c.Err})
	case ProcessEventsContinuation:
		// user code remains suspended; nothing to deliver.
	case AbortContinuation:
		w.deliver(continuationResult{abort: true})
		// spec §7: a flow that ends up Errored (not a clean Completed)
		// is "fatal to flow, retained" - it is quarantined for operator
		// attention rather than silently dropped, matching the
		// Hospital's admit/discharge contract (spec §6, §9 GLOSSARY).
		if w.state.FlowState.Kind == FlowFailed && w.hospital != nil {
			reason := "flow failed"
			if n := len(w.state.ErrorState.PropagatingErrors); n > 0 {
				reason = w.state.ErrorState.PropagatingErrors[n-1].Message
			}
			if err := w.hospital.Admit(ctx, w.FlowId, reason, w.state); err != nil {
				w.logger.Error("failed to admit flow to hospital", map[string]interface{}{
					"flow_id": w.FlowId.String(),
					"error":   err.Error(),
				})
			}
		}
		if w.onAbort != nil {
			w.onAbort(w.FlowId)
		}
		return true
	default:
		w.logger.Error("unrecognized continuation", map[string]interface{}{"flow_id": w.FlowId.String(), "type": fmt.Sprintf("%T", cont)})
	}
	return false
}

func (w *FlowWorker) deliver(res continuationResult) {
	ch := w.pendingWaiterCh
	w.pendingWaiterCh = nil
	if ch != nil {
		ch <- res
	}
}
