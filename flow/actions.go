package flow

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/corda-ledger/flownode/core"
)

// ScheduleFunc re-delivers an event to a flow's inbox after a delay -
// the hook ActionExecutor uses to implement ScheduleEventAction,
// ScheduleFlowTimeoutAction and SleepUntilAction without importing the
// Flow Manager (which would create an import cycle).
type ScheduleFunc func(flowId FlowId, event Event, after time.Duration)

// SoftLockReleaseFunc releases a previously-acquired soft lock.
type SoftLockReleaseFunc func(ctx context.Context, softLockID string) error

// AsyncDispatchFunc hands an ExecuteAsyncIORequest's opHandle off to the
// AsyncTaskExecutor, called for DispatchAsyncAction.
type AsyncDispatchFunc func(ctx context.Context, flowId FlowId, opHandle string) error

// HaltFunc terminates the process after an unrecoverable error. The
// default calls os.Exit(1); tests substitute a function that just
// records the call.
type HaltFunc func(reason string)

// ActionExecutor applies one Action at a time, within the DB
// transaction the Transition Executor manages - grounded on
// task_worker.go's per-task side-effect dispatch (acquire, execute,
// acknowledge-or-reject) and hitl_checkpoint_store.go's persist/remove
// checkpoint calls, generalized from "one task handler" to "one case
// per Action variant". Every Apply call must be idempotent with
// respect to the (flowId, numberOfSuspends) the action was derived
// from, since a crash may replay the same action list (spec §4.2).
type ActionExecutor struct {
	Store        CheckpointStore
	Bus          MessageBus
	Clock        Clock
	Hospital     Hospital
	Logger       core.Logger
	Telemetry    core.Telemetry
	Schedule     ScheduleFunc
	CancelTimers func(flowId FlowId)
	ReleaseLocks SoftLockReleaseFunc
	Halt         HaltFunc

	// Breaker, when set, wraps every Bus.Send call the way a message
	// bus send to a flaky peer or broker should be protected - grounded
	// on resilience.CircuitBreaker's Execute(ctx, fn) call-wrapping
	// shape (the same shape Interceptor already generalizes for
	// TransitionExecutor). Left nil, sends go straight to the bus.
	Breaker core.CircuitBreaker

	// AsyncDispatch submits a DispatchAsyncAction's opHandle to the
	// AsyncTaskExecutor backing ExecuteAsyncIORequest. Left nil, the
	// action is a no-op and the flow never observes its
	// AsyncOperationCompletionEvent.
	AsyncDispatch AsyncDispatchFunc
}

// NewActionExecutor builds an ActionExecutor, defaulting Logger,
// Telemetry, and Halt to safe no-ops the way the teacher's collaborator
// constructors default optional dependencies (core.NoOpLogger,
// core.NoOpTelemetry).
func NewActionExecutor(store CheckpointStore, bus MessageBus, clock Clock, hospital Hospital) *ActionExecutor {
	return &ActionExecutor{
		Store:     store,
		Bus:       bus,
		Clock:     clock,
		Hospital:  hospital,
		Logger:    &core.NoOpLogger{},
		Telemetry: &core.NoOpTelemetry{},
		Halt: func(reason string) {
			os.Exit(1)
		},
	}
}

// Apply executes actions in order, stopping at the first error (the
// Transition Executor rolls back and re-enters transition via an
// Error event on failure). Every action is wrapped in its own
// "flow.action.<kind>" span per SPEC_FULL.md's telemetry wiring.
func (ex *ActionExecutor) Apply(ctx context.Context, flowId FlowId, actions []Action) error {
	for _, action := range actions {
		spanCtx, span := ex.Telemetry.StartSpan(ctx, fmt.Sprintf("flow.action.%T", action))
		err := ex.applyOne(spanCtx, flowId, action)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if err != nil {
			return fmt.Errorf("applying action %T: %w", action, err)
		}
	}
	ex.Telemetry.RecordMetric("flow.actions_applied", float64(len(actions)), map[string]string{"flow_id": flowId.String()})
	return nil
}

func (ex *ActionExecutor) applyOne(ctx context.Context, flowId FlowId, action Action) error {
	switch a := action.(type) {
	case PersistCheckpointAction:
		return ex.persistCheckpoint(ctx, a.Checkpoint)

	case RemoveCheckpointAction:
		return ex.Store.Remove(ctx, a.FlowId)

	case SendInitialAction:
		return ex.send(ctx, a.SessionId, a.Peer, a.Kind, a.Payload, a.DedupId)

	case SendExistingAction:
		return ex.send(ctx, a.SessionId, a.Peer, a.Kind, a.Payload, a.DedupId)

	case SendMultipleAction:
		for _, s := range a.Sends {
			if err := ex.send(ctx, s.SessionId, s.Peer, s.Kind, s.Payload, s.DedupId); err != nil {
				return err
			}
		}
		return nil

	case ScheduleEventAction:
		if ex.Schedule != nil {
			ex.Schedule(flowId, a.Event, a.After)
		}
		return nil

	case SleepUntilAction:
		if ex.Schedule != nil {
			ex.Schedule(flowId, WakeUpFromSleepEvent{}, a.At.Sub(ex.Clock.Now()))
		}
		return nil

	case AcknowledgeMessagesAction:
		// The message bus already removed the delivered messages from
		// its queue on read (RedisMessageBus pops them with BRPOP), so
		// there is nothing further to acknowledge.
		return nil

	case PropagateErrorsAction:
		for _, sid := range a.SessionIds {
			payload := []byte(a.Errors[len(a.Errors)-1].Message)
			if err := ex.Bus.Send(ctx, Envelope{Message: SessionMessage{SessionId: sid, Kind: MessageReject, Payload: payload}}); err != nil {
				ex.Logger.Warn("failed to propagate error", map[string]interface{}{"flow_id": flowId.String(), "session_id": sid, "error": err.Error()})
			}
		}
		return nil

	case CreateTransactionAction, CommitTransactionAction, RollbackTransactionAction:
		// Transaction discipline is enforced by the Transition
		// Executor wrapping this call, not by the action executor.
		return nil

	case ReleaseSoftLocksAction:
		if ex.ReleaseLocks != nil {
			return ex.ReleaseLocks(ctx, a.SoftLockId)
		}
		return nil

	case SignalFlowHasStartedAction:
		return nil

	case ScheduleFlowTimeoutAction:
		if ex.Schedule != nil {
			ex.Schedule(flowId, RetryFlowFromSafePointEvent{}, a.After)
		}
		return nil

	case CancelFlowTimeoutAction:
		if ex.CancelTimers != nil {
			ex.CancelTimers(flowId)
		}
		return nil

	case UpdateDeduplicationIdAction:
		ex.Logger.Debug("deduplication id updated", map[string]interface{}{
			"flow_id":    flowId.String(),
			"session_id": a.SessionId,
			"dedup_id":   a.DedupId.String(),
		})
		return nil

	case HaltProcessAction:
		ex.Logger.Error("halting process on unrecoverable error", map[string]interface{}{"reason": a.Reason})
		ex.Halt(a.Reason)
		return nil

	case DispatchAsyncAction:
		if ex.AsyncDispatch != nil {
			return ex.AsyncDispatch(ctx, flowId, a.OpHandle)
		}
		return nil

	default:
		return fmt.Errorf("unrecognized action type %T", action)
	}
}

func (ex *ActionExecutor) persistCheckpoint(ctx context.Context, cp *Checkpoint) error {
	var err error
	if cp.NumberOfSuspends <= 1 {
		err = ex.Store.Add(ctx, cp)
		if err == ErrCheckpointExists {
			err = ex.Store.Update(ctx, cp)
		}
	} else {
		err = ex.Store.Update(ctx, cp)
	}
	// A retried Apply re-persists the revision its first attempt already
	// stored; finding that same revision in the store counts as success.
	if err == ErrSuspendOutOfOrder {
		if stored, getErr := ex.Store.Get(ctx, cp.FlowId); getErr == nil && stored.NumberOfSuspends == cp.NumberOfSuspends {
			return nil
		}
	}
	return err
}

func (ex *ActionExecutor) send(ctx context.Context, sid SessionId, peer string, kind SessionMessageKind, payload []byte, dedup DeduplicationId) error {
	do := func() error {
		return ex.Bus.Send(ctx, Envelope{
			Peer: peer,
			Message: SessionMessage{
				SessionId:       sid,
				DeduplicationId: dedup.String(),
				Kind:            kind,
				Payload:         payload,
			},
		})
	}
	if ex.Breaker != nil {
		return ex.Breaker.Execute(ctx, do)
	}
	return do()
}
