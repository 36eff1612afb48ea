package flow

import (
	"context"
	"fmt"

	"github.com/corda-ledger/flownode/core"
	"github.com/corda-ledger/flownode/resilience"
)

// Tx is one open database transaction, in the sense the Transition
// Executor requires: a handle that can be committed or rolled back.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transactor opens transactions for the Transition Executor. The
// runtime ships NoopTransactor, which is correct whenever the
// CheckpointStore already provides its own atomicity (as both
// InMemoryCheckpointStore and RedisCheckpointStore's WATCH/MULTI do) -
// hosts backed by a real SQL database substitute a Transactor bound to
// that database's driver.
type Transactor interface {
	Begin(ctx context.Context) (Tx, error)
}

// NoopTransactor issues no-op transactions. It exists because spec §4.3
// requires a transaction to be demonstrably open on entry to every
// transition regardless of what backs persistence; no example repo in
// the pack models a SQL transaction boundary, so this part is
// necessarily stdlib-only - see DESIGN.md.
type NoopTransactor struct{}

func (NoopTransactor) Begin(ctx context.Context) (Tx, error) { return noopTx{}, nil }

type noopTx struct{}

func (noopTx) Commit(ctx context.Context) error   { return nil }
func (noopTx) Rollback(ctx context.Context) error { return nil }

// TransitionFunc is one unit of work the Transition Executor wraps: run
// the pure Transition, apply its actions within a transaction, and
// report the resulting state and continuation.
type TransitionFunc func(ctx context.Context, state *Checkpoint, event Event) (*Checkpoint, Continuation, error)

// Interceptor wraps a TransitionFunc with cross-cutting behavior -
// logging, metrics, fault injection for testing - generalized from
// resilience.CircuitBreaker's Execute(ctx, fn) call-wrapping shape into
// a composable middleware chain, since more than one concern needs to
// wrap the same call here. Every interceptor must preserve the
// transaction-state contract: whatever TransitionFunc it wraps leaves
// no transaction dangling, so must the interceptor.
type Interceptor func(next TransitionFunc) TransitionFunc

// TransitionExecutor implements spec §4.3's DB transaction discipline
// around the pure Transition function.
type TransitionExecutor struct {
	Actions      *ActionExecutor
	Transactor   Transactor
	Interceptors []Interceptor
	Logger       core.Logger
	Telemetry    core.Telemetry

	// RetryConfig and Classifier implement spec §4.2's transient-error
	// path: "an action that fails with a transient error ... triggers
	// transaction rollback and RetryFlowFromSafePoint". Rather than
	// escalating to Hospital on the first failure, a transient action
	// error is retried with exponential backoff - grounded on
	// resilience.Retry/RetryConfig unchanged from the teacher, reused
	// here exactly as SPEC_FULL.md's ERROR HANDLING DESIGN expansion
	// calls for. Re-running Apply from the top on retry is safe because
	// every action is idempotent with respect to its (flowId,
	// numberOfSuspends) key (spec §4.2).
	RetryConfig *resilience.RetryConfig
	Classifier  resilience.ErrorClassifier
}

// NewTransitionExecutor builds a TransitionExecutor with a NoopTransactor
// and no interceptors; callers add both as needed.
func NewTransitionExecutor(actions *ActionExecutor) *TransitionExecutor {
	return &TransitionExecutor{
		Actions:     actions,
		Transactor:  NoopTransactor{},
		Logger:      &core.NoOpLogger{},
		Telemetry:   &core.NoOpTelemetry{},
		RetryConfig: resilience.DefaultRetryConfig(),
		Classifier:  resilience.DefaultErrorClassifier,
	}
}

// WithTelemetrySpan returns an Interceptor that wraps every transition
// in a "flow.transition" span, recording the event type and the
// resulting continuation as attributes - the domain-stack wiring
// SPEC_FULL.md's ambient stack section calls for, grounded on
// telemetry/otel.go's StartSpan/Span shape.
func WithTelemetrySpan(t core.Telemetry) Interceptor {
	return func(next TransitionFunc) TransitionFunc {
		return func(ctx context.Context, state *Checkpoint, event Event) (*Checkpoint, Continuation, error) {
			spanCtx, span := t.StartSpan(ctx, "flow.transition")
			span.SetAttribute("flow.id", state.FlowId.String())
			span.SetAttribute("flow.event_type", fmt.Sprintf("%T", event))
			next_, cont, err := next(spanCtx, state, event)
			if err != nil {
				span.RecordError(err)
			} else {
				span.SetAttribute("flow.continuation_type", fmt.Sprintf("%T", cont))
			}
			span.End()
			return next_, cont, err
		}
	}
}

// Execute runs one event through Transition and the action pipeline,
// applying every registered interceptor around the core step.
func (te *TransitionExecutor) Execute(ctx context.Context, state *Checkpoint, event Event) (*Checkpoint, Continuation, error) {
	fn := te.step
	for i := len(te.Interceptors) - 1; i >= 0; i-- {
		fn = te.Interceptors[i](fn)
	}
	return fn(ctx, state, event)
}

// step is the innermost TransitionFunc: transaction discipline plus the
// rollback/convert-to-Error/re-enter rule from spec §4.3 point 3.
func (te *TransitionExecutor) step(ctx context.Context, state *Checkpoint, event Event) (*Checkpoint, Continuation, error) {
	tx, err := te.Transactor.Begin(ctx)
	if err != nil {
		return state, nil, fmt.Errorf("opening transaction: %w", err)
	}

	next, actions, cont := Transition(state, event)

	applyErr := te.Actions.Apply(ctx, state.FlowId, actions)
	if applyErr != nil && te.Classifier != nil && te.Classifier(applyErr) {
		te.Logger.Warn("transient action failure, retrying with backoff", map[string]interface{}{
			"flow_id": state.FlowId.String(),
			"error":   applyErr.Error(),
		})
		applyErr = resilience.Retry(ctx, te.RetryConfig, func() error {
			return te.Actions.Apply(ctx, state.FlowId, actions)
		})
	}

	if applyErr != nil {
		_ = tx.Rollback(ctx)
		te.Logger.Warn("action application failed, converting to error event", map[string]interface{}{
			"flow_id": state.FlowId.String(),
			"error":   applyErr.Error(),
		})
		return te.reenterOnError(ctx, next, applyErr)
	}

	if containsAction[CommitTransactionAction](actions) {
		if err := tx.Commit(ctx); err != nil {
			return next, nil, fmt.Errorf("committing transaction: %w", err)
		}
		if containsAction[CreateTransactionAction](actions) {
			if _, err := te.Transactor.Begin(ctx); err != nil {
				te.Logger.Warn("failed to open follow-on transaction", map[string]interface{}{"flow_id": state.FlowId.String(), "error": err.Error()})
			}
		}
	} else {
		_ = tx.Rollback(ctx)
	}

	return next, cont, nil
}

// reenterOnError performs the single allowed re-entry into Transition
// after an action-application failure: convert to an Error event, apply
// its actions within a fresh transaction, and return whatever the pure
// function decided (HaltProcess vs. propagate-and-quarantine). A second
// failure here is not retried - it propagates to the caller, which
// escalates to the Flow Hospital.
func (te *TransitionExecutor) reenterOnError(ctx context.Context, state *Checkpoint, cause error) (*Checkpoint, Continuation, error) {
	tx, err := te.Transactor.Begin(ctx)
	if err != nil {
		return state, nil, fmt.Errorf("opening transaction for error re-entry: %w", err)
	}

	next, actions, cont := Transition(state, ErrorEvent{Cause: cause})

	if applyErr := te.Actions.Apply(ctx, state.FlowId, actions); applyErr != nil {
		_ = tx.Rollback(ctx)
		return next, nil, fmt.Errorf("error re-entry also failed (original cause: %v): %w", cause, applyErr)
	}

	if containsAction[CommitTransactionAction](actions) {
		if err := tx.Commit(ctx); err != nil {
			return next, nil, fmt.Errorf("committing error re-entry transaction: %w", err)
		}
	} else {
		_ = tx.Rollback(ctx)
	}

	return next, cont, nil
}

func containsAction[T Action](actions []Action) bool {
	for _, a := range actions {
		if _, ok := a.(T); ok {
			return true
		}
	}
	return false
}
