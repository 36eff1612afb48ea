package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corda-ledger/flownode/core"
	"github.com/corda-ledger/flownode/resilience"
)

// StartFlowRequest describes a fresh flow invocation (spec §4.5): the
// manager assigns a new FlowId and persists an Unstarted checkpoint
// before any user code runs, so a crash before first suspend still
// leaves a replayable record.
type StartFlowRequest struct {
	FlowClass         string
	Version           uint32
	OurIdentity       string
	InvocationContext map[string]string
	IsIdempotent      bool
	IsTimed           bool
}

// FlowManager registers, starts, resumes, and kills flows, and owns the
// session-to-flow routing table (spec §4.5) - grounded on
// task_worker.go's TaskWorkerPool lifecycle (Start/Stop,
// sync.WaitGroup-tracked shutdown) plus hitl_controller.go's
// registry-of-in-flight lookups, generalized to FlowId -> *FlowWorker
// and SessionId -> FlowId routing tables.
type FlowManager struct {
	registry   *Registry
	store      CheckpointStore
	bus        MessageBus
	clock      Clock
	hospital   Hospital
	codec      CheckpointCodec
	retryCfg   *resilience.RetryConfig
	logger     core.Logger
	telemetry  core.Telemetry
	breaker    core.CircuitBreaker
	asyncExec  *AsyncTaskExecutor

	mu       sync.Mutex
	workers  map[FlowId]*managedWorker
	sessions map[SessionId]FlowId
	done     sync.WaitGroup
	closed   bool
}

type managedWorker struct {
	worker *FlowWorker
	cancel context.CancelFunc
	timer  Timer
}

// ManagerOption configures a FlowManager at construction.
type ManagerOption func(*FlowManager)

// WithManagerLogger overrides the manager's logger.
func WithManagerLogger(logger core.Logger) ManagerOption {
	return func(m *FlowManager) {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			m.logger = cal.WithComponent("flow/manager")
		} else {
			m.logger = logger
		}
	}
}

// WithManagerTelemetry overrides the manager's telemetry sink.
func WithManagerTelemetry(t core.Telemetry) ManagerOption {
	return func(m *FlowManager) { m.telemetry = t }
}

// WithHospitalRetry overrides the exponential-backoff policy every
// spawned worker's TransitionExecutor uses to retry a transient action
// failure before escalating to the Flow Hospital (spec §9 Open
// Question: left configurable, defaulting to
// resilience.DefaultRetryConfig()).
func WithHospitalRetry(cfg *resilience.RetryConfig) ManagerOption {
	return func(m *FlowManager) { m.retryCfg = cfg }
}

// WithMessageBreaker wraps every worker's outbound Bus.Send in breaker,
// the way ActionExecutor.Breaker generalizes resilience.CircuitBreaker's
// Execute-wrapping for a flaky peer or broker.
func WithMessageBreaker(breaker core.CircuitBreaker) ManagerOption {
	return func(m *FlowManager) { m.breaker = breaker }
}

// WithAsyncTaskExecutor wires exec as the backing dispatcher for
// ExecuteAsyncIORequest: every spawned worker's ActionExecutor submits
// DispatchAsyncAction to it, and its completions are delivered back to
// the originating flow as AsyncOperationCompletionEvent.
func WithAsyncTaskExecutor(exec *AsyncTaskExecutor) ManagerOption {
	return func(m *FlowManager) { m.asyncExec = exec }
}

// NewFlowManager builds a FlowManager wired to its collaborators. bus's
// inbound handler is claimed by Subscribe during Start.
func NewFlowManager(registry *Registry, store CheckpointStore, bus MessageBus, clock Clock, hospital Hospital, codec CheckpointCodec, opts ...ManagerOption) *FlowManager {
	m := &FlowManager{
		registry:  registry,
		store:     store,
		bus:       bus,
		clock:     clock,
		hospital:  hospital,
		codec:     codec,
		retryCfg:  resilience.DefaultRetryConfig(),
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		workers:   make(map[FlowId]*managedWorker),
		sessions:  make(map[SessionId]FlowId),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.asyncExec != nil {
		m.asyncExec.OnDone = func(flowId FlowId, result []byte, err error) {
			_ = m.ExternalEvent(context.Background(), flowId, AsyncOperationCompletionEvent{Result: result, Err: err})
		}
	}
	return m
}

// Start subscribes to the message bus and reconstructs a worker for
// every non-terminal checkpoint found in the store (spec §4.5: "on
// startup it scans the checkpoint store, reconstructs a worker for
// each non-terminal checkpoint").
func (m *FlowManager) Start(ctx context.Context) error {
	if err := m.bus.Subscribe(m.handleInbound); err != nil {
		return fmt.Errorf("subscribing to message bus: %w", err)
	}

	if m.asyncExec != nil {
		go m.asyncExec.Run(ctx, asyncTaskPollTimeout)
	}

	checkpoints, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing checkpoints at startup: %w", err)
	}

	for _, cp := range checkpoints {
		logic, err := m.registry.New(topFlowClass(cp), topFlowVersion(cp))
		if err != nil {
			m.logger.Error("cannot reconstruct flow at startup, admitting to hospital", map[string]interface{}{
				"flow_id": cp.FlowId.String(),
				"error":   err.Error(),
			})
			_ = m.hospital.Admit(ctx, cp.FlowId, err.Error(), cp)
			continue
		}
		m.spawnWorker(ctx, cp, logic, DoRemainingWorkEvent{})
	}
	return nil
}

// topFlowClass/topFlowVersion resolve the flow type a checkpoint should
// resume with: the root frame if present, else the invocation context's
// recorded class (set by StartFlow for the not-yet-subflowed case).
func topFlowClass(cp *Checkpoint) string {
	if len(cp.SubFlowStack) > 0 {
		return cp.SubFlowStack[0].FlowClass
	}
	return cp.InvocationContext["__flow_class"]
}

func topFlowVersion(cp *Checkpoint) uint32 {
	if len(cp.SubFlowStack) > 0 {
		return uint32(cp.SubFlowStack[0].Version)
	}
	return 0
}

// StartFlow assigns a fresh FlowId, persists its Unstarted checkpoint,
// and launches its worker. Returns the new FlowId immediately; the
// flow's completion is observed via the Hospital (on failure) or the
// checkpoint store (removed on success) rather than a blocking call.
func (m *FlowManager) StartFlow(ctx context.Context, req StartFlowRequest) (FlowId, error) {
	logic, err := m.registry.New(req.FlowClass, req.Version)
	if err != nil {
		return FlowId{}, fmt.Errorf("starting flow: %w", err)
	}

	flowId := NewFlowId()
	invocationContext := cloneStringMap(req.InvocationContext)
	if invocationContext == nil {
		invocationContext = map[string]string{}
	}
	invocationContext["__flow_class"] = req.FlowClass

	cp := &Checkpoint{
		FlowId:            flowId,
		InvocationContext: invocationContext,
		OurIdentity:       req.OurIdentity,
		SubFlowStack:      []SubFlowFrame{{FlowClass: req.FlowClass, Version: int(req.Version), IsIdempotent: req.IsIdempotent, IsTimed: req.IsTimed}},
		Sessions:          map[SessionId]*SessionState{},
		FlowState:         FlowState{Kind: FlowUnstarted},
		ErrorState:        ErrorState{Kind: ErrorClean},
	}

	if err := m.store.Add(ctx, cp); err != nil {
		return FlowId{}, fmt.Errorf("persisting unstarted checkpoint: %w", err)
	}

	m.spawnWorker(ctx, cp, logic, DoRemainingWorkEvent{})

	if req.IsTimed {
		m.armTimeout(flowId, defaultTimedFlowTimeout)
	}
	return flowId, nil
}

// defaultTimedFlowTimeout is the wait-timeout a timed flow gets when
// the caller does not arm one explicitly via ScheduleFlowTimeoutAction
// - spec §5 leaves the exact duration to the flow, this is only the
// manager's own StartFlow-time default.
const defaultTimedFlowTimeout = 30 * time.Second

// asyncTaskPollTimeout bounds how long AsyncTaskExecutor.Run blocks on
// each Dequeue before checking ctx again.
const asyncTaskPollTimeout = 5 * time.Second

func (m *FlowManager) spawnWorker(ctx context.Context, cp *Checkpoint, logic FlowLogic, first Event) {
	actionExec := NewActionExecutor(m.store, m.bus, m.clock, m.hospital)
	actionExec.Logger = m.logger
	actionExec.Telemetry = m.telemetry
	actionExec.Schedule = m.schedule
	actionExec.CancelTimers = m.cancelTimeout
	actionExec.ReleaseLocks = m.releaseSoftLocks
	actionExec.Breaker = m.breaker
	if m.asyncExec != nil {
		actionExec.AsyncDispatch = m.asyncExec.Submit
	}

	transitionExec := NewTransitionExecutor(actionExec)
	transitionExec.Logger = m.logger
	transitionExec.Telemetry = m.telemetry
	transitionExec.RetryConfig = m.retryCfg
	transitionExec.Interceptors = append(transitionExec.Interceptors, WithTelemetrySpan(m.telemetry))

	worker := NewFlowWorker(cp, logic, transitionExec, m.hospital, m.logger)

	workerCtx, cancel := context.WithCancel(ctx)
	worker.onAbort = m.onWorkerAbort
	worker.onStateChange = func(state *Checkpoint) { m.syncSessions(state) }

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.workers[cp.FlowId] = &managedWorker{worker: worker, cancel: cancel}
	for sid := range cp.Sessions {
		m.sessions[sid] = cp.FlowId
	}
	m.mu.Unlock()

	m.done.Add(1)
	go func() {
		defer m.done.Done()
		defer cancel()
		worker.Start(workerCtx)
	}()

	if _, ok := first.(DoRemainingWorkEvent); ok {
		_ = worker.Enqueue(workerCtx, first)
	}
}

func (m *FlowManager) onWorkerAbort(flowId FlowId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mw, ok := m.workers[flowId]; ok {
		mw.cancel()
		if mw.timer != nil {
			mw.timer.Stop()
		}
	}
	delete(m.workers, flowId)
	for sid, fid := range m.sessions {
		if fid == flowId {
			delete(m.sessions, sid)
		}
	}
}

// schedule re-delivers event to flowId's inbox after a delay, the way
// ActionExecutor.Schedule is wired for ScheduleEventAction,
// SleepUntilAction, and ScheduleFlowTimeoutAction - backed by the
// injected Clock so tests can drive it deterministically with
// FakeClock.
func (m *FlowManager) schedule(flowId FlowId, event Event, after time.Duration) {
	m.clock.AfterFunc(after, func() {
		m.mu.Lock()
		mw, ok := m.workers[flowId]
		m.mu.Unlock()
		if !ok {
			return
		}
		_ = mw.worker.Enqueue(context.Background(), event)
	})
}

// armTimeout schedules a RetryFlowFromSafePointEvent after d, tracked
// so CancelFlowTimeoutAction can stop it (spec §5: "on expiry the
// manager enqueues RetryFlowFromSafePoint").
func (m *FlowManager) armTimeout(flowId FlowId, d time.Duration) {
	timer := m.clock.AfterFunc(d, func() {
		m.mu.Lock()
		mw, ok := m.workers[flowId]
		m.mu.Unlock()
		if !ok {
			return
		}
		_ = mw.worker.Enqueue(context.Background(), RetryFlowFromSafePointEvent{})
	})
	m.mu.Lock()
	if mw, ok := m.workers[flowId]; ok {
		mw.timer = timer
	}
	m.mu.Unlock()
}

func (m *FlowManager) cancelTimeout(flowId FlowId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mw, ok := m.workers[flowId]; ok && mw.timer != nil {
		mw.timer.Stop()
		mw.timer = nil
	}
}

// releaseSoftLocks is the default SoftLockReleaseFunc: the manager has
// no ledger of its own, so this only logs the release point hosts wire
// a real implementation into via ActionExecutor.ReleaseLocks directly
// if they need one (e.g. by constructing the ActionExecutor themselves
// instead of going through StartFlow).
func (m *FlowManager) releaseSoftLocks(ctx context.Context, softLockID string) error {
	m.logger.Debug("soft lock released", map[string]interface{}{"soft_lock_id": softLockID})
	return nil
}

// KillFlow cancels flowId's worker context immediately, the "last
// resort" forcible termination spec §5 permits only for shutdown or an
// explicit external kill - ordinary cancellation should instead enqueue
// an Error(CancellationRequested) event via ExternalEvent so the flow
// can complete its current transition first.
func (m *FlowManager) KillFlow(flowId FlowId) error {
	m.mu.Lock()
	mw, ok := m.workers[flowId]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("kill flow %s: %w", flowId, ErrFlowNotFound)
	}
	mw.cancel()
	return nil
}

// ErrCancellationRequested is the cause wrapped in an ErrorEvent posted
// by ExternalEvent's cancellation path (spec §5).
var ErrCancellationRequested = fmt.Errorf("cancellation requested")

// ErrFlowNotFound is returned by manager operations addressing a
// FlowId with no live worker. Wrapped around core.ErrNotFound for the
// same reason as flow.ErrCheckpointNotFound.
var ErrFlowNotFound = fmt.Errorf("flow not found: %w", core.ErrNotFound)

// ExternalEvent delivers an externally-sourced event (a cancellation
// request, an async-operation completion) to a live flow's inbox.
func (m *FlowManager) ExternalEvent(ctx context.Context, flowId FlowId, event Event) error {
	m.mu.Lock()
	mw, ok := m.workers[flowId]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("external event for flow %s: %w", flowId, ErrFlowNotFound)
	}
	return mw.worker.Enqueue(ctx, event)
}

// CheckpointView is the read-only snapshot Snapshot returns (spec §6's
// Observable surface).
type CheckpointView struct {
	FlowId           FlowId
	FlowStateKind     FlowStateKind
	NumberOfSuspends  uint64
	ProgressStep      string
	ErrorStateKind    ErrorStateKind
	OpenSessionCount  int
}

// Snapshot returns a read-only view of flowId's checkpoint as last
// persisted in the store; a live worker's in-memory state is not read.
func (m *FlowManager) Snapshot(ctx context.Context, flowId FlowId) (CheckpointView, error) {
	cp, err := m.store.Get(ctx, flowId)
	if err != nil {
		return CheckpointView{}, err
	}
	open := 0
	for _, s := range cp.Sessions {
		if s.Kind != SessionClosed {
			open++
		}
	}
	return CheckpointView{
		FlowId:           cp.FlowId,
		FlowStateKind:    cp.FlowState.Kind,
		NumberOfSuspends: cp.NumberOfSuspends,
		ProgressStep:     cp.ProgressStep,
		ErrorStateKind:   cp.ErrorState.Kind,
		OpenSessionCount: open,
	}, nil
}

// handleInbound routes an inbound envelope to its owning flow by
// sessionId, per spec §4.5 ("routes inbound session messages by
// sessionId"). An envelope for an unknown session is dropped with a
// warning - the flow may have already terminated or never existed on
// this node.
func (m *FlowManager) handleInbound(ctx context.Context, env Envelope) {
	m.mu.Lock()
	flowId, ok := m.sessions[env.Message.SessionId]
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("dropping inbound message for unknown session", map[string]interface{}{"session_id": env.Message.SessionId})
		return
	}

	m.mu.Lock()
	mw, ok := m.workers[flowId]
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = mw.worker.Enqueue(ctx, DeliverSessionMessageEvent{SessionId: env.Message.SessionId, Message: env.Message})
}

// RegisterSession associates sessionId with flowId in the routing
// table so future inbound envelopes for that session reach the right
// worker - called once a session transitions out of Uninitiated
// (InitiateFlowEvent's SendInitialAction carries the new sessionId, but
// only the manager knows the global routing table).
func (m *FlowManager) RegisterSession(sessionId SessionId, flowId FlowId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionId] = flowId
}

// syncSessions keeps the manager's SessionId -> FlowId routing table in
// step with sessions a flow opens mid-execution (InitiateFlowEvent),
// since the worker's own checkpoint is the only place new sessions
// first appear.
func (m *FlowManager) syncSessions(state *Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, sess := range state.Sessions {
		if sess.Kind == SessionClosed {
			delete(m.sessions, sid)
			continue
		}
		m.sessions[sid] = state.FlowId
	}
}

// Wait blocks until every flow worker the manager has started has
// stopped - the "unfinished flows" gate spec §4.5 describes. The
// goroutine spawnWorker starts for each worker calls done.Done once,
// when that worker's Start returns.
func (m *FlowManager) Wait() {
	m.done.Wait()
}

// Shutdown stops accepting new work and waits for every live worker to
// abort, up to ctx's deadline. It does not forcibly cancel workers -
// spec §5 reserves forcible interruption for "a last resort on
// shutdown", so a caller that needs a hard deadline should cancel the
// context it originally started workers with instead.
func (m *FlowManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.done.Wait()
		close(done)
	}()

	select {
	case <-done:
		return m.bus.Close()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LiveFlowCount reports the number of currently-resident flow workers,
// for operator tooling / tests.
func (m *FlowManager) LiveFlowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
