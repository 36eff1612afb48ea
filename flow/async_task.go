package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/corda-ledger/flownode/core"
)

// AsyncHandlerFunc performs the external work an ExecuteAsyncIORequest's
// opHandle names. Implementations should set task.Result (either []byte
// or anything json.Marshal can encode) before returning; the result is
// what AsyncOperationCompletionEvent hands back to the parked flow.
type AsyncHandlerFunc func(ctx context.Context, task *core.Task) error

// AsyncCompletionFunc delivers a finished async task back to its flow.
// FlowManager wires this to ExternalEvent(flowId,
// AsyncOperationCompletionEvent{...}).
type AsyncCompletionFunc func(flowId FlowId, result []byte, err error)

// AsyncTaskExecutor dispatches ExecuteAsyncIORequest operations onto a
// core.TaskQueue/core.TaskStore pair instead of running them inline on
// the flow-logic goroutine - grounded on core/async_task.go's
// TaskQueue/TaskStore/TaskHandler contract (the framework's "HTTP 202 +
// polling" background worker for long-running operations) and
// task_worker.go's dequeue-execute-store loop that contract documents
// itself as modeled on.
type AsyncTaskExecutor struct {
	Queue  core.TaskQueue
	Store  core.TaskStore
	OnDone AsyncCompletionFunc
	Logger core.Logger

	mu       sync.RWMutex
	handlers map[string]AsyncHandlerFunc
}

// NewAsyncTaskExecutor builds an AsyncTaskExecutor over queue and store.
func NewAsyncTaskExecutor(queue core.TaskQueue, store core.TaskStore) *AsyncTaskExecutor {
	return &AsyncTaskExecutor{
		Queue:    queue,
		Store:    store,
		Logger:   &core.NoOpLogger{},
		handlers: make(map[string]AsyncHandlerFunc),
	}
}

// RegisterHandler binds opHandle, used verbatim as the task type, to the
// function that performs its work.
func (e *AsyncTaskExecutor) RegisterHandler(opHandle string, handler AsyncHandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[opHandle] = handler
}

// Submit enqueues opHandle's work for flowId. It is the AsyncDispatchFunc
// the ActionExecutor calls when applying a DispatchAsyncAction.
func (e *AsyncTaskExecutor) Submit(ctx context.Context, flowId FlowId, opHandle string) error {
	task := core.NewTask(NewFlowId().String(), opHandle, map[string]interface{}{"flow_id": flowId.String()})
	if err := e.Store.Create(ctx, task); err != nil {
		return fmt.Errorf("recording async task: %w", err)
	}
	if err := e.Queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueuing async task: %w", err)
	}
	return nil
}

// Run drains the queue until ctx is cancelled, dispatching each task to
// its registered handler and delivering the outcome via OnDone. Callers
// run this as a background goroutine, one per node.
func (e *AsyncTaskExecutor) Run(ctx context.Context, pollTimeout time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := e.Queue.Dequeue(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.Logger.Warn("async task dequeue failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if task == nil {
			continue
		}
		e.process(ctx, task)
	}
}

func (e *AsyncTaskExecutor) process(ctx context.Context, task *core.Task) {
	now := time.Now()
	task.StartedAt = &now
	task.Status = core.TaskStatusRunning
	if err := e.Store.Update(ctx, task); err != nil {
		e.Logger.Warn("failed to record async task running", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}

	flowIdStr, _ := task.Input["flow_id"].(string)
	flowId, parseErr := ParseFlowId(flowIdStr)
	if parseErr != nil {
		e.Logger.Error("async task carries an unparsable flow id", map[string]interface{}{"task_id": task.ID, "error": parseErr.Error()})
		return
	}

	e.mu.RLock()
	handler, ok := e.handlers[task.Type]
	e.mu.RUnlock()

	runErr := e.run(ctx, task, handler, ok)

	completed := time.Now()
	task.CompletedAt = &completed
	if runErr != nil {
		task.Status = core.TaskStatusFailed
		task.Error = &core.TaskError{Code: core.TaskErrorCodeHandlerError, Message: runErr.Error()}
	} else {
		task.Status = core.TaskStatusCompleted
	}
	if err := e.Store.Update(ctx, task); err != nil {
		e.Logger.Warn("failed to record async task completion", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}

	if e.OnDone != nil {
		e.OnDone(flowId, resultBytes(task.Result), runErr)
	}
}

func (e *AsyncTaskExecutor) run(ctx context.Context, task *core.Task, handler AsyncHandlerFunc, ok bool) (runErr error) {
	if !ok {
		return fmt.Errorf("no handler registered for async op %q", task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("async handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

func resultBytes(result interface{}) []byte {
	if result == nil {
		return nil
	}
	if b, ok := result.([]byte); ok {
		return b
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return b
}

// InMemoryTaskQueue implements core.TaskQueue as a single buffered
// channel, the in-process counterpart to the Redis-backed LPUSH/BRPOP
// queue bus_redis.go wires for session messages - grounded on
// eventqueue.go's bounded-channel inbox shape.
type InMemoryTaskQueue struct {
	ch chan *core.Task
}

// NewInMemoryTaskQueue returns an InMemoryTaskQueue with the given
// bounded capacity.
func NewInMemoryTaskQueue(capacity int) *InMemoryTaskQueue {
	if capacity <= 0 {
		capacity = 16
	}
	return &InMemoryTaskQueue{ch: make(chan *core.Task, capacity)}
}

func (q *InMemoryTaskQueue) Enqueue(ctx context.Context, task *core.Task) error {
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryTaskQueue) Dequeue(ctx context.Context, timeout time.Duration) (*core.Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case task := <-q.ch:
		return task, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Acknowledge is a no-op: a single-process channel queue has already
// handed the task to exactly one consumer by the time Dequeue returns.
func (q *InMemoryTaskQueue) Acknowledge(ctx context.Context, taskID string) error { return nil }

// Reject is a no-op: this queue makes no at-least-once redelivery
// guarantee - a caller that needs retry re-enqueues explicitly.
func (q *InMemoryTaskQueue) Reject(ctx context.Context, taskID string, reason string) error {
	return nil
}

// InMemoryTaskStore implements core.TaskStore over a core.MemoryStore,
// JSON-encoding each Task into the TTL-keyed string cache memory_store.go
// already provides rather than reimplementing a second in-memory map.
type InMemoryTaskStore struct {
	mem *core.MemoryStore
	ttl time.Duration
}

// NewInMemoryTaskStore builds an InMemoryTaskStore over mem (a fresh
// core.NewMemoryStore() if nil), keeping completed tasks for ttl before
// they age out (0 disables expiry).
func NewInMemoryTaskStore(mem *core.MemoryStore, ttl time.Duration) *InMemoryTaskStore {
	if mem == nil {
		mem = core.NewMemoryStore()
	}
	return &InMemoryTaskStore{mem: mem, ttl: ttl}
}

func taskStoreKey(taskID string) string { return "flownode:async-task:" + taskID }

func (s *InMemoryTaskStore) Create(ctx context.Context, task *core.Task) error {
	exists, err := s.mem.Exists(ctx, taskStoreKey(task.ID))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	return s.put(ctx, task)
}

func (s *InMemoryTaskStore) Get(ctx context.Context, taskID string) (*core.Task, error) {
	raw, err := s.mem.Get(ctx, taskStoreKey(taskID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, core.ErrTaskNotFound
	}
	var task core.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	return &task, nil
}

func (s *InMemoryTaskStore) Update(ctx context.Context, task *core.Task) error {
	if _, err := s.Get(ctx, task.ID); err != nil {
		return err
	}
	return s.put(ctx, task)
}

func (s *InMemoryTaskStore) Delete(ctx context.Context, taskID string) error {
	return s.mem.Delete(ctx, taskStoreKey(taskID))
}

func (s *InMemoryTaskStore) Cancel(ctx context.Context, taskID string) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return core.ErrTaskNotCancellable
	}
	now := time.Now()
	task.Status = core.TaskStatusCancelled
	task.CancelledAt = &now
	return s.put(ctx, task)
}

func (s *InMemoryTaskStore) put(ctx context.Context, task *core.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}
	return s.mem.Set(ctx, taskStoreKey(task.ID), string(data), s.ttl)
}
