package flow

import (
	"context"
	"errors"
)

// ErrQueueClosed is returned by EventQueue.Enqueue once Close has been
// called.
var ErrQueueClosed = errors.New("event queue closed")

// EventQueue is a per-flow, single-consumer, multi-producer inbox with
// FIFO delivery (spec §4.4). It is deliberately in-process only - the
// per-flow ordering invariant holds because exactly one FlowWorker
// goroutine ever calls Dequeue for a given flow, mirroring
// core.TaskQueue's Enqueue/Dequeue shape (core/async_task.go) but
// specialized to a plain buffered channel instead of a Redis-backed
// cluster-wide queue, since this inbox never needs to be seen outside
// the process that owns the flow.
type EventQueue struct {
	ch     chan Event
	closed chan struct{}
}

// NewEventQueue returns an EventQueue with the given bounded capacity.
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventQueue{
		ch:     make(chan Event, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue appends an event to the inbox, blocking if it is full until
// room is available, ctx is cancelled, or the queue is closed.
func (q *EventQueue) Enqueue(ctx context.Context, e Event) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- e:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks for the next event, or returns ctx.Err() if ctx is
// cancelled first, or (nil, nil) once the queue is closed and drained.
func (q *EventQueue) Dequeue(ctx context.Context) (Event, error) {
	select {
	case e, ok := <-q.ch:
		if !ok {
			return nil, nil
		}
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops further Enqueue calls and, once drained, causes Dequeue
// to return (nil, nil).
func (q *EventQueue) Close() {
	select {
	case <-q.closed:
		return
	default:
		close(q.closed)
		close(q.ch)
	}
}

// Len reports the number of events currently buffered.
func (q *EventQueue) Len() int {
	return len(q.ch)
}
