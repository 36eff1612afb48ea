package flow

import (
	"context"
	"sync"
)

// InMemoryCheckpointStore implements CheckpointStore in memory, for
// tests and single-process development - grounded on the teacher's
// InMemoryStateStore (orchestration/workflow_state.go).
type InMemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[FlowId]*Checkpoint
}

// NewInMemoryCheckpointStore returns an empty InMemoryCheckpointStore.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{
		checkpoints: make(map[FlowId]*Checkpoint),
	}
}

func (s *InMemoryCheckpointStore) Add(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.checkpoints[cp.FlowId]; exists {
		return ErrCheckpointExists
	}
	s.checkpoints[cp.FlowId] = cloneCheckpoint(cp)
	return nil
}

func (s *InMemoryCheckpointStore) Update(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.checkpoints[cp.FlowId]
	if !ok {
		return ErrCheckpointNotFound
	}
	if cp.NumberOfSuspends <= existing.NumberOfSuspends {
		return ErrSuspendOutOfOrder
	}
	s.checkpoints[cp.FlowId] = cloneCheckpoint(cp)
	return nil
}

func (s *InMemoryCheckpointStore) Remove(ctx context.Context, flowId FlowId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, flowId)
	return nil
}

func (s *InMemoryCheckpointStore) Get(ctx context.Context, flowId FlowId) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[flowId]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return cloneCheckpoint(cp), nil
}

func (s *InMemoryCheckpointStore) List(ctx context.Context) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		if cp.FlowState.Kind.IsTerminal() {
			continue
		}
		out = append(out, cloneCheckpoint(cp))
	}
	return out, nil
}
