package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/corda-ledger/flownode/core"
)

// RedisCheckpointStore implements CheckpointStore over Redis, keeping
// one key per flow plus a set index of non-terminal flow ids for List -
// grounded on orchestration/workflow_state.go's RedisStateStore
// (Watch/TxPipelined for atomic read-modify-write) and
// hitl_checkpoint_store.go's key-prefix-plus-SAdd-index pattern for the
// pending-checkpoint scan.
type RedisCheckpointStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	codec     CheckpointCodec
	logger    core.Logger
}

// RedisCheckpointStoreOption configures a RedisCheckpointStore.
type RedisCheckpointStoreOption func(*RedisCheckpointStore)

// WithCheckpointCodec overrides the default JSON+gob codec.
func WithCheckpointCodec(codec CheckpointCodec) RedisCheckpointStoreOption {
	return func(s *RedisCheckpointStore) { s.codec = codec }
}

// WithCheckpointStoreLogger sets the logger used for store operations.
func WithCheckpointStoreLogger(logger core.Logger) RedisCheckpointStoreOption {
	return func(s *RedisCheckpointStore) {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("flow/store")
		} else {
			s.logger = logger
		}
	}
}

// NewRedisCheckpointStore creates a RedisCheckpointStore backed by the
// given client. ttl bounds how long a checkpoint survives without being
// rewritten; pass 0 to disable expiry. The constructor applies no
// default of its own; cmd/flownode passes core.Config's Store.TTL,
// which defaults to 168h.
func NewRedisCheckpointStore(client *redis.Client, ttl time.Duration, opts ...RedisCheckpointStoreOption) *RedisCheckpointStore {
	s := &RedisCheckpointStore{
		client:    client,
		keyPrefix: "flownode:checkpoint",
		ttl:       ttl,
		codec:     NewDefaultCodec(),
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisCheckpointStore) key(flowId FlowId) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, flowId.String())
}

func (s *RedisCheckpointStore) pendingIndexKey() string {
	return s.keyPrefix + ":pending"
}

func (s *RedisCheckpointStore) Add(ctx context.Context, cp *Checkpoint) error {
	key := s.key(cp.FlowId)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("checking existing checkpoint: %w", err)
		}
		if exists != 0 {
			return ErrCheckpointExists
		}

		data, err := s.codec.Encode(cp)
		if err != nil {
			return fmt.Errorf("encoding checkpoint: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			if !cp.FlowState.Kind.IsTerminal() {
				pipe.SAdd(ctx, s.pendingIndexKey(), cp.FlowId.String())
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("persisting checkpoint: %w", err)
		}

		s.logger.Debug("checkpoint added", map[string]interface{}{"flow_id": cp.FlowId.String()})
		return nil
	}, key)
}

func (s *RedisCheckpointStore) Update(ctx context.Context, cp *Checkpoint) error {
	key := s.key(cp.FlowId)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrCheckpointNotFound
		}
		if err != nil {
			return fmt.Errorf("loading existing checkpoint: %w", err)
		}

		existing, err := s.codec.Decode(data)
		if err != nil {
			return fmt.Errorf("decoding existing checkpoint: %w", err)
		}
		if cp.NumberOfSuspends <= existing.NumberOfSuspends {
			return ErrSuspendOutOfOrder
		}

		newData, err := s.codec.Encode(cp)
		if err != nil {
			return fmt.Errorf("encoding checkpoint: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, s.ttl)
			if cp.FlowState.Kind.IsTerminal() {
				pipe.SRem(ctx, s.pendingIndexKey(), cp.FlowId.String())
			} else {
				pipe.SAdd(ctx, s.pendingIndexKey(), cp.FlowId.String())
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("persisting checkpoint: %w", err)
		}
		return nil
	}, key)
}

func (s *RedisCheckpointStore) Remove(ctx context.Context, flowId FlowId) error {
	key := s.key(flowId)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, s.pendingIndexKey(), flowId.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing checkpoint: %w", err)
	}
	return nil
}

func (s *RedisCheckpointStore) Get(ctx context.Context, flowId FlowId) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key(flowId)).Bytes()
	if err == redis.Nil {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	cp, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return cp, nil
}

func (s *RedisCheckpointStore) List(ctx context.Context) ([]*Checkpoint, error) {
	ids, err := s.client.SMembers(ctx, s.pendingIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing pending checkpoint ids: %w", err)
	}

	out := make([]*Checkpoint, 0, len(ids))
	for _, idStr := range ids {
		flowId, err := ParseFlowId(idStr)
		if err != nil {
			s.logger.Warn("skipping malformed pending checkpoint id", map[string]interface{}{"id": idStr})
			continue
		}
		cp, err := s.Get(ctx, flowId)
		if err != nil {
			s.logger.Warn("skipping unreadable pending checkpoint", map[string]interface{}{"flow_id": idStr, "error": err.Error()})
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}
