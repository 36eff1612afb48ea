package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/corda-ledger/flownode/core"
)

// RedisMessageBus implements MessageBus over Redis lists - LPUSH to
// enqueue an outbound envelope on the destination peer's queue, BRPOP
// to receive, grounded on orchestration/redis_task_queue.go's
// LPUSH/BRPOP queue shape, repointed at per-peer envelope queues
// instead of one shared task queue. An envelope leaves the queue when
// BRPOP returns it; it is not redelivered if the process stops before
// the handler has run.
type RedisMessageBus struct {
	client         *redis.Client
	ownIdentity    string
	receiveTimeout time.Duration
	logger         core.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	handler MessageHandler
}

// RedisMessageBusOption configures a RedisMessageBus.
type RedisMessageBusOption func(*RedisMessageBus)

// WithBusLogger sets the logger used for bus operations.
func WithBusLogger(logger core.Logger) RedisMessageBusOption {
	return func(b *RedisMessageBus) {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			b.logger = cal.WithComponent("flow/bus")
		} else {
			b.logger = logger
		}
	}
}

// NewRedisMessageBus returns a RedisMessageBus for the node identified
// by ownIdentity. receiveTimeout bounds each blocking receive poll so
// Subscribe's background loop can observe context cancellation.
func NewRedisMessageBus(client *redis.Client, ownIdentity string, receiveTimeout time.Duration, opts ...RedisMessageBusOption) *RedisMessageBus {
	if receiveTimeout <= 0 {
		receiveTimeout = 5 * time.Second
	}
	b := &RedisMessageBus{
		client:         client,
		ownIdentity:    ownIdentity,
		receiveTimeout: receiveTimeout,
		logger:         &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisMessageBus) queueKey(identity string) string {
	return fmt.Sprintf("flownode:sessions:%s", identity)
}

func (b *RedisMessageBus) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := b.client.LPush(ctx, b.queueKey(env.Peer), data).Err(); err != nil {
		b.logger.Error("send failed", map[string]interface{}{"peer": env.Peer, "error": err.Error()})
		return fmt.Errorf("sending envelope to %s: %w", env.Peer, err)
	}
	return nil
}

func (b *RedisMessageBus) Subscribe(handler MessageHandler) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.wg.Wait()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.handler = handler
	b.mu.Unlock()

	b.wg.Add(1)
	go b.receiveLoop(ctx)
	return nil
}

func (b *RedisMessageBus) receiveLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := b.client.BRPop(ctx, b.receiveTimeout, b.queueKey(b.ownIdentity)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("receive failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if len(result) < 2 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
			b.logger.Error("malformed envelope", map[string]interface{}{"error": err.Error()})
			continue
		}

		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler != nil {
			handler(ctx, env)
		}
	}
}

func (b *RedisMessageBus) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		b.wg.Wait()
	}
	return nil
}
