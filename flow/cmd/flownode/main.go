// Command flownode wires the Flow State Machine runtime to concrete
// collaborator implementations and registers two sample flows, starting
// PingPongFlow when run with the "demo" argument, the way the teacher
// repository's core/cmd/example gives the core library a runnable home.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corda-ledger/flownode/core"
	"github.com/corda-ledger/flownode/flow"
	"github.com/corda-ledger/flownode/resilience"
	"github.com/corda-ledger/flownode/telemetry"
)

func init() {
	flow.RegisterContinuationType(pingPongResult{})

	if err := flow.DefaultRegistry.Register("PingPongFlow", 1, func() flow.FlowLogic {
		return &pingPongFlow{}
	}); err != nil {
		panic(err)
	}
	if err := flow.DefaultRegistry.Register("NotaryIdempotentFlow", 1, func() flow.FlowLogic {
		return &notaryIdempotentFlow{}
	}); err != nil {
		panic(err)
	}
}

// pingPongResult is the terminal value pingPongFlow.Call returns,
// registered with the Checkpoint Codec's gob continuation encoder so a
// resumed flow can replay it from history.
type pingPongResult struct {
	Reply string
}

// pingPongFlow is the S1 "happy-path send/receive" sample from spec §8:
// it opens a session to a counterparty, sends a ping, and blocks for
// the reply.
type pingPongFlow struct{}

func (f *pingPongFlow) Call(ctx *flow.FlowContext) ([]byte, error) {
	sid, err := ctx.InitiateFlow("counterparty-node")
	if err != nil {
		return nil, fmt.Errorf("initiating flow: %w", err)
	}
	replies, err := ctx.SendAndReceive(map[flow.SessionId][]byte{sid: []byte("ping")})
	if err != nil {
		return nil, fmt.Errorf("send-and-receive: %w", err)
	}
	if err := ctx.CloseSessions(sid); err != nil {
		return nil, fmt.Errorf("closing session: %w", err)
	}
	return replies[sid], nil
}

// notaryIdempotentFlow is the S3 sample: when started with
// StartFlowRequest.IsIdempotent set, its Send and Receive suspends skip
// checkpoint persistence, while InitiateFlow and the finish still
// persist. run() registers it but does not start it.
type notaryIdempotentFlow struct{}

func (f *notaryIdempotentFlow) Call(ctx *flow.FlowContext) ([]byte, error) {
	sid, err := ctx.InitiateFlow("notary-node")
	if err != nil {
		return nil, err
	}
	if err := ctx.Send(sid, []byte("notarise-request")); err != nil {
		return nil, err
	}
	if _, err := ctx.Receive(sid); err != nil {
		return nil, err
	}
	return []byte("notarised"), nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var opts []core.Option
	if path := os.Getenv("FLOWNODE_CONFIG"); path != "" {
		opts = append(opts, core.WithConfigFile(path))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)

	var telemetryProvider core.Telemetry = &core.NoOpTelemetry{}
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewNodeTelemetry(cfg.Name, cfg.Telemetry.Endpoint)
		if err != nil {
			logger.Warn("telemetry disabled: failed to initialize provider", map[string]interface{}{"error": err.Error()})
		} else {
			telemetryProvider = provider
			defer provider.Shutdown(context.Background())
		}
	}

	store, closeStore, err := buildCheckpointStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("building checkpoint store: %w", err)
	}
	defer closeStore()

	bus, err := buildMessageBus(cfg, logger)
	if err != nil {
		return fmt.Errorf("building message bus: %w", err)
	}

	clock := flow.RealClock{}
	hospital := flow.NewInMemoryHospital(logger)
	codec := flow.NewDefaultCodec()

	managerOpts := []flow.ManagerOption{
		flow.WithManagerLogger(logger),
		flow.WithManagerTelemetry(telemetryProvider),
	}

	if breaker, err := buildMessageBreaker(cfg, logger); err != nil {
		logger.Warn("message circuit breaker disabled: construction failed", map[string]interface{}{"error": err.Error()})
	} else if breaker != nil {
		managerOpts = append(managerOpts, flow.WithMessageBreaker(breaker))
	}

	asyncExec := buildAsyncTaskExecutor(logger)
	managerOpts = append(managerOpts, flow.WithAsyncTaskExecutor(asyncExec))

	manager := flow.NewFlowManager(
		flow.DefaultRegistry,
		store,
		bus,
		clock,
		hospital,
		codec,
		managerOpts...,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting flow manager: %w", err)
	}
	logger.Info("flownode started", map[string]interface{}{"name": cfg.Name, "worker_count": cfg.Worker.Count})

	if len(os.Args) > 1 && os.Args[1] == "demo" {
		if _, err := manager.StartFlow(ctx, flow.StartFlowRequest{
			FlowClass:   "PingPongFlow",
			Version:     1,
			OurIdentity: cfg.Name,
		}); err != nil {
			logger.Error("failed to start demo flow", map[string]interface{}{"error": err.Error()})
		}
	}

	<-ctx.Done()
	logger.Info("shutting down", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()
	return manager.Shutdown(shutdownCtx)
}

// buildCheckpointStore constructs the checkpoint store's Redis client
// through core.NewRedisClient rather than dialing go-redis directly, so
// checkpoint storage gets the same URL parsing, DB isolation, and
// connect-time health check every other Redis-backed collaborator in
// the framework gets. Checkpoints are TTL-bounded state keyed by flow
// id, the closest fit among the framework's documented DB roles is
// RedisDBCache.
func buildCheckpointStore(cfg *core.Config, logger core.Logger) (flow.CheckpointStore, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		rc, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.Store.RedisURL,
			DB:        core.RedisDBCache,
			Namespace: "flownode:checkpoint",
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting checkpoint redis: %w", err)
		}
		store := flow.NewRedisCheckpointStore(rc.Client(), cfg.Store.TTL)
		return store, func() { _ = rc.Close() }, nil
	default:
		return flow.NewInMemoryCheckpointStore(), func() {}, nil
	}
}

// buildMessageBus constructs the message bus's Redis client on
// RedisDBSessions - the DB core/redis_client.go's own allocation table
// documents as "Session storage", the closest fit for a bus whose
// queues are keyed by session peer identity (bus_redis.go).
func buildMessageBus(cfg *core.Config, logger core.Logger) (flow.MessageBus, error) {
	switch cfg.Bus.Backend {
	case "redis":
		rc, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.Bus.RedisURL,
			DB:        core.RedisDBSessions,
			Namespace: "flownode:sessions",
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting bus redis: %w", err)
		}
		return flow.NewRedisMessageBus(rc.Client(), cfg.Name, cfg.Bus.ReceiveTimeout, flow.WithBusLogger(logger)), nil
	default:
		return flow.NewInMemoryMessageBus(), nil
	}
}

// buildMessageBreaker builds the circuit breaker that guards every
// outbound session send, gated on cfg.Resilience.CircuitBreaker.Enabled.
// Returns (nil, nil) when disabled.
func buildMessageBreaker(cfg *core.Config, logger core.Logger) (core.CircuitBreaker, error) {
	cbCfg := cfg.Resilience.CircuitBreaker
	if !cbCfg.Enabled {
		return nil, nil
	}
	breaker, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:             cfg.Name + ".message-bus",
		ErrorThreshold:   0.5,
		VolumeThreshold:  cbCfg.Threshold,
		SleepWindow:      cbCfg.Timeout,
		HalfOpenRequests: cbCfg.HalfOpenRequests,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  resilience.DefaultErrorClassifier,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	return breaker, nil
}

// buildAsyncTaskExecutor wires an in-process AsyncTaskExecutor for
// ExecuteAsyncIORequest over the in-memory task queue and store, with a
// sample "notary-confirmation" handler registered.
func buildAsyncTaskExecutor(logger core.Logger) *flow.AsyncTaskExecutor {
	queue := flow.NewInMemoryTaskQueue(64)
	store := flow.NewInMemoryTaskStore(core.NewMemoryStore(), 24*time.Hour)
	exec := flow.NewAsyncTaskExecutor(queue, store)
	exec.Logger = logger
	exec.RegisterHandler("notary-confirmation", func(ctx context.Context, task *core.Task) error {
		task.Result = []byte("confirmed")
		return nil
	})
	return exec
}
