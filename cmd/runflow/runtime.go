package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dukex/runflow/pkg/cmd"
	"github.com/dukex/runflow/pkg/engine"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/graph"
	"github.com/dukex/runflow/pkg/log"
	"github.com/dukex/runflow/pkg/metrics"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/nodeexec"
	"github.com/dukex/runflow/pkg/orchestrator"
	"github.com/dukex/runflow/pkg/otelhelper"
	"github.com/dukex/runflow/pkg/realtime"
	"github.com/dukex/runflow/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

const flowStateTTL = 24 * time.Hour

// runtime is everything a serving process owns.
type runtime struct {
	engine   *engine.Engine
	hub      *realtime.Hub
	logger   *slog.Logger
	shutdown []func(context.Context) error
}

// Close stops the engine first, then the components it published to.
func (r *runtime) Close(ctx context.Context) error {
	var errs []error

	if err := r.engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	for i := len(r.shutdown) - 1; i >= 0; i-- {
		if err := r.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// buildRuntime wires persistence, queue, realtime channel, orchestrator
// and engine from the command flags.
func buildRuntime(ctx context.Context, command *cli.Command, mode engine.Mode, reg prometheus.Registerer) (_ *runtime, err error) {
	logger := log.WithModule("runflow").With("mode", mode)
	collector := metrics.NewCollector(reg)

	rt := &runtime{logger: logger}

	// components opened before a failure are released
	var opened []func(context.Context) error

	defer func() {
		if err == nil {
			return
		}

		for i := len(opened) - 1; i >= 0; i-- {
			_ = opened[i](context.WithoutCancel(ctx))
		}
	}()

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, err
	}

	opened = append(opened, store.Close)

	var redisClient *redis.Client

	if url := command.String("redis-url"); url != "" {
		redisClient, err = cmd.NewRedisClient(url)
		if err != nil {
			return nil, err
		}

		opened = append(opened, func(context.Context) error { return redisClient.Close() })
	}

	var tracerShutdown []func(context.Context) error

	// a nil *redis.Client must not become a non-nil interface
	var redisConn redis.UniversalClient
	if redisClient != nil {
		redisConn = redisClient
	}

	tracer, shutdownTracer, err := newTracer(ctx, command.Bool("otel-enabled"))
	if err != nil {
		return nil, err
	}

	if shutdownTracer != nil {
		opened = append(opened, shutdownTracer)
		tracerShutdown = append(tracerShutdown, shutdownTracer)
	}

	channel, err := cmd.NewRealtimeChannel(cmd.RealtimeConfig{
		Provider:     command.String("realtime-provider"),
		Redis:        redisConn,
		KafkaBrokers: command.StringSlice("kafka-brokers"),
		OTELEnabled:  command.Bool("otel-enabled"),
	}, logger)
	if err != nil {
		return nil, err
	}

	opened = append(opened, func(context.Context) error { return channel.Close() })

	rt.hub = realtime.NewHub(channel, collector, logger)
	opened = append(opened, func(context.Context) error { return rt.hub.Close() })

	// closed by the engine after its runs settle, hub before channel before redis
	closers := []io.Closer{rt.hub, channel}
	if redisClient != nil {
		closers = append(closers, redisClient)
	}

	breakerTemplate := resilience.DefaultCircuitBreakerConfig("")
	breakerTemplate.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		collector.BreakerState(name, int(to))
	}

	breakers := resilience.NewBreakerRegistry(breakerTemplate)

	orch, err := orchestrator.New(orchestrator.Config{
		Concurrency:      command.Int("execution-concurrency"),
		ExecutionTimeout: command.Duration("execution-timeout"),
	}, orchestrator.Deps{
		Persistence: store,
		Executor:    nodeexec.NewRegistry(),
		Observer:    events.NewDispatcher(realtime.NewRelay(channel, collector, logger)),
		Breakers:    breakers,
		FlowState:   cmd.NewFlowStateStore(redisConn, flowStateTTL),
		Notifier: orchestrator.ErrorNotifierFunc(func(ctx context.Context, execution *models.Execution) {
			logger.ErrorContext(ctx, "execution failed",
				"execution_id", execution.ID,
				"workflow_id", execution.WorkflowID,
				"status", execution.Status,
				"failed_node_id", execution.FailedNodeID)
		}),
		Tracer:  tracer,
		Metrics: collector,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	queueProvider := command.String("queue-provider")
	if mode == engine.ModeAPIOnly && (queueProvider == "memory" || queueProvider == "gochannel") {
		// nothing in this process would ever consume an in-memory queue
		logger.WarnContext(ctx, "in-memory queue has no consumer in api-only mode, running executions synchronously")

		queueProvider = "none"
	}

	queueFactory, err := cmd.NewQueueFactory(cmd.QueueConfig{
		Provider:     queueProvider,
		Redis:        redisConn,
		KafkaBrokers: command.StringSlice("kafka-brokers"),
		ConsumerID:   command.String("worker-id"),
		OTELEnabled:  command.Bool("otel-enabled"),
	}, logger)
	if err != nil {
		return nil, err
	}

	e, err := engine.New(ctx, engine.Config{
		Mode:                mode,
		WorkerID:            command.String("worker-id"),
		WorkerConcurrency:   command.Int("worker-concurrency"),
		TriggerPollInterval: command.Duration("trigger-poll-interval"),
	}, engine.Deps{
		Persistence:  store,
		Orchestrator: orch,
		Workflows:    graph.DirSource{Dir: command.String("workflows-dir")},
		Queue:        queueFactory,
		Breakers:     breakers,
		Metrics:      collector,
		Logger:       logger,
		Closers:      closers,
	})
	if err != nil {
		return nil, err
	}

	rt.engine = e
	rt.shutdown = tracerShutdown
	opened = nil

	return rt, nil
}

func newTracer(ctx context.Context, enabled bool) (trace.Tracer, otelhelper.ShutdownFunc, error) {
	if !enabled {
		return otelhelper.NoopTracer(), nil, nil
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, "runflow")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	return tracer, shutdown, nil
}
