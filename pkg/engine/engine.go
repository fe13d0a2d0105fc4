// Package engine assembles the orchestrator, the job queue, the worker pool
// and the trigger scheduler into one runtime and exposes the operations used
// by the control API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/runflow/pkg/graph"
	"github.com/dukex/runflow/pkg/metrics"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/orchestrator"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/queue"
	"github.com/dukex/runflow/pkg/resilience"
	"github.com/dukex/runflow/pkg/trigger"
	"github.com/dukex/runflow/pkg/worker"
)

type Mode string

const (
	// ModeHybrid accepts requests and consumes jobs in one process.
	ModeHybrid Mode = "hybrid"
	// ModeAPIOnly accepts requests and enqueues jobs for other processes.
	ModeAPIOnly Mode = "api-only"
	// ModeWorkerOnly consumes jobs and fires triggers.
	ModeWorkerOnly Mode = "worker-only"
)

var (
	ErrUnknownMode = errors.New("unknown engine mode")
	// ErrQueueRequired is returned when a worker-only engine has no queue to consume.
	ErrQueueRequired = errors.New("worker-only mode requires a job queue")
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeHybrid, ModeAPIOnly, ModeWorkerOnly:
		return m, nil
	case "":
		return ModeHybrid, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

func (m Mode) consumes() bool { return m != ModeAPIOnly }

type Config struct {
	Mode                Mode
	WorkerID            string
	WorkerConcurrency   int
	TriggerPollInterval time.Duration
}

// QueueFactory opens the job queue. A failing factory leaves the engine in
// synchronous mode.
type QueueFactory func(ctx context.Context) (queue.Queue, error)

type Deps struct {
	Persistence  persistence.Persistence
	Orchestrator *orchestrator.Orchestrator
	Workflows    graph.Source
	Queue        QueueFactory
	Breakers     *resilience.BreakerRegistry
	Metrics      *metrics.Collector
	Logger       *slog.Logger
	// Closers are closed last on Shutdown, in order.
	Closers []io.Closer
}

type Engine struct {
	cfg          Config
	persistence  persistence.Persistence
	orchestrator *orchestrator.Orchestrator
	workflows    graph.Source
	queue        queue.Queue
	pool         *worker.Pool
	triggers     *trigger.Scheduler
	breakers     *resilience.BreakerRegistry
	metrics      *metrics.Collector
	logger       *slog.Logger
	closers      []io.Closer

	degradedReason string
	syncFallbacks  atomic.Int64

	mu       sync.Mutex
	started  bool
	shutdown bool
	inline   sync.WaitGroup
}

func New(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}

	cfg.Mode = mode

	if deps.Persistence == nil || deps.Orchestrator == nil {
		return nil, errors.New("engine: persistence and orchestrator are required")
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		cfg:          cfg,
		persistence:  deps.Persistence,
		orchestrator: deps.Orchestrator,
		workflows:    deps.Workflows,
		breakers:     deps.Breakers,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With("module", "engine", "mode", string(mode)),
		closers:      deps.Closers,
	}

	e.queue, e.degradedReason = openQueue(ctx, deps.Queue)

	if e.queue == nil {
		if mode == ModeWorkerOnly {
			return nil, fmt.Errorf("%w: %s", ErrQueueRequired, e.degradedReason)
		}

		e.logger.WarnContext(ctx, "job queue unavailable, executions will run synchronously", "reason", e.degradedReason)
	}

	if e.queue != nil && mode.consumes() {
		e.pool = worker.NewPool(e.queue, e.orchestrator, worker.Config{
			ID:          cfg.WorkerID,
			Concurrency: cfg.WorkerConcurrency,
		}, e.metrics, deps.Logger)
	}

	e.triggers = trigger.New(e.persistence.TriggerJobs(), trigger.StarterFunc(e.startTriggered),
		trigger.Config{PollInterval: cfg.TriggerPollInterval}, e.metrics, deps.Logger)

	return e, nil
}

func openQueue(ctx context.Context, factory QueueFactory) (queue.Queue, string) {
	if factory == nil {
		return nil, "no job queue configured"
	}

	q, err := factory(ctx)
	if err != nil {
		return nil, fmt.Sprintf("failed to open job queue: %v", err)
	}

	if err := q.Ping(ctx); err != nil {
		_ = q.Close()

		return nil, fmt.Sprintf("job queue unreachable: %v", err)
	}

	return q, ""
}

// Start launches the worker pool and the trigger scheduler. api-only
// engines start neither.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	if e.pool != nil {
		if err := e.pool.Start(ctx); err != nil {
			return err
		}
	}

	if e.cfg.Mode.consumes() {
		if err := e.triggers.Start(ctx); err != nil {
			return err
		}
	}

	e.started = true

	e.logger.InfoContext(ctx, "engine started", "degraded", e.queue == nil)

	return nil
}

// Degraded reports whether executions run synchronously because the queue
// could not be opened.
func (e *Engine) Degraded() bool {
	return e.queue == nil
}

// StartInput describes a new execution. The graph is looked up from the
// workflow source when nil.
type StartInput struct {
	WorkflowID  string
	Graph       *models.WorkflowGraph
	TriggerData map[string]any
}

// StartExecution persists a QUEUED execution and hands it to the queue. When
// the queue is unavailable the execution runs before StartExecution returns.
func (e *Engine) StartExecution(ctx context.Context, in StartInput) (*models.Execution, error) {
	g := in.Graph

	if g == nil {
		if e.workflows == nil {
			return nil, fmt.Errorf("%w: %s", graph.ErrWorkflowNotFound, in.WorkflowID)
		}

		var err error

		g, err = e.workflows.Graph(ctx, in.WorkflowID)
		if err != nil {
			return nil, err
		}
	}

	execution, err := e.orchestrator.Prepare(ctx, orchestrator.PrepareInput{
		WorkflowID:  in.WorkflowID,
		Graph:       g,
		TriggerData: in.TriggerData,
	})
	if err != nil {
		return nil, err
	}

	return e.dispatch(ctx, execution, models.JobKindExecution, "")
}

func (e *Engine) startTriggered(ctx context.Context, workflowID string, triggerData map[string]any) (*models.Execution, error) {
	return e.StartExecution(ctx, StartInput{WorkflowID: workflowID, TriggerData: triggerData})
}

// RunNode runs one node on its own with the given input.
func (e *Engine) RunNode(ctx context.Context, in orchestrator.RunNodeInput) (*models.Execution, error) {
	execution, err := e.orchestrator.PrepareNode(ctx, in)
	if err != nil {
		return nil, err
	}

	nodeID := ""
	if in.Node != nil {
		nodeID = in.Node.ID
	}

	return e.dispatch(ctx, execution, models.JobKindNode, nodeID)
}

func (e *Engine) dispatch(ctx context.Context, execution *models.Execution, kind models.JobKind, nodeID string) (*models.Execution, error) {
	if e.queue == nil {
		return e.runInline(ctx, execution, "degraded")
	}

	job := &models.Job{
		Kind:        kind,
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
		NodeID:      nodeID,
	}

	enqueue := func(ctx context.Context) (*models.Execution, error) {
		if err := e.queue.Enqueue(ctx, job); err != nil {
			return nil, err
		}

		e.metrics.JobEnqueued(string(kind))

		e.logger.DebugContext(ctx, "job enqueued", "execution_id", execution.ID, "job_id", job.ID, "kind", kind)

		return execution, nil
	}

	runNow := func(ctx context.Context, cause error) (*models.Execution, error) {
		e.logger.WarnContext(ctx, "failed to enqueue job, running synchronously",
			"execution_id", execution.ID, "error", cause)

		return e.runInline(ctx, execution, "enqueue_failed")
	}

	return resilience.ExecuteWithFallback(ctx, enqueue, runNow, nil)
}

// runInline drives the execution on the caller's goroutine. It is detached
// from the caller's cancellation so a dropped request does not interrupt it.
func (e *Engine) runInline(ctx context.Context, execution *models.Execution, reason string) (*models.Execution, error) {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()

		return nil, errors.New("engine is shutting down")
	}
	e.inline.Add(1)
	e.mu.Unlock()

	defer e.inline.Done()

	e.syncFallbacks.Add(1)
	e.metrics.SyncFallback(reason)

	result, err := e.orchestrator.Run(context.WithoutCancel(ctx), execution.ID)
	if err != nil {
		return execution, fmt.Errorf("synchronous run of %s failed: %w", execution.ID, err)
	}

	return result, nil
}

func (e *Engine) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.orchestrator.Cancel(ctx, executionID)
}

func (e *Engine) Pause(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.orchestrator.Pause(ctx, executionID)
}

// Resume clears a pause and, when the execution had already stopped, queues
// it again.
func (e *Engine) Resume(ctx context.Context, executionID string) (*models.Execution, error) {
	before, err := e.persistence.Executions().ByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	execution, err := e.orchestrator.Resume(ctx, executionID)
	if err != nil {
		return nil, err
	}

	// a pause that was only requested never stopped the run, so its job is
	// still live
	if before.Status != models.ExecutionStatusPaused {
		return execution, nil
	}

	kind := models.JobKindExecution
	if execution.Mode == models.ExecutionModeSingleNode {
		kind = models.JobKindNode
	}

	return e.dispatch(ctx, execution, kind, "")
}

func (e *Engine) Execution(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.persistence.Executions().ByID(ctx, executionID)
}

func (e *Engine) NodeExecutions(ctx context.Context, executionID string) ([]*models.NodeExecution, error) {
	if _, err := e.persistence.Executions().ByID(ctx, executionID); err != nil {
		return nil, err
	}

	return e.persistence.NodeExecutions().ByExecution(ctx, executionID)
}

// Triggers exposes trigger management.
func (e *Engine) Triggers() *trigger.Scheduler {
	return e.triggers
}

func (e *Engine) ActivateTriggers(ctx context.Context, workflowID string, specs []trigger.TriggerSpec) ([]*models.TriggerJob, error) {
	return e.triggers.Activate(ctx, workflowID, specs)
}

func (e *Engine) DeactivateTriggers(ctx context.Context, workflowID string) (int, error) {
	return e.triggers.Deactivate(ctx, workflowID)
}

func (e *Engine) DeleteTrigger(ctx context.Context, workflowID, triggerID string) error {
	return e.triggers.DeleteTrigger(ctx, workflowID, triggerID)
}

func (e *Engine) DeleteWorkflowTriggers(ctx context.Context, workflowID string) (int, error) {
	return e.triggers.DeleteWorkflow(ctx, workflowID)
}

func (e *Engine) ListTriggers(ctx context.Context, workflowID string) ([]*models.TriggerJob, error) {
	return e.triggers.List(ctx, workflowID)
}

// Shutdown stops consuming, waits for synchronous runs and closes every
// resource. Errors are aggregated.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()

		return nil
	}

	e.shutdown = true
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "shutting down engine")

	var errs []error

	if err := e.triggers.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trigger scheduler: %w", err))
	}

	if e.pool != nil {
		if err := e.pool.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
	}

	inlineDone := make(chan struct{})

	go func() {
		e.inline.Wait()
		close(inlineDone)
	}()

	select {
	case <-inlineDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("synchronous executions: %w", ctx.Err()))
	}

	if e.queue != nil {
		if err := e.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("job queue: %w", err))
		}
	}

	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.persistence.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("persistence: %w", err))
	}

	return errors.Join(errs...)
}
