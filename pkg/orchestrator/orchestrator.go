// Package orchestrator drives executions of workflow graphs: it schedules
// ready nodes in dependency order, invokes the node executor through retry
// and circuit breakers, and persists every state transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/flowstate"
	"github.com/dukex/runflow/pkg/graph"
	"github.com/dukex/runflow/pkg/log"
	"github.com/dukex/runflow/pkg/metrics"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/nodeexec"
	"github.com/dukex/runflow/pkg/otelhelper"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/resilience"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidTransition is returned when an operator action does not apply
	// to the execution's current status.
	ErrInvalidTransition = errors.New("invalid execution state transition")

	// ErrAlreadyRunning is returned when this process is already driving the execution.
	ErrAlreadyRunning = errors.New("execution is already running in this process")
)

const (
	DefaultConcurrency         = 10
	DefaultControlPollInterval = 500 * time.Millisecond
)

type Config struct {
	// Concurrency is the per-execution node limit used when the graph does not set one.
	Concurrency int
	// ExecutionTimeout caps one run when the graph does not set a timeout. Zero disables it.
	ExecutionTimeout time.Duration
	// ControlPollInterval is how often persisted cancel/pause requests are
	// checked while nodes are in flight.
	ControlPollInterval time.Duration
}

// ErrorNotifier is told once about every execution that ends in ERROR or TIMEOUT.
type ErrorNotifier interface {
	NotifyFailure(ctx context.Context, execution *models.Execution)
}

// ErrorNotifierFunc adapts a function to ErrorNotifier.
type ErrorNotifierFunc func(ctx context.Context, execution *models.Execution)

func (f ErrorNotifierFunc) NotifyFailure(ctx context.Context, execution *models.Execution) {
	f(ctx, execution)
}

// Deps are the collaborators of the orchestrator. Persistence and Executor
// are required.
type Deps struct {
	Persistence persistence.Persistence
	Executor    nodeexec.Executor
	Observer    events.Observer
	Breakers    *resilience.BreakerRegistry
	FlowState   flowstate.Store
	Notifier    ErrorNotifier
	Tracer      trace.Tracer
	Metrics     *metrics.Collector
	Logger      *slog.Logger
	Now         func() time.Time
}

type Orchestrator struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	active map[string]*control
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Persistence == nil {
		return nil, errors.New("orchestrator: persistence is required")
	}

	if deps.Executor == nil {
		return nil, errors.New("orchestrator: node executor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if cfg.ControlPollInterval <= 0 {
		cfg.ControlPollInterval = DefaultControlPollInterval
	}

	if deps.Observer == nil {
		deps.Observer = events.ObserverFunc(func(context.Context, events.Event) {})
	}

	if deps.Breakers == nil {
		deps.Breakers = resilience.NewBreakerRegistry(resilience.DefaultCircuitBreakerConfig(""))
	}

	if deps.Tracer == nil {
		deps.Tracer = otelhelper.NoopTracer()
	}

	if deps.Logger == nil {
		deps.Logger = log.WithModule("orchestrator")
	}

	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		active: make(map[string]*control),
	}, nil
}

// PrepareInput describes a new full execution.
type PrepareInput struct {
	WorkflowID  string
	Graph       *models.WorkflowGraph
	TriggerData map[string]any
}

// Prepare validates the graph and persists a QUEUED execution holding a
// snapshot of it. Later edits of the graph do not affect the execution.
func (o *Orchestrator) Prepare(ctx context.Context, in PrepareInput) (*models.Execution, error) {
	if _, err := graph.NewPlan(in.Graph); err != nil {
		return nil, err
	}

	workflowID := in.WorkflowID
	if workflowID == "" {
		workflowID = in.Graph.ID
	}

	return o.create(ctx, workflowID, models.ExecutionModeFull, in.Graph.Clone(), in.TriggerData)
}

// RunNodeInput describes a single-node debug run.
type RunNodeInput struct {
	WorkflowID string
	Node       *models.Node
	Input      map[string]any
}

// PrepareNode persists a QUEUED single-node execution whose graph holds only
// the given node; Input becomes the node's input.
func (o *Orchestrator) PrepareNode(ctx context.Context, in RunNodeInput) (*models.Execution, error) {
	if in.Node == nil {
		return nil, fmt.Errorf("%w: node is required", graph.ErrInvalidGraph)
	}

	snapshot := &models.WorkflowGraph{ID: in.WorkflowID, Nodes: []*models.Node{in.Node}}
	if _, err := graph.NewPlan(snapshot); err != nil {
		return nil, err
	}

	return o.create(ctx, in.WorkflowID, models.ExecutionModeSingleNode, snapshot.Clone(), in.Input)
}

// RunNode prepares and synchronously runs a single-node execution.
func (o *Orchestrator) RunNode(ctx context.Context, in RunNodeInput) (*models.Execution, error) {
	execution, err := o.PrepareNode(ctx, in)
	if err != nil {
		return nil, err
	}

	return o.Run(ctx, execution.ID)
}

func (o *Orchestrator) create(
	ctx context.Context,
	workflowID string,
	mode models.ExecutionMode,
	snapshot *models.WorkflowGraph,
	triggerData map[string]any,
) (*models.Execution, error) {
	execution := &models.Execution{
		ID:                uuid.NewString(),
		WorkflowID:        workflowID,
		Mode:              mode,
		Status:            models.ExecutionStatusQueued,
		TriggerData:       models.CopyMap(triggerData),
		Graph:             snapshot,
		FlowExecutionPath: []string{},
		CreatedAt:         o.deps.Now(),
	}

	if err := o.deps.Persistence.Executions().Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	o.deps.Logger.InfoContext(ctx, "execution prepared",
		"execution_id", execution.ID, "workflow_id", workflowID, "mode", mode, "nodes", len(snapshot.Nodes))

	return execution, nil
}

// Cancel requests cooperative cancellation. Executions that are not running
// anywhere (queued or paused) are cancelled immediately; running ones stop
// admitting nodes and finish once in-flight nodes return.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := o.deps.Persistence.Executions().ByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, executionID, execution.Status)
	}

	if err := o.deps.Persistence.Executions().RequestCancel(ctx, executionID); err != nil {
		return nil, err
	}

	if ctl := o.control(executionID); ctl != nil {
		ctl.request(true)

		return execution, nil
	}

	if execution.Status == models.ExecutionStatusQueued || execution.Status == models.ExecutionStatusPaused {
		_, release, err := o.acquire(executionID)
		if errors.Is(err, ErrAlreadyRunning) {
			// a Run started meanwhile; it sees the flag or the request
			if ctl := o.control(executionID); ctl != nil {
				ctl.request(true)
			}

			return execution, nil
		}

		if err != nil {
			return nil, err
		}

		defer release()

		// Run may have settled the execution before the slot was taken
		current, err := o.deps.Persistence.Executions().ByID(ctx, executionID)
		if err != nil {
			return nil, err
		}

		if current.Status != models.ExecutionStatusQueued && current.Status != models.ExecutionStatusPaused {
			return current, nil
		}

		current.CancelRequested = true

		return o.cancelIdle(ctx, current)
	}

	// running in another process: it observes the persisted flag
	return execution, nil
}

// Pause asks a running or queued execution to stop admitting nodes. In-flight
// nodes finish; nodes not yet started become PAUSED.
func (o *Orchestrator) Pause(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := o.deps.Persistence.Executions().ByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status != models.ExecutionStatusRunning && execution.Status != models.ExecutionStatusQueued {
		return nil, fmt.Errorf("%w: cannot pause execution %s in status %s", ErrInvalidTransition, executionID, execution.Status)
	}

	if err := o.deps.Persistence.Executions().RequestPause(ctx, executionID); err != nil {
		return nil, err
	}

	if ctl := o.control(executionID); ctl != nil {
		ctl.request(false)
	}

	execution.PauseRequested = true

	return execution, nil
}

// Resume clears a pause. A PAUSED execution goes back to QUEUED with its
// paused nodes re-queued; the caller runs it again. A pause that was requested
// but not yet honoured is simply withdrawn.
func (o *Orchestrator) Resume(ctx context.Context, executionID string) (*models.Execution, error) {
	repo := o.deps.Persistence.Executions()

	execution, err := repo.ByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status != models.ExecutionStatusPaused && !execution.PauseRequested {
		return nil, fmt.Errorf("%w: execution %s is not paused", ErrInvalidTransition, executionID)
	}

	if err := repo.ClearPause(ctx, executionID); err != nil {
		return nil, err
	}

	if ctl := o.control(executionID); ctl != nil {
		ctl.clearPause()
	}

	execution.PauseRequested = false

	if execution.Status != models.ExecutionStatusPaused {
		return execution, nil
	}

	nodes, err := o.deps.Persistence.NodeExecutions().ByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	now := o.deps.Now()

	for _, n := range nodes {
		if n.Status != models.NodeStatusPaused {
			continue
		}

		n.Status = models.NodeStatusQueued
		n.UpdatedAt = now

		if err := o.deps.Persistence.NodeExecutions().Save(ctx, n); err != nil {
			return nil, err
		}
	}

	execution.Status = models.ExecutionStatusQueued
	execution.ResumedAt = &now

	if err := repo.Save(ctx, execution); err != nil {
		return nil, err
	}

	o.emit(ctx, events.New(events.ExecutionLog, execution.ID, execution.WorkflowID, "", map[string]any{
		"level":   "info",
		"message": "execution resumed",
	}))

	return execution, nil
}

// cancelIdle finalizes an execution that no process is driving.
func (o *Orchestrator) cancelIdle(ctx context.Context, execution *models.Execution) (*models.Execution, error) {
	nodes, err := o.deps.Persistence.NodeExecutions().ByExecution(ctx, execution.ID)
	if err != nil {
		return nil, err
	}

	now := o.deps.Now()

	for _, n := range nodes {
		if n.Status.IsTerminal() {
			continue
		}

		n.Status = models.NodeStatusCancelled
		n.FinishedAt = &now
		n.UpdatedAt = now

		if err := o.deps.Persistence.NodeExecutions().Save(ctx, n); err != nil {
			return nil, err
		}

		o.putFlowState(ctx, n)
	}

	execution.Status = models.ExecutionStatusCancelled
	execution.CancelRequested = true
	execution.CancelledAt = &now
	execution.FinishedAt = &now

	if err := o.deps.Persistence.Executions().Save(ctx, execution); err != nil {
		return nil, err
	}

	o.emit(ctx, events.New(events.ExecutionCancelled, execution.ID, execution.WorkflowID, "", map[string]any{
		"status":   execution.Status,
		"progress": execution.Progress,
	}))

	o.deps.Logger.InfoContext(ctx, "execution cancelled before running", "execution_id", execution.ID)

	return execution, nil
}

// Active lists the executions this process is currently driving.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}

	return ids
}

func (o *Orchestrator) control(executionID string) *control {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.active[executionID]
}

func (o *Orchestrator) acquire(executionID string) (*control, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.active[executionID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, executionID)
	}

	ctl := newControl()
	o.active[executionID] = ctl

	return ctl, func() {
		o.mu.Lock()
		delete(o.active, executionID)
		o.mu.Unlock()
	}, nil
}

func (o *Orchestrator) emit(ctx context.Context, event events.Event) {
	o.deps.Observer.OnEvent(ctx, event)
}

func (o *Orchestrator) putFlowState(ctx context.Context, n *models.NodeExecution) {
	if o.deps.FlowState == nil {
		return
	}

	if err := o.deps.FlowState.Put(ctx, flowstate.FromNodeExecution(n)); err != nil {
		o.deps.Logger.WarnContext(ctx, "failed to update flow state",
			"execution_id", n.ExecutionID, "node_id", n.NodeID, "error", err)
	}
}

// control carries local cancel and pause requests into a running execution.
type control struct {
	mu     sync.Mutex
	cancel bool
	pause  bool
	wake   chan struct{}
}

func newControl() *control {
	return &control{wake: make(chan struct{}, 1)}
}

func (c *control) request(cancel bool) {
	c.mu.Lock()
	if cancel {
		c.cancel = true
	} else {
		c.pause = true
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *control) clearPause() {
	c.mu.Lock()
	c.pause = false
	c.mu.Unlock()
}

func (c *control) flags() (cancel, pause bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cancel, c.pause
}
