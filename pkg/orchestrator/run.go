package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/graph"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/otelhelper"
	"github.com/dukex/runflow/pkg/resilience"
	"go.opentelemetry.io/otel/attribute"
)

var errExecutionTimeout = errors.New("execution timed out")

// stopReason is why a run stopped admitting nodes. Higher values win.
type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopFailed
	stopCancel
	stopTimeout
	stopInterrupted
)

type run struct {
	o       *Orchestrator
	logger  *slog.Logger
	exec    *models.Execution
	plan    *graph.Plan
	nodes   map[string]*models.NodeExecution
	ctl     *control
	limit   int
	timeout time.Duration

	running int
	results chan nodeResult
	stop    stopReason
	err     error
	failure *models.ExecutionError
	started time.Time
}

// Run drives the execution until it reaches a terminal status, is paused, or
// ctx is cancelled. Nodes that already succeeded are never run again, so Run
// may be called repeatedly on the same execution (after a resume or a crash).
// Terminal executions are returned unchanged.
//
// When ctx is cancelled the execution is left RUNNING with its in-flight nodes
// untouched and ctx's error is returned; a later Run picks it up again.
func (o *Orchestrator) Run(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := o.deps.Persistence.Executions().ByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return execution, nil
	}

	if execution.Status == models.ExecutionStatusPaused && execution.PauseRequested {
		return execution, nil
	}

	ctl, release, err := o.acquire(executionID)
	if err != nil {
		return nil, err
	}
	defer release()

	// a cancel or pause may have landed before the slot was taken
	execution, err = o.deps.Persistence.Executions().ByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return execution, nil
	}

	if execution.Status == models.ExecutionStatusPaused && execution.PauseRequested {
		return execution, nil
	}

	ctx, span := otelhelper.StartSpan(ctx, o.deps.Tracer, "execution.run",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.WorkflowIDKey, execution.WorkflowID),
		attribute.String(otelhelper.ExecutionModeKey, string(execution.Mode)),
	)
	defer span.End()

	r := &run{
		o:       o,
		logger:  o.deps.Logger.With("execution_id", execution.ID, "workflow_id", execution.WorkflowID),
		exec:    execution,
		ctl:     ctl,
		started: time.Now(),
	}

	plan, err := graph.NewPlan(execution.Graph)
	if err != nil {
		return r.reject(ctx, err)
	}

	r.plan = plan
	r.results = make(chan nodeResult, len(plan.Order))
	r.limit = o.cfg.Concurrency

	if c := execution.Graph.Settings.Concurrency; c > 0 {
		r.limit = c
	}

	r.timeout = o.cfg.ExecutionTimeout
	if ms := execution.Graph.Settings.TimeoutMs; ms > 0 {
		r.timeout = time.Duration(ms) * time.Millisecond
	}

	if err := r.load(ctx); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if err := r.begin(ctx); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, r.timeout, errExecutionTimeout)
		defer cancel()
	}

	r.loop(ctx, runCtx)

	result, err := r.finish(ctx)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String("runflow.execution.status", string(result.Status)))

	return result, nil
}

// load reads the node rows, creating missing ones and recovering nodes left
// RUNNING or PAUSED by an earlier run.
func (r *run) load(ctx context.Context) error {
	repo := r.o.deps.Persistence.NodeExecutions()

	rows, err := repo.ByExecution(ctx, r.exec.ID)
	if err != nil {
		return err
	}

	r.nodes = make(map[string]*models.NodeExecution, len(r.plan.Order))
	for _, row := range rows {
		r.nodes[row.NodeID] = row
	}

	now := r.o.deps.Now()

	for _, id := range r.plan.Order {
		row, ok := r.nodes[id]
		if !ok {
			node := r.plan.Node(id)
			row = &models.NodeExecution{
				ExecutionID:    r.exec.ID,
				NodeID:         id,
				NodeName:       node.Name,
				NodeType:       node.Type,
				Status:         models.NodeStatusIdle,
				Dependencies:   append([]string{}, r.plan.Dependencies[id]...),
				ExecutionOrder: r.plan.Rank[id],
				ParentNodeID:   node.ParentNodeID,
				UpdatedAt:      now,
			}
			r.nodes[id] = row
		} else if row.Status == models.NodeStatusRunning || row.Status == models.NodeStatusPaused {
			r.logger.InfoContext(ctx, "requeueing node", "node_id", id, "previous_status", row.Status)

			row.Status = models.NodeStatusQueued
			row.UpdatedAt = now
		} else {
			continue
		}

		if err := repo.Save(ctx, row); err != nil {
			return err
		}
	}

	return nil
}

func (r *run) begin(ctx context.Context) error {
	now := r.o.deps.Now()
	first := r.exec.StartedAt == nil

	r.exec.Status = models.ExecutionStatusRunning
	if first {
		r.exec.StartedAt = &now
	}

	if err := r.saveExecution(ctx); err != nil {
		return err
	}

	r.o.deps.Metrics.ExecutionStarted()

	if first {
		r.emit(ctx, events.ExecutionStarted, "", map[string]any{
			"mode":        r.exec.Mode,
			"total_nodes": len(r.plan.Order),
		})
	}

	r.logger.InfoContext(ctx, "execution running", "nodes", len(r.plan.Order), "concurrency", r.limit)

	return nil
}

// reject fails an execution whose graph snapshot cannot be planned.
func (r *run) reject(ctx context.Context, cause error) (*models.Execution, error) {
	now := r.o.deps.Now()

	r.exec.Status = models.ExecutionStatusError
	r.exec.FinishedAt = &now
	r.exec.Error = &models.ExecutionError{
		Message:  cause.Error(),
		Type:     string(resilience.TypeClient),
		Category: string(resilience.CategoryConfiguration),
	}

	if err := r.saveExecution(ctx); err != nil {
		return nil, err
	}

	r.emit(ctx, events.ExecutionFailed, "", map[string]any{"error": r.exec.Error})
	r.notify(ctx)

	return r.exec.Clone(), nil
}

func (r *run) loop(ctx, runCtx context.Context) {
	ticker := time.NewTicker(r.o.cfg.ControlPollInterval)
	defer ticker.Stop()

	deadline := runCtx.Done()

	for {
		if r.stop < stopCancel {
			r.checkControl(ctx)
		}

		if r.stop == stopNone && runCtx.Err() != nil {
			r.onDeadline(ctx)
			deadline = nil
		}

		if r.stop == stopNone {
			if err := r.schedule(ctx, runCtx); err != nil {
				r.interrupt(err)
			}
		}

		if r.running == 0 {
			return
		}

		select {
		case res := <-r.results:
			r.running--
			r.complete(ctx, runCtx, res)
		case <-deadline:
			deadline = nil
			r.onDeadline(ctx)
		case <-r.ctl.wake:
		case <-ticker.C:
		}
	}
}

func (r *run) onDeadline(ctx context.Context) {
	if ctx.Err() != nil {
		r.interrupt(context.Cause(ctx))

		return
	}

	r.logger.WarnContext(ctx, "execution timed out", "timeout", r.timeout)
	r.setStop(stopTimeout)
}

func (r *run) setStop(reason stopReason) {
	if reason > r.stop {
		r.stop = reason
	}
}

func (r *run) interrupt(err error) {
	if r.err == nil {
		r.err = err
	}

	r.setStop(stopInterrupted)
}

// checkControl merges local and persisted operator requests. Cancel wins
// over pause.
func (r *run) checkControl(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	cancel, pause := r.ctl.flags()

	stored, err := r.o.deps.Persistence.Executions().ByID(ctx, r.exec.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to read control flags", "error", err)
	} else {
		cancel = cancel || stored.CancelRequested
		pause = pause || stored.PauseRequested
	}

	switch {
	case cancel:
		if r.stop < stopCancel {
			r.logger.InfoContext(ctx, "cancellation requested", "running_nodes", r.running)
		}

		r.exec.CancelRequested = true
		r.setStop(stopCancel)
	case pause:
		if r.stop < stopPause {
			r.logger.InfoContext(ctx, "pause requested", "running_nodes", r.running)
		}

		r.exec.PauseRequested = true
		r.setStop(stopPause)
	}
}

// finish settles the execution once no node is in flight.
func (r *run) finish(ctx context.Context) (*models.Execution, error) {
	if r.stop == stopInterrupted {
		r.o.deps.Metrics.ExecutionFinished("interrupted", time.Since(r.started))
		r.logger.WarnContext(ctx, "execution interrupted", "error", r.err)

		return nil, r.err
	}

	now := r.o.deps.Now()

	var (
		status    models.ExecutionStatus
		remaining models.NodeStatus
		event     events.EventType
	)

	switch r.stop {
	case stopPause:
		status, remaining, event = models.ExecutionStatusPaused, models.NodeStatusPaused, events.ExecutionLog
		r.exec.PausedAt = &now
	case stopCancel:
		status, remaining, event = models.ExecutionStatusCancelled, models.NodeStatusCancelled, events.ExecutionCancelled
		r.exec.CancelledAt = &now
	case stopTimeout:
		status, remaining, event = models.ExecutionStatusTimeout, models.NodeStatusCancelled, events.ExecutionFailed
		r.exec.Error = &models.ExecutionError{
			Message:  fmt.Sprintf("execution exceeded its timeout of %s", r.timeout),
			Type:     string(resilience.TypeTimeout),
			Category: string(resilience.CategoryTimeout),
		}
	case stopFailed:
		status, remaining, event = models.ExecutionStatusError, models.NodeStatusSkipped, events.ExecutionFailed
		r.exec.Error = r.failure
	default:
		status, event = models.ExecutionStatusSuccess, events.ExecutionCompleted
	}

	if remaining != "" {
		if err := r.settleRemaining(ctx, remaining, now); err != nil {
			return nil, err
		}
	}

	r.exec.Status = status
	if status.IsTerminal() {
		r.exec.FinishedAt = &now
	}

	if status == models.ExecutionStatusSuccess {
		r.exec.Progress = 100
	} else {
		r.updateProgress()
	}

	if err := r.saveExecution(ctx); err != nil {
		return nil, err
	}

	data := map[string]any{
		"status":      status,
		"progress":    r.exec.Progress,
		"duration_ms": time.Since(r.started).Milliseconds(),
	}

	switch {
	case status == models.ExecutionStatusPaused:
		data["level"] = "info"
		data["message"] = "execution paused"
	case r.exec.Error != nil:
		data["error"] = r.exec.Error
	}

	r.emit(ctx, event, "", data)
	r.o.deps.Metrics.ExecutionFinished(string(status), time.Since(r.started))

	if status == models.ExecutionStatusError || status == models.ExecutionStatusTimeout {
		r.notify(ctx)
	}

	r.logger.InfoContext(ctx, "execution finished", "status", status, "progress", r.exec.Progress,
		"duration", time.Since(r.started))

	return r.exec.Clone(), nil
}

func (r *run) settleRemaining(ctx context.Context, status models.NodeStatus, now time.Time) error {
	for _, id := range r.plan.Order {
		n := r.nodes[id]
		if n.Status.IsTerminal() || n.Status == status {
			continue
		}

		n.Status = status
		n.UpdatedAt = now

		if status != models.NodeStatusPaused {
			n.FinishedAt = &now
		}

		if err := r.o.deps.Persistence.NodeExecutions().Save(ctx, n); err != nil {
			return err
		}

		r.o.putFlowState(ctx, n)
	}

	return nil
}

// updateProgress recomputes progress from settled nodes. It never decreases.
func (r *run) updateProgress() {
	settled := 0

	for _, n := range r.nodes {
		switch n.Status {
		case models.NodeStatusSuccess, models.NodeStatusError, models.NodeStatusSkipped:
			settled++
		}
	}

	if len(r.nodes) == 0 {
		return
	}

	if p := settled * 100 / len(r.nodes); p > r.exec.Progress {
		r.exec.Progress = p
	}
}

func (r *run) notify(ctx context.Context) {
	if r.o.deps.Notifier == nil {
		return
	}

	r.o.deps.Notifier.NotifyFailure(ctx, r.exec.Clone())
}

func (r *run) saveExecution(ctx context.Context) error {
	return r.o.deps.Persistence.Executions().Save(ctx, r.exec)
}

func (r *run) emit(ctx context.Context, eventType events.EventType, nodeID string, data map[string]any) {
	r.o.emit(ctx, events.New(eventType, r.exec.ID, r.exec.WorkflowID, nodeID, data))
}
