package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/nodeexec"
	"github.com/dukex/runflow/pkg/otelhelper"
	"github.com/dukex/runflow/pkg/resilience"
	"go.opentelemetry.io/otel/attribute"
)

var errNodeTimeout = errors.New("node timed out")

type readiness int

const (
	blocked readiness = iota
	ready
	dead
)

type nodeResult struct {
	nodeID   string
	result   *nodeexec.Result
	err      error
	attempts int
	duration time.Duration
}

// schedule settles unreachable nodes, refreshes waiting/queued states and
// starts ready nodes by rank while the concurrency limit allows.
func (r *run) schedule(ctx, runCtx context.Context) error {
	repo := r.o.deps.Persistence.NodeExecutions()

	for changed := true; changed; {
		changed = false

		for _, id := range r.plan.Order {
			n := r.nodes[id]
			if n.Status.IsTerminal() || n.Status == models.NodeStatusRunning {
				continue
			}

			var next models.NodeStatus

			switch r.readiness(id) {
			case dead:
				if err := r.skip(ctx, n); err != nil {
					return err
				}

				changed = true

				continue
			case ready:
				next = models.NodeStatusQueued
			default:
				next = models.NodeStatusWaiting
			}

			if n.Status == next {
				continue
			}

			n.Status = next
			n.UpdatedAt = r.o.deps.Now()

			if err := repo.Save(ctx, n); err != nil {
				return err
			}

			r.o.putFlowState(ctx, n)
		}
	}

	for _, id := range r.plan.Order {
		if r.running >= r.limit {
			break
		}

		if n := r.nodes[id]; n.Status == models.NodeStatusQueued {
			if err := r.start(ctx, runCtx, n); err != nil {
				return err
			}
		}
	}

	return nil
}

// readiness reports whether a node can run. A node is ready once every
// source is settled, no source feeding it through a main output failed, and
// at least one incoming connection carries data. Skipped sources and
// inactive outputs only bypass their own connection; a failed dependency
// makes the node dead.
func (r *run) readiness(id string) readiness {
	incoming := r.plan.Incoming[id]
	if len(incoming) == 0 {
		return ready
	}

	satisfied := false
	failed := map[string]bool{}
	handled := map[string]bool{}

	for _, conn := range incoming {
		source := r.nodes[conn.SourceNodeID]
		if !source.Status.IsTerminal() {
			return blocked
		}

		if source.Status == models.NodeStatusError {
			if conn.IsErrorRoute() {
				handled[conn.SourceNodeID] = true
			} else {
				failed[conn.SourceNodeID] = true
			}
		}

		if carries(conn, source) {
			satisfied = true
		}
	}

	if !satisfied {
		return dead
	}

	// an error route from the same source handles its failure
	for sourceID := range failed {
		if !handled[sourceID] {
			return dead
		}
	}

	return ready
}

func carries(conn *models.Connection, source *models.NodeExecution) bool {
	switch source.Status {
	case models.NodeStatusSuccess:
		if conn.IsErrorRoute() {
			return false
		}

		return len(source.ActiveOutputs) == 0 || slices.Contains(source.ActiveOutputs, conn.Output())
	case models.NodeStatusError:
		return conn.IsErrorRoute()
	default:
		return false
	}
}

// input builds a node's input: trigger data for roots, otherwise the merge of
// every upstream output that reached it, later ranks winning.
func (r *run) input(id string) (map[string]any, map[string]map[string]any) {
	incoming := r.plan.Incoming[id]
	if len(incoming) == 0 {
		input := models.CopyMap(r.exec.TriggerData)
		if input == nil {
			input = make(map[string]any)
		}

		return input, map[string]map[string]any{}
	}

	merged := make(map[string]any)
	inputs := make(map[string]map[string]any)

	for _, sourceID := range r.plan.Dependencies[id] {
		source := r.nodes[sourceID]

		reached := slices.ContainsFunc(incoming, func(conn *models.Connection) bool {
			return conn.SourceNodeID == sourceID && carries(conn, source)
		})
		if !reached {
			continue
		}

		inputs[sourceID] = models.CopyMap(source.OutputData)

		for k, v := range source.OutputData {
			merged[k] = v
		}
	}

	return merged, inputs
}

func (r *run) start(ctx, runCtx context.Context, n *models.NodeExecution) error {
	node := r.plan.Node(n.NodeID)
	input, inputs := r.input(n.NodeID)
	now := r.o.deps.Now()

	n.Status = models.NodeStatusRunning
	n.InputData = input
	n.OutputData = nil
	n.Error = nil
	n.ActiveOutputs = nil
	n.StartedAt = &now
	n.FinishedAt = nil
	n.UpdatedAt = now

	if err := r.o.deps.Persistence.NodeExecutions().Save(ctx, n); err != nil {
		return err
	}

	if !slices.Contains(r.exec.FlowExecutionPath, n.NodeID) {
		r.exec.FlowExecutionPath = append(r.exec.FlowExecutionPath, n.NodeID)
	}

	if err := r.saveExecution(ctx); err != nil {
		return err
	}

	r.emit(ctx, events.NodeStarted, n.NodeID, map[string]any{
		"node_type": node.Type,
		"node_name": node.Name,
	})
	r.o.putFlowState(ctx, n)

	r.running++

	if node.Disabled {
		r.results <- nodeResult{nodeID: n.NodeID, result: &nodeexec.Result{Data: models.CopyMap(input)}}

		return nil
	}

	req := nodeexec.Request{
		ExecutionID: r.exec.ID,
		WorkflowID:  r.exec.WorkflowID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Parameters:  models.CopyMap(node.Parameters),
		Input:       input,
		Inputs:      inputs,
	}

	go r.invoke(runCtx, node, req)

	return nil
}

// invoke runs a node through its retry policy and, for external services,
// the circuit breaker, then reports the outcome to the run loop.
func (r *run) invoke(ctx context.Context, node *models.Node, req nodeexec.Request) {
	ctx, span := otelhelper.StartSpan(ctx, r.o.deps.Tracer, "node.execute",
		attribute.String(otelhelper.ExecutionIDKey, req.ExecutionID),
		attribute.String(otelhelper.WorkflowIDKey, req.WorkflowID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, node.Type),
	)
	defer span.End()

	started := time.Now()
	attempts := 0

	cfg := retryConfig(node.Settings.Retry, r.exec.Graph.Settings.Retry)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		classified := resilience.ClassifyError(err)

		r.o.deps.Metrics.NodeRetried(node.Type, string(classified.Type))
		r.logger.WarnContext(ctx, "retrying node", "node_id", node.ID, "attempt", attempt,
			"delay", delay, "error_type", classified.Type, "error", err)
		r.o.emit(ctx, events.New(events.ExecutionLog, req.ExecutionID, req.WorkflowID, node.ID, map[string]any{
			"level":    "warn",
			"message":  "retrying node",
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    resilience.RedactString(err.Error()),
		}))
	}

	result, err := resilience.RetryValue(ctx, cfg, func(ctx context.Context) (*nodeexec.Result, error) {
		attempts++

		return r.call(ctx, node, req)
	})

	span.SetAttributes(attribute.Int(otelhelper.NodeAttemptKey, attempts))

	if err != nil {
		otelhelper.SetError(span, err)
	}

	r.results <- nodeResult{
		nodeID:   node.ID,
		result:   result,
		err:      err,
		attempts: attempts,
		duration: time.Since(started),
	}
}

func retryConfig(policies ...*models.RetryPolicy) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()

	for _, p := range policies {
		if p == nil {
			continue
		}

		cfg.MaxRetries = p.MaxRetries
		cfg.BaseDelay = time.Duration(p.BaseDelayMs) * time.Millisecond
		cfg.MaxDelay = time.Duration(p.MaxDelayMs) * time.Millisecond
		cfg.Jitter = p.Jitter

		break
	}

	return cfg
}

// external reports whether calls of node go through a circuit breaker: the
// executor declares its type external or the node opts in.
func (r *run) external(node *models.Node) bool {
	if node.Settings.ExternalService {
		return true
	}

	services, ok := r.o.deps.Executor.(nodeexec.ExternalServices)

	return ok && services.IsExternal(node.Type)
}

func (r *run) call(ctx context.Context, node *models.Node, req nodeexec.Request) (*nodeexec.Result, error) {
	if !r.external(node) {
		return r.callWithTimeout(ctx, node, req)
	}

	key := resilience.BreakerKey{
		WorkflowID:   req.WorkflowID,
		NodeType:     node.Type,
		CredentialID: node.CredentialID,
	}
	breaker := r.o.deps.Breakers.Get(key)

	var result *nodeexec.Result

	err := breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.callWithTimeout(ctx, node, req)

		return err
	})

	r.o.deps.Metrics.BreakerState(key.String(), int(breaker.State()))

	return result, err
}

// callWithTimeout returns as soon as ctx or the node timeout expires, even if
// the executor ignores its context.
func (r *run) callWithTimeout(ctx context.Context, node *models.Node, req nodeexec.Request) (*nodeexec.Result, error) {
	callCtx := ctx
	timeout := time.Duration(node.Settings.TimeoutMs) * time.Millisecond

	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeoutCause(ctx, timeout, errNodeTimeout)
		defer cancel()
	}

	type outcome struct {
		result *nodeexec.Result
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("node %s panicked: %v", node.ID, p)}
			}
		}()

		result, err := r.o.deps.Executor.Execute(callCtx, req)
		done <- outcome{result: result, err: err}
	}()

	var out outcome

	select {
	case out = <-done:
	case <-callCtx.Done():
		out.err = callCtx.Err()
	}

	if out.err != nil && ctx.Err() == nil && errors.Is(context.Cause(callCtx), errNodeTimeout) {
		return nil, &resilience.Error{
			Type:      resilience.TypeTimeout,
			Category:  resilience.CategoryTimeout,
			Retryable: true,
			Message:   fmt.Sprintf("node %s exceeded its timeout of %s", node.ID, timeout),
			Context:   map[string]any{"timeout_ms": node.Settings.TimeoutMs},
			Cause:     context.DeadlineExceeded,
		}
	}

	if out.err != nil {
		return nil, out.err
	}

	if out.result == nil {
		out.result = &nodeexec.Result{}
	}

	return out.result, nil
}

// complete records a node outcome. Outcomes arriving after ctx was cancelled
// are dropped and the node stays RUNNING for the next run to pick up.
func (r *run) complete(ctx, runCtx context.Context, res nodeResult) {
	if ctx.Err() != nil {
		r.interrupt(context.Cause(ctx))

		return
	}

	n := r.nodes[res.nodeID]
	node := r.plan.Node(res.nodeID)
	now := r.o.deps.Now()

	n.Attempts = res.attempts
	n.FinishedAt = &now
	n.UpdatedAt = now
	n.Progress = 100

	eventType := events.NodeCompleted

	switch {
	case res.err == nil:
		n.Status = models.NodeStatusSuccess
		n.OutputData = res.result.Data
		n.ActiveOutputs = res.result.ActiveOutputs
	case runCtx.Err() != nil:
		r.onDeadline(ctx)

		n.Status = models.NodeStatusCancelled
		eventType = events.NodeFailed
	default:
		n.Status = models.NodeStatusError
		n.Error = nodeError(res.err)
		n.OutputData = map[string]any{"error": map[string]any{
			"message":  n.Error.Message,
			"type":     n.Error.Type,
			"category": n.Error.Category,
		}}
		eventType = events.NodeFailed
	}

	if err := r.o.deps.Persistence.NodeExecutions().Save(ctx, n); err != nil {
		r.interrupt(err)

		return
	}

	r.o.putFlowState(ctx, n)

	data := map[string]any{
		"node_type":   node.Type,
		"status":      n.Status,
		"attempts":    n.Attempts,
		"duration_ms": res.duration.Milliseconds(),
	}
	if n.Error != nil {
		data["error"] = n.Error
	}

	r.emit(ctx, eventType, n.NodeID, data)
	r.o.deps.Metrics.NodeFinished(node.Type, string(n.Status), res.duration)

	if n.Status == models.NodeStatusError {
		if r.plan.HasErrorRoute(n.NodeID) {
			r.logger.InfoContext(ctx, "node failed, following error route", "node_id", n.NodeID, "error", n.Error.Message)
		} else {
			r.fail(ctx, node, n, res.err)
		}
	}

	r.updateProgress()

	if err := r.saveExecution(ctx); err != nil {
		r.interrupt(err)
	}
}

func (r *run) skip(ctx context.Context, n *models.NodeExecution) error {
	now := r.o.deps.Now()

	n.Status = models.NodeStatusSkipped
	n.FinishedAt = &now
	n.UpdatedAt = now

	if err := r.o.deps.Persistence.NodeExecutions().Save(ctx, n); err != nil {
		return err
	}

	r.o.putFlowState(ctx, n)
	r.o.deps.Metrics.NodeFinished(n.NodeType, string(n.Status), 0)
	r.updateProgress()

	return nil
}

// fail records the first unhandled node failure and stops admissions.
func (r *run) fail(ctx context.Context, node *models.Node, n *models.NodeExecution, cause error) {
	r.logger.WarnContext(ctx, "node failed", "node_id", node.ID, "node_type", node.Type,
		"error_type", n.Error.Type, "error", n.Error.Message)

	if r.failure == nil {
		r.failure = &models.ExecutionError{
			Message:        n.Error.Message,
			Type:           n.Error.Type,
			Category:       n.Error.Category,
			FailedNodeID:   node.ID,
			FailedNodeName: node.Name,
			FailedNodeType: node.Type,
			Stack:          errorChain(cause),
			Context:        n.Error.Context,
		}
	}

	r.setStop(stopFailed)
}

func nodeError(err error) *models.NodeError {
	classified := resilience.ClassifyError(err)

	return &models.NodeError{
		Message:   resilience.RedactString(classified.Message),
		Type:      string(classified.Type),
		Category:  string(classified.Category),
		Retryable: classified.Retryable,
		Context:   resilience.Redact(classified.Context),
	}
}

// errorChain renders the unwrap chain of err, one error per line.
func errorChain(err error) string {
	var b strings.Builder

	for e := err; e != nil; e = errors.Unwrap(e) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}

		fmt.Fprintf(&b, "%T: %s", e, resilience.RedactString(e.Error()))
	}

	return b.String()
}
