// Package memory provides an in-process persistence implementation used by
// tests and single-process development setups.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/google/uuid"
)

type nodeKey struct {
	executionID string
	nodeID      string
}

type triggerKey struct {
	workflowID string
	triggerID  string
}

// Persistence keeps everything in maps guarded by a single lock. Values are
// copied on the way in and out.
type Persistence struct {
	mu       sync.RWMutex
	execs    map[string]*models.Execution
	nodes    map[nodeKey]*models.NodeExecution
	triggers map[triggerKey]*models.TriggerJob
}

func NewPersistence() *Persistence {
	return &Persistence{
		execs:    make(map[string]*models.Execution),
		nodes:    make(map[nodeKey]*models.NodeExecution),
		triggers: make(map[triggerKey]*models.TriggerJob),
	}
}

func (p *Persistence) Executions() persistence.ExecutionRepository         { return executions{p} }
func (p *Persistence) NodeExecutions() persistence.NodeExecutionRepository { return nodeExecutions{p} }
func (p *Persistence) TriggerJobs() persistence.TriggerJobRepository       { return triggerJobs{p} }

func (p *Persistence) HealthCheck(context.Context) error { return nil }
func (p *Persistence) Close(context.Context) error       { return nil }

type executions struct{ p *Persistence }

func (r executions) Save(_ context.Context, execution *models.Execution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored := execution.Clone()
	if existing, ok := r.p.execs[execution.ID]; ok {
		stored.CancelRequested = stored.CancelRequested || existing.CancelRequested
		stored.PauseRequested = stored.PauseRequested || existing.PauseRequested
	}

	r.p.execs[execution.ID] = stored

	return nil
}

func (r executions) ByID(_ context.Context, id string) (*models.Execution, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	execution, ok := r.p.execs[id]
	if !ok {
		return nil, persistence.NewExecutionError("ByID", id, persistence.ErrExecutionNotFound)
	}

	return execution.Clone(), nil
}

func (r executions) ByWorkflow(_ context.Context, workflowID string) ([]*models.Execution, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	out := []*models.Execution{}

	for _, execution := range r.p.execs {
		if execution.WorkflowID == workflowID {
			out = append(out, execution.Clone())
		}
	}

	slices.SortFunc(out, func(a, b *models.Execution) int { return b.CreatedAt.Compare(a.CreatedAt) })

	return out, nil
}

func (r executions) RequestCancel(_ context.Context, id string) error {
	return r.update("RequestCancel", id, func(e *models.Execution) { e.CancelRequested = true })
}

func (r executions) RequestPause(_ context.Context, id string) error {
	return r.update("RequestPause", id, func(e *models.Execution) { e.PauseRequested = true })
}

func (r executions) ClearPause(_ context.Context, id string) error {
	return r.update("ClearPause", id, func(e *models.Execution) { e.PauseRequested = false })
}

func (r executions) update(op, id string, fn func(*models.Execution)) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	execution, ok := r.p.execs[id]
	if !ok {
		return persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
	}

	fn(execution)

	return nil
}

type nodeExecutions struct{ p *Persistence }

func (r nodeExecutions) Save(_ context.Context, n *models.NodeExecution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	r.p.nodes[nodeKey{n.ExecutionID, n.NodeID}] = n.Clone()

	return nil
}

func (r nodeExecutions) Get(_ context.Context, executionID, nodeID string) (*models.NodeExecution, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	n, ok := r.p.nodes[nodeKey{executionID, nodeID}]
	if !ok {
		return nil, persistence.NewNodeExecutionError("Get", executionID, nodeID, persistence.ErrNodeExecutionNotFound)
	}

	return n.Clone(), nil
}

func (r nodeExecutions) ByExecution(_ context.Context, executionID string) ([]*models.NodeExecution, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	out := []*models.NodeExecution{}

	for key, n := range r.p.nodes {
		if key.executionID == executionID {
			out = append(out, n.Clone())
		}
	}

	slices.SortFunc(out, func(a, b *models.NodeExecution) int {
		return cmp.Or(cmp.Compare(a.ExecutionOrder, b.ExecutionOrder), cmp.Compare(a.NodeID, b.NodeID))
	})

	return out, nil
}

type triggerJobs struct{ p *Persistence }

func (r triggerJobs) Upsert(_ context.Context, job *models.TriggerJob) (*models.TriggerJob, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	key := triggerKey{job.WorkflowID, job.TriggerID}
	now := time.Now().UTC()
	stored := job.Clone()

	if existing, ok := r.p.triggers[key]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
		stored.LastRun = existing.LastRun
		stored.FailCount = existing.FailCount
		stored.LastError = existing.LastError
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}

		stored.CreatedAt = now
	}

	stored.UpdatedAt = now
	r.p.triggers[key] = stored

	return stored.Clone(), nil
}

func (r triggerJobs) UpdateRunState(_ context.Context, job *models.TriggerJob) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	existing, ok := r.p.triggers[triggerKey{job.WorkflowID, job.TriggerID}]
	if !ok {
		return persistence.NewTriggerJobError("UpdateRunState", job.WorkflowID, job.TriggerID, persistence.ErrTriggerJobNotFound)
	}

	existing.LastRun = job.LastRun
	existing.NextRun = job.NextRun
	existing.FailCount = job.FailCount
	existing.LastError = job.LastError
	existing.UpdatedAt = time.Now().UTC()

	return nil
}

func (r triggerJobs) Get(_ context.Context, workflowID, triggerID string) (*models.TriggerJob, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	job, ok := r.p.triggers[triggerKey{workflowID, triggerID}]
	if !ok {
		return nil, persistence.NewTriggerJobError("Get", workflowID, triggerID, persistence.ErrTriggerJobNotFound)
	}

	return job.Clone(), nil
}

func (r triggerJobs) ByWorkflow(_ context.Context, workflowID string) ([]*models.TriggerJob, error) {
	return r.filter(func(j *models.TriggerJob) bool { return j.WorkflowID == workflowID }), nil
}

func (r triggerJobs) List(context.Context) ([]*models.TriggerJob, error) {
	return r.filter(func(*models.TriggerJob) bool { return true }), nil
}

func (r triggerJobs) Due(_ context.Context, before time.Time) ([]*models.TriggerJob, error) {
	due := r.filter(func(j *models.TriggerJob) bool { return j.IsDue(before) })

	slices.SortFunc(due, func(a, b *models.TriggerJob) int { return a.NextRun.Compare(*b.NextRun) })

	return due, nil
}

func (r triggerJobs) SetActive(_ context.Context, workflowID, triggerID string, active bool) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	job, ok := r.p.triggers[triggerKey{workflowID, triggerID}]
	if !ok {
		return persistence.NewTriggerJobError("SetActive", workflowID, triggerID, persistence.ErrTriggerJobNotFound)
	}

	job.Active = active
	job.UpdatedAt = time.Now().UTC()

	return nil
}

func (r triggerJobs) SetWorkflowActive(_ context.Context, workflowID string, active bool) (int, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	changed := 0

	for key, job := range r.p.triggers {
		if key.workflowID == workflowID && job.Active != active {
			job.Active = active
			job.UpdatedAt = time.Now().UTC()
			changed++
		}
	}

	return changed, nil
}

func (r triggerJobs) Delete(_ context.Context, workflowID, triggerID string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	key := triggerKey{workflowID, triggerID}
	if _, ok := r.p.triggers[key]; !ok {
		return persistence.NewTriggerJobError("Delete", workflowID, triggerID, persistence.ErrTriggerJobNotFound)
	}

	delete(r.p.triggers, key)

	return nil
}

func (r triggerJobs) DeleteByWorkflow(_ context.Context, workflowID string) (int, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	deleted := 0

	for key := range r.p.triggers {
		if key.workflowID == workflowID {
			delete(r.p.triggers, key)
			deleted++
		}
	}

	return deleted, nil
}

func (r triggerJobs) filter(keep func(*models.TriggerJob) bool) []*models.TriggerJob {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	out := []*models.TriggerJob{}

	for _, job := range r.p.triggers {
		if keep(job) {
			out = append(out, job.Clone())
		}
	}

	slices.SortFunc(out, func(a, b *models.TriggerJob) int {
		return cmp.Or(cmp.Compare(a.WorkflowID, b.WorkflowID), cmp.Compare(a.TriggerID, b.TriggerID))
	})

	return out
}
