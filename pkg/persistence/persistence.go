// Package persistence defines the storage contract of the execution engine:
// executions, node executions and trigger jobs.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/runflow/pkg/models"
)

type Persistence interface {
	Executions() ExecutionRepository
	NodeExecutions() NodeExecutionRepository
	TriggerJobs() TriggerJobRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ExecutionRepository stores executions. Save never clears the cancel and
// pause request flags: they are only set through RequestCancel/RequestPause
// and cleared through ClearPause, so an orchestrator saving its own copy of
// an execution cannot lose a request made by another process.
type ExecutionRepository interface {
	Save(ctx context.Context, execution *models.Execution) error
	ByID(ctx context.Context, id string) (*models.Execution, error)
	ByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error)
	RequestCancel(ctx context.Context, id string) error
	RequestPause(ctx context.Context, id string) error
	ClearPause(ctx context.Context, id string) error
}

// NodeExecutionRepository stores one row per (execution, node).
type NodeExecutionRepository interface {
	Save(ctx context.Context, nodeExecution *models.NodeExecution) error
	Get(ctx context.Context, executionID, nodeID string) (*models.NodeExecution, error)
	// ByExecution returns the rows of one execution ordered by execution order.
	ByExecution(ctx context.Context, executionID string) ([]*models.NodeExecution, error)
}

// TriggerJobRepository stores trigger jobs, unique per (workflow, trigger).
type TriggerJobRepository interface {
	// Upsert inserts the job or refreshes the configuration of the existing
	// job with the same workflow and trigger ids, keeping its id, creation
	// time and run history. The stored job is returned.
	Upsert(ctx context.Context, job *models.TriggerJob) (*models.TriggerJob, error)
	// UpdateRunState persists last run, next run, fail count and last error.
	UpdateRunState(ctx context.Context, job *models.TriggerJob) error
	Get(ctx context.Context, workflowID, triggerID string) (*models.TriggerJob, error)
	ByWorkflow(ctx context.Context, workflowID string) ([]*models.TriggerJob, error)
	List(ctx context.Context) ([]*models.TriggerJob, error)
	// Due returns active jobs whose next run is at or before before.
	Due(ctx context.Context, before time.Time) ([]*models.TriggerJob, error)
	SetActive(ctx context.Context, workflowID, triggerID string, active bool) error
	// SetWorkflowActive flips every job of a workflow and returns how many changed.
	SetWorkflowActive(ctx context.Context, workflowID string, active bool) (int, error)
	Delete(ctx context.Context, workflowID, triggerID string) error
	DeleteByWorkflow(ctx context.Context, workflowID string) (int, error)
}
