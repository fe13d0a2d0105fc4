package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
)

const executionColumns = `
	id, workflow_id, mode, status, trigger_data, graph, flow_execution_path, progress, error,
	cancel_requested, pause_requested, created_at, started_at, finished_at, paused_at, resumed_at, cancelled_at`

// ExecutionRepository handles execution rows.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Save upserts the execution. Request flags are OR-ed with the stored ones.
func (r *ExecutionRepository) Save(ctx context.Context, e *models.Execution) error {
	triggerData, err := jsonb(e.TriggerData)
	if err != nil {
		return persistence.NewExecutionError("Save", e.ID, fmt.Errorf("failed to marshal trigger data: %w", err))
	}

	graph, err := jsonb(e.Graph)
	if err != nil {
		return persistence.NewExecutionError("Save", e.ID, fmt.Errorf("failed to marshal graph: %w", err))
	}

	path := e.FlowExecutionPath
	if path == nil {
		path = []string{}
	}

	pathJSON, err := jsonb(path)
	if err != nil {
		return persistence.NewExecutionError("Save", e.ID, fmt.Errorf("failed to marshal path: %w", err))
	}

	execErr, err := jsonb(e.Error)
	if err != nil {
		return persistence.NewExecutionError("Save", e.ID, fmt.Errorf("failed to marshal error: %w", err))
	}

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			mode = EXCLUDED.mode,
			status = EXCLUDED.status,
			trigger_data = EXCLUDED.trigger_data,
			graph = EXCLUDED.graph,
			flow_execution_path = EXCLUDED.flow_execution_path,
			progress = EXCLUDED.progress,
			error = EXCLUDED.error,
			cancel_requested = executions.cancel_requested OR EXCLUDED.cancel_requested,
			pause_requested = executions.pause_requested OR EXCLUDED.pause_requested,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			paused_at = EXCLUDED.paused_at,
			resumed_at = EXCLUDED.resumed_at,
			cancelled_at = EXCLUDED.cancelled_at
	`

	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.WorkflowID, e.Mode, e.Status, triggerData, graph, pathJSON, e.Progress, execErr,
		e.CancelRequested, e.PauseRequested, e.CreatedAt,
		e.StartedAt, e.FinishedAt, e.PausedAt, e.ResumedAt, e.CancelledAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", e.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) ByID(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("ByID", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("ByID", id, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE workflow_id = $1 ORDER BY created_at DESC, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := []*models.Execution{}

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	return executions, rows.Err()
}

func (r *ExecutionRepository) RequestCancel(ctx context.Context, id string) error {
	return r.setFlag(ctx, "RequestCancel", `UPDATE executions SET cancel_requested = true WHERE id = $1`, id)
}

func (r *ExecutionRepository) RequestPause(ctx context.Context, id string) error {
	return r.setFlag(ctx, "RequestPause", `UPDATE executions SET pause_requested = true WHERE id = $1`, id)
}

func (r *ExecutionRepository) ClearPause(ctx context.Context, id string) error {
	return r.setFlag(ctx, "ClearPause", `UPDATE executions SET pause_requested = false WHERE id = $1`, id)
}

func (r *ExecutionRepository) setFlag(ctx context.Context, op, query, id string) error {
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return persistence.NewExecutionError(op, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError(op, id, err)
	}

	if affected == 0 {
		return persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
	}

	return nil
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		e                                  models.Execution
		triggerData, graph, path, execErr  []byte
		started, finished, paused, resumed sql.NullTime
		cancelled                          sql.NullTime
	)

	err := row.Scan(
		&e.ID, &e.WorkflowID, &e.Mode, &e.Status, &triggerData, &graph, &path, &e.Progress, &execErr,
		&e.CancelRequested, &e.PauseRequested, &e.CreatedAt,
		&started, &finished, &paused, &resumed, &cancelled,
	)
	if err != nil {
		return nil, err
	}

	err = errors.Join(
		fromJSONB(triggerData, &e.TriggerData),
		fromJSONB(graph, &e.Graph),
		fromJSONB(path, &e.FlowExecutionPath),
		fromJSONB(execErr, &e.Error),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", e.ID, err)
	}

	e.CreatedAt = e.CreatedAt.UTC()
	e.StartedAt = timePtr(started)
	e.FinishedAt = timePtr(finished)
	e.PausedAt = timePtr(paused)
	e.ResumedAt = timePtr(resumed)
	e.CancelledAt = timePtr(cancelled)

	return &e, nil
}
