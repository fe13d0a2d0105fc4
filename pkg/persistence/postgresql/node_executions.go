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

const nodeExecutionColumns = `
	execution_id, node_id, node_name, node_type, status, input_data, output_data, error,
	dependencies, execution_order, parent_node_id, progress, attempts, active_outputs,
	started_at, finished_at, updated_at`

// NodeExecutionRepository handles node execution rows, keyed by (execution_id, node_id).
type NodeExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *NodeExecutionRepository) Save(ctx context.Context, n *models.NodeExecution) error {
	deps := n.Dependencies
	if deps == nil {
		deps = []string{}
	}

	var args [5]any

	for i, v := range []any{n.InputData, n.OutputData, n.Error, deps, n.ActiveOutputs} {
		data, err := jsonb(v)
		if err != nil {
			return persistence.NewNodeExecutionError("Save", n.ExecutionID, n.NodeID, fmt.Errorf("failed to marshal column: %w", err))
		}

		args[i] = data
	}

	query := `
		INSERT INTO node_executions (` + nodeExecutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (execution_id, node_id) DO UPDATE SET
			node_name = EXCLUDED.node_name,
			node_type = EXCLUDED.node_type,
			status = EXCLUDED.status,
			input_data = EXCLUDED.input_data,
			output_data = EXCLUDED.output_data,
			error = EXCLUDED.error,
			dependencies = EXCLUDED.dependencies,
			execution_order = EXCLUDED.execution_order,
			parent_node_id = EXCLUDED.parent_node_id,
			progress = EXCLUDED.progress,
			attempts = EXCLUDED.attempts,
			active_outputs = EXCLUDED.active_outputs,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		n.ExecutionID, n.NodeID, n.NodeName, n.NodeType, n.Status, args[0], args[1], args[2],
		args[3], n.ExecutionOrder, n.ParentNodeID, n.Progress, n.Attempts, args[4],
		n.StartedAt, n.FinishedAt, n.UpdatedAt,
	)
	if err != nil {
		return persistence.NewNodeExecutionError("Save", n.ExecutionID, n.NodeID, err)
	}

	return nil
}

func (r *NodeExecutionRepository) Get(ctx context.Context, executionID, nodeID string) (*models.NodeExecution, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+nodeExecutionColumns+` FROM node_executions WHERE execution_id = $1 AND node_id = $2`,
		executionID, nodeID)

	n, err := scanNodeExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewNodeExecutionError("Get", executionID, nodeID, persistence.ErrNodeExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewNodeExecutionError("Get", executionID, nodeID, err)
	}

	return n, nil
}

func (r *NodeExecutionRepository) ByExecution(ctx context.Context, executionID string) ([]*models.NodeExecution, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+nodeExecutionColumns+` FROM node_executions WHERE execution_id = $1 ORDER BY execution_order, node_id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query node executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	out := []*models.NodeExecution{}

	for rows.Next() {
		n, err := scanNodeExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}

		out = append(out, n)
	}

	return out, rows.Err()
}

func scanNodeExecution(row scanner) (*models.NodeExecution, error) {
	var (
		n                                    models.NodeExecution
		input, output, nodeErr, deps, active []byte
		started, finished                    sql.NullTime
	)

	err := row.Scan(
		&n.ExecutionID, &n.NodeID, &n.NodeName, &n.NodeType, &n.Status, &input, &output, &nodeErr,
		&deps, &n.ExecutionOrder, &n.ParentNodeID, &n.Progress, &n.Attempts, &active,
		&started, &finished, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = errors.Join(
		fromJSONB(input, &n.InputData),
		fromJSONB(output, &n.OutputData),
		fromJSONB(nodeErr, &n.Error),
		fromJSONB(deps, &n.Dependencies),
		fromJSONB(active, &n.ActiveOutputs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal node execution %s/%s: %w", n.ExecutionID, n.NodeID, err)
	}

	n.StartedAt = timePtr(started)
	n.FinishedAt = timePtr(finished)
	n.UpdatedAt = n.UpdatedAt.UTC()

	return &n, nil
}
