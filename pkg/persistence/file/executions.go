package file

import (
	"cmp"
	"context"
	"errors"
	"os"
	"slices"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
)

type executionRepository struct {
	fp *Persistence
}

func (r *executionRepository) file(id string) string {
	return r.fp.path(executionsDir, id+".json")
}

func (r *executionRepository) Save(_ context.Context, execution *models.Execution) error {
	if err := validateID(execution.ID); err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	toSave := *execution

	var existing models.Execution
	if err := readJSON(r.file(execution.ID), &existing); err == nil {
		toSave.CancelRequested = toSave.CancelRequested || existing.CancelRequested
		toSave.PauseRequested = toSave.PauseRequested || existing.PauseRequested
	}

	if err := writeJSON(r.file(execution.ID), &toSave); err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

func (r *executionRepository) ByID(_ context.Context, id string) (*models.Execution, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewExecutionError("ByID", id, err)
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	return r.read("ByID", id)
}

func (r *executionRepository) read(op, id string) (*models.Execution, error) {
	var execution models.Execution

	err := readJSON(r.file(id), &execution)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError(op, id, err)
	}

	return &execution, nil
}

func (r *executionRepository) ByWorkflow(_ context.Context, workflowID string) ([]*models.Execution, error) {
	r.fp.mu.RLock()
	all, err := readAll[models.Execution](r.fp.path(executionsDir))
	r.fp.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	out := slices.DeleteFunc(all, func(e *models.Execution) bool { return e.WorkflowID != workflowID })
	slices.SortFunc(out, func(a, b *models.Execution) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	return out, nil
}

func (r *executionRepository) RequestCancel(_ context.Context, id string) error {
	return r.update("RequestCancel", id, func(e *models.Execution) { e.CancelRequested = true })
}

func (r *executionRepository) RequestPause(_ context.Context, id string) error {
	return r.update("RequestPause", id, func(e *models.Execution) { e.PauseRequested = true })
}

func (r *executionRepository) ClearPause(_ context.Context, id string) error {
	return r.update("ClearPause", id, func(e *models.Execution) { e.PauseRequested = false })
}

func (r *executionRepository) update(op, id string, fn func(*models.Execution)) error {
	if err := validateID(id); err != nil {
		return persistence.NewExecutionError(op, id, err)
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	execution, err := r.read(op, id)
	if err != nil {
		return err
	}

	fn(execution)

	if err := writeJSON(r.file(id), execution); err != nil {
		return persistence.NewExecutionError(op, id, err)
	}

	return nil
}

type nodeExecutionRepository struct {
	fp *Persistence
}

func (r *nodeExecutionRepository) file(executionID, nodeID string) string {
	return r.fp.path(nodeExecutionsDir, executionID, nodeID+".json")
}

func (r *nodeExecutionRepository) Save(_ context.Context, n *models.NodeExecution) error {
	if err := errors.Join(validateID(n.ExecutionID), validateID(n.NodeID)); err != nil {
		return persistence.NewNodeExecutionError("Save", n.ExecutionID, n.NodeID, err)
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	if err := writeJSON(r.file(n.ExecutionID, n.NodeID), n); err != nil {
		return persistence.NewNodeExecutionError("Save", n.ExecutionID, n.NodeID, err)
	}

	return nil
}

func (r *nodeExecutionRepository) Get(_ context.Context, executionID, nodeID string) (*models.NodeExecution, error) {
	if err := errors.Join(validateID(executionID), validateID(nodeID)); err != nil {
		return nil, persistence.NewNodeExecutionError("Get", executionID, nodeID, err)
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	var n models.NodeExecution

	err := readJSON(r.file(executionID, nodeID), &n)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewNodeExecutionError("Get", executionID, nodeID, persistence.ErrNodeExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewNodeExecutionError("Get", executionID, nodeID, err)
	}

	return &n, nil
}

func (r *nodeExecutionRepository) ByExecution(_ context.Context, executionID string) ([]*models.NodeExecution, error) {
	if err := validateID(executionID); err != nil {
		return nil, persistence.NewExecutionError("ByExecution", executionID, err)
	}

	r.fp.mu.RLock()
	out, err := readAll[models.NodeExecution](r.fp.path(nodeExecutionsDir, executionID))
	r.fp.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b *models.NodeExecution) int {
		return cmp.Or(cmp.Compare(a.ExecutionOrder, b.ExecutionOrder), cmp.Compare(a.NodeID, b.NodeID))
	})

	return out, nil
}
