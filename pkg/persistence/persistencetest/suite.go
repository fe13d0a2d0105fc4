// Package persistencetest holds the behaviour every persistence backend must
// share. Backends call Run from their own tests.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) persistence.Persistence

func Run(t *testing.T, newPersistence Factory) {
	t.Helper()

	t.Run("executions", func(t *testing.T) { testExecutions(t, newPersistence(t)) })
	t.Run("request flags survive save", func(t *testing.T) { testRequestFlags(t, newPersistence(t)) })
	t.Run("node executions", func(t *testing.T) { testNodeExecutions(t, newPersistence(t)) })
	t.Run("trigger job upsert is idempotent", func(t *testing.T) { testTriggerUpsert(t, newPersistence(t)) })
	t.Run("trigger job lifecycle", func(t *testing.T) { testTriggerLifecycle(t, newPersistence(t)) })
}

func testExecutions(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.Executions()

	older := Execution("exec-1", "wf-1")
	older.CreatedAt = time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	newer := Execution("exec-2", "wf-1")
	other := Execution("exec-3", "wf-2")

	for _, e := range []*models.Execution{older, newer, other} {
		require.NoError(t, repo.Save(ctx, e))
	}

	got, err := repo.ByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, models.ExecutionStatusQueued, got.Status)
	assert.Equal(t, "v", got.TriggerData["k"])
	require.NotNil(t, got.Graph)
	assert.Len(t, got.Graph.Nodes, 2)

	got.Status = models.ExecutionStatusError
	got.Progress = 50
	got.Error = &models.ExecutionError{Message: "boom", FailedNodeID: "b"}
	require.NoError(t, repo.Save(ctx, got))

	reloaded, err := repo.ByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, reloaded.Status)
	assert.Equal(t, 50, reloaded.Progress)
	require.NotNil(t, reloaded.Error)
	assert.Equal(t, "b", reloaded.Error.FailedNodeID)

	list, err := repo.ByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "exec-2", list[0].ID)

	_, err = repo.ByID(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
	assert.True(t, persistence.IsExecutionNotFound(repo.RequestCancel(ctx, "missing")))
}

func testRequestFlags(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.Executions()

	execution := Execution("exec-1", "wf-1")
	require.NoError(t, repo.Save(ctx, execution))

	// another process asks for cancellation while the orchestrator holds a stale copy
	require.NoError(t, repo.RequestCancel(ctx, "exec-1"))
	require.NoError(t, repo.RequestPause(ctx, "exec-1"))

	execution.Status = models.ExecutionStatusRunning
	require.NoError(t, repo.Save(ctx, execution))

	got, err := repo.ByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.True(t, got.PauseRequested)
	assert.Equal(t, models.ExecutionStatusRunning, got.Status)

	require.NoError(t, repo.ClearPause(ctx, "exec-1"))

	got, err = repo.ByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, got.PauseRequested)
	assert.True(t, got.CancelRequested)
}

func testNodeExecutions(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.NodeExecutions()

	require.NoError(t, p.Executions().Save(ctx, Execution("exec-1", "wf-1")))
	require.NoError(t, p.Executions().Save(ctx, Execution("exec-2", "wf-1")))

	second := NodeExecution("exec-1", "b", 1)
	first := NodeExecution("exec-1", "a", 0)
	foreign := NodeExecution("exec-2", "a", 0)

	for _, n := range []*models.NodeExecution{second, first, foreign} {
		require.NoError(t, repo.Save(ctx, n))
	}

	first.Status = models.NodeStatusSuccess
	first.OutputData = map[string]any{"ok": true}
	first.Attempts = 2
	require.NoError(t, repo.Save(ctx, first))

	got, err := repo.Get(ctx, "exec-1", "a")
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusSuccess, got.Status)
	assert.Equal(t, true, got.OutputData["ok"])
	assert.Equal(t, 2, got.Attempts)

	rows, err := repo.ByExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].NodeID)
	assert.Equal(t, "b", rows[1].NodeID)
	assert.Equal(t, []string{"a"}, rows[1].Dependencies)

	_, err = repo.Get(ctx, "exec-1", "zzz")
	assert.True(t, persistence.IsNodeExecutionNotFound(err))
}

func testTriggerUpsert(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.TriggerJobs()

	first, err := repo.Upsert(ctx, TriggerJob("wf-1", "cron-1", "*/15 * * * *"))
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	lastRun := time.Now().UTC().Truncate(time.Second)
	first.LastRun = &lastRun
	first.FailCount = 3
	first.LastError = "queue down"
	require.NoError(t, repo.UpdateRunState(ctx, first))

	second, err := repo.Upsert(ctx, TriggerJob("wf-1", "cron-1", "0 * * * *"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "0 * * * *", second.CronExpression)
	assert.Equal(t, 3, second.FailCount)
	require.NotNil(t, second.LastRun)
	assert.True(t, lastRun.Equal(*second.LastRun))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testTriggerLifecycle(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.TriggerJobs()
	now := time.Now().UTC().Truncate(time.Second)

	due := TriggerJob("wf-1", "a", "* * * * *")
	due.NextRun = ptr(now.Add(-time.Minute))
	later := TriggerJob("wf-1", "b", "* * * * *")
	later.NextRun = ptr(now.Add(time.Hour))
	paused := TriggerJob("wf-2", "c", "* * * * *")
	paused.NextRun = ptr(now.Add(-time.Minute))
	paused.Active = false

	for _, j := range []*models.TriggerJob{due, later, paused} {
		_, err := repo.Upsert(ctx, j)
		require.NoError(t, err)
	}

	dueJobs, err := repo.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, dueJobs, 1)
	assert.Equal(t, "a", dueJobs[0].TriggerID)

	byWorkflow, err := repo.ByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	require.NoError(t, repo.SetActive(ctx, "wf-1", "a", false))

	dueJobs, err = repo.Due(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, dueJobs)

	changed, err := repo.SetWorkflowActive(ctx, "wf-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	require.NoError(t, repo.Delete(ctx, "wf-2", "c"))
	assert.True(t, persistence.IsTriggerJobNotFound(repo.Delete(ctx, "wf-2", "c")))

	deleted, err := repo.DeleteByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = repo.Get(ctx, "wf-1", "a")
	assert.True(t, persistence.IsTriggerJobNotFound(err))
}

// Execution builds a queued two-node execution.
func Execution(id, workflowID string) *models.Execution {
	return &models.Execution{
		ID:          id,
		WorkflowID:  workflowID,
		Mode:        models.ExecutionModeFull,
		Status:      models.ExecutionStatusQueued,
		TriggerData: map[string]any{"k": "v"},
		Graph: &models.WorkflowGraph{
			ID:   workflowID,
			Name: workflowID,
			Nodes: []*models.Node{
				{ID: "a", Name: "A", Type: "noop"},
				{ID: "b", Name: "B", Type: "noop"},
			},
			Connections: []*models.Connection{{SourceNodeID: "a", TargetNodeID: "b"}},
		},
		FlowExecutionPath: []string{},
		CreatedAt:         time.Now().UTC().Truncate(time.Millisecond),
	}
}

func NodeExecution(executionID, nodeID string, order int) *models.NodeExecution {
	deps := []string{}
	if order > 0 {
		deps = []string{"a"}
	}

	return &models.NodeExecution{
		ExecutionID:    executionID,
		NodeID:         nodeID,
		NodeName:       nodeID,
		NodeType:       "noop",
		Status:         models.NodeStatusIdle,
		Dependencies:   deps,
		ExecutionOrder: order,
		UpdatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TriggerJob(workflowID, triggerID, cronExpr string) *models.TriggerJob {
	return &models.TriggerJob{
		WorkflowID:     workflowID,
		TriggerID:      triggerID,
		Type:           models.TriggerTypeSchedule,
		JobKey:         models.TriggerJobKey(workflowID, triggerID),
		CronExpression: cronExpr,
		Active:         true,
	}
}

func ptr[T any](v T) *T { return &v }
