package web_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/runflow/pkg/engine"
	"github.com/dukex/runflow/pkg/graph"
	"github.com/dukex/runflow/pkg/mocks"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/orchestrator"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/trigger"
	"github.com/dukex/runflow/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) (*fiber.App, *mocks.MockEngine) {
	t.Helper()

	e := &mocks.MockEngine{}
	t.Cleanup(func() { e.AssertExpectations(t) })

	return web.NewApp(e), e
}

func do(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

type problemBody struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func decodeProblem(t *testing.T, body []byte) problemBody {
	t.Helper()

	var p problemBody
	require.NoError(t, json.Unmarshal(body, &p))

	return p
}

func TestAPIHandlers_StartExecution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		body           any
		setup          func(e *mocks.MockEngine)
		expectedStatus int
		expectedType   string
	}{
		{
			name: "queued execution",
			body: web.StartExecutionRequest{WorkflowID: "wf-1", TriggerData: map[string]any{"k": "v"}},
			setup: func(e *mocks.MockEngine) {
				e.On("StartExecution", mock.Anything, mock.MatchedBy(func(in engine.StartInput) bool {
					return in.WorkflowID == "wf-1" && in.Graph == nil && in.TriggerData["k"] == "v"
				})).Return(&models.Execution{ID: "exec-1", Status: models.ExecutionStatusQueued}, nil)
			},
			expectedStatus: http.StatusAccepted,
		},
		{
			name: "synchronously finished execution",
			body: web.StartExecutionRequest{WorkflowID: "wf-1"},
			setup: func(e *mocks.MockEngine) {
				e.On("StartExecution", mock.Anything, mock.Anything).
					Return(&models.Execution{ID: "exec-1", Status: models.ExecutionStatusSuccess}, nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing workflow and graph",
			body:           web.StartExecutionRequest{},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "invalid JSON",
			body:           "invalid-json",
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name: "cyclic graph",
			body: web.StartExecutionRequest{WorkflowID: "wf-1"},
			setup: func(e *mocks.MockEngine) {
				e.On("StartExecution", mock.Anything, mock.Anything).
					Return(nil, fmt.Errorf("%w: a -> b -> a", graph.ErrCycle))
			},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "invalid_graph",
		},
		{
			name: "unknown workflow",
			body: web.StartExecutionRequest{WorkflowID: "nope"},
			setup: func(e *mocks.MockEngine) {
				e.On("StartExecution", mock.Anything, mock.Anything).
					Return(nil, fmt.Errorf("%w: nope", graph.ErrWorkflowNotFound))
			},
			expectedStatus: http.StatusNotFound,
			expectedType:   "workflow_not_found",
		},
		{
			name: "unexpected failure",
			body: web.StartExecutionRequest{WorkflowID: "wf-1"},
			setup: func(e *mocks.MockEngine) {
				e.On("StartExecution", mock.Anything, mock.Anything).Return(nil, errors.New("disk full"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedType:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, e := setupTestApp(t)
			if tt.setup != nil {
				tt.setup(e)
			}

			resp, body := do(t, app, http.MethodPost, "/executions", tt.body)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedType != "" {
				p := decodeProblem(t, body)
				assert.Equal(t, tt.expectedType, p.Type)
				assert.Equal(t, tt.expectedStatus, p.Status)
			}
		})
	}
}

func TestAPIHandlers_GetExecution(t *testing.T) {
	t.Parallel()

	app, e := setupTestApp(t)

	e.On("Execution", mock.Anything, "exec-1").
		Return(&models.Execution{ID: "exec-1", Status: models.ExecutionStatusRunning, Progress: 50}, nil)
	e.On("Execution", mock.Anything, "missing").
		Return(nil, persistence.NewExecutionError("ByID", "missing", persistence.ErrExecutionNotFound))

	resp, body := do(t, app, http.MethodGet, "/executions/exec-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var execution models.Execution
	require.NoError(t, json.Unmarshal(body, &execution))
	assert.Equal(t, "exec-1", execution.ID)
	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)

	resp, body = do(t, app, http.MethodGet, "/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "execution_not_found", decodeProblem(t, body).Type)
}

func TestAPIHandlers_GetNodeExecutions(t *testing.T) {
	t.Parallel()

	app, e := setupTestApp(t)

	e.On("NodeExecutions", mock.Anything, "exec-1").Return([]*models.NodeExecution{
		{ExecutionID: "exec-1", NodeID: "a", Status: models.NodeStatusSuccess},
	}, nil)

	resp, body := do(t, app, http.MethodGet, "/executions/exec-1/nodes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out web.NodeExecutionsResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "exec-1", out.ExecutionID)
	require.Len(t, out.Nodes, 1)
	assert.Equal(t, "a", out.Nodes[0].NodeID)
}

func TestAPIHandlers_ControlActions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action         string
		method         string
		result         *models.Execution
		err            error
		expectedStatus int
	}{
		{"cancel", "Cancel", &models.Execution{ID: "exec-1", Status: models.ExecutionStatusCancelled}, nil, http.StatusOK},
		{"pause", "Pause", &models.Execution{ID: "exec-1", Status: models.ExecutionStatusRunning}, nil, http.StatusAccepted},
		{"resume", "Resume", &models.Execution{ID: "exec-1", Status: models.ExecutionStatusQueued}, nil, http.StatusAccepted},
		{"cancel", "Cancel", nil, fmt.Errorf("%w: already finished", orchestrator.ErrInvalidTransition), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %d", tt.action, tt.expectedStatus), func(t *testing.T) {
			t.Parallel()

			app, e := setupTestApp(t)
			e.On(tt.method, mock.Anything, "exec-1").Return(tt.result, tt.err)

			resp, _ := do(t, app, http.MethodPost, "/executions/exec-1/"+tt.action, nil)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
		})
	}
}

func TestAPIHandlers_RunNode(t *testing.T) {
	t.Parallel()

	app, e := setupTestApp(t)

	e.On("RunNode", mock.Anything, mock.MatchedBy(func(in orchestrator.RunNodeInput) bool {
		return in.Node != nil && in.Node.ID == "n" && in.Input["x"] == float64(1)
	})).Return(&models.Execution{ID: "exec-1", Status: models.ExecutionStatusSuccess, Mode: models.ExecutionModeSingleNode}, nil)

	resp, _ := do(t, app, http.MethodPost, "/nodes/run", web.RunNodeRequest{
		WorkflowID: "wf-1",
		Node:       &models.Node{ID: "n", Type: "noop"},
		Input:      map[string]any{"x": 1},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, app, http.MethodPost, "/nodes/run", web.RunNodeRequest{WorkflowID: "wf-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeProblem(t, body).Detail, "Node")
}

func TestAPIHandlers_Triggers(t *testing.T) {
	t.Parallel()

	specs := []trigger.TriggerSpec{{TriggerID: "nightly", Type: models.TriggerTypeSchedule, CronExpression: "0 2 * * *"}}
	job := &models.TriggerJob{WorkflowID: "wf-1", TriggerID: "nightly", Type: models.TriggerTypeSchedule, Active: true}

	t.Run("activate", func(t *testing.T) {
		t.Parallel()

		app, e := setupTestApp(t)
		e.On("ActivateTriggers", mock.Anything, "wf-1", specs).Return([]*models.TriggerJob{job}, nil)

		resp, body := do(t, app, http.MethodPut, "/workflows/wf-1/triggers", web.ActivateTriggersRequest{Triggers: specs})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out web.TriggersResponse
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out.Triggers, 1)
		assert.Equal(t, "nightly", out.Triggers[0].TriggerID)
	})

	t.Run("activate rejects unknown types", func(t *testing.T) {
		t.Parallel()

		app, _ := setupTestApp(t)

		resp, _ := do(t, app, http.MethodPut, "/workflows/wf-1/triggers", web.ActivateTriggersRequest{
			Triggers: []trigger.TriggerSpec{{TriggerID: "x", Type: "webhook"}},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("activate reports invalid cron", func(t *testing.T) {
		t.Parallel()

		app, e := setupTestApp(t)
		e.On("ActivateTriggers", mock.Anything, "wf-1", mock.Anything).
			Return(nil, fmt.Errorf("trigger %q: %w", "nightly", models.ErrInvalidTriggerJob))

		resp, body := do(t, app, http.MethodPut, "/workflows/wf-1/triggers", web.ActivateTriggersRequest{Triggers: specs})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "validation_error", decodeProblem(t, body).Type)
	})

	t.Run("list", func(t *testing.T) {
		t.Parallel()

		app, e := setupTestApp(t)
		e.On("ListTriggers", mock.Anything, "").Return([]*models.TriggerJob{job}, nil)
		e.On("ListTriggers", mock.Anything, "wf-1").Return([]*models.TriggerJob{job}, nil)

		resp, _ := do(t, app, http.MethodGet, "/triggers", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = do(t, app, http.MethodGet, "/workflows/wf-1/triggers", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("deactivate and delete", func(t *testing.T) {
		t.Parallel()

		app, e := setupTestApp(t)
		e.On("DeactivateTriggers", mock.Anything, "wf-1").Return(2, nil)
		e.On("DeleteWorkflowTriggers", mock.Anything, "wf-1").Return(2, nil)
		e.On("DeleteTrigger", mock.Anything, "wf-1", "nightly").Return(nil)
		e.On("DeleteTrigger", mock.Anything, "wf-1", "gone").
			Return(persistence.NewTriggerJobError("Delete", "wf-1", "gone", persistence.ErrTriggerJobNotFound))

		resp, body := do(t, app, http.MethodDelete, "/workflows/wf-1/triggers", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var count web.CountResponse
		require.NoError(t, json.Unmarshal(body, &count))
		assert.Equal(t, 2, count.Count)

		resp, _ = do(t, app, http.MethodDelete, "/workflows/wf-1/triggers?delete=true", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = do(t, app, http.MethodDelete, "/workflows/wf-1/triggers/nightly", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp, body = do(t, app, http.MethodDelete, "/workflows/wf-1/triggers/gone", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "trigger_not_found", decodeProblem(t, body).Type)
	})
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	app, e := setupTestApp(t)
	e.On("Health", mock.Anything).Return(engine.Health{
		Status:         engine.StatusDegraded,
		Mode:           engine.ModeHybrid,
		Degraded:       true,
		DegradedReason: "no job queue configured",
		Persistence:    engine.ComponentHealth{Connected: true},
	}).Once()
	e.On("Health", mock.Anything).Return(engine.Health{Status: engine.StatusDegraded}).Once()

	resp, body := do(t, app, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "degraded mode still serves")

	var out struct {
		Status string        `json:"status"`
		Engine engine.Health `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "degraded", out.Status)
	assert.True(t, out.Engine.Degraded)

	resp, _ = do(t, app, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no persistence")
}
