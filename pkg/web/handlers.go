// Package web serves the control API of the engine.
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/runflow/pkg/engine"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/orchestrator"
	"github.com/dukex/runflow/pkg/trigger"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Engine is the part of *engine.Engine the API drives.
type Engine interface {
	StartExecution(ctx context.Context, in engine.StartInput) (*models.Execution, error)
	RunNode(ctx context.Context, in orchestrator.RunNodeInput) (*models.Execution, error)
	Cancel(ctx context.Context, executionID string) (*models.Execution, error)
	Pause(ctx context.Context, executionID string) (*models.Execution, error)
	Resume(ctx context.Context, executionID string) (*models.Execution, error)
	Execution(ctx context.Context, executionID string) (*models.Execution, error)
	NodeExecutions(ctx context.Context, executionID string) ([]*models.NodeExecution, error)

	ActivateTriggers(ctx context.Context, workflowID string, specs []trigger.TriggerSpec) ([]*models.TriggerJob, error)
	DeactivateTriggers(ctx context.Context, workflowID string) (int, error)
	DeleteTrigger(ctx context.Context, workflowID, triggerID string) error
	DeleteWorkflowTriggers(ctx context.Context, workflowID string) (int, error)
	ListTriggers(ctx context.Context, workflowID string) ([]*models.TriggerJob, error)

	Health(ctx context.Context) engine.Health
}

var _ Engine = (*engine.Engine)(nil)

type APIHandlers struct {
	engine    Engine
	validator *validator.Validate
}

func NewAPIHandlers(e Engine, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		engine:    e,
		validator: validator,
	}
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.engine.StartExecution(c.Context(), engine.StartInput{
		WorkflowID:  req.WorkflowID,
		Graph:       req.Graph,
		TriggerData: req.TriggerData,
	})
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(statusOf(execution)).JSON(execution)
}

// statusOf answers 202 for executions handed to the queue and 200 for
// executions that already ran.
func statusOf(execution *models.Execution) int {
	if execution.Status.IsTerminal() {
		return fiber.StatusOK
	}

	return fiber.StatusAccepted
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.engine.Execution(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetNodeExecutions(c fiber.Ctx) error {
	id := c.Params("id")

	nodes, err := h.engine.NodeExecutions(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(NodeExecutionsResponse{ExecutionID: id, Nodes: nodes})
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	return h.control(c, h.engine.Cancel)
}

func (h *APIHandlers) PauseExecution(c fiber.Ctx) error {
	return h.control(c, h.engine.Pause)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	return h.control(c, h.engine.Resume)
}

func (h *APIHandlers) control(c fiber.Ctx, action func(context.Context, string) (*models.Execution, error)) error {
	execution, err := action(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(statusOf(execution)).JSON(execution)
}

func (h *APIHandlers) RunNode(c fiber.Ctx) error {
	var req RunNodeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.engine.RunNode(c.Context(), orchestrator.RunNodeInput{
		WorkflowID: req.WorkflowID,
		Node:       req.Node,
		Input:      req.Input,
	})
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(statusOf(execution)).JSON(execution)
}

func (h *APIHandlers) ListTriggers(c fiber.Ctx) error {
	jobs, err := h.engine.ListTriggers(c.Context(), c.Query("workflow_id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(TriggersResponse{Triggers: jobs})
}

func (h *APIHandlers) ListWorkflowTriggers(c fiber.Ctx) error {
	jobs, err := h.engine.ListTriggers(c.Context(), c.Params("workflowId"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(TriggersResponse{Triggers: jobs})
}

func (h *APIHandlers) ActivateTriggers(c fiber.Ctx) error {
	var req ActivateTriggersRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	jobs, err := h.engine.ActivateTriggers(c.Context(), c.Params("workflowId"), req.Triggers)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(TriggersResponse{Triggers: jobs})
}

// DeactivateTriggers stops a workflow's triggers. With ?delete=true they
// are removed instead.
func (h *APIHandlers) DeactivateTriggers(c fiber.Ctx) error {
	workflowID := c.Params("workflowId")

	var (
		n   int
		err error
	)

	remove, _ := strconv.ParseBool(c.Query("delete"))

	if remove {
		n, err = h.engine.DeleteWorkflowTriggers(c.Context(), workflowID)
	} else {
		n, err = h.engine.DeactivateTriggers(c.Context(), workflowID)
	}

	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(CountResponse{Count: n})
}

func (h *APIHandlers) DeleteTrigger(c fiber.Ctx) error {
	if err := h.engine.DeleteTrigger(c.Context(), c.Params("workflowId"), c.Params("triggerId")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	health := h.engine.Health(c.Context())

	status := http.StatusOK
	if !health.Persistence.Connected {
		status = http.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"status":    health.Status,
		"engine":    health,
		"timestamp": time.Now().UTC(),
	})
}
