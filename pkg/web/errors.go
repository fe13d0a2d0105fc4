package web

import (
	"errors"

	"github.com/dukex/runflow/pkg/graph"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/orchestrator"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(p, problems.ProblemMediaType)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p, problems.ProblemMediaType)
}

// handleError maps engine errors onto problem responses.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, graph.ErrInvalidGraph), errors.Is(err, graph.ErrCycle):
		return problem(c, fiber.StatusBadRequest, "invalid_graph", err.Error())
	case errors.Is(err, models.ErrInvalidTriggerJob), errors.Is(err, persistence.ErrInvalidID):
		return badRequest(c, err.Error())
	case persistence.IsExecutionNotFound(err):
		return problem(c, fiber.StatusNotFound, "execution_not_found", "execution not found")
	case persistence.IsTriggerJobNotFound(err):
		return problem(c, fiber.StatusNotFound, "trigger_not_found", "trigger not found")
	case errors.Is(err, graph.ErrWorkflowNotFound):
		return problem(c, fiber.StatusNotFound, "workflow_not_found", "workflow not found")
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return problem(c, fiber.StatusConflict, "invalid_transition", err.Error())
	default:
		return internalError(c, err)
	}
}
