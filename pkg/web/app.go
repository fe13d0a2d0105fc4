package web

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp mounts the control API routes.
func NewApp(e Engine) *fiber.App {
	handlers := NewAPIHandlers(e, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/health", handlers.HealthCheck)

	x := app.Group("/executions")
	x.Post("/", handlers.StartExecution)
	x.Get("/:id", handlers.GetExecution)
	x.Get("/:id/nodes", handlers.GetNodeExecutions)
	x.Post("/:id/cancel", handlers.CancelExecution)
	x.Post("/:id/pause", handlers.PauseExecution)
	x.Post("/:id/resume", handlers.ResumeExecution)

	app.Post("/nodes/run", handlers.RunNode)

	app.Get("/triggers", handlers.ListTriggers)

	w := app.Group("/workflows/:workflowId/triggers")
	w.Get("/", handlers.ListWorkflowTriggers)
	w.Put("/", handlers.ActivateTriggers)
	w.Delete("/", handlers.DeactivateTriggers)
	w.Delete("/:triggerId", handlers.DeleteTrigger)

	return app
}
