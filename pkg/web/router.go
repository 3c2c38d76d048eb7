package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp mounts every route. Event intake and health routes are public; the rest need an actor.
func NewApp(handlers *APIHandlers, actors *Actors, requestLog bool) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())

	if requestLog {
		app.Use(logger.New(logger.Config{
			DisableColors: true,
		}))
	}

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/health", handlers.HealthCheck)

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Reactor API")
	})

	app.Post("/webhooks", handlers.ReceiveWebhook)
	app.Post("/events/:definitionId", handlers.ReceiveEvent)

	d := app.Group("/node-definitions", actors.Middleware)
	d.Get("/", handlers.GetNodeDefinitions)
	d.Get("/:definitionId", handlers.GetNodeDefinition)

	w := app.Group("/workflows", actors.Middleware)
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Patch("/:id", handlers.UpdateWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)
	w.Get("/:id/graph", handlers.GetWorkflowGraph)
	w.Post("/:id/enable", handlers.EnableWorkflow)
	w.Post("/:id/disable", handlers.DisableWorkflow)

	w.Post("/:id/nodes", handlers.CreateWorkflowNode)
	w.Get("/:id/nodes/:nodeId", handlers.GetWorkflowNode)
	w.Patch("/:id/nodes/:nodeId", handlers.UpdateWorkflowNode)
	w.Delete("/:id/nodes/:nodeId", handlers.DeleteWorkflowNode)
	w.Post("/:id/connections", handlers.ConnectNodes)
	w.Delete("/:id/connections", handlers.DisconnectNode)

	w.Get("/:id/executions", handlers.GetWorkflowExecutions)

	e := app.Group("/executions", actors.Middleware)
	e.Get("/:executionId", handlers.GetExecution)
	e.Post("/:executionId/cancel", handlers.CancelExecution)

	p := app.Group("/policies", actors.Middleware)
	p.Post("/", handlers.CreatePolicy)
	p.Get("/:policyId", handlers.GetPolicy)
	p.Post("/:policyId/rules", handlers.AddPolicyRule)
	p.Post("/:policyId/attachments", handlers.AttachPolicy)
	p.Delete("/:policyId/attachments", handlers.DetachPolicy)

	return app
}
