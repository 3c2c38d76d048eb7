package web

import (
	"errors"

	"github.com/dukex/reactor/pkg/persistence"
	"github.com/dukex/reactor/pkg/registry"
	"github.com/dukex/reactor/pkg/scheduler"
	"github.com/dukex/reactor/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func unauthorized(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusUnauthorized, "unauthorized", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleServiceError maps service, persistence and catalog errors to problem responses.
// Permission failures stay distinct from not-found.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsPermissionDenied(err):
		return problem(c, fiber.StatusForbidden, "permission_denied", err.Error())

	case services.IsConflictError(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())

	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case errors.Is(err, scheduler.ErrNotATrigger):
		return badRequest(c, err.Error())

	case persistence.IsWorkflowNotFound(err):
		return problem(c, fiber.StatusNotFound, "workflow_not_found", "workflow not found")

	case persistence.IsNodeNotFound(err):
		return problem(c, fiber.StatusNotFound, "node_not_found", "node not found")

	case errors.Is(err, persistence.ErrExecutionNotFound):
		return problem(c, fiber.StatusNotFound, "execution_not_found", "execution not found")

	case errors.Is(err, persistence.ErrPolicyNotFound):
		return problem(c, fiber.StatusNotFound, "policy_not_found", "policy not found")

	case errors.Is(err, registry.ErrNodeNotRegistered):
		return problem(c, fiber.StatusNotFound, "node_definition_not_found", err.Error())

	default:
		return internalError(c, err)
	}
}
