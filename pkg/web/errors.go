package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/relokate/masterflow/pkg/agents"
	"github.com/relokate/masterflow/pkg/engine"
	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence"
	"github.com/relokate/masterflow/pkg/services"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps typed core errors to problem responses. A tenant
// mismatch is reported exactly like absence.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, models.ErrMissingClientAccountID),
		errors.Is(err, models.ErrMissingEngagementID),
		errors.Is(err, models.ErrMissingUserID):
		return badRequest(c, err.Error())

	case services.IsValidationError(err) || engine.IsValidation(err):
		return badRequest(c, err.Error())

	case services.IsConflictError(err):
		return conflict(c, "conflict", err.Error())

	case engine.IsPrerequisiteNotMet(err):
		return conflict(c, "prerequisite_not_met", err.Error())

	case engine.IsFlowNotExecutable(err):
		return conflict(c, "flow_not_executable", err.Error())

	case persistence.IsFlowNotFound(err) || persistence.IsChildFlowNotFound(err):
		return notFound(c, "flow not found")

	case errors.Is(err, agents.ErrRateLimitExceeded):
		problem := problems.NewStatusProblem(503).
			WithInstance(c.Path()).
			WithType("rate_limited").
			WithDetail("upstream agent pool throttled; retry later")

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)

	case engine.IsHandlerExecution(err):
		problem := problems.NewStatusProblem(502).
			WithInstance(c.Path()).
			WithType("phase_execution_failed").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadGateway).JSON(problem)

	default:
		return internalError(c, err)
	}
}
