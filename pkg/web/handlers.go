// Package web provides HTTP handlers and REST API endpoints for flow management.
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/relokate/masterflow/pkg/engine"
	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/services"
)

type APIHandlers struct {
	flowService *services.Flow
	engine      *engine.Engine
	validator   *validator.Validate
}

func NewAPIHandlers(flowService *services.Flow, eng *engine.Engine, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		flowService: flowService,
		engine:      eng,
		validator:   validator,
	}
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	flow, err := h.flowService.CreateFlow(c.Context(), tenantFromContext(c), services.CreateFlowRequest{
		FlowType:      req.FlowType,
		FlowName:      req.FlowName,
		Configuration: req.Configuration,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(flow)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flowID := c.Params("flowId")
	if flowID == "" {
		return badRequest(c, "Flow ID is required")
	}

	snapshot, err := h.flowService.GetStatus(c.Context(), tenantFromContext(c), models.BusinessFlowID(flowID))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(snapshot)
}

func (h *APIHandlers) ListFlows(c fiber.Ctx) error {
	req, err := h.parseListFlowsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	flows, err := h.flowService.ListFlows(c.Context(), tenantFromContext(c), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ListFlowsResponse{
		Flows: flows,
		Pagination: PaginationMetadata{
			Limit:  req.Limit,
			Offset: req.Offset,
		},
	})
}

func (h *APIHandlers) parseListFlowsRequest(c fiber.Ctx) (*services.ListFlowsRequest, error) {
	req := &services.ListFlowsRequest{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.FlowStatus(statusStr)
		req.Status = &status
	}

	if typeStr := c.Query("flow_type"); typeStr != "" {
		flowType := models.FlowType(typeStr)
		req.FlowType = &flowType
	}

	return req, nil
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	flowID := c.Params("flowId")
	if flowID == "" {
		return badRequest(c, "Flow ID is required")
	}

	force := false

	if forceStr := c.Query("force"); forceStr != "" {
		parsed, err := strconv.ParseBool(forceStr)
		if err != nil {
			return badRequest(c, "Invalid force parameter")
		}

		force = parsed
	}

	err := h.flowService.DeleteFlow(c.Context(), tenantFromContext(c), models.BusinessFlowID(flowID), force)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ExecutePhase(c fiber.Ctx) error {
	flowID := c.Params("flowId")
	if flowID == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req ExecutePhaseRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.ExecutePhase(c.Context(), tenantFromContext(c),
		models.BusinessFlowID(flowID), req.PhaseName, req.PhaseInput)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) PauseFlow(c fiber.Ctx) error {
	return h.transition(c, h.flowService.PauseFlow)
}

func (h *APIHandlers) ResumeFlow(c fiber.Ctx) error {
	return h.transition(c, h.flowService.ResumeFlow)
}

func (h *APIHandlers) ApproveFlow(c fiber.Ctx) error {
	return h.transition(c, h.flowService.ApproveFlow)
}

func (h *APIHandlers) RetryFlow(c fiber.Ctx) error {
	return h.transition(c, h.flowService.RetryFlow)
}

func (h *APIHandlers) transition(c fiber.Ctx, op func(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) error) error {
	flowID := c.Params("flowId")
	if flowID == "" {
		return badRequest(c, "Flow ID is required")
	}

	err := op(c.Context(), tenantFromContext(c), models.BusinessFlowID(flowID))
	if err != nil {
		return handleServiceError(c, err)
	}

	snapshot, err := h.flowService.GetStatus(c.Context(), tenantFromContext(c), models.BusinessFlowID(flowID))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(snapshot)
}

func (h *APIHandlers) FailureHistory(c fiber.Ctx) error {
	flowID := c.Params("flowId")
	if flowID == "" {
		return badRequest(c, "Flow ID is required")
	}

	entries, err := h.flowService.FailureHistory(c.Context(), tenantFromContext(c), models.BusinessFlowID(flowID))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"failures": entries})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.flowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Masterflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Masterflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
