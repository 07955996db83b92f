// Package web provides HTTP request and response types for the flow API.
package web

import "github.com/relokate/masterflow/pkg/models"

// Tenant scope headers. Requests missing any of them are rejected with 400
// before reaching the core.
const (
	HeaderClientAccountID = "X-Client-Account-ID"
	HeaderEngagementID    = "X-Engagement-ID"
	HeaderUserID          = "X-User-ID"
)

// CreateFlowRequest represents the request body for creating a new flow.
type CreateFlowRequest struct {
	FlowType      models.FlowType `json:"flow_type"               validate:"required"`
	FlowName      string          `json:"flow_name"               validate:"required,min=3,max=255"`
	Configuration map[string]any  `json:"flow_configuration"`
	Metadata      map[string]any  `json:"flow_metadata,omitempty"`
}

// ExecutePhaseRequest represents the request body for executing one phase.
type ExecutePhaseRequest struct {
	PhaseName  string         `json:"phase_name"  validate:"required,min=1"`
	PhaseInput map[string]any `json:"phase_input"`
}

// ListFlowsResponse wraps a tenant's flow listing with pagination metadata.
type ListFlowsResponse struct {
	Flows      []*models.MasterFlow `json:"flows"`
	Pagination PaginationMetadata   `json:"pagination"`
}

// PaginationMetadata echoes the applied limit and offset.
type PaginationMetadata struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
