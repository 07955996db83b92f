package models

import "time"

// ChildFlowStatus is the lifecycle state of a child flow row. Child rows are
// soft-deleted; hard deletion happens only through explicit admin cleanup.
type ChildFlowStatus string

const (
	ChildFlowStatusActive  ChildFlowStatus = "active"
	ChildFlowStatusDeleted ChildFlowStatus = "deleted"
)

// ChildFlow is a domain-specific record (discovery/collection/assessment/
// planning) holding phase state for exactly one master flow.
//
// MasterFlowID references MasterFlow.ID, the internal primary key. It is
// typed InternalFlowID so a business flow id cannot be stored there without
// an explicit resolution through identity.Resolver. At most one child row
// exists per (master, flow type) pair.
type ChildFlow struct {
	ID              string          `json:"-"`
	FlowID          BusinessFlowID  `json:"flow_id"`
	MasterFlowID    InternalFlowID  `json:"-"`
	FlowType        FlowType        `json:"flow_type"`
	ClientAccountID string          `json:"client_account_id"`
	EngagementID    string          `json:"engagement_id"`
	Status          ChildFlowStatus `json:"status"`
	PhaseState      map[string]any  `json:"phase_state,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
}
