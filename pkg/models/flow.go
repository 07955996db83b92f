// Package models defines the core domain models for master flow orchestration.
package models

import "time"

// FlowType identifies the domain a flow belongs to.
type FlowType string

const (
	FlowTypeDiscovery  FlowType = "discovery"
	FlowTypeCollection FlowType = "collection"
	FlowTypeAssessment FlowType = "assessment"
	FlowTypePlanning   FlowType = "planning"
)

// FlowTypes lists every known flow type, in pipeline order.
func FlowTypes() []FlowType {
	return []FlowType{FlowTypeDiscovery, FlowTypeCollection, FlowTypeAssessment, FlowTypePlanning}
}

// Valid reports whether the flow type is one of the known domains.
func (ft FlowType) Valid() bool {
	switch ft {
	case FlowTypeDiscovery, FlowTypeCollection, FlowTypeAssessment, FlowTypePlanning:
		return true
	default:
		return false
	}
}

// FlowStatus represents the lifecycle state of a master flow.
type FlowStatus string

const (
	FlowStatusPending            FlowStatus = "pending"              // Created, no phase started
	FlowStatusRunning            FlowStatus = "running"              // At least one phase executed
	FlowStatusWaitingForApproval FlowStatus = "waiting_for_approval" // Parked until an approval event
	FlowStatusPaused             FlowStatus = "paused"               // Explicit user action, resumable
	FlowStatusCompleted          FlowStatus = "completed"            // All phases finished
	FlowStatusFailed             FlowStatus = "failed"               // Unrecoverable error or retry budget exhausted
	FlowStatusOrphaned           FlowStatus = "orphaned"             // Reconciled by the stuck-flow sweeper
)

// Terminal reports whether the status accepts no further transitions.
func (s FlowStatus) Terminal() bool {
	switch s {
	case FlowStatusCompleted, FlowStatusFailed, FlowStatusOrphaned:
		return true
	default:
		return false
	}
}

// Executable reports whether phase execution attempts are accepted.
func (s FlowStatus) Executable() bool {
	return s == FlowStatusPending || s == FlowStatusRunning
}

// MasterFlow is the top-level orchestration record: one row per workflow
// instance, tracking lifecycle, phase bookkeeping, and tenant scope.
//
// ID is the internal primary key and exists only as a foreign-key target for
// child flow rows. FlowID is the business identifier used everywhere else.
type MasterFlow struct {
	ID                 InternalFlowID         `json:"-"`
	FlowID             BusinessFlowID         `json:"flow_id"`
	ClientAccountID    string                 `json:"client_account_id" validate:"required"`
	EngagementID       string                 `json:"engagement_id"     validate:"required"`
	FlowType           FlowType               `json:"flow_type"         validate:"required"`
	FlowName           string                 `json:"flow_name"         validate:"required,min=3"`
	FlowStatus         FlowStatus             `json:"flow_status"`
	CurrentPhase       string                 `json:"current_phase,omitempty"`
	PhasesCompleted    []string               `json:"phases_completed"`
	PhaseResults       map[string]PhaseResult `json:"phase_results"`
	FlowConfiguration  map[string]any         `json:"flow_configuration,omitempty"`
	FlowMetadata       map[string]any         `json:"flow_metadata,omitempty"`
	ProgressPercentage float64                `json:"progress_percentage"`
	RetryCount         int                    `json:"retry_count"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	CreatedBy          string                 `json:"created_by,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	DeletedAt          *time.Time             `json:"deleted_at,omitempty"`
}

// PhaseCompleted reports whether the named phase appears in the completed set.
func (f *MasterFlow) PhaseCompleted(phase string) bool {
	for _, p := range f.PhasesCompleted {
		if p == phase {
			return true
		}
	}

	return false
}

// StatusSnapshot is the externally visible view of a flow's progress.
type StatusSnapshot struct {
	FlowID             BusinessFlowID `json:"flow_id"`
	FlowType           FlowType       `json:"flow_type"`
	FlowName           string         `json:"flow_name"`
	FlowStatus         FlowStatus     `json:"flow_status"`
	CurrentPhase       string         `json:"current_phase,omitempty"`
	PhasesCompleted    []string       `json:"phases_completed"`
	ProgressPercentage float64        `json:"progress_percentage"`
	RetryCount         int            `json:"retry_count"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Snapshot builds the status view returned by GetStatus.
func (f *MasterFlow) Snapshot() StatusSnapshot {
	completed := make([]string, len(f.PhasesCompleted))
	copy(completed, f.PhasesCompleted)

	return StatusSnapshot{
		FlowID:             f.FlowID,
		FlowType:           f.FlowType,
		FlowName:           f.FlowName,
		FlowStatus:         f.FlowStatus,
		CurrentPhase:       f.CurrentPhase,
		PhasesCompleted:    completed,
		ProgressPercentage: f.ProgressPercentage,
		RetryCount:         f.RetryCount,
		ErrorMessage:       f.ErrorMessage,
		CreatedAt:          f.CreatedAt,
		UpdatedAt:          f.UpdatedAt,
	}
}
