package models

import "time"

// PhaseStatus is the outcome of a single phase execution.
type PhaseStatus string

const (
	PhaseStatusPending PhaseStatus = "pending"
	PhaseStatusSuccess PhaseStatus = "success"
	PhaseStatusFailure PhaseStatus = "failure"
	PhaseStatusSkipped PhaseStatus = "skipped"
)

// PhaseResult is the typed envelope for one phase's outcome, persisted inside
// MasterFlow.PhaseResults keyed by phase name. Once a result is recorded as
// success it is never silently overwritten; re-runs must be explicit.
type PhaseResult struct {
	Phase       string         `json:"phase"`
	Status      PhaseStatus    `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Succeeded reports whether the result records a successful completion.
func (r PhaseResult) Succeeded() bool {
	return r.Status == PhaseStatusSuccess
}

// ExecutionResult is returned to callers of the phase execution engine. The
// FlowID is the child flow's business id so downstream persistence attributes
// results to the correct child row.
type ExecutionResult struct {
	Success   bool           `json:"success"`
	FlowID    BusinessFlowID `json:"flow_id"`
	PhaseName string         `json:"phase_name"`
	Output    map[string]any `json:"output,omitempty"`
	NextPhase string         `json:"next_phase,omitempty"`
}
