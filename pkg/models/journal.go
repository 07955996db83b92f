package models

import "time"

// FailureJournalEntry records one failure for postmortem analysis. Entries are
// append-only and never read back by the execution engine.
type FailureJournalEntry struct {
	ID              string         `json:"id"`
	MasterFlowID    InternalFlowID `json:"-"`
	FlowID          BusinessFlowID `json:"flow_id"`
	ClientAccountID string         `json:"client_account_id"`
	EngagementID    string         `json:"engagement_id"`
	Phase           string         `json:"phase,omitempty"`
	Reason          string         `json:"reason"`
	ErrorMessage    string         `json:"error_message"`
	Attempt         int            `json:"attempt,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// FlowDeletionAudit records every flow deletion, soft or forced, with enough
// payload to reconstruct what was removed. Append-only.
type FlowDeletionAudit struct {
	ID              string         `json:"id"`
	MasterFlowID    InternalFlowID `json:"-"`
	FlowID          BusinessFlowID `json:"flow_id"`
	ClientAccountID string         `json:"client_account_id"`
	EngagementID    string         `json:"engagement_id"`
	FlowType        FlowType       `json:"flow_type"`
	DeletedBy       string         `json:"deleted_by"`
	Reason          string         `json:"reason,omitempty"`
	Forced          bool           `json:"forced"`
	FlowPayload     map[string]any `json:"flow_payload,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
