package models

import "errors"

var (
	ErrMissingClientAccountID = errors.New("client account ID is required")
	ErrMissingEngagementID    = errors.New("engagement ID is required")
	ErrMissingUserID          = errors.New("user ID is required")
)

// TenantContext carries the tenant scope for every read and write. It is
// passed explicitly through the call chain, never stored globally.
type TenantContext struct {
	ClientAccountID string         `json:"client_account_id" validate:"required"`
	EngagementID    string         `json:"engagement_id"     validate:"required"`
	UserID          string         `json:"user_id"           validate:"required"`
	FlowID          BusinessFlowID `json:"flow_id,omitempty"`
}

// Validate checks that the mandatory scope fields are present.
func (t TenantContext) Validate() error {
	if t.ClientAccountID == "" {
		return ErrMissingClientAccountID
	}

	if t.EngagementID == "" {
		return ErrMissingEngagementID
	}

	if t.UserID == "" {
		return ErrMissingUserID
	}

	return nil
}

// WithFlow returns a copy of the context scoped to the given flow.
func (t TenantContext) WithFlow(flowID BusinessFlowID) TenantContext {
	t.FlowID = flowID

	return t
}

// Matches reports whether a row's tenant columns belong to this context.
func (t TenantContext) Matches(clientAccountID, engagementID string) bool {
	return t.ClientAccountID == clientAccountID && t.EngagementID == engagementID
}
