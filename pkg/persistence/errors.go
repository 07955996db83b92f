// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowNotFound indicates a master flow was not found for the given
	// identifier within the tenant scope. Tenant mismatches surface as this
	// error so existence never leaks across tenants.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrChildFlowNotFound indicates no child row exists for the given
	// master flow and flow type.
	ErrChildFlowNotFound = errors.New("child flow not found")

	// ErrFlowAlreadyExists indicates a flow with the same identifier
	// already exists.
	ErrFlowAlreadyExists = errors.New("flow already exists")

	// ErrChildFlowExists indicates a child row already exists for the
	// given master flow and flow type.
	ErrChildFlowExists = errors.New("child flow already exists for master flow")

	// ErrConsistency indicates an identity mismatch between tables, e.g. a
	// child row whose master_flow_id does not resolve to any master flow.
	// Never coerced or auto-repaired at runtime.
	ErrConsistency = errors.New("flow identity consistency violation")
)

// FlowError wraps flow-related storage errors with operation context.
type FlowError struct {
	Op      string // Operation being performed (e.g. "Create", "GetByBusinessID")
	FlowID  string // Business or internal identifier, whichever the operation used
	Err     error  // Underlying error
	Message string // Additional context message
}

func (e *FlowError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for flow %s: %s (%v)", e.Op, e.FlowID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for flow errors.
func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowError creates a new flow error with context.
func NewFlowError(op, flowID string, err error) *FlowError {
	return &FlowError{
		Op:     op,
		FlowID: flowID,
		Err:    err,
	}
}

// IsFlowNotFound checks if an error indicates a master flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// IsChildFlowNotFound checks if an error indicates a child row was not found.
func IsChildFlowNotFound(err error) bool {
	return errors.Is(err, ErrChildFlowNotFound)
}

// IsChildFlowExists checks if an error indicates a duplicate child row.
func IsChildFlowExists(err error) bool {
	return errors.Is(err, ErrChildFlowExists)
}

// IsConsistency checks if an error indicates an identity mismatch.
func IsConsistency(err error) bool {
	return errors.Is(err, ErrConsistency)
}
