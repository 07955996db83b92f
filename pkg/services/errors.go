// Package services provides the flow lifecycle operations exposed to the API
// layer: creation, status, listing, deletion, and the pause/resume/approval
// transitions.
package services

import (
	"errors"
	"fmt"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrFlowNameRequired = errors.New("flow name is required")
	ErrInvalidFlowType  = errors.New("invalid flow type")
	ErrInvalidStatus    = errors.New("invalid flow status")

	// Business Logic Conflicts (409 Conflict).
	ErrFlowNotPaused     = errors.New("flow is not paused")
	ErrFlowNotWaiting    = errors.New("flow is not waiting for approval")
	ErrFlowNotFailed     = errors.New("flow is not in a failed state")
	ErrFlowNotPausable   = errors.New("flow cannot be paused in its current status")
	ErrFlowAlreadyClosed = errors.New("flow is in a terminal state")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrFlowNameRequired) ||
		errors.Is(err, ErrInvalidFlowType) ||
		errors.Is(err, ErrInvalidStatus)
}

// IsConflictError checks if an error is a state conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrFlowNotPaused) ||
		errors.Is(err, ErrFlowNotWaiting) ||
		errors.Is(err, ErrFlowNotFailed) ||
		errors.Is(err, ErrFlowNotPausable) ||
		errors.Is(err, ErrFlowAlreadyClosed)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
