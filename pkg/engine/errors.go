package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/relokate/masterflow/pkg/models"
)

var (
	// ErrPrerequisiteNotMet signals a phase requested out of order. The
	// caller may retry later; the engine never retries these itself.
	ErrPrerequisiteNotMet = errors.New("phase prerequisite not met")

	// ErrValidation signals required input fields missing for a phase.
	ErrValidation = errors.New("phase input validation failed")

	// ErrHandlerExecution wraps a phase handler failure that survived the
	// retry policy.
	ErrHandlerExecution = errors.New("phase handler execution failed")

	// ErrFlowNotExecutable signals a flow whose status accepts no phase
	// execution attempts (terminal, paused, or waiting for approval).
	ErrFlowNotExecutable = errors.New("flow does not accept phase executions")

	// ErrUnknownPhase signals a phase name absent from the flow type's plan.
	ErrUnknownPhase = errors.New("unknown phase for flow type")

	// ErrNoHandler signals a phase with no registered handler.
	ErrNoHandler = errors.New("no handler registered for phase")
)

// PrerequisiteError reports which prerequisites blocked a phase.
type PrerequisiteError struct {
	Phase   string
	Missing []string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("phase %q blocked by incomplete prerequisites: %s",
		e.Phase, strings.Join(e.Missing, ", "))
}

func (e *PrerequisiteError) Unwrap() error {
	return ErrPrerequisiteNotMet
}

// ValidationError names the configuration fields a phase is missing.
type ValidationError struct {
	Phase         string
	MissingFields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("phase %q missing required fields: %s",
		e.Phase, strings.Join(e.MissingFields, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// HandlerError wraps the final error from a phase handler after the retry
// budget is spent.
type HandlerError struct {
	Phase    string
	Attempts int
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("phase %q failed after %d attempts: %v", e.Phase, e.Attempts, e.Err)
}

func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandlerExecution, e.Err}
}

// NotExecutableError reports the status that rejected a phase execution.
type NotExecutableError struct {
	FlowID models.BusinessFlowID
	Status models.FlowStatus
}

func (e *NotExecutableError) Error() string {
	return fmt.Sprintf("flow %s in status %q does not accept phase executions", e.FlowID, e.Status)
}

func (e *NotExecutableError) Unwrap() error {
	return ErrFlowNotExecutable
}

// IsPrerequisiteNotMet checks if an error is a prerequisite ordering failure.
func IsPrerequisiteNotMet(err error) bool {
	return errors.Is(err, ErrPrerequisiteNotMet)
}

// IsValidation checks if an error is a missing-field validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsHandlerExecution checks if an error is a terminal handler failure.
func IsHandlerExecution(err error) bool {
	return errors.Is(err, ErrHandlerExecution)
}

// IsFlowNotExecutable checks if an error is a flow-status rejection.
func IsFlowNotExecutable(err error) bool {
	return errors.Is(err, ErrFlowNotExecutable)
}
