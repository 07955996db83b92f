// Package engine executes flow phases: prerequisite validation, handler
// invocation with a bounded retry policy, and transactional bookkeeping of
// phase results and flow status.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/relokate/masterflow/pkg/eventbus"
	"github.com/relokate/masterflow/pkg/events"
	"github.com/relokate/masterflow/pkg/identity"
	"github.com/relokate/masterflow/pkg/locks"
	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/otelhelper"
	"github.com/relokate/masterflow/pkg/persistence"
	"github.com/relokate/masterflow/pkg/phases"
)

// RetryPolicy bounds how the engine retries a failing phase handler before
// promoting the failure to the flow.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy matches the flow-level retry budget used in production.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// DefaultHandlerTimeout bounds one handler invocation. A handler that blows
// this budget is treated exactly like a handler error.
const DefaultHandlerTimeout = 10 * time.Minute

// Engine runs phase executions. All flow mutations go through it, serialized
// per flow by the advisory lock keyed on the master's internal id.
type Engine struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *phases.Registry
	resolver    *identity.Resolver
	locker      locks.FlowLocker
	handlers    *HandlerRegistry
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer

	retry          RetryPolicy
	handlerTimeout time.Duration
}

// Config carries the engine's collaborators. Publisher may be nil, in which
// case lifecycle events are not emitted.
type Config struct {
	Logger         *slog.Logger
	Persistence    persistence.Persistence
	Registry       *phases.Registry
	Locker         locks.FlowLocker
	Handlers       *HandlerRegistry
	Publisher      eventbus.EventPublisher
	Tracer         trace.Tracer
	Retry          RetryPolicy
	HandlerTimeout time.Duration
}

// NewEngine creates a phase execution engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}

	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("engine")
	}

	return &Engine{
		logger:         cfg.Logger.With("module", "engine"),
		persistence:    cfg.Persistence,
		registry:       cfg.Registry,
		resolver:       identity.NewResolver(cfg.Persistence.MasterFlowRepository(), cfg.Persistence.ChildFlowRepository()),
		locker:         cfg.Locker,
		handlers:       cfg.Handlers,
		publisher:      cfg.Publisher,
		tracer:         cfg.Tracer,
		retry:          cfg.Retry,
		handlerTimeout: cfg.HandlerTimeout,
	}
}

// ExecutePhase validates and runs one phase of a flow, identified by its
// business flow id. Returns the execution result with the child flow's
// business id so callers attribute output to the correct child row.
func (e *Engine) ExecutePhase(
	ctx context.Context,
	tenant models.TenantContext,
	flowID models.BusinessFlowID,
	phaseName string,
	phaseInput map[string]any,
) (*models.ExecutionResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.execute_phase",
		attribute.String(otelhelper.FlowIDKey, flowID.String()),
		attribute.String(otelhelper.PhaseNameKey, phaseName),
		attribute.String(otelhelper.ClientAccountIDKey, tenant.ClientAccountID),
		attribute.String(otelhelper.EngagementIDKey, tenant.EngagementID),
	)
	defer span.End()

	result, err := e.executePhase(ctx, tenant, flowID, phaseName, phaseInput)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return result, err
}

func (e *Engine) executePhase(
	ctx context.Context,
	tenant models.TenantContext,
	flowID models.BusinessFlowID,
	phaseName string,
	phaseInput map[string]any,
) (*models.ExecutionResult, error) {
	err := tenant.Validate()
	if err != nil {
		return nil, err
	}

	masterID, err := e.resolver.MasterInternalID(ctx, tenant, flowID)
	if err != nil {
		return nil, err
	}

	release, err := e.locker.Acquire(ctx, masterID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire flow lock: %w", err)
	}
	defer release()

	// Reload under the lock; the row may have moved since resolution.
	flow, err := e.persistence.MasterFlowRepository().GetByInternalID(ctx, tenant, masterID)
	if err != nil {
		return nil, err
	}

	if !flow.FlowStatus.Executable() {
		return nil, &NotExecutableError{FlowID: flow.FlowID, Status: flow.FlowStatus}
	}

	spec, err := e.registry.Phase(flow.FlowType, phaseName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPhase, flow.FlowType, phaseName)
	}

	child, err := e.resolver.ChildRef(ctx, masterID, flow.FlowType)
	if err != nil {
		return nil, err
	}

	// Re-running an already succeeded phase is an idempotent no-op.
	if prior, ok := flow.PhaseResults[phaseName]; ok && prior.Succeeded() && flow.PhaseCompleted(phaseName) {
		return &models.ExecutionResult{
			Success:   true,
			FlowID:    child.FlowID,
			PhaseName: phaseName,
			Output:    prior.Output,
			NextPhase: e.registry.NextPhase(flow.FlowType, phaseName),
		}, nil
	}

	err = e.checkPrerequisites(flow, spec)
	if err != nil {
		return nil, err
	}

	state := mergedState(flow, phaseInput)

	missing := spec.MissingFields(state)
	if len(missing) > 0 {
		return nil, &ValidationError{Phase: phaseName, MissingFields: missing}
	}

	handler, err := e.handlers.Handler(flow.FlowType, phaseName)
	if err != nil {
		return nil, err
	}

	flow.CurrentPhase = phaseName
	flow.FlowStatus = models.FlowStatusRunning
	flow.UpdatedAt = time.Now().UTC()

	err = e.persistence.MasterFlowRepository().Update(ctx, flow)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, flow, events.PhaseStarted{
		BaseEvent: e.baseEvent(events.PhaseStartedEvent, flow),
		Phase:     phaseName,
		Attempt:   flow.RetryCount + 1,
	})

	started := time.Now()

	input := PhaseInput{
		FlowID:        child.FlowID,
		Phase:         phaseName,
		Configuration: flow.FlowConfiguration,
		Metadata:      flow.FlowMetadata,
		Input:         phaseInput,
	}

	// Handlers see the tenant scoped to the child flow so downstream calls
	// (agent pool, sub-flows) attribute work to the correct row.
	output, attempts, handlerErr := e.invokeWithRetry(ctx, tenant.WithFlow(child.FlowID), flow, handler, input)
	if handlerErr != nil {
		return nil, e.failFlow(ctx, flow, phaseName, attempts, started, handlerErr)
	}

	return e.completePhase(ctx, flow, child, spec, output, attempts, started)
}

// checkPrerequisites enforces the transition rule. A flow whose current
// phase position is at or past the requested phase has implicit proof of
// completion for everything earlier, even when bookkeeping lags (return
// from a nested sub-flow). Otherwise each prerequisite must be confirmed by
// at least one of three signals: a successful phase result, membership in
// phases_completed, or plan position.
func (e *Engine) checkPrerequisites(flow *models.MasterFlow, spec phases.Spec) error {
	phaseIdx := e.registry.PhaseIndex(flow.FlowType, spec.Name)
	currentIdx := -1

	if flow.CurrentPhase != "" {
		currentIdx = e.registry.PhaseIndex(flow.FlowType, flow.CurrentPhase)
	}

	if currentIdx >= phaseIdx {
		return nil
	}

	var missing []string

	for _, prereq := range spec.Prerequisites {
		if result, ok := flow.PhaseResults[prereq]; ok && result.Succeeded() {
			continue
		}

		if flow.PhaseCompleted(prereq) {
			continue
		}

		if currentIdx > e.registry.PhaseIndex(flow.FlowType, prereq) {
			continue
		}

		missing = append(missing, prereq)
	}

	if len(missing) > 0 {
		return &PrerequisiteError{Phase: spec.Name, Missing: missing}
	}

	return nil
}

// invokeWithRetry runs the handler under the timeout budget, retrying per
// the policy. Each failed attempt is journaled and bumps the flow's retry
// counter without touching prior successful results.
func (e *Engine) invokeWithRetry(
	ctx context.Context,
	tenant models.TenantContext,
	flow *models.MasterFlow,
	handler PhaseHandler,
	input PhaseInput,
) (map[string]any, int, error) {
	// BackOff implementations are stateful; always build a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retry.InitialBackoff
	bo.MaxInterval = e.retry.MaxBackoff
	bo.MaxElapsedTime = 0

	var (
		output   map[string]any
		attempts int
	)

	operation := func() error {
		attempts++

		handlerCtx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
		defer cancel()

		result, err := handler(handlerCtx, tenant, input)
		if err != nil {
			e.recordAttemptFailure(ctx, flow, input.Phase, attempts, err)

			return err
		}

		output = result

		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(e.retry.MaxAttempts-1)), ctx))

	return output, attempts, err
}

// recordAttemptFailure persists one failed attempt: a journal entry plus the
// incremented retry counter. Prior successful results are left untouched.
func (e *Engine) recordAttemptFailure(ctx context.Context, flow *models.MasterFlow, phase string, attempt int, cause error) {
	entry := &models.FailureJournalEntry{
		ID:              uuid.NewString(),
		MasterFlowID:    flow.ID,
		FlowID:          flow.FlowID,
		ClientAccountID: flow.ClientAccountID,
		EngagementID:    flow.EngagementID,
		Phase:           phase,
		Reason:          "handler_error",
		ErrorMessage:    cause.Error(),
		Attempt:         attempt,
		CreatedAt:       time.Now().UTC(),
	}

	err := e.persistence.JournalRepository().AppendFailure(ctx, entry)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to append failure journal entry",
			"flow_id", flow.FlowID, "phase", phase, "error", err)
	}

	flow.RetryCount++
	flow.UpdatedAt = time.Now().UTC()

	err = e.persistence.MasterFlowRepository().Update(ctx, flow)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist retry counter",
			"flow_id", flow.FlowID, "phase", phase, "error", err)
	}

	e.logger.WarnContext(ctx, "Phase handler attempt failed",
		"flow_id", flow.FlowID, "phase", phase, "attempt", attempt, "error", cause)
}

// failFlow promotes an exhausted handler failure to the flow: records the
// failure result for the phase, marks the flow failed, and emits the event.
func (e *Engine) failFlow(
	ctx context.Context,
	flow *models.MasterFlow,
	phase string,
	attempts int,
	started time.Time,
	cause error,
) error {
	now := time.Now().UTC()

	if flow.PhaseResults == nil {
		flow.PhaseResults = make(map[string]models.PhaseResult)
	}

	flow.PhaseResults[phase] = models.PhaseResult{
		Phase:    phase,
		Status:   models.PhaseStatusFailure,
		Error:    cause.Error(),
		Attempts: attempts,
	}
	flow.FlowStatus = models.FlowStatusFailed
	flow.ErrorMessage = fmt.Sprintf("phase %s failed after %d attempts: %v", phase, attempts, cause)
	flow.UpdatedAt = now

	err := e.persistence.MasterFlowRepository().Update(ctx, flow)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist flow failure",
			"flow_id", flow.FlowID, "phase", phase, "error", err)
	}

	e.publish(ctx, flow, events.PhaseFailed{
		BaseEvent:  e.baseEvent(events.PhaseFailedEvent, flow),
		Phase:      phase,
		Error:      cause.Error(),
		Attempt:    attempts,
		WillRetry:  false,
		DurationMs: time.Since(started).Milliseconds(),
	})
	e.publish(ctx, flow, events.FlowFailed{
		BaseEvent: e.baseEvent(events.FlowFailedEvent, flow),
		Phase:     phase,
		Error:     flow.ErrorMessage,
	})

	return &HandlerError{Phase: phase, Attempts: attempts, Err: cause}
}

// completePhase merges the handler output into flow bookkeeping, advances
// status, mirrors the output into the child row, and persists.
func (e *Engine) completePhase(
	ctx context.Context,
	flow *models.MasterFlow,
	child *models.ChildFlow,
	spec phases.Spec,
	output map[string]any,
	attempts int,
	started time.Time,
) (*models.ExecutionResult, error) {
	now := time.Now().UTC()

	ApplyPhaseResult(flow, spec.Name, models.PhaseResult{
		Phase:       spec.Name,
		Status:      models.PhaseStatusSuccess,
		Output:      output,
		Attempts:    attempts,
		CompletedAt: &now,
	}, e.registry.TotalPhases(flow.FlowType))

	nextPhase := e.registry.NextPhase(flow.FlowType, spec.Name)

	// Approval parking wins over completion: a final review phase still
	// waits for its approval event, which then closes the flow.
	switch {
	case spec.RequiresApproval:
		flow.FlowStatus = models.FlowStatusWaitingForApproval
	case nextPhase == "":
		flow.FlowStatus = models.FlowStatusCompleted
	default:
		flow.FlowStatus = models.FlowStatusRunning
	}

	flow.ErrorMessage = ""
	flow.UpdatedAt = now

	if child.PhaseState == nil {
		child.PhaseState = make(map[string]any)
	}

	child.PhaseState[spec.Name] = output
	child.UpdatedAt = now

	// One transaction for both rows; the child mirror never lags a
	// committed master.
	err := e.persistence.UpdateFlowPair(ctx, flow, child)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, flow, events.PhaseCompleted{
		BaseEvent:  e.baseEvent(events.PhaseCompletedEvent, flow),
		Phase:      spec.Name,
		Output:     output,
		NextPhase:  nextPhase,
		Progress:   flow.ProgressPercentage,
		DurationMs: time.Since(started).Milliseconds(),
	})

	if flow.FlowStatus == models.FlowStatusCompleted {
		e.publish(ctx, flow, events.FlowCompleted{
			BaseEvent: e.baseEvent(events.FlowCompletedEvent, flow),
			Duration:  now.Sub(flow.CreatedAt),
		})
	}

	e.logger.InfoContext(ctx, "Phase completed",
		"flow_id", flow.FlowID, "phase", spec.Name,
		"next_phase", nextPhase, "progress", flow.ProgressPercentage)

	return &models.ExecutionResult{
		Success:   true,
		FlowID:    child.FlowID,
		PhaseName: spec.Name,
		Output:    output,
		NextPhase: nextPhase,
	}, nil
}

// ApplyPhaseResult records a phase result on the flow and recomputes
// progress. Idempotent: applying the same successful result twice neither
// duplicates the phases_completed entry nor changes the stored result.
func ApplyPhaseResult(flow *models.MasterFlow, phase string, result models.PhaseResult, totalPhases int) {
	if flow.PhaseResults == nil {
		flow.PhaseResults = make(map[string]models.PhaseResult)
	}

	flow.PhaseResults[phase] = result

	if result.Succeeded() && !flow.PhaseCompleted(phase) {
		flow.PhasesCompleted = append(flow.PhasesCompleted, phase)
	}

	flow.CurrentPhase = phase

	if totalPhases > 0 {
		flow.ProgressPercentage = float64(len(flow.PhasesCompleted)) / float64(totalPhases) * 100
	}
}

// mergedState layers phase input over metadata over configuration, matching
// required-field lookup order.
func mergedState(flow *models.MasterFlow, phaseInput map[string]any) map[string]any {
	state := make(map[string]any, len(flow.FlowConfiguration)+len(flow.FlowMetadata)+len(phaseInput))

	for k, v := range flow.FlowConfiguration {
		state[k] = v
	}

	for k, v := range flow.FlowMetadata {
		state[k] = v
	}

	for k, v := range phaseInput {
		state[k] = v
	}

	return state
}

func (e *Engine) baseEvent(eventType events.EventType, flow *models.MasterFlow) events.BaseEvent {
	return events.BaseEvent{
		ID:              uuid.NewString(),
		Type:            eventType,
		Timestamp:       time.Now().UTC(),
		FlowID:          flow.FlowID.String(),
		ClientAccountID: flow.ClientAccountID,
		EngagementID:    flow.EngagementID,
		FlowType:        flow.FlowType,
	}
}

func (e *Engine) publish(ctx context.Context, flow *models.MasterFlow, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, flow.FlowID.String(), event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish flow event",
			"flow_id", flow.FlowID, "event_type", event.GetType(), "error", err)
	}
}
