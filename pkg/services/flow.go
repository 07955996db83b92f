package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/relokate/masterflow/pkg/eventbus"
	"github.com/relokate/masterflow/pkg/events"
	"github.com/relokate/masterflow/pkg/identity"
	"github.com/relokate/masterflow/pkg/locks"
	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence"
	"github.com/relokate/masterflow/pkg/phases"
)

// ErrFlowNotFound is returned when a flow is not found or belongs to
// another tenant.
var ErrFlowNotFound = persistence.ErrFlowNotFound

// Flow handles flow lifecycle operations. All status mutations take the
// per-flow advisory lock so they serialize with phase executions.
type Flow struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *phases.Registry
	resolver    *identity.Resolver
	locker      locks.FlowLocker
	publisher   eventbus.EventPublisher
	validator   *validator.Validate
}

// NewFlow creates a flow service. Publisher may be nil.
func NewFlow(
	logger *slog.Logger,
	p persistence.Persistence,
	registry *phases.Registry,
	locker locks.FlowLocker,
	publisher eventbus.EventPublisher,
) *Flow {
	return &Flow{
		logger:      logger.With("module", "flow_service"),
		persistence: p,
		registry:    registry,
		resolver:    identity.NewResolver(p.MasterFlowRepository(), p.ChildFlowRepository()),
		locker:      locker,
		publisher:   publisher,
		validator:   validator.New(),
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Flow) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// CreateFlowRequest contains the input for creating a flow pair.
type CreateFlowRequest struct {
	FlowType      models.FlowType `validate:"required"`
	FlowName      string          `validate:"required,min=3,max=255"`
	Configuration map[string]any
	Metadata      map[string]any
}

// CreateFlow creates a master flow and its child row atomically and emits
// the created event. The returned flow carries the generated business id.
func (s *Flow) CreateFlow(ctx context.Context, tenant models.TenantContext, req CreateFlowRequest) (*models.MasterFlow, error) {
	err := tenant.Validate()
	if err != nil {
		return nil, err
	}

	err = s.validator.Struct(req)
	if err != nil {
		return nil, NewValidationError("CreateFlow", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	if !req.FlowType.Valid() {
		return nil, NewValidationError("CreateFlow", "INVALID_FLOW_TYPE",
			fmt.Sprintf("unknown flow type %q", req.FlowType), ErrInvalidFlowType)
	}

	err = s.registry.ValidateConfiguration(req.FlowType, req.Configuration)
	if err != nil {
		return nil, NewValidationError("CreateFlow", "INVALID_CONFIGURATION", err.Error(), ErrInvalidRequest)
	}

	master := &models.MasterFlow{
		ClientAccountID:   tenant.ClientAccountID,
		EngagementID:      tenant.EngagementID,
		FlowType:          req.FlowType,
		FlowName:          req.FlowName,
		FlowStatus:        models.FlowStatusPending,
		FlowConfiguration: req.Configuration,
		FlowMetadata:      req.Metadata,
		CreatedBy:         tenant.UserID,
	}
	child := &models.ChildFlow{
		FlowType:        req.FlowType,
		ClientAccountID: tenant.ClientAccountID,
		EngagementID:    tenant.EngagementID,
		Status:          models.ChildFlowStatusActive,
	}

	err = s.persistence.CreateFlowPair(ctx, master, child)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow pair: %w", err)
	}

	s.publish(ctx, master, events.FlowCreated{
		BaseEvent: s.baseEvent(events.FlowCreatedEvent, master),
		FlowName:  master.FlowName,
		CreatedBy: master.CreatedBy,
	})

	s.logger.InfoContext(ctx, "Created flow",
		"flow_id", master.FlowID, "flow_type", master.FlowType,
		"client_account_id", master.ClientAccountID)

	return master, nil
}

// GetStatus returns the externally visible progress view of a flow.
func (s *Flow) GetStatus(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (*models.StatusSnapshot, error) {
	err := tenant.Validate()
	if err != nil {
		return nil, err
	}

	flow, err := s.resolver.Master(ctx, tenant, flowID)
	if err != nil {
		return nil, err
	}

	snapshot := flow.Snapshot()

	return &snapshot, nil
}

// ListFlowsRequest contains options for listing a tenant's flows.
type ListFlowsRequest struct {
	Limit    int `validate:"min=0,max=100"`
	Offset   int `validate:"min=0"`
	Status   *models.FlowStatus
	FlowType *models.FlowType
}

// ListFlows returns the tenant's flows, newest first.
func (s *Flow) ListFlows(ctx context.Context, tenant models.TenantContext, req ListFlowsRequest) ([]*models.MasterFlow, error) {
	err := tenant.Validate()
	if err != nil {
		return nil, err
	}

	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 20
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	if req.Status != nil && !statusKnown(*req.Status) {
		return nil, NewValidationError("ListFlows", "INVALID_STATUS",
			fmt.Sprintf("unknown flow status %q", *req.Status), ErrInvalidStatus)
	}

	if req.FlowType != nil && !req.FlowType.Valid() {
		return nil, NewValidationError("ListFlows", "INVALID_FLOW_TYPE",
			fmt.Sprintf("unknown flow type %q", *req.FlowType), ErrInvalidFlowType)
	}

	flows, err := s.persistence.MasterFlowRepository().List(ctx, tenant, persistence.ListFlowsOptions{
		Limit:    req.Limit,
		Offset:   req.Offset,
		Status:   req.Status,
		FlowType: req.FlowType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	return flows, nil
}

// DeleteFlow soft-deletes a flow and its child rows, recording a deletion
// audit entry. With force set, the rows are physically removed instead; this
// is the admin cascade cleanup path.
func (s *Flow) DeleteFlow(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID, force bool) error {
	err := tenant.Validate()
	if err != nil {
		return err
	}

	flow, release, err := s.lockFlow(ctx, tenant, flowID)
	if err != nil {
		return err
	}
	defer release()

	audit := &models.FlowDeletionAudit{
		ID:              uuid.NewString(),
		MasterFlowID:    flow.ID,
		FlowID:          flow.FlowID,
		ClientAccountID: flow.ClientAccountID,
		EngagementID:    flow.EngagementID,
		FlowType:        flow.FlowType,
		DeletedBy:       tenant.UserID,
		Forced:          force,
		FlowPayload: map[string]any{
			"flow_name":        flow.FlowName,
			"flow_status":      string(flow.FlowStatus),
			"current_phase":    flow.CurrentPhase,
			"phases_completed": flow.PhasesCompleted,
		},
		CreatedAt: time.Now().UTC(),
	}

	if force {
		err = s.persistence.MasterFlowRepository().HardDelete(ctx, flow.ID)
	} else {
		err = s.persistence.ChildFlowRepository().SoftDeleteByMaster(ctx, flow.ID)
		if err == nil {
			err = s.persistence.MasterFlowRepository().SoftDelete(ctx, flow.ID)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to delete flow %s: %w", flowID, err)
	}

	err = s.persistence.JournalRepository().AppendDeletion(ctx, audit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to record deletion audit",
			"flow_id", flowID, "error", err)
	}

	s.publish(ctx, flow, events.FlowDeleted{
		BaseEvent: s.baseEvent(events.FlowDeletedEvent, flow),
		DeletedBy: tenant.UserID,
		Forced:    force,
	})

	return nil
}

// PauseFlow parks a pending or running flow. Paused flows reject phase
// executions until resumed.
func (s *Flow) PauseFlow(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) error {
	return s.transition(ctx, tenant, flowID, "PauseFlow", func(flow *models.MasterFlow) error {
		if !flow.FlowStatus.Executable() {
			return &ServiceError{Op: "PauseFlow", Code: "NOT_PAUSABLE",
				Message: fmt.Sprintf("flow in status %q cannot be paused", flow.FlowStatus),
				Err:     ErrFlowNotPausable}
		}

		flow.FlowStatus = models.FlowStatusPaused

		return nil
	}, func(flow *models.MasterFlow) eventbus.Event {
		return events.FlowPaused{
			BaseEvent: s.baseEvent(events.FlowPausedEvent, flow),
			PausedBy:  tenant.UserID,
		}
	})
}

// ResumeFlow unparks a paused flow back to its pre-pause execution state.
func (s *Flow) ResumeFlow(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) error {
	return s.transition(ctx, tenant, flowID, "ResumeFlow", func(flow *models.MasterFlow) error {
		if flow.FlowStatus != models.FlowStatusPaused {
			return &ServiceError{Op: "ResumeFlow", Code: "NOT_PAUSED",
				Message: fmt.Sprintf("flow in status %q is not paused", flow.FlowStatus),
				Err:     ErrFlowNotPaused}
		}

		if flow.CurrentPhase == "" {
			flow.FlowStatus = models.FlowStatusPending
		} else {
			flow.FlowStatus = models.FlowStatusRunning
		}

		return nil
	}, func(flow *models.MasterFlow) eventbus.Event {
		return events.FlowResumed{
			BaseEvent: s.baseEvent(events.FlowResumedEvent, flow),
			ResumedBy: tenant.UserID,
		}
	})
}

// ApproveFlow is the single event that moves a waiting_for_approval flow
// forward: to completed when the approved phase was the last one, otherwise
// back to running for the next phase.
func (s *Flow) ApproveFlow(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) error {
	approvedPhase := ""

	return s.transition(ctx, tenant, flowID, "ApproveFlow", func(flow *models.MasterFlow) error {
		if flow.FlowStatus != models.FlowStatusWaitingForApproval {
			return &ServiceError{Op: "ApproveFlow", Code: "NOT_WAITING",
				Message: fmt.Sprintf("flow in status %q is not waiting for approval", flow.FlowStatus),
				Err:     ErrFlowNotWaiting}
		}

		approvedPhase = flow.CurrentPhase

		if s.registry.NextPhase(flow.FlowType, flow.CurrentPhase) == "" {
			flow.FlowStatus = models.FlowStatusCompleted
		} else {
			flow.FlowStatus = models.FlowStatusRunning
		}

		return nil
	}, func(flow *models.MasterFlow) eventbus.Event {
		return events.FlowApproved{
			BaseEvent:  s.baseEvent(events.FlowApprovedEvent, flow),
			Phase:      approvedPhase,
			ApprovedBy: tenant.UserID,
		}
	})
}

// RetryFlow re-arms a failed flow back to pending so its failed phase can be
// re-executed. Successful phase results are preserved; the resumption rule
// lets the flow pick up where it stopped.
func (s *Flow) RetryFlow(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) error {
	return s.transition(ctx, tenant, flowID, "RetryFlow", func(flow *models.MasterFlow) error {
		if flow.FlowStatus != models.FlowStatusFailed {
			return &ServiceError{Op: "RetryFlow", Code: "NOT_FAILED",
				Message: fmt.Sprintf("flow in status %q is not failed", flow.FlowStatus),
				Err:     ErrFlowNotFailed}
		}

		flow.FlowStatus = models.FlowStatusPending
		flow.ErrorMessage = ""
		flow.RetryCount++

		return nil
	}, func(flow *models.MasterFlow) eventbus.Event {
		return events.FlowResumed{
			BaseEvent: s.baseEvent(events.FlowResumedEvent, flow),
			ResumedBy: tenant.UserID,
		}
	})
}

// FailureHistory returns the operator-facing failure journal for a flow.
func (s *Flow) FailureHistory(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) ([]*models.FailureJournalEntry, error) {
	err := tenant.Validate()
	if err != nil {
		return nil, err
	}

	// Resolve first so tenant scope is enforced before touching the journal.
	_, err = s.resolver.MasterInternalID(ctx, tenant, flowID)
	if err != nil {
		return nil, err
	}

	return s.persistence.JournalRepository().FailuresForFlow(ctx, flowID)
}

// transition loads a flow under its lock, applies the mutation, persists,
// and emits the event built from the post-transition state.
func (s *Flow) transition(
	ctx context.Context,
	tenant models.TenantContext,
	flowID models.BusinessFlowID,
	op string,
	mutate func(*models.MasterFlow) error,
	event func(*models.MasterFlow) eventbus.Event,
) error {
	err := tenant.Validate()
	if err != nil {
		return err
	}

	flow, release, err := s.lockFlow(ctx, tenant, flowID)
	if err != nil {
		return err
	}
	defer release()

	err = mutate(flow)
	if err != nil {
		return err
	}

	flow.UpdatedAt = time.Now().UTC()

	err = s.persistence.MasterFlowRepository().Update(ctx, flow)
	if err != nil {
		return fmt.Errorf("%s: failed to persist transition: %w", op, err)
	}

	s.publish(ctx, flow, event(flow))

	s.logger.InfoContext(ctx, "Flow transition",
		"op", op, "flow_id", flow.FlowID, "flow_status", flow.FlowStatus)

	return nil
}

// lockFlow resolves the flow, takes its advisory lock, and reloads the row
// under the lock.
func (s *Flow) lockFlow(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (*models.MasterFlow, locks.Release, error) {
	masterID, err := s.resolver.MasterInternalID(ctx, tenant, flowID)
	if err != nil {
		return nil, nil, err
	}

	release, err := s.locker.Acquire(ctx, masterID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire flow lock: %w", err)
	}

	flow, err := s.persistence.MasterFlowRepository().GetByInternalID(ctx, tenant, masterID)
	if err != nil {
		release()

		return nil, nil, err
	}

	return flow, release, nil
}

func statusKnown(status models.FlowStatus) bool {
	switch status {
	case models.FlowStatusPending, models.FlowStatusRunning, models.FlowStatusWaitingForApproval,
		models.FlowStatusPaused, models.FlowStatusCompleted, models.FlowStatusFailed, models.FlowStatusOrphaned:
		return true
	default:
		return false
	}
}

func (s *Flow) baseEvent(eventType events.EventType, flow *models.MasterFlow) events.BaseEvent {
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

func (s *Flow) publish(ctx context.Context, flow *models.MasterFlow, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	err := s.publisher.Publish(ctx, flow.FlowID.String(), event)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish flow event",
			"flow_id", flow.FlowID, "event_type", event.GetType(), "error", err)
	}
}
