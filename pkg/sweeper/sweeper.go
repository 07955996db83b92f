// Package sweeper finds and reconciles flows that stalled mid-phase due to
// crashed workers, timed-out external calls, or orphaned sub-flows.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relokate/masterflow/pkg/eventbus"
	"github.com/relokate/masterflow/pkg/events"
	"github.com/relokate/masterflow/pkg/locks"
	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence"
	"github.com/relokate/masterflow/pkg/phases"
)

// DefaultStuckThreshold is how long a flow may sit without any update before
// the sweeper considers it for reconciliation.
const DefaultStuckThreshold = 60 * time.Minute

// DefaultOrphanAge is how long soft-deleted rows are retained before the
// cleanup pass physically removes them.
const DefaultOrphanAge = 7 * 24 * time.Hour

// ReasonTimeout is recorded on every sweeper-forced failure.
const ReasonTimeout = "timeout"

// Sweeper scans for stuck flows and forces them into a terminal state. It
// runs on a schedule or on demand, never as a side effect of normal phase
// execution.
type Sweeper struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *phases.Registry
	locker      locks.FlowLocker
	publisher   eventbus.EventPublisher

	threshold time.Duration
	orphanAge time.Duration

	now func() time.Time
}

// Config carries the sweeper's collaborators and thresholds. Publisher may
// be nil; zero durations fall back to the defaults.
type Config struct {
	Logger      *slog.Logger
	Persistence persistence.Persistence
	Registry    *phases.Registry
	Locker      locks.FlowLocker
	Publisher   eventbus.EventPublisher
	Threshold   time.Duration
	OrphanAge   time.Duration
}

// NewSweeper creates a stuck-flow sweeper.
func NewSweeper(cfg Config) *Sweeper {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultStuckThreshold
	}

	if cfg.OrphanAge <= 0 {
		cfg.OrphanAge = DefaultOrphanAge
	}

	return &Sweeper{
		logger:      cfg.Logger.With("module", "sweeper"),
		persistence: cfg.Persistence,
		registry:    cfg.Registry,
		locker:      cfg.Locker,
		publisher:   cfg.Publisher,
		threshold:   cfg.Threshold,
		orphanAge:   cfg.OrphanAge,
		now:         time.Now,
	}
}

// FindStuckFlows returns non-terminal flows with no update for longer than
// the threshold that are either stuck at zero progress (created but never
// advanced) or parked in a phase past its SLA.
func (s *Sweeper) FindStuckFlows(ctx context.Context) ([]*models.MasterFlow, error) {
	cutoff := s.now().Add(-s.threshold)

	stale, err := s.persistence.MasterFlowRepository().ListStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale flows: %w", err)
	}

	var stuck []*models.MasterFlow

	for _, flow := range stale {
		if s.isStuck(flow) {
			stuck = append(stuck, flow)
		}
	}

	return stuck, nil
}

func (s *Sweeper) isStuck(flow *models.MasterFlow) bool {
	// Operator-parked states are legitimately long-lived; they wait for a
	// human, not a worker, and are never swept.
	if flow.FlowStatus == models.FlowStatusPaused || flow.FlowStatus == models.FlowStatusWaitingForApproval {
		return false
	}

	if flow.ProgressPercentage == 0 {
		return true
	}

	if flow.CurrentPhase == "" {
		return false
	}

	spec, err := s.registry.Phase(flow.FlowType, flow.CurrentPhase)
	if err != nil {
		// Unknown phase name in a stale row is itself a stuck signal.
		return true
	}

	sla := spec.SLA
	if sla <= 0 {
		sla = phases.DefaultPhaseSLA
	}

	return s.now().Sub(flow.UpdatedAt) > sla
}

// Reconcile forces one stuck flow to failed, recording the timeout reason.
// Safe to call twice: a flow already in a terminal state is left untouched.
func (s *Sweeper) Reconcile(ctx context.Context, flow *models.MasterFlow) error {
	release, err := s.locker.Acquire(ctx, flow.ID)
	if err != nil {
		return fmt.Errorf("failed to acquire flow lock: %w", err)
	}
	defer release()

	tenant := models.TenantContext{
		ClientAccountID: flow.ClientAccountID,
		EngagementID:    flow.EngagementID,
		UserID:          "sweeper",
	}

	// Reload under the lock; the flow may have progressed or been
	// reconciled by a concurrent sweep since the scan.
	current, err := s.persistence.MasterFlowRepository().GetByInternalID(ctx, tenant, flow.ID)
	if err != nil {
		if persistence.IsFlowNotFound(err) {
			return nil
		}

		return err
	}

	if current.FlowStatus.Terminal() {
		return nil
	}

	now := s.now().UTC()
	previousStatus := current.FlowStatus
	stuckSince := current.UpdatedAt

	current.FlowStatus = models.FlowStatusFailed
	current.ErrorMessage = fmt.Sprintf("reconciled by sweeper: no progress since %s (%s)",
		stuckSince.Format(time.RFC3339), ReasonTimeout)
	current.UpdatedAt = now

	err = s.persistence.MasterFlowRepository().Update(ctx, current)
	if err != nil {
		return fmt.Errorf("failed to reconcile flow %s: %w", current.FlowID, err)
	}

	entry := &models.FailureJournalEntry{
		ID:              uuid.NewString(),
		MasterFlowID:    current.ID,
		FlowID:          current.FlowID,
		ClientAccountID: current.ClientAccountID,
		EngagementID:    current.EngagementID,
		Phase:           current.CurrentPhase,
		Reason:          ReasonTimeout,
		ErrorMessage:    current.ErrorMessage,
		CreatedAt:       now,
	}

	err = s.persistence.JournalRepository().AppendFailure(ctx, entry)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to journal reconciliation",
			"flow_id", current.FlowID, "error", err)
	}

	if s.publisher != nil {
		event := events.FlowReconciled{
			BaseEvent: events.BaseEvent{
				ID:              uuid.NewString(),
				Type:            events.FlowReconciledEvent,
				Timestamp:       now,
				FlowID:          current.FlowID.String(),
				ClientAccountID: current.ClientAccountID,
				EngagementID:    current.EngagementID,
				FlowType:        current.FlowType,
			},
			PreviousStatus: previousStatus,
			Reason:         ReasonTimeout,
			StuckSince:     stuckSince,
		}

		err = s.publisher.Publish(ctx, current.FlowID.String(), event)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to publish reconciliation event",
				"flow_id", current.FlowID, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "Reconciled stuck flow",
		"flow_id", current.FlowID, "previous_status", previousStatus,
		"stuck_since", stuckSince)

	return nil
}

// Sweep scans once and reconciles everything found. Returns how many flows
// were reconciled; individual reconciliation failures are logged and do not
// stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stuck, err := s.FindStuckFlows(ctx)
	if err != nil {
		return 0, err
	}

	reconciled := 0

	for _, flow := range stuck {
		err := s.Reconcile(ctx, flow)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to reconcile stuck flow",
				"flow_id", flow.FlowID, "error", err)

			continue
		}

		reconciled++
	}

	return reconciled, nil
}

// CleanupOrphanedData physically removes soft-deleted flow rows past the
// retention age. Flows still within their retry window are never touched
// because only soft-deleted rows qualify.
func (s *Sweeper) CleanupOrphanedData(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.orphanAge)

	purged, err := s.persistence.MasterFlowRepository().PurgeDeleted(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge orphaned flow data: %w", err)
	}

	if purged > 0 {
		s.logger.InfoContext(ctx, "Purged orphaned flow data", "rows", purged)
	}

	return purged, nil
}
