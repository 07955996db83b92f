package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence"
)

const childFlowColumns = `
	id
  , flow_id
  , master_flow_id
  , flow_type
  , client_account_id
  , engagement_id
  , status
  , phase_state
  , created_at
  , updated_at
  , deleted_at
`

// ChildFlowRepository handles child flow database operations. The
// master_flow_id column references master_flows.id; the database enforces
// referential integrity and the one-child-per-type uniqueness.
type ChildFlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewChildFlowRepository creates a new child flow repository.
func NewChildFlowRepository(db *sql.DB, logger *slog.Logger) *ChildFlowRepository {
	return &ChildFlowRepository{db: db, logger: logger}
}

// Create inserts a child row.
func (r *ChildFlowRepository) Create(ctx context.Context, child *models.ChildFlow) error {
	return r.createTx(ctx, r.db, child)
}

func (r *ChildFlowRepository) createTx(ctx context.Context, q dbtx, child *models.ChildFlow) error {
	now := time.Now().UTC()

	if child.CreatedAt.IsZero() {
		child.CreatedAt = now
	}

	child.UpdatedAt = now

	if child.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate child flow ID: %w", err)
		}

		child.ID = id.String()
	}

	if child.FlowID.IsZero() {
		flowID, err := models.NewBusinessFlowID()
		if err != nil {
			return fmt.Errorf("failed to generate child business flow ID: %w", err)
		}

		child.FlowID = flowID
	}

	if child.Status == "" {
		child.Status = models.ChildFlowStatusActive
	}

	stateJSON, err := json.Marshal(child.PhaseState)
	if err != nil {
		return fmt.Errorf("failed to marshal phase_state: %w", err)
	}

	query := `
		INSERT INTO orchestration.child_flows (
			id, flow_id, master_flow_id, flow_type, client_account_id,
			engagement_id, status, phase_state, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = q.ExecContext(ctx, query,
		child.ID,
		child.FlowID.String(),
		child.MasterFlowID.String(),
		string(child.FlowType),
		child.ClientAccountID,
		child.EngagementID,
		string(child.Status),
		stateJSON,
		child.CreatedAt,
		child.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return persistence.NewFlowError("Create", child.MasterFlowID.String(), persistence.ErrConsistency)
		}

		if isUniqueViolation(err) {
			return persistence.NewFlowError("Create", child.MasterFlowID.String(), persistence.ErrChildFlowExists)
		}

		return fmt.Errorf("failed to insert child flow: %w", err)
	}

	return nil
}

// GetByMaster loads the child row for a master flow and flow type.
func (r *ChildFlowRepository) GetByMaster(ctx context.Context, masterID models.InternalFlowID, flowType models.FlowType) (*models.ChildFlow, error) {
	query := `
		SELECT ` + childFlowColumns + `
		FROM orchestration.child_flows
		WHERE master_flow_id = $1
		  AND flow_type = $2
		  AND deleted_at IS NULL
	`

	row := r.db.QueryRowContext(ctx, query, masterID.String(), string(flowType))

	child, err := scanChildFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("GetByMaster", masterID.String(), persistence.ErrChildFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan child flow: %w", err)
	}

	return child, nil
}

// GetByBusinessID loads a child row by its own business identifier within
// the tenant scope.
func (r *ChildFlowRepository) GetByBusinessID(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (*models.ChildFlow, error) {
	query := `
		SELECT ` + childFlowColumns + `
		FROM orchestration.child_flows
		WHERE flow_id = $1
		  AND client_account_id = $2
		  AND engagement_id = $3
		  AND deleted_at IS NULL
	`

	row := r.db.QueryRowContext(ctx, query, flowID.String(), tenant.ClientAccountID, tenant.EngagementID)

	child, err := scanChildFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("GetByBusinessID", flowID.String(), persistence.ErrChildFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan child flow: %w", err)
	}

	return child, nil
}

// Update persists the mutable child row state. The caller owns updated_at;
// it is stamped here only when left unset.
func (r *ChildFlowRepository) Update(ctx context.Context, child *models.ChildFlow) error {
	return r.updateTx(ctx, r.db, child)
}

func (r *ChildFlowRepository) updateTx(ctx context.Context, q dbtx, child *models.ChildFlow) error {
	if child.UpdatedAt.IsZero() {
		child.UpdatedAt = time.Now().UTC()
	}

	stateJSON, err := json.Marshal(child.PhaseState)
	if err != nil {
		return fmt.Errorf("failed to marshal phase_state: %w", err)
	}

	query := `
		UPDATE orchestration.child_flows
		SET status = $2
		  , phase_state = $3
		  , updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := q.ExecContext(ctx, query, child.ID, string(child.Status), stateJSON, child.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update child flow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}

	if affected == 0 {
		return persistence.NewFlowError("Update", child.ID, persistence.ErrChildFlowNotFound)
	}

	return nil
}

// SoftDeleteByMaster marks all child rows of a master flow deleted.
func (r *ChildFlowRepository) SoftDeleteByMaster(ctx context.Context, masterID models.InternalFlowID) error {
	query := `
		UPDATE orchestration.child_flows
		SET status = 'deleted', deleted_at = NOW(), updated_at = NOW()
		WHERE master_flow_id = $1 AND deleted_at IS NULL
	`

	_, err := r.db.ExecContext(ctx, query, masterID.String())
	if err != nil {
		return fmt.Errorf("failed to soft delete child flows: %w", err)
	}

	return nil
}

// HardDeleteByMaster physically removes all child rows of a master flow.
func (r *ChildFlowRepository) HardDeleteByMaster(ctx context.Context, masterID models.InternalFlowID) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM orchestration.child_flows WHERE master_flow_id = $1", masterID.String())
	if err != nil {
		return fmt.Errorf("failed to hard delete child flows: %w", err)
	}

	return nil
}

func scanChildFlow(row scannable) (*models.ChildFlow, error) {
	var (
		child                          models.ChildFlow
		flowID, masterID, flowType, st string
		stateJSON                      []byte
		deletedAt                      sql.NullTime
	)

	err := row.Scan(
		&child.ID,
		&flowID,
		&masterID,
		&flowType,
		&child.ClientAccountID,
		&child.EngagementID,
		&st,
		&stateJSON,
		&child.CreatedAt,
		&child.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	child.FlowID = models.BusinessFlowID(flowID)
	child.MasterFlowID = models.InternalFlowID(masterID)
	child.FlowType = models.FlowType(flowType)
	child.Status = models.ChildFlowStatus(st)

	if deletedAt.Valid {
		t := deletedAt.Time
		child.DeletedAt = &t
	}

	if len(stateJSON) > 0 {
		err = json.Unmarshal(stateJSON, &child.PhaseState)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal phase_state: %w", err)
		}
	}

	return &child, nil
}
