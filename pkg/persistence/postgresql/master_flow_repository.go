package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so repository statements can
// run standalone or inside an enclosing transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const masterFlowColumns = `
	id
  , flow_id
  , client_account_id
  , engagement_id
  , flow_type
  , flow_name
  , flow_status
  , current_phase
  , phases_completed
  , phase_results
  , flow_configuration
  , flow_metadata
  , progress_percentage
  , retry_count
  , error_message
  , created_by
  , created_at
  , updated_at
  , deleted_at
`

// MasterFlowRepository handles master flow database operations.
type MasterFlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMasterFlowRepository creates a new master flow repository.
func NewMasterFlowRepository(db *sql.DB, logger *slog.Logger) *MasterFlowRepository {
	return &MasterFlowRepository{db: db, logger: logger}
}

// Create inserts a new master flow row, allocating identifiers when absent.
func (r *MasterFlowRepository) Create(ctx context.Context, flow *models.MasterFlow) error {
	return r.createTx(ctx, r.db, flow)
}

func (r *MasterFlowRepository) createTx(ctx context.Context, q dbtx, flow *models.MasterFlow) error {
	now := time.Now().UTC()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	if flow.ID.IsZero() {
		id, err := models.NewInternalFlowID()
		if err != nil {
			return fmt.Errorf("failed to generate internal flow ID: %w", err)
		}

		flow.ID = id
	}

	if flow.FlowID.IsZero() {
		flowID, err := models.NewBusinessFlowID()
		if err != nil {
			return fmt.Errorf("failed to generate business flow ID: %w", err)
		}

		flow.FlowID = flowID
	}

	if flow.FlowStatus == "" {
		flow.FlowStatus = models.FlowStatusPending
	}

	phasesJSON, resultsJSON, configJSON, metadataJSON, err := marshalMasterBlobs(flow)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orchestration.master_flows (
			id, flow_id, client_account_id, engagement_id, flow_type, flow_name,
			flow_status, current_phase, phases_completed, phase_results,
			flow_configuration, flow_metadata, progress_percentage, retry_count,
			error_message, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err = q.ExecContext(ctx, query,
		flow.ID.String(),
		flow.FlowID.String(),
		flow.ClientAccountID,
		flow.EngagementID,
		string(flow.FlowType),
		flow.FlowName,
		string(flow.FlowStatus),
		nullString(flow.CurrentPhase),
		phasesJSON,
		resultsJSON,
		configJSON,
		metadataJSON,
		flow.ProgressPercentage,
		flow.RetryCount,
		nullString(flow.ErrorMessage),
		nullString(flow.CreatedBy),
		flow.CreatedAt,
		flow.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewFlowError("Create", flow.FlowID.String(), persistence.ErrFlowAlreadyExists)
		}

		return fmt.Errorf("failed to insert master flow: %w", err)
	}

	return nil
}

// GetByBusinessID loads a flow by its business identifier within the tenant
// scope. Tenant filtering happens in the query itself.
func (r *MasterFlowRepository) GetByBusinessID(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (*models.MasterFlow, error) {
	query := `
		SELECT ` + masterFlowColumns + `
		FROM orchestration.master_flows
		WHERE flow_id = $1
		  AND client_account_id = $2
		  AND engagement_id = $3
		  AND deleted_at IS NULL
	`

	row := r.db.QueryRowContext(ctx, query, flowID.String(), tenant.ClientAccountID, tenant.EngagementID)

	flow, err := scanMasterFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("GetByBusinessID", flowID.String(), persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan master flow: %w", err)
	}

	return flow, nil
}

// GetByInternalID loads a flow by its internal primary key within the tenant
// scope.
func (r *MasterFlowRepository) GetByInternalID(ctx context.Context, tenant models.TenantContext, id models.InternalFlowID) (*models.MasterFlow, error) {
	query := `
		SELECT ` + masterFlowColumns + `
		FROM orchestration.master_flows
		WHERE id = $1
		  AND client_account_id = $2
		  AND engagement_id = $3
		  AND deleted_at IS NULL
	`

	row := r.db.QueryRowContext(ctx, query, id.String(), tenant.ClientAccountID, tenant.EngagementID)

	flow, err := scanMasterFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("GetByInternalID", id.String(), persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan master flow: %w", err)
	}

	return flow, nil
}

// List returns tenant-scoped flows, newest first.
func (r *MasterFlowRepository) List(ctx context.Context, tenant models.TenantContext, opts persistence.ListFlowsOptions) ([]*models.MasterFlow, error) {
	query := `
		SELECT ` + masterFlowColumns + `
		FROM orchestration.master_flows
		WHERE client_account_id = $1
		  AND engagement_id = $2
		  AND deleted_at IS NULL
		  AND ($3::text IS NULL OR flow_status = $3)
		  AND ($4::text IS NULL OR flow_type = $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	var status, flowType sql.NullString
	if opts.Status != nil {
		status = sql.NullString{String: string(*opts.Status), Valid: true}
	}

	if opts.FlowType != nil {
		flowType = sql.NullString{String: string(*opts.FlowType), Valid: true}
	}

	rows, err := r.db.QueryContext(ctx, query,
		tenant.ClientAccountID, tenant.EngagementID, status, flowType, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query master flows: %w", err)
	}

	return r.collectFlows(ctx, rows)
}

// Update persists the full row state in a single statement. The caller owns
// updated_at; it is stamped here only when left unset.
func (r *MasterFlowRepository) Update(ctx context.Context, flow *models.MasterFlow) error {
	return r.updateTx(ctx, r.db, flow)
}

func (r *MasterFlowRepository) updateTx(ctx context.Context, q dbtx, flow *models.MasterFlow) error {
	if flow.UpdatedAt.IsZero() {
		flow.UpdatedAt = time.Now().UTC()
	}

	phasesJSON, resultsJSON, configJSON, metadataJSON, err := marshalMasterBlobs(flow)
	if err != nil {
		return err
	}

	query := `
		UPDATE orchestration.master_flows
		SET flow_status = $2
		  , current_phase = $3
		  , phases_completed = $4
		  , phase_results = $5
		  , flow_configuration = $6
		  , flow_metadata = $7
		  , progress_percentage = $8
		  , retry_count = $9
		  , error_message = $10
		  , updated_at = $11
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := q.ExecContext(ctx, query,
		flow.ID.String(),
		string(flow.FlowStatus),
		nullString(flow.CurrentPhase),
		phasesJSON,
		resultsJSON,
		configJSON,
		metadataJSON,
		flow.ProgressPercentage,
		flow.RetryCount,
		nullString(flow.ErrorMessage),
		flow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update master flow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}

	if affected == 0 {
		return persistence.NewFlowError("Update", flow.ID.String(), persistence.ErrFlowNotFound)
	}

	return nil
}

// SoftDelete marks the flow deleted without removing the row.
func (r *MasterFlowRepository) SoftDelete(ctx context.Context, id models.InternalFlowID) error {
	query := `
		UPDATE orchestration.master_flows
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, id.String())
	if err != nil {
		return fmt.Errorf("failed to soft delete master flow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}

	if affected == 0 {
		return persistence.NewFlowError("SoftDelete", id.String(), persistence.ErrFlowNotFound)
	}

	return nil
}

// HardDelete physically removes the row; child rows cascade.
func (r *MasterFlowRepository) HardDelete(ctx context.Context, id models.InternalFlowID) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM orchestration.master_flows WHERE id = $1", id.String())
	if err != nil {
		return fmt.Errorf("failed to hard delete master flow: %w", err)
	}

	return nil
}

// ListStale returns non-terminal, non-deleted flows across all tenants whose
// updated_at is older than the given instant.
func (r *MasterFlowRepository) ListStale(ctx context.Context, updatedBefore time.Time) ([]*models.MasterFlow, error) {
	query := `
		SELECT ` + masterFlowColumns + `
		FROM orchestration.master_flows
		WHERE deleted_at IS NULL
		  AND flow_status NOT IN ('completed', 'failed', 'orphaned')
		  AND updated_at < $1
		ORDER BY updated_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale flows: %w", err)
	}

	return r.collectFlows(ctx, rows)
}

// PurgeDeleted physically removes soft-deleted rows older than the given
// instant.
func (r *MasterFlowRepository) PurgeDeleted(ctx context.Context, deletedBefore time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM orchestration.master_flows WHERE deleted_at IS NOT NULL AND deleted_at < $1",
		deletedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deleted flows: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}

	return int(affected), nil
}

func (r *MasterFlowRepository) collectFlows(ctx context.Context, rows *sql.Rows) ([]*models.MasterFlow, error) {
	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	flows := make([]*models.MasterFlow, 0)

	for rows.Next() {
		flow, err := scanMasterFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan master flow: %w", err)
		}

		flows = append(flows, flow)
	}

	err := rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating master flows: %w", err)
	}

	return flows, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMasterFlow(row scannable) (*models.MasterFlow, error) {
	var (
		flow                                  models.MasterFlow
		id, flowID, flowType, flowStatus      string
		currentPhase, errorMessage, createdBy sql.NullString
		phasesJSON, resultsJSON               []byte
		configJSON, metadataJSON              []byte
		deletedAt                             sql.NullTime
	)

	err := row.Scan(
		&id,
		&flowID,
		&flow.ClientAccountID,
		&flow.EngagementID,
		&flowType,
		&flow.FlowName,
		&flowStatus,
		&currentPhase,
		&phasesJSON,
		&resultsJSON,
		&configJSON,
		&metadataJSON,
		&flow.ProgressPercentage,
		&flow.RetryCount,
		&errorMessage,
		&createdBy,
		&flow.CreatedAt,
		&flow.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	flow.ID = models.InternalFlowID(id)
	flow.FlowID = models.BusinessFlowID(flowID)
	flow.FlowType = models.FlowType(flowType)
	flow.FlowStatus = models.FlowStatus(flowStatus)
	flow.CurrentPhase = currentPhase.String
	flow.ErrorMessage = errorMessage.String
	flow.CreatedBy = createdBy.String

	if deletedAt.Valid {
		t := deletedAt.Time
		flow.DeletedAt = &t
	}

	err = json.Unmarshal(phasesJSON, &flow.PhasesCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal phases_completed: %w", err)
	}

	err = json.Unmarshal(resultsJSON, &flow.PhaseResults)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal phase_results: %w", err)
	}

	if len(configJSON) > 0 {
		err = json.Unmarshal(configJSON, &flow.FlowConfiguration)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow_configuration: %w", err)
		}
	}

	if len(metadataJSON) > 0 {
		err = json.Unmarshal(metadataJSON, &flow.FlowMetadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow_metadata: %w", err)
		}
	}

	return &flow, nil
}

func marshalMasterBlobs(flow *models.MasterFlow) (phases, results, config, metadata []byte, err error) {
	if flow.PhasesCompleted == nil {
		flow.PhasesCompleted = []string{}
	}

	if flow.PhaseResults == nil {
		flow.PhaseResults = map[string]models.PhaseResult{}
	}

	phases, err = json.Marshal(flow.PhasesCompleted)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal phases_completed: %w", err)
	}

	results, err = json.Marshal(flow.PhaseResults)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal phase_results: %w", err)
	}

	config, err = json.Marshal(flow.FlowConfiguration)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal flow_configuration: %w", err)
	}

	metadata, err = json.Marshal(flow.FlowMetadata)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal flow_metadata: %w", err)
	}

	return phases, results, config, metadata, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}

	return false
}
