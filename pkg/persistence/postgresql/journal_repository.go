package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relokate/masterflow/pkg/models"
)

// JournalRepository appends failure and deletion records. Append-only; the
// only read is the operator-facing failure listing.
type JournalRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewJournalRepository creates a new journal repository.
func NewJournalRepository(db *sql.DB, logger *slog.Logger) *JournalRepository {
	return &JournalRepository{db: db, logger: logger}
}

// AppendFailure writes one failure journal entry.
func (r *JournalRepository) AppendFailure(ctx context.Context, entry *models.FailureJournalEntry) error {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate journal entry ID: %w", err)
		}

		entry.ID = id.String()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO orchestration.failure_journal (
			id, master_flow_id, flow_id, client_account_id, engagement_id,
			phase, reason, error_message, attempt, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		nullString(entry.MasterFlowID.String()),
		entry.FlowID.String(),
		entry.ClientAccountID,
		entry.EngagementID,
		nullString(entry.Phase),
		entry.Reason,
		entry.ErrorMessage,
		entry.Attempt,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append failure journal entry: %w", err)
	}

	return nil
}

// AppendDeletion writes one deletion audit record.
func (r *JournalRepository) AppendDeletion(ctx context.Context, audit *models.FlowDeletionAudit) error {
	if audit.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate audit entry ID: %w", err)
		}

		audit.ID = id.String()
	}

	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(audit.FlowPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal flow payload: %w", err)
	}

	query := `
		INSERT INTO orchestration.flow_deletion_audit (
			id, master_flow_id, flow_id, client_account_id, engagement_id,
			flow_type, deleted_by, reason, forced, flow_payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		audit.ID,
		nullString(audit.MasterFlowID.String()),
		audit.FlowID.String(),
		audit.ClientAccountID,
		audit.EngagementID,
		string(audit.FlowType),
		audit.DeletedBy,
		nullString(audit.Reason),
		audit.Forced,
		payloadJSON,
		audit.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append deletion audit entry: %w", err)
	}

	return nil
}

// FailuresForFlow lists failures for a flow, newest first.
func (r *JournalRepository) FailuresForFlow(ctx context.Context, flowID models.BusinessFlowID) ([]*models.FailureJournalEntry, error) {
	query := `
		SELECT
			id
		  , master_flow_id
		  , flow_id
		  , client_account_id
		  , engagement_id
		  , phase
		  , reason
		  , error_message
		  , attempt
		  , created_at
		FROM orchestration.failure_journal
		WHERE flow_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, flowID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query failure journal: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	entries := make([]*models.FailureJournalEntry, 0)

	for rows.Next() {
		var (
			entry           models.FailureJournalEntry
			masterID, phase sql.NullString
			businessID      string
		)

		err := rows.Scan(
			&entry.ID,
			&masterID,
			&businessID,
			&entry.ClientAccountID,
			&entry.EngagementID,
			&phase,
			&entry.Reason,
			&entry.ErrorMessage,
			&entry.Attempt,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failure journal entry: %w", err)
		}

		entry.MasterFlowID = models.InternalFlowID(masterID.String)
		entry.FlowID = models.BusinessFlowID(businessID)
		entry.Phase = phase.String

		entries = append(entries, &entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating failure journal: %w", err)
	}

	return entries, nil
}
