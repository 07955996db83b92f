// Package persistence provides the data storage abstraction for master and
// child flow records, the failure journal, and the deletion audit.
package persistence

import (
	"context"
	"time"

	"github.com/relokate/masterflow/pkg/models"
)

// Persistence is the storage entry point. Implementations: postgresql
// (production) and memory (tests, local development).
type Persistence interface {
	MasterFlowRepository() MasterFlowRepository
	ChildFlowRepository() ChildFlowRepository
	JournalRepository() JournalRepository

	// CreateFlowPair persists a master flow and its child row atomically.
	// Either both rows exist afterwards or neither does.
	CreateFlowPair(ctx context.Context, master *models.MasterFlow, child *models.ChildFlow) error

	// UpdateFlowPair persists master bookkeeping and the child mirror
	// atomically so the child's phase state never lags a committed master.
	UpdateFlowPair(ctx context.Context, master *models.MasterFlow, child *models.ChildFlow) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ListFlowsOptions filters and pages a tenant-scoped flow listing.
type ListFlowsOptions struct {
	Limit    int
	Offset   int
	Status   *models.FlowStatus
	FlowType *models.FlowType
}

// MasterFlowRepository handles master flow rows. Every tenant-facing read
// filters on client_account_id and engagement_id inside the query itself; a
// tenant mismatch is indistinguishable from absence.
type MasterFlowRepository interface {
	Create(ctx context.Context, flow *models.MasterFlow) error

	// GetByBusinessID loads a flow by its business identifier within the
	// tenant scope. Returns ErrFlowNotFound on absence or tenant mismatch.
	GetByBusinessID(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (*models.MasterFlow, error)

	// GetByInternalID loads a flow by its internal primary key within the
	// tenant scope. Used by the engine after identity resolution.
	GetByInternalID(ctx context.Context, tenant models.TenantContext, id models.InternalFlowID) (*models.MasterFlow, error)

	List(ctx context.Context, tenant models.TenantContext, opts ListFlowsOptions) ([]*models.MasterFlow, error)

	// Update persists the full row state in a single statement; concurrent
	// phase transitions are serialized by the engine's per-flow lock. The
	// caller owns UpdatedAt; implementations stamp it only when unset.
	Update(ctx context.Context, flow *models.MasterFlow) error

	// SoftDelete marks the flow deleted without removing the row.
	SoftDelete(ctx context.Context, id models.InternalFlowID) error

	// HardDelete physically removes the row. Admin cleanup only.
	HardDelete(ctx context.Context, id models.InternalFlowID) error

	// ListStale returns non-terminal, non-deleted flows across all tenants
	// whose updated_at is older than the given instant. Operator scan for
	// the stuck-flow sweeper.
	ListStale(ctx context.Context, updatedBefore time.Time) ([]*models.MasterFlow, error)

	// PurgeDeleted physically removes soft-deleted rows older than the
	// given instant and returns how many were removed.
	PurgeDeleted(ctx context.Context, deletedBefore time.Time) (int, error)
}

// ChildFlowRepository handles the domain-specific child rows. The
// master_flow_id column always holds the master's internal primary key, and
// at most one active child row exists per (master, flow type) pair.
type ChildFlowRepository interface {
	// Create inserts a child row. Fails with ErrConsistency when the master
	// reference does not resolve, and ErrChildFlowExists when a child row
	// for the same master and flow type already exists.
	Create(ctx context.Context, child *models.ChildFlow) error

	GetByMaster(ctx context.Context, masterID models.InternalFlowID, flowType models.FlowType) (*models.ChildFlow, error)

	GetByBusinessID(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (*models.ChildFlow, error)

	Update(ctx context.Context, child *models.ChildFlow) error

	SoftDeleteByMaster(ctx context.Context, masterID models.InternalFlowID) error

	HardDeleteByMaster(ctx context.Context, masterID models.InternalFlowID) error
}

// JournalRepository appends to the failure journal and the deletion audit.
// Both are append-only; nothing in the execution path reads them back.
type JournalRepository interface {
	AppendFailure(ctx context.Context, entry *models.FailureJournalEntry) error
	AppendDeletion(ctx context.Context, audit *models.FlowDeletionAudit) error

	// FailuresForFlow is an operator-facing read, never consulted by the
	// execution engine.
	FailuresForFlow(ctx context.Context, flowID models.BusinessFlowID) ([]*models.FailureJournalEntry, error)
}
