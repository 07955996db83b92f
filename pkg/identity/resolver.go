// Package identity resolves between a flow's business identifier and its
// internal storage primary key. Every child-table foreign key write must go
// through this resolver; the nominal InternalFlowID / BusinessFlowID types
// make the two identifiers non-interchangeable everywhere else.
package identity

import (
	"context"

	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence"
)

// Resolver performs read-only identity lookups.
type Resolver struct {
	masters  persistence.MasterFlowRepository
	children persistence.ChildFlowRepository
}

// NewResolver creates a resolver over the given repositories.
func NewResolver(masters persistence.MasterFlowRepository, children persistence.ChildFlowRepository) *Resolver {
	return &Resolver{masters: masters, children: children}
}

// MasterInternalID translates a business flow id into the master's internal
// primary key, the only value valid as a child-table foreign key. Fails with
// ErrFlowNotFound on absence or tenant mismatch.
func (r *Resolver) MasterInternalID(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (models.InternalFlowID, error) {
	flow, err := r.masters.GetByBusinessID(ctx, tenant, flowID)
	if err != nil {
		return "", err
	}

	return flow.ID, nil
}

// Master loads the full master row for a business flow id.
func (r *Resolver) Master(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (*models.MasterFlow, error) {
	return r.masters.GetByBusinessID(ctx, tenant, flowID)
}

// ChildRef loads the child row linked to a master's internal id for the
// given flow type. Fails with ErrChildFlowNotFound when the child row has
// not been created yet.
func (r *Resolver) ChildRef(ctx context.Context, masterID models.InternalFlowID, flowType models.FlowType) (*models.ChildFlow, error) {
	return r.children.GetByMaster(ctx, masterID, flowType)
}

// VerifyLinkage checks that a child row's master reference resolves to a
// live master row with matching tenant scope. Returns ErrConsistency when
// the linkage is broken; never attempts repair.
func (r *Resolver) VerifyLinkage(ctx context.Context, tenant models.TenantContext, child *models.ChildFlow) error {
	master, err := r.masters.GetByInternalID(ctx, tenant, child.MasterFlowID)
	if err != nil {
		if persistence.IsFlowNotFound(err) {
			return persistence.NewFlowError("VerifyLinkage", child.FlowID.String(), persistence.ErrConsistency)
		}

		return err
	}

	if master.ClientAccountID != child.ClientAccountID || master.EngagementID != child.EngagementID {
		return persistence.NewFlowError("VerifyLinkage", child.FlowID.String(), persistence.ErrConsistency)
	}

	return nil
}
