// Package memory provides an in-memory persistence implementation with the
// same semantics as the PostgreSQL layer: tenant-scoped reads, foreign-key
// checks on child creation, one child per (master, flow type), soft deletes.
// Used by unit tests and local development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence"
)

// Persistence implements persistence.Persistence backed by process memory.
type Persistence struct {
	mu sync.RWMutex

	masters   map[models.InternalFlowID]*models.MasterFlow
	children  map[string]*models.ChildFlow
	failures  []*models.FailureJournalEntry
	deletions []*models.FlowDeletionAudit

	masterRepo  *masterFlowRepository
	childRepo   *childFlowRepository
	journalRepo *journalRepository
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	p := &Persistence{
		masters:  make(map[models.InternalFlowID]*models.MasterFlow),
		children: make(map[string]*models.ChildFlow),
	}

	p.masterRepo = &masterFlowRepository{p: p}
	p.childRepo = &childFlowRepository{p: p}
	p.journalRepo = &journalRepository{p: p}

	return p
}

func (p *Persistence) MasterFlowRepository() persistence.MasterFlowRepository { return p.masterRepo }

func (p *Persistence) ChildFlowRepository() persistence.ChildFlowRepository { return p.childRepo }

func (p *Persistence) JournalRepository() persistence.JournalRepository { return p.journalRepo }

// CreateFlowPair inserts both rows under one lock so no observer sees a
// master without its child.
func (p *Persistence) CreateFlowPair(ctx context.Context, master *models.MasterFlow, child *models.ChildFlow) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.masterRepo.createLocked(master)
	if err != nil {
		return err
	}

	child.MasterFlowID = master.ID

	err = p.childRepo.createLocked(child)
	if err != nil {
		delete(p.masters, master.ID)

		return err
	}

	return nil
}

// UpdateFlowPair writes both rows under one lock after checking both exist,
// so a failure on either side leaves neither updated.
func (p *Persistence) UpdateFlowPair(ctx context.Context, master *models.MasterFlow, child *models.ChildFlow) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	existingMaster, ok := p.masters[master.ID]
	if !ok || existingMaster.DeletedAt != nil {
		return persistence.NewFlowError("UpdateFlowPair", master.ID.String(), persistence.ErrFlowNotFound)
	}

	existingChild, ok := p.children[child.ID]
	if !ok || existingChild.DeletedAt != nil {
		return persistence.NewFlowError("UpdateFlowPair", child.ID, persistence.ErrChildFlowNotFound)
	}

	if master.UpdatedAt.IsZero() {
		master.UpdatedAt = time.Now().UTC()
	}

	if child.UpdatedAt.IsZero() {
		child.UpdatedAt = master.UpdatedAt
	}

	master.CreatedAt = existingMaster.CreatedAt
	child.CreatedAt = existingChild.CreatedAt

	p.masters[master.ID] = copyMaster(master)
	p.children[child.ID] = copyChild(child)

	return nil
}

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }

func (p *Persistence) Close(_ context.Context) error { return nil }

// copyMaster returns a deep copy so callers cannot mutate stored state.
func copyMaster(flow *models.MasterFlow) *models.MasterFlow {
	clone := *flow

	clone.PhasesCompleted = append([]string(nil), flow.PhasesCompleted...)

	clone.PhaseResults = make(map[string]models.PhaseResult, len(flow.PhaseResults))
	for k, v := range flow.PhaseResults {
		clone.PhaseResults[k] = v
	}

	clone.FlowConfiguration = copyMap(flow.FlowConfiguration)
	clone.FlowMetadata = copyMap(flow.FlowMetadata)

	if flow.DeletedAt != nil {
		t := *flow.DeletedAt
		clone.DeletedAt = &t
	}

	return &clone
}

func copyChild(child *models.ChildFlow) *models.ChildFlow {
	clone := *child
	clone.PhaseState = copyMap(child.PhaseState)

	if child.DeletedAt != nil {
		t := *child.DeletedAt
		clone.DeletedAt = &t
	}

	return &clone
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	// JSON round-trip mirrors what the SQL layer stores.
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}

	var out map[string]any

	_ = json.Unmarshal(raw, &out)

	return out
}

type masterFlowRepository struct {
	p *Persistence
}

func (r *masterFlowRepository) Create(_ context.Context, flow *models.MasterFlow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.createLocked(flow)
}

func (r *masterFlowRepository) createLocked(flow *models.MasterFlow) error {
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

	if _, exists := r.p.masters[flow.ID]; exists {
		return persistence.NewFlowError("Create", flow.FlowID.String(), persistence.ErrFlowAlreadyExists)
	}

	for _, existing := range r.p.masters {
		if existing.FlowID == flow.FlowID {
			return persistence.NewFlowError("Create", flow.FlowID.String(), persistence.ErrFlowAlreadyExists)
		}
	}

	r.p.masters[flow.ID] = copyMaster(flow)

	return nil
}

func (r *masterFlowRepository) GetByBusinessID(_ context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (*models.MasterFlow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, flow := range r.p.masters {
		if flow.FlowID == flowID && flow.DeletedAt == nil && tenant.Matches(flow.ClientAccountID, flow.EngagementID) {
			return copyMaster(flow), nil
		}
	}

	return nil, persistence.NewFlowError("GetByBusinessID", flowID.String(), persistence.ErrFlowNotFound)
}

func (r *masterFlowRepository) GetByInternalID(_ context.Context, tenant models.TenantContext, id models.InternalFlowID) (*models.MasterFlow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	flow, ok := r.p.masters[id]
	if !ok || flow.DeletedAt != nil || !tenant.Matches(flow.ClientAccountID, flow.EngagementID) {
		return nil, persistence.NewFlowError("GetByInternalID", id.String(), persistence.ErrFlowNotFound)
	}

	return copyMaster(flow), nil
}

func (r *masterFlowRepository) List(_ context.Context, tenant models.TenantContext, opts persistence.ListFlowsOptions) ([]*models.MasterFlow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	matched := make([]*models.MasterFlow, 0)

	for _, flow := range r.p.masters {
		if flow.DeletedAt != nil || !tenant.Matches(flow.ClientAccountID, flow.EngagementID) {
			continue
		}

		if opts.Status != nil && flow.FlowStatus != *opts.Status {
			continue
		}

		if opts.FlowType != nil && flow.FlowType != *opts.FlowType {
			continue
		}

		matched = append(matched, copyMaster(flow))
	}

	sortFlowsNewestFirst(matched)

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	if opts.Offset >= len(matched) {
		return []*models.MasterFlow{}, nil
	}

	matched = matched[opts.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

func (r *masterFlowRepository) Update(_ context.Context, flow *models.MasterFlow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	existing, ok := r.p.masters[flow.ID]
	if !ok || existing.DeletedAt != nil {
		return persistence.NewFlowError("Update", flow.ID.String(), persistence.ErrFlowNotFound)
	}

	if flow.UpdatedAt.IsZero() {
		flow.UpdatedAt = time.Now().UTC()
	}

	flow.CreatedAt = existing.CreatedAt

	r.p.masters[flow.ID] = copyMaster(flow)

	return nil
}

func (r *masterFlowRepository) SoftDelete(_ context.Context, id models.InternalFlowID) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flow, ok := r.p.masters[id]
	if !ok || flow.DeletedAt != nil {
		return persistence.NewFlowError("SoftDelete", id.String(), persistence.ErrFlowNotFound)
	}

	now := time.Now().UTC()
	flow.DeletedAt = &now
	flow.UpdatedAt = now

	return nil
}

func (r *masterFlowRepository) HardDelete(_ context.Context, id models.InternalFlowID) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	delete(r.p.masters, id)

	for childID, child := range r.p.children {
		if child.MasterFlowID == id {
			delete(r.p.children, childID)
		}
	}

	return nil
}

func (r *masterFlowRepository) ListStale(_ context.Context, updatedBefore time.Time) ([]*models.MasterFlow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	stale := make([]*models.MasterFlow, 0)

	for _, flow := range r.p.masters {
		if flow.DeletedAt != nil || flow.FlowStatus.Terminal() {
			continue
		}

		if flow.UpdatedAt.Before(updatedBefore) {
			stale = append(stale, copyMaster(flow))
		}
	}

	return stale, nil
}

func (r *masterFlowRepository) PurgeDeleted(_ context.Context, deletedBefore time.Time) (int, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	purged := 0

	for id, flow := range r.p.masters {
		if flow.DeletedAt != nil && flow.DeletedAt.Before(deletedBefore) {
			delete(r.p.masters, id)

			for childID, child := range r.p.children {
				if child.MasterFlowID == id {
					delete(r.p.children, childID)
				}
			}

			purged++
		}
	}

	return purged, nil
}

func sortFlowsNewestFirst(flows []*models.MasterFlow) {
	for i := 1; i < len(flows); i++ {
		for j := i; j > 0 && flows[j].CreatedAt.After(flows[j-1].CreatedAt); j-- {
			flows[j], flows[j-1] = flows[j-1], flows[j]
		}
	}
}

type childFlowRepository struct {
	p *Persistence
}

func (r *childFlowRepository) Create(_ context.Context, child *models.ChildFlow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.createLocked(child)
}

func (r *childFlowRepository) createLocked(child *models.ChildFlow) error {
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

	// FK check against the master's internal id, same as the database.
	if _, ok := r.p.masters[child.MasterFlowID]; !ok {
		return persistence.NewFlowError("Create", child.MasterFlowID.String(), persistence.ErrConsistency)
	}

	for _, existing := range r.p.children {
		if existing.MasterFlowID == child.MasterFlowID && existing.FlowType == child.FlowType {
			return persistence.NewFlowError("Create", child.MasterFlowID.String(), persistence.ErrChildFlowExists)
		}
	}

	r.p.children[child.ID] = copyChild(child)

	return nil
}

func (r *childFlowRepository) GetByMaster(_ context.Context, masterID models.InternalFlowID, flowType models.FlowType) (*models.ChildFlow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, child := range r.p.children {
		if child.MasterFlowID == masterID && child.FlowType == flowType && child.DeletedAt == nil {
			return copyChild(child), nil
		}
	}

	return nil, persistence.NewFlowError("GetByMaster", masterID.String(), persistence.ErrChildFlowNotFound)
}

func (r *childFlowRepository) GetByBusinessID(_ context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (*models.ChildFlow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, child := range r.p.children {
		if child.FlowID == flowID && child.DeletedAt == nil && tenant.Matches(child.ClientAccountID, child.EngagementID) {
			return copyChild(child), nil
		}
	}

	return nil, persistence.NewFlowError("GetByBusinessID", flowID.String(), persistence.ErrChildFlowNotFound)
}

func (r *childFlowRepository) Update(_ context.Context, child *models.ChildFlow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	existing, ok := r.p.children[child.ID]
	if !ok || existing.DeletedAt != nil {
		return persistence.NewFlowError("Update", child.ID, persistence.ErrChildFlowNotFound)
	}

	if child.UpdatedAt.IsZero() {
		child.UpdatedAt = time.Now().UTC()
	}

	child.CreatedAt = existing.CreatedAt

	r.p.children[child.ID] = copyChild(child)

	return nil
}

func (r *childFlowRepository) SoftDeleteByMaster(_ context.Context, masterID models.InternalFlowID) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()

	for _, child := range r.p.children {
		if child.MasterFlowID == masterID && child.DeletedAt == nil {
			child.Status = models.ChildFlowStatusDeleted
			child.DeletedAt = &now
			child.UpdatedAt = now
		}
	}

	return nil
}

func (r *childFlowRepository) HardDeleteByMaster(_ context.Context, masterID models.InternalFlowID) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for id, child := range r.p.children {
		if child.MasterFlowID == masterID {
			delete(r.p.children, id)
		}
	}

	return nil
}

type journalRepository struct {
	p *Persistence
}

func (r *journalRepository) AppendFailure(_ context.Context, entry *models.FailureJournalEntry) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

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

	clone := *entry
	r.p.failures = append(r.p.failures, &clone)

	return nil
}

func (r *journalRepository) AppendDeletion(_ context.Context, audit *models.FlowDeletionAudit) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

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

	clone := *audit
	clone.FlowPayload = copyMap(audit.FlowPayload)
	r.p.deletions = append(r.p.deletions, &clone)

	return nil
}

func (r *journalRepository) FailuresForFlow(_ context.Context, flowID models.BusinessFlowID) ([]*models.FailureJournalEntry, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	entries := make([]*models.FailureJournalEntry, 0)

	for _, entry := range r.p.failures {
		if entry.FlowID == flowID {
			clone := *entry
			entries = append(entries, &clone)
		}
	}

	return entries, nil
}

// Deletions returns all deletion audit records. Test helper.
func (p *Persistence) Deletions() []*models.FlowDeletionAudit {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*models.FlowDeletionAudit, len(p.deletions))
	copy(out, p.deletions)

	return out
}
