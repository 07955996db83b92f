package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence"
)

var tenantA = models.TenantContext{ClientAccountID: "acct-a", EngagementID: "eng-a", UserID: "user-a"}
var tenantB = models.TenantContext{ClientAccountID: "acct-b", EngagementID: "eng-b", UserID: "user-b"}

func newMaster(tenant models.TenantContext) *models.MasterFlow {
	return &models.MasterFlow{
		ClientAccountID: tenant.ClientAccountID,
		EngagementID:    tenant.EngagementID,
		FlowType:        models.FlowTypeDiscovery,
		FlowName:        "CMDB Discovery",
	}
}

func TestCreateFlowPair_LinksChildToInternalID(t *testing.T) {
	p := NewPersistence()

	master := newMaster(tenantA)
	child := &models.ChildFlow{
		FlowType:        models.FlowTypeDiscovery,
		ClientAccountID: tenantA.ClientAccountID,
		EngagementID:    tenantA.EngagementID,
	}

	err := p.CreateFlowPair(t.Context(), master, child)
	require.NoError(t, err)

	require.False(t, master.ID.IsZero())
	require.False(t, master.FlowID.IsZero())
	assert.NotEqual(t, master.ID.String(), master.FlowID.String())

	// Child must reference the internal id, not the business id.
	assert.Equal(t, master.ID, child.MasterFlowID)

	loaded, err := p.ChildFlowRepository().GetByMaster(t.Context(), master.ID, models.FlowTypeDiscovery)
	require.NoError(t, err)
	assert.Equal(t, master.ID, loaded.MasterFlowID)
}

func TestChildFlowRepository_Create_RejectsUnknownMaster(t *testing.T) {
	p := NewPersistence()

	child := &models.ChildFlow{
		MasterFlowID:    models.InternalFlowID("not-a-master"),
		FlowType:        models.FlowTypeDiscovery,
		ClientAccountID: tenantA.ClientAccountID,
		EngagementID:    tenantA.EngagementID,
	}

	err := p.ChildFlowRepository().Create(t.Context(), child)
	assert.True(t, persistence.IsConsistency(err))
}

func TestChildFlowRepository_Create_RejectsDuplicatePerType(t *testing.T) {
	p := NewPersistence()

	master := newMaster(tenantA)
	first := &models.ChildFlow{FlowType: models.FlowTypeDiscovery, ClientAccountID: tenantA.ClientAccountID, EngagementID: tenantA.EngagementID}
	require.NoError(t, p.CreateFlowPair(t.Context(), master, first))

	second := &models.ChildFlow{
		MasterFlowID:    master.ID,
		FlowType:        models.FlowTypeDiscovery,
		ClientAccountID: tenantA.ClientAccountID,
		EngagementID:    tenantA.EngagementID,
	}

	err := p.ChildFlowRepository().Create(t.Context(), second)
	assert.True(t, persistence.IsChildFlowExists(err))
}

func TestMasterFlowRepository_TenantIsolation(t *testing.T) {
	p := NewPersistence()

	master := newMaster(tenantB)
	child := &models.ChildFlow{FlowType: models.FlowTypeDiscovery, ClientAccountID: tenantB.ClientAccountID, EngagementID: tenantB.EngagementID}
	require.NoError(t, p.CreateFlowPair(t.Context(), master, child))

	// Tenant A must not see tenant B's flow; absence, not denial.
	_, err := p.MasterFlowRepository().GetByBusinessID(t.Context(), tenantA, master.FlowID)
	assert.True(t, persistence.IsFlowNotFound(err))

	loaded, err := p.MasterFlowRepository().GetByBusinessID(t.Context(), tenantB, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, master.FlowID, loaded.FlowID)
}

func TestMasterFlowRepository_SoftDeleteHidesFlow(t *testing.T) {
	p := NewPersistence()

	master := newMaster(tenantA)
	child := &models.ChildFlow{FlowType: models.FlowTypeDiscovery, ClientAccountID: tenantA.ClientAccountID, EngagementID: tenantA.EngagementID}
	require.NoError(t, p.CreateFlowPair(t.Context(), master, child))

	require.NoError(t, p.MasterFlowRepository().SoftDelete(t.Context(), master.ID))

	_, err := p.MasterFlowRepository().GetByBusinessID(t.Context(), tenantA, master.FlowID)
	assert.True(t, persistence.IsFlowNotFound(err))
}

func TestMasterFlowRepository_ListStale(t *testing.T) {
	p := NewPersistence()

	master := newMaster(tenantA)
	child := &models.ChildFlow{FlowType: models.FlowTypeDiscovery, ClientAccountID: tenantA.ClientAccountID, EngagementID: tenantA.EngagementID}
	require.NoError(t, p.CreateFlowPair(t.Context(), master, child))

	stale, err := p.MasterFlowRepository().ListStale(t.Context(), time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale, "fresh flow must not be reported stale")

	stale, err = p.MasterFlowRepository().ListStale(t.Context(), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	// Terminal flows are never stale.
	master.FlowStatus = models.FlowStatusCompleted
	require.NoError(t, p.MasterFlowRepository().Update(t.Context(), master))

	stale, err = p.MasterFlowRepository().ListStale(t.Context(), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMasterFlowRepository_PurgeDeleted(t *testing.T) {
	p := NewPersistence()

	master := newMaster(tenantA)
	child := &models.ChildFlow{FlowType: models.FlowTypeDiscovery, ClientAccountID: tenantA.ClientAccountID, EngagementID: tenantA.EngagementID}
	require.NoError(t, p.CreateFlowPair(t.Context(), master, child))
	require.NoError(t, p.MasterFlowRepository().SoftDelete(t.Context(), master.ID))

	// Inside the retention window: nothing purged.
	purged, err := p.MasterFlowRepository().PurgeDeleted(t.Context(), time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, purged)

	purged, err = p.MasterFlowRepository().PurgeDeleted(t.Context(), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = p.ChildFlowRepository().GetByMaster(t.Context(), master.ID, models.FlowTypeDiscovery)
	assert.True(t, persistence.IsChildFlowNotFound(err))
}

func TestMasterFlowRepository_UpdateDoesNotAliasCallerState(t *testing.T) {
	p := NewPersistence()

	master := newMaster(tenantA)
	child := &models.ChildFlow{FlowType: models.FlowTypeDiscovery, ClientAccountID: tenantA.ClientAccountID, EngagementID: tenantA.EngagementID}
	require.NoError(t, p.CreateFlowPair(t.Context(), master, child))

	master.PhasesCompleted = []string{"data_import"}
	require.NoError(t, p.MasterFlowRepository().Update(t.Context(), master))

	master.PhasesCompleted[0] = "mutated"

	loaded, err := p.MasterFlowRepository().GetByBusinessID(t.Context(), tenantA, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, []string{"data_import"}, loaded.PhasesCompleted)
}

func TestJournalRepository_AppendAndList(t *testing.T) {
	p := NewPersistence()

	entry := &models.FailureJournalEntry{
		FlowID:          models.BusinessFlowID("flow-1"),
		ClientAccountID: tenantA.ClientAccountID,
		EngagementID:    tenantA.EngagementID,
		Phase:           "data_import",
		Reason:          "handler_error",
		ErrorMessage:    "boom",
		Attempt:         1,
	}

	require.NoError(t, p.JournalRepository().AppendFailure(t.Context(), entry))
	assert.NotEmpty(t, entry.ID)

	entries, err := p.JournalRepository().FailuresForFlow(t.Context(), models.BusinessFlowID("flow-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "data_import", entries[0].Phase)
}

func TestUpdateFlowPair_WritesBothRows(t *testing.T) {
	p := NewPersistence()

	master := newMaster(tenantA)
	child := &models.ChildFlow{
		FlowType:        models.FlowTypeDiscovery,
		ClientAccountID: tenantA.ClientAccountID,
		EngagementID:    tenantA.EngagementID,
	}
	require.NoError(t, p.CreateFlowPair(t.Context(), master, child))

	master.FlowStatus = models.FlowStatusRunning
	master.CurrentPhase = "data_import"
	child.PhaseState = map[string]any{"data_import": map[string]any{"records": 7}}

	require.NoError(t, p.UpdateFlowPair(t.Context(), master, child))

	loadedMaster, err := p.MasterFlowRepository().GetByInternalID(t.Context(), tenantA, master.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusRunning, loadedMaster.FlowStatus)
	assert.Equal(t, "data_import", loadedMaster.CurrentPhase)

	loadedChild, err := p.ChildFlowRepository().GetByMaster(t.Context(), master.ID, models.FlowTypeDiscovery)
	require.NoError(t, err)
	assert.Contains(t, loadedChild.PhaseState, "data_import")
}

func TestUpdateFlowPair_AtomicOnMissingChild(t *testing.T) {
	p := NewPersistence()

	master := newMaster(tenantA)
	child := &models.ChildFlow{
		FlowType:        models.FlowTypeDiscovery,
		ClientAccountID: tenantA.ClientAccountID,
		EngagementID:    tenantA.EngagementID,
	}
	require.NoError(t, p.CreateFlowPair(t.Context(), master, child))

	master.FlowStatus = models.FlowStatusRunning

	orphan := *child
	orphan.ID = "no-such-child"

	err := p.UpdateFlowPair(t.Context(), master, &orphan)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrChildFlowNotFound)

	// The master write must not have landed either.
	loaded, err := p.MasterFlowRepository().GetByInternalID(t.Context(), tenantA, master.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusPending, loaded.FlowStatus)
}
