package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence"
	"github.com/relokate/masterflow/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDB(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Children first, parents last.
	for _, table := range []string{
		"orchestration.flow_deletion_audit",
		"orchestration.failure_journal",
		"orchestration.child_flows",
		"orchestration.master_flows",
		"schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("masterflow_test"),
			postgres.WithUsername("masterflow"),
			postgres.WithPassword("masterflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDB(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDB(ctx, t, databaseURL)

		require.NoError(t, p.Close(ctx))
		cancel()
	})

	return p, ctx
}

func testTenant() models.TenantContext {
	return models.TenantContext{
		ClientAccountID: "acct-" + uuid.NewString()[:8],
		EngagementID:    "eng-" + uuid.NewString()[:8],
		UserID:          "user-1",
	}
}

func newFlowPair(t *testing.T, tenant models.TenantContext, flowType models.FlowType) (*models.MasterFlow, *models.ChildFlow) {
	t.Helper()

	masterID, err := models.NewInternalFlowID()
	require.NoError(t, err)

	masterFlowID, err := models.NewBusinessFlowID()
	require.NoError(t, err)

	childFlowID, err := models.NewBusinessFlowID()
	require.NoError(t, err)

	now := time.Now().UTC()

	master := &models.MasterFlow{
		ID:              masterID,
		FlowID:          masterFlowID,
		ClientAccountID: tenant.ClientAccountID,
		EngagementID:    tenant.EngagementID,
		FlowType:        flowType,
		FlowName:        "Integration test flow",
		FlowStatus:      models.FlowStatusPending,
		CreatedBy:       tenant.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	child := &models.ChildFlow{
		ID:              uuid.NewString(),
		FlowID:          childFlowID,
		MasterFlowID:    masterID,
		FlowType:        flowType,
		ClientAccountID: tenant.ClientAccountID,
		EngagementID:    tenant.EngagementID,
		Status:          models.ChildFlowStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	return master, child
}

func TestCreateFlowPair_RoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)
	tenant := testTenant()
	master, child := newFlowPair(t, tenant, models.FlowTypeDiscovery)

	require.NoError(t, p.CreateFlowPair(ctx, master, child))

	loaded, err := p.MasterFlowRepository().GetByBusinessID(ctx, tenant, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, master.ID, loaded.ID)
	assert.Equal(t, master.FlowID, loaded.FlowID)
	assert.Equal(t, models.FlowStatusPending, loaded.FlowStatus)

	loadedChild, err := p.ChildFlowRepository().GetByMaster(ctx, master.ID, models.FlowTypeDiscovery)
	require.NoError(t, err)
	assert.Equal(t, child.FlowID, loadedChild.FlowID)
	assert.Equal(t, master.ID, loadedChild.MasterFlowID)
}

func TestCreateFlowPair_AtomicOnChildConflict(t *testing.T) {
	p, ctx := setupTestDB(t)
	tenant := testTenant()
	master, child := newFlowPair(t, tenant, models.FlowTypeDiscovery)

	require.NoError(t, p.CreateFlowPair(ctx, master, child))

	// Second pair reusing the same child business id must leave no master row.
	master2, child2 := newFlowPair(t, tenant, models.FlowTypeDiscovery)
	child2.FlowID = child.FlowID

	err := p.CreateFlowPair(ctx, master2, child2)
	require.Error(t, err)

	_, err = p.MasterFlowRepository().GetByBusinessID(ctx, tenant, master2.FlowID)
	assert.ErrorIs(t, err, persistence.ErrFlowNotFound)
}

func TestChildFlowCreate_RejectsUnresolvedMaster(t *testing.T) {
	p, ctx := setupTestDB(t)
	tenant := testTenant()
	_, child := newFlowPair(t, tenant, models.FlowTypeAssessment)

	err := p.ChildFlowRepository().Create(ctx, child)
	require.Error(t, err)
}

func TestGetByBusinessID_TenantScoped(t *testing.T) {
	p, ctx := setupTestDB(t)
	tenant := testTenant()
	master, child := newFlowPair(t, tenant, models.FlowTypeCollection)

	require.NoError(t, p.CreateFlowPair(ctx, master, child))

	other := testTenant()

	_, err := p.MasterFlowRepository().GetByBusinessID(ctx, other, master.FlowID)
	assert.ErrorIs(t, err, persistence.ErrFlowNotFound)
}

func TestUpdate_PersistsPhaseBookkeeping(t *testing.T) {
	p, ctx := setupTestDB(t)
	tenant := testTenant()
	master, child := newFlowPair(t, tenant, models.FlowTypeDiscovery)

	require.NoError(t, p.CreateFlowPair(ctx, master, child))

	completedAt := time.Now().UTC().Truncate(time.Millisecond)
	master.FlowStatus = models.FlowStatusRunning
	master.CurrentPhase = "data_import"
	master.PhasesCompleted = []string{"data_import"}
	master.PhaseResults = map[string]models.PhaseResult{
		"data_import": {
			Phase:       "data_import",
			Status:      models.PhaseStatusSuccess,
			Output:      map[string]any{"records": float64(42)},
			Attempts:    1,
			CompletedAt: &completedAt,
		},
	}
	master.ProgressPercentage = 33.3
	master.UpdatedAt = time.Time{}

	require.NoError(t, p.MasterFlowRepository().Update(ctx, master))

	loaded, err := p.MasterFlowRepository().GetByBusinessID(ctx, tenant, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusRunning, loaded.FlowStatus)
	assert.Equal(t, []string{"data_import"}, loaded.PhasesCompleted)
	require.Contains(t, loaded.PhaseResults, "data_import")
	assert.Equal(t, map[string]any{"records": float64(42)}, loaded.PhaseResults["data_import"].Output)
	assert.InDelta(t, 33.3, loaded.ProgressPercentage, 0.01)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestList_FiltersAndPages(t *testing.T) {
	p, ctx := setupTestDB(t)
	tenant := testTenant()

	for range 3 {
		master, child := newFlowPair(t, tenant, models.FlowTypeDiscovery)
		require.NoError(t, p.CreateFlowPair(ctx, master, child))
	}

	failedMaster, failedChild := newFlowPair(t, tenant, models.FlowTypeDiscovery)
	failedMaster.FlowStatus = models.FlowStatusFailed
	require.NoError(t, p.CreateFlowPair(ctx, failedMaster, failedChild))

	pending := models.FlowStatusPending

	flows, err := p.MasterFlowRepository().List(ctx, tenant, persistence.ListFlowsOptions{Limit: 10, Status: &pending})
	require.NoError(t, err)
	assert.Len(t, flows, 3)

	flows, err = p.MasterFlowRepository().List(ctx, tenant, persistence.ListFlowsOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, flows, 2)
}

func TestSoftDeleteAndPurge(t *testing.T) {
	p, ctx := setupTestDB(t)
	tenant := testTenant()
	master, child := newFlowPair(t, tenant, models.FlowTypeDiscovery)

	require.NoError(t, p.CreateFlowPair(ctx, master, child))
	require.NoError(t, p.ChildFlowRepository().SoftDeleteByMaster(ctx, master.ID))
	require.NoError(t, p.MasterFlowRepository().SoftDelete(ctx, master.ID))

	_, err := p.MasterFlowRepository().GetByBusinessID(ctx, tenant, master.FlowID)
	assert.ErrorIs(t, err, persistence.ErrFlowNotFound)

	purged, err := p.MasterFlowRepository().PurgeDeleted(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestListStale_SkipsTerminalFlows(t *testing.T) {
	p, ctx := setupTestDB(t)
	tenant := testTenant()

	staleMaster, staleChild := newFlowPair(t, tenant, models.FlowTypeDiscovery)
	staleMaster.FlowStatus = models.FlowStatusRunning
	staleMaster.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, p.CreateFlowPair(ctx, staleMaster, staleChild))
	require.NoError(t, p.MasterFlowRepository().Update(ctx, staleMaster))

	doneMaster, doneChild := newFlowPair(t, tenant, models.FlowTypeDiscovery)
	doneMaster.FlowStatus = models.FlowStatusCompleted
	doneMaster.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, p.CreateFlowPair(ctx, doneMaster, doneChild))
	require.NoError(t, p.MasterFlowRepository().Update(ctx, doneMaster))

	stale, err := p.MasterFlowRepository().ListStale(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, staleMaster.FlowID, stale[0].FlowID)
}

func TestJournal_AppendAndRead(t *testing.T) {
	p, ctx := setupTestDB(t)
	tenant := testTenant()
	master, child := newFlowPair(t, tenant, models.FlowTypeDiscovery)

	require.NoError(t, p.CreateFlowPair(ctx, master, child))

	entry := &models.FailureJournalEntry{
		ID:              uuid.NewString(),
		MasterFlowID:    master.ID,
		FlowID:          master.FlowID,
		ClientAccountID: tenant.ClientAccountID,
		EngagementID:    tenant.EngagementID,
		Phase:           "data_import",
		Reason:          "handler_error",
		ErrorMessage:    "upstream unavailable",
		Attempt:         1,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, p.JournalRepository().AppendFailure(ctx, entry))

	entries, err := p.JournalRepository().FailuresForFlow(ctx, master.FlowID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "data_import", entries[0].Phase)
	assert.Equal(t, "handler_error", entries[0].Reason)
}

func TestDeletionAudit_Appended(t *testing.T) {
	p, ctx := setupTestDB(t)
	tenant := testTenant()
	master, child := newFlowPair(t, tenant, models.FlowTypeDiscovery)

	require.NoError(t, p.CreateFlowPair(ctx, master, child))

	audit := &models.FlowDeletionAudit{
		ID:              uuid.NewString(),
		MasterFlowID:    master.ID,
		FlowID:          master.FlowID,
		ClientAccountID: tenant.ClientAccountID,
		EngagementID:    tenant.EngagementID,
		FlowType:        master.FlowType,
		DeletedBy:       tenant.UserID,
		Forced:          false,
		FlowPayload:     map[string]any{"flow_name": master.FlowName},
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, p.JournalRepository().AppendDeletion(ctx, audit))
}

func TestUpdateFlowPair_AtomicAcrossBothRows(t *testing.T) {
	p, ctx := setupTestDB(t)
	tenant := testTenant()
	master, child := newFlowPair(t, tenant, models.FlowTypeDiscovery)
	require.NoError(t, p.CreateFlowPair(ctx, master, child))

	master.FlowStatus = models.FlowStatusRunning
	master.CurrentPhase = "data_import"
	master.UpdatedAt = time.Time{}
	child.PhaseState = map[string]any{"data_import": map[string]any{"records": float64(7)}}
	child.UpdatedAt = time.Time{}

	require.NoError(t, p.UpdateFlowPair(ctx, master, child))

	loadedMaster, err := p.MasterFlowRepository().GetByBusinessID(ctx, tenant, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusRunning, loadedMaster.FlowStatus)
	assert.Equal(t, "data_import", loadedMaster.CurrentPhase)

	loadedChild, err := p.ChildFlowRepository().GetByMaster(ctx, master.ID, models.FlowTypeDiscovery)
	require.NoError(t, err)
	assert.Contains(t, loadedChild.PhaseState, "data_import")

	// A failing child statement must roll the master write back too.
	master.FlowStatus = models.FlowStatusCompleted
	master.UpdatedAt = time.Time{}

	orphan := *child
	orphan.ID = uuid.NewString()
	orphan.UpdatedAt = time.Time{}

	err = p.UpdateFlowPair(ctx, master, &orphan)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrChildFlowNotFound)

	loadedMaster, err = p.MasterFlowRepository().GetByBusinessID(ctx, tenant, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusRunning, loadedMaster.FlowStatus)
}
