package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relokate/masterflow/pkg/locks"
	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence/memory"
	"github.com/relokate/masterflow/pkg/phases"
)

var testTenant = models.TenantContext{
	ClientAccountID: "acct-1",
	EngagementID:    "eng-1",
	UserID:          "user-1",
}

func succeedHandler(output map[string]any) PhaseHandler {
	return func(_ context.Context, _ models.TenantContext, _ PhaseInput) (map[string]any, error) {
		return output, nil
	}
}

func testEngine(t *testing.T, store *memory.Persistence, handlers *HandlerRegistry) *Engine {
	t.Helper()

	return NewEngine(Config{
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Persistence: store,
		Registry:    phases.NewRegistry(),
		Locker:      locks.NewLocal(),
		Handlers:    handlers,
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
		HandlerTimeout: time.Second,
	})
}

func createFlow(t *testing.T, store *memory.Persistence, flowType models.FlowType, config map[string]any) *models.MasterFlow {
	t.Helper()

	master := &models.MasterFlow{
		ClientAccountID:   testTenant.ClientAccountID,
		EngagementID:      testTenant.EngagementID,
		FlowType:          flowType,
		FlowName:          "Test " + string(flowType) + " flow",
		FlowStatus:        models.FlowStatusPending,
		FlowConfiguration: config,
		CreatedBy:         testTenant.UserID,
	}
	child := &models.ChildFlow{
		FlowType:        flowType,
		ClientAccountID: testTenant.ClientAccountID,
		EngagementID:    testTenant.EngagementID,
	}

	require.NoError(t, store.CreateFlowPair(t.Context(), master, child))

	return master
}

func discoveryHandlers() *HandlerRegistry {
	handlers := NewHandlerRegistry()
	handlers.Register(models.FlowTypeDiscovery, "data_import", succeedHandler(map[string]any{"records": 120}))
	handlers.Register(models.FlowTypeDiscovery, "field_mapping", succeedHandler(map[string]any{"mapped": 118}))
	handlers.Register(models.FlowTypeDiscovery, "asset_inventory", succeedHandler(map[string]any{"assets": 34}))

	return handlers
}

func TestExecutePhase_DiscoveryEndToEnd(t *testing.T) {
	store := memory.NewPersistence()
	eng := testEngine(t, store, discoveryHandlers())
	master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

	result, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "data_import", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "field_mapping", result.NextPhase)
	assert.NotEqual(t, master.ID.String(), result.FlowID.String(), "result carries the child business id")

	_, err = eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "field_mapping", nil)
	require.NoError(t, err)

	result, err = eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "asset_inventory", nil)
	require.NoError(t, err)
	assert.Empty(t, result.NextPhase)

	flow, err := store.MasterFlowRepository().GetByBusinessID(t.Context(), testTenant, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCompleted, flow.FlowStatus)
	assert.Equal(t, []string{"data_import", "field_mapping", "asset_inventory"}, flow.PhasesCompleted)
	assert.InDelta(t, 100.0, flow.ProgressPercentage, 0.001)
}

func TestExecutePhase_FailureExhaustsRetryBudget(t *testing.T) {
	handlers := NewHandlerRegistry()
	handlers.Register(models.FlowTypeDiscovery, "data_import",
		func(_ context.Context, _ models.TenantContext, _ PhaseInput) (map[string]any, error) {
			return nil, errors.New("import source unreachable")
		})

	store := memory.NewPersistence()
	eng := testEngine(t, store, handlers)
	master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

	_, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "data_import", nil)
	require.Error(t, err)
	assert.True(t, IsHandlerExecution(err))

	var handlerErr *HandlerError

	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, 3, handlerErr.Attempts)

	flow, err := store.MasterFlowRepository().GetByBusinessID(t.Context(), testTenant, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusFailed, flow.FlowStatus)
	assert.Equal(t, 3, flow.RetryCount)
	assert.NotEmpty(t, flow.ErrorMessage)

	entries, err := store.JournalRepository().FailuresForFlow(t.Context(), master.FlowID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "data_import", entries[0].Phase)
	assert.Equal(t, master.FlowID, entries[0].FlowID)
}

func TestExecutePhase_PrerequisiteNotMet(t *testing.T) {
	store := memory.NewPersistence()
	eng := testEngine(t, store, discoveryHandlers())
	master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

	_, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "asset_inventory", nil)
	require.Error(t, err)
	assert.True(t, IsPrerequisiteNotMet(err))

	var prereqErr *PrerequisiteError

	require.ErrorAs(t, err, &prereqErr)
	assert.Contains(t, prereqErr.Missing, "field_mapping")
}

func TestExecutePhase_ResumptionRule(t *testing.T) {
	// A flow parked mid-sub-flow can return with current_phase advanced but
	// phases_completed empty. Its position alone must satisfy prerequisites.
	store := memory.NewPersistence()
	eng := testEngine(t, store, func() *HandlerRegistry {
		handlers := NewHandlerRegistry()
		handlers.Register(models.FlowTypeAssessment, "strategy_recommendation", succeedHandler(map[string]any{"strategy": "rehost"}))

		return handlers
	}())
	master := createFlow(t, store, models.FlowTypeAssessment, nil)

	master.CurrentPhase = "strategy_recommendation"
	master.PhasesCompleted = nil
	require.NoError(t, store.MasterFlowRepository().Update(t.Context(), master))

	result, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "strategy_recommendation", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExecutePhase_TriSourcePrerequisiteCheck(t *testing.T) {
	handlers := NewHandlerRegistry()
	handlers.Register(models.FlowTypeDiscovery, "field_mapping", succeedHandler(map[string]any{"mapped": 1}))

	tests := []struct {
		name  string
		setup func(flow *models.MasterFlow)
	}{
		{
			name: "prerequisite in phase_results only",
			setup: func(flow *models.MasterFlow) {
				flow.PhaseResults = map[string]models.PhaseResult{
					"data_import": {Phase: "data_import", Status: models.PhaseStatusSuccess},
				}
			},
		},
		{
			name: "prerequisite in phases_completed only",
			setup: func(flow *models.MasterFlow) {
				flow.PhasesCompleted = []string{"data_import"}
			},
		},
		{
			name: "prerequisite implied by current_phase position",
			setup: func(flow *models.MasterFlow) {
				flow.CurrentPhase = "field_mapping"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewPersistence()
			eng := testEngine(t, store, handlers)
			master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

			tt.setup(master)
			require.NoError(t, store.MasterFlowRepository().Update(t.Context(), master))

			_, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "field_mapping", nil)
			require.NoError(t, err)
		})
	}
}

func TestExecutePhase_ValidationErrorNamesMissingFields(t *testing.T) {
	store := memory.NewPersistence()
	eng := testEngine(t, store, discoveryHandlers())
	master := createFlow(t, store, models.FlowTypeDiscovery, nil)

	_, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "data_import", nil)
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	var validationErr *ValidationError

	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, []string{"source"}, validationErr.MissingFields)
}

func TestExecutePhase_InputSatisfiesRequiredField(t *testing.T) {
	store := memory.NewPersistence()
	eng := testEngine(t, store, discoveryHandlers())
	master := createFlow(t, store, models.FlowTypeDiscovery, nil)

	_, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "data_import",
		map[string]any{"source": "uploaded-csv"})
	require.NoError(t, err)
}

func TestExecutePhase_IdempotentCompletion(t *testing.T) {
	store := memory.NewPersistence()
	eng := testEngine(t, store, discoveryHandlers())
	master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

	first, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "data_import", nil)
	require.NoError(t, err)

	second, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "data_import", nil)
	require.NoError(t, err)
	assert.Equal(t, first.Output, second.Output)

	flow, err := store.MasterFlowRepository().GetByBusinessID(t.Context(), testTenant, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, []string{"data_import"}, flow.PhasesCompleted, "no duplicate completion entries")
}

func TestExecutePhase_RejectsPausedFlow(t *testing.T) {
	store := memory.NewPersistence()
	eng := testEngine(t, store, discoveryHandlers())
	master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

	master.FlowStatus = models.FlowStatusPaused
	require.NoError(t, store.MasterFlowRepository().Update(t.Context(), master))

	_, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "data_import", nil)
	require.Error(t, err)
	assert.True(t, IsFlowNotExecutable(err))
}

func TestExecutePhase_RejectsWaitingForApproval(t *testing.T) {
	store := memory.NewPersistence()
	eng := testEngine(t, store, discoveryHandlers())
	master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

	master.FlowStatus = models.FlowStatusWaitingForApproval
	require.NoError(t, store.MasterFlowRepository().Update(t.Context(), master))

	_, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "data_import", nil)
	require.Error(t, err)
	assert.True(t, IsFlowNotExecutable(err))
}

func TestExecutePhase_TenantIsolation(t *testing.T) {
	store := memory.NewPersistence()
	eng := testEngine(t, store, discoveryHandlers())
	master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

	intruder := models.TenantContext{ClientAccountID: "acct-2", EngagementID: "eng-2", UserID: "user-9"}

	_, err := eng.ExecutePhase(t.Context(), intruder, master.FlowID, "data_import", nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "acct-1", "errors never leak the owning tenant")
}

func TestExecutePhase_ApprovalPhaseParksFlow(t *testing.T) {
	handlers := NewHandlerRegistry()
	handlers.Register(models.FlowTypePlanning, "wave_planning", succeedHandler(map[string]any{"waves": 4}))
	handlers.Register(models.FlowTypePlanning, "effort_estimation", succeedHandler(map[string]any{"days": 90}))
	handlers.Register(models.FlowTypePlanning, "plan_review", succeedHandler(map[string]any{"reviewed": true}))

	store := memory.NewPersistence()
	eng := testEngine(t, store, handlers)
	master := createFlow(t, store, models.FlowTypePlanning, map[string]any{"assessment_flow_id": "af-1"})

	_, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "wave_planning", nil)
	require.NoError(t, err)

	_, err = eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "effort_estimation", nil)
	require.NoError(t, err)

	// plan_review is the last phase and requires approval; the flow parks
	// until the approval event closes it.
	result, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "plan_review", nil)
	require.NoError(t, err)
	assert.Empty(t, result.NextPhase)

	flow, err := store.MasterFlowRepository().GetByBusinessID(t.Context(), testTenant, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusWaitingForApproval, flow.FlowStatus)
}

func TestExecutePhase_CollectionReviewWaitsForApproval(t *testing.T) {
	handlers := NewHandlerRegistry()
	handlers.Register(models.FlowTypeCollection, "collection_review", succeedHandler(map[string]any{"complete": true}))

	store := memory.NewPersistence()
	eng := testEngine(t, store, handlers)
	master := createFlow(t, store, models.FlowTypeCollection, map[string]any{"targets": []any{"app-1"}})

	master.CurrentPhase = "data_collection"
	master.PhasesCompleted = []string{"scope_definition", "questionnaire_distribution", "data_collection"}
	require.NoError(t, store.MasterFlowRepository().Update(t.Context(), master))

	_, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "collection_review", nil)
	require.NoError(t, err)

	flow, err := store.MasterFlowRepository().GetByBusinessID(t.Context(), testTenant, master.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusWaitingForApproval, flow.FlowStatus)
}

func TestExecutePhase_HandlerTimeoutFailsLikeHandlerError(t *testing.T) {
	handlers := NewHandlerRegistry()
	handlers.Register(models.FlowTypeDiscovery, "data_import",
		func(ctx context.Context, _ models.TenantContext, _ PhaseInput) (map[string]any, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		})

	store := memory.NewPersistence()
	eng := NewEngine(Config{
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Persistence: store,
		Registry:    phases.NewRegistry(),
		Locker:      locks.NewLocal(),
		Handlers:    handlers,
		Retry: RetryPolicy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
		HandlerTimeout: 10 * time.Millisecond,
	})
	master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

	_, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "data_import", nil)
	require.Error(t, err)
	assert.True(t, IsHandlerExecution(err))
}

func TestExecutePhase_MirrorsOutputIntoChildRow(t *testing.T) {
	store := memory.NewPersistence()
	eng := testEngine(t, store, discoveryHandlers())
	master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

	result, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "data_import", nil)
	require.NoError(t, err)

	child, err := store.ChildFlowRepository().GetByMaster(t.Context(), master.ID, models.FlowTypeDiscovery)
	require.NoError(t, err)
	assert.Equal(t, result.FlowID, child.FlowID)
	assert.Contains(t, child.PhaseState, "data_import")
}

func TestApplyPhaseResult_Idempotent(t *testing.T) {
	flow := &models.MasterFlow{FlowType: models.FlowTypeDiscovery}
	now := time.Now().UTC()
	result := models.PhaseResult{
		Phase:       "data_import",
		Status:      models.PhaseStatusSuccess,
		Output:      map[string]any{"records": 10},
		CompletedAt: &now,
	}

	ApplyPhaseResult(flow, "data_import", result, 3)
	first := flow.PhaseResults["data_import"]

	ApplyPhaseResult(flow, "data_import", result, 3)

	assert.Equal(t, []string{"data_import"}, flow.PhasesCompleted)
	assert.Equal(t, first, flow.PhaseResults["data_import"])
	assert.InDelta(t, 100.0/3, flow.ProgressPercentage, 0.001)
}

func TestExecutePhase_UnknownPhase(t *testing.T) {
	store := memory.NewPersistence()
	eng := testEngine(t, store, discoveryHandlers())
	master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

	_, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "nonexistent_phase", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPhase)
}

func TestExecutePhase_HandlerTenantScopedToChildFlow(t *testing.T) {
	var seen models.TenantContext

	handlers := NewHandlerRegistry()
	handlers.Register(models.FlowTypeDiscovery, "data_import",
		func(_ context.Context, tenant models.TenantContext, _ PhaseInput) (map[string]any, error) {
			seen = tenant

			return map[string]any{"records": 1}, nil
		})

	store := memory.NewPersistence()
	eng := testEngine(t, store, handlers)
	master := createFlow(t, store, models.FlowTypeDiscovery, map[string]any{"source": "cmdb"})

	result, err := eng.ExecutePhase(t.Context(), testTenant, master.FlowID, "data_import", nil)
	require.NoError(t, err)

	assert.Equal(t, result.FlowID, seen.FlowID, "handler tenant carries the child business id")
	assert.Equal(t, testTenant.ClientAccountID, seen.ClientAccountID)
	assert.Equal(t, testTenant.EngagementID, seen.EngagementID)
	assert.Equal(t, testTenant.UserID, seen.UserID)
}
