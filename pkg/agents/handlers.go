package agents

import (
	"context"
	"fmt"

	"github.com/relokate/masterflow/pkg/engine"
	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/phases"
)

// NewHandlerRegistry binds every phase of every built-in plan to the tenant's
// agent pool: each execution acquires the tenant pool from the manager and
// dispatches one agent task named after the flow type and phase.
func NewHandlerRegistry(manager *Manager, registry *phases.Registry) (*engine.HandlerRegistry, error) {
	handlers := engine.NewHandlerRegistry()

	for _, flowType := range models.FlowTypes() {
		plan, err := registry.Plan(flowType)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s plan: %w", flowType, err)
		}

		for _, spec := range plan {
			handlers.Register(flowType, spec.Name, poolHandler(manager, flowType, spec.Name))
		}
	}

	return handlers, nil
}

func poolHandler(manager *Manager, flowType models.FlowType, phase string) engine.PhaseHandler {
	agentType := string(flowType) + "." + phase

	return func(ctx context.Context, tenant models.TenantContext, in engine.PhaseInput) (map[string]any, error) {
		pool, err := manager.ForTenant(ctx, tenant)
		if err != nil {
			return nil, err
		}

		taskContext := map[string]any{
			"flow_id":       in.FlowID.String(),
			"configuration": in.Configuration,
			"metadata":      in.Metadata,
			"input":         in.Input,
		}

		description := fmt.Sprintf("execute %s phase %s", flowType, phase)

		return pool.Execute(ctx, agentType, description, taskContext)
	}
}
