// Package phases defines the static execution plans for each flow type:
// ordered phase lists, prerequisite declarations, and configuration schemas.
package phases

import (
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/relokate/masterflow/pkg/models"
)

// Spec describes one phase in a flow type's execution plan.
type Spec struct {
	Name             string
	Prerequisites    []string
	RequiredFields   []string // configuration keys that must be present before execution
	RequiresApproval bool     // flow parks in waiting_for_approval after this phase
	SLA              time.Duration
}

// DefaultPhaseSLA bounds how long any phase may sit without progress before
// the sweeper considers it stuck.
const DefaultPhaseSLA = 30 * time.Minute

// Registry holds the static, per-flow-type ordered phase plans. Plans are
// fixed at construction; the registry is safe for concurrent reads.
type Registry struct {
	plans   map[models.FlowType][]Spec
	schemas map[models.FlowType]map[string]any
}

// NewRegistry builds the registry with the built-in migration pipeline plans.
func NewRegistry() *Registry {
	return &Registry{
		plans:   defaultPlans(),
		schemas: defaultSchemas(),
	}
}

func defaultPlans() map[models.FlowType][]Spec {
	return map[models.FlowType][]Spec{
		models.FlowTypeDiscovery: {
			{Name: "data_import", RequiredFields: []string{"source"}, SLA: 15 * time.Minute},
			{Name: "field_mapping", Prerequisites: []string{"data_import"}, SLA: 20 * time.Minute},
			{Name: "asset_inventory", Prerequisites: []string{"field_mapping"}, SLA: 30 * time.Minute},
		},
		models.FlowTypeCollection: {
			{Name: "scope_definition", RequiredFields: []string{"targets"}, SLA: 10 * time.Minute},
			{Name: "questionnaire_distribution", Prerequisites: []string{"scope_definition"}, SLA: 30 * time.Minute},
			{Name: "data_collection", Prerequisites: []string{"questionnaire_distribution"}, SLA: time.Hour},
			{Name: "collection_review", Prerequisites: []string{"data_collection"}, RequiresApproval: true, SLA: 30 * time.Minute},
		},
		models.FlowTypeAssessment: {
			{Name: "inventory_sync", SLA: 15 * time.Minute},
			{Name: "dependency_analysis", Prerequisites: []string{"inventory_sync"}, SLA: 45 * time.Minute},
			{Name: "readiness_assessment", Prerequisites: []string{"dependency_analysis"}, SLA: 45 * time.Minute},
			{Name: "strategy_recommendation", Prerequisites: []string{"readiness_assessment"}, SLA: 30 * time.Minute},
		},
		models.FlowTypePlanning: {
			{Name: "wave_planning", RequiredFields: []string{"assessment_flow_id"}, SLA: 30 * time.Minute},
			{Name: "effort_estimation", Prerequisites: []string{"wave_planning"}, SLA: 30 * time.Minute},
			{Name: "plan_review", Prerequisites: []string{"effort_estimation"}, RequiresApproval: true, SLA: time.Hour},
		},
	}
}

// Plan returns the ordered phase list for a flow type.
func (r *Registry) Plan(flowType models.FlowType) ([]Spec, error) {
	plan, ok := r.plans[flowType]
	if !ok {
		return nil, fmt.Errorf("no phase plan for flow type %q", flowType)
	}

	return plan, nil
}

// Phase returns the spec for one phase of a flow type.
func (r *Registry) Phase(flowType models.FlowType, name string) (Spec, error) {
	plan, err := r.Plan(flowType)
	if err != nil {
		return Spec{}, err
	}

	for _, spec := range plan {
		if spec.Name == name {
			return spec, nil
		}
	}

	return Spec{}, fmt.Errorf("phase %q is not part of the %s plan", name, flowType)
}

// PhaseIndex returns the position of a phase in a flow type's ordered plan,
// or -1 when the phase (or plan) is unknown.
func (r *Registry) PhaseIndex(flowType models.FlowType, name string) int {
	plan, err := r.Plan(flowType)
	if err != nil {
		return -1
	}

	for i, spec := range plan {
		if spec.Name == name {
			return i
		}
	}

	return -1
}

// NextPhase returns the phase following the given one, or "" at plan's end.
func (r *Registry) NextPhase(flowType models.FlowType, name string) string {
	plan, err := r.Plan(flowType)
	if err != nil {
		return ""
	}

	idx := r.PhaseIndex(flowType, name)
	if idx < 0 || idx+1 >= len(plan) {
		return ""
	}

	return plan[idx+1].Name
}

// TotalPhases returns the plan length for a flow type.
func (r *Registry) TotalPhases(flowType models.FlowType) int {
	plan, err := r.Plan(flowType)
	if err != nil {
		return 0
	}

	return len(plan)
}

// ValidateConfiguration checks a flow's configuration payload against the
// flow type's JSON schema.
func (r *Registry) ValidateConfiguration(flowType models.FlowType, configuration map[string]any) error {
	schema, ok := r.schemas[flowType]
	if !ok {
		return fmt.Errorf("no configuration schema for flow type %q", flowType)
	}

	if configuration == nil {
		configuration = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(configuration)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate flow configuration: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			details = append(details, resultError.String())
		}

		return fmt.Errorf("flow configuration schema validation failed: %s", strings.Join(details, "; "))
	}

	return nil
}

// MissingFields returns the required configuration keys for a phase that are
// absent from the merged configuration/metadata state.
func (spec Spec) MissingFields(state map[string]any) []string {
	var missing []string

	for _, field := range spec.RequiredFields {
		value, ok := state[field]
		if !ok || value == nil {
			missing = append(missing, field)

			continue
		}

		if s, isString := value.(string); isString && s == "" {
			missing = append(missing, field)
		}
	}

	return missing
}
