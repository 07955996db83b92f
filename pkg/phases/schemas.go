package phases

import "github.com/relokate/masterflow/pkg/models"

// Configuration schemas per flow type, applied at flow creation. The payloads
// are free-form beyond these constraints; phase handlers interpret the rest.
func defaultSchemas() map[models.FlowType]map[string]any {
	return map[models.FlowType]map[string]any{
		models.FlowTypeDiscovery: {
			"type":     "object",
			"required": []any{"source"},
			"properties": map[string]any{
				"source": map[string]any{
					"type":      "string",
					"minLength": 1,
				},
				"import_format": map[string]any{
					"type": "string",
					"enum": []any{"csv", "xlsx", "json"},
				},
			},
		},
		models.FlowTypeCollection: {
			"type":     "object",
			"required": []any{"targets"},
			"properties": map[string]any{
				"targets": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items":    map[string]any{"type": "string"},
				},
			},
		},
		models.FlowTypeAssessment: {
			"type": "object",
			"properties": map[string]any{
				"discovery_flow_id": map[string]any{"type": "string"},
				"depth":             map[string]any{"type": "string", "enum": []any{"standard", "deep"}},
			},
		},
		models.FlowTypePlanning: {
			"type":     "object",
			"required": []any{"assessment_flow_id"},
			"properties": map[string]any{
				"assessment_flow_id": map[string]any{
					"type":      "string",
					"minLength": 1,
				},
			},
		},
	}
}
