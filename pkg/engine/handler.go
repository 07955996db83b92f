package engine

import (
	"context"
	"fmt"

	"github.com/relokate/masterflow/pkg/models"
)

// PhaseInput is everything a handler sees for one execution. FlowID is the
// child flow's business identifier so handler output is attributed to the
// correct child row downstream.
type PhaseInput struct {
	FlowID        models.BusinessFlowID
	Phase         string
	Configuration map[string]any
	Metadata      map[string]any
	Input         map[string]any
}

// PhaseHandler computes one phase. Handlers are pure with respect to flow
// state: they may call external systems (the agent pool, sub-flows) but
// never persist flow records themselves; the engine owns persistence.
type PhaseHandler func(ctx context.Context, tenant models.TenantContext, input PhaseInput) (map[string]any, error)

type handlerKey struct {
	flowType models.FlowType
	phase    string
}

// HandlerRegistry maps (flow type, phase) pairs to their handlers. Populated
// once at wiring time, read-only afterwards.
type HandlerRegistry struct {
	handlers map[handlerKey]PhaseHandler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[handlerKey]PhaseHandler)}
}

// Register binds a handler to a phase of a flow type. Re-registering a pair
// is a wiring bug and panics early.
func (r *HandlerRegistry) Register(flowType models.FlowType, phase string, handler PhaseHandler) {
	key := handlerKey{flowType: flowType, phase: phase}

	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("handler already registered for %s/%s", flowType, phase))
	}

	r.handlers[key] = handler
}

// Handler returns the handler for a phase, or ErrNoHandler.
func (r *HandlerRegistry) Handler(flowType models.FlowType, phase string) (PhaseHandler, error) {
	handler, ok := r.handlers[handlerKey{flowType: flowType, phase: phase}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoHandler, flowType, phase)
	}

	return handler, nil
}
