// Package events defines event types and structures for flow lifecycle notifications.
package events

import (
	"time"

	"github.com/relokate/masterflow/pkg/models"
)

type EventType string

// Kafka topics.
const FlowTopic = "masterflow.flows"          // Topic for flow lifecycle events
const PhaseTopic = "masterflow.flows.phases"  // Topic for phase execution events
const SweeperTopic = "masterflow.maintenance" // Topic for sweeper reconciliation events

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Flow lifecycle events.
	FlowCreatedEvent   EventType = "flow.created"
	FlowCompletedEvent EventType = "flow.completed"
	FlowFailedEvent    EventType = "flow.failed"
	FlowPausedEvent    EventType = "flow.paused"
	FlowResumedEvent   EventType = "flow.resumed"
	FlowApprovedEvent  EventType = "flow.approved"
	FlowDeletedEvent   EventType = "flow.deleted"

	// Phase execution events.
	PhaseStartedEvent   EventType = "flow.phase.started"
	PhaseCompletedEvent EventType = "flow.phase.completed"
	PhaseFailedEvent    EventType = "flow.phase.failed"

	// Sweeper reconciliation events.
	FlowReconciledEvent EventType = "flow.reconciled"
)

// TopicFor maps an event type to the topic it is published on: phase
// execution events go to PhaseTopic, reconciliation to SweeperTopic, all
// flow lifecycle events to FlowTopic.
func TopicFor(t EventType) string {
	switch t {
	case PhaseStartedEvent, PhaseCompletedEvent, PhaseFailedEvent:
		return PhaseTopic
	case FlowReconciledEvent:
		return SweeperTopic
	default:
		return FlowTopic
	}
}

// Topics lists every topic a consumer must subscribe to for the full
// event stream.
func Topics() []string {
	return []string{FlowTopic, PhaseTopic, SweeperTopic}
}

// BaseEvent carries the fields shared by every flow event. FlowID is always
// the business identifier; internal primary keys never leave the process.
type BaseEvent struct {
	ID              string          `json:"id"`
	Type            EventType       `json:"type"`
	Timestamp       time.Time       `json:"timestamp"`
	FlowID          string          `json:"flow_id"`
	ClientAccountID string          `json:"client_account_id"`
	EngagementID    string          `json:"engagement_id"`
	FlowType        models.FlowType `json:"flow_type,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

type FlowCreated struct {
	BaseEvent

	FlowName  string `json:"flow_name"`
	CreatedBy string `json:"created_by"`
}

func (e FlowCreated) GetType() EventType {
	return FlowCreatedEvent
}

type FlowCompleted struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e FlowCompleted) GetType() EventType {
	return FlowCompletedEvent
}

type FlowFailed struct {
	BaseEvent

	Phase string `json:"phase,omitempty"`
	Error string `json:"error"`
}

func (e FlowFailed) GetType() EventType {
	return FlowFailedEvent
}

type FlowPaused struct {
	BaseEvent

	PausedBy string `json:"paused_by"`
}

func (e FlowPaused) GetType() EventType {
	return FlowPausedEvent
}

type FlowResumed struct {
	BaseEvent

	ResumedBy string `json:"resumed_by"`
}

func (e FlowResumed) GetType() EventType {
	return FlowResumedEvent
}

type FlowApproved struct {
	BaseEvent

	Phase      string `json:"phase"`
	ApprovedBy string `json:"approved_by"`
}

func (e FlowApproved) GetType() EventType {
	return FlowApprovedEvent
}

type FlowDeleted struct {
	BaseEvent

	DeletedBy string `json:"deleted_by"`
	Forced    bool   `json:"forced"`
}

func (e FlowDeleted) GetType() EventType {
	return FlowDeletedEvent
}

type PhaseStarted struct {
	BaseEvent

	Phase   string `json:"phase"`
	Attempt int    `json:"attempt"`
}

func (e PhaseStarted) GetType() EventType {
	return PhaseStartedEvent
}

type PhaseCompleted struct {
	BaseEvent

	Phase      string         `json:"phase"`
	Output     map[string]any `json:"output,omitempty"`
	NextPhase  string         `json:"next_phase,omitempty"`
	Progress   float64        `json:"progress_percentage"`
	DurationMs int64          `json:"duration_ms"`
}

func (e PhaseCompleted) GetType() EventType {
	return PhaseCompletedEvent
}

type PhaseFailed struct {
	BaseEvent

	Phase      string `json:"phase"`
	Error      string `json:"error"`
	Attempt    int    `json:"attempt"`
	WillRetry  bool   `json:"will_retry"`
	DurationMs int64  `json:"duration_ms"`
}

func (e PhaseFailed) GetType() EventType {
	return PhaseFailedEvent
}

// FlowReconciled is published by the sweeper when a stuck flow is forced
// into a terminal state.
type FlowReconciled struct {
	BaseEvent

	PreviousStatus models.FlowStatus `json:"previous_status"`
	Reason         string            `json:"reason"`
	StuckSince     time.Time         `json:"stuck_since"`
}

func (e FlowReconciled) GetType() EventType {
	return FlowReconciledEvent
}
