package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/relokate/masterflow/pkg/events"
)

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.TopicFor(event.GetType()), msg)
}

// Subscribe starts one consumer goroutine per topic and dispatches decoded
// events to the handlers registered via Handle. Register all handlers
// before calling Subscribe.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	for _, topic := range events.Topics() {
		messages, err := eb.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return err
		}

		go eb.dispatch(ctx, messages)
	}

	return nil
}

func (eb *WatermillEventBus) dispatch(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		var event any

		eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

		handler, exists := eb.subscriptions[eventType]
		if !exists {
			msg.Ack()

			continue
		}

		switch eventType {
		case events.FlowCreatedEvent:
			event = &events.FlowCreated{}
		case events.FlowCompletedEvent:
			event = &events.FlowCompleted{}
		case events.FlowFailedEvent:
			event = &events.FlowFailed{}
		case events.FlowPausedEvent:
			event = &events.FlowPaused{}
		case events.FlowResumedEvent:
			event = &events.FlowResumed{}
		case events.FlowApprovedEvent:
			event = &events.FlowApproved{}
		case events.FlowDeletedEvent:
			event = &events.FlowDeleted{}
		case events.PhaseStartedEvent:
			event = &events.PhaseStarted{}
		case events.PhaseCompletedEvent:
			event = &events.PhaseCompleted{}
		case events.PhaseFailedEvent:
			event = &events.PhaseFailed{}
		case events.FlowReconciledEvent:
			event = &events.FlowReconciled{}
		default:
			msg.Nack()

			continue
		}

		err := json.Unmarshal(msg.Payload, event)
		if err != nil {
			msg.Nack()

			continue
		}

		err = handler(ctx, event)
		if err != nil {
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
