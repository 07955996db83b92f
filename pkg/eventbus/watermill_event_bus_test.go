package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relokate/masterflow/pkg/channels/gochannel"
	"github.com/relokate/masterflow/pkg/eventbus"
	"github.com/relokate/masterflow/pkg/events"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestWatermillEventBus_RoundTripFlowCreated(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan *events.FlowCreated, 1)

	err := bus.Handle(events.FlowCreatedEvent, func(_ context.Context, event any) error {
		created, ok := event.(*events.FlowCreated)
		require.True(t, ok)

		received <- created

		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	published := events.FlowCreated{
		BaseEvent: events.BaseEvent{
			ID:              bus.GenerateID(),
			Type:            events.FlowCreatedEvent,
			Timestamp:       time.Now().UTC(),
			FlowID:          "flow-123",
			ClientAccountID: "acct-1",
			EngagementID:    "eng-1",
		},
		FlowName:  "Datacenter discovery",
		CreatedBy: "user-1",
	}

	require.NoError(t, bus.Publish(ctx, published.FlowID, published))

	select {
	case got := <-received:
		assert.Equal(t, "flow-123", got.FlowID)
		assert.Equal(t, "Datacenter discovery", got.FlowName)
		assert.Equal(t, "user-1", got.CreatedBy)
		assert.Equal(t, "acct-1", got.ClientAccountID)
	case <-time.After(2 * time.Second):
		t.Fatal("flow created event was not delivered")
	}
}

func TestWatermillEventBus_DeliversPhaseEvents(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan *events.PhaseCompleted, 1)

	err := bus.Handle(events.PhaseCompletedEvent, func(_ context.Context, event any) error {
		completed, ok := event.(*events.PhaseCompleted)
		require.True(t, ok)

		received <- completed

		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	published := events.PhaseCompleted{
		BaseEvent: events.BaseEvent{
			ID:        bus.GenerateID(),
			Type:      events.PhaseCompletedEvent,
			Timestamp: time.Now().UTC(),
			FlowID:    "flow-456",
		},
		Phase:     "data_import",
		NextPhase: "field_mapping",
		Progress:  33.3,
	}

	require.NoError(t, bus.Publish(ctx, published.FlowID, published))

	select {
	case got := <-received:
		assert.Equal(t, "flow-456", got.FlowID)
		assert.Equal(t, "data_import", got.Phase)
		assert.Equal(t, "field_mapping", got.NextPhase)
		assert.InDelta(t, 33.3, got.Progress, 0.001)
	case <-time.After(2 * time.Second):
		t.Fatal("phase completed event was not delivered")
	}
}

func TestWatermillEventBus_UnhandledEventTypesAreSkipped(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan *events.FlowDeleted, 1)

	err := bus.Handle(events.FlowDeletedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.FlowDeleted)

		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	// No handler is registered for pause events; the bus must ack and move
	// on so later events on the same topic still reach their handler.
	paused := events.FlowPaused{
		BaseEvent: events.BaseEvent{ID: bus.GenerateID(), Type: events.FlowPausedEvent, FlowID: "flow-789"},
		PausedBy:  "user-1",
	}
	require.NoError(t, bus.Publish(ctx, paused.FlowID, paused))

	deleted := events.FlowDeleted{
		BaseEvent: events.BaseEvent{ID: bus.GenerateID(), Type: events.FlowDeletedEvent, FlowID: "flow-789"},
		DeletedBy: "user-1",
	}
	require.NoError(t, bus.Publish(ctx, deleted.FlowID, deleted))

	select {
	case got := <-received:
		assert.Equal(t, "flow-789", got.FlowID)
		assert.Equal(t, "user-1", got.DeletedBy)
	case <-time.After(2 * time.Second):
		t.Fatal("flow deleted event was not delivered")
	}
}
