package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"botflow/internal/events"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := events.NewBus()

	var order []string
	bus.Subscribe(func(events.Event) { order = append(order, "first") })
	bus.Subscribe(func(events.Event) { order = append(order, "second") })

	bus.Publish(events.Event{Kind: events.TaskCompleted, TaskID: "tsk_1"})

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBusDeliversEachEventOnce(t *testing.T) {
	bus := events.NewBus()

	var got []events.Event
	bus.Subscribe(func(e events.Event) { got = append(got, e) })

	bus.Publish(events.Event{Kind: events.TaskFailed, TaskID: "tsk_1", Error: "boom"})
	bus.Publish(events.Event{Kind: events.AccountBanned, AccountID: "acc_1"})

	assert.Len(t, got, 2)
	assert.Equal(t, events.TaskFailed, got[0].Kind)
	assert.Equal(t, "boom", got[0].Error)
	assert.Equal(t, events.AccountBanned, got[1].Kind)
	assert.False(t, got[0].At.IsZero(), "publish stamps the event time")
}

func TestBusWithoutSubscribers(t *testing.T) {
	bus := events.NewBus()
	// Publishing into the void must not panic.
	bus.Publish(events.Event{Kind: events.TaskCancelled, TaskID: "tsk_1"})
}
