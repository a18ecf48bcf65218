package events_test

import (
	"testing"

	"github.com/perchsocial/go-client/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())

	chA, cancelA, ok := bus.Subscribe()
	require.True(t, ok)
	defer cancelA()
	chB, cancelB, ok := bus.Subscribe()
	require.True(t, ok)
	defer cancelB()

	bus.Publish(events.Event{Type: events.SessionSwitched, Payload: "user-2"})

	evA := <-chA
	evB := <-chB
	require.Equal(t, events.SessionSwitched, evA.Type)
	require.Equal(t, "user-2", evA.Payload)
	require.Equal(t, evA, evB)
}

func TestUnsubscribeReleasesSlotAndClosesChannel(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())

	ch, cancel, ok := bus.Subscribe()
	require.True(t, ok)
	require.Equal(t, 1, bus.Len())

	cancel()
	cancel() // second call is a no-op

	require.Equal(t, 0, bus.Len())
	_, open := <-ch
	require.False(t, open)
}

func TestSubscriberCap(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())

	cancels := make([]func(), 0, 64)
	for i := 0; i < 64; i++ {
		_, cancel, ok := bus.Subscribe()
		require.True(t, ok)
		cancels = append(cancels, cancel)
	}

	_, _, ok := bus.Subscribe()
	require.False(t, ok)

	// Releasing one slot makes room again.
	cancels[0]()
	_, cancel, ok := bus.Subscribe()
	require.True(t, ok)
	cancel()

	for _, c := range cancels[1:] {
		c()
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())

	_, cancel, ok := bus.Subscribe()
	require.True(t, ok)
	defer cancel()

	// More events than the subscriber buffer holds; Publish must not
	// block even though nothing drains the channel.
	for i := 0; i < 100; i++ {
		bus.Publish(events.Event{Type: events.SessionListChanged})
	}
}
