package events

import (
	"testing"
	"time"

	"github.com/cuemby/migctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	subA := b.Subscribe()
	subB := b.Subscribe()
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	b.Publish(&types.Event{Kind: types.EventStarted, MigrationID: "mig-1"})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case evt := <-sub:
			assert.Equal(t, "mig-1", evt.MigrationID)
			assert.False(t, evt.Timestamp.IsZero(), "Publish stamps a zero timestamp")
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the published event")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed on unsubscribe")
}

func TestPublishDoesNotBlockOnFullSubscriberBuffer(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 1000; i++ {
		b.Publish(&types.Event{Kind: types.EventStarted, MigrationID: "flood"})
	}

	// A slow/unread subscriber must never stall the broker's broadcast loop.
	b.Publish(&types.Event{Kind: types.EventCompleted, MigrationID: "after-flood"})
}

func TestSubscribeMigrationFiltersOtherMigrations(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.SubscribeMigration("mig-1")
	defer b.Unsubscribe(sub)

	b.Publish(&types.Event{Kind: types.EventStarted, MigrationID: "mig-2"})
	b.Publish(&types.Event{Kind: types.EventCompleted, MigrationID: "mig-1"})

	select {
	case evt := <-sub:
		assert.Equal(t, "mig-1", evt.MigrationID)
		assert.Equal(t, types.EventCompleted, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber never received its migration's event")
	}

	select {
	case evt := <-sub:
		t.Fatalf("unexpected second delivery: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDroppedCountsShedEvents(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Overrun the 50-slot subscriber buffer without draining it.
	for i := 0; i < 200; i++ {
		b.Publish(&types.Event{Kind: types.EventProgress, MigrationID: "flood"})
	}

	require.Eventually(t, func() bool {
		return b.Dropped(sub) > 0
	}, time.Second, 10*time.Millisecond, "overrun buffer should shed events")
}
