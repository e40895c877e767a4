package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadhive/leadhive/pkg/types"
)

// TestPublishSubscribe tests basic fan-out
func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	sub1 := b.Subscribe(8)
	sub2 := b.Subscribe(8)
	defer sub1.Cancel()
	defer sub2.Cancel()

	b.Publish(Event{Type: SlotStatusChanged, SlotID: "s1", Status: types.SlotRunning})

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case ev := <-sub.C:
			assert.Equal(t, SlotStatusChanged, ev.Type)
			assert.Equal(t, "s1", ev.SlotID)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

// TestSlowSubscriberDropped tests that a full channel loses events
// without blocking the publisher
func TestSlowSubscriberDropped(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(1)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: LeadCaptured, SlotID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.Len(t, sub.C, 1)
}

// TestCancelClosesChannel tests subscriber teardown
func TestCancelClosesChannel(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(1)
	sub.Cancel()
	sub.Cancel() // idempotent

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after cancel must not panic.
	b.Publish(Event{Type: LeadClicked})
}

// TestRecentRing tests the late-joiner buffer
func TestRecentRing(t *testing.T) {
	b := NewBroker()
	for i := 0; i < recentCap+10; i++ {
		b.Publish(Event{Type: SlotHeartbeat, SlotID: "s1"})
	}
	recent := b.Recent()
	require.Len(t, recent, recentCap)
}
