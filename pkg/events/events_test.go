package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToAllSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	subA := broker.Subscribe()
	subB := broker.Subscribe()
	assert.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(&Event{
		Type:     EventLeaseCreated,
		Message:  "workload 1005 provisioned",
		Metadata: map[string]string{"workload_id": "1005"},
	})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventLeaseCreated, ev.Type)
			assert.Equal(t, "1005", ev.Metadata["workload_id"])
			assert.False(t, ev.Timestamp.IsZero(), "timestamp should be stamped on publish")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBrokerSkipsFullSubscriber(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	slow := broker.Subscribe()
	fast := broker.Subscribe()

	// Fill the slow subscriber's buffer without draining it.
	for i := 0; i < cap(slow)+10; i++ {
		broker.Publish(&Event{Type: EventLeaseExpired})
	}

	// The fast subscriber must still make progress.
	received := 0
	deadline := time.After(2 * time.Second)
	for received < cap(slow) {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber stalled after %d events", received)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	require.False(t, open, "unsubscribed channel should be closed")
}
