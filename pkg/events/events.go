package events

import (
	"sync"
	"time"
)

// EventType tags a lease lifecycle event.
type EventType string

const (
	EventLeaseCreated    EventType = "lease.created"
	EventLeaseExtended   EventType = "lease.extended"
	EventLeaseExpired    EventType = "lease.expired"
	EventLeaseReclaimed  EventType = "lease.reclaimed"
	EventOfferPublished  EventType = "offer.published"
	EventPaymentAccepted EventType = "payment.accepted"
	EventPaymentRejected EventType = "payment.rejected"
)

// Event is one lease lifecycle occurrence.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber receives events. The channel is closed on Unsubscribe.
type Subscriber chan *Event

const (
	// publishBuffer absorbs bursts from concurrent request handlers so
	// Publish stays off the lease path's critical section.
	publishBuffer = 100

	// subscriberBuffer is each subscriber's headroom. A subscriber that
	// falls further behind misses events instead of stalling fan-out.
	subscriberBuffer = 50
)

// Broker fans lease lifecycle events out to subscribers. A single
// dispatch goroutine serializes delivery, so subscribers observe
// events in publish order.
type Broker struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}

	queue  chan *Event
	stopCh chan struct{}
}

// NewBroker creates a broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[Subscriber]struct{}),
		queue:  make(chan *Event, publishBuffer),
		stopCh: make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (b *Broker) Start() {
	go b.dispatch()
}

// Stop halts dispatch. Events still queued are dropped.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	close(sub)
}

// Publish stamps the event and hands it to the dispatch loop. After
// Stop the event is dropped instead.
func (b *Broker) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.queue <- ev:
	case <-b.stopCh:
	}
}

// SubscriberCount reports the number of registered subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) dispatch() {
	for {
		select {
		case ev := <-b.queue:
			b.fanOut(ev)
		case <-b.stopCh:
			return
		}
	}
}

// fanOut delivers to every subscriber with buffer room. Unsubscribe
// holds the write lock, so a channel is never closed mid-delivery.
func (b *Broker) fanOut(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}
