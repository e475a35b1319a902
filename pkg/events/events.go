// Package events implements the in-process pub/sub fan-out the Event Bus
// Adapter (pkg/eventbus) sits on top of: a buffered broadcast broker
// decoupling the Status Store's append path from however many consumers
// (the bus adapter, migratectl watch streams, tests) want a live feed of
// lifecycle events.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/migctl/pkg/types"
)

// Subscriber is a channel that receives events.
type Subscriber chan *types.Event

// subscription pairs a delivery channel with an optional migration-id
// filter. An empty filter receives everything.
type subscription struct {
	ch          Subscriber
	migrationID string
	dropped     atomic.Uint64
}

// Broker fans published events out to every matching subscriber. One
// goroutine drains the publish queue, so events reach each subscriber
// in the order they were published and per-migration ordering costs
// nothing extra.
type Broker struct {
	mu   sync.RWMutex
	subs map[Subscriber]*subscription

	eventCh chan *types.Event
	stopCh  chan struct{}
}

// NewBroker creates an unstarted broker.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[Subscriber]*subscription),
		eventCh: make(chan *types.Event, 100),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the broker's broadcast loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Pending events in the queue are discarded.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe returns a channel receiving every published event.
func (b *Broker) Subscribe() Subscriber {
	return b.subscribe("")
}

// SubscribeMigration returns a channel receiving only events for
// migrationID: what a `migratectl status --watch` on one migration
// reads, without forcing it to filter the full firehose itself.
func (b *Broker) SubscribeMigration(migrationID string) Subscriber {
	return b.subscribe(migrationID)
}

func (b *Broker) subscribe(migrationID string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(Subscriber, 50)
	b.subs[ch] = &subscription{ch: ch, migrationID: migrationID}
	return ch
}

// Unsubscribe removes sub and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// Publish enqueues event for broadcast, stamping a missing timestamp.
// It only blocks while the broker's own queue is full; a slow
// subscriber never backs up into the publisher.
func (b *Broker) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.migrationID != "" && sub.migrationID != event.MigrationID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Full subscriber buffer: drop rather than stall the loop.
			// The durable event log in the Status Store is the record;
			// this feed is best-effort.
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many events sub's buffer has shed since it
// subscribed, or 0 for an unknown subscriber.
func (b *Broker) Dropped(sub Subscriber) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.subs[sub]; ok {
		return s.dropped.Load()
	}
	return 0
}
