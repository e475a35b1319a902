package eventbus

import (
	"context"
	"sync"
)

// InMemBackend is a reference Backend implementation used for both
// broker_a and broker_b in this repository: a single process never
// runs two, but tests exercise the Adapter against one instance
// standing in for whichever backend `event_bus_kind` names. Ordering
// per key is preserved by routing every key to its own buffered
// channel; at-least-once delivery is the default for an unacknowledged
// channel send, matching the guarantee the real backends this stands
// in for must provide.
type InMemBackend struct {
	kind Kind

	mu      sync.Mutex
	streams map[string]chan []byte
	inbound chan []byte
}

// NewInMemBackend builds a reference Backend tagged with kind. The tag
// is stored but not read: behavior is identical regardless of kind, and
// no broker_a/broker_b wire protocol is implemented here.
func NewInMemBackend(kind Kind) *InMemBackend {
	return &InMemBackend{
		kind:    kind,
		streams: make(map[string]chan []byte),
		inbound: make(chan []byte, 256),
	}
}

func (b *InMemBackend) streamFor(key string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.streams[key]
	if !ok {
		ch = make(chan []byte, 64)
		b.streams[key] = ch
	}
	return ch
}

// Publish enqueues payload on key's ordered stream.
func (b *InMemBackend) Publish(ctx context.Context, key string, payload []byte) error {
	select {
	case b.streamFor(key) <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers every inbound command submitted via Submit to
// handler, in submission order, until ctx is cancelled.
func (b *InMemBackend) Consume(ctx context.Context, handler func(payload []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-b.inbound:
			if err := handler(payload); err != nil {
				return err
			}
		}
	}
}

// Submit enqueues an inbound migration.request/migration.cancel
// command payload, simulating an operator publishing to the bus.
func (b *InMemBackend) Submit(payload []byte) {
	b.inbound <- payload
}

// Drain removes and returns the oldest payload queued for key, or nil
// if none is queued, without blocking; tests call it repeatedly to
// assert on publish order.
func (b *InMemBackend) Drain(key string) []byte {
	ch := b.streamFor(key)
	select {
	case payload := <-ch:
		return payload
	default:
		return nil
	}
}
