// Package eventbus implements the Event Bus Adapter: a thin
// shim publishing lifecycle events at-least-once, ordered per migration
// id, over one of two interchangeable back-ends, and consuming
// migration.request/migration.cancel commands. Loss of the bus never
// halts an in-flight migration: events are durably appended to the
// Status Store before they are published to the in-process broker, and
// the adapter forwards from that broker asynchronously.
package eventbus

import (
	"context"
	"fmt"

	"github.com/cuemby/migctl/pkg/events"
	"github.com/cuemby/migctl/pkg/log"
	"github.com/cuemby/migctl/pkg/metrics"
	"github.com/cuemby/migctl/pkg/types"
	"github.com/rs/zerolog"
)

// Kind selects which interchangeable backend the adapter drains to.
type Kind string

const (
	BrokerA Kind = "broker_a"
	BrokerB Kind = "broker_b"
)

// Backend is the minimal publish/consume surface either broker
// implementation exposes. Both guarantee at-least-once delivery with
// preserved order for messages sharing a key.
type Backend interface {
	// Publish sends payload keyed by key (the migration id), preserving
	// order among messages sharing the same key.
	Publish(ctx context.Context, key string, payload []byte) error

	// Consume delivers inbound command payloads (migration.request,
	// migration.cancel) to handler until ctx is cancelled.
	Consume(ctx context.Context, handler func(payload []byte) error) error
}

// Command is an inbound migration.request or migration.cancel message:
// a request command carries the full MigrationRequest, a cancel
// command only the migration id.
type Command struct {
	Type        string                  `json:"type"`
	MigrationID string                  `json:"migration_id,omitempty"`
	Request     *types.MigrationRequest `json:"request,omitempty"`
}

// Adapter forwards events from the in-process broker to a Backend and
// dispatches inbound Commands to registered handlers.
type Adapter struct {
	backend Backend
	broker  *events.Broker
	logger  zerolog.Logger

	onRequest func(req *types.MigrationRequest)
	onCancel  func(migrationID string)
}

// New builds an Adapter publishing events from broker (fed by the
// Status Store) to backend.
func New(backend Backend, broker *events.Broker) *Adapter {
	return &Adapter{backend: backend, broker: broker, logger: log.WithComponent("eventbus")}
}

// OnRequest registers the handler invoked for an inbound
// migration.request command.
func (a *Adapter) OnRequest(fn func(req *types.MigrationRequest)) { a.onRequest = fn }

// OnCancel registers the handler invoked for an inbound
// migration.cancel command.
func (a *Adapter) OnCancel(fn func(migrationID string)) { a.onCancel = fn }

// Run drains the broker's subscription to the backend, and the
// backend's inbound commands to the registered handlers, until ctx is
// cancelled. Publish failures are logged and the event is not sent to
// the bus again: it remains in the Status Store's durable event log,
// readable through the Control API's Status call, but the adapter never
// re-drains that log to the backend.
func (a *Adapter) Run(ctx context.Context) error {
	sub := a.broker.Subscribe()
	defer a.broker.Unsubscribe(sub)

	go func() {
		if err := a.backend.Consume(ctx, a.dispatch); err != nil && ctx.Err() == nil {
			a.logger.Error().Err(err).Msg("event bus consume loop exited")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			a.publish(ctx, evt)
		}
	}
}

func (a *Adapter) publish(ctx context.Context, evt *types.Event) {
	payload := []byte(fmt.Sprintf(`{"type":"migration.%s","migration_id":%q,"timestamp":%q}`,
		evt.Kind, evt.MigrationID, evt.Timestamp.Format("2006-01-02T15:04:05.999999999Z07:00")))

	if err := a.backend.Publish(ctx, evt.MigrationID, payload); err != nil {
		a.logger.Warn().Err(err).Str("migration_id", evt.MigrationID).Str("kind", string(evt.Kind)).
			Msg("event bus publish failed, event remains durable in status store")
		return
	}
	metrics.EventsPublished.WithLabelValues(string(evt.Kind)).Inc()
}

func (a *Adapter) dispatch(payload []byte) error {
	// Backends hand over the raw JSON payload; DecodeCommand parses it
	// and the switch below rejects any type other than the two known
	// commands.
	cmd, err := DecodeCommand(payload)
	if err != nil {
		return fmt.Errorf("decode inbound command: %w", err)
	}
	switch cmd.Type {
	case "migration.request":
		if cmd.Request == nil {
			return fmt.Errorf("migration.request command missing request payload")
		}
		if a.onRequest != nil {
			a.onRequest(cmd.Request)
		}
	case "migration.cancel":
		if a.onCancel != nil {
			a.onCancel(cmd.MigrationID)
		}
	default:
		return fmt.Errorf("unknown inbound command type %q", cmd.Type)
	}
	return nil
}
