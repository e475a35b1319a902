// Package storage defines the durable, crash-atomic key-space the Status
// Store is built on. It holds raw per-entity CRUD only; CAS semantics,
// version bumping and business rules live one layer up in pkg/status.
package storage

import (
	"github.com/cuemby/migctl/pkg/types"
)

// Store is the durable key-space backing migrations, plans, shard
// progress, locks and the event log (entities `migrations`,
// `migration_steps`, `shard_migrations`, `migration_locks`,
// `migration_history`). Any back-end with crash-atomic writes works;
// BoltStore is the one carried in this repo.
type Store interface {
	// Migrations
	PutMigration(m *types.Migration) error
	GetMigration(id string) (*types.Migration, error)
	ListMigrations() ([]*types.Migration, error)

	// Plans
	PutPlan(p *types.Plan) error
	GetPlan(requestID string) (*types.Plan, error)

	// ShardProgress
	PutProgress(p *types.ShardProgress) error
	GetProgress(key types.ProgressKey) (*types.ShardProgress, error)
	ListProgress(migrationID string) ([]*types.ShardProgress, error)

	// Locks
	PutLock(l *types.Lock) error
	GetLock(resource string) (*types.Lock, error)
	DeleteLock(resource string) error
	ListLocks() ([]*types.Lock, error)

	// NextFencingToken returns the next monotonically increasing fencing
	// token for resource. Tokens only ever increase per resource,
	// independent of how many times the resource has been acquired
	// and released.
	NextFencingToken(resource string) (int64, error)

	// Events (migration_history), append-only, returned in append order.
	AppendEvent(e *types.Event) error
	ListEvents(migrationID string) ([]*types.Event, error)

	Close() error
}
