// Package driver defines the Store Driver Contract: the
// capability every back-end implements so the Executor can drive schema
// and data steps identically regardless of whether the target is the
// document store or the relational store. Concrete production driver
// calls are out of scope; sqlitedriver and bboltdriver are reference
// implementations that satisfy the contract end-to-end.
package driver

import (
	"context"

	"github.com/cuemby/migctl/pkg/types"
)

// Health is the state a driver reports for a Conn, consumed by the Batch
// Pump's adaptive sizing control loop.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Record is one row or document moving through a Batch Pump. Fields hold
// the back-end-native representation; ID is the stable identifier
// apply_batch upserts on, which is what makes duplicate batch replay
// idempotent.
type Record struct {
	ID     string
	Fields map[string]any
}

// Cursor is an opaque, shard-local, restartable stream position. The
// zero value means "start of stream."
type Cursor string

// End is the sentinel next_cursor returned by StreamBatch when the
// source is exhausted.
const End Cursor = ""

// Conn is a live, health-checked connection to one shard, acquired by
// Open and released by Close.
type Conn interface {
	Close() error
}

// StoreDriver is the capability contract one back-end family (document
// or relational) implements over its shards.
type StoreDriver interface {
	// Open acquires and health-checks a connection to shard, scoped to
	// collection (the Step's PayloadRef) so StreamBatch/ApplyBatch
	// calls against the returned Conn read and write the right
	// collection/table instead of a fixed default. A caller with no
	// single collection in mind (a pre-admission or cross-shard
	// validation probe that only needs Health) may pass "".
	Open(ctx context.Context, shard string, collection string) (Conn, error)

	// ApplySchema runs a schema step against conn. It must be idempotent:
	// a second call for the same step, detected via a back-end-native
	// marker, returns types.ErrAlreadyApplied instead of re-applying.
	ApplySchema(ctx context.Context, conn Conn, step *types.Step) error

	// StreamBatch reads up to size records starting after cursor. next
	// is End when the source is exhausted. The batch is
	// snapshot-consistent for back-ends that support it.
	StreamBatch(ctx context.Context, conn Conn, cursor Cursor, size int) (records []Record, next Cursor, err error)

	// ApplyBatch writes records to the target, all-or-nothing within the
	// batch. Back-ends without multi-statement transactions must make
	// this internally atomic via upsert-by-id.
	ApplyBatch(ctx context.Context, conn Conn, records []Record) (applied int, err error)

	// Begin/Commit/Rollback bound a transaction where the back-end
	// supports one. Begin returns types.ErrUnsupported for drivers that
	// rely on ApplyBatch's own atomicity instead (bboltdriver).
	Begin(ctx context.Context, conn Conn) error
	Commit(ctx context.Context, conn Conn) error
	Rollback(ctx context.Context, conn Conn) error

	// Health reports conn's current state, driving Batch Pump backoff.
	Health(ctx context.Context, conn Conn) Health
}

// Transactional runs fn inside Begin/Commit, rolling back on error or
// panic. Drivers that return types.ErrUnsupported from Begin are run
// without a transactional boundary; ApplyBatch is expected to be
// atomic on its own for those.
func Transactional(ctx context.Context, d StoreDriver, conn Conn, fn func() error) (err error) {
	began := true
	if beginErr := d.Begin(ctx, conn); beginErr != nil {
		if beginErr == types.ErrUnsupported {
			began = false
		} else {
			return beginErr
		}
	}
	defer func() {
		if !began {
			return
		}
		if r := recover(); r != nil {
			_ = d.Rollback(ctx, conn)
			panic(r)
		}
		if err != nil {
			_ = d.Rollback(ctx, conn)
			return
		}
		err = d.Commit(ctx, conn)
	}()
	return fn()
}
