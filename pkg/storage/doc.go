/*
Package storage provides BoltDB-backed state persistence for the migration
coordinator's Status Store.

The storage package implements the Store interface using bbolt as the
underlying database, giving ACID transactions over migrations, plans,
per-shard progress, locks and the event log. All records are serialized
as JSON and kept in separate buckets for isolation.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/migctl.db                │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  migrations        (Migration ID)            │          │
	│  │  migration_steps   (Request ID -> Plan)      │          │
	│  │  shard_migrations  (migration|step|shard)    │          │
	│  │  migration_locks   (resource string)         │          │
	│  │  migration_history (migration|seq, ordered)  │          │
	│  └────────────────────────────────────────────┘          │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

# Crash Atomicity

Every Put is a single bbolt.Update transaction: either the whole record
lands or nothing does. Readers (View transactions) never observe a torn
write, only a possibly-stale one: readers may see stale but never torn
records. BoltStore itself performs no
compare-and-swap; that belongs to pkg/status, which serializes every
mutation through the Raft FSM's single Apply goroutine, so CAS there
needs nothing more than a version-field comparison, not database-level
optimistic concurrency.

# Event Ordering

migration_history keys are `<migrationID>|<zero-padded bucket sequence>`.
bbolt's per-bucket NextSequence is monotonically increasing, so a Cursor
scan over one migration's key prefix replays its events in append order,
which is the order state-transition replay needs.

A relational back-end with equivalent semantics (row-level UPDATE with a
per-record version column) would be an acceptable second implementation
of Store; this repo carries only the bbolt one. The document-class
reference StoreDriver (pkg/driver/bboltdriver) opens its own bbolt
files directly and does not use this Store.
*/
package storage
