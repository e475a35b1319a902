/*
Package status implements the Status Store: the durable, replicated
record of every Migration, its Plan, per-shard ShardProgress, held
Locks, and the append-only event log.

# Architecture

A migration coordinator cluster runs 1-7 coordinators forming a Raft
quorum over the Status Store:

	┌─────────────────────── COORDINATOR ───────────────────────┐
	│                                                             │
	│  ┌─────────────────────────────────────────────┐          │
	│  │              Control API                      │          │
	│  │  - Submit/Cancel/List/Status                  │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                       │
	│  ┌──────────────────▼──────────────────────────┐          │
	│  │              Manager                          │          │
	│  │  - Proposes Raft commands                     │          │
	│  │  - Serves reads from the local replica        │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                       │
	│  ┌──────────────────▼──────────────────────────┐          │
	│  │          Raft Consensus Layer                 │          │
	│  │  - Leader election                            │          │
	│  │  - Log replication across coordinators        │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                       │
	│  ┌──────────────────▼──────────────────────────┐          │
	│  │          FSM (Finite State Machine)           │          │
	│  │  - Apply(): create/CAS migration, progress,   │          │
	│  │    lock acquire/renew/release/reap, events    │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                       │
	│  ┌──────────────────▼──────────────────────────┐          │
	│  │              bbolt Store                      │          │
	│  │  - migrations, migration_steps,               │          │
	│  │    shard_migrations, migration_locks,         │          │
	│  │    migration_history                          │          │
	│  └────────────────────────────────────────────────┘         │
	└─────────────────────────────────────────────────────────────┘

# Ownership and fencing

Only the Raft leader drives a given Migration's state machine forward.
A Migration's owner_token is the (term, index) pair of the Raft log
entry that last claimed it: terms and indexes only increase, so the
token is monotonic without a separate clock. A coordinator takes over a
Migration left mid-flight by another by CAS-claiming it; the FSM
derives the new owner_token from the claiming log entry itself.

Locks use a parallel mechanism: every acquisition is assigned a
strictly increasing fencing token from a per-resource counter that
never resets; a renewal extends the lease and keeps the token it was
granted. Any write performed under a lock presents
its token; the Status Store rejects writes whose token is behind the
lock's current one, which is what keeps a stale holder (one that
missed a renewal and had its lock reaped) from corrupting state after
another holder has already taken over.

# Crash recovery

Since Raft already serializes every Apply call, CAS semantics need
nothing beyond a version-field comparison inside the FSM; there is no
separate optimistic-concurrency layer in the Store itself. After a
crash, any surviving coordinator can resume driving a migration by
reading its last ShardProgress records and re-claiming ownership; the
event log preserves enough history to answer "what happened and when"
per migration without a second audit trail.
*/
package status
