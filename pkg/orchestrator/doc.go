/*
Package orchestrator drives each admitted Migration's Plan to completion.

The Orchestrator is the central state machine of the coordination engine: it
advances every non-terminal Migration by one state transition per
reconciliation tick, so a coordinator that crashes mid-migration always
leaves a record another leader can resume from just by reading the Status
Store.

# State Machine

	┌──────────────────────────────────────────────────────────────┐
	│                   Orchestrator Tick                          │
	│                 (every TickInterval)                         │
	└────────────────┬───────────────────────────────────────────--┘
	                 │
	                 ▼
	┌──────────────────────────────────────────────────────────────┐
	│  For each non-terminal Migration this node leads:             │
	│    created → pending → running → validating → completed       │
	│                 │          │                                  │
	│                 │          └─→ failing → rolling_back          │
	│                 │                          ├─→ rolled_back      │
	│                 │                          └─→ failed           │
	│                 └─→ cancelling → cancelled                      │
	└──────────────────────────────────────────────────────────────┘

`created` holds a Migration until every upstream request named in
depends_on has completed; its Plan was already built by Submit against
the Topology snapshot current at that time.
`pending` acquires the collection lock and every shard lock the Plan
touches (non-blocking: a busy lock just waits for the next tick) and runs
pre-admission validation. `running` fans a stage's steps out across the
per-store-class executors, bounded by per_store_class_parallelism, and
advances CurrentStage once every step in the stage succeeds. `validating`
runs the Validator's cross-shard checks. `failing` begins rollback
unless rollback_policy is halt; `rolling_back` replays each completed
step's compensating action in reverse completion order. `cancelling`
finalizes directly to `cancelled` once in-flight work has reached its
commit boundary; completed steps are left in place, never compensated.

# Core Components

Orchestrator: the state machine driver and, via controlapi.Service, the
in-process Control API migratectl and the coordinator binary's own admin
plumbing call directly.

	orch := orchestrator.New(statusMgr, lockMgr, topo, executors, validator, broker, cfg)
	orch.Start()
	defer orch.Stop()

The Orchestrator holds no migration state of its own beyond its
per-store-class semaphores: every decision is read fresh from the Status
Store each tick: no hidden state, re-derive everything from the source
of truth.

# Design Patterns

## One Transition Per Tick

driveOne never drives a Migration past a single state transition. This
keeps each tick's blast radius bounded and makes a mid-stage coordinator
crash harmless: the next leader's first tick picks the Migration up exactly
where the Status Store says it left off.

## Retry At The Tick, Not The Call

Lock contention and stage-level contention errors return nil from their
driving function rather than blocking or erroring; the Migration simply
isn't advanced this tick, and the next tick tries again. Transient and
logical step failures are the Executor's responsibility (see pkg/executor);
by the time an error reaches the Orchestrator it has already exhausted its
local retry budget.

## Compensating Rollback, Not Two-Phase Commit

Cross-shard atomicity is approximated, not guaranteed: rollback runs
registered inverse actions in the reverse order steps completed. A step
with no registered inverse and no native down-migration is recorded as
unrecoverable and its lock held for operator acknowledgement rather than
silently released.

# See Also

  - pkg/planner - Plan construction and topological staging
  - pkg/executor - Per-step execution and local retry
  - pkg/status - Durable, Raft-replicated Migration state
  - pkg/lock - Leased, fenced resource locks
  - pkg/validator - Pre/post/cross-shard checks
*/
package orchestrator
