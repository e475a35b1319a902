/*
Package metrics provides Prometheus metrics collection and exposition for
the migration coordinator.

The metrics package defines and registers every migctl metric using the
Prometheus client library, giving observability into migration progress,
batch-pump adaptive sizing, lock contention, rollback counts and Raft
replication health. Metrics are exposed via an HTTP endpoint for
scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Migration: count by state, duration,       │          │
	│  │             rollback count                   │          │
	│  │  ShardProgress: count by status, items       │          │
	│  │  Batch Pump: batch size, latency, backoffs  │          │
	│  │  Orchestrator: stage duration, dispatch     │          │
	│  │  Lock Manager: contention, held, reaped     │          │
	│  │  Event Bus: published count, buffer depth   │          │
	│  │  Raft: leader status, log index, peers      │          │
	│  │  Control API: request count, duration       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Timer helper

Timer wraps time.Now()/time.Since() for the common "start a clock, stop
it against a histogram" pattern used by the orchestrator around each
step's run, the batch pump around each batch, and the Status Store
around each Raft apply.
*/
package metrics
