/*
Package log provides structured logging for the migration coordinator
using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("orchestrator")             │          │
	│  │  - WithMigrationID("mig-abc123")             │          │
	│  │  - WithShardID("shard-03")                   │          │
	│  │  - WithStepID("step-def456")                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "orchestrator",             │          │
	│  │    "migration_id": "mig-abc123",            │          │
	│  │    "time": "2026-07-31T10:30:00Z",          │          │
	│  │    "message": "stage completed"             │          │
	│  │  }                                           │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from every coordinator package

Log Levels:
  - Debug: per-batch/per-record detail, disabled in production
  - Info: stage transitions, step completion, lock grants
  - Warn: retried transient/contention errors, degraded health
  - Error: step/migration failure, CAS conflicts, stale fencing tokens
  - Fatal: unrecoverable startup failures (process exits)

Context Loggers:
  - WithComponent: tag logs with the owning component (orchestrator,
    executor, lock, eventbus, ...)
  - WithMigrationID / WithShardID / WithStepID: thread the identifiers
    that the Status Store keys records on through every log line, so an
    operator can grep one migration's full execution trace.
*/
package log
