// Package types holds the data model shared by every component of the
// migration coordinator: requests, plans, the live migration record, shard
// progress, locks and the event log.
package types

import "time"

// StoreClass identifies which back-end family a migration targets.
type StoreClass string

const (
	StoreClassDocument   StoreClass = "document"
	StoreClassRelational StoreClass = "relational"
)

// StepKind distinguishes schema changes from data transformations.
type StepKind string

const (
	StepKindSchema StepKind = "schema"
	StepKindData   StepKind = "data"
)

// StepScope says whether a step spec targets one shard or every shard of
// the store class at plan time.
type StepScope string

const (
	StepScopeSingleShard StepScope = "single-shard"
	StepScopeAllShards   StepScope = "all-shards"
)

// StepSpec is the caller-authored description of one migration step, before
// shard expansion. Requests are built out of an ordered collection of these.
type StepSpec struct {
	ID              string    `yaml:"id" json:"id"`
	Kind            StepKind  `yaml:"kind" json:"kind"`
	Scope           StepScope `yaml:"scope" json:"scope"`
	PayloadRef      string    `yaml:"payload_ref" json:"payload_ref"`
	ShardKey        string    `yaml:"shard_key,omitempty" json:"shard_key,omitempty"`
	TransformerName string    `yaml:"transformer,omitempty" json:"transformer,omitempty"`
	InverseName     string    `yaml:"inverse,omitempty" json:"inverse,omitempty"`
	DependsOn       []string  `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Reads           []string  `yaml:"reads,omitempty" json:"reads,omitempty"`
	Writes          []string  `yaml:"writes,omitempty" json:"writes,omitempty"`
	EstimatedItems  int64     `yaml:"estimated_items,omitempty" json:"estimated_items,omitempty"`
	TimeoutSeconds  int64     `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// MigrationRequest is the caller-supplied unit of work. It is immutable
// once admitted by the Planner.
type MigrationRequest struct {
	ID             string     `yaml:"id" json:"id"`
	Name           string     `yaml:"name" json:"name"`
	StoreClass     StoreClass `yaml:"store_class" json:"store_class"`
	Steps          []StepSpec `yaml:"steps" json:"steps"`
	DependsOn      []string   `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Concurrency    int        `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	IdempotencyKey string     `yaml:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	RollbackPolicy RollbackPolicy `yaml:"rollback_policy,omitempty" json:"rollback_policy,omitempty"`
	TimeoutSeconds int64      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	CreatedAt      time.Time  `yaml:"-" json:"created_at"`
}

// RollbackPolicy controls what the Orchestrator does with a failed Migration.
type RollbackPolicy string

const (
	RollbackPolicyCompensate RollbackPolicy = "compensate"
	RollbackPolicyHalt       RollbackPolicy = "halt"
)

// Step is a fully expanded, shard-routed unit of execution inside a Plan.
type Step struct {
	ID              string     `json:"id"`
	RequestStepID   string     `json:"request_step_id"`
	Kind            StepKind   `json:"kind"`
	StoreClass      StoreClass `json:"store_class"`
	ShardID         string     `json:"shard_id"`
	PayloadRef      string     `json:"payload_ref"`
	TransformerName string     `json:"transformer,omitempty"`
	InverseName     string     `json:"inverse,omitempty"`
	DependsOn       []string   `json:"depends_on,omitempty"`
	Depth           int        `json:"depth"`
	EstimatedItems  int64      `json:"estimated_items,omitempty"`
	TimeoutSeconds  int64      `json:"timeout_seconds,omitempty"`
}

// Plan is the DAG of Steps derived from a MigrationRequest and a Topology
// snapshot. Stages hold step IDs grouped by topological level; steps within
// a stage have no dependency on one another and may run in parallel.
type Plan struct {
	Digest          string            `json:"digest"`
	RequestID       string            `json:"request_id"`
	TopologyVersion string            `json:"topology_version"`
	Steps           map[string]*Step  `json:"steps"`
	Stages          [][]string        `json:"stages"`
}

// MigrationState is a node in the Migration state machine.
type MigrationState string

const (
	MigrationCreated     MigrationState = "created"
	MigrationPlanning    MigrationState = "planning"
	MigrationPending     MigrationState = "pending"
	MigrationRunning     MigrationState = "running"
	MigrationValidating  MigrationState = "validating"
	MigrationCompleted   MigrationState = "completed"
	MigrationFailing     MigrationState = "failing"
	MigrationRollingBack MigrationState = "rolling_back"
	MigrationRolledBack  MigrationState = "rolled_back"
	MigrationCancelling  MigrationState = "cancelling"
	MigrationCancelled   MigrationState = "cancelled"
	MigrationFailed      MigrationState = "failed"
)

// terminal reports whether a MigrationState has no further transitions.
func (s MigrationState) Terminal() bool {
	switch s {
	case MigrationCompleted, MigrationRolledBack, MigrationCancelled, MigrationFailed:
		return true
	default:
		return false
	}
}

// Migration is the live execution record for one admitted request.
type Migration struct {
	ID                 string         `json:"id"`
	RequestID          string         `json:"request_id"`
	Name               string         `json:"name"`
	IdempotencyKey     string         `json:"idempotency_key,omitempty"`
	DependsOnRequests  []string       `json:"depends_on_requests,omitempty"`
	TimeoutSeconds     int64          `json:"timeout_seconds,omitempty"`
	PlanDigest         string         `json:"plan_digest"`
	State              MigrationState `json:"state"`
	CurrentStage       int            `json:"current_stage"`
	RollbackPolicy     RollbackPolicy `json:"rollback_policy"`
	OwnerToken         string         `json:"owner_token"`
	AggregateProcessed int64          `json:"aggregate_processed"`
	LastError          string         `json:"last_error,omitempty"`
	UnrecoverableSteps []string       `json:"unrecoverable_steps,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          time.Time      `json:"started_at,omitempty"`
	EndedAt            time.Time      `json:"ended_at,omitempty"`
	Version            uint64         `json:"version"`
}

// ShardProgressStatus tracks one (migration, step, shard) triple.
type ShardProgressStatus string

const (
	ShardPending   ShardProgressStatus = "pending"
	ShardRunning   ShardProgressStatus = "running"
	ShardCompleted ShardProgressStatus = "completed"
	ShardFailed    ShardProgressStatus = "failed"
	ShardSkipped   ShardProgressStatus = "skipped"
)

// ProgressKey identifies a ShardProgress record.
type ProgressKey struct {
	MigrationID string `json:"migration_id"`
	StepID      string `json:"step_id"`
	ShardID     string `json:"shard_id"`
}

// ShardProgress is the durable execution record for one
// (migration, step, shard) triple. LastCheckpoint is an opaque,
// shard-local cursor.
type ShardProgress struct {
	ProgressKey
	Status         ShardProgressStatus `json:"status"`
	ItemsProcessed int64               `json:"items_processed"`
	TotalItems     *int64              `json:"total_items,omitempty"`
	LastCheckpoint string              `json:"last_checkpoint,omitempty"`
	StartedAt      time.Time           `json:"started_at,omitempty"`
	EndedAt        time.Time           `json:"ended_at,omitempty"`
	Error          string              `json:"error,omitempty"`
	Version        uint64              `json:"version"`
}

// LockResourceKind enumerates the resource namespaces the Lock Manager
// arbitrates over.
type LockResourceKind string

const (
	LockResourceShard      LockResourceKind = "shard"
	LockResourceCollection LockResourceKind = "collection"
	LockResourceGlobal     LockResourceKind = "global"
)

// Lock is an advisory, leased, fenced lock over a resource string of the
// form "shard:<id>", "collection:<name>" or "global".
type Lock struct {
	Resource     string    `json:"resource"`
	HolderID     string    `json:"holder_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FencingToken int64     `json:"fencing_token"`
}

// EventKind enumerates the lifecycle events emitted to the event log / bus.
type EventKind string

const (
	EventCreated          EventKind = "created"
	EventStarted          EventKind = "started"
	EventStepStarted      EventKind = "step_started"
	EventProgress         EventKind = "progress"
	EventStepCompleted    EventKind = "step_completed"
	EventValidationFailed EventKind = "validation_failed"
	EventFailed           EventKind = "failed"
	EventRolledBack       EventKind = "rolled_back"
	EventCompleted        EventKind = "completed"
	EventCancelled        EventKind = "cancelled"
)

// Event is an append-only audit/progress-replay record.
type Event struct {
	ID          string            `json:"id"`
	MigrationID string            `json:"migration_id"`
	Kind        EventKind         `json:"kind"`
	Timestamp   time.Time         `json:"timestamp"`
	Payload     map[string]string `json:"payload,omitempty"`
}
