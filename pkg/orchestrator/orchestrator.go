// Package orchestrator drives each admitted Migration's Plan to
// completion: lock acquisition, schema-then-data stage sequencing,
// per-shard parallelism bounded by per_store_class_parallelism,
// validation gating, and rollback on failure. It is built as a
// fixed-interval reconciliation loop: tick, list every tracked
// Migration, drive each one state transition closer to terminal.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/migctl/pkg/controlapi"
	"github.com/cuemby/migctl/pkg/events"
	"github.com/cuemby/migctl/pkg/executor"
	"github.com/cuemby/migctl/pkg/lock"
	"github.com/cuemby/migctl/pkg/log"
	"github.com/cuemby/migctl/pkg/planner"
	"github.com/cuemby/migctl/pkg/status"
	"github.com/cuemby/migctl/pkg/topology"
	"github.com/cuemby/migctl/pkg/types"
	"github.com/cuemby/migctl/pkg/validator"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Orchestrator is the in-process implementation of controlapi.Service:
// migratectl and the coordinator binary's own admin plumbing call it
// directly, with no wire transport in between.
var _ controlapi.Service = (*Orchestrator)(nil)

// Config holds the subset of the coordinator's configuration the
// Orchestrator itself consumes.
type Config struct {
	PerStoreClassParallelism map[types.StoreClass]int
	LockTTL                  time.Duration
	DefaultRollbackPolicy    types.RollbackPolicy
	TickInterval             time.Duration
}

// Orchestrator is the migration coordination engine's central driver.
type Orchestrator struct {
	status    *status.Manager
	lockMgr   *lock.Manager
	topo      *topology.Topology
	executors map[types.StoreClass]*executor.Executor
	validator *validator.Validator
	broker    *events.Broker
	cfg       Config

	mu  sync.Mutex
	sem map[types.StoreClass]chan struct{}

	logger zerolog.Logger
	stopCh chan struct{}
}

// New builds an Orchestrator. executors must have one entry per
// StoreClass this coordinator is configured to serve.
func New(sm *status.Manager, lm *lock.Manager, topo *topology.Topology, executors map[types.StoreClass]*executor.Executor, v *validator.Validator, broker *events.Broker, cfg Config) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.DefaultRollbackPolicy == "" {
		cfg.DefaultRollbackPolicy = types.RollbackPolicyCompensate
	}

	sem := make(map[types.StoreClass]chan struct{}, len(cfg.PerStoreClassParallelism))
	for class, n := range cfg.PerStoreClassParallelism {
		if n <= 0 {
			n = 1
		}
		sem[class] = make(chan struct{}, n)
	}

	o := &Orchestrator{
		status:    sm,
		lockMgr:   lm,
		topo:      topo,
		executors: executors,
		validator: v,
		broker:    broker,
		cfg:       cfg,
		sem:       sem,
		logger:    log.WithComponent("orchestrator"),
		stopCh:    make(chan struct{}),
	}
	for _, ex := range executors {
		ex.Events = o.emit
	}
	return o
}

// Start begins the reconciliation loop.
func (o *Orchestrator) Start() { go o.run() }

// Stop stops the reconciliation loop.
func (o *Orchestrator) Stop() { close(o.stopCh) }

func (o *Orchestrator) run() {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Refresh ahead of the drive cycle so a shard-set shift is
			// visible at the next dispatch boundary. An unchanged
			// membership keeps the current version, so this is free for
			// in-flight plans in the steady state.
			if _, err := o.topo.Refresh(); err != nil {
				o.logger.Warn().Err(err).Msg("topology refresh failed, driving against last snapshot")
			}
			if err := o.reconcile(); err != nil {
				o.logger.Error().Err(err).Msg("orchestrator reconciliation cycle failed")
			}
		case <-o.stopCh:
			return
		}
	}
}

// Submit admits req: it plans against the Topology's current snapshot,
// persists the Plan and a new Migration record in state `created`, and
// emits the `created` event. The caller (Control API) gets the record
// back; the background reconciliation loop picks it up on the next
// tick if this coordinator is the Raft leader.
func (o *Orchestrator) Submit(ctx context.Context, req *types.MigrationRequest) (*types.Migration, error) {
	existing, err := o.status.ListMigrations()
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	for _, m := range existing {
		// A duplicate idempotency key returns the already-admitted
		// Migration instead of admitting a second one.
		if req.IdempotencyKey != "" && m.IdempotencyKey == req.IdempotencyKey {
			return m, nil
		}
		// A request that already ran to a terminal state is rejected
		// (rerunning needs a fresh request id); one still in flight is
		// returned as-is rather than admitted twice, since Plans are
		// keyed by request id.
		if m.RequestID == req.ID {
			if m.State.Terminal() {
				return nil, types.Structural(fmt.Errorf("request %s already terminated in %s", req.ID, m.State))
			}
			return m, nil
		}
	}

	snap := o.topo.Current()
	plan, err := planner.Build(req, snap)
	if err != nil {
		return nil, err
	}
	if err := o.status.PutPlan(plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	policy := req.RollbackPolicy
	if policy == "" {
		policy = o.cfg.DefaultRollbackPolicy
	}

	mig := &types.Migration{
		ID:                uuid.New().String(),
		RequestID:         req.ID,
		Name:              req.Name,
		IdempotencyKey:    req.IdempotencyKey,
		DependsOnRequests: append([]string(nil), req.DependsOn...),
		TimeoutSeconds:    req.TimeoutSeconds,
		PlanDigest:        plan.Digest,
		State:             types.MigrationCreated,
		RollbackPolicy:    policy,
		CreatedAt:         time.Now(),
	}
	if err := o.status.CreateMigration(mig); err != nil {
		return nil, fmt.Errorf("create migration: %w", err)
	}
	o.emit(mig.ID, types.EventCreated, nil)
	return mig, nil
}

// Cancel requests migrationID move to `cancelling`, a no-op if it is
// already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, migrationID string) error {
	mig, err := o.status.GetMigration(migrationID)
	if err != nil {
		return err
	}
	if mig.State.Terminal() {
		return nil
	}
	next := *mig
	next.State = types.MigrationCancelling
	// The cancelled event is emitted once the Migration actually
	// reaches its terminal state, not here.
	return o.status.CASMigration(mig.Version, &next)
}

// List returns every known Migration, most recently created last.
func (o *Orchestrator) List(ctx context.Context) ([]*types.Migration, error) {
	migs, err := o.status.ListMigrations()
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	return migs, nil
}

// Status returns migrationID's Migration record together with its
// per-shard ShardProgress and full event history, the aggregate view
// migratectl's status/watch commands render.
func (o *Orchestrator) Status(ctx context.Context, migrationID string) (*controlapi.MigrationStatus, error) {
	mig, err := o.status.GetMigration(migrationID)
	if err != nil {
		return nil, err
	}
	progress, err := o.status.ListProgress(migrationID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	evts, err := o.status.ListEvents(migrationID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return &controlapi.MigrationStatus{Migration: mig, Progress: progress, Events: evts}, nil
}

func (o *Orchestrator) reconcile() error {
	migrations, err := o.status.ListMigrations()
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	for _, mig := range migrations {
		if mig.State.Terminal() {
			continue
		}
		if !o.status.IsLeader() {
			continue
		}
		if expired := o.expireDeadline(mig); expired {
			continue
		}
		if err := o.driveOne(context.Background(), mig); err != nil {
			o.logger.Error().Err(err).Str("migration_id", mig.ID).Msg("drive cycle failed")
		}
	}
	return nil
}

// expireDeadline treats a Migration that has run past its configured
// timeout as if an external cancel arrived: it moves to cancelling and
// the normal cancel path (honor in-flight batches, then finalize to
// cancelled without compensating completed steps) takes over on the
// next tick. Migrations already cancelling or
// rolling back are left to finish.
func (o *Orchestrator) expireDeadline(mig *types.Migration) bool {
	if mig.TimeoutSeconds <= 0 || mig.StartedAt.IsZero() {
		return false
	}
	switch mig.State {
	case types.MigrationCancelling, types.MigrationRollingBack:
		return false
	}
	if time.Since(mig.StartedAt) < time.Duration(mig.TimeoutSeconds)*time.Second {
		return false
	}

	next := *mig
	next.State = types.MigrationCancelling
	if err := o.status.CASMigration(mig.Version, &next); err != nil {
		o.logger.Error().Err(err).Str("migration_id", mig.ID).Msg("deadline cancel failed")
		return false
	}
	o.logger.Warn().Str("migration_id", mig.ID).Int64("timeout_seconds", mig.TimeoutSeconds).
		Msg("migration deadline exceeded, cancelling")
	return true
}

// dependenciesCompleted reports whether every request mig's request
// declared a dependency on has a Migration in completed.
func (o *Orchestrator) dependenciesCompleted(mig *types.Migration) (bool, error) {
	if len(mig.DependsOnRequests) == 0 {
		return true, nil
	}
	all, err := o.status.ListMigrations()
	if err != nil {
		return false, fmt.Errorf("list migrations: %w", err)
	}
	done := make(map[string]bool, len(all))
	for _, m := range all {
		if m.State == types.MigrationCompleted {
			done[m.RequestID] = true
		}
	}
	for _, reqID := range mig.DependsOnRequests {
		if !done[reqID] {
			return false, nil
		}
	}
	return true, nil
}

// driveOne advances one Migration by exactly one state transition per
// call; the next tick picks up from wherever it landed. This keeps
// each tick bounded and crash-safe: a coordinator that dies mid-stage
// leaves a Migration whose state another leader can resume from just
// by reading the Status Store.
func (o *Orchestrator) driveOne(ctx context.Context, mig *types.Migration) error {
	switch mig.State {
	case types.MigrationCreated:
		ready, err := o.dependenciesCompleted(mig)
		if err != nil {
			return err
		}
		if !ready {
			return nil // wait for upstream requests to complete
		}
		return o.transitionTo(mig, types.MigrationPending)

	case types.MigrationPending:
		return o.acquireLocksAndValidate(ctx, mig)

	case types.MigrationRunning:
		return o.driveStage(ctx, mig)

	case types.MigrationValidating:
		return o.runFinalValidation(ctx, mig)

	case types.MigrationFailing, types.MigrationCancelling:
		return o.beginRollbackOrFinish(ctx, mig)

	case types.MigrationRollingBack:
		return o.driveRollback(ctx, mig)

	default:
		return fmt.Errorf("migration %s: no handler for state %s", mig.ID, mig.State)
	}
}

func (o *Orchestrator) transitionTo(mig *types.Migration, next types.MigrationState) error {
	updated := *mig
	updated.State = next
	if next == types.MigrationRunning && updated.StartedAt.IsZero() {
		updated.StartedAt = time.Now()
	}
	if err := o.status.CASMigration(mig.Version, &updated); err != nil {
		return err
	}
	if next == types.MigrationRunning {
		o.emit(mig.ID, types.EventStarted, nil)
	}
	return nil
}

func (o *Orchestrator) emit(migrationID string, kind types.EventKind, payload map[string]string) {
	evt := &types.Event{ID: uuid.New().String(), MigrationID: migrationID, Kind: kind, Timestamp: time.Now(), Payload: payload}
	if err := o.status.AppendEvent(evt); err != nil {
		o.logger.Error().Err(err).Str("migration_id", migrationID).Str("kind", string(kind)).Msg("failed to append event")
		return
	}
	if o.broker != nil {
		o.broker.Publish(evt)
	}
}

// plan loads mig's Plan and verifies it is still the one the Migration
// was admitted with: a digest mismatch means the request was replanned
// underneath a live Migration, which is structural.
func (o *Orchestrator) plan(mig *types.Migration) (*types.Plan, error) {
	plan, err := o.status.GetPlan(mig.RequestID)
	if err != nil {
		return nil, err
	}
	if plan.Digest != mig.PlanDigest {
		return nil, types.Structural(fmt.Errorf("plan for request %s has digest %s, migration %s pinned %s",
			mig.RequestID, plan.Digest, mig.ID, mig.PlanDigest))
	}
	return plan, nil
}

// executorFor returns the Executor configured for a step's store
// class, reporting a structural error if the coordinator has no
// executor configured for it.
func (o *Orchestrator) executorFor(class types.StoreClass) (*executor.Executor, error) {
	ex, ok := o.executors[class]
	if !ok {
		return nil, types.Structural(fmt.Errorf("no executor configured for store class %q", class))
	}
	return ex, nil
}
