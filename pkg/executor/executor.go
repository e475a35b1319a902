// Package executor runs one Step of a Plan against its target shard:
// schema steps call StoreDriver.ApplySchema once; data steps drive a
// batchpump.Pump to exhaustion, checkpointing ShardProgress after every
// batch so a crash can resume from the last committed cursor instead of
// restarting the shard from scratch.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cuemby/migctl/pkg/batchpump"
	"github.com/cuemby/migctl/pkg/driver"
	"github.com/cuemby/migctl/pkg/lock"
	"github.com/cuemby/migctl/pkg/log"
	"github.com/cuemby/migctl/pkg/metrics"
	"github.com/cuemby/migctl/pkg/status"
	"github.com/cuemby/migctl/pkg/transform"
	"github.com/cuemby/migctl/pkg/types"
)

// transientAttemptLimit bounds how many times a transient failure is
// retried locally before it is promoted to a step failure.
// Contention gets a shorter cap and backoff since lock/CAS
// disputes are expected to clear faster than a back-end outage.
const (
	transientAttemptLimit  = 5
	contentionAttemptLimit = 3

	backoffBase = 200 * time.Millisecond
	backoffCap  = 10 * time.Second
)

// endCheckpoint is recorded as LastCheckpoint once a shard's source is
// fully streamed. driver.End itself is the empty cursor, which a
// checkpoint write would silently drop; persisting a real marker lets
// a resume after a crash between the final batch's checkpoint and the
// completed status mark skip the stream instead of replaying (and
// re-counting) the final batch.
const endCheckpoint = "__end__"

// Executor drives a single Step on a single shard.
type Executor struct {
	status  *status.Manager
	lockMgr *lock.Manager
	driver  driver.StoreDriver

	// Events, when set, receives a progress event after each committed
	// batch. The Orchestrator wires this to its own event path so batch
	// progress reaches the event log and the bus alongside the
	// lifecycle events it emits itself.
	Events func(migrationID string, kind types.EventKind, payload map[string]string)
}

// New builds an Executor over the given StoreDriver, using sm and lm
// for checkpointing and fencing.
func New(sm *status.Manager, lm *lock.Manager, d driver.StoreDriver) *Executor {
	return &Executor{status: sm, lockMgr: lm, driver: d}
}

// Driver returns the StoreDriver this Executor runs steps against, for
// callers (the Orchestrator's validation and cross-shard checks) that
// need a connection without going through Run.
func (e *Executor) Driver() driver.StoreDriver { return e.driver }

// Run executes step against migrationID, under the lock the caller
// already acquired (lockResource/fencingToken). It checkpoints
// ShardProgress after every unit of work so a takeover coordinator can
// resume from LastCheckpoint.
func (e *Executor) Run(ctx context.Context, migrationID string, step *types.Step, lockResource string, fencingToken int64) error {
	logger := log.WithStepID(step.ID)
	key := types.ProgressKey{MigrationID: migrationID, StepID: step.ID, ShardID: step.ShardID}

	if existing, err := e.status.GetProgress(key); err == nil {
		if existing.Status == types.ShardCompleted || existing.Status == types.ShardSkipped {
			return nil
		}
	}

	if err := e.status.UpsertProgress(key, types.ShardRunning, 0, "", nil, "", lockResource, fencingToken); err != nil {
		return fmt.Errorf("seed progress: %w", err)
	}

	metrics.ExecutorsDispatched.Inc()

	err := e.runWithRetry(ctx, step, func() error {
		return e.attemptStep(ctx, migrationID, step, lockResource, fencingToken)
	})
	if err != nil {
		metrics.ExecutorsFailed.Inc()
		return e.fail(key, lockResource, fencingToken, err)
	}

	logger.Info().Str("shard", step.ShardID).Msg("step completed")
	return e.status.UpsertProgress(key, types.ShardCompleted, 0, "", nil, "", lockResource, fencingToken)
}

func (e *Executor) attemptStep(ctx context.Context, migrationID string, step *types.Step, lockResource string, fencingToken int64) error {
	conn, err := e.driver.Open(ctx, step.ShardID, step.PayloadRef)
	if err != nil {
		return types.Transient(step.ID, step.ShardID, fmt.Errorf("open shard %s: %w", step.ShardID, err))
	}
	defer conn.Close()

	switch step.Kind {
	case types.StepKindSchema:
		return e.runSchema(ctx, conn, step)
	case types.StepKindData:
		return e.runData(ctx, conn, migrationID, step, lockResource, fencingToken)
	default:
		return types.Structural(fmt.Errorf("unknown step kind %q", step.Kind))
	}
}

// runWithRetry invokes attempt, retrying locally on a transient or
// contention classified error with exponential backoff and jitter.
// Logical, structural and fatal errors surface immediately;
// a retryable error that exhausts its attempt limit surfaces as-is so
// the Orchestrator sees the same classified error it would have seen
// without retry.
func (e *Executor) runWithRetry(ctx context.Context, step *types.Step, attempt func() error) error {
	var err error
	for n := 0; ; n++ {
		err = attempt()
		if err == nil {
			return nil
		}

		class := types.ClassOf(err)
		var limit int
		switch class {
		case types.ClassTransient:
			limit = transientAttemptLimit
		case types.ClassContention:
			limit = contentionAttemptLimit
		default:
			return err
		}
		if n >= limit-1 {
			return err
		}

		delay := backoffDelay(n)
		if class == types.ClassContention {
			delay /= 2
		}
		stepLog := log.WithStepID(step.ID)
		stepLog.Warn().Err(err).Int("attempt", n+1).Dur("backoff", delay).
			Str("class", string(class)).Msg("retrying step locally")
		select {
		case <-ctx.Done():
			return types.Transient(step.ID, step.ShardID, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns attempt n's delay: base*2^n capped, plus up to
// 20% jitter so concurrently retrying steps don't thunder back in
// lockstep.
func backoffDelay(n int) time.Duration {
	d := backoffBase << uint(n)
	if d <= 0 || d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

func (e *Executor) fail(key types.ProgressKey, lockResource string, fencingToken int64, cause error) error {
	_ = e.status.UpsertProgress(key, types.ShardFailed, 0, "", nil, cause.Error(), lockResource, fencingToken)
	return cause
}

func (e *Executor) runSchema(ctx context.Context, conn driver.Conn, step *types.Step) error {
	err := e.driver.ApplySchema(ctx, conn, step)
	if err == types.ErrAlreadyApplied {
		return nil
	}
	if err != nil {
		return types.Logical(step.ID, step.ShardID, fmt.Errorf("apply schema: %w", err))
	}
	return nil
}

func (e *Executor) runData(ctx context.Context, conn driver.Conn, migrationID string, step *types.Step, lockResource string, fencingToken int64) error {
	key := types.ProgressKey{MigrationID: migrationID, StepID: step.ID, ShardID: step.ShardID}

	existing, err := e.status.GetProgress(key)
	cursor := driver.Cursor("")
	if err == nil {
		if existing.LastCheckpoint == endCheckpoint {
			return nil // source fully streamed before the crash
		}
		cursor = driver.Cursor(existing.LastCheckpoint)
	}

	pump := batchpump.New(e.driver, e.driver, conn, conn, batchpump.DefaultBounds, 0, step.ShardID)

	for {
		select {
		case <-ctx.Done():
			return types.Transient(step.ID, step.ShardID, ctx.Err())
		default:
		}

		progress, err := pump.Pump(ctx, cursor, step.TransformerName)
		if err != nil {
			return err
		}

		checkpoint := string(progress.NextCursor)
		if progress.Done {
			checkpoint = endCheckpoint
		}
		if err := e.status.UpsertProgress(key, types.ShardRunning, int64(progress.Applied), checkpoint, nil, "", lockResource, fencingToken); err != nil {
			return fmt.Errorf("checkpoint progress: %w", err)
		}
		if e.Events != nil && progress.Applied > 0 {
			e.Events(migrationID, types.EventProgress, map[string]string{
				"step_id":  step.ID,
				"shard_id": step.ShardID,
				"applied":  fmt.Sprintf("%d", progress.Applied),
			})
		}

		cursor = progress.NextCursor
		if progress.Done {
			return nil
		}

		// Yield between batches so a long-running step never starves
		// the coordinator's other cooperative work.
		select {
		case <-ctx.Done():
			return types.Transient(step.ID, step.ShardID, ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

// Rollback invokes step's compensating action: either the registered
// inverse transformation replayed over the already-applied records, or
// (for schema steps) the driver's own down-migration. If neither is
// available it returns types.ErrUnrecoverable and leaves the shard
// as is.
func (e *Executor) Rollback(ctx context.Context, migrationID string, step *types.Step, lockResource string, fencingToken int64) error {
	conn, err := e.driver.Open(ctx, step.ShardID, step.PayloadRef)
	if err != nil {
		return types.Transient(step.ID, step.ShardID, err)
	}
	defer conn.Close()

	if step.Kind == types.StepKindSchema {
		// Schema compensations are store-native down-migrations: a
		// second ApplySchema call against the down counterpart's
		// payload, not a replay of the step itself.
		if step.InverseName == "" {
			return types.ErrUnrecoverable
		}
		down := *step
		down.ID = step.ID + ":down"
		down.PayloadRef = step.InverseName
		return e.runSchema(ctx, conn, &down)
	}

	xform, ok := e.resolveInverse(step)
	if !ok {
		return types.ErrUnrecoverable
	}

	key := types.ProgressKey{MigrationID: migrationID, StepID: step.ID, ShardID: step.ShardID}
	pump := batchpump.New(e.driver, e.driver, conn, conn, batchpump.DefaultBounds, 0, step.ShardID)
	cursor := driver.Cursor("")
	for {
		progress, err := pump.PumpWithFunc(ctx, cursor, xform)
		if err != nil {
			return err
		}
		cursor = progress.NextCursor
		if err := e.status.UpsertProgress(key, types.ShardRunning, 0, string(cursor), nil, "", lockResource, fencingToken); err != nil {
			return err
		}
		if progress.Done {
			return nil
		}
	}
}

// resolveInverse finds step's compensating data transform: an
// explicitly named inverse transformer takes precedence, falling back
// to the inverse registered alongside the step's own transformer in
// the same Register call.
func (e *Executor) resolveInverse(step *types.Step) (transform.Func, bool) {
	if step.InverseName != "" {
		fn, err := transform.Lookup(step.InverseName)
		if err == nil {
			return fn, true
		}
	}
	return transform.Inverse(step.TransformerName)
}
