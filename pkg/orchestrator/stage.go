package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/migctl/pkg/driver"
	"github.com/cuemby/migctl/pkg/metrics"
	"github.com/cuemby/migctl/pkg/types"
)

// acquireLocksAndValidate acquires the collection lock and every shard
// lock the Plan touches, then runs pre-admission validation before
// letting the Migration start executing. Acquisition is non-blocking:
// lock contention is retried on the next tick rather than blocking
// this call.
func (o *Orchestrator) acquireLocksAndValidate(ctx context.Context, mig *types.Migration) error {
	plan, err := o.plan(mig)
	if err != nil {
		return err
	}

	if _, err := o.lockMgr.Acquire(collectionResource(mig.Name), mig.ID, o.cfg.LockTTL); err != nil {
		if err == types.ErrLockBusy {
			return nil // retry on next tick
		}
		return err
	}
	for _, shardID := range distinctShards(plan) {
		if _, err := o.lockMgr.Acquire(shardResource(shardID), mig.ID, o.cfg.LockTTL); err != nil {
			if err == types.ErrLockBusy {
				return nil // retry on next tick
			}
			return err
		}
	}

	if len(plan.Stages) == 0 {
		return o.transitionTo(mig, types.MigrationRunning)
	}

	var firstStep *types.Step
	for _, id := range plan.Stages[0] {
		firstStep = plan.Steps[id]
		break
	}
	if firstStep != nil {
		if ex, err := o.executorFor(firstStep.StoreClass); err == nil {
			if conn, openErr := ex.Driver().Open(ctx, firstStep.ShardID, firstStep.PayloadRef); openErr == nil {
				res := o.validator.RunPre(ctx, ex.Driver(), conn)
				conn.Close()
				if !res.OK() {
					return o.failMigration(mig, res.AsError())
				}
			}
		}
	}

	return o.transitionTo(mig, types.MigrationRunning)
}

// driveStage dispatches every step in the Migration's current stage
// concurrently, bounded by the per-store-class semaphore, and advances
// CurrentStage (or moves to validating) once the whole stage finishes
// cleanly.
func (o *Orchestrator) driveStage(ctx context.Context, mig *types.Migration) error {
	plan, err := o.plan(mig)
	if err != nil {
		return err
	}
	// Abort dispatch if the shard set shifted since the Plan was built;
	// the resolution is a manual re-plan against the new topology.
	if err := o.topo.ValidateVersion(plan.TopologyVersion); err != nil {
		return o.failMigration(mig, err)
	}
	if mig.CurrentStage >= len(plan.Stages) {
		return o.transitionTo(mig, types.MigrationValidating)
	}

	// Dispatch highest estimated cost first: the semaphore hands slots
	// out in queue order, so the longest-running steps start earliest
	// and the stage's critical path is not left for last.
	stage := append([]string(nil), plan.Stages[mig.CurrentStage]...)
	sort.SliceStable(stage, func(i, j int) bool {
		return plan.Steps[stage[i]].EstimatedItems > plan.Steps[stage[j]].EstimatedItems
	})

	var wg sync.WaitGroup
	errCh := make(chan error, len(stage))

	for _, stepID := range stage {
		step := plan.Steps[stepID]
		ex, err := o.executorFor(step.StoreClass)
		if err != nil {
			return o.failMigration(mig, err)
		}

		sem := o.sem[step.StoreClass]
		wg.Add(1)
		go func(step *types.Step) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}

			held, err := o.lockMgr.Acquire(shardResource(step.ShardID), mig.ID, o.cfg.LockTTL)
			if err != nil {
				if err == types.ErrLockBusy {
					errCh <- types.Contention(step.ID, step.ShardID, err)
					return
				}
				errCh <- fmt.Errorf("step %s: acquire shard lock: %w", step.ID, err)
				return
			}

			o.emit(mig.ID, types.EventStepStarted, map[string]string{"step_id": step.ID, "shard_id": step.ShardID})

			runCtx := ctx
			if step.TimeoutSeconds > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
				defer cancel()
			}

			timer := metrics.NewTimer()
			if err := ex.Run(runCtx, mig.ID, step, step.ShardID, held.FencingToken); err != nil {
				errCh <- err
				return
			}
			timer.ObserveDurationVec(metrics.StageDuration, string(step.Kind))

			// Per-shard post-step validation: the Validator's
			// configured post-step checks, run against the step's own
			// shard/collection immediately after it completes, not
			// deferred to the final cross-shard pass. The validator
			// package ships no count-delta or sampled-correctness
			// check; the coordinator configures only HealthCheck.
			if conn, openErr := ex.Driver().Open(ctx, step.ShardID, step.PayloadRef); openErr == nil {
				res := o.validator.RunPost(ctx, ex.Driver(), conn)
				conn.Close()
				if !res.OK() {
					errCh <- res.AsError()
					return
				}
			}

			o.emit(mig.ID, types.EventStepCompleted, map[string]string{"step_id": step.ID, "shard_id": step.ShardID})
		}(step)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if types.ClassOf(err) == types.ClassContention {
			return nil // retry this stage next tick
		}
		// A step that ran out its own deadline behaves like an external
		// cancel of the whole Migration, not a plain step failure.
		if errors.Is(err, context.DeadlineExceeded) {
			return o.transitionTo(mig, types.MigrationCancelling)
		}
		return o.failMigration(mig, err)
	}

	updated := *mig
	updated.CurrentStage++
	if updated.CurrentStage >= len(plan.Stages) {
		updated.State = types.MigrationValidating
	}
	return o.status.CASMigration(mig.Version, &updated)
}

// runFinalValidation opens one connection per (store class, shard)
// pair touched by the Plan, runs the validator's cross-shard checks
// over them, and moves the Migration to completed or failing.
func (o *Orchestrator) runFinalValidation(ctx context.Context, mig *types.Migration) error {
	plan, err := o.plan(mig)
	if err != nil {
		return err
	}

	// shardCollection tracks, per store class and shard, the
	// collection/table the Plan's steps target there (last write
	// wins when a shard hosts more than one step) so the cross-shard
	// Conn opened below reads the same collection the steps wrote.
	shardsByClass := map[types.StoreClass]map[string]struct{}{}
	shardCollection := map[types.StoreClass]map[string]string{}
	for _, step := range plan.Steps {
		if shardsByClass[step.StoreClass] == nil {
			shardsByClass[step.StoreClass] = map[string]struct{}{}
			shardCollection[step.StoreClass] = map[string]string{}
		}
		shardsByClass[step.StoreClass][step.ShardID] = struct{}{}
		shardCollection[step.StoreClass][step.ShardID] = step.PayloadRef
	}

	for class, shards := range shardsByClass {
		ex, err := o.executorFor(class)
		if err != nil {
			continue
		}
		conns := map[string]driver.Conn{}
		for shardID := range shards {
			conn, err := ex.Driver().Open(ctx, shardID, shardCollection[class][shardID])
			if err != nil {
				continue
			}
			conns[shardID] = conn
		}
		res := o.validator.RunCross(ctx, ex.Driver(), conns)
		for _, conn := range conns {
			conn.Close()
		}
		if !res.OK() {
			o.emit(mig.ID, types.EventValidationFailed, map[string]string{"error": res.AsError().Error()})
			return o.failMigration(mig, res.AsError())
		}
	}

	updated := *mig
	updated.State = types.MigrationCompleted
	updated.EndedAt = time.Now()
	if err := o.status.CASMigration(mig.Version, &updated); err != nil {
		return err
	}
	o.releaseLocks(mig)
	o.emit(mig.ID, types.EventCompleted, nil)
	metrics.MigrationDuration.WithLabelValues("completed").Observe(updated.EndedAt.Sub(updated.StartedAt).Seconds())
	return nil
}

func (o *Orchestrator) beginRollbackOrFinish(ctx context.Context, mig *types.Migration) error {
	// An external cancel never compensates: by the time the Migration is
	// in cancelling, every in-flight executor has run its current batch
	// to the commit boundary and no new work is being dispatched, so
	// completed work stays in place and the Migration finalizes.
	if mig.State == types.MigrationCancelling {
		updated := *mig
		updated.State = types.MigrationCancelled
		updated.EndedAt = time.Now()
		if err := o.status.CASMigration(mig.Version, &updated); err != nil {
			return err
		}
		o.releaseLocks(mig)
		o.emit(mig.ID, types.EventCancelled, nil)
		return nil
	}

	if mig.RollbackPolicy == types.RollbackPolicyHalt {
		updated := *mig
		updated.State = types.MigrationFailed
		updated.EndedAt = time.Now()
		if err := o.status.CASMigration(mig.Version, &updated); err != nil {
			return err
		}
		o.releaseLocks(mig)
		// The failed event was already emitted when the Migration
		// entered failing.
		return nil
	}
	return o.transitionTo(mig, types.MigrationRollingBack)
}

// driveRollback invokes each successfully completed step's compensating
// action in reverse completion order. A step with neither
// a registered inverse nor a native down-migration is recorded as
// unrecoverable; its lock is kept for operator acknowledgement instead
// of being released.
func (o *Orchestrator) driveRollback(ctx context.Context, mig *types.Migration) error {
	plan, err := o.plan(mig)
	if err != nil {
		return err
	}
	progress, err := o.status.ListProgress(mig.ID)
	if err != nil {
		return err
	}

	completed := make([]*types.ShardProgress, 0, len(progress))
	for _, p := range progress {
		if p.Status == types.ShardCompleted {
			completed = append(completed, p)
		}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].EndedAt.After(completed[j].EndedAt) })

	var unrecoverable []string
	for _, p := range completed {
		step, ok := plan.Steps[p.StepID]
		if !ok {
			continue
		}
		ex, err := o.executorFor(step.StoreClass)
		if err != nil {
			unrecoverable = append(unrecoverable, step.ID)
			continue
		}
		held, err := o.lockMgr.Acquire(shardResource(step.ShardID), mig.ID, o.cfg.LockTTL)
		if err != nil {
			continue // retry next tick
		}
		if err := ex.Rollback(ctx, mig.ID, step, step.ShardID, held.FencingToken); err != nil {
			if err == types.ErrUnrecoverable {
				unrecoverable = append(unrecoverable, step.ID)
				continue
			}
			return nil // transient rollback failure, retry next tick
		}
	}

	updated := *mig
	updated.EndedAt = time.Now()
	updated.UnrecoverableSteps = unrecoverable
	if len(unrecoverable) > 0 {
		updated.State = types.MigrationFailed
	} else {
		updated.State = types.MigrationRolledBack
	}
	if err := o.status.CASMigration(mig.Version, &updated); err != nil {
		return err
	}

	if len(unrecoverable) == 0 {
		o.releaseLocks(mig)
	}
	kind := types.EventRolledBack
	if updated.State == types.MigrationFailed {
		kind = types.EventFailed
	}
	o.emit(mig.ID, kind, nil)
	return nil
}

func (o *Orchestrator) failMigration(mig *types.Migration, cause error) error {
	updated := *mig
	updated.State = types.MigrationFailing
	updated.LastError = cause.Error()
	if err := o.status.CASMigration(mig.Version, &updated); err != nil {
		return err
	}
	o.emit(mig.ID, types.EventFailed, map[string]string{"error": cause.Error()})
	return nil
}

func (o *Orchestrator) releaseLocks(mig *types.Migration) {
	locks, err := o.status.ListLocks()
	if err != nil {
		return
	}
	for _, l := range locks {
		if l.HolderID == mig.ID {
			_ = o.lockMgr.Release(l.Resource, mig.ID, l.FencingToken)
		}
	}
}

func collectionResource(name string) string { return "collection:" + name }
func shardResource(shardID string) string   { return "shard:" + shardID }

func distinctShards(plan *types.Plan) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, step := range plan.Steps {
		if _, ok := seen[step.ShardID]; !ok {
			seen[step.ShardID] = struct{}{}
			out = append(out, step.ShardID)
		}
	}
	sort.Strings(out)
	return out
}
