package lock

import (
	"time"

	"github.com/cuemby/migctl/pkg/metrics"
	"github.com/cuemby/migctl/pkg/types"
)

// reapGrace is added on top of a lock's own TTL before the reaper
// considers it abandoned, absorbing clock skew and scheduling jitter
// between renewal ticks.
const reapGrace = 10 * time.Second

// Reconciler periodically reaps stale locks: those held by a Migration
// that has reached a terminal state, and those whose lease has expired
// past TTL+grace with no renewal. Any process observing a stale lock
// may reap it.
type Reconciler struct {
	lockMgr      *Manager
	getMigration func(id string) (*types.Migration, error)
	stopCh       chan struct{}
}

// NewReconciler builds a reaper over lockMgr. getMigration resolves a
// lock's holder id to its Migration record so terminal migrations can
// be distinguished from ones still legitimately renewing.
func NewReconciler(lockMgr *Manager, getMigration func(id string) (*types.Migration, error)) *Reconciler {
	return &Reconciler{
		lockMgr:      lockMgr,
		getMigration: getMigration,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the reaping loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	r.lockMgr.logger.Info().Msg("lock reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				r.lockMgr.logger.Error().Err(err).Msg("lock reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.lockMgr.logger.Info().Msg("lock reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() error {
	locks, err := r.lockMgr.status.ListLocks()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, l := range locks {
		stale := now.After(l.ExpiresAt.Add(reapGrace))

		if !stale {
			if mig, err := r.getMigration(l.HolderID); err == nil && mig.State.Terminal() {
				stale = true
			}
		}

		if !stale {
			continue
		}

		r.lockMgr.logger.Info().
			Str("resource", l.Resource).
			Str("holder", l.HolderID).
			Msg("reaping stale lock")
		if err := r.lockMgr.status.ReapLock(l.Resource); err != nil {
			r.lockMgr.logger.Error().Err(err).Str("resource", l.Resource).Msg("failed to reap lock")
			continue
		}
		metrics.LocksReaped.Inc()
	}

	return nil
}
