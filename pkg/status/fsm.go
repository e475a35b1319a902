package status

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/migctl/pkg/storage"
	"github.com/cuemby/migctl/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM implements the Raft finite state machine that replicates every
// Status Store mutation: Migration create/CAS, ShardProgress
// upsert, lock acquire/renew/release/reap, and event append. Every node
// applies committed entries one at a time in log order, so CAS checks
// here need nothing more than a version-field comparison; Raft already
// serializes concurrent proposals from any number of Executors.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM builds an FSM backed by store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Command is one state-change operation carried in a Raft log entry.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreateMigration = "create_migration"
	opCASMigration    = "cas_migration"
	opUpsertProgress  = "upsert_progress"
	opAcquireLock     = "acquire_lock"
	opRenewLock       = "renew_lock"
	opReleaseLock     = "release_lock"
	opReapLock        = "reap_lock"
	opAppendEvent     = "append_event"
)

// CASMigrationCmd carries a compare-and-swap write of a Migration record.
// ExpectedVersion must equal the stored record's Version (0 for a record
// that should not yet exist, handled by opCreateMigration instead).
type CASMigrationCmd struct {
	ExpectedVersion uint64           `json:"expected_version"`
	Migration       *types.Migration `json:"migration"`
}

// ProgressUpsertCmd carries one ShardProgress mutation. DeltaItems is
// added to the stored ItemsProcessed, which is monotonically
// non-decreasing (on resume it may only go up). Callers pass 0 when
// only Status/Cursor/Error change.
type ProgressUpsertCmd struct {
	Key          types.ProgressKey          `json:"key"`
	Status       types.ShardProgressStatus  `json:"status"`
	DeltaItems   int64                      `json:"delta_items"`
	Cursor       string                     `json:"cursor,omitempty"`
	TotalItems   *int64                     `json:"total_items,omitempty"`
	Error        string                     `json:"error,omitempty"`
	FencingToken int64                      `json:"fencing_token"`
	LockResource string                     `json:"lock_resource,omitempty"`
}

// LockAcquireCmd requests a new lease over Resource.
type LockAcquireCmd struct {
	Resource string        `json:"resource"`
	HolderID string        `json:"holder_id"`
	TTL      time.Duration `json:"ttl"`
}

// LockRenewCmd extends an existing lease's expiry, presenting the same
// fencing token the holder was granted.
type LockRenewCmd struct {
	Resource     string        `json:"resource"`
	HolderID     string        `json:"holder_id"`
	FencingToken int64         `json:"fencing_token"`
	TTL          time.Duration `json:"ttl"`
}

// LockReleaseCmd drops a lease the holder no longer needs.
type LockReleaseCmd struct {
	Resource     string `json:"resource"`
	HolderID     string `json:"holder_id"`
	FencingToken int64  `json:"fencing_token"`
}

// LockReapCmd forcibly drops a lease whose holder is terminal or expired
// past TTL+grace; any process observing the stale lease may issue it.
type LockReapCmd struct {
	Resource string `json:"resource"`
}

// Apply applies one committed Raft log entry to the Store.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreateMigration:
		var m types.Migration
		if err := json.Unmarshal(cmd.Data, &m); err != nil {
			return err
		}
		if _, err := f.store.GetMigration(m.ID); err == nil {
			return fmt.Errorf("create migration %s: %w", m.ID, types.ErrCASConflict)
		}
		m.Version = 1
		return f.store.PutMigration(&m)

	case opCASMigration:
		var c CASMigrationCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.applyCASMigration(&c, log)

	case opUpsertProgress:
		var c ProgressUpsertCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.applyUpsertProgress(&c)

	case opAcquireLock:
		var c LockAcquireCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.applyAcquireLock(&c)

	case opRenewLock:
		var c LockRenewCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.applyRenewLock(&c)

	case opReleaseLock:
		var c LockReleaseCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.applyReleaseLock(&c)

	case opReapLock:
		var c LockReapCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.DeleteLock(c.Resource)

	case opAppendEvent:
		var e types.Event
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		return f.store.AppendEvent(&e)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (f *FSM) applyCASMigration(c *CASMigrationCmd, log *raft.Log) error {
	current, err := f.store.GetMigration(c.Migration.ID)
	if err != nil {
		return err
	}
	if current.Version != c.ExpectedVersion {
		return fmt.Errorf("migration %s at version %d, expected %d: %w",
			c.Migration.ID, current.Version, c.ExpectedVersion, types.ErrCASConflict)
	}
	next := *c.Migration
	next.Version = current.Version + 1
	// AggregateProcessed is owned by the progress-upsert path; carry the
	// stored value forward so a CAS from a staler read can't wind the
	// counter back.
	next.AggregateProcessed = current.AggregateProcessed
	if next.OwnerToken == "" {
		// Claiming ownership: the committed log entry's (term, index)
		// is itself the monotonic owner_token marker.
		next.OwnerToken = OwnerToken(log.Term, log.Index)
	}
	return f.store.PutMigration(&next)
}

func (f *FSM) applyUpsertProgress(c *ProgressUpsertCmd) error {
	if err := f.checkFencingToken(c.LockResource, c.FencingToken); err != nil {
		return err
	}

	existing, err := f.store.GetProgress(c.Key)
	notFound := err != nil
	if !notFound && c.DeltaItems < 0 {
		return fmt.Errorf("negative item delta %d for %+v: items_processed must be monotonic", c.DeltaItems, c.Key)
	}

	p := &types.ShardProgress{ProgressKey: c.Key}
	if !notFound {
		p = existing
	}

	// Credit the delta only when the write advances the checkpoint. A
	// duplicate of an already-recorded batch (an at-least-once replay
	// after a crash or a retried apply whose first attempt committed)
	// carries the cursor the record already sits at, so its rows were
	// counted the first time and must not count again.
	delta := c.DeltaItems
	if delta > 0 && c.Cursor != "" && !notFound && existing.LastCheckpoint == c.Cursor {
		delta = 0
	}

	p.Status = c.Status
	p.ItemsProcessed += delta
	if c.Cursor != "" {
		p.LastCheckpoint = c.Cursor
	}
	if c.TotalItems != nil {
		p.TotalItems = c.TotalItems
	}
	p.Error = c.Error
	now := time.Now()
	if p.StartedAt.IsZero() && c.Status == types.ShardRunning {
		p.StartedAt = now
	}
	if c.Status == types.ShardCompleted || c.Status == types.ShardFailed || c.Status == types.ShardSkipped {
		p.EndedAt = now
	}
	p.Version++
	if err := f.store.PutProgress(p); err != nil {
		return err
	}

	// Keep the Migration's aggregate counter equal to the sum of its
	// per-shard counts. This rides the same log entry as the progress
	// write, so the two never diverge on crash, and it uses the same
	// deduped delta so replays don't over-count either side.
	if delta > 0 {
		if mig, err := f.store.GetMigration(c.Key.MigrationID); err == nil {
			mig.AggregateProcessed += delta
			if err := f.store.PutMigration(mig); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkFencingToken rejects a write whose token is not at least as
// large as the current holder's granted token for resource;
// stale-token writes are rejected. An empty resource, or a resource
// with no lock currently held, means the write isn't under lock
// protection and is let through; a zero token against a held lock is
// rejected like any other stale token.
func (f *FSM) checkFencingToken(resource string, token int64) error {
	if resource == "" {
		return nil
	}
	lock, err := f.store.GetLock(resource)
	if err != nil {
		return nil // no lock held; nothing to fence against
	}
	if token < lock.FencingToken {
		return fmt.Errorf("token %d for %s, current %d: %w", token, resource, lock.FencingToken, types.ErrStaleFencingToken)
	}
	return nil
}

func (f *FSM) applyAcquireLock(c *LockAcquireCmd) error {
	if existing, err := f.store.GetLock(c.Resource); err == nil {
		if existing.HolderID != c.HolderID && time.Now().Before(existing.ExpiresAt) {
			return types.ErrLockBusy
		}
	}
	token, err := f.store.NextFencingToken(c.Resource)
	if err != nil {
		return err
	}
	now := time.Now()
	return f.store.PutLock(&types.Lock{
		Resource:     c.Resource,
		HolderID:     c.HolderID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(c.TTL),
		FencingToken: token,
	})
}

func (f *FSM) applyRenewLock(c *LockRenewCmd) error {
	existing, err := f.store.GetLock(c.Resource)
	if err != nil {
		return err
	}
	if existing.HolderID != c.HolderID || c.FencingToken < existing.FencingToken {
		return types.ErrStaleFencingToken
	}
	existing.ExpiresAt = time.Now().Add(c.TTL)
	return f.store.PutLock(existing)
}

func (f *FSM) applyReleaseLock(c *LockReleaseCmd) error {
	existing, err := f.store.GetLock(c.Resource)
	if err != nil {
		return nil // already gone
	}
	if existing.HolderID != c.HolderID || c.FencingToken < existing.FencingToken {
		return types.ErrStaleFencingToken
	}
	return f.store.DeleteLock(c.Resource)
}

// Snapshot captures the full Store contents for Raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	migrations, err := f.store.ListMigrations()
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	locks, err := f.store.ListLocks()
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	var progress []*types.ShardProgress
	var events []*types.Event
	for _, m := range migrations {
		p, err := f.store.ListProgress(m.ID)
		if err != nil {
			return nil, fmt.Errorf("list progress for %s: %w", m.ID, err)
		}
		progress = append(progress, p...)
		e, err := f.store.ListEvents(m.ID)
		if err != nil {
			return nil, fmt.Errorf("list events for %s: %w", m.ID, err)
		}
		events = append(events, e...)
	}

	return &fsmSnapshot{
		Migrations: migrations,
		Progress:   progress,
		Locks:      locks,
		Events:     events,
	}, nil
}

// Restore replaces the Store's contents with a prior snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range snap.Migrations {
		if err := f.store.PutMigration(m); err != nil {
			return fmt.Errorf("restore migration %s: %w", m.ID, err)
		}
	}
	for _, p := range snap.Progress {
		if err := f.store.PutProgress(p); err != nil {
			return fmt.Errorf("restore progress: %w", err)
		}
	}
	for _, l := range snap.Locks {
		if err := f.store.PutLock(l); err != nil {
			return fmt.Errorf("restore lock %s: %w", l.Resource, err)
		}
	}
	for _, e := range snap.Events {
		if err := f.store.AppendEvent(e); err != nil {
			return fmt.Errorf("restore event: %w", err)
		}
	}
	return nil
}

type fsmSnapshot struct {
	Migrations []*types.Migration      `json:"migrations"`
	Progress   []*types.ShardProgress  `json:"progress"`
	Locks      []*types.Lock           `json:"locks"`
	Events     []*types.Event          `json:"events"`
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) (err error) {
	defer func() {
		if err != nil {
			sink.Cancel()
			return
		}
	}()
	if err = json.NewEncoder(sink).Encode(s); err != nil {
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
