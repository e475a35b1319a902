// Package status implements the Status Store: the durable, replicated,
// crash-atomic record of Migrations, ShardProgress, Locks and the
// event log. Mutations are replicated via Raft (github.com/hashicorp/raft
// + github.com/hashicorp/raft-boltdb) so any coordinator process may
// safely take over driving a
// Migration after a crash by CAS-claiming it. Reads are served straight
// from the local bbolt-backed Store, since Raft already guarantees the
// local copy reflects every committed write in order.
package status

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/migctl/pkg/log"
	"github.com/cuemby/migctl/pkg/metrics"
	"github.com/cuemby/migctl/pkg/storage"
	"github.com/cuemby/migctl/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Manager is the coordinator's handle onto the replicated Status Store.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft   *raft.Raft
	fsm    *FSM
	store  storage.Store
	logger zerolog.Logger
}

// Config configures a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager opens the local Store and wires an (unstarted) FSM over it.
// Call Bootstrap for a new single-node cluster or JoinExisting to attach to one
// a leader has already added this node's voter entry to.
func NewManager(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	return &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
		store:    store,
		logger:   log.WithComponent("status"),
	}, nil
}

func (m *Manager) newRaft() (*raft.Raft, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}
	return raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
}

// Bootstrap initializes a brand-new, single-node Raft cluster.
func (m *Manager) Bootstrap() error {
	r, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r

	cfg := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(m.nodeID), Address: raft.ServerAddress(m.bindAddr)}},
	}
	if err := m.raft.BootstrapCluster(cfg).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	m.logger.Info().Str("node_id", m.nodeID).Msg("status store bootstrapped")
	return nil
}

// JoinExisting starts Raft for a node that a cluster leader has already
// (or will shortly) add as a voter via AddVoter. There is no RPC join
// handshake here, that belongs to the admin surface; operators drive
// membership changes through migratectl talking to the leader's
// control API.
func (m *Manager) JoinExisting() error {
	r, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r
	return nil
}

// AddVoter adds a new coordinator to the Raft cluster. Only the leader
// may call this.
func (m *Manager) AddVoter(nodeID, address string) error {
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}
	return m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// IsLeader reports whether this Manager currently holds Raft leadership.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the current Raft leader's address.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// CurrentTerm returns this node's view of the current Raft term.
func (m *Manager) CurrentTerm() uint64 {
	if m.raft == nil {
		return 0
	}
	term, _ := strconv.ParseUint(m.raft.Stats()["term"], 10, 64)
	return term
}

// Stats exposes raw Raft statistics for the metrics collector.
func (m *Manager) Stats() map[string]string {
	if m.raft == nil {
		return nil
	}
	return m.raft.Stats()
}

// Shutdown stops Raft and closes the local Store.
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	return m.store.Close()
}

// apply marshals cmd, submits it to Raft, and unwraps the FSM's response
// into a plain error. Any error returned by the FSM.Apply switch comes
// back through future.Response(), not future.Error() (which only
// reports Raft-level replication failure).
func (m *Manager) apply(op string, payload any) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if m.raft == nil {
		return types.Fatal(fmt.Errorf("status store not started"))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}
	cmd := Command{Op: op, Data: data}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	future := m.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return types.Fatal(fmt.Errorf("raft apply %s: %w", op, err))
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// --- Migration writes ---

// CreateMigration admits a brand-new Migration record in state `created`.
func (m *Manager) CreateMigration(mig *types.Migration) error {
	return m.apply(opCreateMigration, mig)
}

// CASMigration replaces a Migration record, failing with ErrCASConflict
// if expectedVersion no longer matches the stored version. Leaving
// next.OwnerToken empty claims ownership using the committing log
// entry's (term, index).
func (m *Manager) CASMigration(expectedVersion uint64, next *types.Migration) error {
	return m.apply(opCASMigration, CASMigrationCmd{ExpectedVersion: expectedVersion, Migration: next})
}

// --- Progress writes ---

// UpsertProgress applies one ShardProgress delta. lockResource and
// fencingToken are the Lock the caller currently holds over the shard or
// collection this write belongs to; pass "" / 0 for writes that aren't
// under lock protection (e.g. a first pending-state seed before any
// lock exists yet).
func (m *Manager) UpsertProgress(key types.ProgressKey, status types.ShardProgressStatus, deltaItems int64, cursor string, totalItems *int64, stepErr string, lockResource string, fencingToken int64) error {
	return m.apply(opUpsertProgress, ProgressUpsertCmd{
		Key: key, Status: status, DeltaItems: deltaItems, Cursor: cursor,
		TotalItems: totalItems, Error: stepErr,
		LockResource: lockResource, FencingToken: fencingToken,
	})
}

// --- Lock writes ---

func (m *Manager) AcquireLock(resource, holderID string, ttl time.Duration) error {
	return m.apply(opAcquireLock, LockAcquireCmd{Resource: resource, HolderID: holderID, TTL: ttl})
}

func (m *Manager) RenewLock(resource, holderID string, fencingToken int64, ttl time.Duration) error {
	return m.apply(opRenewLock, LockRenewCmd{Resource: resource, HolderID: holderID, FencingToken: fencingToken, TTL: ttl})
}

func (m *Manager) ReleaseLock(resource, holderID string, fencingToken int64) error {
	return m.apply(opReleaseLock, LockReleaseCmd{Resource: resource, HolderID: holderID, FencingToken: fencingToken})
}

func (m *Manager) ReapLock(resource string) error {
	return m.apply(opReapLock, LockReapCmd{Resource: resource})
}

// --- Event writes ---

// AppendEvent appends e to the migration_history log.
func (m *Manager) AppendEvent(e *types.Event) error {
	return m.apply(opAppendEvent, e)
}

// --- Reads (served from the local replica) ---

func (m *Manager) GetMigration(id string) (*types.Migration, error)  { return m.store.GetMigration(id) }
func (m *Manager) ListMigrations() ([]*types.Migration, error)       { return m.store.ListMigrations() }
func (m *Manager) PutPlan(p *types.Plan) error                       { return m.store.PutPlan(p) }
func (m *Manager) GetPlan(requestID string) (*types.Plan, error)     { return m.store.GetPlan(requestID) }
func (m *Manager) GetProgress(key types.ProgressKey) (*types.ShardProgress, error) {
	return m.store.GetProgress(key)
}
func (m *Manager) ListProgress(migrationID string) ([]*types.ShardProgress, error) {
	return m.store.ListProgress(migrationID)
}
func (m *Manager) GetLock(resource string) (*types.Lock, error) { return m.store.GetLock(resource) }
func (m *Manager) ListLocks() ([]*types.Lock, error)            { return m.store.ListLocks() }
func (m *Manager) ListEvents(migrationID string) ([]*types.Event, error) {
	return m.store.ListEvents(migrationID)
}

// NodeID returns this Manager's Raft node id.
func (m *Manager) NodeID() string { return m.nodeID }
