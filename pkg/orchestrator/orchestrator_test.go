package orchestrator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/migctl/pkg/driver/bboltdriver"
	"github.com/cuemby/migctl/pkg/events"
	"github.com/cuemby/migctl/pkg/executor"
	"github.com/cuemby/migctl/pkg/lock"
	"github.com/cuemby/migctl/pkg/status"
	"github.com/cuemby/migctl/pkg/topology"
	"github.com/cuemby/migctl/pkg/types"
	"github.com/cuemby/migctl/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// testOrchestrator wires a full in-memory stack (real single-node Raft
// status store, bboltdriver as the only store class) the same way
// cmd/migrate-coordinator does, minus the HTTP metrics server.
func testOrchestrator(t *testing.T) *Orchestrator {
	return testOrchestratorWithShards(t, map[types.StoreClass][]string{
		types.StoreClassDocument: {"shard-1"},
	})
}

// testOrchestratorWithShards keeps the caller's shard map live inside
// the topology source, so a test can mutate it and Refresh to simulate
// a shard-set shift under a running migration.
func testOrchestratorWithShards(t *testing.T, shards map[types.StoreClass][]string) *Orchestrator {
	t.Helper()
	sm, err := status.NewManager(status.Config{NodeID: "test-node", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, sm.Bootstrap())
	t.Cleanup(func() { _ = sm.Shutdown() })
	require.Eventually(t, sm.IsLeader, 2*time.Second, 10*time.Millisecond, "single-node cluster never became leader")

	lm := lock.NewManager(sm)
	tp, err := topology.New(topology.NewStaticMapSource(shards))
	require.NoError(t, err)

	d := bboltdriver.New(t.TempDir())
	executors := map[types.StoreClass]*executor.Executor{
		types.StoreClassDocument: executor.New(sm, lm, d),
	}
	v := validator.New([]validator.Check{validator.HealthCheck}, []validator.Check{validator.HealthCheck}, nil)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(sm, lm, tp, executors, v, broker, Config{
		PerStoreClassParallelism: map[types.StoreClass]int{types.StoreClassDocument: 2},
		TickInterval:             time.Hour, // driven manually via reconcile() in tests
	})
}

func driveUntilTerminal(t *testing.T, o *Orchestrator, migID string, maxTicks int) *types.Migration {
	t.Helper()
	var mig *types.Migration
	for i := 0; i < maxTicks; i++ {
		require.NoError(t, o.reconcile())
		var err error
		mig, err = o.status.GetMigration(migID)
		require.NoError(t, err)
		if mig.State.Terminal() {
			return mig
		}
	}
	t.Fatalf("migration %s never reached a terminal state, last seen: %s", migID, mig.State)
	return nil
}

func TestSubmitThenReconcileDrivesMigrationToCompletion(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	req := &types.MigrationRequest{
		ID:         "req-1",
		Name:       "widen-column",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "schema", Kind: types.StepKindSchema, Scope: types.StepScopeAllShards, PayloadRef: "widgets"},
			{ID: "data", Kind: types.StepKindData, Scope: types.StepScopeAllShards, PayloadRef: "widgets",
				TransformerName: "identity", DependsOn: []string{"schema"}},
		},
	}

	mig, err := o.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationCreated, mig.State)

	final := driveUntilTerminal(t, o, mig.ID, 20)
	assert.Equal(t, types.MigrationCompleted, final.State)

	st, err := o.Status(ctx, mig.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, st.Events)
	seen := map[types.EventKind]int{}
	for _, e := range st.Events {
		seen[e.Kind]++
	}
	assert.Equal(t, 1, seen[types.EventCreated])
	assert.Equal(t, 1, seen[types.EventStarted])
	assert.Equal(t, 2, seen[types.EventStepStarted], "one step_started per step")
	assert.Equal(t, 2, seen[types.EventStepCompleted], "one step_completed per step")
	assert.Equal(t, 1, seen[types.EventCompleted])
}

func TestCancelRequestsCancellingAndReconcileFinishes(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	req := &types.MigrationRequest{
		ID:         "req-2",
		Name:       "cancel-me",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "schema", Kind: types.StepKindSchema, Scope: types.StepScopeAllShards, PayloadRef: "widgets"},
		},
	}
	mig, err := o.Submit(ctx, req)
	require.NoError(t, err)

	require.NoError(t, o.Cancel(ctx, mig.ID))
	got, err := o.status.GetMigration(mig.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationCancelling, got.State)

	final := driveUntilTerminal(t, o, mig.ID, 20)
	assert.Equal(t, types.MigrationCancelled, final.State)
}

func TestCancelOnTerminalMigrationIsNoOp(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	req := &types.MigrationRequest{ID: "req-3", Name: "already-done", StoreClass: types.StoreClassDocument}
	mig, err := o.Submit(ctx, req)
	require.NoError(t, err)

	final := driveUntilTerminal(t, o, mig.ID, 20)
	require.True(t, final.State.Terminal())

	require.NoError(t, o.Cancel(ctx, mig.ID))
	got, err := o.status.GetMigration(mig.ID)
	require.NoError(t, err)
	assert.Equal(t, final.State, got.State, "cancelling a terminal migration must not change its state")
}

func TestListReturnsSubmittedMigrations(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	_, err := o.Submit(ctx, &types.MigrationRequest{ID: "req-4", Name: "a", StoreClass: types.StoreClassDocument})
	require.NoError(t, err)
	_, err = o.Submit(ctx, &types.MigrationRequest{ID: "req-5", Name: "b", StoreClass: types.StoreClassDocument})
	require.NoError(t, err)

	migs, err := o.List(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(migs), 2)
}

func TestSubmitWithDuplicateIdempotencyKeyReturnsExisting(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	req := &types.MigrationRequest{
		ID: "req-6", Name: "once", StoreClass: types.StoreClassDocument,
		IdempotencyKey: "idem-1",
		Steps: []types.StepSpec{
			{ID: "schema", Kind: types.StepKindSchema, Scope: types.StepScopeAllShards, PayloadRef: "widgets"},
		},
	}
	first, err := o.Submit(ctx, req)
	require.NoError(t, err)

	retry := *req
	retry.ID = "req-6-retry"
	second, err := o.Submit(ctx, &retry)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "a duplicate idempotency key must not admit a second migration")

	migs, err := o.List(ctx)
	require.NoError(t, err)
	count := 0
	for _, m := range migs {
		if m.IdempotencyKey == "idem-1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestResubmittingTerminalRequestIDIsRejected(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	req := &types.MigrationRequest{ID: "req-7", Name: "one-shot", StoreClass: types.StoreClassDocument}
	mig, err := o.Submit(ctx, req)
	require.NoError(t, err)

	final := driveUntilTerminal(t, o, mig.ID, 20)
	require.True(t, final.State.Terminal())

	_, err = o.Submit(ctx, req)
	require.Error(t, err)
	assert.Equal(t, types.ClassStructural, types.ClassOf(err))
}

func TestMigrationWaitsForUpstreamRequests(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	upstream := &types.MigrationRequest{ID: "req-up", Name: "upstream", StoreClass: types.StoreClassDocument}
	downstream := &types.MigrationRequest{
		ID: "req-down", Name: "downstream", StoreClass: types.StoreClassDocument,
		DependsOn: []string{"req-up"},
	}

	down, err := o.Submit(ctx, downstream)
	require.NoError(t, err)

	// With the upstream request not yet completed, the downstream
	// migration must sit in created across ticks.
	for i := 0; i < 3; i++ {
		require.NoError(t, o.reconcile())
	}
	got, err := o.status.GetMigration(down.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationCreated, got.State)

	up, err := o.Submit(ctx, upstream)
	require.NoError(t, err)
	upFinal := driveUntilTerminal(t, o, up.ID, 20)
	require.Equal(t, types.MigrationCompleted, upFinal.State)

	downFinal := driveUntilTerminal(t, o, down.ID, 20)
	assert.Equal(t, types.MigrationCompleted, downFinal.State)
}

func TestDeadlineExpiryCancelsRunningMigration(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	req := &types.MigrationRequest{
		ID: "req-8", Name: "too-slow", StoreClass: types.StoreClassDocument,
		TimeoutSeconds: 1,
		Steps: []types.StepSpec{
			{ID: "schema", Kind: types.StepKindSchema, Scope: types.StepScopeAllShards, PayloadRef: "widgets"},
		},
	}
	mig, err := o.Submit(ctx, req)
	require.NoError(t, err)

	// Advance to running, then let the deadline lapse before the next
	// tick so expireDeadline fires ahead of stage dispatch.
	require.NoError(t, o.reconcile()) // created -> pending
	require.NoError(t, o.reconcile()) // pending -> running
	got, err := o.status.GetMigration(mig.ID)
	require.NoError(t, err)
	require.Equal(t, types.MigrationRunning, got.State)

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, o.reconcile())
	got, err = o.status.GetMigration(mig.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationCancelling, got.State)

	final := driveUntilTerminal(t, o, mig.ID, 20)
	assert.Equal(t, types.MigrationCancelled, final.State)
}

func TestTopologyShiftAbortsDispatch(t *testing.T) {
	shards := map[types.StoreClass][]string{types.StoreClassDocument: {"shard-1"}}
	o := testOrchestratorWithShards(t, shards)
	ctx := context.Background()

	req := &types.MigrationRequest{
		ID:         "req-topo",
		Name:       "shifted",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "schema", Kind: types.StepKindSchema, Scope: types.StepScopeAllShards, PayloadRef: "widgets"},
		},
	}
	mig, err := o.Submit(ctx, req)
	require.NoError(t, err)

	require.NoError(t, o.reconcile()) // created -> pending
	require.NoError(t, o.reconcile()) // pending -> running
	got, err := o.status.GetMigration(mig.ID)
	require.NoError(t, err)
	require.Equal(t, types.MigrationRunning, got.State)

	// A new shard appears between plan and execution.
	shards[types.StoreClassDocument] = append(shards[types.StoreClassDocument], "shard-2")
	_, err = o.topo.Refresh()
	require.NoError(t, err)

	require.NoError(t, o.reconcile())
	got, err = o.status.GetMigration(mig.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationFailing, got.State, "dispatch must abort on a pinned-version mismatch")
	assert.Contains(t, got.LastError, "topology")

	final := driveUntilTerminal(t, o, mig.ID, 20)
	assert.NotEqual(t, types.MigrationCompleted, final.State)
	assert.Contains(t, final.LastError, "topology")
}
