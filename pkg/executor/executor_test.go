package executor_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/migctl/pkg/driver"
	"github.com/cuemby/migctl/pkg/driver/bboltdriver"
	"github.com/cuemby/migctl/pkg/executor"
	"github.com/cuemby/migctl/pkg/lock"
	"github.com/cuemby/migctl/pkg/status"
	"github.com/cuemby/migctl/pkg/transform"
	"github.com/cuemby/migctl/pkg/types"
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

func bootstrappedManager(t *testing.T) *status.Manager {
	t.Helper()
	sm, err := status.NewManager(status.Config{NodeID: "test-node", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, sm.Bootstrap())
	t.Cleanup(func() { _ = sm.Shutdown() })
	require.Eventually(t, sm.IsLeader, 2*time.Second, 10*time.Millisecond, "single-node cluster never became leader")
	return sm
}

func seedBboltRecords(t *testing.T, d *bboltdriver.Driver, shard, collection string, n int) {
	t.Helper()
	ctx := context.Background()
	conn, err := d.Open(ctx, shard, collection)
	require.NoError(t, err)
	defer conn.Close()
	records := make([]driver.Record, n)
	for i := range records {
		records[i] = driver.Record{ID: recID(i), Fields: map[string]any{"payload": "v"}}
	}
	_, err = d.ApplyBatch(ctx, conn, records)
	require.NoError(t, err)
}

func recID(i int) string {
	return "rec-" + string(rune('a'+i))
}

func TestExecutorRunsSchemaStepIdempotently(t *testing.T) {
	ctx := context.Background()
	sm := bootstrappedManager(t)
	lm := lock.NewManager(sm)
	d := bboltdriver.New(t.TempDir())
	ex := executor.New(sm, lm, d)

	step := &types.Step{ID: "step-1", Kind: types.StepKindSchema, ShardID: "shard-1", PayloadRef: "widgets"}
	held, err := lm.Acquire("shard:shard-1", "mig-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, ex.Run(ctx, "mig-1", step, "shard:shard-1", held.FencingToken))

	progress, err := sm.GetProgress(types.ProgressKey{MigrationID: "mig-1", StepID: "step-1", ShardID: "shard-1"})
	require.NoError(t, err)
	assert.Equal(t, types.ShardCompleted, progress.Status)

	// Re-running the same step (e.g. a retried dispatch) must stay
	// idempotent: Run sees the completed progress record and succeeds
	// without applying the schema again.
	require.NoError(t, ex.Run(ctx, "mig-1", step, "shard:shard-1", held.FencingToken))
}

func TestExecutorDrivesDataStepToCompletionAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	sm := bootstrappedManager(t)
	lm := lock.NewManager(sm)
	d := bboltdriver.New(t.TempDir())
	ex := executor.New(sm, lm, d)

	seedBboltRecords(t, d, "shard-1", "messages", 5)

	step := &types.Step{ID: "step-2", Kind: types.StepKindData, ShardID: "shard-1", PayloadRef: "messages", TransformerName: "identity"}
	held, err := lm.Acquire("shard:shard-1", "mig-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, ex.Run(ctx, "mig-1", step, "shard:shard-1", held.FencingToken))

	progress, err := sm.GetProgress(types.ProgressKey{MigrationID: "mig-1", StepID: "step-2", ShardID: "shard-1"})
	require.NoError(t, err)
	assert.Equal(t, types.ShardCompleted, progress.Status)
	assert.Equal(t, int64(5), progress.ItemsProcessed, "items_processed must equal the source row count exactly")
}

func TestExecutorResumeAfterFinalBatchDoesNotRecount(t *testing.T) {
	ctx := context.Background()
	sm := bootstrappedManager(t)
	lm := lock.NewManager(sm)
	d := bboltdriver.New(t.TempDir())
	ex := executor.New(sm, lm, d)

	seedBboltRecords(t, d, "shard-1", "messages", 5)

	step := &types.Step{ID: "step-3", Kind: types.StepKindData, ShardID: "shard-1", PayloadRef: "messages", TransformerName: "identity"}
	held, err := lm.Acquire("shard:shard-1", "mig-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, ex.Run(ctx, "mig-2", step, "shard:shard-1", held.FencingToken))

	key := types.ProgressKey{MigrationID: "mig-2", StepID: "step-3", ShardID: "shard-1"}
	// Simulate a crash after the final batch's checkpoint but before the
	// completed status mark: wind the status back to running while the
	// checkpoint (and count) stay as committed.
	require.NoError(t, sm.UpsertProgress(key, types.ShardRunning, 0, "", nil, "", "shard:shard-1", held.FencingToken))

	require.NoError(t, ex.Run(ctx, "mig-2", step, "shard:shard-1", held.FencingToken))

	progress, err := sm.GetProgress(key)
	require.NoError(t, err)
	assert.Equal(t, types.ShardCompleted, progress.Status)
	assert.Equal(t, int64(5), progress.ItemsProcessed, "a resumed executor must not re-count the already-committed final batch")
}

func TestExecutorRollbackWithNoInverseIsUnrecoverable(t *testing.T) {
	ctx := context.Background()
	sm := bootstrappedManager(t)
	lm := lock.NewManager(sm)
	d := bboltdriver.New(t.TempDir())
	ex := executor.New(sm, lm, d)

	transform.Register("executor_test_no_inverse", transform.Identity, nil)

	step := &types.Step{ID: "step-3", Kind: types.StepKindData, ShardID: "shard-1", TransformerName: "executor_test_no_inverse"}
	held, err := lm.Acquire("shard:shard-1", "mig-1", time.Minute)
	require.NoError(t, err)

	err = ex.Rollback(ctx, "mig-1", step, "shard:shard-1", held.FencingToken)
	assert.ErrorIs(t, err, types.ErrUnrecoverable)
}

func TestExecutorRollbackFallsBackToRegisteredInverse(t *testing.T) {
	ctx := context.Background()
	sm := bootstrappedManager(t)
	lm := lock.NewManager(sm)
	d := bboltdriver.New(t.TempDir())
	ex := executor.New(sm, lm, d)

	transform.Register("executor_test_add", func(rec driver.Record) (driver.Record, error) {
		return rec, nil
	}, func(rec driver.Record) (driver.Record, error) {
		return rec, nil
	})

	seedBboltRecords(t, d, "shard-1", "messages", 2)

	step := &types.Step{ID: "step-4", Kind: types.StepKindData, ShardID: "shard-1", PayloadRef: "messages", TransformerName: "executor_test_add"}
	held, err := lm.Acquire("shard:shard-1", "mig-1", time.Minute)
	require.NoError(t, err)

	err = ex.Rollback(ctx, "mig-1", step, "shard:shard-1", held.FencingToken)
	assert.NoError(t, err)
}
