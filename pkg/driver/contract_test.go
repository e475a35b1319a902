package driver_test

import (
	"context"
	"testing"

	"github.com/cuemby/migctl/pkg/driver"
	"github.com/cuemby/migctl/pkg/driver/bboltdriver"
	"github.com/cuemby/migctl/pkg/driver/sqlitedriver"
	"github.com/cuemby/migctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// candidate pairs a StoreDriver with a subtest name so the shared
// contract suite below runs against both reference back-ends.
type candidate struct {
	name string
	drv  driver.StoreDriver
}

func candidates(t *testing.T) []candidate {
	t.Helper()
	return []candidate{
		{name: "bboltdriver", drv: bboltdriver.New(t.TempDir())},
		{name: "sqlitedriver", drv: sqlitedriver.New(t.TempDir())},
	}
}

func TestStoreDriverContract(t *testing.T) {
	ctx := context.Background()

	for _, cand := range candidates(t) {
		t.Run(cand.name, func(t *testing.T) {
			conn, err := cand.drv.Open(ctx, "shard-1", "default")
			require.NoError(t, err)
			defer conn.Close()

			step := &types.Step{ID: "create-table", PayloadRef: "default"}

			require.NoError(t, cand.drv.ApplySchema(ctx, conn, step))
			err = cand.drv.ApplySchema(ctx, conn, step)
			assert.ErrorIs(t, err, types.ErrAlreadyApplied, "second ApplySchema must report already-applied")

			records := []driver.Record{
				{ID: "rec-1", Fields: map[string]any{"payload": "a"}},
				{ID: "rec-2", Fields: map[string]any{"payload": "b"}},
			}
			n, err := cand.drv.ApplyBatch(ctx, conn, records)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			// Duplicate application (crash-replay) must be idempotent by id.
			n, err = cand.drv.ApplyBatch(ctx, conn, records)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			got, next, err := cand.drv.StreamBatch(ctx, conn, driver.End, 10)
			require.NoError(t, err)
			assert.Len(t, got, 2)
			assert.Equal(t, driver.End, next)

			assert.Equal(t, driver.HealthOK, cand.drv.Health(ctx, conn))
		})
	}
}

func TestTransactionalHonorsUnsupported(t *testing.T) {
	ctx := context.Background()
	d := bboltdriver.New(t.TempDir())
	conn, err := d.Open(ctx, "shard-1", "default")
	require.NoError(t, err)
	defer conn.Close()

	called := false
	err = driver.Transactional(ctx, d, conn, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestTransactionalCommitsOnSqlite(t *testing.T) {
	ctx := context.Background()
	d := sqlitedriver.New(t.TempDir())
	conn, err := d.Open(ctx, "shard-1", "default")
	require.NoError(t, err)
	defer conn.Close()

	err = driver.Transactional(ctx, d, conn, func() error {
		_, e := d.ApplyBatch(ctx, conn, []driver.Record{{ID: "x", Fields: map[string]any{"payload": "v"}}})
		return e
	})
	require.NoError(t, err)

	got, _, err := d.StreamBatch(ctx, conn, driver.End, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
