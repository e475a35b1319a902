package validator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/migctl/pkg/driver"
	"github.com/cuemby/migctl/pkg/driver/bboltdriver"
	"github.com/cuemby/migctl/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysFail(msg string) validator.Check {
	return func(ctx context.Context, d driver.StoreDriver, conn driver.Conn) error {
		return errors.New(msg)
	}
}

func alwaysPass(ctx context.Context, d driver.StoreDriver, conn driver.Conn) error { return nil }

func TestRunPreCollectsEveryFailureRatherThanShortCircuiting(t *testing.T) {
	v := validator.New([]validator.Check{alwaysFail("check-a"), alwaysPass, alwaysFail("check-b")}, nil, nil)

	ctx := context.Background()
	d := bboltdriver.New(t.TempDir())
	conn, err := d.Open(ctx, "shard-1", "default")
	require.NoError(t, err)
	defer conn.Close()

	res := v.RunPre(ctx, d, conn)
	assert.False(t, res.OK())
	assert.Len(t, res.Failures, 2)
	assert.Error(t, res.AsError())
}

func TestRunPreAllPassingIsOK(t *testing.T) {
	v := validator.New([]validator.Check{alwaysPass, alwaysPass}, nil, nil)

	ctx := context.Background()
	d := bboltdriver.New(t.TempDir())
	conn, err := d.Open(ctx, "shard-1", "default")
	require.NoError(t, err)
	defer conn.Close()

	res := v.RunPre(ctx, d, conn)
	assert.True(t, res.OK())
	assert.NoError(t, res.AsError())
}

func TestHealthCheckReflectsDriverHealth(t *testing.T) {
	ctx := context.Background()
	d := bboltdriver.New(t.TempDir())
	conn, err := d.Open(ctx, "shard-1", "default")
	require.NoError(t, err)
	defer conn.Close()

	assert.NoError(t, validator.HealthCheck(ctx, d, conn))
}

func TestRunCrossAggregatesAcrossShards(t *testing.T) {
	ctx := context.Background()
	d := bboltdriver.New(t.TempDir())
	connA, err := d.Open(ctx, "shard-a", "default")
	require.NoError(t, err)
	defer connA.Close()
	connB, err := d.Open(ctx, "shard-b", "default")
	require.NoError(t, err)
	defer connB.Close()

	_, err = d.ApplyBatch(ctx, connA, []driver.Record{{ID: "1", Fields: map[string]any{}}})
	require.NoError(t, err)
	_, err = d.ApplyBatch(ctx, connB, []driver.Record{{ID: "2", Fields: map[string]any{}}, {ID: "3", Fields: map[string]any{}}})
	require.NoError(t, err)

	countsMatch := func(ctx context.Context, d driver.StoreDriver, conns map[string]driver.Conn) error {
		var total int
		for _, c := range conns {
			recs, _, err := d.StreamBatch(ctx, c, driver.End, 1000)
			if err != nil {
				return err
			}
			total += len(recs)
		}
		if total != 3 {
			return errors.New("expected 3 records across shards")
		}
		return nil
	}

	v := validator.New(nil, nil, []validator.CrossCheck{countsMatch})
	res := v.RunCross(ctx, d, map[string]driver.Conn{"shard-a": connA, "shard-b": connB})
	assert.True(t, res.OK())
}
