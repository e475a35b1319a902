package transform_test

import (
	"errors"
	"testing"

	"github.com/cuemby/migctl/pkg/driver"
	"github.com/cuemby/migctl/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addVersion(rec driver.Record) (driver.Record, error) {
	out := driver.Record{ID: rec.ID, Fields: map[string]any{}}
	for k, v := range rec.Fields {
		out.Fields[k] = v
	}
	out.Fields["version"] = 2
	return out, nil
}

func removeVersion(rec driver.Record) (driver.Record, error) {
	out := driver.Record{ID: rec.ID, Fields: map[string]any{}}
	for k, v := range rec.Fields {
		if k == "version" {
			continue
		}
		out.Fields[k] = v
	}
	return out, nil
}

func TestIdentityIsRegisteredAtInit(t *testing.T) {
	assert.True(t, transform.Exists("identity"))
	fn, err := transform.Lookup("identity")
	require.NoError(t, err)
	rec := driver.Record{ID: "r1", Fields: map[string]any{"a": 1}}
	out, err := fn(rec)
	require.NoError(t, err)
	assert.Equal(t, rec, out)
}

func TestLookupUnregisteredNameFails(t *testing.T) {
	_, err := transform.Lookup("does-not-exist")
	assert.Error(t, err)
	assert.False(t, transform.Exists("does-not-exist"))
}

func TestRegisterAndInverseRoundTrip(t *testing.T) {
	transform.Register("add_version_test", addVersion, removeVersion)
	require.True(t, transform.Exists("add_version_test"))

	fn, err := transform.Lookup("add_version_test")
	require.NoError(t, err)
	rec := driver.Record{ID: "r1", Fields: map[string]any{"payload": "x"}}
	forward, err := fn(rec)
	require.NoError(t, err)
	assert.Equal(t, 2, forward.Fields["version"])

	inv, ok := transform.Inverse("add_version_test")
	require.True(t, ok)
	back, err := inv(forward)
	require.NoError(t, err)
	assert.Equal(t, rec, back)
}

func TestInverseAbsentWhenNoneRegistered(t *testing.T) {
	transform.Register("no_inverse_test", addVersion, nil)
	_, ok := transform.Inverse("no_inverse_test")
	assert.False(t, ok)
}

func TestRejectingTransformerSurfacesError(t *testing.T) {
	reject := func(rec driver.Record) (driver.Record, error) {
		return driver.Record{}, errors.New("rejected record")
	}
	transform.Register("reject_test", reject, nil)
	fn, err := transform.Lookup("reject_test")
	require.NoError(t, err)
	_, err = fn(driver.Record{ID: "r1"})
	assert.Error(t, err)
}
