package planner

import (
	"testing"

	"github.com/cuemby/migctl/pkg/topology"
	"github.com/cuemby/migctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureSnapshot(t *testing.T) *topology.Snapshot {
	t.Helper()
	tp, err := topology.New(topology.NewStaticMapSource(map[types.StoreClass][]string{
		types.StoreClassDocument: {"doc-1", "doc-2", "doc-3"},
	}))
	require.NoError(t, err)
	return tp.Current()
}

func TestBuildExpandsAllShardsScope(t *testing.T) {
	req := &types.MigrationRequest{
		ID:         "req-1",
		Name:       "widen-column",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "add-field", Kind: types.StepKindSchema, Scope: types.StepScopeAllShards, PayloadRef: "ref-1"},
		},
	}

	plan, err := Build(req, fixtureSnapshot(t))
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 3)
	assert.Len(t, plan.Stages, 1)
	assert.Len(t, plan.Stages[0], 3)
}

func TestBuildOrdersDependentStagesBySpec(t *testing.T) {
	req := &types.MigrationRequest{
		ID:         "req-2",
		Name:       "backfill",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "schema", Kind: types.StepKindSchema, Scope: types.StepScopeAllShards, PayloadRef: "ref-1"},
			{ID: "data", Kind: types.StepKindData, Scope: types.StepScopeAllShards, PayloadRef: "ref-2", DependsOn: []string{"schema"}},
		},
	}

	plan, err := Build(req, fixtureSnapshot(t))
	require.NoError(t, err)
	require.Len(t, plan.Stages, 2)
	assert.Len(t, plan.Stages[0], 3, "schema expands across all 3 shards in stage 0")
	assert.Len(t, plan.Stages[1], 3, "data waits for every schema instance before stage 1")

	for _, id := range plan.Stages[1] {
		assert.Equal(t, "data", plan.Steps[id].RequestStepID)
		assert.NotEmpty(t, plan.Steps[id].DependsOn)
	}
}

func TestBuildInfersDependencyFromWritesAndReads(t *testing.T) {
	req := &types.MigrationRequest{
		ID:         "req-2b",
		Name:       "backfill-no-explicit-dep",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "data", Kind: types.StepKindData, Scope: types.StepScopeAllShards, PayloadRef: "ref-2", Reads: []string{"widgets"}},
			{ID: "schema", Kind: types.StepKindSchema, Scope: types.StepScopeAllShards, PayloadRef: "ref-1", Writes: []string{"widgets"}},
		},
	}

	plan, err := Build(req, fixtureSnapshot(t))
	require.NoError(t, err)
	require.Len(t, plan.Stages, 2, "schema writing \"widgets\" must be staged ahead of data reading it, though neither declared depends_on")
	for _, id := range plan.Stages[0] {
		assert.Equal(t, "schema", plan.Steps[id].RequestStepID)
	}
	for _, id := range plan.Stages[1] {
		assert.Equal(t, "data", plan.Steps[id].RequestStepID)
	}
}

func TestBuildDetectsCycle(t *testing.T) {
	req := &types.MigrationRequest{
		ID:         "req-3",
		Name:       "cyclic",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "a", Kind: types.StepKindSchema, Scope: types.StepScopeSingleShard, PayloadRef: "ref-1", DependsOn: []string{"b"}},
			{ID: "b", Kind: types.StepKindSchema, Scope: types.StepScopeSingleShard, PayloadRef: "ref-2", DependsOn: []string{"a"}},
		},
	}

	_, err := Build(req, fixtureSnapshot(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPlanCycle)
}

func TestBuildRejectsUnregisteredTransformer(t *testing.T) {
	req := &types.MigrationRequest{
		ID:         "req-4",
		Name:       "bad-transform",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "x", Kind: types.StepKindData, Scope: types.StepScopeSingleShard, PayloadRef: "ref-1", TransformerName: "does-not-exist"},
		},
	}

	_, err := Build(req, fixtureSnapshot(t))
	require.Error(t, err)
	assert.Equal(t, types.ClassStructural, types.ClassOf(err))
}

func TestBuildRejectsUnregisteredInverseTransformer(t *testing.T) {
	req := &types.MigrationRequest{
		ID:         "req-4b",
		Name:       "bad-inverse",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "x", Kind: types.StepKindData, Scope: types.StepScopeSingleShard, PayloadRef: "ref-1",
				TransformerName: "identity", InverseName: "does-not-exist"},
		},
	}

	_, err := Build(req, fixtureSnapshot(t))
	require.Error(t, err)
	assert.Equal(t, types.ClassStructural, types.ClassOf(err))
}

func TestBuildDigestIsDeterministic(t *testing.T) {
	// Multiple shards and an inter-step dependency, so the digest covers
	// expanded steps whose generated ids differ between the two runs.
	req := &types.MigrationRequest{
		ID:         "req-5",
		Name:       "stable",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "add-field", Kind: types.StepKindSchema, Scope: types.StepScopeAllShards, PayloadRef: "ref-1"},
			{ID: "backfill", Kind: types.StepKindData, Scope: types.StepScopeAllShards, PayloadRef: "ref-1",
				TransformerName: "identity", DependsOn: []string{"add-field"}},
		},
	}
	snap := fixtureSnapshot(t)

	first, err := Build(req, snap)
	require.NoError(t, err)
	second, err := Build(req, snap)
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest, "identical request+topology must replan to the same digest")
}

func TestBuildDigestChangesWithStructure(t *testing.T) {
	snap := fixtureSnapshot(t)

	base := &types.MigrationRequest{
		ID:         "req-6",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "add-field", Kind: types.StepKindSchema, Scope: types.StepScopeAllShards, PayloadRef: "ref-1"},
		},
	}
	withDep := &types.MigrationRequest{
		ID:         "req-6",
		StoreClass: types.StoreClassDocument,
		Steps: []types.StepSpec{
			{ID: "add-field", Kind: types.StepKindSchema, Scope: types.StepScopeAllShards, PayloadRef: "ref-1"},
			{ID: "backfill", Kind: types.StepKindData, Scope: types.StepScopeAllShards, PayloadRef: "ref-1",
				TransformerName: "identity", DependsOn: []string{"add-field"}},
		},
	}

	a, err := Build(base, snap)
	require.NoError(t, err)
	b, err := Build(withDep, snap)
	require.NoError(t, err)

	assert.NotEqual(t, a.Digest, b.Digest, "a structurally different plan must not share a digest")
}
