// Package planner builds a Plan, a DAG of shard-routed Steps, from a
// MigrationRequest and a Topology snapshot. It expands each StepSpec
// per its Scope (one shard, or every shard of the request's store
// class), checks for a dependency cycle, and groups steps into
// topologically ordered stages the Orchestrator drives one at a time.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/migctl/pkg/topology"
	"github.com/cuemby/migctl/pkg/transform"
	"github.com/cuemby/migctl/pkg/types"
	"github.com/google/uuid"
)

// Build materializes req into a Plan pinned to snap's topology_version.
// It returns types.ErrPlanCycle if req's step dependencies are not a
// DAG, and a structural error if a step names a transformer that was
// never registered.
func Build(req *types.MigrationRequest, snap *topology.Snapshot) (*types.Plan, error) {
	steps := make(map[string]*types.Step)
	// bySpec maps a request step id to the expanded step ids it became,
	// so dependents can depend on every shard-expanded instance.
	bySpec := make(map[string][]string)

	for _, spec := range req.Steps {
		if spec.TransformerName != "" && !transform.Exists(spec.TransformerName) {
			return nil, types.Structural(fmt.Errorf("step %s: unregistered transformer %q", spec.ID, spec.TransformerName))
		}
		if spec.InverseName != "" && !transform.Exists(spec.InverseName) {
			return nil, types.Structural(fmt.Errorf("step %s: unregistered inverse transformer %q", spec.ID, spec.InverseName))
		}

		shardIDs, err := shardsForSpec(spec, req.StoreClass, snap)
		if err != nil {
			return nil, types.Structural(fmt.Errorf("step %s: %w", spec.ID, err))
		}

		for _, shardID := range shardIDs {
			step := &types.Step{
				ID:              uuid.New().String(),
				RequestStepID:   spec.ID,
				Kind:            spec.Kind,
				StoreClass:      req.StoreClass,
				ShardID:         shardID,
				PayloadRef:      spec.PayloadRef,
				TransformerName: spec.TransformerName,
				InverseName:     spec.InverseName,
				EstimatedItems:  spec.EstimatedItems,
				TimeoutSeconds:  spec.TimeoutSeconds,
			}
			steps[step.ID] = step
			bySpec[spec.ID] = append(bySpec[spec.ID], step.ID)
		}
	}

	// Resolve each spec's full dependency set: its declared DependsOn,
	// plus an implicit dependency on any other spec that Writes a
	// schema object this spec Reads.
	deps := dependencySets(req.Steps)

	// Translate request-step ids to expanded step ids, now that every
	// spec has been expanded.
	for _, spec := range req.Steps {
		for _, stepID := range bySpec[spec.ID] {
			step := steps[stepID]
			for dep := range deps[spec.ID] {
				depIDs, ok := bySpec[dep]
				if !ok {
					return nil, types.Structural(fmt.Errorf("step %s: depends_on unknown step %q", spec.ID, dep))
				}
				step.DependsOn = append(step.DependsOn, depIDs...)
			}
		}
	}

	stages, err := levelize(steps)
	if err != nil {
		return nil, err
	}
	for depth, stage := range stages {
		for _, id := range stage {
			steps[id].Depth = depth
		}
	}

	digest, err := digestOf(req, snap.Version, steps, stages)
	if err != nil {
		return nil, err
	}

	return &types.Plan{
		Digest:          digest,
		RequestID:       req.ID,
		TopologyVersion: snap.Version,
		Steps:           steps,
		Stages:          stages,
	}, nil
}

// dependencySets returns, per spec id, the union of its declared
// DependsOn and the ids of every other spec whose Writes intersects its
// own Reads. The implicit write→read dependency keeps a data step
// reading a schema object from being staged ahead of the
// step that writes it, even when the caller didn't hand-declare the
// ordering via depends_on.
func dependencySets(specs []types.StepSpec) map[string]map[string]struct{} {
	writers := make(map[string][]string, len(specs))
	for _, spec := range specs {
		for _, object := range spec.Writes {
			writers[object] = append(writers[object], spec.ID)
		}
	}

	sets := make(map[string]map[string]struct{}, len(specs))
	for _, spec := range specs {
		set := make(map[string]struct{}, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			set[dep] = struct{}{}
		}
		for _, object := range spec.Reads {
			for _, writer := range writers[object] {
				if writer != spec.ID {
					set[writer] = struct{}{}
				}
			}
		}
		sets[spec.ID] = set
	}
	return sets
}

func shardsForSpec(spec types.StepSpec, class types.StoreClass, snap *topology.Snapshot) ([]string, error) {
	if spec.Scope == types.StepScopeAllShards {
		shards := snap.Shards(class)
		if len(shards) == 0 {
			return nil, fmt.Errorf("no shards registered for store class %q", class)
		}
		return shards, nil
	}
	// single-shard: route by the spec's declared shard key, falling
	// back to the step id itself so every single-shard step without an
	// explicit key still gets a deterministic, stable shard.
	key := spec.ShardKey
	if key == "" {
		key = spec.ID
	}
	shard, err := snap.Route(key, class)
	if err != nil {
		return nil, err
	}
	return []string{shard}, nil
}

// levelize groups steps into topologically-ordered stages via Kahn's
// algorithm, returning types.ErrPlanCycle if a cycle remains once every
// step with satisfied dependencies has been peeled off.
func levelize(steps map[string]*types.Step) ([][]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)
	for id, step := range steps {
		indegree[id] += 0
		for _, dep := range step.DependsOn {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var stages [][]string
	remaining := len(steps)
	for remaining > 0 {
		var frontier []string
		for id, deg := range indegree {
			if deg == 0 {
				frontier = append(frontier, id)
			}
		}
		if len(frontier) == 0 {
			return nil, types.ErrPlanCycle
		}
		sort.Strings(frontier)
		for _, id := range frontier {
			delete(indegree, id)
			remaining--
			for _, dep := range dependents[id] {
				indegree[dep]--
			}
		}
		stages = append(stages, frontier)
	}
	return stages, nil
}

// digestOf hashes the plan's deterministic content so two planning
// runs over the same request and topology_version produce the same
// digest, letting the Orchestrator detect a re-plan mid-migration.
// Expanded step ids are freshly generated on every Build, so nothing
// random may reach the hash: steps, dependencies and stages are all
// keyed by the stable (request step id, shard) pair instead.
func digestOf(req *types.MigrationRequest, topologyVersion string, steps map[string]*types.Step, stages [][]string) (string, error) {
	label := func(s *types.Step) string { return s.RequestStepID + "@" + s.ShardID }

	type stepView struct {
		Step      string   `json:"step"`
		Kind      string   `json:"kind"`
		DependsOn []string `json:"depends_on"`
	}
	views := make([]stepView, 0, len(steps))
	for _, s := range steps {
		depSet := make(map[string]struct{}, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if d, ok := steps[dep]; ok {
				depSet[d.RequestStepID] = struct{}{}
			}
		}
		deps := make([]string, 0, len(depSet))
		for d := range depSet {
			deps = append(deps, d)
		}
		sort.Strings(deps)
		views = append(views, stepView{Step: label(s), Kind: string(s.Kind), DependsOn: deps})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Step < views[j].Step })

	staged := make([][]string, len(stages))
	for i, stage := range stages {
		labels := make([]string, 0, len(stage))
		for _, id := range stage {
			labels = append(labels, label(steps[id]))
		}
		sort.Strings(labels)
		staged[i] = labels
	}

	payload := struct {
		RequestID       string     `json:"request_id"`
		TopologyVersion string     `json:"topology_version"`
		Steps           []stepView `json:"steps"`
		Stages          [][]string `json:"stages"`
	}{req.ID, topologyVersion, views, staged}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("digest plan: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
