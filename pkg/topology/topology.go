// Package topology resolves which shards exist for a store class and
// routes a key to one of them. A Topology snapshot is read-only once
// handed to a Plan; every Plan pins the topology_version it was built
// against so a crash-resumed migration never silently sees a different
// shard set than the one it started on.
package topology

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/cuemby/migctl/pkg/types"
)

// Snapshot is an immutable view over the shard sets of every store class
// at one topology_version. Callers obtained a Snapshot from Topology.Current
// or Topology.Refresh and may hold onto it for the lifetime of a Plan.
type Snapshot struct {
	Version string
	shards  map[types.StoreClass][]string
}

// Shards returns the shard ids for class, sorted for deterministic
// iteration order.
func (s *Snapshot) Shards(class types.StoreClass) []string {
	out := make([]string, len(s.shards[class]))
	copy(out, s.shards[class])
	return out
}

// Route deterministically maps key to one of class's shards by FNV-1a
// hashing into the sorted shard list. The same key always routes to the
// same shard for a given Snapshot.
func (s *Snapshot) Route(key string, class types.StoreClass) (string, error) {
	shards := s.shards[class]
	if len(shards) == 0 {
		return "", fmt.Errorf("topology: no shards registered for store class %q", class)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % len(shards)
	if idx < 0 {
		idx += len(shards)
	}
	return shards[idx], nil
}

// Source supplies the raw shard membership a Topology refreshes from.
// The static source (config-file backed) is the only one implemented
// in-repo; a discovery-backed source (topology_source: discovery) is
// an external collaborator.
type Source interface {
	Shards() (map[types.StoreClass][]string, error)
}

// Topology owns the current Snapshot and the monotonically increasing
// version counter. It is safe for concurrent use.
type Topology struct {
	mu      sync.RWMutex
	source  Source
	current *Snapshot
	seq     uint64
}

// New builds a Topology and loads its first Snapshot from source.
func New(source Source) (*Topology, error) {
	t := &Topology{source: source}
	if _, err := t.Refresh(); err != nil {
		return nil, err
	}
	return t, nil
}

// Current returns the most recently loaded Snapshot.
func (t *Topology) Current() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Refresh reloads shard membership from the Source. Unchanged
// membership keeps the current Snapshot and version, so callers may
// refresh on every tick without invalidating in-flight Plans; only an
// actual shard-set shift publishes a new version. Existing Snapshots
// already handed to in-flight Plans are unaffected either way; they
// keep routing against the shard set they were built with.
func (t *Topology) Refresh() (*Snapshot, error) {
	shards, err := t.source.Shards()
	if err != nil {
		return nil, types.Transient("", "", fmt.Errorf("topology refresh: %w", err))
	}
	normalized := make(map[types.StoreClass][]string, len(shards))
	for class, ids := range shards {
		cp := append([]string(nil), ids...)
		sort.Strings(cp)
		normalized[class] = cp
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && sameShards(t.current.shards, normalized) {
		return t.current, nil
	}
	t.seq++
	snap := &Snapshot{Version: fmt.Sprintf("v%d", t.seq), shards: normalized}
	t.current = snap
	return snap, nil
}

func sameShards(a, b map[types.StoreClass][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for class, ids := range a {
		other, ok := b[class]
		if !ok || len(other) != len(ids) {
			return false
		}
		for i := range ids {
			if ids[i] != other[i] {
				return false
			}
		}
	}
	return true
}

// ValidateVersion reports types.ErrTopologyStale if version no longer
// matches the Topology's current snapshot, so a crash-resumed step
// never runs against a shard set it wasn't planned on.
func (t *Topology) ValidateVersion(version string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil || t.current.Version != version {
		return types.Structural(fmt.Errorf("%w: have %s, plan pinned %s", types.ErrTopologyStale, safeVersion(t.current), version))
	}
	return nil
}

func safeVersion(s *Snapshot) string {
	if s == nil {
		return "<none>"
	}
	return s.Version
}
