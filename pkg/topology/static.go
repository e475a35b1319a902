package topology

import (
	"fmt"
	"os"

	"github.com/cuemby/migctl/pkg/types"
	"gopkg.in/yaml.v3"
)

// StaticDocument is the on-disk shape of a topology_source: static
// snapshot, read the same way migratectl reads a MigrationRequest
// document.
type StaticDocument struct {
	Shards map[types.StoreClass][]string `yaml:"shards"`
}

// StaticSource is a Source backed by a fixed YAML document on disk. It is
// the default topology_source for single-process deployments and for
// tests; a discovery-backed Source is an external collaborator.
type StaticSource struct {
	path string
}

// NewStaticSource returns a Source that (re-)reads path on every Shards
// call, so operators can edit the topology file and trigger a Refresh
// without restarting the coordinator.
func NewStaticSource(path string) *StaticSource {
	return &StaticSource{path: path}
}

func (s *StaticSource) Shards() (map[types.StoreClass][]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read topology file %s: %w", s.path, err)
	}
	var doc StaticDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse topology file %s: %w", s.path, err)
	}
	if len(doc.Shards) == 0 {
		return nil, fmt.Errorf("topology file %s declares no shards", s.path)
	}
	return doc.Shards, nil
}

// StaticMapSource is an in-memory Source, used by tests that build a
// Topology directly from a fixture without touching disk.
type StaticMapSource struct {
	shards map[types.StoreClass][]string
}

func NewStaticMapSource(shards map[types.StoreClass][]string) *StaticMapSource {
	return &StaticMapSource{shards: shards}
}

func (s *StaticMapSource) Shards() (map[types.StoreClass][]string, error) {
	return s.shards, nil
}
