// Package controlapi defines the operator-facing Control API as a plain
// Go interface, kept separate from the coordination engine itself.
// migratectl calls this in-process for the single-binary case; the
// interface is the seam a future HTTP/gRPC layer would implement
// without touching the engine.
package controlapi

import (
	"context"

	"github.com/cuemby/migctl/pkg/types"
)

// Service is the operator-facing surface: submit, cancel, list and
// inspect migrations.
type Service interface {
	// Submit admits req, plans it against the current topology, and
	// returns the resulting Migration record in state `created`.
	Submit(ctx context.Context, req *types.MigrationRequest) (*types.Migration, error)

	// Cancel requests migrationID move to `cancelling`. It is a no-op
	// if the Migration is already terminal.
	Cancel(ctx context.Context, migrationID string) error

	// List returns every known Migration, most recently created last.
	List(ctx context.Context) ([]*types.Migration, error)

	// Status returns one Migration's record along with its per-shard
	// ShardProgress and full event history.
	Status(ctx context.Context, migrationID string) (*MigrationStatus, error)
}

// MigrationStatus is the aggregate view migratectl's status/watch
// commands render.
type MigrationStatus struct {
	Migration *types.Migration
	Progress  []*types.ShardProgress
	Events    []*types.Event
}
