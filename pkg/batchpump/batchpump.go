// Package batchpump streams records from a StoreDriver's source shard
// and applies them to its target shard in adaptively sized batches,
// halving on backpressure/transient failure and growing slowly on
// sustained success, within configured bounds.
package batchpump

import (
	"context"
	"fmt"

	"github.com/cuemby/migctl/pkg/driver"
	"github.com/cuemby/migctl/pkg/log"
	"github.com/cuemby/migctl/pkg/metrics"
	"github.com/cuemby/migctl/pkg/transform"
	"github.com/cuemby/migctl/pkg/types"
	"github.com/rs/zerolog"
)

// Bounds constrains the adaptive batch size.
type Bounds struct {
	Min int
	Max int
}

// DefaultBounds applies when a caller doesn't supply batch_bounds of
// its own.
var DefaultBounds = Bounds{Min: 10, Max: 2000}

// Pump moves records for one (source conn, target conn) pair of a single
// Step, one batch per call; the caller loops until Progress.Done and
// checkpoints between batches.
type Pump struct {
	SourceDriver driver.StoreDriver
	TargetDriver driver.StoreDriver
	Source       driver.Conn
	Target       driver.Conn
	Bounds       Bounds
	Default      int

	logger zerolog.Logger
	shard  string
	size   int
}

// New builds a Pump for one step/shard pair.
func New(sourceDriver, targetDriver driver.StoreDriver, source, target driver.Conn, bounds Bounds, defaultBatch int, shard string) *Pump {
	if bounds.Min <= 0 || bounds.Max < bounds.Min {
		bounds = DefaultBounds
	}
	if defaultBatch <= 0 {
		defaultBatch = bounds.Min
	}
	return &Pump{
		SourceDriver: sourceDriver,
		TargetDriver: targetDriver,
		Source:       source,
		Target:       target,
		Bounds:       bounds,
		Default:      defaultBatch,
		logger:       log.WithShardID(shard),
		shard:        shard,
		size:         defaultBatch,
	}
}

// Progress reports one batch's outcome back to the caller so it can
// checkpoint the Status Store between batches.
type Progress struct {
	Applied    int
	NextCursor driver.Cursor
	Done       bool
}

// Pump drains one batch starting from cursor, transforming each record
// with transformName (or pass-through if empty) before applying it to
// the target. It halves its batch size on a transient/contention error
// or a degraded target health signal, and grows it multiplicatively by
// 1.5x (capped at Bounds.Max) after a clean batch, so batch sizing
// adapts without needing an external control loop.
func (p *Pump) Pump(ctx context.Context, cursor driver.Cursor, transformName string) (Progress, error) {
	xform := transform.Identity
	if transformName != "" {
		fn, err := transform.Lookup(transformName)
		if err != nil {
			return Progress{}, types.Structural(err)
		}
		xform = fn
	}
	return p.PumpWithFunc(ctx, cursor, xform)
}

// PumpWithFunc is Pump's lower-level entry point for a caller that has
// already resolved its transform function rather than a registered
// name: the Executor's rollback path, which resolves a step's inverse
// itself (its explicit InverseName, else the inverse registered with
// its transformer) before pumping.
func (p *Pump) PumpWithFunc(ctx context.Context, cursor driver.Cursor, xform transform.Func) (Progress, error) {
	timer := metrics.NewTimer()

	records, next, err := p.SourceDriver.StreamBatch(ctx, p.Source, cursor, p.size)
	if err != nil {
		p.shrink()
		return Progress{}, types.Transient("", "", fmt.Errorf("stream batch: %w", err))
	}

	transformed := make([]driver.Record, 0, len(records))
	for _, rec := range records {
		out, err := xform(rec)
		if err != nil {
			return Progress{}, types.Logical("", "", fmt.Errorf("transform record %s: %w", rec.ID, err))
		}
		transformed = append(transformed, out)
	}

	applied, err := p.TargetDriver.ApplyBatch(ctx, p.Target, transformed)
	if err != nil {
		p.shrink()
		return Progress{}, types.Transient("", "", fmt.Errorf("apply batch: %w", err))
	}

	if health := p.TargetDriver.Health(ctx, p.Target); health != driver.HealthOK {
		p.shrink()
	} else {
		p.grow()
	}

	metrics.BatchSize.WithLabelValues(p.shard).Observe(float64(len(records)))
	timer.ObserveDurationVec(metrics.BatchLatency, p.shard)

	return Progress{Applied: applied, NextCursor: next, Done: next == driver.End}, nil
}

func (p *Pump) shrink() {
	p.size = max(p.Bounds.Min, p.size/2)
	metrics.BatchBackoffTotal.WithLabelValues(p.shard).Inc()
	p.logger.Debug().Int("batch_size", p.size).Msg("shrinking batch size")
}

func (p *Pump) grow() {
	next := (p.size * 3) / 2
	if next <= p.size {
		next = p.size + 1
	}
	p.size = min(p.Bounds.Max, next)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
