package status

import (
	"strconv"
	"time"

	"github.com/cuemby/migctl/pkg/metrics"
)

// MetricsCollector periodically snapshots the Status Store into the
// Prometheus gauges rather than updating them inline on every write.
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewMetricsCollector creates a new metrics collector for mgr.
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15-second tick.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectMigrationMetrics()
	c.collectProgressMetrics()
	c.collectLockMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectMigrationMetrics() {
	migrations, err := c.manager.ListMigrations()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, m := range migrations {
		counts[string(m.State)]++
	}
	for state, count := range counts {
		metrics.MigrationsTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *MetricsCollector) collectProgressMetrics() {
	migrations, err := c.manager.ListMigrations()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, m := range migrations {
		progress, err := c.manager.ListProgress(m.ID)
		if err != nil {
			continue
		}
		for _, p := range progress {
			counts[string(p.Status)]++
		}
	}
	for status, count := range counts {
		metrics.ShardStepsTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *MetricsCollector) collectLockMetrics() {
	locks, err := c.manager.ListLocks()
	if err != nil {
		return
	}
	metrics.LocksHeld.WithLabelValues("all").Set(float64(len(locks)))
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	stats := c.manager.Stats()
	if stats == nil {
		return
	}
	if v, err := strconv.ParseUint(stats["last_log_index"], 10, 64); err == nil {
		metrics.RaftLogIndex.Set(float64(v))
	}
	if v, err := strconv.ParseUint(stats["applied_index"], 10, 64); err == nil {
		metrics.RaftAppliedIndex.Set(float64(v))
	}
	if v, err := strconv.ParseUint(stats["num_peers"], 10, 64); err == nil {
		metrics.RaftPeers.Set(float64(v + 1))
	}
}
