package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Migration metrics
	MigrationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migctl_migrations_total",
			Help: "Total number of migrations by state",
		},
		[]string{"state"},
	)

	MigrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migctl_migration_duration_seconds",
			Help:    "End-to-end migration duration in seconds by outcome",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"outcome"},
	)

	RolledBackMigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migctl_migrations_rolled_back_total",
			Help: "Total number of migrations that were rolled back, by reason",
		},
		[]string{"reason"},
	)

	// Shard progress metrics
	ShardStepsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migctl_shard_steps_total",
			Help: "Current ShardProgress records by status",
		},
		[]string{"status"},
	)

	ItemsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migctl_items_processed_total",
			Help: "Total records applied to a target shard, by store class",
		},
		[]string{"store_class"},
	)

	// Batch pump metrics
	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migctl_batch_size",
			Help:    "Adaptive batch size chosen per batch, by shard",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"shard"},
	)

	BatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migctl_batch_latency_seconds",
			Help:    "Time to stream and apply one batch, by shard",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard"},
	)

	BatchBackoffTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migctl_batch_backoff_total",
			Help: "Total number of times the batch pump halved its batch size",
		},
		[]string{"shard"},
	)

	// Orchestrator metrics
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migctl_stage_duration_seconds",
			Help:    "Time taken to run one plan step, by step kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ExecutorsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "migctl_executors_dispatched_total",
			Help: "Total number of Executors dispatched by the orchestrator",
		},
	)

	ExecutorsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "migctl_executors_failed_total",
			Help: "Total number of Executors that reported a fatal step failure",
		},
	)

	// Lock manager metrics
	LockContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migctl_lock_contention_total",
			Help: "Total number of lock acquisition attempts that found the resource busy",
		},
		[]string{"resource_kind"},
	)

	LocksHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migctl_locks_held",
			Help: "Current number of held locks, reported under the single resource_kind value all",
		},
		[]string{"resource_kind"},
	)

	LocksReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "migctl_locks_reaped_total",
			Help: "Total number of stale locks reaped by the reconciler",
		},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migctl_events_published_total",
			Help: "Total number of lifecycle events published, by kind",
		},
		[]string{"kind"},
	)

	EventsBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "migctl_events_buffered",
			Help: "Current number of events buffered in the Status Store awaiting drain to the bus",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "migctl_raft_is_leader",
			Help: "Whether this coordinator is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "migctl_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "migctl_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "migctl_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "migctl_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Control API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migctl_api_requests_total",
			Help: "Total number of control API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migctl_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		MigrationsTotal,
		MigrationDuration,
		RolledBackMigrationsTotal,
		ShardStepsTotal,
		ItemsProcessedTotal,
		BatchSize,
		BatchLatency,
		BatchBackoffTotal,
		StageDuration,
		ExecutorsDispatched,
		ExecutorsFailed,
		LockContentionTotal,
		LocksHeld,
		LocksReaped,
		EventsPublished,
		EventsBuffered,
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftApplyDuration,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
