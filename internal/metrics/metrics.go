package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts boundary operations by kind and outcome code.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunstore_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)
	// CommitDuration is the latency of transaction commits including WAL flush.
	CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bunstore_commit_duration_seconds",
			Help:    "Transaction commit latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	// ConflictsTotal counts commit-time conflicts by code.
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunstore_conflicts_total",
			Help: "Total number of write conflicts and duplicate key errors",
		},
		[]string{"code"},
	)
	// ActiveTransactions is the number of open transactions.
	ActiveTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bunstore_active_transactions",
			Help: "Number of open transactions",
		},
	)
	// OldestTimestamp is the oldest timestamp still readable.
	OldestTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bunstore_oldest_timestamp",
			Help: "Oldest pinned MVCC timestamp",
		},
	)
	// CacheEvents counts page cache hits, misses and evictions.
	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunstore_cache_events_total",
			Help: "Page cache events",
		},
		[]string{"event"},
	)
	// WALBytes counts bytes appended to the write-ahead log.
	WALBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bunstore_wal_bytes_total",
			Help: "Bytes appended to the WAL",
		},
	)
	// WALSyncs counts WAL fsync calls.
	WALSyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bunstore_wal_syncs_total",
			Help: "Number of WAL fsync calls",
		},
	)
	// CheckpointDuration is the latency of checkpoints.
	CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bunstore_checkpoint_duration_seconds",
			Help:    "Checkpoint latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	// IndexBuildPhases counts index build phase transitions.
	IndexBuildPhases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunstore_index_build_phases_total",
			Help: "Index build phase transitions",
		},
		[]string{"phase"},
	)
	// VersionsReclaimed counts MVCC versions removed by the garbage collector.
	VersionsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bunstore_versions_reclaimed_total",
			Help: "MVCC versions and index entries reclaimed",
		},
	)
	// RunningOps tracks operations executing on the worker pool.
	RunningOps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bunstore_running_operations",
			Help: "Operations currently executing on the worker pool",
		},
	)
	// RetriesTotal counts operations re-run after a retryable error, by code.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunstore_operation_retries_total",
			Help: "Operations retried after a conflict or resource error",
		},
		[]string{"code"},
	)
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
