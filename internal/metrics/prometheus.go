package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a grid node
type Metrics struct {
	// Cache operation metrics
	CacheOperationsTotal   *prometheus.CounterVec
	CacheOperationDuration *prometheus.HistogramVec
	CacheForwardsTotal     *prometheus.CounterVec
	CacheEntries           prometheus.Gauge
	ExpiredEntriesTotal    prometheus.Counter

	// Transport metrics
	RPCRequestsTotal *prometheus.CounterVec
	RPCErrorsTotal   *prometheus.CounterVec
	RPCDuration      *prometheus.HistogramVec
	ClusterMembers   prometheus.Gauge

	// Distribution metrics
	TopologyViewID         prometheus.Gauge
	DistributionState      *prometheus.GaugeVec
	RehashTotal            *prometheus.CounterVec
	RehashDuration         prometheus.Histogram
	SegmentsTransferred    prometheus.Counter
	EntriesTransferred     prometheus.Counter
	PullRetriesTotal       prometheus.Counter
	DegradedSegments       prometheus.Gauge
	SegmentsDiscarded      prometheus.Counter
	TransferPoolActive     prometheus.Gauge
	TransferPoolQueued     prometheus.Gauge
	TransferTasksCompleted *prometheus.CounterVec

	// Transaction metrics
	TxCommitsTotal     *prometheus.CounterVec
	TxRollbacksTotal   prometheus.Counter
	WriteSkewConflicts prometheus.Counter

	// Persistence metrics
	ModificationLogDepth   prometheus.Gauge
	ModificationsAppended  *prometheus.CounterVec
	ModificationsCoalesced prometheus.Counter
	FlushesTotal           *prometheus.CounterVec
	FlushDuration          prometheus.Histogram

	// Notifier metrics
	EventsPublished *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	f := promauto.With(reg)

	return &Metrics{
		CacheOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "cache",
			Name:        "operations_total",
			Help:        "Total number of cache operations by operation and outcome",
			ConstLabels: labels,
		}, []string{"operation", "outcome"}),
		CacheOperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pairgrid",
			Subsystem:   "cache",
			Name:        "operation_duration_seconds",
			Help:        "Cache operation duration in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"operation"}),
		CacheForwardsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "cache",
			Name:        "forwards_total",
			Help:        "Operations forwarded to the primary owner",
			ConstLabels: labels,
		}, []string{"operation"}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairgrid",
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Number of entries held in the local data container",
			ConstLabels: labels,
		}),
		ExpiredEntriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "cache",
			Name:        "expired_entries_total",
			Help:        "Entries purged by the expiration reaper",
			ConstLabels: labels,
		}),

		RPCRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "transport",
			Name:        "requests_total",
			Help:        "Outbound requests by message type",
			ConstLabels: labels,
		}, []string{"type"}),
		RPCErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "transport",
			Name:        "errors_total",
			Help:        "Outbound request failures by message type and code",
			ConstLabels: labels,
		}, []string{"type", "code"}),
		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pairgrid",
			Subsystem:   "transport",
			Name:        "request_duration_seconds",
			Help:        "Outbound request duration in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"type"}),
		ClusterMembers: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairgrid",
			Subsystem:   "transport",
			Name:        "cluster_members",
			Help:        "Members of the latest cluster view",
			ConstLabels: labels,
		}),

		TopologyViewID: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "topology_view_id",
			Help:        "View id of the installed consistent hash",
			ConstLabels: labels,
		}),
		DistributionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "state",
			Help:        "Current distribution state (1 for the active state)",
			ConstLabels: labels,
		}, []string{"state"}),
		RehashTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "rehash_total",
			Help:        "Rehash outcomes",
			ConstLabels: labels,
		}, []string{"outcome"}),
		RehashDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "rehash_duration_seconds",
			Help:        "Duration from view change to topology commit",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		SegmentsTransferred: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "segments_transferred_total",
			Help:        "Segments pulled from previous owners",
			ConstLabels: labels,
		}),
		EntriesTransferred: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "entries_transferred_total",
			Help:        "Entries applied through state transfer",
			ConstLabels: labels,
		}),
		PullRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "pull_retries_total",
			Help:        "State transfer pull retries",
			ConstLabels: labels,
		}),
		DegradedSegments: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "degraded_segments",
			Help:        "Segments that could not be transferred",
			ConstLabels: labels,
		}),
		SegmentsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "segments_discarded_total",
			Help:        "Segments dropped after ownership moved away",
			ConstLabels: labels,
		}),
		TransferPoolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "transfer_pool_active",
			Help:        "State transfer workers currently running a pull",
			ConstLabels: labels,
		}),
		TransferPoolQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "transfer_pool_queued",
			Help:        "State transfer pulls waiting for a worker",
			ConstLabels: labels,
		}),
		TransferTasksCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "distribution",
			Name:        "transfer_tasks_total",
			Help:        "State transfer pulls by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		TxCommitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "mvcc",
			Name:        "commits_total",
			Help:        "Committed transactions by isolation level",
			ConstLabels: labels,
		}, []string{"isolation"}),
		TxRollbacksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "mvcc",
			Name:        "rollbacks_total",
			Help:        "Rolled back transactions",
			ConstLabels: labels,
		}),
		WriteSkewConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "mvcc",
			Name:        "write_skew_conflicts_total",
			Help:        "Prepares rejected by the write skew check",
			ConstLabels: labels,
		}),

		ModificationLogDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairgrid",
			Subsystem:   "persistence",
			Name:        "log_depth",
			Help:        "Modifications waiting to be applied to the store",
			ConstLabels: labels,
		}),
		ModificationsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "persistence",
			Name:        "modifications_total",
			Help:        "Modifications appended by type",
			ConstLabels: labels,
		}, []string{"type"}),
		ModificationsCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "persistence",
			Name:        "modifications_coalesced_total",
			Help:        "Pending modifications replaced by a newer write to the same key",
			ConstLabels: labels,
		}),
		FlushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "persistence",
			Name:        "flushes_total",
			Help:        "Store flush attempts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairgrid",
			Subsystem:   "persistence",
			Name:        "flush_duration_seconds",
			Help:        "Duration of a store flush batch",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairgrid",
			Subsystem:   "notifier",
			Name:        "events_total",
			Help:        "Cluster events dispatched by type and outcome",
			ConstLabels: labels,
		}, []string{"type", "outcome"}),
	}
}

// NewNopMetrics registers metrics on a private registry. Used by tests and
// embedded nodes that do not export metrics.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "local")
}

// RecordCacheOperation records the outcome and duration of a cache operation
func (m *Metrics) RecordCacheOperation(operation, outcome string, duration float64) {
	m.CacheOperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.CacheOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordRPC records an outbound request
func (m *Metrics) RecordRPC(msgType string, duration float64, errCode string) {
	m.RPCRequestsTotal.WithLabelValues(msgType).Inc()
	m.RPCDuration.WithLabelValues(msgType).Observe(duration)
	if errCode != "" {
		m.RPCErrorsTotal.WithLabelValues(msgType, errCode).Inc()
	}
}

// SetDistributionState marks state as the active distribution state
func (m *Metrics) SetDistributionState(state string) {
	for _, s := range []string{"STABLE", "REHASH_IN_PROGRESS", "DEGRADED"} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.DistributionState.WithLabelValues(s).Set(v)
	}
}

// RecordRehash records a finished rehash
func (m *Metrics) RecordRehash(outcome string, duration float64) {
	m.RehashTotal.WithLabelValues(outcome).Inc()
	if outcome != "cancelled" {
		m.RehashDuration.Observe(duration)
	}
}

// RecordFlush records a store flush
func (m *Metrics) RecordFlush(outcome string, duration float64) {
	m.FlushesTotal.WithLabelValues(outcome).Inc()
	m.FlushDuration.Observe(duration)
}
