package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reading processing metrics
var (
	// ReadingsProcessedTotal tracks persisted readings by source and resolved anomaly flag
	ReadingsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_readings_processed_total",
			Help: "Total number of readings processed and persisted",
		},
		[]string{"source", "anomaly_flag"},
	)

	// ReadingsRejectedTotal tracks readings that failed processing
	ReadingsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_readings_rejected_total",
			Help: "Total number of readings rejected during processing",
		},
		[]string{"source", "reason"},
	)

	// AnomalyRulesTriggeredTotal tracks rule triggers by rule type and severity
	AnomalyRulesTriggeredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_rules_triggered_total",
			Help: "Total number of anomaly rule triggers",
		},
		[]string{"rule_type", "severity"},
	)

	// RuleCacheLookupsTotal tracks tenant rule cache hits and misses
	RuleCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_rule_cache_lookups_total",
			Help: "Total number of tenant rule cache lookups",
		},
		[]string{"result"},
	)
)

// Sync metrics
var (
	// SyncItemsTotal tracks per-item sync outcomes
	SyncItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_sync_items_total",
			Help: "Total number of queued readings resolved by sync passes",
		},
		[]string{"outcome"},
	)

	// SyncPassDuration tracks the duration of sync passes
	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offline_sync_pass_duration_seconds",
			Help:    "Duration of sync passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SyncBatchesSentTotal tracks client-side batch uploads by result
	SyncBatchesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_sync_batches_sent_total",
			Help: "Total number of batches uploaded by the sync agent",
		},
		[]string{"result"},
	)

	// SyncBatchesReceivedTotal tracks server-side sync batches by result
	SyncBatchesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_batches_received_total",
			Help: "Total number of sync batches received by the API",
		},
		[]string{"result"},
	)
)

// Database metrics
var (
	// DBQueriesTotal tracks the total number of database queries
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"query_type", "table", "status"},
	)

	// DBQueryDuration tracks the duration of database queries
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type", "table"},
	)
)

// RecordDBQuery records a database query execution
func RecordDBQuery(queryType, table string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DBQueriesTotal.WithLabelValues(queryType, table, status).Inc()
	DBQueryDuration.WithLabelValues(queryType, table).Observe(time.Since(start).Seconds())
}

// RecordProcessedReading records a persisted reading
func RecordProcessedReading(source string, anomalyFlag *string) {
	flag := "none"
	if anomalyFlag != nil {
		flag = *anomalyFlag
	}
	ReadingsProcessedTotal.WithLabelValues(source, flag).Inc()
}

// RecordRuleCacheLookup records a rule cache hit or miss
func RecordRuleCacheLookup(hit bool) {
	if hit {
		RuleCacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	RuleCacheLookupsTotal.WithLabelValues("miss").Inc()
}
