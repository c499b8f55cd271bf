// Package metrics defines Prometheus metrics for the query pool.
// All collectors are registered upfront so every pool and executor can use
// them without further setup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Slots tracks the number of slots per pool in each lifecycle state.
	Slots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "querypool_slots",
		Help: "Number of connection slots per pool and state",
	}, []string{"pool", "state"})

	// SlotsMax tracks the configured size of each pool.
	SlotsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "querypool_slots_max",
		Help: "Configured number of connection slots per pool",
	}, []string{"pool"})

	// AcquireTotal counts acquire outcomes.
	AcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querypool_acquire_total",
		Help: "Total connection acquire operations by outcome",
	}, []string{"pool", "status"})

	// QueueLength tracks the current wait queue length per pool.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "querypool_queue_length",
		Help: "Number of callers waiting for a free slot",
	}, []string{"pool"})

	// QueueWaitDuration tracks the time callers spend waiting for a slot.
	QueueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querypool_queue_wait_seconds",
		Help:    "Time spent waiting in queue for a slot",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// ConnectionErrors counts connection level errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querypool_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"pool", "error_type"})

	// EstablishAttempts counts slot establishment attempts by outcome.
	EstablishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querypool_establish_attempts_total",
		Help: "Connection establishment attempts",
	}, []string{"pool", "status"})

	// QueryDuration tracks statement execution time.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querypool_query_duration_seconds",
		Help:    "Statement execution duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"pool", "mode"})

	// QueriesTotal counts statements by kind and outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querypool_queries_total",
		Help: "Total statements executed",
	}, []string{"pool", "kind", "status"})

	// RedisOperations counts coordinator Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querypool_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})

	// PermitWaitDuration tracks the time slots spend waiting for a
	// cluster-wide connection permit.
	PermitWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querypool_permit_wait_seconds",
		Help:    "Time spent waiting for a global connection permit",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"pool"})

	// InstanceHeartbeat tracks the coordinator heartbeat of this instance.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "querypool_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})
)
