package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Distributor counters, gauges and histograms. Task level series are
// partitioned by task (construct, process, complete).

var (
	// Batches
	BatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "batch",
		Name:      "created_total",
		Help:      "Total batches created by the construct phase",
	})

	BatchTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "batch",
		Name:      "transitions_total",
		Help:      "Total batch state transitions by target state",
	}, []string{"state"})

	BatchesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "distributor",
		Subsystem: "batch",
		Name:      "by_state",
		Help:      "Current number of stored batches per state",
	}, []string{"state"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "distributor",
		Subsystem: "batch",
		Name:      "distributions",
		Help:      "Number of distributions packed into a created batch",
		Buckets:   []float64{1, 2, 4, 6, 8, 10, 12, 15, 19},
	})

	// Distributions
	DistributionsPacked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "distribution",
		Name:      "packed_total",
		Help:      "Total distributions packed into batches",
	})

	DistributionsReturned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "distribution",
		Name:      "returned_total",
		Help:      "Total distributions handed back to the source",
	})

	DistributionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "distribution",
		Name:      "completed_total",
		Help:      "Total distributions reported completed to the source",
	})

	// Send path
	SendAmbiguousTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "send",
		Name:      "ambiguous_total",
		Help:      "Total submissions whose outcome is unknown (timeout)",
	})

	SendRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "send",
		Name:      "rejected_total",
		Help:      "Total submissions rejected by the node or local serialization",
	})

	ConsistencyViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "send",
		Name:      "consistency_violations_total",
		Help:      "Total returned signatures that differ from the locally derived one",
	})

	BlockhashExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "send",
		Name:      "blockhash_expired_total",
		Help:      "Total batches retried because their blockhash expired unobserved",
	})

	// Store
	DataCorruptionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "store",
		Name:      "data_corruption_total",
		Help:      "Total reads rejected by digest verification",
	})

	StaleVersionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "store",
		Name:      "stale_version_total",
		Help:      "Total batch saves rejected by optimistic locking",
	})

	// Tasks
	TaskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "task",
		Name:      "runs_total",
		Help:      "Total task invocations",
	}, []string{"task"})

	TaskErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "task",
		Name:      "errors_total",
		Help:      "Total task invocations that returned an error or panicked",
	}, []string{"task"})

	TaskSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "task",
		Name:      "skipped_total",
		Help:      "Total task ticks skipped by an open circuit breaker",
	}, []string{"task"})

	UnitErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "task",
		Name:      "unit_errors_total",
		Help:      "Failed units of work by phase and retry class",
	}, []string{"phase", "class"})

	TaskBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "distributor",
		Subsystem: "task",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per task (0=closed, 1=open, 2=half-open)",
	}, []string{"task"})

	TaskLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "distributor",
		Subsystem: "task",
		Name:      "duration_seconds",
		Help:      "Task invocation duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"task"})

	TaskHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "distributor",
		Subsystem: "task",
		Name:      "health_status",
		Help:      "Task health status (0=UNKNOWN, 1=HEALTHY, 2=UNHEALTHY)",
	}, []string{"task"})

	TaskConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "distributor",
		Subsystem: "task",
		Name:      "consecutive_failures",
		Help:      "Number of consecutive task failures",
	}, []string{"task"})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total JSON-RPC calls by method and outcome",
	}, []string{"method", "status"})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "distributor",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "JSON-RPC call duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for rate limiter",
	}, []string{"network"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "distributor",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "distributor",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "distributor",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	})

	// ATA derivation cache
	ATACacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "cache",
		Name:      "ata_hits_total",
		Help:      "Total associated token address cache hits",
	})

	ATACacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "cache",
		Name:      "ata_misses_total",
		Help:      "Total associated token address cache misses",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})

	// Admin API
	AdminRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "admin",
		Name:      "requests_total",
		Help:      "Total admin API requests by route and status code",
	}, []string{"route", "code"})
)
