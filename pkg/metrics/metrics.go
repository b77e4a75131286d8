// Package metrics exposes Prometheus instrumentation for the job
// distribution and security pipeline: router decisions, load balancer
// admission/dispatch, scheduler reservations, executor throughput, and
// the security orchestrator's checks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Router metrics
	RouterDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_router_decisions_total",
			Help: "Total routing decisions by algorithm and outcome",
		},
		[]string{"algorithm", "outcome"},
	)

	RouterCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_router_cache_hits_total",
			Help: "Total routing cache hits",
		},
	)

	RouterCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_router_cache_misses_total",
			Help: "Total routing cache misses",
		},
	)

	RoutingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runnerhub_routing_latency_seconds",
			Help:    "Time taken to select a runner",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LoadBalancer metrics
	JobsAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_jobs_admitted_total",
			Help: "Total jobs admitted past throttling and circuit checks",
		},
	)

	JobsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_jobs_rejected_total",
			Help: "Total jobs rejected at admission by reason",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runnerhub_queue_depth",
			Help: "Current depth of each priority queue",
		},
		[]string{"priority"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runnerhub_circuit_breaker_state",
			Help: "Circuit breaker state per runner (0=closed, 1=half-open, 2=open)",
		},
		[]string{"runner_id"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runnerhub_scheduling_latency_seconds",
			Help:    "Time taken to reserve a runner for a job",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_jobs_scheduled_total",
			Help: "Total jobs successfully scheduled",
		},
	)

	JobsPreempted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_jobs_preempted_total",
			Help: "Total jobs preempted to free capacity",
		},
	)

	PoolUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runnerhub_pool_cpu_utilization",
			Help: "Fraction of pool CPU capacity reserved",
		},
		[]string{"pool_id"},
	)

	// Executor metrics
	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_jobs_completed_total",
			Help: "Total jobs reaching a terminal state",
		},
		[]string{"state"},
	)

	JobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_job_retries_total",
			Help: "Total retry attempts issued by the executor",
		},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runnerhub_active_jobs",
			Help: "Jobs currently occupying a concurrency slot",
		},
	)

	// Security metrics
	SecurityChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_security_checks_total",
			Help: "Total security checks by stage and result",
		},
		[]string{"stage", "result"},
	)

	SecurityScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runnerhub_security_score",
			Help:    "Distribution of per-job security scores at close",
			Buckets: []float64{0, 20, 40, 60, 70, 80, 90, 95, 100},
		},
	)

	ThreatsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_threats_detected_total",
			Help: "Total runtime-monitor threats by level",
		},
		[]string{"level"},
	)

	// Audit metrics
	AuditRecordsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_audit_records_written_total",
			Help: "Total audit records flushed to storage",
		},
	)

	AuditRotations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_audit_rotations_total",
			Help: "Total audit log file rotations",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RouterDecisions,
		RouterCacheHits,
		RouterCacheMisses,
		RoutingLatency,
		JobsAdmitted,
		JobsRejected,
		QueueDepth,
		CircuitBreakerState,
		SchedulingLatency,
		JobsScheduled,
		JobsPreempted,
		PoolUtilization,
		JobsCompleted,
		JobRetries,
		ActiveJobs,
		SecurityChecksTotal,
		SecurityScore,
		ThreatsDetected,
		AuditRecordsWritten,
		AuditRotations,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
