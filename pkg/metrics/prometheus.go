// Package metrics provides Prometheus metrics for the bawo labeling marketplace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Assignment
	tasksAssigned       *prometheus.CounterVec
	tasksReturned       prometheus.Counter
	assignmentConflicts prometheus.Counter
	responsesSubmitted  *prometheus.CounterVec

	// Quality and consensus
	goldenChecks        *prometheus.CounterVec
	consensusOutcomes   *prometheus.CounterVec
	consensusConfidence prometheus.Histogram
	tierChanges         *prometheus.CounterVec

	// Money
	payoutsIssued    *prometheus.CounterVec
	payoutsSettled   *prometheus.CounterVec
	payoutUSD        *prometheus.CounterVec
	payoutDuplicates prometheus.Counter
	railLatency      *prometheus.HistogramVec

	// Rewards
	pointsAwarded  *prometheus.CounterVec
	redemptions    *prometheus.CounterVec
	pointsRedeemed prometheus.Counter
	poolRemaining  prometheus.Gauge
	milestones     *prometheus.CounterVec

	// Background sweeps
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram

	// Payout queue and executors
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueUtilization   prometheus.Gauge
	queueEnqueue       prometheus.Counter
	queueDequeue       prometheus.Counter
	queueEnqueueErrors prometheus.Counter
	workerCount        prometheus.Gauge
	workerLatency      prometheus.Histogram
	workerErrors       prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorsByComponent *prometheus.CounterVec

	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton collectors

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // keeps default Go collectors out

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "bawo",
		subsystem:        "marketplace",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		constLabels:      prometheus.Labels{},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.tasksAssigned = m.counterVec("tasks_assigned_total", "Tasks handed to workers", "task_type", "golden")
	m.tasksReturned = m.counter("tasks_returned_total", "Tasks released by workers without an answer")
	m.assignmentConflicts = m.counter("assignment_conflicts_total", "Assignment attempts that lost a concurrent update")
	m.responsesSubmitted = m.counterVec("responses_submitted_total", "Accepted worker responses", "task_type")

	m.goldenChecks = m.counterVec("golden_checks_total", "Golden item answers by result", "result")
	m.consensusOutcomes = m.counterVec("consensus_outcomes_total", "Resolved tasks by outcome", "outcome")
	m.consensusConfidence = m.histogram("consensus_confidence_percent", "Winning share of responses for resolved tasks",
		[]float64{33.4, 50, 66.7, 75, 80, 90, 100})
	m.tierChanges = m.counterVec("tier_changes_total", "Reputation tier transitions by new tier", "tier")

	m.payoutsIssued = m.counterVec("payouts_issued_total", "Payout transactions created", "tx_type")
	m.payoutsSettled = m.counterVec("payouts_settled_total", "Payout attempts by final status", "tx_type", "status")
	m.payoutUSD = m.counterVec("payout_usd_total", "Confirmed payout volume in USD", "tx_type")
	m.payoutDuplicates = m.counter("payout_duplicates_total", "Payout jobs dropped because one was already in flight")
	m.railLatency = m.histogramVec("rail_latency_milliseconds", "Payment rail call latency", m.histogramBuckets, "op", "result")

	m.pointsAwarded = m.counterVec("points_awarded_total", "Reward points issued by activity", "activity")
	m.redemptions = m.counterVec("redemptions_total", "Redemption requests by result", "result")
	m.pointsRedeemed = m.counter("points_redeemed_total", "Points consumed by successful redemptions")
	m.poolRemaining = m.gauge("redemption_pool_remaining_usd", "USD left in the current month's redemption pool")
	m.milestones = m.counterVec("milestones_paid_total", "Milestone bonuses issued", "kind")

	m.sweeps = m.counterVec("sweeps_total", "Background sweep items handled", "kind")
	m.sweepDuration = m.histogram("sweep_duration_milliseconds", "Background sweep duration", m.histogramBuckets)

	m.queueSize = m.gauge("payout_queue_size", "Payout jobs waiting in the queue")
	m.queueCapacity = m.gauge("payout_queue_capacity", "Payout queue capacity")
	m.queueUtilization = m.gauge("payout_queue_utilization_ratio", "Payout queue fill ratio")
	m.queueEnqueue = m.counter("payout_queue_enqueued_total", "Payout jobs enqueued")
	m.queueDequeue = m.counter("payout_queue_dequeued_total", "Payout jobs dequeued")
	m.queueEnqueueErrors = m.counter("payout_queue_enqueue_errors_total", "Payout jobs rejected by the queue")
	m.workerCount = m.gauge("payout_worker_count", "Running payout executors")
	m.workerLatency = m.histogram("payout_worker_latency_milliseconds", "Time to execute one payout job", m.histogramBuckets)
	m.workerErrors = m.counter("payout_worker_errors_total", "Payout jobs that returned an error")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration",
		m.histogramBuckets, "endpoint", "method", "status_code")

	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and type", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap memory in use")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// RecordTaskAssigned counts one assignment.
func RecordTaskAssigned(taskType string, golden bool) {
	g := "false"
	if golden {
		g = "true"
	}
	globalManager.tasksAssigned.WithLabelValues(taskType, g).Inc()
}

// RecordTaskReturned counts a released assignment.
func RecordTaskReturned() { globalManager.tasksReturned.Inc() }

// RecordAssignmentConflict counts a lost compare-and-swap.
func RecordAssignmentConflict() { globalManager.assignmentConflicts.Inc() }

// RecordResponse counts an accepted response.
func RecordResponse(taskType string) {
	globalManager.responsesSubmitted.WithLabelValues(taskType).Inc()
}

// RecordGoldenCheck counts a golden answer.
func RecordGoldenCheck(correct bool) {
	r := "incorrect"
	if correct {
		r = "correct"
	}
	globalManager.goldenChecks.WithLabelValues(r).Inc()
}

// RecordConsensus counts a resolution and, when reached, its confidence.
func RecordConsensus(outcome string, confidence float64) {
	globalManager.consensusOutcomes.WithLabelValues(outcome).Inc()
	if confidence > 0 {
		globalManager.consensusConfidence.Observe(confidence)
	}
}

// RecordTierChange counts a worker moving into tier.
func RecordTierChange(tier string) { globalManager.tierChanges.WithLabelValues(tier).Inc() }

// RecordPayoutIssued counts a newly created payout transaction.
func RecordPayoutIssued(txType string) { globalManager.payoutsIssued.WithLabelValues(txType).Inc() }

// RecordPayoutSettled counts a payout attempt outcome and confirmed volume.
func RecordPayoutSettled(txType, status string, usd float64) {
	globalManager.payoutsSettled.WithLabelValues(txType, status).Inc()
	if status == "confirmed" {
		globalManager.payoutUSD.WithLabelValues(txType).Add(usd)
	}
}

// RecordPayoutDuplicate counts a payout job skipped by the in-flight deduper.
func RecordPayoutDuplicate() { globalManager.payoutDuplicates.Inc() }

// RecordRailLatency records a rail call in milliseconds.
func RecordRailLatency(op, result string, latencyMs float64) {
	globalManager.railLatency.WithLabelValues(op, result).Observe(latencyMs)
}

// RecordPointsAwarded counts issued points.
func RecordPointsAwarded(activity string, points int64) {
	globalManager.pointsAwarded.WithLabelValues(activity).Add(float64(points))
}

// RecordRedemption counts a redemption request by result code.
func RecordRedemption(result string, points int64) {
	globalManager.redemptions.WithLabelValues(result).Inc()
	if result == "success" {
		globalManager.pointsRedeemed.Add(float64(points))
	}
}

// UpdatePoolRemaining sets the current month's remaining pool.
func UpdatePoolRemaining(usd float64) { globalManager.poolRemaining.Set(usd) }

// RecordMilestone counts a milestone bonus.
func RecordMilestone(kind string) { globalManager.milestones.WithLabelValues(kind).Inc() }

// RecordSweep counts items handled by a sweep kind.
func RecordSweep(kind string, n int) { globalManager.sweeps.WithLabelValues(kind).Add(float64(n)) }

// RecordSweepDuration records one sweep pass.
func RecordSweepDuration(ms float64) { globalManager.sweepDuration.Observe(ms) }

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) { globalManager.queueUtilization.Set(utilization) }

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() { globalManager.queueEnqueue.Inc() }

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() { globalManager.queueDequeue.Inc() }

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrors.Inc() }

// UpdateWorkerCount sets the current executor count.
func UpdateWorkerCount(count int) { globalManager.workerCount.Set(float64(count)) }

// RecordWorkerProcessingLatency records executor latency.
func RecordWorkerProcessingLatency(latencyMs float64) { globalManager.workerLatency.Observe(latencyMs) }

// RecordWorkerError increments the executor error counter.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordError records an error with component and type labels.
func RecordError(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the heap usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
