// Package metrics provides Prometheus metrics for the fieldsync assessment sync layer.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// latencyBuckets are tuned for mobile-grade round trips (milliseconds).
var latencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 1500, 3000, 8000, 15000} //nolint:gochecknoglobals // constant bucket layout

// Manager manages all Prometheus metrics for the fieldsync service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          atomic.Bool
	refreshInterval  atomic.Int64
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Submission pipeline
	submissions      *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	localRecords     *prometheus.GaugeVec

	// Remote stores
	remoteCalls       *prometheus.CounterVec
	remoteCallLatency *prometheus.HistogramVec

	// Connectivity
	probes       *prometheus.CounterVec
	probeLatency prometheus.Histogram

	// Reconciliation
	viewBuilds        prometheus.Counter
	viewBuildLatency  prometheus.Histogram
	viewRecords       prometheus.Gauge
	viewSourceRecords *prometheus.GaugeVec
	viewMergedCopies  prometheus.Counter

	// Local store
	localStoreOps     *prometheus.CounterVec
	localStoreLatency prometheus.Histogram
	mediaBytes        prometheus.Gauge

	// Analysis queue and workers
	queueSize               prometheus.Gauge
	queueCapacity           prometheus.Gauge
	queueEnqueue            prometheus.Counter
	queueDequeue            prometheus.Counter
	queueEnqueueErrors      prometheus.Counter
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	scoringLatency          prometheus.Histogram
	scoringErrors           prometheus.Counter
	analysisAttached        *prometheus.CounterVec
	retryAttempts           *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorsByComponent   *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "fieldsync",
		subsystem:        "sync",
		histogramBuckets: latencyBuckets,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	m.enabled.Store(true)
	m.refreshInterval.Store(int64(defaultRefreshInterval))

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

// Enabled reports whether the manager records observations.
func (m *Manager) Enabled() bool { return m.enabled.Load() }

// RefreshInterval is how often gauge updaters should resample.
func (m *Manager) RefreshInterval() time.Duration {
	return time.Duration(m.refreshInterval.Load())
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
		Buckets: m.histogramBuckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
		Buckets: m.histogramBuckets,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	m.submissions = m.counterVec("submissions_total",
		"Submissions by outcome (pushed, partial, failed, deferred, local_error)", "outcome")
	m.stateTransitions = m.counterVec("state_transitions_total",
		"Sync state transitions applied to local records", "from", "to")
	m.localRecords = m.gaugeVec("local_records",
		"Local records by sync state", "state")

	m.remoteCalls = m.counterVec("remote_calls_total",
		"Remote store calls by store, operation and result", "store", "op", "result")
	m.remoteCallLatency = m.histogramVec("remote_call_latency_milliseconds",
		"Remote store call latency in milliseconds", "store", "op")

	m.probes = m.counterVec("probes_total",
		"Connectivity probes by result (reachable, unreachable)", "result")
	m.probeLatency = m.histogram("probe_latency_milliseconds",
		"Time taken to settle a connectivity probe in milliseconds")

	m.viewBuilds = m.counter("view_builds_total", "Reconciled view builds")
	m.viewBuildLatency = m.histogram("view_build_latency_milliseconds",
		"Reconciled view build latency in milliseconds")
	m.viewRecords = m.gauge("view_records", "Records in the last reconciled view")
	m.viewSourceRecords = m.gaugeVec("view_source_records",
		"Records fetched per source during the last view build", "source")
	m.viewMergedCopies = m.counter("view_merged_copies_total",
		"Copies folded into another record by reconciliation")

	m.localStoreOps = m.counterVec("local_store_ops_total",
		"Local record store operations by op and result", "op", "result")
	m.localStoreLatency = m.histogram("local_store_latency_milliseconds",
		"Local record store write latency in milliseconds")
	m.mediaBytes = m.gauge("media_bytes", "Bytes of media blobs held locally")

	m.queueSize = m.gauge("analysis_queue_size", "Current analysis jobs waiting")
	m.queueCapacity = m.gauge("analysis_queue_capacity", "Analysis queue capacity")
	m.queueEnqueue = m.counter("analysis_queue_enqueue_total", "Analysis jobs enqueued")
	m.queueDequeue = m.counter("analysis_queue_dequeue_total", "Analysis jobs dequeued")
	m.queueEnqueueErrors = m.counter("analysis_queue_enqueue_errors_total", "Analysis jobs rejected by the queue")
	m.workerCount = m.gauge("analysis_workers", "Running analysis workers")
	m.workerProcessingLatency = m.histogram("analysis_worker_latency_milliseconds",
		"End-to-end analysis job latency in milliseconds")
	m.scoringLatency = m.histogram("scoring_latency_milliseconds",
		"Opaque scorer latency in milliseconds")
	m.scoringErrors = m.counter("scoring_errors_total", "Scorer failures")
	m.analysisAttached = m.counterVec("analysis_attached_total",
		"Analysis results attached to local records by origin (api, scorer, reprocess)", "origin")
	m.retryAttempts = m.counterVec("retry_attempts_total",
		"Retry attempts by operation", "op")

	m.httpRequests = m.counterVec("http_requests_total",
		"HTTP requests by endpoint, method and status", "endpoint", "method", "status")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds", "endpoint", "method", "status")
	m.errorsByComponent = m.counterVec("errors_total",
		"Errors by component and type", "component", "type")

	m.systemMemoryUsage = m.gauge("system_memory_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutines", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_milliseconds", "Average GC pause in milliseconds")
}

// Submission Metrics Functions.

// RecordSubmission counts one submit call by outcome.
func RecordSubmission(outcome string) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.submissions.WithLabelValues(outcome).Inc()
}

// RecordStateTransition counts a sync state transition.
func RecordStateTransition(from, to string) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.stateTransitions.WithLabelValues(from, to).Inc()
}

// UpdateLocalRecords sets the local record gauge for one state.
func UpdateLocalRecords(state string, count int) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.localRecords.WithLabelValues(state).Set(float64(count))
}

// Remote Metrics Functions.

// RecordRemoteCall counts a remote call and observes its latency.
func RecordRemoteCall(store, op, result string, latencyMs float64) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.remoteCalls.WithLabelValues(store, op, result).Inc()
	globalManager.remoteCallLatency.WithLabelValues(store, op).Observe(latencyMs)
}

// RecordProbe counts a probe result and observes its latency.
func RecordProbe(reachable bool, latencyMs float64) {
	if !globalManager.Enabled() {
		return
	}
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	globalManager.probes.WithLabelValues(result).Inc()
	globalManager.probeLatency.Observe(latencyMs)
}

// View Metrics Functions.

// RecordViewBuild observes one reconciled view build.
func RecordViewBuild(latencyMs float64, records int) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.viewBuilds.Inc()
	globalManager.viewBuildLatency.Observe(latencyMs)
	globalManager.viewRecords.Set(float64(records))
}

// UpdateViewSourceRecords sets the per-source fetch size of the last build.
func UpdateViewSourceRecords(source string, count int) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.viewSourceRecords.WithLabelValues(source).Set(float64(count))
}

// RecordMergedCopies counts copies folded away by reconciliation.
func RecordMergedCopies(n int) {
	if !globalManager.Enabled() {
		return
	}
	if n > 0 {
		globalManager.viewMergedCopies.Add(float64(n))
	}
}

// Local Store Metrics Functions.

// RecordLocalStoreOp counts a local store operation.
func RecordLocalStoreOp(op, result string) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.localStoreOps.WithLabelValues(op, result).Inc()
}

// RecordLocalStoreLatency observes a local store write.
func RecordLocalStoreLatency(latencyMs float64) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.localStoreLatency.Observe(latencyMs)
}

// UpdateMediaBytes sets the local media footprint.
func UpdateMediaBytes(bytes int64) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.mediaBytes.Set(float64(bytes))
}

// Queue Metrics Functions.

// UpdateQueueSize sets the current analysis queue size.
func UpdateQueueSize(size int) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the analysis queue capacity.
func UpdateQueueCapacity(capacity int) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	if !globalManager.Enabled() {
		return
	}
	globalManager.queueEnqueue.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	if !globalManager.Enabled() {
		return
	}
	globalManager.queueDequeue.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	if !globalManager.Enabled() {
		return
	}
	globalManager.queueEnqueueErrors.Inc()
}

// Worker Metrics Functions.

// UpdateWorkerCount sets the number of running analysis workers.
func UpdateWorkerCount(count int) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordScoringLatency records scorer latency.
func RecordScoringLatency(latencyMs float64) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.scoringLatency.Observe(latencyMs)
}

// RecordScoringError increments the scoring errors counter.
func RecordScoringError() {
	if !globalManager.Enabled() {
		return
	}
	globalManager.scoringErrors.Inc()
}

// RecordAnalysisAttached counts analysis attached to a local record.
func RecordAnalysisAttached(origin string) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.analysisAttached.WithLabelValues(origin).Inc()
}

// RecordRetryAttempt counts one retry of op.
func RecordRetryAttempt(op string) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.retryAttempts.WithLabelValues(op).Inc()
}

// HTTP Metrics Functions.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// System Performance Metrics Functions.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	if !globalManager.Enabled() {
		return
	}
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// Configure applies opts to the global manager. Only WithMetricsEnabled and
// WithRefreshInterval have an effect once the metrics are registered.
func Configure(opts ...Option) {
	for _, opt := range opts {
		opt(globalManager)
	}
}

// Enabled reports whether the global manager records observations.
func Enabled() bool { return globalManager.Enabled() }

// RefreshInterval is the global gauge refresh interval.
func RefreshInterval() time.Duration { return globalManager.RefreshInterval() }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
