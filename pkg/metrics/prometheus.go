// Package metrics provides Prometheus metrics for the lap tracking service.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gift outcome label values.
const (
	OutcomeJustCollected    = "just_collected"
	OutcomeAlreadyCollected = "already_collected"
	OutcomeNotEligible      = "not_eligible"
)

// Manager owns every collector of the service.
type Manager struct {
	namespace      string
	subsystem      string
	latencyBuckets []float64
	lapBuckets     []float64
	constLabels    map[string]string
	registry       prometheus.Registerer

	scansRecorded     *prometheus.CounterVec
	scansDuplicate    prometheus.Counter
	lapDuration       prometheus.Histogram
	fastestLapUpdates prometheus.Counter
	standingsSize     prometheus.Gauge

	giftOutcomes  *prometheus.CounterVec
	donations     prometheus.Counter
	donationCents prometheus.Counter

	storeLatency *prometheus.HistogramVec
	storeErrors  *prometheus.CounterVec

	queueSize     prometheus.Gauge
	queueCapacity prometheus.Gauge
	queueEnqueued prometheus.Counter
	queueRejected prometheus.Counter

	workerCount   prometheus.Gauge
	workerLatency prometheus.Histogram
	workerErrors  prometheus.Counter

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorsByComponent *prometheus.CounterVec
}

var globalManager *Manager //nolint:gochecknoglobals // process-wide collectors

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // avoids default Go collectors

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a Manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:      "lauf",
		subsystem:      "checkpoint",
		latencyBuckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		lapBuckets:     []float64{30, 60, 90, 120, 180, 240, 300, 450, 600, 900, 1800},
		registry:       prometheus.DefaultRegisterer,
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
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels, Buckets: buckets,
	})
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels, Buckets: buckets,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.scansRecorded = m.counterVec("scans_recorded_total", "Scans appended to the event log by ingestion path", "path")
	m.scansDuplicate = m.counter("scans_duplicate_total", "Scans dropped because their scan id was already seen")
	m.lapDuration = m.histogram("lap_duration_seconds", "Lap durations closed by recorded scans", m.lapBuckets)
	m.fastestLapUpdates = m.counter("fastest_lap_improvements_total", "Times a participant's cached fastest lap was lowered")
	m.standingsSize = m.gauge("standings_participants", "Participants with a fastest lap in the standings")

	m.giftOutcomes = m.counterVec("gift_slots_total", "Gift slot results of collect requests", "outcome")
	m.donations = m.counter("donations_total", "Accepted donation additions")
	m.donationCents = m.counter("donation_cents_total", "Sum of accepted donation deltas in cents")

	m.storeLatency = m.histogramVec("store_operation_duration_milliseconds", "Storage call latency by operation", m.latencyBuckets, "op")
	m.storeErrors = m.counterVec("store_errors_total", "Storage call failures by operation", "op")

	m.queueSize = m.gauge("queue_size", "Scans waiting in the ingestion queue")
	m.queueCapacity = m.gauge("queue_capacity", "Capacity of the ingestion queue")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Scans accepted by the ingestion queue")
	m.queueRejected = m.counter("queue_rejected_total", "Scans rejected because the ingestion queue was full or closed")

	m.workerCount = m.gauge("worker_count", "Running ingestion workers")
	m.workerLatency = m.histogram("worker_processing_latency_milliseconds", "Time from dequeue to recorded scan", m.latencyBuckets)
	m.workerErrors = m.counter("worker_errors_total", "Scans a worker failed to record")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", m.latencyBuckets, "endpoint", "method", "status_code")

	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and kind", "component", "kind")
}

// RecordScan counts an appended scan; path is "sync" or "async".
func RecordScan(path string) { globalManager.scansRecorded.WithLabelValues(path).Inc() }

func RecordScanDuplicate() { globalManager.scansDuplicate.Inc() }

// RecordLap observes a lap duration in seconds.
func RecordLap(seconds float64) { globalManager.lapDuration.Observe(seconds) }

func RecordFastestLapImprovement() { globalManager.fastestLapUpdates.Inc() }

func UpdateStandingsSize(n int) { globalManager.standingsSize.Set(float64(n)) }

// RecordGiftOutcome counts one slot result of a collect request.
func RecordGiftOutcome(outcome string) error {
	switch outcome {
	case OutcomeJustCollected, OutcomeAlreadyCollected, OutcomeNotEligible:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}
	globalManager.giftOutcomes.WithLabelValues(outcome).Inc()
	return nil
}

// RecordDonation counts an accepted donation of the given cents.
func RecordDonation(cents int64) {
	globalManager.donations.Inc()
	if cents > 0 {
		globalManager.donationCents.Add(float64(cents))
	}
}

// RecordStoreOperation observes a storage call; failed calls also count as errors.
func RecordStoreOperation(op string, latencyMs float64, failed bool) {
	globalManager.storeLatency.WithLabelValues(op).Observe(latencyMs)
	if failed {
		globalManager.storeErrors.WithLabelValues(op).Inc()
	}
}

func UpdateQueueSize(size int)         { globalManager.queueSize.Set(float64(size)) }
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }
func RecordQueueEnqueue()              { globalManager.queueEnqueued.Inc() }
func RecordQueueRejected()             { globalManager.queueRejected.Inc() }

func UpdateWorkerCount(count int) { globalManager.workerCount.Set(float64(count)) }

func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerLatency.Observe(latencyMs)
}

func RecordWorkerError() { globalManager.workerErrors.Inc() }

func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

func RecordHTTPRequestDuration(endpoint, method, statusCode string, durationMs float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
}

// RecordErrorByComponent counts an error; kind is a short classifier such as "not_found".
func RecordErrorByComponent(component, kind string) {
	globalManager.errorsByComponent.WithLabelValues(component, kind).Inc()
}

// GetRegistry returns the registry the global collectors live on.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
