package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RoutingDurationBuckets are the histogram buckets for routing_duration_ms.
var RoutingDurationBuckets = []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000}

// Metrics owns the Prometheus registry and every metric the router
// exports. Label cardinality is bounded by the tier and strategy enums.
//
// Recording methods return an error instead of panicking when a label
// lookup fails; callers surface that as a warning and keep serving.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal            *prometheus.CounterVec
	routingDuration          *prometheus.HistogramVec
	modelInvocations         *prometheus.CounterVec
	healthTrackingFailures   *prometheus.CounterVec
	metricsRecordingFailures *prometheus.CounterVec
	backgroundTaskFailures   prometheus.Counter

	// Shadow counters for GET /health subsystem reporting, readable
	// without scraping the registry.
	healthFailureCount     atomic.Uint64
	recordingFailureCount  atomic.Uint64
	backgroundFailureCount atomic.Uint64
}

// NewMetrics creates and registers all router metrics on a dedicated
// registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "Completed user requests by tier and routing strategy",
			},
			[]string{"tier", "strategy"},
		),
		routingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routing_duration_ms",
				Help:    "Time spent making the routing decision in milliseconds",
				Buckets: RoutingDurationBuckets,
			},
			[]string{"strategy"},
		),
		modelInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "model_invocations_total",
				Help: "User-facing model invocations by tier (router-internal calls excluded)",
			},
			[]string{"tier"},
		),
		healthTrackingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "health_tracking_failures_total",
				Help: "Health store updates that failed, by endpoint and error type",
			},
			[]string{"endpoint", "error_type"},
		),
		metricsRecordingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metrics_recording_failures_total",
				Help: "Metric recording operations that failed",
			},
			[]string{"operation"},
		),
		backgroundTaskFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "background_health_task_failures_total",
				Help: "Background health checker restarts",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.requestsTotal,
		m.routingDuration,
		m.modelInvocations,
		m.healthTrackingFailures,
		m.metricsRecordingFailures,
		m.backgroundTaskFailures,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordRequest increments requests_total. Called exactly once per
// completed user request.
func (m *Metrics) RecordRequest(tier, strategy string) error {
	counter, err := m.requestsTotal.GetMetricWithLabelValues(tier, strategy)
	if err != nil {
		return err
	}
	counter.Inc()
	return nil
}

// RecordRoutingDuration observes the routing decision latency.
func (m *Metrics) RecordRoutingDuration(strategy string, ms float64) error {
	obs, err := m.routingDuration.GetMetricWithLabelValues(strategy)
	if err != nil {
		return err
	}
	obs.Observe(ms)
	return nil
}

// RecordModelInvocation increments model_invocations_total for a
// user-facing invocation.
func (m *Metrics) RecordModelInvocation(tier string) error {
	counter, err := m.modelInvocations.GetMetricWithLabelValues(tier)
	if err != nil {
		return err
	}
	counter.Inc()
	return nil
}

// HealthTrackingFailure records a failed health store update.
func (m *Metrics) HealthTrackingFailure(endpoint, errorType string) {
	m.healthFailureCount.Add(1)
	if counter, err := m.healthTrackingFailures.GetMetricWithLabelValues(endpoint, errorType); err == nil {
		counter.Inc()
	}
}

// MetricsRecordingFailure records a failed metric write.
func (m *Metrics) MetricsRecordingFailure(operation string) {
	m.recordingFailureCount.Add(1)
	if counter, err := m.metricsRecordingFailures.GetMetricWithLabelValues(operation); err == nil {
		counter.Inc()
	}
}

// BackgroundTaskFailure records a health checker restart.
func (m *Metrics) BackgroundTaskFailure() {
	m.backgroundFailureCount.Add(1)
	m.backgroundTaskFailures.Inc()
}

// HealthTrackingFailureCount returns the number of failed health store
// updates since startup.
func (m *Metrics) HealthTrackingFailureCount() uint64 {
	return m.healthFailureCount.Load()
}

// MetricsRecordingFailureCount returns the number of failed metric
// writes since startup.
func (m *Metrics) MetricsRecordingFailureCount() uint64 {
	return m.recordingFailureCount.Load()
}

// BackgroundTaskFailureCount returns the number of health checker
// restarts since startup.
func (m *Metrics) BackgroundTaskFailureCount() uint64 {
	return m.backgroundFailureCount.Load()
}

// Handler returns the Prometheus text exposition handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests that
// gather and inspect metric families directly.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
