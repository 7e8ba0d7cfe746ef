package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for fleet orchestration
// metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	serviceStateTotal *prometheus.CounterVec
	restartsTotal     *prometheus.CounterVec
	levelDuration     *prometheus.HistogramVec
}

var defaultBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		serviceStateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "services_total",
				Help:      "Total number of services reaching a given terminal state",
			},
			[]string{"service", "state"},
		),

		restartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "restarts_total",
				Help:      "Total number of service restarts",
			},
			[]string{"service"},
		),

		levelDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "level_duration_seconds",
				Help:      "Wall-clock time for a level to drain",
				Buckets:   buckets,
			},
			[]string{"level"},
		),
	}

	registry.MustRegister(pm.serviceStateTotal, pm.restartsTotal, pm.levelDuration)
	promMetrics = pm
}

// RecordPrometheusServiceState records a service reaching a terminal state.
func RecordPrometheusServiceState(service, state string) {
	if promMetrics == nil {
		return
	}
	promMetrics.serviceStateTotal.WithLabelValues(service, state).Inc()
}

// RecordPrometheusRestart records a service restart.
func RecordPrometheusRestart(service string) {
	if promMetrics == nil {
		return
	}
	promMetrics.restartsTotal.WithLabelValues(service).Inc()
}

// RecordPrometheusLevelDuration records a level's wall-clock duration.
func RecordPrometheusLevelDuration(levelIndex int, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.levelDuration.WithLabelValues(strconv.Itoa(levelIndex)).Observe(d.Seconds())
}

// PrometheusHandler returns the HTTP handler for the Prometheus registry.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "prometheus metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the underlying registry, primarily for tests.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
