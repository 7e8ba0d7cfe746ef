// Package metrics collects and exposes fleet orchestration observability
// data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (atomic counters) for a lightweight
//     JSON /metrics endpoint with no external dependency.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency
//
// All counters are atomic; there is no hot path requiring lock-free
// batching here (unlike a request-serving system), since level and
// service transitions happen at most a few times per second per plan.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects fleet-wide orchestration counters.
type Metrics struct {
	ServicesContextualized atomic.Int64
	ServicesTerminated     atomic.Int64
	ServicesFailed         atomic.Int64
	Restarts               atomic.Int64
	LevelsCompleted        atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordServiceContextualized records a service reaching the
// contextualized state.
func (m *Metrics) RecordServiceContextualized(name string) {
	m.ServicesContextualized.Add(1)
	RecordPrometheusServiceState(name, "contextualized")
}

// RecordServiceTerminated records a service reaching the terminated state.
func (m *Metrics) RecordServiceTerminated(name string) {
	m.ServicesTerminated.Add(1)
	RecordPrometheusServiceState(name, "terminated")
}

// RecordServiceFailed records a service's terminal failure.
func (m *Metrics) RecordServiceFailed(name string) {
	m.ServicesFailed.Add(1)
	RecordPrometheusServiceState(name, "failed")
}

// RecordRestart records a service restart.
func (m *Metrics) RecordRestart(name string) {
	m.Restarts.Add(1)
	RecordPrometheusRestart(name)
}

// RecordLevelComplete records a level's wall-clock duration.
func (m *Metrics) RecordLevelComplete(levelIndex int, d time.Duration) {
	m.LevelsCompleted.Add(1)
	RecordPrometheusLevelDuration(levelIndex, d)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds":          int64(time.Since(m.startTime).Seconds()),
		"services_contextualized": m.ServicesContextualized.Load(),
		"services_terminated":     m.ServicesTerminated.Load(),
		"services_failed":         m.ServicesFailed.Load(),
		"restarts":                m.Restarts.Load(),
		"levels_completed":        m.LevelsCompleted.Load(),
	}
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
