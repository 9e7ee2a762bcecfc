// Package metrics holds the Prometheus collectors for the build pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global     *Metrics
	globalOnce sync.Once
)

// Metrics groups every collector the gateway exports.
//
//   - agentgate_phase_runs_total{phase,outcome}
//   - agentgate_phase_duration_seconds{phase}
//   - agentgate_executor_attempts_total{result}
//   - agentgate_agent_resource_refs{agent}
//   - agentgate_sessions_total{status}
type Metrics struct {
	PhaseRuns        *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	ExecutorAttempts *prometheus.CounterVec
	AgentRefs        *prometheus.GaugeVec
	Sessions         *prometheus.CounterVec
}

// Default returns the process-wide collectors registered on the default
// registry. Registration happens once.
func Default() *Metrics {
	globalOnce.Do(func() {
		global = New(prometheus.DefaultRegisterer)
	})
	return global
}

// New creates collectors registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PhaseRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_phase_runs_total",
			Help: "Completed phase runs by outcome.",
		}, []string{"phase", "outcome"}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgate_phase_duration_seconds",
			Help:    "Wall time of a phase run including executor retries.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"phase"}),
		ExecutorAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_executor_attempts_total",
			Help: "Agent execution attempts by result (ok, transport_error, parse_error).",
		}, []string{"result"}),
		AgentRefs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentgate_agent_resource_refs",
			Help: "Current reference count of materialized agent definitions.",
		}, []string{"agent"}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_sessions_total",
			Help: "Sessions that reached a status.",
		}, []string{"status"}),
	}
}
