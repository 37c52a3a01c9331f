// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the daemon's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	Transitions   *prometheus.CounterVec
	ProviderCalls *prometheus.CounterVec
	TaskRetries   *prometheus.CounterVec
	TaskFailovers *prometheus.CounterVec
	SweptProjects prometheus.Counter
	StageSeconds  *prometheus.HistogramVec
}

// New builds a metrics set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelforge_project_transitions_total",
			Help: "Project status transitions, labeled by source and target status.",
		}, []string{"from", "to"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelforge_provider_calls_total",
			Help: "Generation backend calls, labeled by provider and outcome.",
		}, []string{"provider", "outcome"}),
		TaskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelforge_task_retries_total",
			Help: "Clip task retries on the same backend, labeled by provider.",
		}, []string{"provider"}),
		TaskFailovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelforge_task_failovers_total",
			Help: "Clip task failovers to an alternative backend.",
		}, []string{"from_provider", "to_provider"}),
		SweptProjects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelforge_swept_projects_total",
			Help: "Completed projects expired by the retention sweeper.",
		}),
		StageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reelforge_stage_duration_seconds",
			Help:    "Wall-clock duration of workflow stages.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"stage"}),
	}
	registry.MustRegister(
		m.Transitions,
		m.ProviderCalls,
		m.TaskRetries,
		m.TaskFailovers,
		m.SweptProjects,
		m.StageSeconds,
	)
	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransition records one status transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// ObserveProviderCall records one backend call outcome.
func (m *Metrics) ObserveProviderCall(provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, outcome).Inc()
}
