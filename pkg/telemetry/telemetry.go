// Package telemetry exposes the prometheus instruments of the server:
// request and action processing durations, per-environment usage and the
// database size.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server's instruments on a private registry, so
// tests can construct independent instances.
type Metrics struct {
	registry *prometheus.Registry

	RequestDuration   *prometheus.HistogramVec
	ActionDuration    *prometheus.HistogramVec
	RunCreateDuration *prometheus.HistogramVec
	ActionsTotal      *prometheus.CounterVec
}

// New creates the instruments. dbSize, when non-nil, is polled on every
// scrape and reported as arena_database_size_bytes.
func New(dbSize func() float64) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arena_request_processing_duration_seconds",
				Help:    "Time it takes to process an HTTP request",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		ActionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arena_action_evaluation_duration_seconds",
				Help:    "Time it takes the environment to evaluate an action",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"env_class"},
		),
		RunCreateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arena_run_creation_duration_seconds",
				Help:    "Time it takes the environment to create a run",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"env_class"},
		),
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_env_usage_total",
				Help: "Number of actions sent to an environment",
			},
			[]string{"environment"},
		),
	}

	registry.MustRegister(
		m.RequestDuration,
		m.ActionDuration,
		m.RunCreateDuration,
		m.ActionsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if dbSize != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "arena_database_size_bytes",
				Help: "On-disk size of the database",
			},
			dbSize,
		))
	}
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TimeAction records one environment act call.
func (m *Metrics) TimeAction(envClass string, start time.Time) {
	m.ActionDuration.WithLabelValues(envClass).Observe(time.Since(start).Seconds())
}

// TimeRunCreate records one environment new-run call.
func (m *Metrics) TimeRunCreate(envClass string, start time.Time) {
	m.RunCreateDuration.WithLabelValues(envClass).Observe(time.Since(start).Seconds())
}
