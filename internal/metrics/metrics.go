// Package metrics holds the Prometheus collectors for the healing service.
//
// All collectors live on a private registry so tests and multiple servers in
// one process never collide on registration. The registry also carries the
// standard Go and process collectors, which the telemetry sampler reads.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "healer"

// Metrics is the set of collectors recorded by the orchestrator, classifier,
// CI poller and event hub.
type Metrics struct {
	reg *prometheus.Registry

	// RunsTotal counts finished runs. Labels: final_status
	RunsTotal *prometheus.CounterVec
	// ActiveRuns is the number of runs currently executing.
	ActiveRuns prometheus.Gauge
	// StageDuration measures each stage call. Labels: stage, outcome
	StageDuration *prometheus.HistogramVec
	// FailuresClassified counts parsed failures. Labels: bug_type, source
	FailuresClassified *prometheus.CounterVec
	// CIPolls counts CI oracle outcomes. Labels: status
	CIPolls *prometheus.CounterVec
	// Iterations observes how many iterations finished runs used.
	Iterations prometheus.Histogram
	// Commits counts commits pushed by the agent.
	Commits prometheus.Counter
	// EventsDropped counts notifications dropped for slow subscribers.
	EventsDropped prometheus.Counter
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "total",
			Help:      "Finished runs by final status",
		}, []string{"final_status"}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "active",
			Help:      "Runs currently executing",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Stage execution time",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "outcome"}),
		FailuresClassified: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "failures_total",
			Help:      "Failures produced by the output classifier",
		}, []string{"bug_type", "source"}),
		CIPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ci",
			Name:      "polls_total",
			Help:      "CI oracle results by status",
		}, []string{"status"}),
		Iterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "iterations",
			Help:      "Iterations used by finished runs",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		Commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "git",
			Name:      "commits_total",
			Help:      "Commits pushed by the agent",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Notifications dropped because a subscriber was slow",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveStage records one stage call.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}
