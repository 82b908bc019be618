// Package metrics records run statistics in a Prometheus registry. A run is a
// short-lived process, so the registry is written to a textfile for the node
// exporter's textfile collector instead of being served.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	registry *prometheus.Registry

	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	snapshots    prometheus.Counter
	runDuration  prometheus.Histogram
	lastRun      *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converge",
			Name:      "tasks_total",
			Help:      "Tasks by resource kind and terminal outcome.",
		}, []string{"kind", "outcome"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "converge",
			Name:      "task_duration_seconds",
			Help:      "Time spent reconciling one task.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4m
		}, []string{"kind"}),
		snapshots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "converge",
			Name:      "snapshots_total",
			Help:      "Snapshots taken before overwriting files.",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "converge",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		lastRun: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "converge",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last finished run by result.",
		}, []string{"result"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTask records one task reaching a terminal outcome. outcome is
// "applied", "unchanged", "failed" or "skipped".
func (m *Metrics) ObserveTask(kind, outcome string, d time.Duration) {
	m.tasks.WithLabelValues(kind, outcome).Inc()
	if outcome != "skipped" {
		m.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveSnapshot() {
	m.snapshots.Inc()
}

// ObserveRun records the end of a run.
func (m *Metrics) ObserveRun(success bool, d time.Duration, finished time.Time) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.runDuration.Observe(d.Seconds())
	m.lastRun.WithLabelValues(result).Set(float64(finished.Unix()))
}

// WriteTextfile writes the registry in the text exposition format,
// atomically replacing path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
