// Package obsmetrics exports the engine's queue and scheduler state as
// Prometheus metrics, for the demo binary's /metrics endpoint. It is
// deliberately separate from the OTel meter wired into internal/resilience
// and internal/store: those report per-call instruments as they happen,
// this package polls the engine's Status, Fairness and PoolUsage each
// time Collect is called.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueueSnapshotter is the subset of *engine.Engine this package depends
// on, kept narrow to avoid importing the root package (which would
// create the import cycle obsmetrics is meant to sit outside of).
type QueueSnapshotter interface {
	Status(status string) int
	Fairness() float64
	PoolUsage() map[string]PoolUsage
}

// PoolUsage is one resource pool's current utilization.
type PoolUsage struct {
	Used  int
	Total int
}

// Exporter exposes engine queue/scheduler state as Prometheus gauges,
// refreshed by each Collect call rather than pushed.
type Exporter struct {
	registry *prometheus.Registry

	queueDepth  *prometheus.GaugeVec
	fairness    prometheus.Gauge
	poolUsed    *prometheus.GaugeVec
	poolTotal   *prometheus.GaugeVec
	tasksTotal  *prometheus.CounterVec
}

// statuses mirrors engine.Status's string values; kept local since this
// package must not import engine.
var statuses = []string{"PENDING", "QUEUED", "BLOCKED", "RUNNING", "PENDING_RETRY", "COMPLETED", "FAILED", "CANCELLED"}

// NewExporter builds the gauge/counter set and registers it with a fresh registry.
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Name:      "tasks_by_status",
			Help:      "Number of tasks currently in each status.",
		}, []string{"status"}),
		fairness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Name:      "scheduler_fairness",
			Help:      "Jain's fairness index over the last scheduler tick's tier selection.",
		}),
		poolUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Name:      "resource_pool_used",
			Help:      "Units currently reserved in a resource pool.",
		}, []string{"pool"}),
		poolTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Name:      "resource_pool_capacity",
			Help:      "Declared capacity of a resource pool.",
		}, []string{"pool"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Name:      "tasks_terminal_total",
			Help:      "Terminal task outcomes observed since process start.",
		}, []string{"outcome"}),
	}

	registry.MustRegister(e.queueDepth, e.fairness, e.poolUsed, e.poolTotal, e.tasksTotal)
	return e
}

// Collect polls snap and writes its current state into the registered gauges.
func (e *Exporter) Collect(snap QueueSnapshotter) {
	for _, s := range statuses {
		e.queueDepth.WithLabelValues(s).Set(float64(snap.Status(s)))
	}
	e.fairness.Set(snap.Fairness())
	for name, usage := range snap.PoolUsage() {
		e.poolUsed.WithLabelValues(name).Set(float64(usage.Used))
		e.poolTotal.WithLabelValues(name).Set(float64(usage.Total))
	}
}

// RecordTerminal increments the completed/failed/cancelled counter for outcome.
func (e *Exporter) RecordTerminal(outcome string) {
	e.tasksTotal.WithLabelValues(outcome).Inc()
}

// Handler returns the HTTP handler to mount at /metrics.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
