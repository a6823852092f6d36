package engine

import (
	"github.com/taskmesh/engine/internal/obsmetrics"
	"github.com/taskmesh/engine/internal/resources"
)

// QueueMetrics is the observability snapshot returned by Engine.Metrics.
type QueueMetrics struct {
	Pending      int
	Queued       int
	Blocked      int
	Running      int
	PendingRetry int
	Completed    int
	Failed       int
	Cancelled    int

	// Fairness is the most recent tick's Jain's fairness index over
	// per-tier selection counts (spec §4.E; logged, never acted upon).
	Fairness float64

	ResourcePools []resources.PoolSnapshot
}

// Metrics returns a point-in-time snapshot of queue composition,
// scheduler fairness, and resource pool utilization.
func (e *Engine) Metrics() QueueMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m := QueueMetrics{ResourcePools: e.ledger.Snapshot()}
	if f, ok := e.lastFairness.Load().(float64); ok {
		m.Fairness = f
	}
	for _, t := range e.tasks {
		switch t.Status {
		case StatusPending:
			m.Pending++
		case StatusQueued:
			m.Queued++
		case StatusBlocked:
			m.Blocked++
		case StatusRunning:
			m.Running++
		case StatusPendingRetry:
			m.PendingRetry++
		case StatusCompleted:
			m.Completed++
		case StatusFailed:
			m.Failed++
		case StatusCancelled:
			m.Cancelled++
		}
	}
	return m
}

// Status implements obsmetrics.QueueSnapshotter: the count of tasks
// currently in the named status.
func (e *Engine) Status(status string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, t := range e.tasks {
		if string(t.Status) == status {
			n++
		}
	}
	return n
}

// Fairness implements obsmetrics.QueueSnapshotter.
func (e *Engine) Fairness() float64 {
	if f, ok := e.lastFairness.Load().(float64); ok {
		return f
	}
	return 1.0
}

// PoolUsage implements obsmetrics.QueueSnapshotter.
func (e *Engine) PoolUsage() map[string]obsmetrics.PoolUsage {
	out := make(map[string]obsmetrics.PoolUsage)
	for _, p := range e.ledger.Snapshot() {
		out[p.Name] = obsmetrics.PoolUsage{Used: p.Used, Total: p.Total}
	}
	return out
}
