// Package metrics provides optional Prometheus instrumentation of the
// concurrency gate and the per-row pipeline. Wiring it in is opt-in: the
// orchestrator only touches this package when the caller asks for it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"batcheval/internal/gate"
)

// Collectors groups the gauges/counters exposed for one engine instance.
// Each is registered against a caller-supplied registerer so multiple
// concurrent batches (or test runs) don't collide on the default
// registry.
type Collectors struct {
	ActiveSlots    prometheus.Gauge
	QueueDepth     prometheus.Gauge
	RowsProcessed  prometheus.Counter
	RowsSucceeded  prometheus.Counter
	RowsFailed     prometheus.Counter
	RetriesTotal   prometheus.Counter
	RowDuration    prometheus.Histogram
}

// New registers and returns a fresh set of collectors on reg. Pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer for a process-wide instance.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		ActiveSlots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batcheval_gate_active_slots",
			Help: "Current number of admitted (in-flight) tasks in the concurrency gate.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batcheval_gate_queue_depth",
			Help: "Current number of tasks parked waiting for a concurrency slot.",
		}),
		RowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "batcheval_rows_processed_total",
			Help: "Total rows that have reached a terminal (success or failure) state.",
		}),
		RowsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "batcheval_rows_succeeded_total",
			Help: "Total rows committed successfully.",
		}),
		RowsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "batcheval_rows_failed_total",
			Help: "Total rows committed as terminal failures (non-retryable or retries exhausted).",
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "batcheval_row_retries_total",
			Help: "Total retry attempts across all rows.",
		}),
		RowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batcheval_row_duration_seconds",
			Help:    "Per-row wall-time from the row task's start (before gate admission) to terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// GateHook adapts Collectors to the gate.Hook callback shape so the gate
// needs no knowledge of Prometheus.
func (c *Collectors) GateHook() gate.Hook {
	return gate.Hook{
		OnAdmit: func(active int) {
			c.ActiveSlots.Set(float64(active))
		},
		OnRelease: func(active int) {
			c.ActiveSlots.Set(float64(active))
		},
	}
}

// GateHookWithQueueDepth is GateHook plus a QueueDepth sample on every
// admission/release event, taken via depthFn since the gate itself has no
// Prometheus awareness.
func (c *Collectors) GateHookWithQueueDepth(depthFn func() int) gate.Hook {
	return gate.Hook{
		OnAdmit: func(active int) {
			c.ActiveSlots.Set(float64(active))
			c.QueueDepth.Set(float64(depthFn()))
		},
		OnRelease: func(active int) {
			c.ActiveSlots.Set(float64(active))
			c.QueueDepth.Set(float64(depthFn()))
		},
	}
}
