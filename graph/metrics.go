package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RuntimeMetrics is a Prometheus-backed collector for kernel execution
// metrics, namespaced "flowforge". Unlike a per-run collector, labels key
// on blueprint id and node id so dashboards aggregate across runs of the
// same blueprint.
type RuntimeMetrics struct {
	inflightNodes prometheus.Gauge
	queueDepth    prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries      *prometheus.CounterVec
	backpressure *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewRuntimeMetrics creates and registers the kernel's metrics with
// registry (use prometheus.DefaultRegisterer for the global registry).
func NewRuntimeMetrics(registry prometheus.Registerer) *RuntimeMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	rm := &RuntimeMetrics{
		registry: registry,
		enabled:  true,
	}

	rm.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowforge",
		Name:      "inflight_nodes",
		Help:      "Current number of nodes executing concurrently across all runs",
	})

	rm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowforge",
		Name:      "queue_depth",
		Help:      "Number of work items queued in a run's frontier",
	})

	rm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flowforge",
		Name:      "step_latency_ms",
		Help:      "Node execution duration in milliseconds, from dispatch to completion",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"blueprint_id", "node_id"})

	rm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowforge",
		Name:      "retries_total",
		Help:      "Cumulative count of node retry attempts",
	}, []string{"blueprint_id", "node_id"})

	rm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowforge",
		Name:      "backpressure_events_total",
		Help:      "Frontier enqueue calls that blocked on a full queue",
	}, []string{"blueprint_id"})

	return rm
}

// ObserveNodeLatency records a node execution's duration.
func (rm *RuntimeMetrics) ObserveNodeLatency(blueprintID, nodeID string, d time.Duration) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if !rm.enabled {
		return
	}
	rm.stepLatency.WithLabelValues(blueprintID, nodeID).Observe(float64(d.Milliseconds()))
}

// IncRetries increments the retry counter for a node.
func (rm *RuntimeMetrics) IncRetries(blueprintID, nodeID string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if !rm.enabled {
		return
	}
	rm.retries.WithLabelValues(blueprintID, nodeID).Inc()
}

// IncBackpressure increments the backpressure counter for a blueprint.
func (rm *RuntimeMetrics) IncBackpressure(blueprintID string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if !rm.enabled {
		return
	}
	rm.backpressure.WithLabelValues(blueprintID).Inc()
}

// UpdateQueueDepth sets the current frontier depth gauge.
func (rm *RuntimeMetrics) UpdateQueueDepth(depth int) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if !rm.enabled {
		return
	}
	rm.queueDepth.Set(float64(depth))
}

// UpdateInflightNodes sets the concurrently-executing node count gauge.
func (rm *RuntimeMetrics) UpdateInflightNodes(count int) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if !rm.enabled {
		return
	}
	rm.inflightNodes.Set(float64(count))
}

// Disable turns off metric recording (tests).
func (rm *RuntimeMetrics) Disable() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.enabled = false
}

// Enable turns metric recording back on after Disable.
func (rm *RuntimeMetrics) Enable() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.enabled = true
}
