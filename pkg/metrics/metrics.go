// Package metrics provides Prometheus metrics for the Relay platform.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the Relay control plane.
type Metrics struct {
	registry *prometheus.Registry

	Scheduler *SchedulerMetrics
	Queue     *QueueMetrics
	Runs      *RunMetrics
}

// New creates a Metrics instance with all metric families registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &Metrics{
		registry:  registry,
		Scheduler: newSchedulerMetrics(registry),
		Queue:     newQueueMetrics(registry),
		Runs:      newRunMetrics(registry),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
		},
	)
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
