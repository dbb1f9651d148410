package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry owns the process's Prometheus registry with all platform
// metrics and the Go runtime collectors registered.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	metrics            *Metrics
}

// NewRegistry creates a registry with the platform metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		metrics:            NewMetrics(),
	}

	r.prometheusRegistry.MustRegister(
		r.metrics.RequestsTotal,
		r.metrics.RequestDuration,
		r.metrics.SessionsActive,
		r.metrics.SubarraysLive,
		r.metrics.AlertsPublished,
		r.metrics.AlertsConsumed,
		r.metrics.SensorUpdates,
		r.metrics.SensorFetchFailures,
		r.metrics.SubscriptionsActive,
		r.metrics.GatewayMessages,
		r.metrics.NodesAllocated,
		r.metrics.CapturesStarted,
		r.metrics.NATSConnected,
		r.metrics.NATSReconnects,
		r.metrics.NATSCircuitBreaker,
	)

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Metrics returns the platform metrics.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}
