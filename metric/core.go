// Package metric provides the platform's Prometheus metrics: protocol
// request accounting, alert bus traffic, sensor update flow, gateway
// message dissemination and NATS connectivity.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics.
type Metrics struct {
	// Protocol server metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SessionsActive  prometheus.Gauge
	SubarraysLive   prometheus.Gauge

	// Alert bus metrics
	AlertsPublished *prometheus.CounterVec
	AlertsConsumed  *prometheus.CounterVec

	// Sensor manager metrics
	SensorUpdates       *prometheus.CounterVec
	SensorFetchFailures *prometheus.CounterVec
	SubscriptionsActive prometheus.Gauge

	// Coordinator / gateway metrics
	GatewayMessages *prometheus.CounterVec
	NodesAllocated  prometheus.Gauge
	CapturesStarted prometheus.Counter

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all platform metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bluse",
				Subsystem: "katcp",
				Name:      "requests_total",
				Help:      "Total protocol requests handled, by request name and reply status",
			},
			[]string{"request", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bluse",
				Subsystem: "katcp",
				Name:      "request_duration_seconds",
				Help:      "Protocol request handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"request"},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bluse",
				Subsystem: "katcp",
				Name:      "sessions_active",
				Help:      "Currently connected protocol client sessions",
			},
		),

		SubarraysLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bluse",
				Subsystem: "katcp",
				Name:      "subarrays_live",
				Help:      "Subarray instances currently configured",
			},
		),

		AlertsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bluse",
				Subsystem: "alerts",
				Name:      "published_total",
				Help:      "Total alerts published, by channel and alert type",
			},
			[]string{"channel", "type"},
		),

		AlertsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bluse",
				Subsystem: "alerts",
				Name:      "consumed_total",
				Help:      "Total alerts consumed, by channel and alert type",
			},
			[]string{"channel", "type"},
		),

		SensorUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bluse",
				Subsystem: "sensors",
				Name:      "updates_total",
				Help:      "Total sensor value writes, by origin (one-shot or subscription)",
			},
			[]string{"origin"},
		),

		SensorFetchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bluse",
				Subsystem: "sensors",
				Name:      "fetch_failures_total",
				Help:      "Total sensor fetch failures after bounded retry",
			},
			[]string{"sensor"},
		),

		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bluse",
				Subsystem: "sensors",
				Name:      "subscriptions_active",
				Help:      "Currently live standing sensor subscriptions",
			},
		),

		GatewayMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bluse",
				Subsystem: "gateway",
				Name:      "messages_total",
				Help:      "Total gateway KEY=value messages published, by key",
			},
			[]string{"key"},
		),

		NodesAllocated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bluse",
				Subsystem: "coordinator",
				Name:      "nodes_allocated",
				Help:      "Processing nodes currently allocated to subarrays",
			},
		),

		CapturesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "bluse",
				Subsystem: "coordinator",
				Name:      "captures_started_total",
				Help:      "Total synchronized recordings triggered",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bluse",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "bluse",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bluse",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordRequest increments the request counter and observes its duration.
func (m *Metrics) RecordRequest(request, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(request, status).Inc()
	m.RequestDuration.WithLabelValues(request).Observe(duration.Seconds())
}

// RecordAlertPublished increments the published alert counter.
func (m *Metrics) RecordAlertPublished(channel, alertType string) {
	m.AlertsPublished.WithLabelValues(channel, alertType).Inc()
}

// RecordAlertConsumed increments the consumed alert counter.
func (m *Metrics) RecordAlertConsumed(channel, alertType string) {
	m.AlertsConsumed.WithLabelValues(channel, alertType).Inc()
}

// RecordSensorUpdate increments the sensor write counter.
func (m *Metrics) RecordSensorUpdate(origin string) {
	m.SensorUpdates.WithLabelValues(origin).Inc()
}

// RecordSensorFetchFailure increments the fetch failure counter.
func (m *Metrics) RecordSensorFetchFailure(sensor string) {
	m.SensorFetchFailures.WithLabelValues(sensor).Inc()
}

// RecordGatewayMessage increments the gateway message counter.
func (m *Metrics) RecordGatewayMessage(key string) {
	m.GatewayMessages.WithLabelValues(key).Inc()
}

// RecordNATSStatus updates the NATS connection gauge.
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments the reconnection counter.
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates the circuit breaker gauge.
func (m *Metrics) RecordCircuitBreakerState(state int) {
	m.NATSCircuitBreaker.Set(float64(state))
}
