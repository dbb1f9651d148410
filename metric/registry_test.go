package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRegistersPlatformMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.Metrics())
	require.NotNil(t, r.PrometheusRegistry())

	m := r.Metrics()
	m.RecordRequest("configure", "ok", 0)
	m.RecordAlertPublished("alerts", "configure")
	m.RecordGatewayMessage("PKTSTART")
	m.RecordNATSStatus(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("configure", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsPublished.WithLabelValues("alerts", "configure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatewayMessages.WithLabelValues("PKTSTART")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
}

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics()

	m.RecordSensorUpdate("subscription")
	m.RecordSensorUpdate("subscription")
	m.RecordSensorUpdate("one-shot")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SensorUpdates.WithLabelValues("subscription")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SensorUpdates.WithLabelValues("one-shot")))

	m.RecordSensorFetchFailure("sync_time")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SensorFetchFailures.WithLabelValues("sync_time")))

	m.RecordNATSStatus(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NATSConnected))

	m.RecordCircuitBreakerState(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NATSCircuitBreaker))
}
