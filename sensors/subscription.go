package sensors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/alerts"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

// subscription is one standing sensor subscription for a subarray instance.
// A single writer goroutine owns all store writes for the instance, so
// readers never observe interleaved partial updates.
type subscription struct {
	productID string
	namespace string
	cancel    context.CancelFunc
	done      chan struct{}
}

func (s *subscription) stop() {
	s.cancel()
	<-s.done
}

// runWriter consumes sensor updates until the subscription context ends.
// Updates racing the cancellation are dropped and logged, never stored.
func (m *Manager) runWriter(ctx context.Context, sub *subscription, updates <-chan Update) {
	defer close(sub.done)
	if m.metrics != nil {
		m.metrics.SubscriptionsActive.Inc()
		defer m.metrics.SubscriptionsActive.Dec()
	}

	for u := range updates {
		if ctx.Err() != nil {
			m.log.Debug("dropping post-cancel sensor update",
				"product_id", sub.productID, "sensor", u.Name)
			continue
		}
		if err := m.applyUpdate(ctx, sub.productID, u); err != nil {
			m.log.Warn("sensor update not applied",
				"product_id", sub.productID, "sensor", u.Name, "error", err)
		}
	}
}

// applyUpdate mirrors one sensor reading into the store and publishes the
// derived alerts the coordinator acts on. Store writes always complete
// before the corresponding alert is published.
func (m *Manager) applyUpdate(ctx context.Context, productID string, u Update) error {
	sv := store.SensorValue{
		Status:         u.Status,
		Value:          u.Value,
		Timestamp:      u.Timestamp,
		ValueTimestamp: u.ValueTimestamp,
	}
	if err := m.subarrays.WriteSensor(ctx, productID, u.Name, sv); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordSensorUpdate("subscription")
	}

	switch {
	case strings.Contains(u.Name, "data_suspect"):
		// The mask takes a while to initialise; only nominal readings are
		// trustworthy enough to act on.
		if u.Status != "nominal" {
			return nil
		}
		return m.publishSensor(ctx, alerts.Alert{
			Type: productID, Description: alerts.DataSuspectSensor, Value: u.Value,
		})

	case strings.Contains(u.Name, "pos_request_base"),
		strings.Contains(u.Name, "diode"):
		return m.publishSensor(ctx, alerts.Alert{
			Type: productID, Description: u.Name, Value: u.Value,
		})

	case strings.Contains(u.Name, "last_delay"),
		strings.Contains(u.Name, "last_phaseup"):
		// Calibration script timestamps, kept for phase solution retrieval.
		key := store.SubarrayKey(productID, calibrationSuffix(u.Name))
		return m.subarrays.Store().Set(ctx, key, fmt.Sprintf("%f", u.Timestamp))

	case strings.Contains(u.Name, "target"):
		if err := m.writeTarget(ctx, productID, u.Value); err != nil {
			return err
		}
		return m.publishSensor(ctx, alerts.Alert{
			Type: productID, Description: alerts.TargetSensor, Value: u.Value,
		})

	case strings.Contains(u.Name, "activity"):
		event := alerts.TypeNotTracking
		if u.Value == "track" {
			event = alerts.TypeTracking
		}
		return m.publishSensor(ctx, alerts.Alert{Type: event, Description: productID})
	}
	return nil
}

// writeTarget records the latest target string and the time it changed.
// The coordinator compares last-target against last-capture-start to decide
// whether a fresh target has arrived for the current recording.
func (m *Manager) writeTarget(ctx context.Context, productID, value string) error {
	s := m.subarrays.Store()
	if err := s.Set(ctx, store.SubarrayKey(productID, alerts.TargetSensor), value); err != nil {
		return err
	}
	now := float64(time.Now().UnixNano()) / 1e9
	return s.Set(ctx, store.SubarrayKey(productID, store.KeyLastTarget), fmt.Sprintf("%f", now))
}

func (m *Manager) publishSensor(ctx context.Context, a alerts.Alert) error {
	if err := m.bus.PublishSensor(ctx, a); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordAlertPublished(store.SensorAlertsChannel, a.Type)
	}
	return nil
}

func calibrationSuffix(sensorName string) string {
	if strings.Contains(sensorName, "last_delay") {
		return "last_delay"
	}
	return "last_phaseup"
}
