// Package alerts implements the alert bus: the two logical pub/sub channels
// that decouple the request handler and sensor manager (producers) from the
// coordinator (consumer). Messages are compact colon-separated strings so
// any store client can follow along.
package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

// Lifecycle alert types published on the alerts channel. Each corresponds
// to exactly one control-protocol request except ConfComplete, which the
// sensor manager publishes once configure-time telemetry is fully fetched.
const (
	TypeConfigure    = "configure"
	TypeConfComplete = "conf_complete"
	TypeCaptureInit  = "capture-init"
	TypeCaptureStart = "capture-start"
	TypeCaptureStop  = "capture-stop"
	TypeCaptureDone  = "capture-done"
	TypeDeconfigure  = "deconfigure"
)

// Derived sensor alert types published on the sensor_alerts channel.
const (
	TypeTracking    = "tracking"
	TypeNotTracking = "not-tracking"
)

// DataSuspectSensor is the sensor-alert description for the per-F-engine
// data-suspect bitmask: <id>:data_suspect:<mask>.
const DataSuspectSensor = "data_suspect"

// TargetSensor is the sensor-alert description for target changes:
// <id>:target:<value>.
const TargetSensor = "target"

// Alert is one parsed bus message. The wire format is
// type:description[:value]; description is usually a product id, and for
// per-sensor alerts type is the product id and description the sensor name.
type Alert struct {
	Type        string
	Description string
	Value       string
}

// String re-encodes the alert in its wire format.
func (a Alert) String() string {
	if a.Value == "" {
		return a.Type + ":" + a.Description
	}
	return a.Type + ":" + a.Description + ":" + a.Value
}

// Parse splits a bus message into at most three parts. Messages with fewer
// than two parts are malformed.
func Parse(msg string) (Alert, error) {
	parts := strings.SplitN(msg, ":", 3)
	if len(parts) < 2 {
		return Alert{}, fmt.Errorf("malformed alert %q: %w", msg, errors.ErrParsingFailed)
	}
	a := Alert{Type: parts[0], Description: parts[1]}
	if len(parts) > 2 {
		a.Value = parts[2]
	}
	return a, nil
}

// Bus publishes and consumes alerts over the shared store's pub/sub.
type Bus struct {
	s store.Store
}

// NewBus creates an alert bus on the given store.
func NewBus(s store.Store) *Bus {
	return &Bus{s: s}
}

// PublishLifecycle publishes event:<productID> on the alerts channel.
// Callers must complete all related store writes first; consumers reacting
// to the alert expect to observe consistent state.
func (b *Bus) PublishLifecycle(ctx context.Context, event, productID string) error {
	return b.s.Publish(ctx, store.AlertsChannel, event+":"+productID)
}

// PublishSensor publishes a derived sensor alert on the sensor_alerts
// channel.
func (b *Bus) PublishSensor(ctx context.Context, a Alert) error {
	return b.s.Publish(ctx, store.SensorAlertsChannel, a.String())
}

// Lifecycle subscribes to the alerts channel and delivers parsed alerts
// until ctx is done. Malformed messages are skipped.
func (b *Bus) Lifecycle(ctx context.Context) (<-chan Alert, error) {
	return b.subscribe(ctx, store.AlertsChannel)
}

// Sensor subscribes to the sensor_alerts channel.
func (b *Bus) Sensor(ctx context.Context) (<-chan Alert, error) {
	return b.subscribe(ctx, store.SensorAlertsChannel)
}

// Trigger subscribes to the runtime trigger-mode channel.
func (b *Bus) Trigger(ctx context.Context) (<-chan Alert, error) {
	return b.subscribe(ctx, store.TriggerChannel)
}

func (b *Bus) subscribe(ctx context.Context, channel string) (<-chan Alert, error) {
	msgs, err := b.s.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	out := make(chan Alert, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				a, err := Parse(msg.Data)
				if err != nil {
					continue
				}
				select {
				case out <- a:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
