// Package sensors implements the sensor subscription manager: it reacts to
// lifecycle alerts by fetching configure-time sensor values once and by
// opening standing subscriptions for stage-gated sensors, mirroring every
// value into the shared store and publishing derived alerts as values
// change. It is the sole writer of sensor keys.
package sensors

import (
	"context"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

// Update is one sensor change delivered over a standing subscription.
type Update struct {
	Name           string
	Status         string
	Value          string
	Timestamp      float64
	ValueTimestamp float64
}

// PortalClient is the telemetry transport boundary to the CAM monitoring
// portal. One client exists per subarray instance, connected to the
// instance's CAM URL.
type PortalClient interface {
	// SensorValues fetches the current values of the named sensors.
	SensorValues(ctx context.Context, names []string) (map[string]store.SensorValue, error)

	// Subscribe opens a standing subscription under the given namespace
	// for the named sensors. Updates arrive on the returned channel until
	// ctx is cancelled; the channel is closed afterwards.
	Subscribe(ctx context.Context, namespace string, names []string) (<-chan Update, error)

	// ScheduleBlocks returns the schedule block ids assigned to the
	// subarray, current block first.
	ScheduleBlocks(ctx context.Context) ([]string, error)

	// Close releases the portal connection.
	Close() error
}

// PortalDialer creates a PortalClient for a subarray's CAM URL.
type PortalDialer func(ctx context.Context, camURL string) (PortalClient, error)
