package store

import "fmt"

// Channel names for the alert bus.
const (
	// AlertsChannel carries lifecycle alerts: configure:<id>,
	// conf_complete:<id>, capture-init:<id>, capture-start:<id>,
	// capture-stop:<id>, capture-done:<id>, deconfigure:<id>.
	AlertsChannel = "alerts"
	// SensorAlertsChannel carries derived sensor conditions:
	// <id>:target:<value>, <id>:data_suspect:<mask>, tracking:<id>,
	// not-tracking:<id>, pointing updates.
	SensorAlertsChannel = "sensor_alerts"
	// TriggerChannel carries runtime trigger-mode switches for the
	// coordinator, messages of the form <id>:trigger_mode:<mode>.
	TriggerChannel = "coordinator_trigger"
)

// Global keys.
const (
	// CurrentObsKey is a convenience cache of the most recently configured
	// product id. It is not authoritative: the live instance set is
	// SubarraysKey.
	CurrentObsKey = "current:obs:id"
	// SubarraysKey holds the JSON set of live product ids and their phases.
	SubarraysKey = "subarrays"
	// FreeHostsKey holds the list of processing nodes available for
	// allocation.
	FreeHostsKey = "coordinator:free_hosts"
)

// SubarrayKey builds an instance-namespaced key: <id>:<suffix>.
func SubarrayKey(productID, suffix string) string {
	return productID + ":" + suffix
}

// Per-subarray key suffixes.
const (
	KeyPhase            = "phase"
	KeyTimestamp        = "timestamp"
	KeyAntennas         = "antennas"
	KeyNChannels        = "n_channels"
	KeyProxyName        = "proxy_name"
	KeyStreams          = "streams"
	KeyCAMURL           = "cam:url"
	KeyCBFPrefix        = "cbf_prefix"
	KeyCBFName          = "cbf_name"
	KeyDegraded         = "degraded"
	KeyLastTarget       = "last-target"
	KeyLastCaptureStart = "last-capture-start"
	KeyScheduleBlocks   = "sched_observation_schedule_1"
)

// AllocatedHostsKey returns the key holding the node list allocated to a
// subarray instance.
func AllocatedHostsKey(productID string) string {
	return "coordinator:allocated_hosts:" + productID
}

// TriggerModeKey returns the per-instance trigger mode key.
func TriggerModeKey(productID string) string {
	return "coordinator:trigger_mode:" + productID
}

// TrackingKey returns the per-instance tracking state key.
func TrackingKey(productID string) string {
	return "coordinator:tracking:" + productID
}

// NodeStatusKey returns the key of a processing node's status buffer hash
// (NETSTAT, PKTIDX, DWELL mirrored from the gateway).
func NodeStatusKey(domain, host string) string {
	return fmt.Sprintf("%s://%s/status", domain, host)
}

// GatewayMirrorKey returns the key of the hash mirroring configure-time
// gateway messages published on channel, kept for the reconfigure tooling.
func GatewayMirrorKey(channel string) string {
	return "gateway:" + channel
}
