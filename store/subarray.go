package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
)

// Phase is the lifecycle phase of a subarray instance. Each transition is
// driven by exactly one control-protocol request and is observable
// externally only via the published alert.
type Phase string

// Lifecycle phases.
const (
	PhaseUnconfigured   Phase = "UNCONFIGURED"
	PhaseConfigured     Phase = "CONFIGURED"
	PhaseCaptureReady   Phase = "CAPTURE_READY"
	PhaseCapturing      Phase = "CAPTURING"
	PhaseCaptureStopped Phase = "CAPTURE_STOPPED"
)

// SubarrayMeta is the configure-time metadata of one subarray instance.
// A product id is unique only within one active lifetime; CAM may reuse it
// after deconfigure.
type SubarrayMeta struct {
	ProductID string
	Timestamp time.Time
	Antennas  []string
	NChannels int
	ProxyName string
	CAMURL    string
	Streams   StreamGroups
	CBFPrefix string
}

// StreamGroups maps a stream type (e.g. "cbf.antenna_channelised_voltage")
// to its named stream addresses.
type StreamGroups map[string]map[string]string

// CAMStreamType is the stream group carrying the CAM portal URL.
const CAMStreamType = "cam.http"

// FEngineStreamType is the F-engine channelised voltage stream group.
const FEngineStreamType = "cbf.antenna_channelised_voltage"

// SensorValue is the stored tuple for one telemetry sensor reading.
// The sensor subscription manager is the sole writer; all other components
// are read-only.
type SensorValue struct {
	Status         string  `json:"status"`
	Value          string  `json:"value"`
	Timestamp      float64 `json:"timestamp"`
	ValueTimestamp float64 `json:"value_timestamp"`
}

// Subarrays provides typed accessors over the shared store for subarray
// instance state. All methods operate on the live store; none cache.
type Subarrays struct {
	s Store
}

// NewSubarrays wraps a store with the subarray key schema accessors.
func NewSubarrays(s Store) *Subarrays {
	return &Subarrays{s: s}
}

// Store exposes the underlying store for callers that need raw access.
func (sa *Subarrays) Store() Store {
	return sa.s
}

// SaveMeta writes all configure-time metadata keys for a new instance and
// records it in the live instance set. The caller publishes the configure
// alert afterwards, never before.
func (sa *Subarrays) SaveMeta(ctx context.Context, meta SubarrayMeta) error {
	id := meta.ProductID

	streamsJSON, err := json.Marshal(meta.Streams)
	if err != nil {
		return errors.WrapInvalid(err, "Subarrays", "SaveMeta", "encode streams")
	}

	writes := []struct {
		suffix string
		value  string
	}{
		{KeyTimestamp, strconv.FormatFloat(float64(meta.Timestamp.UnixNano())/1e9, 'f', -1, 64)},
		{KeyNChannels, strconv.Itoa(meta.NChannels)},
		{KeyProxyName, meta.ProxyName},
		{KeyStreams, string(streamsJSON)},
		{KeyCAMURL, meta.CAMURL},
		{KeyCBFPrefix, meta.CBFPrefix},
		{KeyPhase, string(PhaseConfigured)},
	}
	for _, w := range writes {
		if err := sa.s.Set(ctx, SubarrayKey(id, w.suffix), w.value); err != nil {
			return errors.WrapTransient(err, "Subarrays", "SaveMeta", "write "+w.suffix)
		}
	}
	if err := sa.s.SetList(ctx, SubarrayKey(id, KeyAntennas), meta.Antennas); err != nil {
		return errors.WrapTransient(err, "Subarrays", "SaveMeta", "write antennas")
	}

	// Convenience cache only; the instance set below is authoritative.
	if err := sa.s.Set(ctx, CurrentObsKey, id); err != nil {
		return errors.WrapTransient(err, "Subarrays", "SaveMeta", "write current obs id")
	}

	return sa.setInstancePhase(ctx, id, PhaseConfigured)
}

// LoadMeta reads back the configure-time metadata of an instance.
func (sa *Subarrays) LoadMeta(ctx context.Context, id string) (*SubarrayMeta, error) {
	nChannelsStr, err := sa.s.Get(ctx, SubarrayKey(id, KeyNChannels))
	if err != nil {
		return nil, errors.WrapTransient(err, "Subarrays", "LoadMeta", "read n_channels")
	}
	nChannels, err := strconv.Atoi(nChannelsStr)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Subarrays", "LoadMeta", "parse n_channels")
	}

	antennas, err := sa.s.GetList(ctx, SubarrayKey(id, KeyAntennas))
	if err != nil {
		return nil, errors.WrapTransient(err, "Subarrays", "LoadMeta", "read antennas")
	}

	streamsJSON, err := sa.s.Get(ctx, SubarrayKey(id, KeyStreams))
	if err != nil {
		return nil, errors.WrapTransient(err, "Subarrays", "LoadMeta", "read streams")
	}
	var streams StreamGroups
	if err := json.Unmarshal([]byte(streamsJSON), &streams); err != nil {
		return nil, errors.WrapInvalid(err, "Subarrays", "LoadMeta", "decode streams")
	}

	meta := &SubarrayMeta{
		ProductID: id,
		Antennas:  antennas,
		NChannels: nChannels,
		Streams:   streams,
	}

	// Optional string fields tolerate absence for partially written state.
	if v, err := sa.s.Get(ctx, SubarrayKey(id, KeyProxyName)); err == nil {
		meta.ProxyName = v
	}
	if v, err := sa.s.Get(ctx, SubarrayKey(id, KeyCAMURL)); err == nil {
		meta.CAMURL = v
	}
	if v, err := sa.s.Get(ctx, SubarrayKey(id, KeyCBFPrefix)); err == nil {
		meta.CBFPrefix = v
	}
	if v, err := sa.s.Get(ctx, SubarrayKey(id, KeyTimestamp)); err == nil {
		if ts, err := strconv.ParseFloat(v, 64); err == nil {
			meta.Timestamp = time.Unix(int64(ts), int64((ts-float64(int64(ts)))*1e9))
		}
	}

	return meta, nil
}

// Phase returns the lifecycle phase of an instance. An instance with no
// phase key is UNCONFIGURED.
func (sa *Subarrays) Phase(ctx context.Context, id string) (Phase, error) {
	v, err := sa.s.Get(ctx, SubarrayKey(id, KeyPhase))
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return PhaseUnconfigured, nil
		}
		return PhaseUnconfigured, errors.WrapTransient(err, "Subarrays", "Phase", "read phase")
	}
	return Phase(v), nil
}

// SetPhase records a new lifecycle phase for an instance.
func (sa *Subarrays) SetPhase(ctx context.Context, id string, phase Phase) error {
	if err := sa.s.Set(ctx, SubarrayKey(id, KeyPhase), string(phase)); err != nil {
		return errors.WrapTransient(err, "Subarrays", "SetPhase", "write phase")
	}
	return sa.setInstancePhase(ctx, id, phase)
}

// Live returns the set of live product ids with their phases.
func (sa *Subarrays) Live(ctx context.Context) (map[string]Phase, error) {
	v, err := sa.s.Get(ctx, SubarraysKey)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return map[string]Phase{}, nil
		}
		return nil, errors.WrapTransient(err, "Subarrays", "Live", "read instance set")
	}
	live := map[string]Phase{}
	if err := json.Unmarshal([]byte(v), &live); err != nil {
		return nil, errors.WrapInvalid(err, "Subarrays", "Live", "decode instance set")
	}
	return live, nil
}

// Remove deletes every instance-namespaced key for id and drops it from the
// live instance set. Idempotent: removing an absent instance is a no-op.
// Coordinator-owned keys (host allocation, trigger mode, tracking state) are
// left alone: the coordinator still needs them to release the instance's
// nodes when it handles the deconfigure alert.
func (sa *Subarrays) Remove(ctx context.Context, id string) error {
	keys, err := sa.s.Keys(ctx, id+":")
	if err != nil {
		return errors.WrapTransient(err, "Subarrays", "Remove", "list instance keys")
	}
	for _, key := range keys {
		if err := sa.s.Delete(ctx, key); err != nil {
			return errors.WrapTransient(err, "Subarrays", "Remove", "delete "+key)
		}
	}

	// Clear the convenience pointer if it still names this instance.
	if cur, err := sa.s.Get(ctx, CurrentObsKey); err == nil && cur == id {
		if err := sa.s.Delete(ctx, CurrentObsKey); err != nil {
			return errors.WrapTransient(err, "Subarrays", "Remove", "clear current obs id")
		}
	}

	return sa.dropInstance(ctx, id)
}

// WriteSensor stores a sensor value tuple under <id>:<sensor>.
func (sa *Subarrays) WriteSensor(ctx context.Context, id, sensor string, v SensorValue) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "Subarrays", "WriteSensor", "encode sensor value")
	}
	if err := sa.s.Set(ctx, SubarrayKey(id, sensor), string(data)); err != nil {
		return errors.WrapTransient(err, "Subarrays", "WriteSensor", "write "+sensor)
	}
	return nil
}

// ReadSensor reads a sensor value tuple from <id>:<sensor>.
func (sa *Subarrays) ReadSensor(ctx context.Context, id, sensor string) (*SensorValue, error) {
	data, err := sa.s.Get(ctx, SubarrayKey(id, sensor))
	if err != nil {
		return nil, err
	}
	var v SensorValue
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, errors.WrapInvalid(err, "Subarrays", "ReadSensor", "decode "+sensor)
	}
	return &v, nil
}

// setInstancePhase updates the live instance set, creating the entry if new.
func (sa *Subarrays) setInstancePhase(ctx context.Context, id string, phase Phase) error {
	return sa.updateInstanceSet(ctx, func(live map[string]Phase) {
		live[id] = phase
	})
}

func (sa *Subarrays) dropInstance(ctx context.Context, id string) error {
	return sa.updateInstanceSet(ctx, func(live map[string]Phase) {
		delete(live, id)
	})
}

func (sa *Subarrays) updateInstanceSet(ctx context.Context, mutate func(map[string]Phase)) error {
	live, err := sa.Live(ctx)
	if err != nil {
		return err
	}
	mutate(live)
	data, err := json.Marshal(live)
	if err != nil {
		return errors.WrapInvalid(err, "Subarrays", "updateInstanceSet", "encode instance set")
	}
	if err := sa.s.Set(ctx, SubarraysKey, string(data)); err != nil {
		return errors.WrapTransient(err, "Subarrays", "updateInstanceSet", "write instance set")
	}
	return nil
}

// ExtractCBFPrefix pulls the CBF sensor-name prefix from the F-engine stream
// name ("wide" if the stream group is absent or unparsable, matching the CAM
// recommendation).
func ExtractCBFPrefix(streams StreamGroups) string {
	group, ok := streams[FEngineStreamType]
	if !ok || len(group) == 0 {
		return "wide"
	}
	for name := range group {
		if i := strings.Index(name, "."); i > 0 {
			return name[:i]
		}
		return name
	}
	return "wide"
}

// CAMURLFromStreams extracts the CAM portal URL from the stream groups.
func CAMURLFromStreams(streams StreamGroups) (string, error) {
	group, ok := streams[CAMStreamType]
	if !ok {
		return "", fmt.Errorf("streams missing %q group: %w", CAMStreamType, errors.ErrInvalidData)
	}
	if url, ok := group["camdata"]; ok {
		return url, nil
	}
	for _, url := range group {
		return url, nil
	}
	return "", fmt.Errorf("empty %q group: %w", CAMStreamType, errors.ErrInvalidData)
}
