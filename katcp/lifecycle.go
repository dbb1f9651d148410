package katcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/alerts"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/metric"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

// Lifecycle implements the seven lifecycle requests over the shared store
// and alert bus. Each transition is an atomic sequence of store writes
// followed by exactly one alert publish; a failed request mutates nothing
// and publishes nothing.
type Lifecycle struct {
	subarrays *store.Subarrays
	bus       *alerts.Bus
	log       *slog.Logger
	metrics   *metric.Metrics
}

// NewLifecycle creates the lifecycle handler set.
func NewLifecycle(subarrays *store.Subarrays, bus *alerts.Bus, log *slog.Logger, m *metric.Metrics) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{subarrays: subarrays, bus: bus, log: log, metrics: m}
}

// Register installs the lifecycle handlers, overriding any defaults of the
// same name.
func (l *Lifecycle) Register(r *Registry) error {
	entries := []struct {
		name    string
		help    string
		handler Handler
	}{
		{"configure", "configure product_id antennas_csv n_channels streams_json proxy_name: configure a subarray instance", l.handleConfigure},
		{"capture-init", "capture-init product_id: prepare the instance for recording", l.handleCaptureInit},
		{"capture-start", "capture-start product_id: begin the observation", l.handleCaptureStart},
		{"capture-stop", "capture-stop product_id: stop the observation", l.handleCaptureStop},
		{"capture-done", "capture-done product_id: end the current program block", l.handleCaptureDone},
		{"deconfigure", "deconfigure product_id: tear down the subarray instance", l.handleDeconfigure},
		{"halt", "halt: deconfigure this session's instances and stop the server", l.handleHalt},
	}
	for _, e := range entries {
		if err := r.Register(e.name, e.help, e.handler); err != nil {
			return errors.WrapInvalid(err, "Lifecycle", "Register", e.name+" registration")
		}
	}
	return nil
}

// transitions maps each phase-changing request to its permitted source
// phases and resulting phase.
var transitions = map[string]struct {
	from []store.Phase
	to   store.Phase
}{
	"capture-init":  {from: []store.Phase{store.PhaseConfigured, store.PhaseCaptureReady}, to: store.PhaseCaptureReady},
	"capture-start": {from: []store.Phase{store.PhaseCaptureReady}, to: store.PhaseCapturing},
	"capture-stop":  {from: []store.Phase{store.PhaseCapturing}, to: store.PhaseCaptureStopped},
	"capture-done":  {from: []store.Phase{store.PhaseCaptureStopped, store.PhaseCapturing}, to: store.PhaseCaptureReady},
}

func (l *Lifecycle) handleConfigure(ctx context.Context, s *Session, req Message) Message {
	if len(req.Args) != 5 {
		return NewReply(req.Name, StatusFail,
			"expected product_id antennas_csv n_channels streams_json proxy_name")
	}
	productID, antennasCSV, nChannelsStr, streamsJSON, proxyName :=
		req.Args[0], req.Args[1], req.Args[2], req.Args[3], req.Args[4]

	nChannels, err := parseNChannels(nChannelsStr)
	if err != nil {
		return NewReply(req.Name, StatusFail, failReason(err))
	}
	antennas := splitCSV(antennasCSV)
	if len(antennas) == 0 {
		return NewReply(req.Name, StatusFail, "empty antenna list")
	}

	var streams store.StreamGroups
	if err := json.Unmarshal([]byte(streamsJSON), &streams); err != nil {
		return NewReply(req.Name, StatusFail, "unparsable streams JSON: "+failReason(err))
	}
	camURL, err := store.CAMURLFromStreams(streams)
	if err != nil {
		return NewReply(req.Name, StatusFail, failReason(err))
	}
	cbfPrefix := store.ExtractCBFPrefix(streams)

	phase, err := l.subarrays.Phase(ctx, productID)
	if err != nil {
		return NewReply(req.Name, StatusFail, failReason(err))
	}
	if phase != store.PhaseUnconfigured {
		return NewReply(req.Name, StatusFail,
			fmt.Sprintf("%s already active in phase %s: %v", productID, phase, errors.ErrAlreadyActive))
	}

	meta := store.SubarrayMeta{
		ProductID: productID,
		Timestamp: time.Now(),
		Antennas:  antennas,
		NChannels: nChannels,
		ProxyName: proxyName,
		CAMURL:    camURL,
		Streams:   streams,
		CBFPrefix: cbfPrefix,
	}
	if err := l.subarrays.SaveMeta(ctx, meta); err != nil {
		return NewReply(req.Name, StatusFail, failReason(err))
	}
	if err := l.publish(ctx, alerts.TypeConfigure, productID); err != nil {
		return NewReply(req.Name, StatusFail, failReason(err))
	}

	s.Own(productID)
	l.updateLiveGauge(ctx)
	l.log.Info("subarray configured",
		"product_id", productID, "antennas", len(antennas),
		"n_channels", nChannels, "cbf_prefix", cbfPrefix)
	return NewReply(req.Name, StatusOK)
}

func (l *Lifecycle) handleCaptureInit(ctx context.Context, _ *Session, req Message) Message {
	return l.transition(ctx, req, alerts.TypeCaptureInit)
}

func (l *Lifecycle) handleCaptureStart(ctx context.Context, _ *Session, req Message) Message {
	return l.transition(ctx, req, alerts.TypeCaptureStart)
}

func (l *Lifecycle) handleCaptureStop(ctx context.Context, _ *Session, req Message) Message {
	return l.transition(ctx, req, alerts.TypeCaptureStop)
}

func (l *Lifecycle) handleCaptureDone(ctx context.Context, _ *Session, req Message) Message {
	return l.transition(ctx, req, alerts.TypeCaptureDone)
}

// transition applies one phase-changing request: validate the source
// phase, write the new phase, then publish the alert.
func (l *Lifecycle) transition(ctx context.Context, req Message, event string) Message {
	if len(req.Args) != 1 {
		return NewReply(req.Name, StatusFail, "expected product_id")
	}
	productID := req.Args[0]

	t := transitions[req.Name]
	phase, err := l.subarrays.Phase(ctx, productID)
	if err != nil {
		return NewReply(req.Name, StatusFail, failReason(err))
	}
	if !phaseAllowed(phase, t.from) {
		return NewReply(req.Name, StatusFail,
			fmt.Sprintf("%s in phase %s cannot %s: %v", productID, phase, req.Name, errors.ErrPhaseViolation))
	}

	if err := l.subarrays.SetPhase(ctx, productID, t.to); err != nil {
		return NewReply(req.Name, StatusFail, failReason(err))
	}
	if event == alerts.TypeCaptureStart {
		// The coordinator compares this against last-target to detect a
		// fresh target for the new recording.
		now := float64(time.Now().UnixNano()) / 1e9
		key := store.SubarrayKey(productID, store.KeyLastCaptureStart)
		if err := l.subarrays.Store().Set(ctx, key, fmt.Sprintf("%f", now)); err != nil {
			return NewReply(req.Name, StatusFail, failReason(err))
		}
	}
	if err := l.publish(ctx, event, productID); err != nil {
		return NewReply(req.Name, StatusFail, failReason(err))
	}

	l.log.Info("subarray transition",
		"product_id", productID, "request", req.Name, "from", phase, "to", t.to)
	return NewReply(req.Name, StatusOK)
}

func (l *Lifecycle) handleDeconfigure(ctx context.Context, s *Session, req Message) Message {
	if len(req.Args) != 1 {
		return NewReply(req.Name, StatusFail, "expected product_id")
	}
	productID := req.Args[0]

	if reply, ok := l.deconfigure(ctx, s, productID, req.Name); !ok {
		return reply
	}
	return NewReply(req.Name, StatusOK)
}

// deconfigure tears one instance down from any phase. Returns ok=false
// with the fail reply on error.
func (l *Lifecycle) deconfigure(ctx context.Context, s *Session, productID, reqName string) (Message, bool) {
	phase, err := l.subarrays.Phase(ctx, productID)
	if err != nil {
		return NewReply(reqName, StatusFail, failReason(err)), false
	}
	if phase == store.PhaseUnconfigured {
		return NewReply(reqName, StatusFail,
			fmt.Sprintf("%s is not configured: %v", productID, errors.ErrNoSuchSubarray)), false
	}

	if err := l.subarrays.Remove(ctx, productID); err != nil {
		return NewReply(reqName, StatusFail, failReason(err)), false
	}
	if err := l.publish(ctx, alerts.TypeDeconfigure, productID); err != nil {
		return NewReply(reqName, StatusFail, failReason(err)), false
	}

	s.Disown(productID)
	l.updateLiveGauge(ctx)
	l.log.Info("subarray deconfigured", "product_id", productID, "from", phase)
	return Message{}, true
}

// handleHalt forces UNCONFIGURED for every instance this session
// configured, then stops the server. The reply is written by the dispatch
// path before the listener closes.
func (l *Lifecycle) handleHalt(ctx context.Context, s *Session, req Message) Message {
	for _, productID := range s.OwnedInstances() {
		if reply, ok := l.deconfigure(ctx, s, productID, req.Name); !ok {
			return reply
		}
	}
	l.log.Warn("halting server", "client", s.remote)
	// Stop after the ok reply has had time to flush to the client.
	time.AfterFunc(200*time.Millisecond, s.srv.Halt)
	return NewReply(req.Name, StatusOK)
}

func (l *Lifecycle) publish(ctx context.Context, event, productID string) error {
	if err := l.bus.PublishLifecycle(ctx, event, productID); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.RecordAlertPublished(store.AlertsChannel, event)
	}
	return nil
}

func (l *Lifecycle) updateLiveGauge(ctx context.Context) {
	if l.metrics == nil {
		return
	}
	if live, err := l.subarrays.Live(ctx); err == nil {
		l.metrics.SubarraysLive.Set(float64(len(live)))
	}
}

func phaseAllowed(phase store.Phase, allowed []store.Phase) bool {
	for _, p := range allowed {
		if phase == p {
			return true
		}
	}
	return false
}

func parseNChannels(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad n_channels %q: %w", s, errors.ErrInvalidData)
	}
	return n, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, field := range strings.Split(s, ",") {
		if field = strings.TrimSpace(field); field != "" {
			out = append(out, field)
		}
	}
	return out
}
