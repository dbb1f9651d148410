// Package coordinator implements the orchestration brain: it consumes
// lifecycle and derived sensor alerts, assembles per-subarray command sets
// from store keys, apportions F-engine streams across the processing-node
// fleet and disseminates gateway commands, including the synchronized
// PKTSTART index that makes every node begin recording on the same packet
// boundary.
package coordinator

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/alerts"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/gateway"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/metric"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

// PktIdxMargin is the safety margin, in packets, added to the observed
// packet indices so every node reaches PKTSTART before it passes.
const PktIdxMargin = 1024

// Trigger modes.
const (
	TriggerAuto  = "auto"
	TriggerArmed = "armed"
	TriggerIdle  = "idle"
	TriggerNShot = "nshot" // nshot:<N>
)

// Config holds the coordinator's static configuration.
type Config struct {
	// Domain is the Hashpipe-Redis gateway domain, e.g. "bluse".
	Domain string
	// Instances names the processing nodes available for allocation.
	Instances []string
	// StreamsPerInstance is how many multicast groups one node ingests.
	StreamsPerInstance int
	// TriggerMode is the initial trigger mode for new subarrays.
	TriggerMode string
}

// Coordinator consumes alerts and drives the processing-node fleet.
type Coordinator struct {
	subarrays *store.Subarrays
	bus       *alerts.Bus
	pub       *gateway.Publisher
	cfg       Config
	log       *slog.Logger
	metrics   *metric.Metrics

	// Pauses and retry knobs, shortened in tests.
	dwellPause      time.Duration
	targetRetries   int
	targetRetryWait time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics enables metric recording.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(c *Coordinator) { c.metrics = metrics }
}

// WithDwellPause sets the wait between zeroing and restoring DWELL on
// tracking stop.
func WithDwellPause(d time.Duration) Option {
	return func(c *Coordinator) { c.dwellPause = d }
}

// WithTargetRetry sets how often and how long to wait for a fresh target
// name after capture-start.
func WithTargetRetry(retries int, wait time.Duration) Option {
	return func(c *Coordinator) {
		c.targetRetries = retries
		c.targetRetryWait = wait
	}
}

// New creates a coordinator.
func New(subarrays *store.Subarrays, bus *alerts.Bus, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		subarrays:       subarrays,
		bus:             bus,
		cfg:             cfg,
		log:             slog.Default(),
		dwellPause:      100 * time.Millisecond,
		targetRetries:   5,
		targetRetryWait: 15 * time.Second,
	}
	if c.cfg.TriggerMode == "" {
		c.cfg.TriggerMode = TriggerArmed
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pub = gateway.NewPublisher(subarrays.Store(), c.log)
	return c
}

// Run seeds the free-host list if absent and consumes the three alert
// channels until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.seedFreeHosts(ctx); err != nil {
		return err
	}

	lifecycle, err := c.bus.Lifecycle(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Coordinator", "Run", "subscribe to lifecycle alerts")
	}
	sensor, err := c.bus.Sensor(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Coordinator", "Run", "subscribe to sensor alerts")
	}
	trigger, err := c.bus.Trigger(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Coordinator", "Run", "subscribe to trigger channel")
	}
	c.log.Info("coordinator running",
		"domain", c.cfg.Domain, "instances", len(c.cfg.Instances),
		"trigger_mode", c.cfg.TriggerMode)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-lifecycle:
			if !ok {
				return nil
			}
			c.record(store.AlertsChannel, a.Type)
			c.handleLifecycle(ctx, a)
		case a, ok := <-sensor:
			if !ok {
				return nil
			}
			c.record(store.SensorAlertsChannel, a.Type)
			c.handleSensor(ctx, a)
		case a, ok := <-trigger:
			if !ok {
				return nil
			}
			c.record(store.TriggerChannel, a.Type)
			c.handleTrigger(ctx, a)
		}
	}
}

// seedFreeHosts writes the configured instance list as the free-host pool
// on first start. An existing pool is left alone: hosts may already be
// allocated.
func (c *Coordinator) seedFreeHosts(ctx context.Context) error {
	s := c.subarrays.Store()
	free, err := s.GetList(ctx, store.FreeHostsKey)
	if err != nil && !stderrors.Is(err, errors.ErrKeyNotFound) {
		return errors.WrapTransient(err, "Coordinator", "seedFreeHosts", "read free hosts")
	}
	if len(free) > 0 {
		return nil
	}
	if err := s.SetList(ctx, store.FreeHostsKey, c.cfg.Instances); err != nil {
		return errors.WrapTransient(err, "Coordinator", "seedFreeHosts", "seed free hosts")
	}
	c.log.Info("seeded free host pool", "hosts", len(c.cfg.Instances))
	return nil
}

func (c *Coordinator) handleLifecycle(ctx context.Context, a alerts.Alert) {
	productID := a.Description
	var err error
	switch a.Type {
	case alerts.TypeConfComplete:
		err = c.confComplete(ctx, productID)
	case alerts.TypeDeconfigure:
		err = c.deconfigure(ctx, productID)
	}
	if err != nil {
		c.log.Error("lifecycle handling failed",
			"event", a.Type, "product_id", productID, "error", err)
	}
}

// handleSensor routes derived sensor alerts. For tracking alerts the
// description is the product id; for per-sensor alerts the type is.
func (c *Coordinator) handleSensor(ctx context.Context, a alerts.Alert) {
	var err error
	switch {
	case a.Type == alerts.TypeTracking:
		err = c.trackingStart(ctx, a.Description)
	case a.Type == alerts.TypeNotTracking:
		err = c.trackingStop(ctx, a.Description)
	case a.Description == alerts.DataSuspectSensor:
		err = c.dataSuspect(ctx, a.Type, a.Value)
	case strings.Contains(a.Description, "pos_request_base"):
		err = c.pointingUpdate(ctx, a.Type, a.Description, a.Value)
	}
	if err != nil {
		c.log.Error("sensor alert handling failed",
			"alert", a.String(), "error", err)
	}
}

// handleTrigger switches an instance's trigger mode at runtime. Messages
// are <product_id>:trigger_mode:<mode>.
func (c *Coordinator) handleTrigger(ctx context.Context, a alerts.Alert) {
	if a.Description != "trigger_mode" {
		c.log.Warn("unrecognised trigger message", "alert", a.String())
		return
	}
	productID, mode := a.Type, a.Value
	if !ValidTriggerMode(mode) {
		c.log.Warn("rejecting invalid trigger mode", "product_id", productID, "mode", mode)
		return
	}
	if err := c.subarrays.Store().Set(ctx, store.TriggerModeKey(productID), mode); err != nil {
		c.log.Error("trigger mode not stored", "product_id", productID, "error", err)
		return
	}
	c.log.Info("trigger mode switched", "product_id", productID, "mode", mode)
}

// ValidTriggerMode reports whether mode is auto, armed, idle or nshot:<N>.
func ValidTriggerMode(mode string) bool {
	switch mode {
	case TriggerAuto, TriggerArmed, TriggerIdle:
		return true
	}
	if rest, ok := strings.CutPrefix(mode, TriggerNShot+":"); ok {
		return rest != "" && !strings.ContainsFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	}
	return false
}

func (c *Coordinator) record(channel, alertType string) {
	if c.metrics != nil {
		c.metrics.RecordAlertConsumed(channel, alertType)
	}
}
