package sensors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/alerts"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/metric"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/pkg/retry"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

// UnknownScheduleBlock is stored when no schedule block id is available.
const UnknownScheduleBlock = "Unknown_SB"

// Lists names the short sensor names the manager works with, grouped by
// when they are needed and how their full names are built. The configure
// groups are fetched once; the sub groups form the standing subscription
// opened at capture-init.
type Lists struct {
	SubarrayOnConfigure []string `yaml:"array_on_configure"`
	SubarraySub         []string `yaml:"array_sub"`
	CBFOnConfigure      []string `yaml:"cbf_on_configure"`
	CBFSub              []string `yaml:"cbf_sub"`
	StreamOnConfigure   []string `yaml:"stream_on_configure"`
	StreamSub           []string `yaml:"stream_sub"`
	PerAntennaSub       []string `yaml:"per_antenna_sub"`
}

// instance is the manager's live state for one configured subarray.
type instance struct {
	productID string
	meta      *store.SubarrayMeta
	client    PortalClient
	cbfName   string

	mu  sync.Mutex
	sub *subscription
}

// Manager reacts to lifecycle alerts: it fetches configure-time sensor
// values once per subarray, publishes conf_complete, and maintains standing
// subscriptions from capture-init to deconfigure.
type Manager struct {
	subarrays *store.Subarrays
	bus       *alerts.Bus
	dial      PortalDialer
	lists     Lists
	log       *slog.Logger
	metrics   *metric.Metrics

	retryCfg     retry.Config
	fetchTimeout time.Duration

	mu        sync.Mutex
	instances map[string]*instance
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithMetrics enables metric recording.
func WithMetrics(metrics *metric.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithRetryConfig overrides the fetch retry policy.
func WithRetryConfig(cfg retry.Config) ManagerOption {
	return func(m *Manager) { m.retryCfg = cfg }
}

// WithFetchTimeout sets the base per-attempt timeout for one-shot fetches.
// The timeout grows with each attempt.
func WithFetchTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.fetchTimeout = d }
}

// NewManager creates a sensor subscription manager.
func NewManager(subarrays *store.Subarrays, bus *alerts.Bus, dial PortalDialer, lists Lists, opts ...ManagerOption) *Manager {
	m := &Manager{
		subarrays:    subarrays,
		bus:          bus,
		dial:         dial,
		lists:        lists,
		log:          slog.Default(),
		retryCfg:     retry.DefaultConfig(),
		fetchTimeout: 10 * time.Second,
		instances:    make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run consumes lifecycle alerts until ctx is cancelled. All subscriptions
// and portal connections are torn down before it returns.
func (m *Manager) Run(ctx context.Context) error {
	events, err := m.bus.Lifecycle(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Manager", "Run", "subscribe to lifecycle alerts")
	}
	m.log.Info("sensor manager running")
	defer m.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-events:
			if !ok {
				return nil
			}
			if m.metrics != nil {
				m.metrics.RecordAlertConsumed(store.AlertsChannel, a.Type)
			}
			m.dispatch(ctx, a)
		}
	}
}

// Close tears down every subscription and portal connection.
func (m *Manager) Close() {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.instances = make(map[string]*instance)
	m.mu.Unlock()

	for _, inst := range insts {
		m.teardown(inst)
	}
}

func (m *Manager) dispatch(ctx context.Context, a alerts.Alert) {
	productID := a.Description
	var err error
	switch a.Type {
	case alerts.TypeConfigure:
		err = m.handleConfigure(ctx, productID)
	case alerts.TypeCaptureInit:
		err = m.handleCaptureInit(ctx, productID)
	case alerts.TypeCaptureDone:
		err = m.handleCaptureDone(ctx, productID)
	case alerts.TypeDeconfigure:
		err = m.handleDeconfigure(productID)
	}
	if err != nil {
		m.log.Error("lifecycle event handling failed",
			"event", a.Type, "product_id", productID, "error", err)
	}
}

// handleConfigure fetches the configure-time sensor groups and publishes
// conf_complete. Fetch failures degrade the instance but never block the
// coordinator: conf_complete is published regardless.
func (m *Manager) handleConfigure(ctx context.Context, productID string) error {
	meta, err := m.subarrays.LoadMeta(ctx, productID)
	if err != nil {
		return errors.WrapTransient(err, "Manager", "handleConfigure", "load subarray metadata")
	}

	inst := &instance{productID: productID, meta: meta}
	m.mu.Lock()
	m.instances[productID] = inst
	m.mu.Unlock()

	client, err := m.dial(ctx, meta.CAMURL)
	if err != nil {
		m.degrade(ctx, productID, "portal connection failed: "+err.Error())
	} else {
		inst.client = client
		m.fetchConfigureSensors(ctx, inst)
	}

	// A fresh instance has no target yet; the coordinator treats 0 as
	// "older than any capture-start".
	lastTarget := store.SubarrayKey(productID, store.KeyLastTarget)
	if err := m.subarrays.Store().Set(ctx, lastTarget, "0"); err != nil {
		return errors.WrapTransient(err, "Manager", "handleConfigure", "initialise last-target")
	}

	if err := m.bus.PublishLifecycle(ctx, alerts.TypeConfComplete, productID); err != nil {
		return errors.WrapTransient(err, "Manager", "handleConfigure", "publish conf_complete")
	}
	if m.metrics != nil {
		m.metrics.RecordAlertPublished(store.AlertsChannel, alerts.TypeConfComplete)
	}
	m.log.Info("configuration telemetry complete", "product_id", productID)
	return nil
}

// fetchConfigureSensors resolves the CBF component name and fetches the
// subarray, CBF and stream configure groups.
func (m *Manager) fetchConfigureSensors(ctx context.Context, inst *instance) {
	id := inst.productID

	var names []string
	for _, s := range m.lists.SubarrayOnConfigure {
		names = append(names, subarraySensor(id, s))
	}
	m.fetchOnce(ctx, inst, names)

	poolKey := subarraySensor(id, "pool_resources")
	pool, err := m.subarrays.ReadSensor(ctx, id, poolKey)
	if err != nil {
		m.degrade(ctx, id, "pool_resources unavailable: "+err.Error())
		return
	}
	cbfName, err := componentName(pool.Value, "cbf")
	if err != nil {
		m.degrade(ctx, id, err.Error())
		return
	}
	inst.cbfName = cbfName
	if err := m.subarrays.Store().Set(ctx, store.SubarrayKey(id, store.KeyCBFName), cbfName); err != nil {
		m.log.Warn("cbf name not stored", "product_id", id, "error", err)
	}

	names = names[:0]
	for _, s := range m.lists.CBFOnConfigure {
		names = append(names, cbfSensor(cbfName, inst.meta.CBFPrefix, s))
	}
	for _, s := range m.lists.StreamOnConfigure {
		names = append(names, streamSensor(id, inst.meta.CBFPrefix, s))
	}
	m.fetchOnce(ctx, inst, names)
}

// fetchOnce fetches the named sensors with bounded retries and a growing
// per-attempt timeout, writing whatever arrives into the store. Sensors
// still missing after the last attempt degrade the instance.
func (m *Manager) fetchOnce(ctx context.Context, inst *instance, names []string) {
	if len(names) == 0 {
		return
	}

	attempt := 0
	values, err := retry.DoWithResult(ctx, m.retryCfg, func() (map[string]store.SensorValue, error) {
		attempt++
		fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout*time.Duration(attempt))
		defer cancel()
		return inst.client.SensorValues(fctx, names)
	})
	if err != nil {
		for _, name := range names {
			if m.metrics != nil {
				m.metrics.RecordSensorFetchFailure(name)
			}
		}
		m.degrade(ctx, inst.productID, fmt.Sprintf("fetch failed for %d sensors: %v", len(names), err))
		return
	}

	var missing []string
	for _, name := range names {
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			if m.metrics != nil {
				m.metrics.RecordSensorFetchFailure(name)
			}
			continue
		}
		if err := m.subarrays.WriteSensor(ctx, inst.productID, name, v); err != nil {
			m.log.Warn("sensor value not stored",
				"product_id", inst.productID, "sensor", name, "error", err)
			continue
		}
		if m.metrics != nil {
			m.metrics.RecordSensorUpdate("fetch")
		}
	}
	if len(missing) > 0 {
		m.degrade(ctx, inst.productID, "sensors unavailable: "+strings.Join(missing, ","))
	}
}

// handleCaptureInit records the current schedule block and opens the
// standing subscription. Re-init with a subscription already open is a
// no-op for the subscription.
func (m *Manager) handleCaptureInit(ctx context.Context, productID string) error {
	inst, err := m.instance(ctx, productID)
	if err != nil {
		return err
	}

	m.saveScheduleBlock(ctx, inst)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.sub != nil {
		m.log.Debug("subscription already open", "product_id", productID)
		return nil
	}
	if inst.client == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Manager", "handleCaptureInit",
			"no portal connection for "+productID)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		productID: productID,
		namespace: fmt.Sprintf("%s_%s", productID, uuid.New().String()),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	updates, err := inst.client.Subscribe(subCtx, sub.namespace, m.subscriptionSensors(inst))
	if err != nil {
		cancel()
		return errors.WrapTransient(errors.ErrSubscriptionFailed, "Manager", "handleCaptureInit",
			"subscribe for "+productID+": "+err.Error())
	}
	inst.sub = sub
	go m.runWriter(subCtx, sub, updates)
	m.log.Info("sensor subscription open",
		"product_id", productID, "namespace", sub.namespace)
	return nil
}

// subscriptionSensors builds the full names of the standing subscription.
// Per-antenna sensors use the first antenna only; one telescope's view of
// the target and pointing stands in for the subarray.
func (m *Manager) subscriptionSensors(inst *instance) []string {
	id := inst.productID
	var names []string
	if len(inst.meta.Antennas) > 0 {
		for _, s := range m.lists.PerAntennaSub {
			names = append(names, antennaSensor(inst.meta.Antennas[0], s))
		}
	}
	for _, s := range m.lists.SubarraySub {
		names = append(names, subarraySensor(id, s))
	}
	for _, s := range m.lists.StreamSub {
		names = append(names, streamSensor(id, inst.meta.CBFPrefix, s))
	}
	if inst.cbfName != "" {
		for _, s := range m.lists.CBFSub {
			names = append(names, cbfSensor(inst.cbfName, inst.meta.CBFPrefix, s))
		}
	}
	return names
}

// saveScheduleBlock stores the current schedule block id, falling back to
// Unknown_SB when the portal has none assigned.
func (m *Manager) saveScheduleBlock(ctx context.Context, inst *instance) {
	block := UnknownScheduleBlock
	if inst.client != nil {
		blocks, err := retry.DoWithResult(ctx, m.retryCfg, func() ([]string, error) {
			fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
			defer cancel()
			return inst.client.ScheduleBlocks(fctx)
		})
		if err != nil {
			m.log.Warn("schedule blocks unavailable",
				"product_id", inst.productID, "error", err)
		} else if len(blocks) > 0 {
			block = blocks[0]
		}
	}
	key := store.SubarrayKey(inst.productID, store.KeyScheduleBlocks)
	if err := m.subarrays.Store().Set(ctx, key, block); err != nil {
		m.log.Warn("schedule block not stored", "product_id", inst.productID, "error", err)
	}
}

// handleCaptureDone resets the schedule block so a stale id never names the
// next recording's data directory.
func (m *Manager) handleCaptureDone(ctx context.Context, productID string) error {
	key := store.SubarrayKey(productID, store.KeyScheduleBlocks)
	if err := m.subarrays.Store().Set(ctx, key, UnknownScheduleBlock); err != nil {
		return errors.WrapTransient(err, "Manager", "handleCaptureDone", "reset schedule block")
	}
	return nil
}

// handleDeconfigure cancels the subscription and closes the portal
// connection. Safe to call for unknown instances.
func (m *Manager) handleDeconfigure(productID string) error {
	m.mu.Lock()
	inst, ok := m.instances[productID]
	delete(m.instances, productID)
	m.mu.Unlock()
	if !ok {
		m.log.Debug("deconfigure for unknown instance", "product_id", productID)
		return nil
	}
	m.teardown(inst)
	m.log.Info("sensor subscriptions closed", "product_id", productID)
	return nil
}

func (m *Manager) teardown(inst *instance) {
	inst.mu.Lock()
	sub := inst.sub
	inst.sub = nil
	inst.mu.Unlock()
	if sub != nil {
		sub.stop()
	}
	if inst.client != nil {
		if err := inst.client.Close(); err != nil {
			m.log.Warn("portal close failed", "product_id", inst.productID, "error", err)
		}
	}
}

// instance returns the live state for a product id, reconstructing it from
// the store after a manager restart.
func (m *Manager) instance(ctx context.Context, productID string) (*instance, error) {
	m.mu.Lock()
	inst, ok := m.instances[productID]
	m.mu.Unlock()
	if ok {
		return inst, nil
	}

	meta, err := m.subarrays.LoadMeta(ctx, productID)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrNoSuchSubarray, "Manager", "instance",
			"no state for "+productID)
	}
	inst = &instance{productID: productID, meta: meta}
	if cbfName, err := m.subarrays.Store().Get(ctx, store.SubarrayKey(productID, store.KeyCBFName)); err == nil {
		inst.cbfName = cbfName
	}
	client, err := m.dial(ctx, meta.CAMURL)
	if err != nil {
		m.log.Warn("portal reconnect failed", "product_id", productID, "error", err)
	} else {
		inst.client = client
	}

	m.mu.Lock()
	m.instances[productID] = inst
	m.mu.Unlock()
	return inst, nil
}

// degrade flags the instance as running on incomplete telemetry. Recording
// proceeds; downstream consumers can see why values may be missing. Reasons
// accumulate so a later cause does not hide an earlier one.
func (m *Manager) degrade(ctx context.Context, productID, reason string) {
	m.log.Warn("subarray degraded", "product_id", productID, "reason", reason)
	key := store.SubarrayKey(productID, store.KeyDegraded)
	if prior, err := m.subarrays.Store().Get(ctx, key); err == nil && prior != "" {
		reason = prior + "; " + reason
	}
	if err := m.subarrays.Store().Set(ctx, key, reason); err != nil {
		m.log.Error("degraded flag not stored", "product_id", productID, "error", err)
	}
}
