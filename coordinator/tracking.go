package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/gateway"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

// UnknownTarget is sent as SRC_NAME when no fresh target name arrived.
const UnknownTarget = "UNKNOWN"

// trackingStart fires when the subarray transitions onto source. If the
// trigger mode allows it, the instance's nodes receive the recording
// context (DATADIR, target, coordinates) followed by one synchronized
// PKTSTART. PKTSTART is computed once and is identical on every node.
func (c *Coordinator) trackingStart(ctx context.Context, productID string) error {
	s := c.subarrays.Store()

	mode, err := s.Get(ctx, store.TriggerModeKey(productID))
	if err != nil {
		mode = c.cfg.TriggerMode
	}
	if !c.shouldTrigger(productID, mode) {
		return nil
	}

	hosts, err := s.GetList(ctx, store.AllocatedHostsKey(productID))
	if err != nil {
		return errors.WrapTransient(err, "Coordinator", "trackingStart", "read allocation")
	}
	if len(hosts) == 0 {
		c.log.Warn("tracking but no nodes allocated", "product_id", productID)
		return nil
	}

	datadir := c.datadir(ctx, productID)
	target := c.target(ctx, productID)

	for _, host := range hosts {
		batch := gateway.NewBatch(gateway.NodeChannel(c.cfg.Domain, host))
		batch.Add("DATADIR", datadir)
		batch.Add("SRC_NAME", target.Name)
		if target.RA != "" {
			batch.Add("RA_STR", target.RA)
			batch.Add("DEC_STR", target.Dec)
		}
		if err := c.publishBatch(ctx, batch, false); err != nil {
			return err
		}
	}

	// PKTSTART goes out last so every node has its recording context
	// before the index passes.
	startIdx, ok := c.startIndex(ctx, hosts)
	if !ok {
		c.log.Error("no active nodes, recording not started", "product_id", productID)
		return nil
	}
	for _, host := range hosts {
		batch := gateway.NewBatch(gateway.NodeChannel(c.cfg.Domain, host))
		batch.AddInt("PKTSTART", startIdx)
		if err := c.publishBatch(ctx, batch, false); err != nil {
			return err
		}
	}
	if c.metrics != nil {
		c.metrics.CapturesStarted.Inc()
	}

	c.advanceTriggerMode(ctx, productID, mode)
	if err := s.Set(ctx, store.TrackingKey(productID), "1"); err != nil {
		return errors.WrapTransient(err, "Coordinator", "trackingStart", "set tracking state")
	}
	c.log.Info("recording started",
		"product_id", productID, "src_name", target.Name,
		"datadir", datadir, "pktstart", startIdx, "nodes", len(hosts))
	return nil
}

// trackingStop winds recording down when the subarray leaves the tracking
// state: DWELL is zeroed, PKTSTART reset, then DWELL restored so the node
// is ready for the next trigger. A no-op unless a recording is running.
func (c *Coordinator) trackingStop(ctx context.Context, productID string) error {
	s := c.subarrays.Store()
	state, err := s.Get(ctx, store.TrackingKey(productID))
	if err != nil || state != "1" {
		return nil
	}

	hosts, err := s.GetList(ctx, store.AllocatedHostsKey(productID))
	if err != nil {
		return errors.WrapTransient(err, "Coordinator", "trackingStop", "read allocation")
	}
	for _, host := range hosts {
		dwell := c.nodeDwell(ctx, host)
		batch := gateway.NewBatch(gateway.NodeChannel(c.cfg.Domain, host))
		batch.Add("DWELL", "0")
		batch.AddInt("PKTSTART", 0)
		if err := c.publishBatch(ctx, batch, false); err != nil {
			return err
		}
		time.Sleep(c.dwellPause)
		restore := gateway.NewBatch(gateway.NodeChannel(c.cfg.Domain, host))
		restore.Add("DWELL", dwell)
		if err := c.publishBatch(ctx, restore, false); err != nil {
			return err
		}
	}

	if err := s.Set(ctx, store.TrackingKey(productID), "0"); err != nil {
		return errors.WrapTransient(err, "Coordinator", "trackingStop", "reset tracking state")
	}
	c.log.Info("recording stopped", "product_id", productID, "nodes", len(hosts))
	return nil
}

// dataSuspect forwards the per-F-engine data-suspect bitmask to the
// instance's nodes as a compact hex FESTATUS.
func (c *Coordinator) dataSuspect(ctx context.Context, productID, mask string) error {
	festatus, err := gateway.FormatDataSuspect(mask)
	if err != nil {
		return err
	}
	return c.fanout(ctx, productID, "FESTATUS", festatus)
}

// pointingUpdate forwards antenna position requests to the instance's
// nodes. RA arrives in hours and is recorded in degrees.
func (c *Coordinator) pointingUpdate(ctx context.Context, productID, sensor, value string) error {
	switch {
	case strings.Contains(sensor, "dec"):
		return c.fanout(ctx, productID, "DEC", value)
	case strings.Contains(sensor, "ra"):
		hours, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.WrapInvalid(err, "Coordinator", "pointingUpdate", "parse RA")
		}
		deg := gateway.FormatFloat(gateway.RAHoursToDegrees(hours))
		return c.fanout(ctx, productID, "RA", deg)
	case strings.Contains(sensor, "azim"):
		return c.fanout(ctx, productID, "AZ", value)
	case strings.Contains(sensor, "elev"):
		return c.fanout(ctx, productID, "EL", value)
	}
	return nil
}

// fanout sends one KEY=value to every node allocated to the instance.
func (c *Coordinator) fanout(ctx context.Context, productID, key, value string) error {
	hosts, err := c.subarrays.Store().GetList(ctx, store.AllocatedHostsKey(productID))
	if err != nil {
		return errors.WrapTransient(err, "Coordinator", "fanout", "read allocation")
	}
	for _, host := range hosts {
		batch := gateway.NewBatch(gateway.NodeChannel(c.cfg.Domain, host))
		batch.Add(key, value)
		if err := c.publishBatch(ctx, batch, false); err != nil {
			return err
		}
	}
	return nil
}

// shouldTrigger evaluates the trigger-mode predicate for a new tracking
// event.
func (c *Coordinator) shouldTrigger(productID, mode string) bool {
	switch {
	case mode == TriggerAuto, mode == TriggerArmed:
		return true
	case strings.HasPrefix(mode, TriggerNShot+":"):
		n, err := strconv.Atoi(strings.TrimPrefix(mode, TriggerNShot+":"))
		if err == nil && n > 0 {
			return true
		}
	}
	c.log.Info("trigger mode gates recording", "product_id", productID, "mode", mode)
	return false
}

// advanceTriggerMode applies the post-trigger transition: armed fires once,
// nshot counts down to idle, auto stays.
func (c *Coordinator) advanceTriggerMode(ctx context.Context, productID, mode string) {
	s := c.subarrays.Store()
	switch {
	case mode == TriggerArmed:
		if err := s.Set(ctx, store.TriggerModeKey(productID), TriggerIdle); err != nil {
			c.log.Error("trigger mode not updated", "product_id", productID, "error", err)
			return
		}
		c.log.Info("trigger mode armed fired, now idle", "product_id", productID)
	case strings.HasPrefix(mode, TriggerNShot+":"):
		n, err := strconv.Atoi(strings.TrimPrefix(mode, TriggerNShot+":"))
		if err != nil {
			return
		}
		n--
		next := TriggerNShot + ":" + strconv.Itoa(n)
		if n <= 0 {
			next = TriggerIdle
		}
		if err := s.Set(ctx, store.TriggerModeKey(productID), next); err != nil {
			c.log.Error("trigger mode not updated", "product_id", productID, "error", err)
			return
		}
		c.log.Info("trigger shots remaining", "product_id", productID, "mode", next)
	}
}

// startIndex computes the one PKTSTART shared by all nodes: the median of
// the free-running packet indices with outliers beyond the margin ignored,
// plus the safety margin.
func (c *Coordinator) startIndex(ctx context.Context, hosts []string) (int64, bool) {
	var idxs []int64
	for _, host := range hosts {
		idx, ok := c.nodePktIdx(ctx, host)
		if ok {
			idxs = append(idxs, idx)
		}
	}
	if len(idxs) == 0 {
		return 0, false
	}
	return selectStartIndex(idxs, PktIdxMargin, c.log), true
}

// selectStartIndex picks the largest in-family packet index plus the
// margin. Indices further than the margin from the median are outliers: a
// node that just restarted must not drag the start into the past.
func selectStartIndex(idxs []int64, margin int64, log *slog.Logger) int64 {
	sorted := append([]int64(nil), idxs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := sorted[len(sorted)/2]

	var best int64
	outliers := 0
	for _, idx := range idxs {
		diff := idx - median
		if diff < 0 {
			diff = -diff
		}
		if diff > margin {
			outliers++
			continue
		}
		if idx > best {
			best = idx
		}
	}
	if outliers > 0 {
		log.Warn("packet indices exceed margin", "outliers", outliers, "total", len(idxs))
	}
	if outliers > len(idxs)/2 {
		log.Warn("large packet index spread, check node sync")
	}
	return best + margin
}

// nodePktIdx reads a node's current packet index from its status buffer.
// Idle or unreachable nodes report no index.
func (c *Coordinator) nodePktIdx(ctx context.Context, host string) (int64, bool) {
	status, err := c.subarrays.Store().HGetAll(ctx, store.NodeStatusKey(c.cfg.Domain, host))
	if err != nil || len(status) == 0 {
		c.log.Warn("node status unavailable", "host", host)
		return 0, false
	}
	if status["NETSTAT"] == "" || status["NETSTAT"] == "idle" {
		c.log.Warn("node network idle", "host", host)
		return 0, false
	}
	idx, err := strconv.ParseInt(status["PKTIDX"], 10, 64)
	if err != nil {
		c.log.Warn("node PKTIDX missing or bad", "host", host, "value", status["PKTIDX"])
		return 0, false
	}
	return idx, true
}

// nodeDwell reads a node's configured dwell time, "0" when unknown.
func (c *Coordinator) nodeDwell(ctx context.Context, host string) string {
	status, err := c.subarrays.Store().HGetAll(ctx, store.NodeStatusKey(c.cfg.Domain, host))
	if err != nil || len(status) == 0 {
		c.log.Warn("node status unavailable, DWELL defaulting to 0", "host", host)
		return "0"
	}
	dwell, ok := status["DWELL"]
	if !ok || dwell == "" {
		c.log.Warn("DWELL missing from node status", "host", host)
		return "0"
	}
	return dwell
}

// datadir derives the recording directory from the current schedule block
// id (YYYYMMDD-XXXX becomes /buf0/YYYYMMDD/XXXX).
func (c *Coordinator) datadir(ctx context.Context, productID string) string {
	sbID := store.SubarrayKey(productID, store.KeyScheduleBlocks)
	blocks, err := c.subarrays.Store().Get(ctx, sbID)
	if err != nil || blocks == "" {
		c.log.Warn("schedule block unknown", "product_id", productID)
		return "/buf0/Unknown_SB"
	}
	current, _, _ := strings.Cut(blocks, ",")
	return "/buf0/" + strings.ReplaceAll(current, "-", "/")
}

// target resolves the recording's target: it waits for a target update
// newer than the last capture-start, then parses the CAM target string.
// Without a fresh or parsable target the name falls back to UNKNOWN with
// no coordinates.
func (c *Coordinator) target(ctx context.Context, productID string) gateway.Target {
	raw, ok := c.freshTarget(ctx, productID)
	if !ok {
		return gateway.Target{Name: UnknownTarget}
	}
	t, err := gateway.ParseTarget(raw)
	if err != nil {
		c.log.Warn("unparsable target string", "product_id", productID, "target", raw)
		return gateway.Target{Name: UnknownTarget}
	}
	return t
}

// freshTarget retries until the last target update is newer than the last
// capture-start.
func (c *Coordinator) freshTarget(ctx context.Context, productID string) (string, bool) {
	s := c.subarrays.Store()
	for attempt := 0; attempt < c.targetRetries; attempt++ {
		lastTarget := c.floatKey(ctx, store.SubarrayKey(productID, store.KeyLastTarget))
		lastStart := c.floatKey(ctx, store.SubarrayKey(productID, store.KeyLastCaptureStart))
		if lastTarget >= lastStart {
			raw, err := s.Get(ctx, store.SubarrayKey(productID, "target"))
			if err != nil {
				break
			}
			return raw, true
		}
		c.log.Warn("no new target yet, retrying", "product_id", productID, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(c.targetRetryWait):
		}
	}
	c.log.Error("no fresh target, defaulting", "product_id", productID, "name", UnknownTarget)
	return "", false
}

func (c *Coordinator) floatKey(ctx context.Context, key string) float64 {
	v, err := c.subarrays.Store().Get(ctx, key)
	if err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
