package coordinator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/gateway"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

// CBF and stream sensors the command set is assembled from. Gateway key
// meanings follow appendix B of https://arxiv.org/pdf/1906.07391.pdf.
const (
	sensorSyncTime        = "sync_time"
	sensorADCSampleRate   = "adc_sample_rate"
	sensorChansPerSub     = "antenna_channelised_voltage_n_chans_per_substream"
	sensorSpectraPerHeap  = "tied_array_channelised_voltage_0x_spectra_per_heap"
	sensorSamplesBetween  = "antenna_channelised_voltage_n_samples_between_spectra"
	sensorCentreFrequency = "antenna_channelised_voltage_centre_frequency"
)

// commandSet is the per-subarray snapshot needed to emit a complete node
// configuration. It is local, rebuildable state: everything here is
// re-readable from the store.
type commandSet struct {
	productID string
	nChannels int
	nAnts     int
	syncTime  int64
	feCenter  string // MHz, formatted
	chanBW    string // MHz, formatted
	hnchan    int64
	hntime    int64
	hclocks   int64
	streams   gateway.Assignment
}

// confComplete fires once the sensor manager has fetched all configure-time
// telemetry: it initialises the trigger mode, apportions the F-engine
// streams, allocates processing nodes and configures each one over its
// gateway channel.
func (c *Coordinator) confComplete(ctx context.Context, productID string) error {
	s := c.subarrays.Store()

	if err := s.Set(ctx, store.TriggerModeKey(productID), c.cfg.TriggerMode); err != nil {
		return errors.WrapTransient(err, "Coordinator", "confComplete", "initialise trigger mode")
	}
	c.log.Info("new subarray ready", "product_id", productID, "trigger_mode", c.cfg.TriggerMode)

	cs, err := c.buildCommandSet(ctx, productID)
	if err != nil {
		return errors.WrapInvalid(err, "Coordinator", "confComplete",
			"configuration incomplete for "+productID)
	}
	if dropped := cs.streams.Dropped(); dropped > 0 {
		c.log.Warn("fleet cannot absorb full band, dropping streams",
			"product_id", productID, "dropped", dropped)
	}

	hosts, err := c.allocateHosts(ctx, productID, len(cs.streams.Groups))
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		c.log.Warn("no free processing nodes, cannot record", "product_id", productID)
		return nil
	}

	// SCHAN values form a contiguous non-overlapping partition of the
	// channel range each node's streams cover, starting past any skipped
	// leading groups.
	schan := int64(cs.streams.Offset) * cs.hnchan
	for i, host := range hosts {
		group := cs.streams.Groups[i]
		batch := gateway.NewBatch(gateway.NodeChannel(c.cfg.Domain, host))
		batch.AddInt("BINDPORT", int64(cs.streams.Port))
		batch.AddInt("FENSTRM", int64(cs.streams.NAddrs))
		batch.AddInt("SYNCTIME", cs.syncTime)
		batch.Add("FECENTER", cs.feCenter)
		batch.AddInt("HCLOCKS", cs.hclocks)
		batch.Add("CHAN_BW", cs.chanBW)
		batch.AddInt("FENCHAN", int64(cs.nChannels))
		batch.AddInt("HNCHAN", cs.hnchan)
		batch.AddInt("HNTIME", cs.hntime)
		batch.AddInt("NANTS", int64(cs.nAnts))
		batch.AddInt("PKTSTART", 0)
		batch.AddInt("NSTRM", int64(group.NStreams()))
		batch.AddInt("SCHAN", schan)
		batch.Add("DESTIP", group.String())
		if err := c.publishBatch(ctx, batch, true); err != nil {
			return err
		}
		schan += int64(group.NStreams()) * cs.hnchan
	}
	c.log.Info("fleet configured",
		"product_id", productID, "nodes", len(hosts), "streams", cs.streams.NAddrs)
	return nil
}

// buildCommandSet re-reads every store key the node configuration needs.
// A missing or unparsable value is "still waiting", reported as an error so
// the caller logs the incomplete condition without emitting commands.
func (c *Coordinator) buildCommandSet(ctx context.Context, productID string) (*commandSet, error) {
	meta, err := c.subarrays.LoadMeta(ctx, productID)
	if err != nil {
		return nil, err
	}

	fengAddr, err := fengineAddress(meta)
	if err != nil {
		return nil, err
	}
	offset := c.ipOffset(ctx, productID)
	streams, err := gateway.Apportion(fengAddr, len(c.cfg.Instances), c.cfg.StreamsPerInstance, offset)
	if err != nil {
		return nil, err
	}

	syncTime, err := c.cbfSensorInt(ctx, productID, meta.CBFPrefix, sensorSyncTime)
	if err != nil {
		return nil, err
	}
	hnchan, err := c.cbfSensorInt(ctx, productID, meta.CBFPrefix, sensorChansPerSub)
	if err != nil {
		return nil, err
	}
	hntime, err := c.cbfSensorInt(ctx, productID, meta.CBFPrefix, sensorSpectraPerHeap)
	if err != nil {
		return nil, err
	}
	samplesBetween, err := c.cbfSensorInt(ctx, productID, meta.CBFPrefix, sensorSamplesBetween)
	if err != nil {
		return nil, err
	}
	adcRate, err := c.cbfSensorFloat(ctx, productID, meta.CBFPrefix, sensorADCSampleRate)
	if err != nil {
		return nil, err
	}
	centreFreq, err := c.streamSensorFloat(ctx, productID, meta.CBFPrefix, sensorCentreFrequency)
	if err != nil {
		return nil, err
	}

	return &commandSet{
		productID: productID,
		nChannels: meta.NChannels,
		nAnts:     len(meta.Antennas),
		syncTime:  syncTime,
		feCenter:  gateway.FormatFloat(centreFreq / 1e6),
		chanBW:    gateway.FormatFloat(adcRate / 2.0 / float64(meta.NChannels) / 1e6),
		hnchan:    hnchan,
		hntime:    hntime,
		hclocks:   samplesBetween * hntime,
		streams:   streams,
	}, nil
}

// allocateHosts moves up to n nodes from the free pool to the instance's
// allocation list. A partial allocation covers part of the band; zero free
// hosts means no recording.
func (c *Coordinator) allocateHosts(ctx context.Context, productID string, n int) ([]string, error) {
	s := c.subarrays.Store()
	free, err := s.GetList(ctx, store.FreeHostsKey)
	if err != nil {
		return nil, errors.WrapTransient(err, "Coordinator", "allocateHosts", "read free hosts")
	}
	if len(free) == 0 {
		return nil, nil
	}

	take := n
	if take > len(free) {
		c.log.Warn("insufficient nodes for full band",
			"product_id", productID, "needed", n, "free", len(free))
		take = len(free)
	}
	allocated := free[:take]
	if err := s.SetList(ctx, store.AllocatedHostsKey(productID), allocated); err != nil {
		return nil, errors.WrapTransient(err, "Coordinator", "allocateHosts", "write allocation")
	}
	if err := s.SetList(ctx, store.FreeHostsKey, free[take:]); err != nil {
		return nil, errors.WrapTransient(err, "Coordinator", "allocateHosts", "update free hosts")
	}
	if c.metrics != nil {
		c.metrics.NodesAllocated.Add(float64(take))
	}
	c.log.Info("allocated processing nodes", "product_id", productID, "nodes", take)
	return allocated, nil
}

// deconfigure unsubscribes the instance's nodes from their streams and
// returns them to the free pool.
func (c *Coordinator) deconfigure(ctx context.Context, productID string) error {
	s := c.subarrays.Store()
	hosts, err := s.GetList(ctx, store.AllocatedHostsKey(productID))
	if err != nil {
		return errors.WrapTransient(err, "Coordinator", "deconfigure", "read allocation")
	}

	for _, host := range hosts {
		batch := gateway.NewBatch(gateway.NodeChannel(c.cfg.Domain, host))
		batch.Add("DESTIP", "0.0.0.0")
		if err := c.publishBatch(ctx, batch, false); err != nil {
			return err
		}
	}

	if len(hosts) > 0 {
		free, err := s.GetList(ctx, store.FreeHostsKey)
		if err != nil {
			return errors.WrapTransient(err, "Coordinator", "deconfigure", "read free hosts")
		}
		if err := s.SetList(ctx, store.FreeHostsKey, append(free, hosts...)); err != nil {
			return errors.WrapTransient(err, "Coordinator", "deconfigure", "release hosts")
		}
		if c.metrics != nil {
			c.metrics.NodesAllocated.Sub(float64(len(hosts)))
		}
	}

	for _, key := range []string{
		store.AllocatedHostsKey(productID),
		store.TriggerModeKey(productID),
		store.TrackingKey(productID),
	} {
		if err := s.Delete(ctx, key); err != nil {
			c.log.Warn("stale coordinator key", "key", key, "error", err)
		}
	}
	c.log.Info("released processing nodes", "product_id", productID, "nodes", len(hosts))
	return nil
}

// publishBatch sends a batch and records its messages.
func (c *Coordinator) publishBatch(ctx context.Context, b *gateway.Batch, mirror bool) error {
	if err := c.pub.Publish(ctx, b, mirror); err != nil {
		return err
	}
	if c.metrics != nil {
		for _, m := range b.Messages {
			c.metrics.RecordGatewayMessage(m.Key)
		}
	}
	return nil
}

// fengineAddress picks the channelised-voltage stream address from the
// configure-time stream groups.
func fengineAddress(meta *store.SubarrayMeta) (string, error) {
	group, ok := meta.Streams[store.FEngineStreamType]
	if !ok || len(group) == 0 {
		return "", errors.WrapInvalid(errors.ErrMissingConfig, "Coordinator", "fengineAddress",
			"no F-engine stream group for "+meta.ProductID)
	}
	want := meta.CBFPrefix + ".antenna-channelised-voltage"
	if addr, ok := group[want]; ok {
		return addr, nil
	}
	for _, addr := range group {
		return addr, nil
	}
	return "", errors.WrapInvalid(errors.ErrMissingConfig, "Coordinator", "fengineAddress",
		"no usable F-engine stream for "+meta.ProductID)
}

// ipOffset reads the optional per-instance stream offset used to ingest a
// fraction of the band.
func (c *Coordinator) ipOffset(ctx context.Context, productID string) int {
	v, err := c.subarrays.Store().Get(ctx, store.SubarrayKey(productID, "ip_offset"))
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(v)
	if err != nil || offset < 0 {
		c.log.Warn("ignoring bad ip_offset", "product_id", productID, "value", v)
		return 0
	}
	if offset > 0 {
		c.log.Info("stream offset applied", "product_id", productID, "offset", offset)
	}
	return offset
}

// cbfSensorInt reads a CBF proxy sensor as an integer.
func (c *Coordinator) cbfSensorInt(ctx context.Context, productID, cbfPrefix, sensor string) (int64, error) {
	v, err := c.cbfSensorValue(ctx, productID, cbfPrefix, sensor)
	if err != nil {
		return 0, err
	}
	// Some CBF counts arrive as floats ("8192.0").
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Coordinator", "cbfSensorInt", "parse "+sensor)
	}
	return int64(f), nil
}

// cbfSensorFloat reads a CBF proxy sensor as a float.
func (c *Coordinator) cbfSensorFloat(ctx context.Context, productID, cbfPrefix, sensor string) (float64, error) {
	v, err := c.cbfSensorValue(ctx, productID, cbfPrefix, sensor)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Coordinator", "cbfSensorFloat", "parse "+sensor)
	}
	return f, nil
}

// cbfSensorValue reads <cbf_name>_<cbf_prefix>_<sensor> for the instance.
func (c *Coordinator) cbfSensorValue(ctx context.Context, productID, cbfPrefix, sensor string) (string, error) {
	cbfName, err := c.subarrays.Store().Get(ctx, store.SubarrayKey(productID, store.KeyCBFName))
	if err != nil {
		return "", errors.WrapTransient(errors.ErrSensorUnavailable, "Coordinator", "cbfSensorValue",
			"cbf name unknown for "+productID)
	}
	full := fmt.Sprintf("%s_%s_%s", cbfName, cbfPrefix, sensor)
	sv, err := c.subarrays.ReadSensor(ctx, productID, full)
	if err != nil {
		return "", errors.WrapTransient(errors.ErrSensorUnavailable, "Coordinator", "cbfSensorValue",
			full+" missing")
	}
	return sv.Value, nil
}

// streamSensorFloat reads subarray_<n>_streams_<prefix>_<sensor> as a float.
func (c *Coordinator) streamSensorFloat(ctx context.Context, productID, cbfPrefix, sensor string) (float64, error) {
	n := productID[len(productID)-1:]
	full := fmt.Sprintf("subarray_%s_streams_%s_%s", n, cbfPrefix, sensor)
	sv, err := c.subarrays.ReadSensor(ctx, productID, full)
	if err != nil {
		return 0, errors.WrapTransient(errors.ErrSensorUnavailable, "Coordinator", "streamSensorFloat",
			full+" missing")
	}
	f, err := strconv.ParseFloat(sv.Value, 64)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Coordinator", "streamSensorFloat", "parse "+sensor)
	}
	return f, nil
}
