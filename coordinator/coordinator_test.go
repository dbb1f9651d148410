package coordinator

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/alerts"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/gateway"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

const testProductID = "array_1"

var testHosts = []string{"blpn0", "blpn1", "blpn2", "blpn3"}

// fixture builds a coordinator over an in-memory store with a configured
// subarray whose CBF sensors are fully populated.
func fixture(t *testing.T) (*Coordinator, *store.MemStore, *store.Subarrays) {
	t.Helper()
	ms := store.NewMemStore()
	subarrays := store.NewSubarrays(ms)
	bus := alerts.NewBus(ms)
	ctx := context.Background()

	meta := store.SubarrayMeta{
		ProductID: testProductID,
		Timestamp: time.Now(),
		Antennas:  []string{"m001", "m002"},
		NChannels: 4096,
		CBFPrefix: "wide",
		Streams: store.StreamGroups{
			store.CAMStreamType: {
				"camdata": "http://cam.example/api/client/1",
			},
			store.FEngineStreamType: {
				"wide.antenna-channelised-voltage": "spead://239.9.0.64+15:7148",
			},
		},
	}
	require.NoError(t, subarrays.SaveMeta(ctx, meta))
	require.NoError(t, ms.Set(ctx, store.SubarrayKey(testProductID, store.KeyCBFName), "cbf_1"))

	writeSensor(t, subarrays, "cbf_1_wide_sync_time", "1712000000")
	writeSensor(t, subarrays, "cbf_1_wide_antenna_channelised_voltage_n_chans_per_substream", "256")
	writeSensor(t, subarrays, "cbf_1_wide_tied_array_channelised_voltage_0x_spectra_per_heap", "256")
	writeSensor(t, subarrays, "cbf_1_wide_antenna_channelised_voltage_n_samples_between_spectra", "8192")
	writeSensor(t, subarrays, "cbf_1_wide_adc_sample_rate", "1712000000.0")
	writeSensor(t, subarrays, "subarray_1_streams_wide_antenna_channelised_voltage_centre_frequency", "1284000000.0")

	c := New(subarrays, bus, Config{
		Domain:             "bluse",
		Instances:          testHosts,
		StreamsPerInstance: 4,
		TriggerMode:        TriggerArmed,
	},
		WithDwellPause(time.Millisecond),
		WithTargetRetry(2, time.Millisecond),
	)
	require.NoError(t, c.seedFreeHosts(ctx))
	return c, ms, subarrays
}

func writeSensor(t *testing.T, subarrays *store.Subarrays, name, value string) {
	t.Helper()
	err := subarrays.WriteSensor(context.Background(), testProductID, name,
		store.SensorValue{Status: "nominal", Value: value, Timestamp: 1.0, ValueTimestamp: 1.0})
	require.NoError(t, err)
}

// nodeChannels subscribes to each host's gateway channel before the action
// under test publishes to it.
func nodeChannels(t *testing.T, ms *store.MemStore, hosts []string) map[string]<-chan store.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	chans := make(map[string]<-chan store.Message, len(hosts))
	for _, host := range hosts {
		ch, err := ms.Subscribe(ctx, gateway.NodeChannel("bluse", host))
		require.NoError(t, err)
		chans[host] = ch
	}
	return chans
}

// drain collects every message already delivered to ch. MemStore delivers
// synchronously, so after the action returns the buffer is complete.
func drain(ch <-chan store.Message) []string {
	var msgs []string
	for {
		select {
		case m := <-ch:
			msgs = append(msgs, m.Data)
		default:
			return msgs
		}
	}
}

func toMap(t *testing.T, msgs []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(msgs))
	for _, m := range msgs {
		k, v, found := strings.Cut(m, "=")
		require.True(t, found, "message %q not KEY=value", m)
		out[k] = v
	}
	return out
}

func setNodeStatus(t *testing.T, ms *store.MemStore, host string, fields map[string]string) {
	t.Helper()
	ctx := context.Background()
	for k, v := range fields {
		require.NoError(t, ms.HSet(ctx, store.NodeStatusKey("bluse", host), k, v))
	}
}

func TestConfCompleteDistributesCommands(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	chans := nodeChannels(t, ms, testHosts)

	require.NoError(t, c.confComplete(ctx, testProductID))

	wantDESTIP := []string{"239.9.0.64+3", "239.9.0.68+3", "239.9.0.72+3", "239.9.0.76+3"}
	wantSCHAN := []string{"0", "1024", "2048", "3072"}
	for i, host := range testHosts {
		msgs := drain(chans[host])
		require.NotEmpty(t, msgs, "no commands for %s", host)
		assert.Equal(t, "BINDPORT=7148", msgs[0])
		assert.Equal(t, "DESTIP="+wantDESTIP[i], msgs[len(msgs)-1])

		got := toMap(t, msgs)
		assert.Equal(t, "16", got["FENSTRM"])
		assert.Equal(t, "1712000000", got["SYNCTIME"])
		assert.Equal(t, "1284", got["FECENTER"])
		assert.Equal(t, "2097152", got["HCLOCKS"])
		assert.Equal(t, "0.208984375", got["CHAN_BW"])
		assert.Equal(t, "4096", got["FENCHAN"])
		assert.Equal(t, "256", got["HNCHAN"])
		assert.Equal(t, "256", got["HNTIME"])
		assert.Equal(t, "2", got["NANTS"])
		assert.Equal(t, "0", got["PKTSTART"])
		assert.Equal(t, "4", got["NSTRM"])
		assert.Equal(t, wantSCHAN[i], got["SCHAN"])
	}

	allocated, err := ms.GetList(ctx, store.AllocatedHostsKey(testProductID))
	require.NoError(t, err)
	assert.Equal(t, testHosts, allocated)
	free, err := ms.GetList(ctx, store.FreeHostsKey)
	require.NoError(t, err)
	assert.Empty(t, free)

	mode, err := ms.Get(ctx, store.TriggerModeKey(testProductID))
	require.NoError(t, err)
	assert.Equal(t, TriggerArmed, mode)

	// Configure-time values are mirrored for the reconfigure tooling.
	mirror, err := ms.HGetAll(ctx, store.GatewayMirrorKey(gateway.NodeChannel("bluse", "blpn0")))
	require.NoError(t, err)
	assert.Equal(t, "239.9.0.64+3", mirror["DESTIP"])
}

func TestConfCompleteIncompleteConfigEmitsNothing(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	require.NoError(t, ms.Delete(ctx, store.SubarrayKey(testProductID, "cbf_1_wide_sync_time")))
	chans := nodeChannels(t, ms, testHosts)

	err := c.confComplete(ctx, testProductID)
	require.Error(t, err)

	for _, host := range testHosts {
		assert.Empty(t, drain(chans[host]), "commands leaked to %s", host)
	}
	free, err := ms.GetList(ctx, store.FreeHostsKey)
	require.NoError(t, err)
	assert.Equal(t, testHosts, free, "hosts must stay free when configuration is incomplete")
}

func TestConfCompleteNoFreeHosts(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	require.NoError(t, ms.SetList(ctx, store.FreeHostsKey, nil))
	chans := nodeChannels(t, ms, testHosts)

	require.NoError(t, c.confComplete(ctx, testProductID))
	for _, host := range testHosts {
		assert.Empty(t, drain(chans[host]))
	}
}

// configured runs confComplete and seeds the tracking prerequisites: a fresh
// target, a schedule block and live node status buffers.
func configured(t *testing.T, c *Coordinator, ms *store.MemStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.confComplete(ctx, testProductID))

	require.NoError(t, ms.Set(ctx, store.SubarrayKey(testProductID, "target"),
		"J0408-6545 | PKS 0408-65, radec, 4:08:20.38, -65:45:09.1"))
	require.NoError(t, ms.Set(ctx, store.SubarrayKey(testProductID, store.KeyLastTarget), "100.000000"))
	require.NoError(t, ms.Set(ctx, store.SubarrayKey(testProductID, store.KeyLastCaptureStart), "50.000000"))
	require.NoError(t, ms.Set(ctx, store.SubarrayKey(testProductID, store.KeyScheduleBlocks),
		"20230101-0007,20230101-0008"))

	idxs := []string{"100000", "100100", "100050", "250000"}
	for i, host := range testHosts {
		setNodeStatus(t, ms, host, map[string]string{
			"NETSTAT": "receiving",
			"PKTIDX":  idxs[i],
			"DWELL":   "300",
		})
	}
}

func TestTrackingStartSynchronizedPktstart(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	configured(t, c, ms)
	chans := nodeChannels(t, ms, testHosts)

	require.NoError(t, c.trackingStart(ctx, testProductID))

	// Median of {100000, 100050, 100100, 250000} is 100100; 250000 is an
	// outlier, so PKTSTART = 100100 + 1024 on every node.
	for _, host := range testHosts {
		got := toMap(t, drain(chans[host]))
		assert.Equal(t, "101124", got["PKTSTART"], host)
		assert.Equal(t, "/buf0/20230101/0007", got["DATADIR"], host)
		assert.Equal(t, "J0408-6545", got["SRC_NAME"], host)
		assert.Equal(t, "4:08:20.38", got["RA_STR"], host)
		assert.Equal(t, "-65:45:09.1", got["DEC_STR"], host)
	}

	tracking, err := ms.Get(ctx, store.TrackingKey(testProductID))
	require.NoError(t, err)
	assert.Equal(t, "1", tracking)

	// Armed fires once.
	mode, err := ms.Get(ctx, store.TriggerModeKey(testProductID))
	require.NoError(t, err)
	assert.Equal(t, TriggerIdle, mode)
}

func TestTrackingStartIdleModeSkips(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	configured(t, c, ms)
	require.NoError(t, ms.Set(ctx, store.TriggerModeKey(testProductID), TriggerIdle))
	chans := nodeChannels(t, ms, testHosts)

	require.NoError(t, c.trackingStart(ctx, testProductID))
	for _, host := range testHosts {
		assert.Empty(t, drain(chans[host]))
	}
	_, err := ms.Get(ctx, store.TrackingKey(testProductID))
	assert.Error(t, err, "tracking state must not be set when gated")
}

func TestTrackingStartNShotCountsDown(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	configured(t, c, ms)
	require.NoError(t, ms.Set(ctx, store.TriggerModeKey(testProductID), "nshot:2"))

	require.NoError(t, c.trackingStart(ctx, testProductID))
	mode, err := ms.Get(ctx, store.TriggerModeKey(testProductID))
	require.NoError(t, err)
	assert.Equal(t, "nshot:1", mode)

	require.NoError(t, c.trackingStart(ctx, testProductID))
	mode, err = ms.Get(ctx, store.TriggerModeKey(testProductID))
	require.NoError(t, err)
	assert.Equal(t, TriggerIdle, mode)

	chans := nodeChannels(t, ms, testHosts)
	require.NoError(t, c.trackingStart(ctx, testProductID))
	for _, host := range testHosts {
		assert.Empty(t, drain(chans[host]), "idle mode must gate the third start")
	}
}

func TestTrackingStartStaleTargetFallsBack(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	configured(t, c, ms)
	require.NoError(t, ms.Set(ctx, store.SubarrayKey(testProductID, store.KeyLastTarget), "10.000000"))
	chans := nodeChannels(t, ms, testHosts)

	require.NoError(t, c.trackingStart(ctx, testProductID))
	got := toMap(t, drain(chans["blpn0"]))
	assert.Equal(t, UnknownTarget, got["SRC_NAME"])
	assert.NotContains(t, got, "RA_STR")
	assert.NotContains(t, got, "DEC_STR")
	assert.Contains(t, got, "PKTSTART")
}

func TestTrackingStartNoActiveNodes(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	configured(t, c, ms)
	for _, host := range testHosts {
		setNodeStatus(t, ms, host, map[string]string{"NETSTAT": "idle"})
	}

	require.NoError(t, c.trackingStart(ctx, testProductID))
	_, err := ms.Get(ctx, store.TrackingKey(testProductID))
	assert.Error(t, err, "no recording without an active node")
	mode, err := ms.Get(ctx, store.TriggerModeKey(testProductID))
	require.NoError(t, err)
	assert.Equal(t, TriggerArmed, mode, "a start that never happened must not consume the trigger")
}

func TestTrackingStopDwellDance(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	configured(t, c, ms)
	require.NoError(t, c.trackingStart(ctx, testProductID))
	chans := nodeChannels(t, ms, testHosts)

	require.NoError(t, c.trackingStop(ctx, testProductID))
	for _, host := range testHosts {
		msgs := drain(chans[host])
		assert.Equal(t, []string{"DWELL=0", "PKTSTART=0", "DWELL=300"}, msgs, host)
	}
	tracking, err := ms.Get(ctx, store.TrackingKey(testProductID))
	require.NoError(t, err)
	assert.Equal(t, "0", tracking)

	// Not recording: a second stop is a no-op.
	require.NoError(t, c.trackingStop(ctx, testProductID))
	for _, host := range testHosts {
		assert.Empty(t, drain(chans[host]))
	}
}

func TestSelectStartIndexOutliers(t *testing.T) {
	cases := []struct {
		name string
		idxs []int64
		want int64
	}{
		{"all close", []int64{1000, 1100, 1050}, 1100 + PktIdxMargin},
		{"single node", []int64{5000}, 5000 + PktIdxMargin},
		{"outlier above", []int64{1000, 1100, 900000}, 1100 + PktIdxMargin},
		{"outlier below", []int64{50, 100000, 100200}, 100200 + PktIdxMargin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, selectStartIndex(tc.idxs, PktIdxMargin, slog.Default()))
		})
	}
}

func TestDeconfigureReleasesHosts(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	configured(t, c, ms)
	chans := nodeChannels(t, ms, testHosts)

	require.NoError(t, c.deconfigure(ctx, testProductID))
	for _, host := range testHosts {
		assert.Equal(t, []string{"DESTIP=0.0.0.0"}, drain(chans[host]), host)
	}

	free, err := ms.GetList(ctx, store.FreeHostsKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, testHosts, free)
	allocated, err := ms.GetList(ctx, store.AllocatedHostsKey(testProductID))
	require.NoError(t, err)
	assert.Empty(t, allocated)
	_, err = ms.Get(ctx, store.TriggerModeKey(testProductID))
	assert.Error(t, err)
}

func TestPartialAllocationCoversPartOfBand(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	require.NoError(t, ms.SetList(ctx, store.FreeHostsKey, testHosts[:2]))
	chans := nodeChannels(t, ms, testHosts)

	require.NoError(t, c.confComplete(ctx, testProductID))
	assert.NotEmpty(t, drain(chans["blpn0"]))
	assert.NotEmpty(t, drain(chans["blpn1"]))
	assert.Empty(t, drain(chans["blpn2"]))
	assert.Empty(t, drain(chans["blpn3"]))

	allocated, err := ms.GetList(ctx, store.AllocatedHostsKey(testProductID))
	require.NoError(t, err)
	assert.Equal(t, testHosts[:2], allocated)
}

func TestHandleTriggerSwitchesMode(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()

	c.handleTrigger(ctx, alerts.Alert{Type: testProductID, Description: "trigger_mode", Value: "nshot:3"})
	mode, err := ms.Get(ctx, store.TriggerModeKey(testProductID))
	require.NoError(t, err)
	assert.Equal(t, "nshot:3", mode)

	c.handleTrigger(ctx, alerts.Alert{Type: testProductID, Description: "trigger_mode", Value: "bogus"})
	mode, err = ms.Get(ctx, store.TriggerModeKey(testProductID))
	require.NoError(t, err)
	assert.Equal(t, "nshot:3", mode, "invalid mode must be rejected")
}

func TestValidTriggerMode(t *testing.T) {
	for _, mode := range []string{"auto", "armed", "idle", "nshot:1", "nshot:12"} {
		assert.True(t, ValidTriggerMode(mode), mode)
	}
	for _, mode := range []string{"", "bogus", "nshot:", "nshot:x", "nshot:1x", "Auto"} {
		assert.False(t, ValidTriggerMode(mode), mode)
	}
}

func TestDataSuspectForwardsFestatus(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	configured(t, c, ms)
	chans := nodeChannels(t, ms, testHosts)

	require.NoError(t, c.dataSuspect(ctx, testProductID, "0000000000001111"))
	for _, host := range testHosts {
		assert.Equal(t, []string{"FESTATUS=#f"}, drain(chans[host]), host)
	}
}

func TestPointingUpdatesForwarded(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	configured(t, c, ms)
	chans := nodeChannels(t, ms, testHosts)

	require.NoError(t, c.pointingUpdate(ctx, testProductID, "m001_pos_request_base_dec", "-65.75"))
	require.NoError(t, c.pointingUpdate(ctx, testProductID, "m001_pos_request_base_ra", "4.5"))
	require.NoError(t, c.pointingUpdate(ctx, testProductID, "m001_pos_request_base_azim", "120.5"))
	require.NoError(t, c.pointingUpdate(ctx, testProductID, "m001_pos_request_base_elev", "45.0"))

	got := drain(chans["blpn0"])
	// RA arrives in hours, goes out in degrees.
	assert.Equal(t, []string{"DEC=-65.75", "RA=67.5", "AZ=120.5", "EL=45.0"}, got)
}

func TestSeedFreeHostsLeavesExistingPool(t *testing.T) {
	c, ms, _ := fixture(t)
	ctx := context.Background()
	require.NoError(t, ms.SetList(ctx, store.FreeHostsKey, []string{"blpn9"}))
	require.NoError(t, c.seedFreeHosts(ctx))
	free, err := ms.GetList(ctx, store.FreeHostsKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"blpn9"}, free)
}
