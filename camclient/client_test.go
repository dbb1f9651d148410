package camclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/sensors"
)

// fakePortal is an in-process CAM portal: HTTP endpoints plus the
// subscription websocket.
type fakePortal struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu         sync.Mutex
	values     map[string]map[string]any
	blocks     []string
	conn       *websocket.Conn
	subscribed map[string][]string

	// writeMu serialises conn writes: the handler goroutine replies while
	// test goroutines push, and gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func (p *fakePortal) writeJSON(conn *websocket.Conn, v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func newFakePortal(t *testing.T) (*fakePortal, *httptest.Server) {
	t.Helper()
	p := &fakePortal{
		t:          t,
		values:     make(map[string]map[string]any),
		subscribed: make(map[string][]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(sensorValuesPath, p.handleSensorValues)
	mux.HandleFunc(scheduleBlocksPath, p.handleScheduleBlocks)
	mux.HandleFunc(websocketPath, p.handleWebsocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, srv
}

func (p *fakePortal) handleSensorValues(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var readings []map[string]any
	for _, name := range r.URL.Query()["names"] {
		if v, ok := p.values[name]; ok {
			readings = append(readings, v)
		}
	}
	json.NewEncoder(w).Encode(readings)
}

func (p *fakePortal) handleScheduleBlocks(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	blocks := make([]map[string]string, 0, len(p.blocks))
	for _, id := range p.blocks {
		blocks = append(blocks, map[string]string{"id_code": id})
	}
	json.NewEncoder(w).Encode(blocks)
}

func (p *fakePortal) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	for {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int64             `json:"id"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Method {
		case "subscribe":
			var namespace string
			var names []string
			json.Unmarshal(req.Params[0], &namespace)
			json.Unmarshal(req.Params[1], &names)
			p.mu.Lock()
			p.subscribed[namespace] = names
			p.mu.Unlock()
		case "unsubscribe":
			var namespace string
			json.Unmarshal(req.Params[0], &namespace)
			p.mu.Lock()
			delete(p.subscribed, namespace)
			p.mu.Unlock()
		}
		reply := map[string]any{"id": req.ID, "result": "ok"}
		if err := p.writeJSON(conn, reply); err != nil {
			return
		}
	}
}

// push sends one sensor update over the portal's websocket.
func (p *fakePortal) push(namespace, sensor string, data map[string]any) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	require.NotNil(p.t, conn, "no websocket connection")
	msg := map[string]any{
		"id": "redis-pubsub",
		"result": map[string]any{
			"msg_channel": namespace + ":" + sensor,
			"msg_data":    data,
		},
	}
	require.NoError(p.t, p.writeJSON(conn, msg))
}

func (p *fakePortal) namespaces() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.subscribed))
	for ns := range p.subscribed {
		out = append(out, ns)
	}
	return out
}

func dialTestPortal(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), "not a url")
	require.Error(t, err)
}

func TestDialFailsWhenPortalUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), "http://127.0.0.1:1")
	require.Error(t, err)
}

func TestSensorValues(t *testing.T) {
	portal, srv := newFakePortal(t)
	portal.values["subarray_1_pool_resources"] = map[string]any{
		"name": "subarray_1_pool_resources", "status": "nominal",
		"value": "cbf_1,m001", "timestamp": 100.5, "value_timestamp": 100.0,
	}
	portal.values["cbf_1_wide_adc_sample_rate"] = map[string]any{
		"name": "cbf_1_wide_adc_sample_rate", "status": "nominal",
		"value": 1712000000.0, "timestamp": 101.0, "value_timestamp": 101.0,
	}
	c := dialTestPortal(t, srv)

	values, err := c.SensorValues(context.Background(),
		[]string{"subarray_1_pool_resources", "cbf_1_wide_adc_sample_rate", "missing_sensor"})
	require.NoError(t, err)
	require.Len(t, values, 2, "unknown sensors are absent, not errors")

	pool := values["subarray_1_pool_resources"]
	assert.Equal(t, "nominal", pool.Status)
	assert.Equal(t, "cbf_1,m001", pool.Value)
	assert.Equal(t, 100.5, pool.Timestamp)

	// Numeric values are flattened to their JSON text.
	rate := values["cbf_1_wide_adc_sample_rate"]
	assert.Equal(t, "1712000000", rate.Value)
}

func TestScheduleBlocks(t *testing.T) {
	portal, srv := newFakePortal(t)
	portal.blocks = []string{"20230101-0007", "20230101-0008"}
	c := dialTestPortal(t, srv)

	blocks, err := c.ScheduleBlocks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20230101-0007", "20230101-0008"}, blocks)
}

func TestSubscribeDeliversUpdates(t *testing.T) {
	portal, srv := newFakePortal(t)
	c := dialTestPortal(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := c.Subscribe(ctx, "array_1_ns", []string{"m001_target"})
	require.NoError(t, err)
	assert.Equal(t, []string{"array_1_ns"}, portal.namespaces())

	portal.push("array_1_ns", "m001_target", map[string]any{
		"name": "m001_target", "status": "nominal",
		"value": "J0408-6545, radec, 4:08:20.38, -65:45:09.1",
		"timestamp": 200.0, "value_timestamp": 199.5,
	})

	select {
	case u := <-updates:
		assert.Equal(t, sensors.Update{
			Name:           "m001_target",
			Status:         "nominal",
			Value:          "J0408-6545, radec, 4:08:20.38, -65:45:09.1",
			Timestamp:      200.0,
			ValueTimestamp: 199.5,
		}, u)
	case <-time.After(time.Second):
		t.Fatal("update never delivered")
	}
}

func TestSubscribeRejectsDuplicateNamespace(t *testing.T) {
	_, srv := newFakePortal(t)
	c := dialTestPortal(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := c.Subscribe(ctx, "array_1_ns", []string{"m001_target"})
	require.NoError(t, err)
	_, err = c.Subscribe(ctx, "array_1_ns", []string{"m001_target"})
	require.Error(t, err)
}

func TestCancelClosesUpdateChannel(t *testing.T) {
	portal, srv := newFakePortal(t)
	c := dialTestPortal(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := c.Subscribe(ctx, "array_1_ns", []string{"m001_target"})
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-updates:
		assert.False(t, ok, "channel must be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	assert.Eventually(t, func() bool {
		return len(portal.namespaces()) == 0
	}, time.Second, 5*time.Millisecond, "portal must see the unsubscribe")
}

func TestCloseClosesSubscriptions(t *testing.T) {
	_, srv := newFakePortal(t)
	c := dialTestPortal(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := c.Subscribe(ctx, "array_1_ns", []string{"m001_target"})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	_, ok := <-updates
	assert.False(t, ok)

	_, err = c.Subscribe(ctx, "array_2_ns", []string{"m002_target"})
	require.Error(t, err, "closed client must refuse new subscriptions")
}
