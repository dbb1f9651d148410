// Package camclient implements the CAM monitor portal client: HTTP for
// one-shot sensor reads and schedule blocks, a JSON-RPC websocket for
// standing sensor subscriptions. It satisfies sensors.PortalClient.
package camclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/pkg/retry"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/sensors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

// Portal API paths relative to the CAM URL from the configure streams.
const (
	sensorValuesPath   = "/sensor-values"
	scheduleBlocksPath = "/schedule-blocks/assigned"
	websocketPath      = "/client-websocket"
)

const handshakeTimeout = 45 * time.Second

// Client is a connection to one subarray's CAM portal.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	dialer     *websocket.Dialer
	log        *slog.Logger
	reconnect  retry.Config

	writeMu sync.Mutex // guards websocket writes
	mu      sync.Mutex // guards conn, pending, subs, closed
	conn    *websocket.Conn
	pending map[int64]chan wsMessage
	subs    map[string]*subscription
	closed  bool

	nextID atomic.Int64
}

// subscription is one namespace's standing sensor subscription.
type subscription struct {
	namespace string
	names     []string
	updates   chan sensors.Update
	ctx       context.Context
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient overrides the HTTP client used for one-shot reads.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithReconnectConfig overrides the websocket reconnect policy.
func WithReconnectConfig(cfg retry.Config) Option {
	return func(c *Client) { c.reconnect = cfg }
}

// Dial verifies the portal is reachable and returns a client. The websocket
// is opened lazily on the first Subscribe call.
func Dial(ctx context.Context, camURL string, opts ...Option) (*Client, error) {
	base := strings.TrimSuffix(camURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "camclient", "Dial",
			fmt.Sprintf("bad CAM URL %q", camURL))
	}

	wsScheme := "ws"
	if u.Scheme == "https" {
		wsScheme = "wss"
	}

	c := &Client{
		baseURL:    base,
		wsURL:      wsScheme + "://" + u.Host + u.Path + websocketPath,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		log:        slog.Default(),
		reconnect:  retry.Quick(),
		pending:    make(map[int64]chan wsMessage),
		subs:       make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}

	// A cheap probe so configure learns about an unreachable portal
	// immediately rather than on the first fetch.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+scheduleBlocksPath, nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "camclient", "Dial", "build probe request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "camclient", "Dial",
			"portal unreachable: "+err.Error())
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return c, nil
}

// Dialer adapts Dial to the sensors.PortalDialer signature.
func Dialer(opts ...Option) sensors.PortalDialer {
	return func(ctx context.Context, camURL string) (sensors.PortalClient, error) {
		return Dial(ctx, camURL, opts...)
	}
}

// SensorValues fetches the current values of the named sensors over HTTP.
// Sensors the portal does not know are absent from the result, not errors.
func (c *Client) SensorValues(ctx context.Context, names []string) (map[string]store.SensorValue, error) {
	q := url.Values{}
	for _, name := range names {
		q.Add("names", name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+sensorValuesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "camclient", "SensorValues", "build request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "camclient", "SensorValues", "portal request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(errors.ErrSensorUnavailable, "camclient", "SensorValues",
			"portal returned "+resp.Status)
	}

	var readings []sensorReading
	if err := json.NewDecoder(resp.Body).Decode(&readings); err != nil {
		return nil, errors.WrapInvalid(err, "camclient", "SensorValues", "decode response")
	}

	values := make(map[string]store.SensorValue, len(readings))
	for _, r := range readings {
		values[r.Name] = r.toSensorValue()
	}
	return values, nil
}

// ScheduleBlocks fetches the schedule block ids assigned to the subarray.
func (c *Client) ScheduleBlocks(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+scheduleBlocksPath, nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "camclient", "ScheduleBlocks", "build request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "camclient", "ScheduleBlocks", "portal request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(errors.ErrSensorUnavailable, "camclient", "ScheduleBlocks",
			"portal returned "+resp.Status)
	}

	var blocks []struct {
		ID string `json:"id_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&blocks); err != nil {
		return nil, errors.WrapInvalid(err, "camclient", "ScheduleBlocks", "decode response")
	}
	ids := make([]string, 0, len(blocks))
	for _, b := range blocks {
		ids = append(ids, b.ID)
	}
	return ids, nil
}

// Subscribe opens a standing subscription under the given namespace.
// Updates arrive on the returned channel until ctx is cancelled, after
// which the channel is closed. The websocket is shared across namespaces.
func (c *Client) Subscribe(ctx context.Context, namespace string, names []string) (<-chan sensors.Update, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "camclient", "Subscribe", "client closed")
	}
	if _, ok := c.subs[namespace]; ok {
		c.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrAlreadyActive, "camclient", "Subscribe",
			"namespace "+namespace+" already subscribed")
	}
	c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if err := c.sendSubscribe(ctx, namespace, names); err != nil {
		return nil, err
	}

	sub := &subscription{
		namespace: namespace,
		names:     names,
		updates:   make(chan sensors.Update, 64),
		ctx:       ctx,
	}
	c.mu.Lock()
	c.subs[namespace] = sub
	c.mu.Unlock()

	go c.watchCancel(sub)
	return sub.updates, nil
}

// Close tears down the websocket and all subscriptions.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	for _, sub := range c.subs {
		close(sub.updates)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ensureConnected dials the websocket and starts the read pump if no
// connection is up yet.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	if err != nil {
		return errors.WrapTransient(errors.ErrNoConnection, "camclient", "ensureConnected",
			"dial "+c.wsURL+": "+err.Error())
	}
	c.conn = conn
	go c.readPump(conn)
	return nil
}

// sendSubscribe issues the subscribe RPC and waits for its reply.
func (c *Client) sendSubscribe(ctx context.Context, namespace string, names []string) error {
	reply, err := c.call(ctx, "subscribe", namespace, names)
	if err != nil {
		return errors.WrapTransient(errors.ErrSubscriptionFailed, "camclient", "sendSubscribe",
			namespace+": "+err.Error())
	}
	if reply.Error != nil {
		return errors.WrapTransient(errors.ErrSubscriptionFailed, "camclient", "sendSubscribe",
			fmt.Sprintf("%s: portal error %d %s", namespace, reply.Error.Code, reply.Error.Message))
	}
	return nil
}

// call sends one RPC request and waits for the matching reply.
func (c *Client) call(ctx context.Context, method string, params ...any) (wsMessage, error) {
	id := c.nextID.Add(1)
	replyCh := make(chan wsMessage, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return wsMessage{}, errors.ErrConnectionLost
	}
	c.pending[id] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return wsMessage{}, err
	}

	select {
	case <-ctx.Done():
		return wsMessage{}, ctx.Err()
	case reply := <-replyCh:
		return reply, nil
	}
}

// watchCancel unsubscribes and closes the update channel once the
// subscription context ends.
func (c *Client) watchCancel(sub *subscription) {
	<-sub.ctx.Done()

	c.mu.Lock()
	current, ok := c.subs[sub.namespace]
	if ok && current == sub {
		delete(c.subs, sub.namespace)
		close(sub.updates)
	}
	closed := c.closed
	c.mu.Unlock()
	if !ok || current != sub || closed {
		return
	}

	// Best effort: the portal drops the namespace when the socket dies
	// anyway.
	unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.call(unsubCtx, "unsubscribe", sub.namespace, sub.names); err != nil {
		c.log.Debug("unsubscribe failed", "namespace", sub.namespace, "error", err)
	}
}

// readPump dispatches incoming websocket messages: numeric-id replies go to
// pending calls, pushes go to their namespace's subscription. On a read
// error it reconnects and resubscribes the live namespaces.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("unparsable portal message", "error", err)
			continue
		}

		if id, ok := msg.replyID(); ok {
			c.mu.Lock()
			replyCh := c.pending[id]
			c.mu.Unlock()
			if replyCh != nil {
				replyCh <- msg
			}
			continue
		}
		c.dispatchPush(msg)
	}
}

// dispatchPush routes one sensor update to its subscription. Updates for
// unknown namespaces are dropped; a full subscriber loses updates rather
// than stalling the pump.
func (c *Client) dispatchPush(msg wsMessage) {
	var push pushResult
	if err := json.Unmarshal(msg.Result, &push); err != nil {
		c.log.Warn("unparsable sensor push", "error", err)
		return
	}
	namespace, _, ok := strings.Cut(push.MsgChannel, ":")
	if !ok {
		namespace = push.MsgChannel
	}

	// Sending under the lock keeps the channel open for the duration.
	c.mu.Lock()
	sub := c.subs[namespace]
	if sub == nil {
		c.mu.Unlock()
		c.log.Debug("push for unknown namespace", "namespace", namespace)
		return
	}
	dropped := false
	select {
	case sub.updates <- push.MsgData.toUpdate():
	default:
		dropped = true
	}
	c.mu.Unlock()
	if dropped {
		c.log.Warn("subscriber slow, dropping sensor update",
			"namespace", namespace, "sensor", push.MsgData.Name)
	}
}

// handleDisconnect reconnects after an unexpected read failure and
// re-issues the subscribe RPC for every live namespace.
func (c *Client) handleDisconnect(conn *websocket.Conn, readErr error) {
	conn.Close()

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	hasSubs := len(c.subs) > 0
	c.mu.Unlock()

	if !hasSubs {
		return
	}
	c.log.Warn("portal websocket lost, reconnecting", "error", readErr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	err := retry.Do(ctx, c.reconnect, func() error {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		subs := make([]*subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.mu.Unlock()
		for _, sub := range subs {
			if err := c.sendSubscribe(ctx, sub.namespace, sub.names); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.log.Error("portal reconnect failed, subscriptions stale", "error", err)
	}
}

// Wire types.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsMessage is any inbound websocket frame. Replies carry the numeric id of
// the request; sensor pushes carry the string id "redis-pubsub".
type wsMessage struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (m wsMessage) replyID() (int64, bool) {
	id, err := strconv.ParseInt(string(m.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// pushResult is the payload of a sensor update push.
type pushResult struct {
	MsgChannel string        `json:"msg_channel"`
	MsgData    sensorReading `json:"msg_data"`
}

// sensorReading is one sensor sample as the portal encodes it. Values may
// be JSON strings, numbers or booleans; all are flattened to strings.
type sensorReading struct {
	Name           string          `json:"name"`
	Status         string          `json:"status"`
	Value          json.RawMessage `json:"value"`
	Timestamp      float64         `json:"timestamp"`
	ValueTimestamp float64         `json:"value_timestamp"`
}

func (r sensorReading) valueString() string {
	var s string
	if err := json.Unmarshal(r.Value, &s); err == nil {
		return s
	}
	return string(r.Value)
}

func (r sensorReading) toSensorValue() store.SensorValue {
	return store.SensorValue{
		Status:         r.Status,
		Value:          r.valueString(),
		Timestamp:      r.Timestamp,
		ValueTimestamp: r.ValueTimestamp,
	}
}

func (r sensorReading) toUpdate() sensors.Update {
	return sensors.Update{
		Name:           r.Name,
		Status:         r.Status,
		Value:          r.valueString(),
		Timestamp:      r.Timestamp,
		ValueTimestamp: r.ValueTimestamp,
	}
}
