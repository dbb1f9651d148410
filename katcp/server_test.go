package katcp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/alerts"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

// testClient speaks the wire protocol against a served Server.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func startTestServer(t *testing.T) (*Server, *testClient) {
	t.Helper()
	ms := store.NewMemStore()
	registry := NewRegistry()
	require.NoError(t,
		NewLifecycle(store.NewSubarrays(ms), alerts.NewBus(ms), nil, nil).Register(registry))

	srv := NewServer("127.0.0.1:0", registry)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	// Wait for the listener to bind.
	var conn net.Conn
	var err error
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("tcp", srv.Addr())
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err, "dialing server")
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, scanner: bufio.NewScanner(conn)}
	c.scanner.Buffer(make([]byte, 64*1024), maxLineLen)

	// Consume the version-connect greeting.
	for i := 0; i < 3; i++ {
		m := c.next()
		require.Equal(t, TypeInform, m.Type)
		require.Equal(t, "version-connect", m.Name)
	}
	return srv, c
}

func (c *testClient) next() Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.True(c.t, c.scanner.Scan(), "connection closed: %v", c.scanner.Err())
	m, err := ParseMessage(c.scanner.Text())
	require.NoError(c.t, err)
	return m
}

// request sends a request and returns its reply, collecting informs.
func (c *testClient) request(req Message) (Message, []Message) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(req.String() + "\n"))
	require.NoError(c.t, err)
	var informs []Message
	for {
		m := c.next()
		switch m.Type {
		case TypeInform:
			informs = append(informs, m)
		case TypeReply:
			require.Equal(c.t, req.Name, m.Name)
			return m, informs
		default:
			c.t.Fatalf("unexpected message %q", m.String())
		}
	}
}

func TestServerWatchdog(t *testing.T) {
	_, c := startTestServer(t)
	reply, _ := c.request(NewRequest("watchdog"))
	assert.True(t, reply.OK())
}

func TestServerHelp(t *testing.T) {
	_, c := startTestServer(t)
	reply, informs := c.request(NewRequest("help"))
	require.True(t, reply.OK())

	names := make([]string, 0, len(informs))
	for _, m := range informs {
		require.Len(t, m.Args, 2)
		names = append(names, m.Args[0])
	}
	// Lifecycle handlers registered alongside the administrative defaults.
	for _, want := range []string{"configure", "capture-start", "halt", "watchdog", "sensor-list"} {
		assert.Contains(t, names, want)
	}
}

func TestServerUnknownRequest(t *testing.T) {
	_, c := startTestServer(t)
	reply, _ := c.request(NewRequest("no-such-request"))
	require.NotEmpty(t, reply.Args)
	assert.Equal(t, StatusInvalid, reply.Args[0])
}

func TestServerSensorValue(t *testing.T) {
	srv, c := startTestServer(t)
	srv.AddSensor(NewSensor("test-gauge", "A test sensor", "units", "42"))

	reply, informs := c.request(NewRequest("sensor-value", "test-gauge"))
	require.True(t, reply.OK())
	require.Len(t, informs, 1)
	require.Len(t, informs[0].Args, 5)
	assert.Equal(t, "test-gauge", informs[0].Args[2])
	assert.Equal(t, "nominal", informs[0].Args[3])
	assert.Equal(t, "42", informs[0].Args[4])
}

func TestServerLogLevel(t *testing.T) {
	_, c := startTestServer(t)

	reply, _ := c.request(NewRequest("log-level"))
	require.True(t, reply.OK())
	assert.Equal(t, "info", reply.Args[1])

	reply, _ = c.request(NewRequest("log-level", "debug"))
	require.True(t, reply.OK())

	reply, _ = c.request(NewRequest("log-level"))
	require.True(t, reply.OK())
	assert.Equal(t, "debug", reply.Args[1])

	reply, _ = c.request(NewRequest("log-level", "nonsense"))
	assert.False(t, reply.OK())
}

func TestServerLifecycleOverWire(t *testing.T) {
	_, c := startTestServer(t)

	reply, _ := c.request(NewRequest("configure",
		"array_1", "m001,m002", "4096", testStreams, "bluse_1"))
	require.True(t, reply.OK(), "configure: %v", reply.Args)

	reply, _ = c.request(NewRequest("capture-init", "array_1"))
	assert.True(t, reply.OK())

	reply, _ = c.request(NewRequest("capture-stop", "array_1"))
	require.False(t, reply.OK())
	require.Len(t, reply.Args, 2)
	assert.True(t, strings.Contains(reply.Args[1], "phase"), "reason: %q", reply.Args[1])

	reply, _ = c.request(NewRequest("deconfigure", "array_1"))
	assert.True(t, reply.OK())
}

func TestServerHaltStopsServe(t *testing.T) {
	srv, c := startTestServer(t)

	reply, _ := c.request(NewRequest("halt"))
	assert.True(t, reply.OK())

	select {
	case <-srv.haltCh:
	case <-time.After(2 * time.Second):
		t.Fatal("halt did not trigger shutdown")
	}
}
