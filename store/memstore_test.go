package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreKV(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore()

	_, err := ms.Get(ctx, "missing")
	assert.Error(t, err)

	require.NoError(t, ms.Set(ctx, "array_1:phase", "CONFIGURED"))
	v, err := ms.Get(ctx, "array_1:phase")
	require.NoError(t, err)
	assert.Equal(t, "CONFIGURED", v)

	require.NoError(t, ms.Delete(ctx, "array_1:phase"))
	_, err = ms.Get(ctx, "array_1:phase")
	assert.Error(t, err)
}

func TestMemStoreListAndHash(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore()

	require.NoError(t, ms.SetList(ctx, "coordinator:free_hosts", []string{"blpn0", "blpn1"}))
	hosts, err := ms.GetList(ctx, "coordinator:free_hosts")
	require.NoError(t, err)
	assert.Equal(t, []string{"blpn0", "blpn1"}, hosts)

	// Returned slice is a copy.
	hosts[0] = "mutated"
	again, err := ms.GetList(ctx, "coordinator:free_hosts")
	require.NoError(t, err)
	assert.Equal(t, "blpn0", again[0])

	require.NoError(t, ms.HSet(ctx, "status:blpn0", "NETSTAT", "record"))
	require.NoError(t, ms.HSet(ctx, "status:blpn0", "PKTIDX", "123456"))
	h, err := ms.HGetAll(ctx, "status:blpn0")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"NETSTAT": "record", "PKTIDX": "123456"}, h)
}

func TestMemStoreKeysPrefix(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore()

	require.NoError(t, ms.Set(ctx, "array_1:phase", "CONFIGURED"))
	require.NoError(t, ms.SetList(ctx, "array_1:antennas", []string{"m001"}))
	require.NoError(t, ms.HSet(ctx, "array_1:status", "x", "y"))
	require.NoError(t, ms.Set(ctx, "array_2:phase", "CONFIGURED"))

	keys, err := ms.Keys(ctx, "array_1:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"array_1:phase", "array_1:antennas", "array_1:status"}, keys)
}

func TestMemStorePubSubOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ms := NewMemStore()

	sub, err := ms.Subscribe(ctx, "alerts")
	require.NoError(t, err)

	for _, msg := range []string{"configure:a", "capture-init:a", "capture-start:a"} {
		require.NoError(t, ms.Publish(ctx, "alerts", msg))
	}

	assert.Equal(t, "configure:a", (<-sub).Data)
	assert.Equal(t, "capture-init:a", (<-sub).Data)
	assert.Equal(t, "capture-start:a", (<-sub).Data)
}

func TestMemStoreSubscribeCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ms := NewMemStore()

	sub, err := ms.Subscribe(ctx, "alerts")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	require.NoError(t, ms.Publish(context.Background(), "alerts", "configure:a"))
}

func TestMemStorePublishDuringCancelDoesNotPanic(t *testing.T) {
	ms := NewMemStore()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			ctx, cancel := context.WithCancel(context.Background())
			sub, err := ms.Subscribe(ctx, "alerts")
			if err != nil {
				cancel()
				t.Error(err)
				return
			}
			go func() {
				for range sub {
				}
			}()
			cancel()
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
			require.NoError(t, ms.Publish(context.Background(), "alerts", "configure:a"))
		}
	}
}

func TestMemStoreChannelsIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ms := NewMemStore()

	alerts, err := ms.Subscribe(ctx, "alerts")
	require.NoError(t, err)
	sensor, err := ms.Subscribe(ctx, "sensor_alerts")
	require.NoError(t, err)

	require.NoError(t, ms.Publish(ctx, "sensor_alerts", "tracking:a"))

	assert.Equal(t, "tracking:a", (<-sensor).Data)
	select {
	case m := <-alerts:
		t.Fatalf("alerts channel received %q", m.Data)
	case <-time.After(50 * time.Millisecond):
	}
}
