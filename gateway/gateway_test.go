package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

func TestChannels(t *testing.T) {
	assert.Equal(t, "bluse://blpn0/set", NodeChannel("bluse", "blpn0"))
	assert.Equal(t, "bluse:///set", FleetChannel("bluse"))
	assert.Equal(t,
		[]string{"bluse://blpn0/set", "bluse://blpn1/set"},
		NodeChannels("bluse", []string{"blpn0", "blpn1"}))
}

func TestBatchEncodeDeterministic(t *testing.T) {
	build := func() *Batch {
		b := NewBatch(FleetChannel("bluse"))
		b.AddInt("FENCHAN", 4096)
		b.Add("SYNCTIME", "1631234567")
		b.AddInt("PKTSTART", 0)
		return b
	}

	first := build().Encode()
	require.Equal(t, []string{"FENCHAN=4096", "SYNCTIME=1631234567", "PKTSTART=0"}, first)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, build().Encode())
	}
}

func TestPublisherMirror(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	ch := NodeChannel("bluse", "blpn7")
	sub, err := s.Subscribe(ctx, ch)
	require.NoError(t, err)

	b := NewBatch(ch).Add("NSTRM", "4").Add("DESTIP", "239.9.0.64+3")
	p := NewPublisher(s, nil)
	require.NoError(t, p.Publish(ctx, b, true))

	assert.Equal(t, "NSTRM=4", (<-sub).Data)
	assert.Equal(t, "DESTIP=239.9.0.64+3", (<-sub).Data)

	mirror, err := s.HGetAll(ctx, store.GatewayMirrorKey(ch))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"NSTRM": "4", "DESTIP": "239.9.0.64+3"}, mirror)
}

func TestPublisherNoMirror(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	b := NewBatch(FleetChannel("bluse")).Add("DESTIP", "0.0.0.0")
	require.NoError(t, NewPublisher(s, nil).Publish(ctx, b, false))

	mirror, err := s.HGetAll(ctx, store.GatewayMirrorKey(FleetChannel("bluse")))
	require.NoError(t, err)
	assert.Empty(t, mirror)
}

func TestFormatDataSuspect(t *testing.T) {
	tests := []struct {
		mask string
		want string
	}{
		{"0000", "#0"},
		{"1111", "#f"},
		{"101010", "#2a"},
		{"1", "#1"},
		// Full array: one bit per polarisation per antenna, 64 antennas.
		{strings.Repeat("1", 128), "#" + strings.Repeat("f", 32)},
		{"1" + strings.Repeat("0", 127), "#8" + strings.Repeat("0", 31)},
	}
	for _, tt := range tests {
		got, err := FormatDataSuspect(tt.mask)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := FormatDataSuspect("not-a-mask")
	assert.Error(t, err)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Target
	}{
		{
			name: "with alias",
			raw:  "J0437-4715 | PSR J0437-4715, radec, 4:37:15.9, -47:15:09.1",
			want: Target{Name: "J0437-4715", RA: "4:37:15.9", Dec: "-47:15:09.1"},
		},
		{
			name: "radec target form",
			raw:  "3C273, radec target, 12:29:06.7, 2:03:08.6",
			want: Target{Name: "3C273", RA: "12:29:06.7", Dec: "2:03:08.6"},
		},
		{
			name: "no name",
			raw:  ", radec, 0:00:00.0, 0:00:00.0",
			want: Target{Name: "NOT_PROVIDED", RA: "0:00:00.0", Dec: "0:00:00.0"},
		},
		{
			name: "punctuation replaced",
			raw:  "3C 218 (Hydra A), radec, 9:18:05.3, -12:05:44",
			want: Target{Name: "3C 218 _Hydra A_", RA: "9:18:05.3", Dec: "-12:05:44"},
		},
		{
			name: "name truncated",
			raw:  "a very long target description indeed, radec, 1:00:00.0, -1:00:00.0",
			want: Target{Name: "a very long targ", RA: "1:00:00.0", Dec: "-1:00:00.0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseTarget("azel, 45.0, 30.0")
	assert.Error(t, err)
}

func TestRAHoursToDegrees(t *testing.T) {
	assert.InDelta(t, 67.5, RAHoursToDegrees(4.5), 1e-12)
}

func TestParseSpeadAddress(t *testing.T) {
	base, n, port, err := ParseSpeadAddress("spead://239.9.0.64+15:7148")
	require.NoError(t, err)
	assert.Equal(t, "239.9.0.64", base)
	assert.Equal(t, 16, n)
	assert.Equal(t, 7148, port)

	base, n, port, err = ParseSpeadAddress("239.9.0.64:7148")
	require.NoError(t, err)
	assert.Equal(t, "239.9.0.64", base)
	assert.Equal(t, 1, n)
	assert.Equal(t, 7148, port)

	_, _, _, err = ParseSpeadAddress("spead://239.9.0.64+15")
	assert.Error(t, err)
}

func TestApportionContiguous(t *testing.T) {
	// 16 streams over 4 nodes, 4 streams each.
	a, err := Apportion("spead://239.9.0.64+15:7148", 4, 4, 0)
	require.NoError(t, err)
	require.Len(t, a.Groups, 4)
	assert.Equal(t, 7148, a.Port)
	assert.Equal(t, 16, a.NAddrs)
	assert.Zero(t, a.Dropped())

	want := []string{"239.9.0.64+3", "239.9.0.68+3", "239.9.0.72+3", "239.9.0.76+3"}
	for i, g := range a.Groups {
		assert.Equal(t, want[i], g.String())
		assert.Equal(t, 4, g.NStreams())
	}
}

func TestApportionPartialLastNode(t *testing.T) {
	// 10 streams over 4 nodes, 4 per node: two full nodes, one with 2.
	a, err := Apportion("spead://239.9.0.64+9:7148", 4, 4, 0)
	require.NoError(t, err)
	require.Len(t, a.Groups, 3)
	assert.Equal(t, "239.9.0.64+3", a.Groups[0].String())
	assert.Equal(t, "239.9.0.68+3", a.Groups[1].String())
	assert.Equal(t, "239.9.0.72+1", a.Groups[2].String())
	assert.Zero(t, a.Dropped())
}

func TestApportionOverflowDropsSurplus(t *testing.T) {
	// 16 streams but only 2 nodes of 4: 8 dropped.
	a, err := Apportion("spead://239.9.0.64+15:7148", 2, 4, 0)
	require.NoError(t, err)
	require.Len(t, a.Groups, 2)
	assert.Equal(t, 8, a.Dropped())
}

func TestApportionOffset(t *testing.T) {
	a, err := Apportion("spead://239.9.0.64+15:7148", 4, 4, 8)
	require.NoError(t, err)
	require.Len(t, a.Groups, 2)
	assert.Equal(t, 8, a.Offset)
	assert.Equal(t, "239.9.0.72+3", a.Groups[0].String())
	assert.Equal(t, "239.9.0.76+3", a.Groups[1].String())
	assert.Zero(t, a.Dropped(), "offset groups are skipped on purpose, not dropped")

	// Offset plus a fleet too small for the remainder: only the true
	// surplus counts.
	a, err = Apportion("spead://239.9.0.64+15:7148", 1, 4, 8)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Dropped())
}

func TestApportionSingleStream(t *testing.T) {
	a, err := Apportion("spead://239.9.0.64:7148", 4, 4, 0)
	require.NoError(t, err)
	require.Len(t, a.Groups, 1)
	assert.Equal(t, "239.9.0.64+0", a.Groups[0].String())
	assert.Equal(t, 1, a.Groups[0].NStreams())
}
