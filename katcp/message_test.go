package katcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		line string
		want Message
	}{
		{
			line: "?watchdog",
			want: Message{Type: TypeRequest, Name: "watchdog", Args: []string{}},
		},
		{
			line: "?capture-init array_1",
			want: Message{Type: TypeRequest, Name: "capture-init", Args: []string{"array_1"}},
		},
		{
			line: "!configure ok",
			want: Message{Type: TypeReply, Name: "configure", Args: []string{"ok"}},
		},
		{
			line: `#version-connect katcp-protocol\_5.0-MI`,
			want: Message{Type: TypeInform, Name: "version-connect", Args: []string{"katcp-protocol 5.0-MI"}},
		},
		{
			line: `?log-level \@`,
			want: Message{Type: TypeRequest, Name: "log-level", Args: []string{""}},
		},
	}
	for _, tt := range tests {
		got, err := ParseMessage(tt.line)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestParseMessageErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"watchdog",         // no type byte
		"?",                // no name
		"?Watchdog",        // uppercase
		"?-bad",            // leading dash
		`?x a\q`,           // bad escape
		`?x trailing\`,     // dangling escape
		"%x y",             // unknown type byte
	} {
		_, err := ParseMessage(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestMessageStringRoundTrip(t *testing.T) {
	msgs := []Message{
		NewRequest("configure", "array_1", "m001,m002", "4096", `{"cam.http":{"camdata":"http://x"}}`, "bluse_1"),
		NewReply("capture-stop", StatusFail, "array_1 in phase CONFIGURED cannot capture-stop"),
		NewInform("sensor-value", "1631234567.000000", "1", "device-status", "nominal", "ok"),
		NewRequest("x", "", "with space", "tab\there", "line\nbreak"),
	}
	for _, m := range msgs {
		back, err := ParseMessage(m.String())
		require.NoError(t, err, m.String())
		assert.Equal(t, m, back, m.String())
	}
}

func TestMessageOK(t *testing.T) {
	assert.True(t, NewReply("configure", StatusOK).OK())
	assert.False(t, NewReply("configure", StatusFail, "reason").OK())
	assert.False(t, NewRequest("configure").OK())
}
