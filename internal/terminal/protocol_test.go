// ABOUTME: Tests for the terminal control frame codec
// ABOUTME: Covers round-trips, type tags, unknown kinds, and malformed input

package terminal

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalFrame_TypeTags(t *testing.T) {
	tests := []struct {
		frame    ControlFrame
		wantType string
	}{
		{ResizeFrame{Cols: 80, Rows: 24}, "resize"},
		{TakeoverFrame{}, "takeover"},
		{ConnectedFrame{SessionID: "s-1"}, "connected"},
		{SessionActiveFrame{SessionID: "s-2"}, "session_active"},
		{SessionTakenOverFrame{}, "session_taken_over"},
		{VMReconnectingFrame{Attempt: 3}, "vm_reconnecting"},
		{RestoreFrame{Data: []byte("hi")}, "restore"},
		{ErrorFrame{Message: "boom"}, "error"},
		{ExitFrame{Code: 2}, "exit"},
	}

	for _, tt := range tests {
		t.Run(tt.wantType, func(t *testing.T) {
			data, err := MarshalFrame(tt.frame)
			require.NoError(t, err)

			var probe struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(data, &probe))
			assert.Equal(t, tt.wantType, probe.Type)
		})
	}
}

func TestParseFrame_RoundTrip(t *testing.T) {
	frames := []ControlFrame{
		ResizeFrame{Cols: 120, Rows: 40},
		TakeoverFrame{},
		ConnectedFrame{SessionID: "abc-123"},
		SessionActiveFrame{SessionID: "def-456"},
		SessionTakenOverFrame{},
		VMReconnectingFrame{Attempt: 2},
		RestoreFrame{Data: []byte("terminal scrollback")},
		ErrorFrame{Message: "lost connection to VM"},
		ExitFrame{Code: 137},
	}

	for _, frame := range frames {
		t.Run(frame.frameType(), func(t *testing.T) {
			data, err := MarshalFrame(frame)
			require.NoError(t, err)

			parsed, err := ParseFrame(data)
			require.NoError(t, err)
			assert.Equal(t, frame, parsed)
		})
	}
}

func TestParseFrame_ZeroValuesSurvive(t *testing.T) {
	data, err := MarshalFrame(ExitFrame{Code: 0})
	require.NoError(t, err)

	parsed, err := ParseFrame(data)
	require.NoError(t, err)
	require.IsType(t, ExitFrame{}, parsed)
	assert.Equal(t, 0, parsed.(ExitFrame).Code)
}

func TestParseFrame_UnknownType(t *testing.T) {
	parsed, err := ParseFrame([]byte(`{"type":"bell","volume":11}`))
	require.NoError(t, err)
	assert.Equal(t, UnknownFrame{Type: "bell"}, parsed)
}

func TestParseFrame_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "resize 80x24"},
		{"empty object", "{}"},
		{"empty type", `{"type":""}`},
		{"type not a string", `{"type":42}`},
		{"truncated", `{"type":"resize","cols":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestRestoreFrame_DataIsBase64(t *testing.T) {
	data, err := MarshalFrame(RestoreFrame{Data: []byte("h\xc3\xa9llo")})
	require.NoError(t, err)

	var raw struct {
		Data string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))

	decoded, err := base64.StdEncoding.DecodeString(raw.Data)
	require.NoError(t, err)
	assert.Equal(t, "héllo", string(decoded))
}
