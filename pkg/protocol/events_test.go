package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalEventIncludesType(t *testing.T) {
	tests := []struct {
		ev   Event
		want map[string]any
	}{
		{
			ev: WelcomeEvent{Message: "Welcome to Cyberpunk Chat, Neo!", Room: "general", Rooms: []string{"general"}},
			want: map[string]any{
				"type":    "welcome",
				"message": "Welcome to Cyberpunk Chat, Neo!",
				"room":    "general",
				"rooms":   []any{"general"},
			},
		},
		{
			ev:   SystemEvent{Message: "Neo has entered the room"},
			want: map[string]any{"type": "system", "message": "Neo has entered the room"},
		},
		{
			ev:   ChatEvent{Username: "Neo", Message: "hi", Timestamp: 1.5},
			want: map[string]any{"type": "message", "username": "Neo", "message": "hi", "timestamp": 1.5},
		},
		{
			ev:   RoomListEvent{},
			want: map[string]any{"type": "room_list", "rooms": []any{}},
		},
		{
			ev:   RoomChangeEvent{Room: "zion", Message: "Joined room: zion"},
			want: map[string]any{"type": "room_change", "room": "zion", "message": "Joined room: zion"},
		},
		{
			ev:   HelpEvent{Message: "Commands"},
			want: map[string]any{"type": "help", "message": "Commands"},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.ev.Type()), func(t *testing.T) {
			data, err := MarshalEvent(tt.ev)
			require.NoError(t, err)

			var got map[string]any
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Event
	}{
		{
			name:    "welcome",
			payload: `{"type":"welcome","message":"hi","room":"general","rooms":["general","zion"]}`,
			want:    WelcomeEvent{Message: "hi", Room: "general", Rooms: []string{"general", "zion"}},
		},
		{
			name:    "chat",
			payload: `{"type":"message","username":"Trinity","message":"yo","timestamp":12.25}`,
			want:    ChatEvent{Username: "Trinity", Message: "yo", Timestamp: 12.25},
		},
		{
			name:    "missing type is a chat message",
			payload: `{"message":"anon"}`,
			want:    ChatEvent{Username: "Unknown", Message: "anon"},
		},
		{
			name:    "room change",
			payload: `{"type":"room_change","room":"zion","message":"Joined room: zion"}`,
			want:    RoomChangeEvent{Room: "zion", Message: "Joined room: zion"},
		},
		{
			name:    "not json",
			payload: `[SYSTEM] Neo has left the room`,
			want:    PlainText{Text: "[SYSTEM] Neo has left the room"},
		},
		{
			name:    "unknown type",
			payload: `{"type":"presence","who":"Neo"}`,
			want:    PlainText{Text: `{"type":"presence","who":"Neo"}`},
		},
		{
			name:    "json but not an object",
			payload: `42`,
			want:    PlainText{Text: `42`},
		},
		{
			name:    "null",
			payload: `null`,
			want:    PlainText{Text: `null`},
		},
		{
			name:    "wrong field type",
			payload: `{"type":"message","username":"Neo","timestamp":"noon"}`,
			want:    PlainText{Text: `{"type":"message","username":"Neo","timestamp":"noon"}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseEvent([]byte(tt.payload)))
		})
	}
}

func TestParseEventInvertsMarshal(t *testing.T) {
	ev := NewChatEvent("Neo", "Hello from Neo")
	data, err := MarshalEvent(ev)
	require.NoError(t, err)

	assert.Equal(t, ev, ParseEvent(data))
}

func TestChatEventTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ev := NewChatEvent("Neo", "hi")
	after := time.Now().Add(time.Second)

	ts := ev.Time()
	assert.True(t, ts.After(before) && ts.Before(after), "timestamp %v not near now", ts)
}
