package protocol

import (
	"encoding/json"
	"time"
)

// EventType is the value of the "type" field on every server event
type EventType string

const (
	EventWelcome    EventType = "welcome"
	EventSystem     EventType = "system"
	EventMessage    EventType = "message"
	EventRoomList   EventType = "room_list"
	EventRoomChange EventType = "room_change"
	EventHelp       EventType = "help"
)

// Event is a structured server-to-client notification.
type Event interface {
	Type() EventType
}

// WelcomeEvent is sent once to a session right after it joins its first room
type WelcomeEvent struct {
	Message string   `json:"message"`
	Room    string   `json:"room"`
	Rooms   []string `json:"rooms"`
}

// SystemEvent carries server notices (entered/left/joined)
type SystemEvent struct {
	Message string `json:"message"`
}

// ChatEvent is a chat line relayed to the members of a room
type ChatEvent struct {
	Username  string  `json:"username"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"` // Unix seconds
}

// RoomListEvent answers /rooms
type RoomListEvent struct {
	Rooms []string `json:"rooms"`
}

// RoomChangeEvent confirms a /join
type RoomChangeEvent struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}

// HelpEvent answers /help
type HelpEvent struct {
	Message string `json:"message"`
}

// PlainText is what a client sees when a payload is not a recognizable event.
// It is never sent by the server.
type PlainText struct {
	Text string
}

func (WelcomeEvent) Type() EventType    { return EventWelcome }
func (SystemEvent) Type() EventType     { return EventSystem }
func (ChatEvent) Type() EventType       { return EventMessage }
func (RoomListEvent) Type() EventType   { return EventRoomList }
func (RoomChangeEvent) Type() EventType { return EventRoomChange }
func (HelpEvent) Type() EventType       { return EventHelp }
func (PlainText) Type() EventType       { return "" }

// NewChatEvent stamps a chat line with the current time.
func NewChatEvent(username, message string) ChatEvent {
	return ChatEvent{
		Username:  username,
		Message:   message,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// Time converts the timestamp back to a time.Time.
func (e ChatEvent) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// The alias types below drop the MarshalJSON method so the embedded
// fields can be flattened next to "type".

func (e WelcomeEvent) MarshalJSON() ([]byte, error) {
	type alias WelcomeEvent
	if e.Rooms == nil {
		e.Rooms = []string{}
	}
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventWelcome, alias(e)})
}

func (e SystemEvent) MarshalJSON() ([]byte, error) {
	type alias SystemEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventSystem, alias(e)})
}

func (e ChatEvent) MarshalJSON() ([]byte, error) {
	type alias ChatEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventMessage, alias(e)})
}

func (e RoomListEvent) MarshalJSON() ([]byte, error) {
	type alias RoomListEvent
	if e.Rooms == nil {
		e.Rooms = []string{}
	}
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventRoomList, alias(e)})
}

func (e RoomChangeEvent) MarshalJSON() ([]byte, error) {
	type alias RoomChangeEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventRoomChange, alias(e)})
}

func (e HelpEvent) MarshalJSON() ([]byte, error) {
	type alias HelpEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventHelp, alias(e)})
}

// MarshalEvent serializes an event to its JSON wire form.
func MarshalEvent(ev Event) ([]byte, error) {
	if pt, ok := ev.(PlainText); ok {
		return []byte(pt.Text), nil
	}
	return json.Marshal(ev)
}

// ParseEvent decodes a server payload. Payloads that are not a JSON object,
// or carry an unknown type, come back as PlainText so the caller can show
// them verbatim. A JSON object without a type is treated as a chat message.
func ParseEvent(payload []byte) Event {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return PlainText{Text: string(payload)}
	}

	t := EventMessage
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &t); err != nil {
			return PlainText{Text: string(payload)}
		}
	}

	var (
		ev  Event
		err error
	)
	switch t {
	case EventWelcome:
		var e WelcomeEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventSystem:
		var e SystemEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventMessage:
		var e ChatEvent
		err = json.Unmarshal(payload, &e)
		if e.Username == "" {
			e.Username = "Unknown"
		}
		ev = e
	case EventRoomList:
		var e RoomListEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventRoomChange:
		var e RoomChangeEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventHelp:
		var e HelpEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	default:
		return PlainText{Text: string(payload)}
	}
	if err != nil {
		return PlainText{Text: string(payload)}
	}
	return ev
}
