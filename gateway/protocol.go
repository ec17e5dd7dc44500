package gateway

import (
	"encoding/json"

	"github.com/ggoodman/notify-relay/rooms"
)

// Outbound event names.
const (
	EventConnected               = "connected"
	EventGetNotification         = rooms.EventGetNotification
	EventNotificationsMarkedRead = rooms.EventNotificationsMarkedRead
)

// Inbound event names. Both spellings of mark-as-read are accepted.
const (
	EventMarkAsRead      = "markAsRead"
	EventMarkAsReadAlias = "mark-as-read"
)

// Frame is the JSON envelope used in both directions on the websocket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnectedPayload is sent once after a session has joined its room.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

type inboundKind int

const (
	inboundUnknown inboundKind = iota
	inboundMarkAsRead
)

// inbound is the typed form of a client frame after validation.
type inbound struct {
	kind inboundKind
	ids  []string
}

// decodeInbound parses a client frame. ok is false for frames that should be
// ignored: undecodable JSON, unknown events, and mark-as-read frames whose
// data is not a non-empty list of strings.
func decodeInbound(data []byte) (in inbound, event string, ok bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return inbound{}, "", false
	}

	switch f.Event {
	case EventMarkAsRead, EventMarkAsReadAlias:
		var ids []string
		if len(f.Data) == 0 || json.Unmarshal(f.Data, &ids) != nil || len(ids) == 0 {
			return inbound{}, f.Event, false
		}
		return inbound{kind: inboundMarkAsRead, ids: ids}, f.Event, true
	}

	return inbound{}, f.Event, false
}

func encodeFrame(event string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data})
}
