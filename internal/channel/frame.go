package channel

import "encoding/json"

// Event names on the portal channel.
const (
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventMarkRead       = "markRead"
	EventMessagesRead   = "messagesRead"
	EventPresence       = "presence"
	EventUnauthorized   = "unauthorized"

	// AnyEvent registers a handler for every inbound frame.
	AnyEvent = "*"
)

// Frame is the envelope of every message on the channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives inbound frames. Handlers run on the connection's read
// sequence, one at a time, and must tolerate the same logical event twice.
type Handler func(Frame)
