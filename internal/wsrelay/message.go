package wsrelay

import "github.com/keyward/sessiond/sdk/session"

// Message is the JSON frame exchanged with websocket listeners.
type Message struct {
	Type         string                `json:"type"`
	Notification *session.Notification `json:"notification,omitempty"`
}

const (
	// MessageTypeNotification carries a session notification to the listener.
	MessageTypeNotification = "notification"
	// MessageTypePing is sent by listeners to probe the relay.
	MessageTypePing = "ping"
	// MessageTypePong answers a listener ping.
	MessageTypePong = "pong"
)
