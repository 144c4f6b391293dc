package ws

import "encoding/json"

// Envelope wraps every WS frame, in both directions.
type Envelope struct {
	Event string          `json:"event"`          // e.g. "send-message"
	Body  json.RawMessage `json:"body,omitempty"` // arbitrary JSON object
}

// Client -> server events.
const (
	EventJoinUser         = "join-user"
	EventJoinAppointment  = "join-appointment"
	EventLeaveAppointment = "leave-appointment"
	EventSendMessage      = "send-message"
	EventMarkRead         = "mark-read"
	EventGetMessages      = "get-messages"
)
