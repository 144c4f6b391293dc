package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"
)

// ID is an opaque user, appointment or message identifier. Clients may send
// it either as a JSON string or as a JSON number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// ConnID identifies one live transport session.
type ConnID string

type MessageType string

const (
	TypeText  MessageType = "TEXT"
	TypeImage MessageType = "IMAGE"
	TypeFile  MessageType = "FILE"
	TypeVideo MessageType = "VIDEO"
)

// Message is the durable chat record. The core never mutates it after
// persistence except through MarkRead.
type Message struct {
	ID            ID          `json:"id"`
	SenderID      ID          `json:"senderId"`
	ReceiverID    ID          `json:"receiverId"`
	AppointmentID ID          `json:"appointmentId,omitempty"`
	Content       string      `json:"content,omitempty"`
	FileURL       string      `json:"fileUrl,omitempty"`
	Type          MessageType `json:"type"`
	IsRead        bool        `json:"isRead"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// MessageQuery selects either one appointment thread or the conversation
// between UserID and PeerID.
type MessageQuery struct {
	AppointmentID ID
	UserID        ID
	PeerID        ID
	BeforeID      ID
	Limit         int
}

// MessageStore is the durable message store.
type MessageStore interface {
	Persist(ctx context.Context, msg Message) (Message, error)
	List(ctx context.Context, q MessageQuery) ([]Message, error)
	MarkRead(ctx context.Context, messageID, readerID ID) (Message, error)
}

// IdentityLookup resolves users and appointment participation. IsParticipant
// returns an error wrapping ErrNotFound when the appointment does not exist.
type IdentityLookup interface {
	UserExists(ctx context.Context, userID ID) (bool, error)
	IsParticipant(ctx context.Context, userID, appointmentID ID) (bool, error)
}

// PresenceTracker mirrors who is online outside the process.
type PresenceTracker interface {
	Online(ctx context.Context, userID ID, connID ConnID) error
	Offline(ctx context.Context, userID ID, connID ConnID) error
}

// Outbound is the write side of one connection. Push must not block: a
// transport that cannot accept the event returns false.
type Outbound interface {
	Push(evt Event) bool
	Close()
}

type nopPresence struct{}

func (nopPresence) Online(context.Context, ID, ConnID) error  { return nil }
func (nopPresence) Offline(context.Context, ID, ConnID) error { return nil }
