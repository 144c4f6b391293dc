package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const defaultPersistTimeout = 3 * time.Second

var validate = validator.New()

// Delivery is one fan-out unit: the event is pushed to every member of the
// listed rooms, each connection at most once, except Origin.
type Delivery struct {
	Event   string   `json:"event"`
	Message Message  `json:"message"`
	Origin  ConnID   `json:"origin,omitempty"`
	Rooms   []RoomID `json:"rooms"`
}

// Fanout hands deliveries to every process that may hold member connections.
type Fanout interface {
	Publish(ctx context.Context, d Delivery) error
}

// MessageRouter persists chat messages and fans them out to room members.
type MessageRouter struct {
	registry       *Registry
	rooms          *RoomManager
	store          MessageStore
	fanout         Fanout
	persistTimeout time.Duration
}

func NewMessageRouter(registry *Registry, rooms *RoomManager, store MessageStore, fanout Fanout, persistTimeout time.Duration) *MessageRouter {
	if persistTimeout <= 0 {
		persistTimeout = defaultPersistTimeout
	}
	return &MessageRouter{
		registry:       registry,
		rooms:          rooms,
		store:          store,
		fanout:         fanout,
		persistTimeout: persistTimeout,
	}
}

// Send persists the message and, only once it is durable, acknowledges the
// originating connection and delivers to every other member connection of the
// receiver's user-room, the sender's user-room and the appointment-room.
func (mr *MessageRouter) Send(ctx context.Context, connID ConnID, req SendRequest) (Message, error) {
	senderID, err := mr.registry.UserOf(connID)
	if err != nil {
		return Message{}, err
	}
	if req.Type == "" {
		req.Type = TypeText
	}
	if err := validate.Struct(req); err != nil {
		return Message{}, fmt.Errorf("send-message: %w: %v", ErrProtocolViolation, err)
	}

	if req.AppointmentID != "" {
		if err := mr.rooms.Authorize(ctx, senderID, req.AppointmentID); err != nil {
			return Message{}, err
		}
		if req.ReceiverID != senderID {
			if err := mr.rooms.Authorize(ctx, req.ReceiverID, req.AppointmentID); err != nil {
				return Message{}, err
			}
		}
	}

	msg, err := mr.persist(ctx, Message{
		SenderID:      senderID,
		ReceiverID:    req.ReceiverID,
		AppointmentID: req.AppointmentID,
		Content:       req.Content,
		FileURL:       req.FileURL,
		Type:          req.Type,
	})
	if err != nil {
		return Message{}, err
	}

	if !mr.registry.emit(connID, Event{Name: EventMessageSent, Body: msg}) {
		zap.L().Debug("chat.ack_suppressed", zap.String("conn", string(connID)), zap.String("message", string(msg.ID)))
	}

	rooms := []RoomID{UserRoomID(msg.ReceiverID), UserRoomID(senderID)}
	if msg.AppointmentID != "" {
		rooms = append(rooms, AppointmentRoomID(msg.AppointmentID))
	}
	mr.publish(ctx, Delivery{Event: EventNewMessage, Message: msg, Origin: connID, Rooms: rooms})
	return msg, nil
}

// MarkRead flags a message received by the connection's user as read and
// notifies both parties.
func (mr *MessageRouter) MarkRead(ctx context.Context, connID ConnID, req MarkReadRequest) (Message, error) {
	readerID, err := mr.registry.UserOf(connID)
	if err != nil {
		return Message{}, err
	}
	if err := validate.Struct(req); err != nil {
		return Message{}, fmt.Errorf("mark-read: %w: %v", ErrProtocolViolation, err)
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mr.persistTimeout)
	defer cancel()
	msg, err := mr.store.MarkRead(sctx, req.MessageID, readerID)
	if err != nil {
		return Message{}, storeError(err)
	}

	mr.publish(ctx, Delivery{
		Event:   EventMessageRead,
		Message: msg,
		Rooms:   []RoomID{UserRoomID(msg.SenderID), UserRoomID(msg.ReceiverID)},
	})
	return msg, nil
}

// History lists an appointment thread or the conversation with another user.
func (mr *MessageRouter) History(ctx context.Context, connID ConnID, req HistoryRequest) ([]Message, error) {
	userID, err := mr.registry.UserOf(connID)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("get-messages: %w: %v", ErrProtocolViolation, err)
	}

	q := MessageQuery{BeforeID: req.BeforeID, Limit: req.Limit}
	if req.AppointmentID != "" {
		if err := mr.rooms.Authorize(ctx, userID, req.AppointmentID); err != nil {
			return nil, err
		}
		q.AppointmentID = req.AppointmentID
	} else {
		q.UserID, q.PeerID = userID, req.WithUserID
	}

	sctx, cancel := context.WithTimeout(ctx, mr.persistTimeout)
	defer cancel()
	items, err := mr.store.List(sctx, q)
	if err != nil {
		return nil, storeError(err)
	}
	return items, nil
}

// DeliverLocal pushes the delivery to the member connections held by this
// process and returns how many accepted it.
func (mr *MessageRouter) DeliverLocal(d Delivery) int {
	seen := make(map[ConnID]struct{})
	delivered := 0
	for _, id := range d.Rooms {
		for _, c := range mr.rooms.Members(id) {
			if c == d.Origin {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			if mr.registry.emit(c, Event{Name: d.Event, Body: d.Message}) {
				delivered++
			}
		}
	}
	return delivered
}

func (mr *MessageRouter) persist(ctx context.Context, msg Message) (Message, error) {
	// A disconnect must not abort a write that may already be committing.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mr.persistTimeout)
	defer cancel()

	saved, err := mr.store.Persist(pctx, msg)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if saved.ID == "" {
		return Message{}, fmt.Errorf("%w: store returned no message id", ErrPersistence)
	}
	return saved, nil
}

func (mr *MessageRouter) publish(ctx context.Context, d Delivery) {
	if mr.fanout == nil {
		mr.DeliverLocal(d)
		return
	}
	if err := mr.fanout.Publish(context.WithoutCancel(ctx), d); err != nil {
		zap.L().Warn("chat.fanout_publish_failed", zap.String("event", d.Event), zap.Error(err))
		mr.DeliverLocal(d)
	}
}

func storeError(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
