package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const presenceTimeout = 2 * time.Second

type Options struct {
	Store          MessageStore
	Identity       IdentityLookup
	Presence       PresenceTracker
	Fanout         Fanout
	PersistTimeout time.Duration
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// Supervisor drives each connection through
// Connected -> Identified -> InAppointment -> Disconnected.
// Inbound events of one connection are handled one at a time; every failure
// is reported to that connection only, as an "error" event.
type Supervisor struct {
	registry *Registry
	rooms    *RoomManager
	router   *MessageRouter
	presence PresenceTracker
}

func NewSupervisor(opts Options) *Supervisor {
	registry := NewRegistry()
	rooms := NewRoomManager(registry, opts.Identity)
	presence := opts.Presence
	if presence == nil {
		presence = nopPresence{}
	}
	return &Supervisor{
		registry: registry,
		rooms:    rooms,
		router:   NewMessageRouter(registry, rooms, opts.Store, opts.Fanout, opts.PersistTimeout),
		presence: presence,
	}
}

// Connect registers a new transport session and returns its id.
func (s *Supervisor) Connect(out Outbound) ConnID {
	id := ConnID(uuid.NewString())
	s.registry.Register(id, out)
	zap.L().Debug("chat.connected", zap.String("conn", string(id)))
	return id
}

// Disconnect is terminal and idempotent: the connection leaves every room,
// empty rooms are destroyed and the registry entry is dropped. It does not wait
// for an in-flight event of the same connection.
func (s *Supervisor) Disconnect(connID ConnID) {
	userID, rooms, ok := s.registry.Unregister(connID)
	if !ok {
		return
	}
	s.rooms.LeaveAll(connID, rooms)

	if userID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := s.presence.Offline(ctx, userID, connID); err != nil {
			zap.L().Warn("chat.presence_offline", zap.String("user", string(userID)), zap.Error(err))
		}
	}
	zap.L().Debug("chat.disconnected",
		zap.String("conn", string(connID)),
		zap.String("user", string(userID)),
		zap.Int("rooms_left", len(rooms)),
	)
}

func (s *Supervisor) JoinUser(ctx context.Context, connID ConnID, req JoinUserRequest) error {
	return s.serially(connID, "join-user", func() error {
		wasBound := s.registry.State(connID).UserID != ""
		if _, err := s.rooms.JoinUserRoom(ctx, connID, req.UserID); err != nil {
			return err
		}
		if !wasBound {
			pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
			defer cancel()
			if err := s.presence.Online(pctx, req.UserID, connID); err != nil {
				zap.L().Warn("chat.presence_online", zap.String("user", string(req.UserID)), zap.Error(err))
			}
			// a Disconnect that ran meanwhile already sent its Offline
			if s.registry.State(connID).State == StateDisconnected {
				if err := s.presence.Offline(pctx, req.UserID, connID); err != nil {
					zap.L().Warn("chat.presence_offline", zap.String("user", string(req.UserID)), zap.Error(err))
				}
			}
		}
		return nil
	})
}

func (s *Supervisor) JoinAppointment(ctx context.Context, connID ConnID, req JoinAppointmentRequest) error {
	return s.serially(connID, "join-appointment", func() error {
		_, err := s.rooms.JoinAppointmentRoom(ctx, connID, req.AppointmentID)
		return err
	})
}

func (s *Supervisor) LeaveAppointment(ctx context.Context, connID ConnID, req JoinAppointmentRequest) error {
	return s.serially(connID, "leave-appointment", func() error {
		if req.AppointmentID == "" {
			return fmt.Errorf("leave-appointment without appointmentId: %w", ErrProtocolViolation)
		}
		if _, err := s.registry.UserOf(connID); err != nil {
			return err
		}
		id := AppointmentRoomID(req.AppointmentID)
		s.rooms.Leave(connID, id)
		s.registry.emit(connID, Event{
			Name: EventAppointmentLeft,
			Body: AppointmentBody{AppointmentID: req.AppointmentID, Room: id.String()},
		})
		return nil
	})
}

func (s *Supervisor) SendMessage(ctx context.Context, connID ConnID, req SendRequest) error {
	return s.serially(connID, "send-message", func() error {
		_, err := s.router.Send(ctx, connID, req)
		return err
	})
}

func (s *Supervisor) MarkRead(ctx context.Context, connID ConnID, req MarkReadRequest) error {
	return s.serially(connID, "mark-read", func() error {
		_, err := s.router.MarkRead(ctx, connID, req)
		return err
	})
}

func (s *Supervisor) GetMessages(ctx context.Context, connID ConnID, req HistoryRequest) error {
	return s.serially(connID, "get-messages", func() error {
		items, err := s.router.History(ctx, connID, req)
		if err != nil {
			return err
		}
		if items == nil {
			items = []Message{}
		}
		s.registry.emit(connID, Event{Name: EventMessages, Body: MessagesBody{
			AppointmentID: req.AppointmentID,
			WithUserID:    req.WithUserID,
			Items:         items,
		}})
		return nil
	})
}

// Reject reports a request the transport could not decode.
func (s *Supervisor) Reject(connID ConnID, err error) {
	if !errors.Is(err, ErrProtocolViolation) {
		err = fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	s.fail(connID, "decode", err)
}

// Deliver fans a delivery out to the connections of this process. Remote
// fan-out subscribers call it for deliveries published elsewhere.
func (s *Supervisor) Deliver(d Delivery) int { return s.router.DeliverLocal(d) }

func (s *Supervisor) State(connID ConnID) ConnectionState { return s.registry.State(connID) }

func (s *Supervisor) Stats() Stats {
	return Stats{Connections: s.registry.Count(), Rooms: s.rooms.Count()}
}

// Shutdown closes every live connection and runs its disconnect cascade.
func (s *Supervisor) Shutdown() {
	for _, e := range s.registry.all() {
		if e.out != nil {
			e.out.Close()
		}
		s.Disconnect(e.id)
	}
}

func (s *Supervisor) serially(connID ConnID, op string, fn func() error) error {
	e, ok := s.registry.lookup(connID)
	if !ok {
		return fmt.Errorf("%s: connection %s: %w", op, connID, ErrNotFound)
	}
	e.serial.Lock()
	defer e.serial.Unlock()

	if err := fn(); err != nil {
		s.fail(connID, op, err)
		return err
	}
	return nil
}

func (s *Supervisor) fail(connID ConnID, op string, err error) {
	code := Code(err)
	zap.L().Info("chat.request_failed",
		zap.String("conn", string(connID)),
		zap.String("op", op),
		zap.String("code", code),
		zap.Error(err),
	)
	s.registry.emit(connID, Event{Name: EventError, Body: ErrorBody{Message: err.Error(), Code: code}})
}
