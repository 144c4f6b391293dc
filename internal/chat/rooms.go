package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type RoomKind string

const (
	UserRoom        RoomKind = "user"
	AppointmentRoom RoomKind = "appointment"
)

// RoomID names a room; its text form is "<kind>:<key>".
type RoomID struct {
	Kind RoomKind
	Key  ID
}

func UserRoomID(userID ID) RoomID               { return RoomID{Kind: UserRoom, Key: userID} }
func AppointmentRoomID(appointmentID ID) RoomID { return RoomID{Kind: AppointmentRoom, Key: appointmentID} }

func (r RoomID) String() string { return string(r.Kind) + ":" + string(r.Key) }

func (r RoomID) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RoomID) UnmarshalText(b []byte) error {
	kind, key, ok := strings.Cut(string(b), ":")
	if !ok || key == "" {
		return fmt.Errorf("room %q: %w", b, ErrProtocolViolation)
	}
	switch RoomKind(kind) {
	case UserRoom, AppointmentRoom:
	default:
		return fmt.Errorf("room kind %q: %w", kind, ErrProtocolViolation)
	}
	*r = RoomID{Kind: RoomKind(kind), Key: ID(key)}
	return nil
}

type room struct {
	mu      sync.Mutex
	members map[ConnID]struct{}
	// dead is set once the room emptied and left the arena; a join that
	// raced with the removal must retry on a fresh room.
	dead bool
}

func newRoom() *room { return &room{members: make(map[ConnID]struct{})} }

// RoomManager keeps user-rooms and appointment-rooms. Each room carries its
// own lock, so joins and leaves on different rooms run concurrently.
type RoomManager struct {
	rooms    sync.Map // RoomID -> *room
	count    atomic.Int64
	registry *Registry
	identity IdentityLookup
}

func NewRoomManager(registry *Registry, identity IdentityLookup) *RoomManager {
	return &RoomManager{registry: registry, identity: identity}
}

// JoinUserRoom binds the connection to userID and adds it to the user's room.
// Replaying the join is a no-op that still acknowledges.
func (rm *RoomManager) JoinUserRoom(ctx context.Context, connID ConnID, userID ID) (RoomID, error) {
	if userID == "" {
		return RoomID{}, fmt.Errorf("join-user without userId: %w", ErrProtocolViolation)
	}
	e, ok := rm.registry.lookup(connID)
	if !ok {
		return RoomID{}, fmt.Errorf("connection %s: %w", connID, ErrNotFound)
	}
	if bound := e.user(); bound != "" && bound != userID {
		return RoomID{}, fmt.Errorf("connection already bound to user %s: %w", bound, ErrForbidden)
	}

	exists, err := rm.identity.UserExists(ctx, userID)
	if err != nil {
		return RoomID{}, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	if !exists {
		return RoomID{}, fmt.Errorf("user %s cannot be verified: %w", userID, ErrUnauthenticated)
	}

	if err := rm.registry.BindUser(connID, userID); err != nil {
		return RoomID{}, err
	}
	id := UserRoomID(userID)
	if err := rm.admit(id, connID); err != nil {
		return RoomID{}, err
	}
	rm.registry.emit(connID, Event{Name: EventJoined, Body: JoinedBody{UserID: userID, Room: id.String()}})
	return id, nil
}

// JoinAppointmentRoom admits a bound connection into the appointment's room
// once the bound user is confirmed as the doctor or the patient.
func (rm *RoomManager) JoinAppointmentRoom(ctx context.Context, connID ConnID, appointmentID ID) (RoomID, error) {
	if appointmentID == "" {
		return RoomID{}, fmt.Errorf("join-appointment without appointmentId: %w", ErrProtocolViolation)
	}
	userID, err := rm.registry.UserOf(connID)
	if err != nil {
		return RoomID{}, err
	}
	if err := rm.Authorize(ctx, userID, appointmentID); err != nil {
		return RoomID{}, err
	}

	id := AppointmentRoomID(appointmentID)
	if err := rm.admit(id, connID); err != nil {
		return RoomID{}, err
	}
	rm.registry.emit(connID, Event{
		Name: EventAppointmentJoined,
		Body: AppointmentBody{AppointmentID: appointmentID, Room: id.String()},
	})
	return id, nil
}

// Authorize fails with ErrForbidden unless userID takes part in the appointment.
func (rm *RoomManager) Authorize(ctx context.Context, userID, appointmentID ID) error {
	ok, err := rm.identity.IsParticipant(ctx, userID, appointmentID)
	if err != nil {
		return fmt.Errorf("appointment %s: %w", appointmentID, err)
	}
	if !ok {
		return fmt.Errorf("user %s is not a participant of appointment %s: %w", userID, appointmentID, ErrForbidden)
	}
	return nil
}

// Leave removes the connection from one room. Leaving a room the connection
// is not in is a no-op.
func (rm *RoomManager) Leave(connID ConnID, id RoomID) {
	rm.registry.removeRoom(connID, id)
	rm.remove(id, connID)
}

// LeaveAll is the disconnect cascade.
func (rm *RoomManager) LeaveAll(connID ConnID, rooms []RoomID) {
	for _, id := range rooms {
		rm.remove(id, connID)
	}
}

// Members returns a snapshot of the room's connections.
func (rm *RoomManager) Members(id RoomID) []ConnID {
	v, ok := rm.rooms.Load(id)
	if !ok {
		return nil
	}
	r := v.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ConnID, 0, len(r.members))
	for c := range r.members {
		out = append(out, c)
	}
	return out
}

func (rm *RoomManager) Exists(id RoomID) bool {
	_, ok := rm.rooms.Load(id)
	return ok
}

func (rm *RoomManager) Count() int { return int(rm.count.Load()) }

func (rm *RoomManager) admit(id RoomID, connID ConnID) error {
	rm.add(id, connID)
	if err := rm.registry.addRoom(connID, id); err != nil {
		// disconnected while joining
		rm.remove(id, connID)
		return err
	}
	return nil
}

func (rm *RoomManager) add(id RoomID, connID ConnID) bool {
	for {
		v, ok := rm.rooms.Load(id)
		if !ok {
			var loaded bool
			v, loaded = rm.rooms.LoadOrStore(id, newRoom())
			if !loaded {
				rm.count.Add(1)
				zap.L().Debug("chat.room_created", zap.Stringer("room", id))
			}
		}
		r := v.(*room)
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		_, had := r.members[connID]
		r.members[connID] = struct{}{}
		r.mu.Unlock()
		return !had
	}
}

func (rm *RoomManager) remove(id RoomID, connID ConnID) {
	v, ok := rm.rooms.Load(id)
	if !ok {
		return
	}
	r := v.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.members, connID)
	if len(r.members) == 0 && !r.dead {
		r.dead = true
		rm.rooms.CompareAndDelete(id, r)
		rm.count.Add(-1)
		zap.L().Debug("chat.room_destroyed", zap.Stringer("room", id))
	}
}
