package chat

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const registryShards = 32

// State is the lifecycle position of one connection.
type State string

const (
	StateConnected     State = "CONNECTED"
	StateIdentified    State = "IDENTIFIED"
	StateInAppointment State = "IN_APPOINTMENT"
	StateDisconnected  State = "DISCONNECTED"
)

type ConnectionState struct {
	ConnID ConnID
	UserID ID
	Rooms  []RoomID
	State  State
}

type connEntry struct {
	id  ConnID
	out Outbound

	// serial is held while one inbound event of this connection is processed.
	serial sync.Mutex

	mu     sync.Mutex
	userID ID
	rooms  map[RoomID]struct{}
}

func (e *connEntry) snapshot() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := ConnectionState{ConnID: e.id, UserID: e.userID, State: StateConnected}
	if e.userID != "" {
		st.State = StateIdentified
	}
	for r := range e.rooms {
		st.Rooms = append(st.Rooms, r)
		if r.Kind == AppointmentRoom {
			st.State = StateInAppointment
		}
	}
	return st
}

func (e *connEntry) user() ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

type connShard struct {
	mu    sync.RWMutex
	conns map[ConnID]*connEntry
}

type userShard struct {
	mu    sync.RWMutex
	users map[ID]map[ConnID]struct{}
}

// Registry maps live connections to user identities. Connections are sharded
// by connection id and the user index by user id, so unrelated connections
// never contend on the same lock.
type Registry struct {
	conns [registryShards]connShard
	users [registryShards]userShard
	count atomic.Int64
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.conns {
		r.conns[i].conns = make(map[ConnID]*connEntry)
		r.users[i].users = make(map[ID]map[ConnID]struct{})
	}
	return r
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % registryShards
}

// Register allocates a tracking entry. Registering a known id is a no-op that
// returns the current state.
func (r *Registry) Register(id ConnID, out Outbound) ConnectionState {
	sh := &r.conns[shardOf(string(id))]
	sh.mu.Lock()
	e, ok := sh.conns[id]
	if !ok {
		e = &connEntry{id: id, out: out, rooms: make(map[RoomID]struct{})}
		sh.conns[id] = e
		r.count.Add(1)
	}
	sh.mu.Unlock()
	return e.snapshot()
}

func (r *Registry) lookup(id ConnID) (*connEntry, bool) {
	sh := &r.conns[shardOf(string(id))]
	sh.mu.RLock()
	e, ok := sh.conns[id]
	sh.mu.RUnlock()
	return e, ok
}

// BindUser associates a connection with a user. Several connections may bind
// the same user.
func (r *Registry) BindUser(id ConnID, userID ID) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}

	e.mu.Lock()
	prev := e.userID
	e.userID = userID
	e.mu.Unlock()

	if prev == userID {
		return nil
	}
	if prev != "" {
		r.unindex(prev, id)
	}
	us := &r.users[shardOf(string(userID))]
	us.mu.Lock()
	set, ok := us.users[userID]
	if !ok {
		set = make(map[ConnID]struct{})
		us.users[userID] = set
	}
	set[id] = struct{}{}
	us.mu.Unlock()

	// A concurrent Unregister may have removed the entry before the index was
	// written.
	if _, still := r.lookup(id); !still {
		r.unindex(userID, id)
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Registry) unindex(userID ID, id ConnID) {
	us := &r.users[shardOf(string(userID))]
	us.mu.Lock()
	if set, ok := us.users[userID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(us.users, userID)
		}
	}
	us.mu.Unlock()
}

// Unregister drops the connection and returns the user it was bound to and
// the rooms it belonged to. Unknown ids are ignored and report false.
func (r *Registry) Unregister(id ConnID) (ID, []RoomID, bool) {
	sh := &r.conns[shardOf(string(id))]
	sh.mu.Lock()
	e, ok := sh.conns[id]
	if ok {
		delete(sh.conns, id)
		r.count.Add(-1)
	}
	sh.mu.Unlock()
	if !ok {
		return "", nil, false
	}

	e.mu.Lock()
	userID := e.userID
	rooms := make([]RoomID, 0, len(e.rooms))
	for room := range e.rooms {
		rooms = append(rooms, room)
	}
	e.rooms = make(map[RoomID]struct{})
	e.mu.Unlock()

	if userID != "" {
		r.unindex(userID, id)
	}
	return userID, rooms, true
}

func (r *Registry) ConnectionsForUser(userID ID) []ConnID {
	us := &r.users[shardOf(string(userID))]
	us.mu.RLock()
	defer us.mu.RUnlock()

	set := us.users[userID]
	out := make([]ConnID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// UserOf returns the user bound to the connection, ErrUnauthenticated when
// the connection has not joined its user-room yet.
func (r *Registry) UserOf(id ConnID) (ID, error) {
	e, ok := r.lookup(id)
	if !ok {
		return "", fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	userID := e.user()
	if userID == "" {
		return "", fmt.Errorf("connection %s has not joined a user room: %w", id, ErrUnauthenticated)
	}
	return userID, nil
}

func (r *Registry) State(id ConnID) ConnectionState {
	e, ok := r.lookup(id)
	if !ok {
		return ConnectionState{ConnID: id, State: StateDisconnected}
	}
	return e.snapshot()
}

func (r *Registry) Count() int { return int(r.count.Load()) }

func (r *Registry) addRoom(id ConnID, room RoomID) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	e.rooms[room] = struct{}{}
	e.mu.Unlock()

	if _, still := r.lookup(id); !still {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Registry) removeRoom(id ConnID, room RoomID) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	_, had := e.rooms[room]
	delete(e.rooms, room)
	e.mu.Unlock()
	return had
}

// emit pushes an event to one connection; false when the connection is gone
// or its queue refused the event.
func (r *Registry) emit(id ConnID, evt Event) bool {
	e, ok := r.lookup(id)
	if !ok || e.out == nil {
		return false
	}
	return e.out.Push(evt)
}

func (r *Registry) all() []*connEntry {
	var out []*connEntry
	for i := range r.conns {
		sh := &r.conns[i]
		sh.mu.RLock()
		for _, e := range sh.conns {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}
	return out
}
