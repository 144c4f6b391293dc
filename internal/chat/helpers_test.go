package chat

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (r *recorder) Push(evt Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.events = append(r.events, evt)
	return true
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type appointment struct{ doctor, patient ID }

type fakeIdentity struct {
	users        map[ID]bool
	appointments map[ID]appointment
	err          error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		users: map[ID]bool{"1": true, "2": true, "3": true},
		appointments: map[ID]appointment{
			"1": {doctor: "1", patient: "2"},
			"2": {doctor: "1", patient: "3"},
		},
	}
}

func (f *fakeIdentity) UserExists(_ context.Context, userID ID) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.users[userID], nil
}

func (f *fakeIdentity) IsParticipant(_ context.Context, userID, appointmentID ID) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	a, ok := f.appointments[appointmentID]
	if !ok {
		return false, ErrNotFound
	}
	return a.doctor == userID || a.patient == userID, nil
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []Message
	nextID  int
	failErr error
	delay   time.Duration
}

func (s *fakeStore) Persist(ctx context.Context, msg Message) (Message, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return Message{}, s.failErr
	}
	s.nextID++
	msg.ID = ID(strconv.Itoa(s.nextID))
	msg.CreatedAt = time.Date(2026, 10, 19, 9, 0, s.nextID, 0, time.UTC)
	s.saved = append(s.saved, msg)
	return msg, nil
}

func (s *fakeStore) List(_ context.Context, q MessageQuery) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	var out []Message
	for _, m := range s.saved {
		switch {
		case q.AppointmentID != "" && m.AppointmentID == q.AppointmentID:
			out = append(out, m)
		case q.AppointmentID == "" &&
			((m.SenderID == q.UserID && m.ReceiverID == q.PeerID) || (m.SenderID == q.PeerID && m.ReceiverID == q.UserID)):
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkRead(_ context.Context, messageID, readerID ID) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.saved {
		if m.ID == messageID && m.ReceiverID == readerID {
			s.saved[i].IsRead = true
			return s.saved[i], nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

var errStoreDown = errors.New("connection refused")

type fixture struct {
	sup      *Supervisor
	store    *fakeStore
	identity *fakeIdentity
}

func newFixture() *fixture {
	store := &fakeStore{}
	identity := newFakeIdentity()
	return &fixture{
		sup:      NewSupervisor(Options{Store: store, Identity: identity, PersistTimeout: 200 * time.Millisecond}),
		store:    store,
		identity: identity,
	}
}

func (f *fixture) connect() (ConnID, *recorder) {
	rec := &recorder{}
	return f.sup.Connect(rec), rec
}
