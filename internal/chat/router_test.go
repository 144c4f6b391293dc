package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// joinBoth puts doctor (user 1) and patient (user 2) in their user-rooms and
// in appointment-room 1.
func joinBoth(t *testing.T, f *fixture) (doctor ConnID, doctorRec *recorder, patient ConnID, patientRec *recorder) {
	t.Helper()
	ctx := context.Background()
	doctor, doctorRec = f.connect()
	patient, patientRec = f.connect()
	require.NoError(t, f.sup.JoinUser(ctx, doctor, JoinUserRequest{UserID: "1"}))
	require.NoError(t, f.sup.JoinUser(ctx, patient, JoinUserRequest{UserID: "2"}))
	require.NoError(t, f.sup.JoinAppointment(ctx, doctor, JoinAppointmentRequest{AppointmentID: "1"}))
	require.NoError(t, f.sup.JoinAppointment(ctx, patient, JoinAppointmentRequest{AppointmentID: "1"}))
	doctorRec.reset()
	patientRec.reset()
	return doctor, doctorRec, patient, patientRec
}

func TestSend_DoctorToPatient(t *testing.T) {
	f := newFixture()
	doctor, doctorRec, _, patientRec := joinBoth(t, f)

	err := f.sup.SendMessage(context.Background(), doctor, SendRequest{
		ReceiverID: "2", AppointmentID: "1", Content: "hello", Type: TypeText,
	})
	require.NoError(t, err)

	sent := doctorRec.named(EventMessageSent)
	require.Len(t, sent, 1)
	assert.Empty(t, doctorRec.named(EventNewMessage))

	got := patientRec.named(EventNewMessage)
	require.Len(t, got, 1)
	assert.Empty(t, patientRec.named(EventMessageSent))

	ack := sent[0].Body.(Message)
	msg := got[0].Body.(Message)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, ack, msg)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, ID("1"), msg.SenderID)
	assert.Equal(t, ID("1"), msg.AppointmentID)
}

func TestSend_BeforeJoinUser(t *testing.T) {
	f := newFixture()
	conn, rec := f.connect()

	err := f.sup.SendMessage(context.Background(), conn, SendRequest{ReceiverID: "2", Content: "hi"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	errs := rec.named(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "UNAUTHENTICATED", errs[0].Body.(ErrorBody).Code)
	assert.Zero(t, f.store.count())
}

func TestSend_MultiDeviceReceiver(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	sender, senderRec := f.connect()
	phone, phoneRec := f.connect()
	laptop, laptopRec := f.connect()
	require.NoError(t, f.sup.JoinUser(ctx, sender, JoinUserRequest{UserID: "1"}))
	require.NoError(t, f.sup.JoinUser(ctx, phone, JoinUserRequest{UserID: "2"}))
	require.NoError(t, f.sup.JoinUser(ctx, laptop, JoinUserRequest{UserID: "2"}))

	require.NoError(t, f.sup.SendMessage(ctx, sender, SendRequest{ReceiverID: "2", Content: "are you there?"}))

	assert.Len(t, phoneRec.named(EventNewMessage), 1)
	assert.Len(t, laptopRec.named(EventNewMessage), 1)
	assert.Len(t, senderRec.named(EventMessageSent), 1)
}

func TestSend_CrossDeviceSyncForSender(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	doctor, doctorRec, _, patientRec := joinBoth(t, f)

	tablet, tabletRec := f.connect()
	require.NoError(t, f.sup.JoinUser(ctx, tablet, JoinUserRequest{UserID: "1"}))
	require.NoError(t, f.sup.JoinAppointment(ctx, tablet, JoinAppointmentRequest{AppointmentID: "1"}))

	require.NoError(t, f.sup.SendMessage(ctx, doctor, SendRequest{ReceiverID: "2", AppointmentID: "1", Content: "x"}))

	// the tablet sits in user-room 1 and appointment-room 1 but gets one copy
	assert.Len(t, tabletRec.named(EventNewMessage), 1)
	assert.Len(t, patientRec.named(EventNewMessage), 1)
	assert.Len(t, doctorRec.named(EventMessageSent), 1)
	assert.Empty(t, doctorRec.named(EventNewMessage))
}

func TestSend_NoLeakOutsideRooms(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	doctor, _, _, _ := joinBoth(t, f)

	other, otherRec := f.connect()
	require.NoError(t, f.sup.JoinUser(ctx, other, JoinUserRequest{UserID: "3"}))
	require.NoError(t, f.sup.JoinAppointment(ctx, other, JoinAppointmentRequest{AppointmentID: "2"}))
	otherRec.reset()

	require.NoError(t, f.sup.SendMessage(ctx, doctor, SendRequest{ReceiverID: "2", AppointmentID: "1", Content: "private"}))
	assert.Empty(t, otherRec.events)
}

func TestSend_Failures(t *testing.T) {
	tests := []struct {
		name     string
		req      SendRequest
		setup    func(f *fixture)
		wantErr  error
		wantCode string
	}{
		{
			name:     "sender not a participant",
			req:      SendRequest{ReceiverID: "3", AppointmentID: "2", Content: "x"},
			wantErr:  ErrForbidden,
			wantCode: "FORBIDDEN",
		},
		{
			name:     "receiver not a participant",
			req:      SendRequest{ReceiverID: "3", AppointmentID: "1", Content: "x"},
			wantErr:  ErrForbidden,
			wantCode: "FORBIDDEN",
		},
		{
			name:     "unknown appointment",
			req:      SendRequest{ReceiverID: "1", AppointmentID: "404", Content: "x"},
			wantErr:  ErrNotFound,
			wantCode: "NOT_FOUND",
		},
		{
			name:     "missing receiver",
			req:      SendRequest{Content: "x"},
			wantErr:  ErrProtocolViolation,
			wantCode: "PROTOCOL_VIOLATION",
		},
		{
			name:     "missing content and file",
			req:      SendRequest{ReceiverID: "1"},
			wantErr:  ErrProtocolViolation,
			wantCode: "PROTOCOL_VIOLATION",
		},
		{
			name:     "unknown type",
			req:      SendRequest{ReceiverID: "1", Content: "x", Type: "AUDIO"},
			wantErr:  ErrProtocolViolation,
			wantCode: "PROTOCOL_VIOLATION",
		},
		{
			name:     "store down",
			req:      SendRequest{ReceiverID: "1", AppointmentID: "1", Content: "x"},
			setup:    func(f *fixture) { f.store.failErr = errStoreDown },
			wantErr:  ErrPersistence,
			wantCode: "PERSISTENCE_FAILURE",
		},
		{
			name:     "store timeout",
			req:      SendRequest{ReceiverID: "1", Content: "x"},
			setup:    func(f *fixture) { f.store.delay = time.Second },
			wantErr:  ErrPersistence,
			wantCode: "PERSISTENCE_FAILURE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, doctorRec, patient, patientRec := joinBoth(t, f)
			if tt.setup != nil {
				tt.setup(f)
			}

			err := f.sup.SendMessage(context.Background(), patient, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)

			errs := patientRec.named(EventError)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantCode, errs[0].Body.(ErrorBody).Code)

			assert.Empty(t, patientRec.named(EventMessageSent))
			assert.Empty(t, doctorRec.events, "nothing may reach other connections")
			assert.Zero(t, f.store.count())
		})
	}
}

func TestSend_FileMessage(t *testing.T) {
	f := newFixture()
	doctor, _, _, patientRec := joinBoth(t, f)

	err := f.sup.SendMessage(context.Background(), doctor, SendRequest{
		ReceiverID: "2", FileURL: "https://files.example.com/xray.png", Type: TypeImage,
	})
	require.NoError(t, err)
	got := patientRec.named(EventNewMessage)
	require.Len(t, got, 1)
	assert.Equal(t, TypeImage, got[0].Body.(Message).Type)
}

func TestSend_PreservesPerSenderOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.delay = 5 * time.Millisecond
	doctor, _, _, patientRec := joinBoth(t, f)

	contents := []string{"a", "b", "c", "d", "e"}
	for _, c := range contents {
		require.NoError(t, f.sup.SendMessage(ctx, doctor, SendRequest{ReceiverID: "2", Content: c}))
	}

	got := patientRec.named(EventNewMessage)
	require.Len(t, got, len(contents))
	for i, evt := range got {
		assert.Equal(t, contents[i], evt.Body.(Message).Content)
	}
}

func TestSend_ConcurrentCallsOnOneConnectionAreSerialized(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.delay = 2 * time.Millisecond
	doctor, doctorRec, _, _ := joinBoth(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.sup.SendMessage(ctx, doctor, SendRequest{ReceiverID: "2", Content: "x"}))
		}()
	}
	wg.Wait()

	acks := doctorRec.named(EventMessageSent)
	require.Len(t, acks, 10)
	for i, evt := range acks {
		// ids are assigned in persist order, acks must follow it
		assert.Equal(t, f.store.saved[i].ID, evt.Body.(Message).ID)
	}
}

func TestSend_DisconnectDuringPersist(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.delay = 50 * time.Millisecond
	doctor, doctorRec, _, patientRec := joinBoth(t, f)

	done := make(chan error, 1)
	go func() {
		done <- f.sup.SendMessage(ctx, doctor, SendRequest{ReceiverID: "2", AppointmentID: "1", Content: "bye"})
	}()
	time.Sleep(10 * time.Millisecond)
	f.sup.Disconnect(doctor)

	require.NoError(t, <-done)
	assert.Equal(t, 1, f.store.count())
	assert.Empty(t, doctorRec.named(EventMessageSent))
	assert.Len(t, patientRec.named(EventNewMessage), 1)
}

type failingFanout struct{ calls int }

func (f *failingFanout) Publish(context.Context, Delivery) error {
	f.calls++
	return errors.New("redis: connection pool timeout")
}

func TestSend_FanoutFailureFallsBackToLocal(t *testing.T) {
	store := &fakeStore{}
	fan := &failingFanout{}
	f := &fixture{store: store, identity: newFakeIdentity()}
	f.sup = NewSupervisor(Options{Store: store, Identity: f.identity, Fanout: fan})
	doctor, _, _, patientRec := joinBoth(t, f)

	require.NoError(t, f.sup.SendMessage(context.Background(), doctor, SendRequest{ReceiverID: "2", Content: "x"}))
	assert.Equal(t, 1, fan.calls)
	assert.Len(t, patientRec.named(EventNewMessage), 1)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	doctor, doctorRec, patient, patientRec := joinBoth(t, f)

	require.NoError(t, f.sup.SendMessage(ctx, doctor, SendRequest{ReceiverID: "2", Content: "x"}))
	id := f.store.saved[0].ID

	// only the receiver may mark it
	err := f.sup.MarkRead(ctx, doctor, MarkReadRequest{MessageID: id})
	assert.ErrorIs(t, err, ErrNotFound)

	doctorRec.reset()
	patientRec.reset()
	require.NoError(t, f.sup.MarkRead(ctx, patient, MarkReadRequest{MessageID: id}))

	for _, rec := range []*recorder{doctorRec, patientRec} {
		read := rec.named(EventMessageRead)
		require.Len(t, read, 1)
		assert.True(t, read[0].Body.(Message).IsRead)
	}
}

func TestGetMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	doctor, _, patient, patientRec := joinBoth(t, f)

	require.NoError(t, f.sup.SendMessage(ctx, doctor, SendRequest{ReceiverID: "2", AppointmentID: "1", Content: "one"}))
	require.NoError(t, f.sup.SendMessage(ctx, doctor, SendRequest{ReceiverID: "2", Content: "two"}))

	require.NoError(t, f.sup.GetMessages(ctx, patient, HistoryRequest{AppointmentID: "1"}))
	require.NoError(t, f.sup.GetMessages(ctx, patient, HistoryRequest{WithUserID: "1"}))

	pages := patientRec.named(EventMessages)
	require.Len(t, pages, 2)
	assert.Len(t, pages[0].Body.(MessagesBody).Items, 1)
	assert.Len(t, pages[1].Body.(MessagesBody).Items, 2)

	outsider, rec := f.connect()
	require.NoError(t, f.sup.JoinUser(ctx, outsider, JoinUserRequest{UserID: "3"}))
	assert.ErrorIs(t, f.sup.GetMessages(ctx, outsider, HistoryRequest{AppointmentID: "1"}), ErrForbidden)
	assert.Empty(t, rec.named(EventMessages))

	assert.ErrorIs(t, f.sup.GetMessages(ctx, patient, HistoryRequest{}), ErrProtocolViolation)
}

func TestID_UnmarshalJSON(t *testing.T) {
	var req SendRequest
	require.NoError(t, json.Unmarshal([]byte(`{"receiverId":2,"appointmentId":"1","content":"hello","type":"TEXT"}`), &req))
	assert.Equal(t, ID("2"), req.ReceiverID)
	assert.Equal(t, ID("1"), req.AppointmentID)

	require.NoError(t, json.Unmarshal([]byte(`{"receiverId":null}`), &req))
	assert.Empty(t, req.ReceiverID)

	assert.Error(t, json.Unmarshal([]byte(`{"receiverId":true}`), &req))
}
