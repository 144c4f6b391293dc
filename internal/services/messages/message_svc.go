package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"telechat/internal/chat"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// IMessageService is the Postgres-backed message store.
type IMessageService interface {
	chat.MessageStore
	Get(ctx context.Context, id chat.ID) (chat.Message, error)
}

type messageService struct {
	db *sql.DB
}

var _ IMessageService = (*messageService)(nil)

func NewMessageService(db *sql.DB) IMessageService {
	return &messageService{db: db}
}

const selectColumns = `SELECT id, sender_id, receiver_id, appointment_id,
                              coalesce(content, ''), file_url, type, is_read, created_at
                         FROM messages`

// Persist inserts the message and returns it with the database id and timestamp.
func (svc *messageService) Persist(ctx context.Context, msg chat.Message) (chat.Message, error) {
	const q = `
	  INSERT INTO messages (sender_id, receiver_id, appointment_id,
	                        content, file_url, type, is_read)
	       VALUES ($1, $2, NULLIF($3, '')::bigint,
	               $4, NULLIF($5, ''), $6, FALSE)
	    RETURNING id, created_at`

	var (
		id        int64
		createdAt time.Time
	)
	err := svc.db.QueryRowContext(ctx, q,
		string(msg.SenderID),
		string(msg.ReceiverID),
		string(msg.AppointmentID),
		msg.Content,
		msg.FileURL,
		string(msg.Type),
	).Scan(&id, &createdAt)
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}

	msg.ID = chat.ID(strconv.FormatInt(id, 10))
	msg.CreatedAt = createdAt.UTC()
	msg.IsRead = false
	return msg, nil
}

// List returns one page, oldest first. BeforeID pages backwards.
func (svc *messageService) List(ctx context.Context, q chat.MessageQuery) ([]chat.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	var (
		where string
		args  []any
	)
	switch {
	case q.AppointmentID != "":
		where = " WHERE appointment_id = $1"
		args = append(args, string(q.AppointmentID))
	case q.UserID != "" && q.PeerID != "":
		where = ` WHERE ((sender_id = $1 AND receiver_id = $2)
		             OR (sender_id = $2 AND receiver_id = $1))`
		args = append(args, string(q.UserID), string(q.PeerID))
	default:
		return nil, fmt.Errorf("list messages: appointment or user pair required: %w", chat.ErrProtocolViolation)
	}
	if q.BeforeID != "" {
		args = append(args, string(q.BeforeID))
		where += fmt.Sprintf(" AND id < $%d", len(args))
	}
	args = append(args, limit)
	query := selectColumns + where + fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := svc.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]chat.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(list)
	return list, nil
}

// MarkRead flags the message as read when readerID is its receiver.
func (svc *messageService) MarkRead(ctx context.Context, messageID, readerID chat.ID) (chat.Message, error) {
	const q = `
	  UPDATE messages
	     SET is_read = TRUE
	   WHERE id = $1 AND receiver_id = $2
	RETURNING id, sender_id, receiver_id, appointment_id,
	          coalesce(content, ''), file_url, type, is_read, created_at`

	m, err := scanMessage(svc.db.QueryRowContext(ctx, q, string(messageID), string(readerID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, fmt.Errorf("message %s for user %s: %w", messageID, readerID, chat.ErrNotFound)
		}
		return chat.Message{}, err
	}
	return m, nil
}

func (svc *messageService) Get(ctx context.Context, id chat.ID) (chat.Message, error) {
	m, err := scanMessage(svc.db.QueryRowContext(ctx, selectColumns+" WHERE id = $1", string(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
		}
		return chat.Message{}, err
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (chat.Message, error) {
	var (
		id, sender, receiver, typ string
		appointment, fileURL      sql.NullString
		m                         chat.Message
	)
	if err := row.Scan(&id, &sender, &receiver, &appointment,
		&m.Content, &fileURL, &typ, &m.IsRead, &m.CreatedAt); err != nil {
		return chat.Message{}, err
	}
	m.ID = chat.ID(id)
	m.SenderID = chat.ID(sender)
	m.ReceiverID = chat.ID(receiver)
	m.AppointmentID = chat.ID(appointment.String)
	m.FileURL = fileURL.String
	m.Type = chat.MessageType(typ)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}
