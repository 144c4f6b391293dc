package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"telechat/internal/chat"
)

const participantsKeyPrefix = "appt_p:"

// Participants are the two users attached to an appointment.
type Participants struct {
	DoctorUserID  chat.ID `json:"doctor_user_id"`
	PatientUserID chat.ID `json:"patient_user_id"`
}

func (p Participants) Has(userID chat.ID) bool {
	return userID != "" && (p.DoctorUserID == userID || p.PatientUserID == userID)
}

type IIdentityService interface {
	chat.IdentityLookup
	Participants(ctx context.Context, appointmentID chat.ID) (Participants, error)
}

type identityService struct {
	db       *sql.DB
	rdc      *redis.Client
	cacheTTL time.Duration
}

var _ IIdentityService = (*identityService)(nil)

// NewIdentityService reads users and appointments from Postgres. When rdc is
// set, appointment participants are cached in Redis for cacheTTL.
func NewIdentityService(db *sql.DB, rdc *redis.Client, cacheTTL time.Duration) IIdentityService {
	return &identityService{db: db, rdc: rdc, cacheTTL: cacheTTL}
}

func (svc *identityService) UserExists(ctx context.Context, userID chat.ID) (bool, error) {
	var ok bool
	err := svc.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, string(userID)).Scan(&ok)
	if isMalformedID(err) {
		return false, nil
	}
	return ok, err
}

func (svc *identityService) IsParticipant(ctx context.Context, userID, appointmentID chat.ID) (bool, error) {
	p, err := svc.Participants(ctx, appointmentID)
	if err != nil {
		return false, err
	}
	return p.Has(userID), nil
}

// Participants resolves the doctor's and the patient's user ids, Redis first.
func (svc *identityService) Participants(ctx context.Context, appointmentID chat.ID) (Participants, error) {
	key := participantsKeyPrefix + string(appointmentID)
	if svc.rdc != nil {
		snap, err := svc.rdc.HGetAll(ctx, key).Result()
		if err != nil {
			zap.L().Warn("identity.cache_read", zap.String("key", key), zap.Error(err))
		} else if snap["doctor"] != "" && snap["patient"] != "" {
			return Participants{DoctorUserID: chat.ID(snap["doctor"]), PatientUserID: chat.ID(snap["patient"])}, nil
		}
	}

	const q = `SELECT d.user_id, p.user_id
	             FROM appointments a
	             JOIN doctors  d ON d.id = a.doctor_id
	             JOIN patients p ON p.id = a.patient_id
	            WHERE a.id = $1`
	var doctor, patient string
	if err := svc.db.QueryRowContext(ctx, q, string(appointmentID)).Scan(&doctor, &patient); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return Participants{}, fmt.Errorf("appointment %s: %w", appointmentID, chat.ErrNotFound)
		}
		return Participants{}, err
	}
	p := Participants{DoctorUserID: chat.ID(doctor), PatientUserID: chat.ID(patient)}

	if svc.rdc != nil {
		// the entry and its TTL are written together so it can never outlive cacheTTL
		_, err := svc.rdc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "doctor", doctor, "patient", patient)
			if svc.cacheTTL > 0 {
				pipe.Expire(ctx, key, svc.cacheTTL)
			}
			return nil
		})
		if err != nil {
			zap.L().Warn("identity.cache_write", zap.String("key", key), zap.Error(err))
		}
	}
	return p, nil
}

// isMalformedID reports Postgres rejecting an id that is not a valid integer
// (invalid_text_representation). Such an id names nothing.
func isMalformedID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
