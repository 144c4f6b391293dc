package chat

import (
	"context"
	"errors"
)

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrPersistence       = errors.New("persistence failure")
	ErrProtocolViolation = errors.New("protocol violation")
)

// Code maps an error to the code carried by the "error" event.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrPersistence), errors.Is(err, context.DeadlineExceeded):
		return "PERSISTENCE_FAILURE"
	case errors.Is(err, ErrProtocolViolation):
		return "PROTOCOL_VIOLATION"
	default:
		return "INTERNAL"
	}
}
