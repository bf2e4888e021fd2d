package usecase

import (
	"errors"
	"fmt"

	"sonicres/internal/domain"
)

var (
	// ErrSessionDestroyed is returned by StartRecording when Destroy ends the
	// session before it reached capturing.
	ErrSessionDestroyed = errors.New("session destroyed")

	errTransportLost = errors.New("connection lost")
)

// SessionError is a fatal session failure tagged with its category.
type SessionError struct {
	Code domain.ErrorCode
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// serverError carries an error message sent by the recognition service.
type serverError struct {
	message string
}

func (e *serverError) Error() string {
	return e.message
}
