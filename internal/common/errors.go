// Package common defines shared constants and sentinel errors used across
// client and server layers of tokenkeeper. Callers should use errors.Is to
// match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors. These are the user-facing kinds.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")
	ErrorConflict     = errors.New("conflict")
	ErrorBadRequest   = errors.New("bad request")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenInactive = errors.New("refresh token is not active")
)

// Error is a user-facing failure: Kind is one of the service-level sentinels
// above and Message is safe to show to the caller.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// NewError builds an *Error of the given kind with a formatted message.
func NewError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a duplicate resource.
func Conflict(format string, args ...any) error {
	return NewError(ErrorConflict, format, args...)
}

// Unauthorized reports failed authentication or a rejected session.
func Unauthorized(format string, args ...any) error {
	return NewError(ErrorUnauthorized, format, args...)
}

// BadRequest reports malformed caller input.
func BadRequest(format string, args ...any) error {
	return NewError(ErrorBadRequest, format, args...)
}
