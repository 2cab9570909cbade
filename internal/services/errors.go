package services

import (
	"errors"
	"fmt"

	"chat-core/internal/store"
)

var (
	// ErrForbidden covers every policy denial and every room-scoped lookup
	// miss, so callers cannot probe which rooms exist.
	ErrForbidden = errors.New("you don't have access")
	// ErrNotFound is only used for resources outside a room, such as an
	// unknown recipient.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is wrapped by every ValidationError.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDirectRoomMembership is returned when adding or removing members of
	// a direct room; direct rooms are deleted instead.
	ErrDirectRoomMembership = errors.New("direct room membership cannot change")
	// ErrInconsistent marks a direct room with the wrong participant set.
	// It is repaired or quarantined internally and never returned to clients.
	ErrInconsistent = errors.New("inconsistent room")

	ErrUserExists         = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, store.ErrTransient)
}

// roomScoped hides storage misses behind ErrForbidden.
func roomScoped(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrForbidden
	}
	return err
}
