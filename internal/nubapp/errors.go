package nubapp

import (
	"errors"
	"fmt"
)

// AuthError marks a response that means the session is no longer (or never
// was) authenticated: a 401/403, a rejected login, or the platform handing
// back its login page where JSON was expected.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("authentication rejected (status=%d)", e.Status)
	}
	return fmt.Sprintf("authentication rejected: %s (status=%d)", e.Msg, e.Status)
}

// CapacityError marks a booking cleanly refused by the platform, which in
// practice means the class is full.
type CapacityError struct {
	SlotID string
	Msg    string
}

func (e *CapacityError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("slot %s is full", e.SlotID)
	}
	return fmt.Sprintf("slot %s refused: %s", e.SlotID, e.Msg)
}

// ErrSessionDead is returned by calls on a session that has been invalidated;
// the caller must open a fresh one.
var ErrSessionDead = errors.New("session invalidated, reopen required")

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) || errors.Is(err, ErrSessionDead)
}

func IsCapacity(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

// IsTransient reports whether an error is worth retrying: anything that is
// neither an auth rejection nor a full class (network faults, 5xx, malformed
// payloads).
func IsTransient(err error) bool {
	return err != nil && !IsAuth(err) && !IsCapacity(err)
}
