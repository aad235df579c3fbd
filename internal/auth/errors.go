package auth

import (
	"errors"
	"fmt"
)

// Kind classifies authentication failures.
type Kind int

const (
	// InvalidCredentials means the vendor rejected email or password.
	InvalidCredentials Kind = iota + 1
	// ReauthRequired means the stored session cannot be renewed without a new login.
	ReauthRequired
	// Unavailable means the identity endpoints could not be reached.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case InvalidCredentials:
		return "invalid credentials"
	case ReauthRequired:
		return "reauthentication required"
	case Unavailable:
		return "identity service unavailable"
	}
	return "unknown auth error"
}

// Error is returned by every Manager operation that fails.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "auth: " + e.Kind.String()
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidCredentials = &Error{Kind: InvalidCredentials}
	ErrReauthRequired     = &Error{Kind: ReauthRequired}
	ErrUnavailable        = &Error{Kind: Unavailable}
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}
