package rest

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies vendor API failures.
type Kind int

const (
	BadRequest Kind = iota + 1
	Unauthorized
	RateLimited
	ServerError
	Timeout
	Unavailable
	Decode
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad request"
	case Unauthorized:
		return "unauthorized"
	case RateLimited:
		return "rate limited"
	case ServerError:
		return "server error"
	case Timeout:
		return "timeout"
	case Unavailable:
		return "unavailable"
	case Decode:
		return "malformed response"
	}
	return "unknown api error"
}

// Retryable reports whether a request failing with k may be repeated.
func (k Kind) Retryable() bool {
	switch k {
	case RateLimited, ServerError, Timeout, Unavailable:
		return true
	}
	return false
}

// Error is returned by Client for every failed call.
type Error struct {
	Kind   Kind
	Status int
	Err    error

	retryAfter time.Duration
}

func (e *Error) Error() string {
	msg := "rest: " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == nil && t.Status == 0 && t.Kind == e.Kind
}

// RetryAfter is the server-requested delay, zero when none was sent.
func (e *Error) RetryAfter() time.Duration { return e.retryAfter }

var (
	ErrBadRequest   = &Error{Kind: BadRequest}
	ErrUnauthorized = &Error{Kind: Unauthorized}
	ErrRateLimited  = &Error{Kind: RateLimited}
	ErrServerError  = &Error{Kind: ServerError}
	ErrTimeout      = &Error{Kind: Timeout}
	ErrUnavailable  = &Error{Kind: Unavailable}
	ErrDecode       = &Error{Kind: Decode}
)
