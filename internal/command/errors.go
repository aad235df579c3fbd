package command

import (
	"errors"
	"fmt"
)

// Kind classifies command failures.
type Kind int

const (
	// OutOfRange means the request failed validation; nothing was sent.
	OutOfRange Kind = iota + 1
	// Rejected means the vendor refused the command.
	Rejected
	// Unavailable means the vendor could not be reached or kept failing.
	Unavailable
	// UnknownDevice means the device id is not in the current tree.
	UnknownDevice
)

func (k Kind) String() string {
	switch k {
	case OutOfRange:
		return "out of range"
	case Rejected:
		return "rejected"
	case Unavailable:
		return "unavailable"
	case UnknownDevice:
		return "unknown device"
	}
	return "unknown command error"
}

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "command: " + e.Kind.String()
	}
	return fmt.Sprintf("command: %s: %v", e.Kind, e.Err)
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

var (
	ErrOutOfRange    = &Error{Kind: OutOfRange}
	ErrRejected      = &Error{Kind: Rejected}
	ErrUnavailable   = &Error{Kind: Unavailable}
	ErrUnknownDevice = &Error{Kind: UnknownDevice}
)

func newError(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Err: fmt.Errorf(format, args...)}
}
