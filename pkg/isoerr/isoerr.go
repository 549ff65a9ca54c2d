// Package isoerr defines the three error kinds the core distinguishes:
// malformed on-disc data, rejected caller input, and internal
// state-machine violations.
package isoerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can react without string matching.
type Kind int

const (
	// KindInvalidISO means data on disc violates a must-hold invariant.
	KindInvalidISO Kind = iota
	// KindInvalidInput means a caller-supplied argument was rejected.
	KindInvalidInput
	// KindInternal means a library state-machine invariant was violated.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidISO:
		return "InvalidISO"
	case KindInvalidInput:
		return "InvalidInput"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, isoerr.InvalidISO("")) style kind checks when
// the Msg/Err fields are left zero; prefer KindOf in new code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == ""
}

func newErr(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// InvalidISO reports an on-disc invariant violation the library does
// not tolerate (checksum failure, tag mismatch, impossible length,
// overlapping CE reservation, descriptor version mismatch).
func InvalidISO(format string, args ...interface{}) error {
	return newErr(KindInvalidISO, format, args...)
}

// InvalidInput reports a rejected caller argument.
func InvalidInput(format string, args ...interface{}) error {
	return newErr(KindInvalidInput, format, args...)
}

// Internal reports a state-machine invariant violated by the library
// or its caller (operation before parse, double New, reshuffle before
// open).
func Internal(format string, args ...interface{}) error {
	return newErr(KindInternal, format, args...)
}

// Wrap attaches a Kind to an existing error, preserving it for Unwrap.
func Wrap(k Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err
// was not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
