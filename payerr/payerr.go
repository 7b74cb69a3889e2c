// Package payerr classifies errors produced while settling payments. The
// settlement coordinator decides whether to retry, roll back or fall back based
// on the class of an error, so the classes are never collapsed into a single
// generic error.
package payerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is the category an error belongs to
type Class int

const (
	// Unclassified errors are programmer or infrastructure errors that
	// don't fit any of the categories below
	Unclassified Class = iota
	// UserActionable errors are surfaced immediately and never retried,
	// e.g. insufficient funds or an invalid address
	UserActionable
	// TransientNetwork errors leave the eventual state unknown. They are
	// never treated as definite failures
	TransientNetwork
	// ProviderDegraded means a third party provider failed after the server
	// completed the request. It's a success path with a fallback
	ProviderDegraded
	// DataCorruption errors are fatal to the operation and must never be
	// resolved by overwriting data
	DataCorruption
)

func (c Class) String() string {
	switch c {
	case UserActionable:
		return "user_actionable"
	case TransientNetwork:
		return "transient_network"
	case ProviderDegraded:
		return "provider_degraded"
	case DataCorruption:
		return "data_corruption"
	default:
		return "unclassified"
	}
}

// Error is an error with a class attached
type Error struct {
	Class Class
	// Op is the operation that failed, e.g. "broadcast"
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new classified sentinel error
func New(class Class, msg string) *Error {
	return &Error{Class: class, Err: errors.New(msg)}
}

// Wrap classifies the given error. Wrapping nil returns nil.
func Wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// Transient marks err as a transient network error
func Transient(op string, err error) error {
	return Wrap(TransientNetwork, op, err)
}

// ClassOf returns the class of the outermost classified error in the chain.
// Context deadlines and network timeouts are transient even when they were
// never explicitly classified.
func ClassOf(err error) Class {
	if err == nil {
		return Unclassified
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransientNetwork
	}
	return Unclassified
}

// Is reports whether err belongs to the given class
func Is(err error, class Class) bool {
	return err != nil && ClassOf(err) == class
}

// IsTransient reports whether err leaves the remote state unknown
func IsTransient(err error) bool {
	return Is(err, TransientNetwork)
}

// IsUserActionable reports whether err should be shown to the user as is
func IsUserActionable(err error) bool {
	return Is(err, UserActionable)
}

// IsDataCorruption reports whether err signals corrupted local data
func IsDataCorruption(err error) bool {
	return Is(err, DataCorruption)
}
