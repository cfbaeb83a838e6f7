package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound is returned when a stored record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotValid is returned when a submission or payload fails validation.
	ErrNotValid = errors.New("not valid")
	// ErrAccountUnavailable is returned when an account is not in active status.
	ErrAccountUnavailable = errors.New("account unavailable")
	// ErrPoolExhausted is returned when the session pool is full and nothing
	// is evictable.
	ErrPoolExhausted = errors.New("session pool exhausted")
)

// ErrorKind classifies a failed action for retry purposes.
type ErrorKind int

const (
	// KindTransient failures are retried with backoff.
	KindTransient ErrorKind = iota
	// KindTerminal failures are never retried.
	KindTerminal
	// KindBanned failures mark the account banned and fail-fast its
	// remaining pending work.
	KindBanned
	// KindSession failures tear down the browser session; the task itself
	// is retried once a fresh session exists.
	KindSession
)

// ActionError is an action-handler failure with an explicit retry class.
type ActionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ActionError) Error() string { return e.Err.Error() }
func (e *ActionError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error { return &ActionError{Kind: KindTransient, Err: err} }

// Terminal wraps err as a non-retryable failure.
func Terminal(err error) error { return &ActionError{Kind: KindTerminal, Err: err} }

// Terminalf is Terminal with formatting.
func Terminalf(format string, args ...any) error {
	return &ActionError{Kind: KindTerminal, Err: fmt.Errorf(format, args...)}
}

// Banned wraps err as a ban signal detected mid-action.
func Banned(err error) error { return &ActionError{Kind: KindBanned, Err: err} }

// SessionFailure wraps err as a browser-infrastructure failure.
func SessionFailure(err error) error { return &ActionError{Kind: KindSession, Err: err} }

// Classify maps an action-handler error to its retry class. Unclassified
// errors default to transient: network and page flakiness dominates in
// practice and a wasted retry is cheaper than a wrongly dead task.
func Classify(err error) ErrorKind {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, ErrNotValid) || errors.Is(err, ErrAccountUnavailable) {
		return KindTerminal
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}
