// Package errors defines the failure taxonomy shared by every presence
// component. Store-facing calls return *StoreError; callers match the
// sentinels with errors.Is.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrStoreUnavailable marks transport or connection failures.
	ErrStoreUnavailable = errors.New("presence: store unavailable")
	// ErrLockUnavailable is returned once lock acquisition retries are exhausted.
	ErrLockUnavailable = errors.New("presence: lock unavailable")
	// ErrNotFound is returned when unsubscribing a handle that is not registered.
	ErrNotFound = errors.New("presence: subscription not found")
	// ErrInvalidTTL is returned when a non-positive TTL is provided.
	ErrInvalidTTL = errors.New("presence: ttl must be positive")
	// ErrNoKeys is returned by multi-key operations called without keys.
	ErrNoKeys = errors.New("presence: at least one key is required")
	// ErrInvalidChannel is returned when a channel name cannot be represented
	// by the transport.
	ErrInvalidChannel = errors.New("presence: invalid channel name")
)

// StoreError reports a failed store operation together with the key it
// targeted. Unavailable distinguishes transport failures from commands the
// store executed and rejected.
type StoreError struct {
	Op          string
	Key         string
	Err         error
	Unavailable bool
}

// NewStoreError returns a StoreError for a command the store rejected.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err}
}

// Unavailable returns a StoreError for a transport failure.
func Unavailable(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err, Unavailable: true}
}

// Wrap returns err unchanged when it already is a *StoreError and wraps it as
// a command error otherwise. A nil err yields nil.
func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return NewStoreError(op, key, err)
}

func (e *StoreError) Error() string {
	kind := "store error"
	if e.Unavailable {
		kind = "store unavailable"
	}
	if e.Key == "" {
		return fmt.Sprintf("presence: %s: %s: %v", kind, e.Op, e.Err)
	}
	return fmt.Sprintf("presence: %s: %s %q: %v", kind, e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() []error {
	if e.Unavailable {
		return []error{ErrStoreUnavailable, e.Err}
	}
	return []error{e.Err}
}

// IsUnavailable reports whether err is a transport failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
