package models

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks network, timeout and server-side failures that may
	// succeed when retried.
	ErrTransient = errors.New("transient transport failure")

	// ErrMediaTooLarge is returned when media exceeds a destination size ceiling.
	ErrMediaTooLarge = errors.New("media exceeds size ceiling")

	// ErrMediaTooLong is returned when a video exceeds the duration ceiling.
	ErrMediaTooLong = errors.New("media exceeds duration ceiling")

	// ErrUnresolvedDependency is returned when a reply parent or quote target has
	// not been mirrored.
	ErrUnresolvedDependency = errors.New("dependency not mirrored")

	// ErrAccountRejected is returned when the destination account is in a state
	// that forbids the operation. It is never retried.
	ErrAccountRejected = errors.New("destination account rejected operation")

	// ErrTaskTimeout is returned when a scheduled task exceeds its ceiling.
	ErrTaskTimeout = errors.New("task exceeded time ceiling")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() []error {
	return []error{ErrTransient, e.err}
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds while the
// original error stays reachable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Rejected wraps err as an account rejection with a short reason.
func Rejected(reason string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrAccountRejected, reason)
	}
	return fmt.Errorf("%w: %s: %w", ErrAccountRejected, reason, err)
}
