package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrClientNotReady is returned when an operation arrives before the
	// session reached a usable state or after it entered StateFatal.
	ErrClientNotReady = errors.New("bridge: client not ready")

	// ErrCleanupInProgress rejects operations that arrive while the session
	// is being torn down.
	ErrCleanupInProgress = errors.New("bridge: cleanup in progress")

	// ErrReconnectionExhausted rejects operations that were queued during a
	// recovery that used up all its attempts.
	ErrReconnectionExhausted = errors.New("bridge: reconnection attempts exhausted")

	// ErrSessionExpired signals that the external service logged this
	// process out and a fresh pairing is required.
	ErrSessionExpired = errors.New("bridge: session expired, re-pairing required")
)

// OpError wraps a failure from a gated operation with the operation name.
type OpError struct {
	Op    string
	Cause error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("bridge: %s: %v", e.Op, e.Cause)
}

func (e *OpError) Unwrap() error { return e.Cause }
