package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthTimeout is returned when no line arrives before the auth window ends.
	ErrAuthTimeout = errors.New("session: no line received before auth timeout")
	// ErrNotActive is returned by Request and Send outside the active state.
	ErrNotActive = errors.New("session: not active")
	// ErrClosed is returned to callers waiting on a connection that closed.
	ErrClosed = errors.New("session: connection closed")
	// ErrRunning is returned when Run is called while a connection is in progress.
	ErrRunning = errors.New("session: handler already running")

	errWriteQueueFull = errors.New("session: write queue full")
)

// TransportError wraps dial, read and write failures of one connection attempt.
type TransportError struct {
	Bot string
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Bot, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a Run error describes a failed attempt that may
// succeed on a fresh connection.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrAuthTimeout)
}
