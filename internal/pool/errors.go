package pool

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies pool errors.
type ErrorKind int

const (
	// KindClosed means the pool was closed before or while waiting.
	KindClosed ErrorKind = iota
	// KindAcquireTimeout means the caller waited the full acquire timeout.
	KindAcquireTimeout
	// KindConnect means no physical connection could be established.
	KindConnect
)

// Error provides structured information for pool failures.
type Error struct {
	Pool     string
	Kind     ErrorKind
	WaitTime time.Duration // how long the caller waited (KindAcquireTimeout)
	Timeout  time.Duration // configured acquire timeout (KindAcquireTimeout)
	Attempts int           // establishment attempts made (KindConnect)
	Err      error         // underlying cause (KindConnect)
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindClosed:
		return fmt.Sprintf("pool %s closed", e.Pool)
	case KindAcquireTimeout:
		return fmt.Sprintf("acquire timeout for pool %s (waited=%v, timeout=%v)",
			e.Pool, e.WaitTime, e.Timeout)
	case KindConnect:
		return fmt.Sprintf("connect failed for pool %s after %d attempt(s): %v",
			e.Pool, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("pool error for %s", e.Pool)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsClosed checks if the error reports a closed pool.
func IsClosed(err error) bool {
	return isKind(err, KindClosed)
}

// IsAcquireTimeout checks if the error is an acquire timeout.
func IsAcquireTimeout(err error) bool {
	return isKind(err, KindAcquireTimeout)
}

// IsConnect checks if the error is a connection establishment failure.
func IsConnect(err error) bool {
	return isKind(err, KindConnect)
}

func isKind(err error, kind ErrorKind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
