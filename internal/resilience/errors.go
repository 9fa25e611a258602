package resilience

import (
	"context"
	"errors"
	"net"
)

// ErrCircuitOpen indicates the circuit breaker rejected the call without invoking it.
var ErrCircuitOpen = errors.New("circuit breaker open")

// transientError marks an error as safe to retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var t *transientError
	if errors.As(err, &t) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a timeout, connection-level failure or
// was explicitly marked with Transient. Circuit-open rejections and
// cancellations are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
