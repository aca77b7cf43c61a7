package uplink

import (
	"errors"
	"fmt"
)

// User-facing status strings. These appear verbatim in the observable error
// field and in lifecycle notifications, so they are full sentences.
const (
	msgNoInternet     = "No internet connection."
	msgConnectionLost = "Connection lost"
)

var (
	// ErrEmptyTarget is returned by Start when no target address is given.
	// The call is rejected synchronously and no state changes.
	ErrEmptyTarget = errors.New("uplink: empty target")

	// ErrNoConnectivity is returned by Start when the reachability check
	// reports no internet access. No transport is opened.
	ErrNoConnectivity = errors.New(msgNoInternet)

	// ErrRetriesExhausted is recorded when the configured retry budget is
	// spent. The session is terminal; a new Start is required.
	ErrRetriesExhausted = errors.New(msgConnectionLost)

	// ErrStopped is returned by Start when the client is torn down while
	// the first attempt is still settling.
	ErrStopped = errors.New("uplink: stopped")
)

// TransportError wraps a recoverable transport-level failure: a dial that
// did not complete, an abnormal close, or a failed write. It drives the
// retry machinery and is surfaced through the status observable, never as
// an uncaught fault.
type TransportError struct {
	Op  string // "dial", "write", "closed"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("uplink: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}
