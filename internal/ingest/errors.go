package ingest

import (
	"errors"
	"fmt"
)

// DrainError represents a drain cycle that could not complete.
//
// Drain errors include:
//   - Not started: Drain requested before Start and without force
//   - Disconnected: Store unreachable after the reconnect budget
//   - Select failed: Pending entries could not be read
//   - Transaction failed: Outcome statuses could not be committed
//
// Per-entry index rejections are never a DrainError; they are reported as
// failed entries of a successful cycle.
type DrainError struct {
	// Code identifies the error category.
	Code DrainErrorCode

	// Cycle is the id of the drain cycle, empty for NOT_STARTED.
	Cycle string

	// Err is the underlying cause.
	Err error
}

// DrainErrorCode categorizes drain errors.
type DrainErrorCode string

const (
	// ErrCodeNotStarted indicates Drain was called on a stopped loader.
	ErrCodeNotStarted DrainErrorCode = "NOT_STARTED"

	// ErrCodeDisconnected indicates the store connection is exhausted.
	ErrCodeDisconnected DrainErrorCode = "DISCONNECTED"

	// ErrCodeSelectFailed indicates the pending batch could not be read.
	ErrCodeSelectFailed DrainErrorCode = "SELECT_FAILED"

	// ErrCodeTransactionFailed indicates the outcome commit failed; no
	// status of the batch was persisted.
	ErrCodeTransactionFailed DrainErrorCode = "TRANSACTION_FAILED"
)

// errNotStarted is the cause of NOT_STARTED errors.
var errNotStarted = errors.New("resource loader is stopped")

// Error implements the error interface.
func (e *DrainError) Error() string {
	if e.Cycle != "" {
		return fmt.Sprintf("%s: %v (cycle=%s)", e.Code, e.Err, e.Cycle)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DrainError) Unwrap() error {
	return e.Err
}

func isCode(err error, code DrainErrorCode) bool {
	var de *DrainError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsNotStarted returns true if the drain was refused because the loader is
// stopped. Uses errors.As to handle wrapped errors.
func IsNotStarted(err error) bool {
	return isCode(err, ErrCodeNotStarted)
}

// IsDisconnected returns true if the store was unreachable.
func IsDisconnected(err error) bool {
	return isCode(err, ErrCodeDisconnected)
}

// IsTransactionFailure returns true if the outcome commit failed.
func IsTransactionFailure(err error) bool {
	return isCode(err, ErrCodeTransactionFailed)
}
