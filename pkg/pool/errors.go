package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPoolClosed is returned by Acquire once Shutdown has started
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrTimeout matches every ResourceTimeoutError via errors.Is
	ErrTimeout = errors.New("timed out waiting for a connection")

	// errValidationFailed marks a failed health check; it never leaves the package
	errValidationFailed = errors.New("connection validation failed")
)

// ResourceTimeoutError is returned when Acquire exhausts its budget
type ResourceTimeoutError struct {
	Timeout time.Duration
	Waited  time.Duration
	// LastErr is the most recent internal failure seen while waiting, if any
	LastErr error
}

func (e *ResourceTimeoutError) Error() string {
	msg := fmt.Sprintf("could not acquire connection within %s (waited %s)", e.Timeout, e.Waited.Round(time.Millisecond))
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *ResourceTimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *ResourceTimeoutError) Unwrap() error {
	return e.LastErr
}

// ResourceCreationError is returned when the backing store keeps refusing
// new connections after every retry
type ResourceCreationError struct {
	Attempts int
	Err      error
}

func (e *ResourceCreationError) Error() string {
	return fmt.Sprintf("failed to create connection after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ResourceCreationError) Unwrap() error {
	return e.Err
}

// ShutdownTimeoutError reports connections that were still borrowed when
// the drain deadline passed and had to be closed forcibly
type ShutdownTimeoutError struct {
	Timeout     time.Duration
	Outstanding int
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("pool shutdown timed out after %s with %d active connections force-closed", e.Timeout, e.Outstanding)
}
