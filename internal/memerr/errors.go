// Package memerr provides the shared error taxonomy for the memory
// subsystem. It exists so that the pools, recyclers and the manager can
// agree on failure kinds without importing each other.
package memerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the allocation paths. Ordinary negative results
// (pool miss, absent cache key) are boolean returns, not errors.
var (
	// ErrUnsupportedFormat indicates a frame request with a pixel format
	// outside the supported-format table.
	ErrUnsupportedFormat = errors.New("unsupported pixel format")

	// ErrOutOfMemory indicates an allocation that could not be satisfied
	// from the pool or the system heap within the configured budget.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrPoolFull indicates that a sub-pool or the total pool-count limit
	// has been reached and no existing pool matches the request.
	ErrPoolFull = errors.New("pool limit reached")

	// ErrNotInitialized indicates an operation before Initialize or on a
	// component that was disabled by the active strategy.
	ErrNotInitialized = errors.New("not initialized")

	// ErrShutdown indicates an operation on a component that has been
	// closed. Background loops observe the same condition and exit.
	ErrShutdown = errors.New("component is shut down")

	// ErrInvalidSize indicates a zero or negative allocation size.
	ErrInvalidSize = errors.New("invalid allocation size")

	// ErrInvalidHandle indicates a release of a handle the pool did not
	// issue, or one that was already released.
	ErrInvalidHandle = errors.New("invalid or already released handle")
)

// AllocError wraps a sentinel with the operation and requested size so
// callers can log a single, useful line.
type AllocError struct {
	Op   string
	Size int
	Err  error
}

// Error implements the error interface.
func (e *AllocError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("%s (%d bytes): %v", e.Op, e.Size, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying sentinel for errors.Is checks.
func (e *AllocError) Unwrap() error {
	return e.Err
}

// Alloc wraps err with the operation name and requested size.
func Alloc(op string, size int, err error) error {
	if err == nil {
		return nil
	}
	return &AllocError{Op: op, Size: size, Err: err}
}

// IsUnavailable reports whether err means the component cannot serve
// requests at all (shut down or never initialized), as opposed to a
// request-specific failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrShutdown) || errors.Is(err, ErrNotInitialized)
}
