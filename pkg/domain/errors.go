package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Capacity and validation errors surface synchronously
// to the caller; coordination and discovery errors are recorded in
// statistics and surfaced on request; a latched invariant error is the
// only class that makes the registry report itself unhealthy.
var (
	// ErrCapacity means a hard entry ceiling was reached. The write was
	// not applied.
	ErrCapacity = errors.New("capacity limit reached")

	// ErrCorrupted means an internal invariant was violated. Further
	// writes are refused once this is latched.
	ErrCorrupted = errors.New("internal state corrupted")

	// ErrClosed means the registry or a component of it was already
	// stopped.
	ErrClosed = errors.New("registry closed")
)

// ValidationError rejects malformed input before it touches shared
// state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CoordinationError wraps a local-channel send/receive failure. It is
// reported per call and does not affect registry health unless it
// recurs past the configured threshold.
type CoordinationError struct {
	Component ComponentID
	Op        string
	Err       error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination %s with %s failed: %v", e.Op, e.Component, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// DiscoveryError wraps a failure to find or watch component channels.
// It downgrades the affected component, never the registry.
type DiscoveryError struct {
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed at %s: %v", e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
