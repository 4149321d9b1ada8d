package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below wrap them so callers can use errors.Is.
var (
	ErrDuplicateName  = errors.New("daemon name already registered")
	ErrUnknownDaemon  = errors.New("unknown daemon")
	ErrSpawn          = errors.New("failed to spawn daemon")
	ErrInvalidWeights = errors.New("invalid fault weights")
	ErrNotStopped     = errors.New("trigger not stopped")
	ErrInvalidProfile = errors.New("invalid profile")

	// ErrProcessGone is returned by ProcessManager when the target no longer exists.
	ErrProcessGone = errors.New("process already exited")
)

// DuplicateNameError is returned when registering a name twice.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s: %q", ErrDuplicateName, e.Name)
}

func (e *DuplicateNameError) Unwrap() error { return ErrDuplicateName }

// UnknownDaemonError is returned for operations on unregistered names.
type UnknownDaemonError struct {
	Name string
}

func (e *UnknownDaemonError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownDaemon, e.Name)
}

func (e *UnknownDaemonError) Unwrap() error { return ErrUnknownDaemon }

// SpawnError is returned when the OS refuses to create a daemon process.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s %q: %v", ErrSpawn, e.Name, e.Err)
}

// Unwrap exposes both the sentinel and the OS cause.
func (e *SpawnError) Unwrap() []error { return []error{ErrSpawn, e.Err} }

// InvalidWeightsError is returned when a fault selector cannot draw anything.
type InvalidWeightsError struct {
	Reason string
}

func (e *InvalidWeightsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidWeights, e.Reason)
}

func (e *InvalidWeightsError) Unwrap() error { return ErrInvalidWeights }

// NotStoppedError is returned by Join when Stop has not been called.
type NotStoppedError struct {
	Trigger string
}

func (e *NotStoppedError) Error() string {
	return fmt.Sprintf("%s: %q (call Stop before Join)", ErrNotStopped, e.Trigger)
}

func (e *NotStoppedError) Unwrap() error { return ErrNotStopped }
