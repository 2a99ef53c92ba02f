package browser

import "errors"

var (
	// ErrExecutableNotFound indicates no browser binary could be resolved
	// from the platform candidate paths or PATH.
	ErrExecutableNotFound = errors.New("browser executable not found")

	// ErrLaunchFailed indicates the OS process could not be started.
	ErrLaunchFailed = errors.New("browser launch failed")

	// ErrResourceExhausted indicates the debug port range has no free ports.
	ErrResourceExhausted = errors.New("debug port range exhausted")

	// ErrReadinessTimeout indicates the debug endpoint never became live
	// within the readiness timeout.
	ErrReadinessTimeout = errors.New("browser readiness timeout")

	// ErrInvalidTransition indicates an invalid instance status transition
	// was attempted.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound indicates the requested instance does not exist.
	ErrNotFound = errors.New("instance not found")

	// ErrShutdownTimeout indicates all shutdown tiers were exhausted without
	// a confirmed process exit.
	ErrShutdownTimeout = errors.New("shutdown tiers exhausted without confirmed exit")

	// ErrTooManyInstances indicates the configured instance cap was reached.
	ErrTooManyInstances = errors.New("maximum instances reached")

	// ErrInstanceExists indicates an instance with the same id is already
	// registered.
	ErrInstanceExists = errors.New("instance already exists")
)
