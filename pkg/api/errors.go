package api

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable marks failures of the log, instance or checkpoint
	// store. The run stops in its last durable state and can be retried.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnauthorized is returned when the caller may not act on an instance.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when an instance id does not resolve.
	ErrNotFound = errors.New("instance not found")

	// ErrNoDraftAvailable is returned by ApproveAndPost before a comment was drafted.
	ErrNoDraftAvailable = errors.New("no drafted comment available")

	// ErrInvalidTransition is returned when an operation does not apply to
	// the instance's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateStep is returned when a step id is used twice in one run.
	ErrDuplicateStep = errors.New("duplicate step id")

	// ErrRateLimited is returned when subscription tokens are refreshed too often.
	ErrRateLimited = errors.New("rate limited")

	// ErrLeaseHeld is returned by Execute when another run holds the
	// instance's lease. The caller retries later.
	ErrLeaseHeld = errors.New("instance is leased by another run")

	// ErrWorkflowNotFound is returned when an instance names an unregistered workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// StepError is a failure inside a step body. Nothing is memoized for the
// step, so a later run under the same id executes the body again.
type StepError struct {
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StorageError wraps a backend failure so that it matches ErrStorageUnavailable.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
