package queue

import "errors"

var (
	// ErrAlreadyActive is returned by Admit when the owner has a non-terminal job.
	ErrAlreadyActive = errors.New("owner already has an active job")

	// ErrCapacityExceeded is returned by Admit when the queued-job cap is hit.
	ErrCapacityExceeded = errors.New("job queue capacity exceeded")

	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrIllegalTransition indicates an internal state machine bug, never user input.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrStaleJob is returned by guarded updates when the row's status no
	// longer matches what the caller observed.
	ErrStaleJob = errors.New("job changed concurrently")
)
