package dispatcher

import (
	"errors"
	"fmt"
)

// Submission and routing outcomes. Callers distinguish them with errors.Is.
var (
	// ErrCapacityExceeded is returned by Submit when the global queue is full.
	ErrCapacityExceeded = errors.New("capacity exceeded: global queue is full")

	// ErrQueueTimeout is returned when a task's deadline passes before it
	// reaches any worker's execute call.
	ErrQueueTimeout = errors.New("queue timeout: deadline passed before dispatch")

	// ErrNoEligibleWorker is returned when routing attempts are exhausted
	// with no worker able to accept the task.
	ErrNoEligibleWorker = errors.New("no eligible worker")

	// ErrCancelled is returned for caller- or shutdown-initiated cancellation.
	ErrCancelled = errors.New("task cancelled")

	// ErrExecutionFailed marks errors returned by a worker session or an
	// exceeded execution deadline. Wrapped by ExecutionError.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrTaskNotFound is returned by Cancel for an unknown or already
	// completed task.
	ErrTaskNotFound = errors.New("task not found")
)

// ExecutionError carries the worker that failed and the underlying cause.
type ExecutionError struct {
	WorkerID string
	Cause    error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed on worker %s: %v", e.WorkerID, e.Cause)
}

// Unwrap makes errors.Is(err, ErrExecutionFailed) hold.
func (e *ExecutionError) Unwrap() error {
	return ErrExecutionFailed
}
