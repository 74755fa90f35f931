package task

import "errors"

// Errors of the task distribution path. Broker implementations wrap their
// native failures into these so callers can branch with errors.Is.
var (
	// ErrBrokerUnavailable indicates the broker could not be reached or a publish failed
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrQueueConflict indicates the queue exists with incompatible properties.
	// It is a configuration error and is never retried.
	ErrQueueConflict = errors.New("queue declared with incompatible properties")

	// ErrTaskExecution indicates a task body failed
	ErrTaskExecution = errors.New("task execution failed")

	// ErrTaskTimeout indicates a task body exceeded its execution deadline
	ErrTaskTimeout = errors.New("task execution timed out")

	// ErrWorkerDisconnected indicates a worker lost its broker session
	ErrWorkerDisconnected = errors.New("worker disconnected from broker")

	// ErrRetriesExhausted indicates the producer gave up publishing after its retry budget
	ErrRetriesExhausted = errors.New("publish retries exhausted")

	// ErrInvalidPayload indicates a submission is not a JSON object
	ErrInvalidPayload = errors.New("invalid task payload")
)

// retryableError marks a handler error as transient
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as a transient failure. A worker redelivers tasks whose
// handler returns a retryable error until their attempt budget is spent.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable or is a timeout.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r) || errors.Is(err, ErrTaskTimeout)
}
