package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the explicit result of running a task body. Workers map each
// outcome to a broker action instead of acknowledging unconditionally.
type Outcome int

const (
	// OutcomeSuccess: acknowledge, the broker discards the message
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable: redeliver while attempts remain, then dead-letter
	OutcomeRetryable
	// OutcomeFailure: dead-letter immediately
	OutcomeFailure
	// OutcomeAbandoned: the worker is stopping or lost its session; leave the
	// message unacknowledged so the broker redelivers it
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable_failure"
	case OutcomeFailure:
		return "failure"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one execution of a task body
type Result struct {
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Execute runs h for t under a deadline of timeout (no deadline when timeout
// is zero) and classifies the result. A handler that ignores its context is
// abandoned at the deadline; its goroutine keeps running until it returns.
// Panics are recovered and reported as failures.
func Execute(ctx context.Context, h Handler, t *Task, timeout time.Duration) Result {
	start := time.Now()

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: panic: %v", ErrTaskExecution, r)
			}
		}()
		done <- h.Handle(execCtx, t)
	}()

	var err error
	select {
	case err = <-done:
	case <-execCtx.Done():
		err = execCtx.Err()
	}

	return Result{
		Outcome:  classify(ctx, execCtx, err),
		Err:      describe(ctx, execCtx, err),
		Duration: time.Since(start),
	}
}

func classify(parent, execCtx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case parent.Err() != nil:
		return OutcomeAbandoned
	case errors.Is(execCtx.Err(), context.DeadlineExceeded), IsRetryable(err):
		return OutcomeRetryable
	default:
		return OutcomeFailure
	}
}

func describe(parent, execCtx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case parent.Err() != nil:
		return fmt.Errorf("task abandoned: %w", context.Cause(parent))
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTaskTimeout, err)
	case errors.Is(err, ErrTaskExecution):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTaskExecution, err)
	}
}
