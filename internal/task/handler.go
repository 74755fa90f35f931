package task

import (
	"context"
	"log/slog"
	"time"
)

// Handler executes task bodies on behalf of a worker.
// Returning nil acknowledges the task; wrap transient errors with Retryable.
type Handler interface {
	Handle(ctx context.Context, t *Task) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, t *Task) error

// Handle calls f(ctx, t)
func (f HandlerFunc) Handle(ctx context.Context, t *Task) error {
	return f(ctx, t)
}

// SimulatedWorkHandler stands in for real work: it logs the payload, waits
// for Delay and logs completion. It honors context cancellation.
type SimulatedWorkHandler struct {
	Delay  time.Duration
	Logger *slog.Logger
}

// NewSimulatedWorkHandler creates a SimulatedWorkHandler
func NewSimulatedWorkHandler(delay time.Duration, logger *slog.Logger) *SimulatedWorkHandler {
	return &SimulatedWorkHandler{
		Delay:  delay,
		Logger: logger.With("component", "simulated_work_handler"),
	}
}

// Handle implements Handler
func (h *SimulatedWorkHandler) Handle(ctx context.Context, t *Task) error {
	log := h.Logger.With("task_id", t.ID, "attempt", t.Attempt)
	log.Info("processing task", "payload", string(t.Payload))

	timer := time.NewTimer(h.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	log.Info("task completed", "payload", string(t.Payload))
	return nil
}
