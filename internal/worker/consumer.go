// Package worker runs the consumer loop: connect to the broker, declare the
// queue, receive tasks up to the prefetch limit, execute them and settle each
// delivery according to its outcome. Lost sessions are re-established with
// capped exponential backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/phrazzld/taskrelay/internal/telemetry"
	"github.com/sethvargo/go-retry"
)

// State is the position of a consumer in its lifecycle
type State int32

const (
	StateConnecting State = iota
	StateWaiting
	StateProcessing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWaiting:
		return "waiting"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds configuration for a consumer
type Config struct {
	// Queue is consumed from and republished to on retry
	Queue task.QueueDescriptor

	// Prefetch caps unacknowledged deliveries; 1 processes tasks strictly one at a time
	Prefetch int

	// TaskTimeout bounds a single execution; zero disables the bound
	TaskTimeout time.Duration

	// MaxAttempts is how many executions a retryable task gets before it is dead-lettered
	MaxAttempts int

	// ReconnectBaseDelay and ReconnectMaxDelay shape the reconnect backoff
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// Name identifies the consumer in logs and connection telemetry
	Name string
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		Queue:              task.DefaultQueueDescriptor(),
		Prefetch:           1,
		TaskTimeout:        5 * time.Minute,
		MaxAttempts:        5,
		ReconnectBaseDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:  30 * time.Second,
		Name:               "consumer-0",
	}
}

// Consumer is one consumer loop with its own broker session
type Consumer struct {
	broker  broker.Broker
	handler task.Handler
	cfg     Config
	sink    telemetry.Sink
	logger  *slog.Logger

	state  atomic.Int32
	active atomic.Int32
}

// New creates a Consumer. Invalid config values are replaced with defaults.
func New(b broker.Broker, h task.Handler, cfg Config, sink telemetry.Sink, logger *slog.Logger) *Consumer {
	defaults := DefaultConfig()
	if cfg.Queue.IsZero() {
		cfg.Queue = defaults.Queue
	}
	if cfg.Prefetch <= 0 {
		logger.Warn("invalid prefetch specified, using default",
			"specified_prefetch", cfg.Prefetch,
			"default_prefetch", defaults.Prefetch)
		cfg.Prefetch = defaults.Prefetch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectBaseDelay
	}
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if sink == nil {
		sink = telemetry.Noop{}
	}

	c := &Consumer{
		broker:  b,
		handler: h,
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With("component", "consumer", "consumer_id", cfg.Name, "queue", cfg.Queue.Name()),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the consumer's current state
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Run consumes until ctx is cancelled, reconnecting whenever the session is
// lost. It returns nil on cancellation and task.ErrQueueConflict if the queue
// cannot be declared with the required properties.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	for {
		c.setState(StateConnecting)
		sess, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = c.consume(ctx, sess)
		_ = sess.Close()
		c.sink.ConnectionStatus(telemetry.RoleWorker, c.cfg.Name, false)

		switch {
		case ctx.Err() != nil:
			c.logger.Info("consumer stopped")
			return nil
		case errors.Is(err, task.ErrQueueConflict):
			c.logger.Error("queue declaration conflicts with the existing queue", "error", err)
			return err
		default:
			c.logger.Warn("broker session lost, reconnecting", "error", err)
		}
	}
}

// connect dials and declares the queue, retrying until it succeeds or ctx ends
func (c *Consumer) connect(ctx context.Context) (broker.Session, error) {
	tries := 0
	var sess broker.Session

	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		tries++
		s, err := c.broker.Dial(ctx)
		if err != nil {
			c.logger.Warn("failed to connect to broker", "try", tries, "error", err)
			return retry.RetryableError(err)
		}
		if err := s.EnsureQueue(ctx, c.cfg.Queue); err != nil {
			_ = s.Close()
			if errors.Is(err, task.ErrQueueConflict) {
				return err
			}
			c.logger.Warn("failed to declare queue", "try", tries, "error", err)
			return retry.RetryableError(err)
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.sink.ConnectionStatus(telemetry.RoleWorker, c.cfg.Name, true)
	c.logger.Info("connected to broker", "tries", tries)
	return sess, nil
}

// consume drains deliveries from sess with Prefetch goroutines until the
// session or ctx ends. It returns once every in-flight handler has returned.
func (c *Consumer) consume(ctx context.Context, sess broker.Session) error {
	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deliveries, err := sess.Consume(consumeCtx, c.cfg.Queue, c.cfg.Prefetch)
	if err != nil {
		return err
	}

	c.setState(StateWaiting)
	c.logger.Info("waiting for tasks", "prefetch", c.cfg.Prefetch)

	// Handlers stop when the session ends: their deliveries are already
	// being redelivered elsewhere
	taskCtx, cancelTasks := context.WithCancelCause(ctx)
	defer cancelTasks(nil)
	go func() {
		select {
		case <-sess.Done():
			cancelTasks(fmt.Errorf("%w: session ended while the task was running", task.ErrWorkerDisconnected))
		case <-taskCtx.Done():
		}
	}()

	// Sessions are not safe for concurrent publishes
	var publishMu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.process(taskCtx, sess, &publishMu, d)
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sess.Err(); err != nil {
		if errors.Is(err, task.ErrWorkerDisconnected) {
			return err
		}
		return fmt.Errorf("%w: %w", task.ErrWorkerDisconnected, err)
	}
	return task.ErrWorkerDisconnected
}

// process executes one delivery and settles it by outcome
func (c *Consumer) process(ctx context.Context, sess broker.Session, publishMu *sync.Mutex, d broker.Delivery) {
	c.sink.TaskReceived(c.cfg.Queue.Name())
	c.begin()
	defer c.end()

	// Settling must survive shutdown of the consume context
	settleCtx := context.WithoutCancel(ctx)

	t, err := task.Decode(d.Body())
	if err != nil {
		c.logger.Error("rejecting undecodable message",
			"message_id", d.MessageID(),
			"error", err)
		c.sink.TaskStarted()
		c.sink.TaskFinished(task.OutcomeFailure, 0)
		c.settle(settleCtx, c.logger, "reject", d.Reject)
		return
	}

	log := c.logger.With(
		"task_id", t.ID,
		"attempt", t.Attempt,
		"redelivered", d.Redelivered(),
	)
	log.Debug("received task")

	c.sink.TaskStarted()
	res := task.Execute(ctx, c.handler, t, c.cfg.TaskTimeout)
	c.sink.TaskFinished(res.Outcome, res.Duration)

	log = log.With("outcome", res.Outcome.String(), "duration_ms", res.Duration.Milliseconds())

	switch res.Outcome {
	case task.OutcomeSuccess:
		c.settle(settleCtx, log, "ack", d.Ack)

	case task.OutcomeRetryable:
		if t.Attempt >= c.cfg.MaxAttempts {
			log.Error("task failed on its last attempt, dead-lettering",
				"max_attempts", c.cfg.MaxAttempts,
				"error", res.Err)
			c.settle(settleCtx, log, "reject", d.Reject)
			return
		}

		next := t.NextAttempt()
		if err := c.republish(settleCtx, sess, publishMu, next); err != nil {
			// Leave the original unacknowledged; it comes back with the next session
			log.Error("failed to requeue task for retry", "error", err)
			return
		}
		log.Warn("task failed, requeued for retry", "next_attempt", next.Attempt, "error", res.Err)
		c.settle(settleCtx, log, "ack", d.Ack)

	case task.OutcomeFailure:
		log.Error("task failed, dead-lettering", "error", res.Err)
		c.settle(settleCtx, log, "reject", d.Reject)

	case task.OutcomeAbandoned:
		if errors.Is(context.Cause(ctx), task.ErrWorkerDisconnected) {
			log.Warn("broker session lost, task abandoned to redelivery", "error", res.Err)
			return
		}
		log.Info("worker stopping, leaving task for redelivery")
	}
}

func (c *Consumer) republish(ctx context.Context, sess broker.Session, publishMu *sync.Mutex, t *task.Task) error {
	body, err := t.Encode()
	if err != nil {
		return err
	}

	publishMu.Lock()
	defer publishMu.Unlock()
	return sess.Publish(ctx, c.cfg.Queue, broker.Message{
		ID:          t.ID.String(),
		ContentType: task.ContentType,
		Body:        body,
	})
}

func (c *Consumer) settle(ctx context.Context, log *slog.Logger, action string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		log.Error("failed to settle delivery", "action", action, "error", err)
		return
	}
	log.Debug("delivery settled", "action", action)
}

// begin and end track in-flight tasks for State
func (c *Consumer) begin() {
	c.active.Add(1)
	c.state.CompareAndSwap(int32(StateWaiting), int32(StateProcessing))
}

func (c *Consumer) end() {
	if c.active.Add(-1) == 0 {
		c.state.CompareAndSwap(int32(StateProcessing), int32(StateWaiting))
	}
}

func (c *Consumer) backoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.ReconnectBaseDelay)
	b = retry.WithJitterPercent(20, b)
	return retry.WithCappedDuration(c.cfg.ReconnectMaxDelay, b)
}
