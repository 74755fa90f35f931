// Package producer publishes task submissions to the shared durable queue.
// Sessions are pooled across submissions and broker failures are retried a
// bounded number of times with capped exponential backoff.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/platform/logger"
	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/phrazzld/taskrelay/internal/telemetry"
	"github.com/sethvargo/go-retry"
)

// jitterPercent spreads concurrent retries apart
const jitterPercent = 20

// Config tunes a Producer
type Config struct {
	// Queue receives every submission
	Queue task.QueueDescriptor

	// MaxRetries bounds publish retries after the first attempt
	MaxRetries uint64

	// RetryBaseDelay is the first backoff delay; it doubles per retry up to RetryMaxDelay
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// PublishTimeout bounds a single publish attempt
	PublishTimeout time.Duration

	// PoolSize bounds the number of open sessions
	PoolSize int
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		Queue:          task.DefaultQueueDescriptor(),
		MaxRetries:     3,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
		PublishTimeout: 5 * time.Second,
		PoolSize:       4,
	}
}

// Producer submits tasks. It is safe for concurrent use.
type Producer struct {
	pool   *Pool
	cfg    Config
	sink   telemetry.Sink
	logger *slog.Logger
}

// New creates a Producer publishing through b
func New(b broker.Broker, cfg Config, sink telemetry.Sink, log *slog.Logger) (*Producer, error) {
	if cfg.Queue.IsZero() {
		return nil, fmt.Errorf("producer requires a queue")
	}
	defaults := DefaultConfig()
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if sink == nil {
		sink = telemetry.Noop{}
	}

	log = log.With("component", "producer", "queue", cfg.Queue.Name())

	return &Producer{
		pool:   NewPool(b, cfg.PoolSize, log),
		cfg:    cfg,
		sink:   sink,
		logger: log,
	}, nil
}

// Submit validates payload, wraps it in a new task and publishes it.
func (p *Producer) Submit(ctx context.Context, payload json.RawMessage) (*task.Task, error) {
	return p.SubmitAs(ctx, payload, "")
}

// SubmitAs is Submit recording who submitted the task
func (p *Producer) SubmitAs(ctx context.Context, payload json.RawMessage, submittedBy string) (*task.Task, error) {
	t, err := task.New(payload)
	if err != nil {
		return nil, err
	}
	t.SubmittedBy = submittedBy

	if err := p.Publish(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Publish sends an already built task. On broker failure it retries up to
// MaxRetries times; a queue conflict is returned at once.
func (p *Producer) Publish(ctx context.Context, t *task.Task) error {
	body, err := t.Encode()
	if err != nil {
		return err
	}
	msg := broker.Message{
		ID:          t.ID.String(),
		ContentType: task.ContentType,
		Body:        body,
	}

	log := logger.FromContextOr(ctx, p.logger).With("task_id", t.ID, "attempt", t.Attempt)

	start := time.Now()
	tries := 0
	err = retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		tries++
		err := p.publishOnce(ctx, msg)
		if err == nil || errors.Is(err, task.ErrQueueConflict) || errors.Is(err, ErrPoolClosed) {
			return err
		}
		log.Warn("publish attempt failed", "try", tries, "error", err)
		return retry.RetryableError(err)
	})
	elapsed := time.Since(start)
	p.sink.TaskPublished(p.cfg.Queue.Name(), elapsed, err)

	if err == nil {
		log.Info("task published", "duration_ms", elapsed.Milliseconds())
		return nil
	}

	switch {
	case errors.Is(err, ErrPoolClosed):
		return err
	case errors.Is(err, task.ErrQueueConflict):
		log.Error("queue declaration conflicts with the existing queue", "error", err)
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%w: publish interrupted: %w", task.ErrBrokerUnavailable, err)
	default:
		log.Error("giving up publishing task", "tries", tries, "error", err)
		return fmt.Errorf("%w after %d tries: %w", task.ErrRetriesExhausted, tries, err)
	}
}

// publishOnce checks out a session, declares the queue on first use and publishes
func (p *Producer) publishOnce(ctx context.Context, msg broker.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	s, err := p.pool.Acquire(ctx)
	if err != nil {
		p.sink.ConnectionStatus(telemetry.RoleProducer, telemetry.PublisherConnection, false)
		return err
	}
	p.sink.ConnectionStatus(telemetry.RoleProducer, telemetry.PublisherConnection, true)

	if !s.declared {
		if err := s.EnsureQueue(ctx, p.cfg.Queue); err != nil {
			p.pool.Discard(s)
			return brokerError(err)
		}
		s.declared = true
	}

	if err := s.Publish(ctx, p.cfg.Queue, msg); err != nil {
		p.pool.Discard(s)
		return brokerError(err)
	}

	p.pool.Release(s)
	return nil
}

// Ping checks that the broker accepts a session and the queue declaration
func (p *Producer) Ping(ctx context.Context) error {
	s, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := s.EnsureQueue(ctx, p.cfg.Queue); err != nil {
		p.pool.Discard(s)
		return err
	}
	s.declared = true
	p.pool.Release(s)
	return nil
}

// Queue returns the queue tasks are published to
func (p *Producer) Queue() task.QueueDescriptor {
	return p.cfg.Queue
}

// Close releases pooled sessions
func (p *Producer) Close() error {
	return p.pool.Close()
}

// brokerError makes err match task.ErrBrokerUnavailable unless it is a queue conflict
func brokerError(err error) error {
	if errors.Is(err, task.ErrQueueConflict) || errors.Is(err, task.ErrBrokerUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", task.ErrBrokerUnavailable, err)
}

func (p *Producer) backoff() retry.Backoff {
	b := retry.NewExponential(p.cfg.RetryBaseDelay)
	b = retry.WithJitterPercent(jitterPercent, b)
	b = retry.WithCappedDuration(p.cfg.RetryMaxDelay, b)
	return retry.WithMaxRetries(p.cfg.MaxRetries, b)
}
