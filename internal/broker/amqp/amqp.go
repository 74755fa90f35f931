// Package amqp implements the broker contract on RabbitMQ. Every session owns
// one connection and one channel. Queues are declared durable and messages
// are published persistent. Rejected messages are copied to the dead-letter
// queue by the client unless server-side dead-lettering is enabled.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/redact"
	"github.com/phrazzld/taskrelay/internal/task"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

const (
	defaultHeartbeat   = 10 * time.Second
	defaultDialTimeout = 30 * time.Second
)

// Config locates the RabbitMQ server
type Config struct {
	// URL is an amqp:// or amqps:// URL including credentials and vhost
	URL string

	// Heartbeat is the connection heartbeat interval; zero uses 10s
	Heartbeat time.Duration

	// ConnectionName is shown in the management UI
	ConnectionName string

	// DeadLetterArgs declares the main queue with x-dead-letter-* arguments
	// so the server routes rejects. RabbitMQ refuses to redeclare an existing
	// queue with different arguments, so a queue created without them must be
	// deleted or drained before this is turned on.
	DeadLetterArgs bool
}

// Broker dials RabbitMQ
type Broker struct {
	cfg    Config
	logger *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// New creates a Broker. No connection is made until Dial.
func New(cfg Config, logger *slog.Logger) *Broker {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = "taskrelay"
	}
	return &Broker{
		cfg:    cfg,
		logger: logger.With("component", "amqp_broker"),
	}
}

// Dial opens a connection and a channel on it
func (b *Broker) Dial(ctx context.Context) (broker.Session, error) {
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(b.cfg.ConnectionName)

	conn, err := amqp091.DialConfig(b.cfg.URL, amqp091.Config{
		Heartbeat:  b.cfg.Heartbeat,
		Properties: props,
		Dial:       dialer(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %s", task.ErrBrokerUnavailable,
			redact.URL(b.cfg.URL), redact.Error(err))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, mapError("open channel", err)
	}

	s := &Session{
		conn:           conn,
		ch:             ch,
		logger:         b.logger,
		deadLetterArgs: b.cfg.DeadLetterArgs,
		done:           make(chan struct{}),
	}
	go s.watch(
		conn.NotifyClose(make(chan *amqp091.Error, 1)),
		ch.NotifyClose(make(chan *amqp091.Error, 1)),
	)
	b.logger.Debug("session opened")
	return s, nil
}

// dialer honors ctx for the TCP connect and bounds the AMQP handshake
func dialer(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		deadline := time.Now().Add(defaultDialTimeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		// Cleared by the client once the handshake completes
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// mapError translates client errors into the task error taxonomy
func mapError(op string, err error) error {
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp091.PreconditionFailed {
		return fmt.Errorf("%w: %s: %s", task.ErrQueueConflict, op, amqpErr.Reason)
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("%w: %s: %w", task.ErrBrokerUnavailable, op, broker.ErrSessionClosed)
	}
	return fmt.Errorf("%w: %s: %w", task.ErrBrokerUnavailable, op, err)
}

// consumerTag names a consumer uniquely on its channel
func consumerTag() string {
	return "taskrelay-" + uuid.NewString()
}
