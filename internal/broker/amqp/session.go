package amqp

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
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Session is one AMQP connection with one channel
type Session struct {
	conn   *amqp091.Connection
	ch     *amqp091.Channel
	logger *slog.Logger

	deadLetterArgs bool

	// serializes publishes from Publish and client-side dead-lettering
	pubMu sync.Mutex

	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

var _ broker.Session = (*Session)(nil)

// queueArgs routes rejected messages to the dead-letter queue through the
// default exchange. Nil unless server-side dead-lettering is enabled, which
// keeps a plain durable queue created by an older producer compatible.
func queueArgs(q task.QueueDescriptor, serverDeadLetter bool) amqp091.Table {
	if !serverDeadLetter {
		return nil
	}
	return amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.DeadLetter(),
	}
}

// EnsureQueue declares the dead-letter queue and then q. A server-side
// PRECONDITION_FAILED, meaning the queue exists with other properties, is
// reported as task.ErrQueueConflict; the channel is closed by the server.
func (s *Session) EnsureQueue(ctx context.Context, q task.QueueDescriptor) error {
	if q.IsZero() {
		return fmt.Errorf("cannot declare an unnamed queue")
	}

	if _, err := s.ch.QueueDeclare(q.DeadLetter(), true, false, false, false, nil); err != nil {
		return mapError("declare dead-letter queue "+q.DeadLetter(), err)
	}
	if _, err := s.ch.QueueDeclare(q.Name(), q.Durable(), false, false, false, queueArgs(q, s.deadLetterArgs)); err != nil {
		return mapError("declare queue "+q.Name(), err)
	}
	return nil
}

// Publish sends msg persistent through the default exchange
func (s *Session) Publish(ctx context.Context, q task.QueueDescriptor, msg broker.Message) error {
	if err := s.publish(ctx, q.RoutingKey(), msg.ID, msg.ContentType, msg.Body); err != nil {
		return mapError("publish to "+q.RoutingKey(), err)
	}
	return nil
}

func (s *Session) publish(ctx context.Context, routingKey, id, contentType string, body []byte) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.ch.PublishWithContext(ctx, "", routingKey, false, false, amqp091.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp091.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Consume sets the channel prefetch and starts a consumer on q
func (s *Session) Consume(ctx context.Context, q task.QueueDescriptor, prefetch int) (<-chan broker.Delivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}

	if err := s.ch.Qos(prefetch, 0, false); err != nil {
		return nil, mapError("set prefetch", err)
	}

	tag := consumerTag()
	src, err := s.ch.ConsumeWithContext(ctx, q.Name(), tag, false, false, false, false, nil)
	if err != nil {
		return nil, mapError("consume "+q.Name(), err)
	}
	s.logger.Debug("consumer started", "queue", q.Name(), "consumer_tag", tag, "prefetch", prefetch)

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- &Delivery{session: s, d: d, deadLetter: q.DeadLetter()}:
				case <-ctx.Done():
					// Still unacknowledged; the server redelivers it when the channel closes
					return
				}
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	return out, nil
}

// Done is closed when the connection or channel closes
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the channel and the connection. Unacknowledged deliveries are
// requeued by the server.
func (s *Session) Close() error {
	s.finish(broker.ErrSessionClosed)
	if err := s.ch.Close(); err != nil && !isClosed(err) {
		_ = s.conn.Close()
		return mapError("close channel", err)
	}
	if err := s.conn.Close(); err != nil && !isClosed(err) {
		return mapError("close connection", err)
	}
	return nil
}

// watch ends the session on the first close notification
func (s *Session) watch(connClosed, chClosed <-chan *amqp091.Error) {
	var reason *amqp091.Error
	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	case <-s.done:
		return
	}

	if reason == nil {
		s.finish(broker.ErrSessionClosed)
		return
	}
	s.logger.Warn("broker session closed by server",
		"code", reason.Code,
		"reason", reason.Reason,
		"server_initiated", reason.Server)
	s.finish(fmt.Errorf("%w: %s", task.ErrWorkerDisconnected, reason.Reason))
}

func (s *Session) finish(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func isClosed(err error) bool {
	return errors.Is(err, amqp091.ErrClosed)
}

// Delivery wraps an AMQP delivery and enforces settle-once
type Delivery struct {
	session    *Session
	d          amqp091.Delivery
	deadLetter string
	settled    atomic.Bool
}

var _ broker.Delivery = (*Delivery)(nil)

// MessageID returns the message-id property
func (d *Delivery) MessageID() string { return d.d.MessageId }

// Body returns the message body
func (d *Delivery) Body() []byte { return d.d.Body }

// Redelivered reports the redelivered flag set by the server
func (d *Delivery) Redelivered() bool { return d.d.Redelivered }

// Ack acknowledges the single delivery
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle("ack", func() error { return d.d.Ack(false) })
}

// Reject moves the message to the dead-letter queue. With server-side
// dead-lettering the delivery is rejected without requeue; otherwise a copy is
// published to the dead-letter queue and the original acknowledged. A failed
// copy leaves the delivery unacknowledged for redelivery.
func (d *Delivery) Reject(ctx context.Context) error {
	if d.session.deadLetterArgs {
		return d.settle("reject", func() error { return d.d.Reject(false) })
	}
	return d.settle("reject", func() error {
		if err := d.session.publish(ctx, d.deadLetter, d.d.MessageId, d.d.ContentType, d.d.Body); err != nil {
			return err
		}
		return d.d.Ack(false)
	})
}

func (d *Delivery) settle(op string, fn func() error) error {
	select {
	case <-d.session.done:
		return fmt.Errorf("%w: %w", task.ErrWorkerDisconnected, broker.ErrSessionClosed)
	default:
	}
	if !d.settled.CompareAndSwap(false, true) {
		return broker.ErrAlreadySettled
	}
	if err := fn(); err != nil {
		if isClosed(err) {
			return fmt.Errorf("%w: %w", task.ErrWorkerDisconnected, broker.ErrSessionClosed)
		}
		return fmt.Errorf("%w: %s: %w", task.ErrWorkerDisconnected, op, err)
	}
	return nil
}
