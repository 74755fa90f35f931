package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/task"
)

// Session is a connection to the in-memory broker
type Session struct {
	id     uuid.UUID
	broker *Broker

	// guarded by broker.mu
	inflight []*Delivery
	closed   bool
	err      error

	done chan struct{}
}

var _ broker.Session = (*Session)(nil)

// EnsureQueue declares q and its dead-letter queue
func (s *Session) EnsureQueue(ctx context.Context, q task.QueueDescriptor) error {
	if q.IsZero() {
		return fmt.Errorf("cannot declare an unnamed queue")
	}

	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: %w", task.ErrBrokerUnavailable, broker.ErrSessionClosed)
	}

	if err := b.declare(q.Name(), q.DeadLetter()); err != nil {
		return err
	}
	return b.declare(q.DeadLetter(), "")
}

// declare creates a durable queue or verifies an existing one. Caller holds b.mu.
func (b *Broker) declare(name, deadLetter string) error {
	existing, ok := b.queues[name]
	if !ok {
		b.queues[name] = newQueue(name, true, deadLetter)
		b.logger.Debug("queue declared", "queue", name, "dead_letter", deadLetter)
		return nil
	}

	if !existing.durable {
		return fmt.Errorf("%w: queue %q exists and is not durable", task.ErrQueueConflict, name)
	}
	if existing.deadLetter != deadLetter {
		return fmt.Errorf("%w: queue %q dead-letters to %q, not %q",
			task.ErrQueueConflict, name, existing.deadLetter, deadLetter)
	}
	return nil
}

// Publish appends msg to q
func (s *Session) Publish(ctx context.Context, q task.QueueDescriptor, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", task.ErrBrokerUnavailable, err)
	}

	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: %w", task.ErrBrokerUnavailable, broker.ErrSessionClosed)
	}

	target, ok := b.queues[q.RoutingKey()]
	if !ok {
		return fmt.Errorf("%w: queue %q is not declared", task.ErrBrokerUnavailable, q.RoutingKey())
	}

	target.push(&message{
		id:          msg.ID,
		contentType: msg.ContentType,
		body:        append([]byte(nil), msg.Body...),
	}, false)
	return nil
}

// Consume starts delivering messages from q, at most prefetch unsettled at a time
func (s *Session) Consume(ctx context.Context, q task.QueueDescriptor, prefetch int) (<-chan broker.Delivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}

	b := s.broker
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", task.ErrBrokerUnavailable, broker.ErrSessionClosed)
	}
	if _, ok := b.queues[q.Name()]; !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: queue %q is not declared", task.ErrBrokerUnavailable, q.Name())
	}
	b.mu.Unlock()

	out := make(chan broker.Delivery)
	slots := make(chan struct{}, prefetch)

	go s.deliver(ctx, q.Name(), slots, out)
	return out, nil
}

// deliver pushes messages to out while a prefetch slot is free
func (s *Session) deliver(ctx context.Context, name string, slots chan struct{}, out chan<- broker.Delivery) {
	defer close(out)

	b := s.broker
	for {
		select {
		case slots <- struct{}{}:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}

		var d *Delivery
		for d == nil {
			b.mu.Lock()
			if s.closed {
				b.mu.Unlock()
				return
			}
			q, ok := b.queues[name]
			if !ok {
				b.mu.Unlock()
				return
			}
			m, wait := q.pop()
			if m != nil {
				d = &Delivery{session: s, queue: name, msg: m, slots: slots}
				s.inflight = append(s.inflight, d)
			}
			b.mu.Unlock()

			if d == nil {
				select {
				case <-wait:
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}

		select {
		case out <- d:
		case <-s.done:
			return
		case <-ctx.Done():
			s.unpop(d)
			return
		}
	}
}

// unpop returns a popped but never handed out delivery to the head of its queue
func (s *Session) unpop(d *Delivery) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed || !s.removeInflight(d) {
		return
	}
	d.settled = true
	if q, ok := b.queues[d.queue]; ok {
		q.push(d.msg, true)
	}
}

// removeInflight drops d from the in-flight list. Caller holds broker.mu.
func (s *Session) removeInflight(d *Delivery) bool {
	i := slices.Index(s.inflight, d)
	if i < 0 {
		return false
	}
	s.inflight = slices.Delete(s.inflight, i, i+1)
	return true
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended
func (s *Session) Err() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.err
}

// Close ends the session and requeues its unacknowledged deliveries
func (s *Session) Close() error {
	s.end(broker.ErrSessionClosed)
	return nil
}

func (s *Session) end(reason error) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.err = reason

	// Requeue in reverse so the earliest delivery ends up at the head
	for i := len(s.inflight) - 1; i >= 0; i-- {
		d := s.inflight[i]
		d.settled = true
		if q, ok := b.queues[d.queue]; ok {
			d.msg.redelivered = true
			q.push(d.msg, true)
		}
	}
	requeued := len(s.inflight)
	s.inflight = nil

	delete(b.sessions, s.id)
	close(s.done)
	b.logger.Debug("session ended", "session_id", s.id, "requeued", requeued, "reason", reason)
}

// Delivery is a message handed to a consumer
type Delivery struct {
	session *Session
	queue   string
	msg     *message
	slots   chan struct{}
	settled bool // guarded by broker.mu
}

var _ broker.Delivery = (*Delivery)(nil)

// MessageID returns the id given at publish time
func (d *Delivery) MessageID() string { return d.msg.id }

// Body returns the message body
func (d *Delivery) Body() []byte { return d.msg.body }

// Redelivered reports whether the message was delivered to a session that ended before settling it
func (d *Delivery) Redelivered() bool { return d.msg.redelivered }

// Ack removes the message permanently
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle(nil)
}

// Reject moves the message to the dead-letter queue
func (d *Delivery) Reject(ctx context.Context) error {
	return d.settle(func(b *Broker) {
		q, ok := b.queues[d.queue]
		if !ok || q.deadLetter == "" {
			return
		}
		dl, ok := b.queues[q.deadLetter]
		if !ok {
			dl = newQueue(q.deadLetter, true, "")
			b.queues[q.deadLetter] = dl
		}
		dl.push(&message{id: d.msg.id, contentType: d.msg.contentType, body: d.msg.body}, false)
	})
}

func (d *Delivery) settle(action func(b *Broker)) error {
	s := d.session
	b := s.broker

	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: %w", task.ErrWorkerDisconnected, broker.ErrSessionClosed)
	}
	if d.settled {
		b.mu.Unlock()
		return broker.ErrAlreadySettled
	}
	s.removeInflight(d)
	d.settled = true
	if action != nil {
		action(b)
	}
	b.mu.Unlock()

	<-d.slots
	return nil
}
