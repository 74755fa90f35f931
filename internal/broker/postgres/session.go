package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/platform/postgres"
	"github.com/phrazzld/taskrelay/internal/task"
)

const (
	declareQueueSQL = `
		INSERT INTO taskrelay_queues (name, durable, dead_letter)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (name) DO NOTHING`

	describeQueueSQL = `
		SELECT durable, dead_letter FROM taskrelay_queues WHERE name = $1`

	publishSQL = `
		INSERT INTO taskrelay_messages (queue, message_id, content_type, body)
		VALUES ($1, $2, $3, $4)`

	notifySQL = `SELECT pg_notify($1, $2)`

	// claimSQL leases the oldest ready message, or one whose lease lapsed.
	// A lapsed lease means the previous receiver died, so the row is flagged redelivered.
	claimSQL = `
		UPDATE taskrelay_messages m
		SET state = 'leased',
		    session_id = $2,
		    lease_expires_at = now() + $3::float8 * interval '1 second',
		    redelivered = m.redelivered OR m.state = 'leased'
		WHERE m.id = (
			SELECT id FROM taskrelay_messages
			WHERE queue = $1
			  AND (state = 'ready' OR (state = 'leased' AND lease_expires_at < now()))
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING m.id, m.message_id, m.body, m.redelivered`

	extendLeasesSQL = `
		UPDATE taskrelay_messages
		SET lease_expires_at = now() + $2::float8 * interval '1 second'
		WHERE session_id = $1 AND state = 'leased'`

	releaseOneSQL = `
		UPDATE taskrelay_messages
		SET state = 'ready', session_id = NULL, lease_expires_at = NULL
		WHERE id = $1 AND session_id = $2 AND state = 'leased'`

	releaseAllSQL = `
		UPDATE taskrelay_messages
		SET state = 'ready', session_id = NULL, lease_expires_at = NULL, redelivered = TRUE
		WHERE session_id = $1 AND state = 'leased'
		RETURNING queue`

	ackSQL = `
		DELETE FROM taskrelay_messages
		WHERE id = $1 AND session_id = $2 AND state = 'leased'`

	deadLetterSQL = `
		WITH dead AS (
			DELETE FROM taskrelay_messages
			WHERE id = $1 AND session_id = $2 AND state = 'leased'
			RETURNING queue, message_id, content_type, body
		)
		SELECT dead.message_id, dead.content_type, dead.body, q.dead_letter
		FROM dead JOIN taskrelay_queues q ON q.name = dead.queue`
)

// Session is a logical connection identified by the leases it holds
type Session struct {
	id     uuid.UUID
	broker *Broker
	logger *slog.Logger

	mu     sync.Mutex
	err    error
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool

	// lifetime is cancelled when the session ends so pool acquires and
	// notification waits made on its behalf give up
	lifetime context.Context
	cancel   context.CancelFunc
}

var _ broker.Session = (*Session)(nil)

// EnsureQueue declares q and its dead-letter queue
func (s *Session) EnsureQueue(ctx context.Context, q task.QueueDescriptor) error {
	if q.IsZero() {
		return fmt.Errorf("cannot declare an unnamed queue")
	}
	if err := s.alive(); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.broker.pool, func(tx pgx.Tx) error {
		if err := declare(ctx, tx, q.DeadLetter(), "", false); err != nil {
			return err
		}
		return declare(ctx, tx, q.Name(), q.DeadLetter(), true)
	})
}

// declare inserts the queue row if missing and verifies an existing one
func declare(ctx context.Context, tx pgx.Tx, name, deadLetter string, checkDeadLetter bool) error {
	if _, err := tx.Exec(ctx, declareQueueSQL, name, deadLetter); err != nil {
		return postgres.MapError("declare queue "+name, err)
	}

	var durable bool
	var existing string
	if err := tx.QueryRow(ctx, describeQueueSQL, name).Scan(&durable, &existing); err != nil {
		return postgres.MapError("describe queue "+name, err)
	}
	if !durable {
		return queueConflict(name, "exists and is not durable")
	}
	if checkDeadLetter && existing != deadLetter {
		return queueConflict(name, fmt.Sprintf("dead-letters to %q, not %q", existing, deadLetter))
	}
	return nil
}

// Publish inserts msg and notifies waiting consumers when the transaction commits
func (s *Session) Publish(ctx context.Context, q task.QueueDescriptor, msg broker.Message) error {
	if err := s.alive(); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.broker.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, publishSQL, q.RoutingKey(), msg.ID, msg.ContentType, msg.Body); err != nil {
			return postgres.MapError("publish to "+q.RoutingKey(), err)
		}
		if _, err := tx.Exec(ctx, notifySQL, notifyChannel, q.RoutingKey()); err != nil {
			return postgres.MapError("notify", err)
		}
		return nil
	})
}

// Consume listens for notifications on a dedicated connection and claims
// messages while fewer than prefetch are unsettled
func (s *Session) Consume(ctx context.Context, q task.QueueDescriptor, prefetch int) (<-chan broker.Delivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	if err := s.alive(); err != nil {
		return nil, err
	}

	if err := s.broker.reserveListener(); err != nil {
		return nil, err
	}
	conn, err := s.broker.pool.Acquire(ctx)
	if err != nil {
		s.broker.releaseListener()
		return nil, postgres.MapError("acquire listen connection", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		s.broker.releaseListener()
		return nil, postgres.MapError("listen", err)
	}

	l := &listener{
		session: s,
		queue:   q.Name(),
		conn:    conn,
		slots:   make(chan struct{}, prefetch),
		out:     make(chan broker.Delivery),
	}
	go l.run(ctx)
	return l.out, nil
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session and makes its leased messages ready again
func (s *Session) Close() error {
	s.finish(broker.ErrSessionClosed)
	if s.closed.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.releaseAll(ctx); err != nil {
		// Leases lapse on their own
		s.logger.Warn("failed to release leases on close", "error", err)
	}
	s.logger.Debug("session closed")
	return nil
}

func (s *Session) releaseAll(ctx context.Context) error {
	rows, err := s.broker.pool.Query(ctx, releaseAllSQL, s.id)
	if err != nil {
		return postgres.MapError("release leases", err)
	}
	queues, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return postgres.MapError("release leases", err)
	}

	notified := make(map[string]bool)
	for _, name := range queues {
		if notified[name] {
			continue
		}
		notified[name] = true
		if _, err := s.broker.pool.Exec(ctx, notifySQL, notifyChannel, name); err != nil {
			return postgres.MapError("notify", err)
		}
	}
	if len(queues) > 0 {
		s.logger.Debug("released leases", "count", len(queues))
	}
	return nil
}

// heartbeat extends this session's leases until the session ends. Failing
// to reach the database ends the session.
func (s *Session) heartbeat() {
	ticker := time.NewTicker(s.broker.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.broker.cfg.HeartbeatInterval)
			_, err := s.broker.pool.Exec(ctx, extendLeasesSQL, s.id, s.broker.leaseSeconds())
			cancel()
			if err != nil {
				s.logger.Warn("lease heartbeat failed, ending session", "error", err)
				s.finish(fmt.Errorf("%w: %w", task.ErrWorkerDisconnected, postgres.MapError("heartbeat", err)))
				return
			}
		}
	}
}

func (s *Session) finish(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
		s.cancel()
	})
}

func (s *Session) alive() error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: %w", task.ErrBrokerUnavailable, broker.ErrSessionClosed)
	default:
		return nil
	}
}

// Delivery is a leased message row
type Delivery struct {
	session     *Session
	id          int64
	messageID   string
	body        []byte
	redelivered bool
	slots       chan struct{}
	settled     atomic.Bool
}

var _ broker.Delivery = (*Delivery)(nil)

// MessageID returns the id given at publish time
func (d *Delivery) MessageID() string { return d.messageID }

// Body returns the message body
func (d *Delivery) Body() []byte { return d.body }

// Redelivered reports whether a previous lease on the message ended unsettled
func (d *Delivery) Redelivered() bool { return d.redelivered }

// Ack deletes the message row
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle(ctx, func(ctx context.Context) error {
		tag, err := d.session.broker.pool.Exec(ctx, ackSQL, d.id, d.session.id)
		if err != nil {
			return postgres.MapError("ack", err)
		}
		return postgres.CheckRowsAffected(tag, "lease")
	})
}

// Reject moves the message to its queue's dead-letter queue
func (d *Delivery) Reject(ctx context.Context) error {
	return d.settle(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, d.session.broker.pool, func(tx pgx.Tx) error {
			var messageID, contentType, deadLetter string
			var body []byte
			err := tx.QueryRow(ctx, deadLetterSQL, d.id, d.session.id).
				Scan(&messageID, &contentType, &body, &deadLetter)
			if err != nil {
				return postgres.MapError("reject", err)
			}
			if deadLetter == "" {
				return nil
			}
			if _, err := tx.Exec(ctx, publishSQL, deadLetter, messageID, contentType, body); err != nil {
				return postgres.MapError("dead-letter", err)
			}
			return nil
		})
	})
}

func (d *Delivery) settle(ctx context.Context, fn func(context.Context) error) error {
	if err := d.session.alive(); err != nil {
		return fmt.Errorf("%w: %w", task.ErrWorkerDisconnected, broker.ErrSessionClosed)
	}
	if !d.settled.CompareAndSwap(false, true) {
		return broker.ErrAlreadySettled
	}

	err := fn(ctx)
	if errors.Is(err, postgres.ErrNotFound) {
		// The lease lapsed and another session owns the message now
		err = fmt.Errorf("%w: lease lost: %w", task.ErrWorkerDisconnected, err)
	}
	if err == nil || errors.Is(err, task.ErrWorkerDisconnected) {
		<-d.slots
	} else {
		d.settled.Store(false)
	}
	return err
}
