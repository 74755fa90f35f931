package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/platform/postgres"
	"github.com/phrazzld/taskrelay/internal/task"
)

// listener feeds one consumer. It owns the LISTEN connection.
type listener struct {
	session *Session
	queue   string
	conn    *pgxpool.Conn
	slots   chan struct{}
	out     chan broker.Delivery
}

func (l *listener) run(parent context.Context) {
	defer close(l.out)
	defer l.releaseConn()

	s := l.session
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(s.lifetime, cancel)
	defer stop()

	for {
		select {
		case l.slots <- struct{}{}:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}

		d, err := l.next(ctx)
		if err != nil {
			<-l.slots
			if parent.Err() == nil && s.alive() == nil {
				s.logger.Warn("consumer failed, ending session", "queue", l.queue, "error", err)
				s.finish(errors.Join(task.ErrWorkerDisconnected, err))
			}
			return
		}

		select {
		case l.out <- d:
		case <-ctx.Done():
			l.unclaim(d)
			return
		case <-s.done:
			return
		}
	}
}

// next claims a message, waiting for notifications while the queue is empty
func (l *listener) next(ctx context.Context) (*Delivery, error) {
	s := l.session
	for {
		d, err := l.claim(ctx)
		if err != nil || d != nil {
			return d, err
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.broker.cfg.PollInterval)
		_, err = l.conn.Conn().WaitForNotification(waitCtx)
		cancel()

		if s.alive() != nil {
			return nil, broker.ErrSessionClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, postgres.MapError("wait for notification", err)
		}
	}
}

func (l *listener) claim(ctx context.Context) (*Delivery, error) {
	s := l.session
	d := &Delivery{session: s, slots: l.slots}

	err := s.broker.pool.QueryRow(ctx, claimSQL, l.queue, s.id, s.broker.leaseSeconds()).
		Scan(&d.id, &d.messageID, &d.body, &d.redelivered)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, postgres.MapError("claim from "+l.queue, err)
	}
	return d, nil
}

// unclaim hands a claimed but never delivered message back
func (l *listener) unclaim(d *Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.session.broker.pool.Exec(ctx, releaseOneSQL, d.id, l.session.id); err != nil {
		l.session.logger.Warn("failed to release undelivered message", "error", err)
	}
	<-l.slots
}

func (l *listener) releaseConn() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.conn.Exec(ctx, "UNLISTEN *"); err != nil {
		_ = l.conn.Conn().Close(ctx)
	}
	l.conn.Release()
	l.session.broker.releaseListener()
}
