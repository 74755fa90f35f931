package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/task"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("session pool closed")

// PooledSession is a broker session checked out of a Pool. It must be handed
// back with exactly one of Pool.Release or Pool.Discard.
type PooledSession struct {
	broker.Session

	// declared records that the queue was declared on this session
	declared bool
}

// Pool keeps broker sessions open between submissions and bounds how many
// exist at once. A session is used by one caller at a time.
type Pool struct {
	broker broker.Broker
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu     sync.Mutex
	idle   []*PooledSession
	closed bool
}

// NewPool creates a pool that opens at most size sessions against b
func NewPool(b broker.Broker, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		logger.Warn("invalid session pool size specified, using default",
			"specified_size", size,
			"default_size", 1)
		size = 1
	}

	return &Pool{
		broker: b,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger,
	}
}

// Acquire returns an idle live session or dials a new one. It blocks while
// the pool is at capacity.
func (p *Pool) Acquire(ctx context.Context) (*PooledSession, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for a session: %w", task.ErrBrokerUnavailable, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if alive(s) {
			p.mu.Unlock()
			return s, nil
		}
		_ = s.Close()
	}
	p.mu.Unlock()

	sess, err := p.broker.Dial(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.logger.Debug("opened broker session")
	return &PooledSession{Session: sess}, nil
}

// Release returns s to the pool. Dead sessions are closed instead.
func (p *Pool) Release(s *PooledSession) {
	defer p.sem.Release(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !alive(s) {
		_ = s.Close()
		return
	}
	p.idle = append(p.idle, s)
}

// Discard closes s instead of returning it to the pool
func (p *Pool) Discard(s *PooledSession) {
	defer p.sem.Release(1)

	if err := s.Close(); err != nil {
		p.logger.Debug("error closing discarded session", "error", err)
	}
}

// Idle returns the number of sessions waiting for reuse
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes every idle session. Sessions checked out are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, s := range p.idle {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.idle = nil
	return errors.Join(errs...)
}

func alive(s *PooledSession) bool {
	select {
	case <-s.Done():
		return false
	default:
		return true
	}
}
