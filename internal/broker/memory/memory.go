// Package memory implements the broker contract in-process. Queues outlive
// the sessions that use them, unacknowledged deliveries are requeued when
// their session ends, and consumers never hold more than their prefetch.
// It backs local development and the delivery-semantics tests.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/task"
)

// Broker is an in-memory broker
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	sessions map[uuid.UUID]*Session
	offline  bool
	logger   *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

type queue struct {
	name       string
	durable    bool
	deadLetter string
	ready      []*message
	signal     chan struct{}
}

type message struct {
	id          string
	contentType string
	body        []byte
	redelivered bool
}

// New creates an empty in-memory broker
func New(logger *slog.Logger) *Broker {
	return &Broker{
		queues:   make(map[string]*queue),
		sessions: make(map[uuid.UUID]*Session),
		logger:   logger.With("component", "memory_broker"),
	}
}

// Dial opens a session
func (b *Broker) Dial(ctx context.Context) (broker.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", task.ErrBrokerUnavailable, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.offline {
		return nil, fmt.Errorf("%w: broker is offline", task.ErrBrokerUnavailable)
	}

	s := &Session{
		id:     uuid.New(),
		broker: b,
		done:   make(chan struct{}),
	}
	b.sessions[s.id] = s
	b.logger.Debug("session opened", "session_id", s.id)
	return s, nil
}

// SetOffline makes the broker unreachable. Going offline drops every open session.
func (b *Broker) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()

	if offline {
		b.DropSessions()
	}
}

// DropSessions severs every open session as if their connections died.
// Their unacknowledged deliveries become available again.
func (b *Broker) DropSessions() {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.end(fmt.Errorf("%w: connection lost", task.ErrWorkerDisconnected))
	}
}

// Restart simulates a broker restart: sessions are dropped and non-durable
// queues are discarded along with their messages.
func (b *Broker) Restart() {
	b.DropSessions()

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, q := range b.queues {
		if !q.durable {
			delete(b.queues, name)
		}
	}
}

// DeclareTransient creates a non-durable queue named name. It exists to put
// the broker in the state another deployment might have left it in.
func (b *Broker) DeclareTransient(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = newQueue(name, false, "")
	}
}

// Depth returns the number of messages ready for delivery on name
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered, unsettled messages across all sessions
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.sessions {
		n += len(s.inflight)
	}
	return n
}

// Bodies returns copies of the ready message bodies on name in delivery order
func (b *Broker) Bodies(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, append([]byte(nil), m.body...))
	}
	return out
}

// Sessions returns the number of open sessions
func (b *Broker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func newQueue(name string, durable bool, deadLetter string) *queue {
	return &queue{
		name:       name,
		durable:    durable,
		deadLetter: deadLetter,
		signal:     make(chan struct{}),
	}
}

// push appends m and wakes waiting consumers. Caller holds b.mu.
func (q *queue) push(m *message, front bool) {
	if front {
		q.ready = append([]*message{m}, q.ready...)
	} else {
		q.ready = append(q.ready, m)
	}
	close(q.signal)
	q.signal = make(chan struct{})
}

// pop removes the head message, or returns the channel to wait on. Caller holds b.mu.
func (q *queue) pop() (*message, <-chan struct{}) {
	if len(q.ready) == 0 {
		return nil, q.signal
	}
	m := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	return m, nil
}
