// Package postgres implements the broker contract on a PostgreSQL table.
// Consumers claim rows with FOR UPDATE SKIP LOCKED under a lease that their
// session keeps extending; a session that dies stops extending and its rows
// become claimable again once the lease lapses. Publishers wake consumers
// through LISTEN/NOTIFY.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/platform/postgres"
	"github.com/phrazzld/taskrelay/internal/task"
)

// notifyChannel carries the name of a queue that received a message
const notifyChannel = "taskrelay_messages"

// Config tunes lease handling
type Config struct {
	// LeaseDuration is how long a claimed message stays invisible without a heartbeat
	LeaseDuration time.Duration

	// HeartbeatInterval is how often a session extends its leases; it must be
	// well below LeaseDuration
	HeartbeatInterval time.Duration

	// PollInterval bounds how long a waiting consumer sleeps without a
	// notification, which is how lapsed leases are picked up
	PollInterval time.Duration
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		PollInterval:      5 * time.Second,
	}
}

// Broker opens sessions against a shared pool
type Broker struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger

	// listeners counts pool connections held for LISTEN by running consumers
	listeners atomic.Int32
}

var _ broker.Broker = (*Broker)(nil)

// New creates a Broker on pool. The schema must be migrated with postgres.Migrate.
func New(pool *pgxpool.Pool, cfg Config, logger *slog.Logger) *Broker {
	defaults := DefaultConfig()
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.LeaseDuration {
		cfg.HeartbeatInterval = cfg.LeaseDuration / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	return &Broker{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With("component", "postgres_broker"),
	}
}

// Dial verifies the database is reachable and starts a session with its own lease heartbeat
func (b *Broker) Dial(ctx context.Context) (broker.Session, error) {
	if err := b.pool.Ping(ctx); err != nil {
		return nil, postgres.MapError("ping", err)
	}

	s := &Session{
		id:     uuid.New(),
		broker: b,
		done:   make(chan struct{}),
	}
	s.lifetime, s.cancel = context.WithCancel(context.Background())
	s.logger = b.logger.With("session_id", s.id)

	go s.heartbeat()
	s.logger.Debug("session opened")
	return s, nil
}

// reserveListener claims a pool connection for a consumer's LISTEN. At least
// one connection must stay free for claims, heartbeats and settles, which all
// borrow from the same pool.
func (b *Broker) reserveListener() error {
	maxConns := b.pool.Config().MaxConns
	if n := b.listeners.Add(1); n >= maxConns {
		b.listeners.Add(-1)
		return fmt.Errorf("%w: pool of %d connections has %d consumers listening and no room for another",
			task.ErrBrokerUnavailable, maxConns, n-1)
	}
	return nil
}

func (b *Broker) releaseListener() {
	b.listeners.Add(-1)
}

// leaseSeconds is the lease length passed to SQL
func (b *Broker) leaseSeconds() float64 {
	return b.cfg.LeaseDuration.Seconds()
}

func queueConflict(name, reason string) error {
	return fmt.Errorf("%w: queue %q %s", task.ErrQueueConflict, name, reason)
}
