package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/phrazzld/taskrelay/internal/redact"
	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the broker schema migrations
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		// The directory is embedded at build time
		panic(err)
	}
	return sub
}

// spareConns are kept beyond the LISTEN connections for short statements
const spareConns = 2

// PoolConfig tunes the connection pool
type PoolConfig struct {
	// MaxConns bounds open connections; zero keeps the pgxpool default
	MaxConns int32
	// Listeners is how many connections consumers will hold for LISTEN.
	// The pool is grown to leave spareConns on top of them.
	Listeners int32
	// ConnectTimeout bounds the initial ping
	ConnectTimeout time.Duration
}

// maxConns resolves the pool size from the parsed default and cfg
func (cfg PoolConfig) maxConns(parsed int32) int32 {
	n := parsed
	if cfg.MaxConns > 0 {
		n = cfg.MaxConns
	}
	if need := cfg.Listeners + spareConns; cfg.Listeners > 0 && n < need {
		n = need
	}
	return n
}

// Open creates a connection pool and verifies the database is reachable.
// Failures wrap task.ErrBrokerUnavailable with credentials redacted.
func Open(ctx context.Context, url string, cfg PoolConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid database URL %s: %s",
			task.ErrBrokerUnavailable, redact.URL(url), redact.Error(err))
	}
	poolCfg.MaxConns = cfg.maxConns(poolCfg.MaxConns)
	poolCfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create connection pool: %s",
			task.ErrBrokerUnavailable, redact.Error(err))
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %s",
			task.ErrBrokerUnavailable, redact.Error(err))
	}

	logger.Info("database connection established",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database,
		"max_conns", poolCfg.MaxConns)
	return pool, nil
}

// Migrate applies pending broker schema migrations. A Postgres advisory lock
// serializes concurrent migrators, so producers and workers may all call it
// at startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()

	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return fmt.Errorf("failed to create migration locker: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, Migrations(),
		goose.WithSessionLocker(locker),
	)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			"version", r.Source.Version,
			"path", r.Source.Path,
			"duration_ms", r.Duration.Milliseconds())
	}
	if len(results) == 0 {
		logger.Debug("database schema is up to date")
	}
	return nil
}
