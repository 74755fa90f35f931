// Package driver opens the broker named by configuration.
package driver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/broker/amqp"
	"github.com/phrazzld/taskrelay/internal/broker/memory"
	pgbroker "github.com/phrazzld/taskrelay/internal/broker/postgres"
	"github.com/phrazzld/taskrelay/internal/config"
	"github.com/phrazzld/taskrelay/internal/platform/postgres"
)

// Supported drivers
const (
	AMQP     = "amqp"
	Postgres = "postgres"
	Memory   = "memory"
)

// Opened is a broker together with whatever must be released when the process exits
type Opened struct {
	Broker broker.Broker
	close  func()
}

// Close releases resources held by the broker itself. Sessions are closed by their owners.
func (o *Opened) Close() {
	if o.close != nil {
		o.close()
	}
}

// Options describe the process opening the broker
type Options struct {
	// ClientName identifies the process to the broker
	ClientName string
	// Consumers is how many consumer loops will share the broker
	Consumers int
}

// Open builds the broker for cfg.Driver. The postgres driver connects and
// migrates its schema here, sizing its pool so every consumer can hold a
// LISTEN connection; the amqp driver connects lazily on the first Dial.
func Open(ctx context.Context, cfg config.BrokerConfig, opts Options, logger *slog.Logger) (*Opened, error) {
	switch cfg.Driver {
	case AMQP:
		b := amqp.New(amqp.Config{
			URL:            cfg.AMQPURL(),
			Heartbeat:      cfg.Heartbeat,
			ConnectionName: opts.ClientName,
			DeadLetterArgs: cfg.DeadLetterArgs,
		}, logger)
		return &Opened{Broker: b}, nil

	case Postgres:
		pool, err := postgres.Open(ctx, cfg.URL, postgres.PoolConfig{Listeners: int32(opts.Consumers)}, logger)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}

		pgCfg := pgbroker.DefaultConfig()
		if cfg.LeaseDuration > 0 {
			pgCfg.LeaseDuration = cfg.LeaseDuration
			pgCfg.HeartbeatInterval = cfg.LeaseDuration / 3
		}
		return &Opened{Broker: pgbroker.New(pool, pgCfg, logger), close: pool.Close}, nil

	case Memory:
		logger.Warn("memory broker selected, tasks are not shared with other processes")
		return &Opened{Broker: memory.New(logger)}, nil

	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
