package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskrelay/internal/broker/driver"
	"github.com/phrazzld/taskrelay/internal/config"
	"github.com/phrazzld/taskrelay/internal/producer"
	"github.com/phrazzld/taskrelay/internal/redact"
	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/phrazzld/taskrelay/internal/telemetry"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	broker    *driver.Opened
	telemetry *telemetry.Telemetry
	producer  *producer.Producer
}

// newApplication opens the broker and builds the producer. The broker is
// not required to be reachable yet; publishes retry until it is. A queue
// that exists with conflicting properties aborts startup.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	opened, err := driver.Open(ctx, cfg.Broker, driver.Options{ClientName: "taskrelay-producer"}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open broker: %w", err)
	}
	return newApplicationWithBroker(ctx, cfg, opened, logger)
}

// newApplicationWithBroker builds the application on an opened broker, which
// it takes ownership of.
func newApplicationWithBroker(
	ctx context.Context,
	cfg *config.Config,
	opened *driver.Opened,
	logger *slog.Logger,
) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		broker: opened,
	}

	var err error
	app.telemetry, err = telemetry.New(cfg.Metrics, logger)
	if err != nil {
		app.cleanup()
		return nil, err
	}

	queue, err := task.NewQueueDescriptor(cfg.Queue.Name, cfg.Queue.DeadLetter)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("invalid queue configuration: %w", err)
	}

	app.producer, err = producer.New(app.broker.Broker, producer.Config{
		Queue:          queue,
		MaxRetries:     cfg.Producer.MaxRetries,
		RetryBaseDelay: cfg.Producer.RetryBaseDelay,
		RetryMaxDelay:  cfg.Producer.RetryMaxDelay,
		PublishTimeout: cfg.Producer.PublishTimeout,
		PoolSize:       cfg.Producer.PoolSize,
	}, app.telemetry.Sink, logger)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	if err := app.declareQueue(ctx); err != nil {
		app.cleanup()
		return nil, err
	}

	logger.Info("producer initialized",
		"broker_driver", cfg.Broker.Driver,
		"queue", queue.Name(),
		"pool_size", cfg.Producer.PoolSize)
	return app, nil
}

// declareQueue declares the task queue once before serving. Only a conflict
// is fatal; an unreachable broker is left to the publish retries.
func (app *application) declareQueue(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, app.config.Producer.PublishTimeout)
	defer cancel()

	err := app.producer.Ping(ctx)
	switch {
	case err == nil:
		app.logger.Info("task queue declared", "queue", app.producer.Queue().Name())
	case errors.Is(err, task.ErrQueueConflict):
		return fmt.Errorf("cannot declare task queue: %w", err)
	default:
		app.logger.Warn("broker unreachable at startup, publishes will retry",
			"queue", app.producer.Queue().Name(),
			"error", redact.Error(err))
	}
	return nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.producer != nil {
		if err := app.producer.Close(); err != nil {
			app.logger.Error("error closing producer", "error", err)
		}
	}
	if app.broker != nil {
		app.broker.Close()
	}
	app.logger.Info("application shutdown completed")
}
