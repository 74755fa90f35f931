// Package main implements the taskrelay worker, which consumes tasks from the
// shared durable queue and serves its metrics and health on the metrics port.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/taskrelay/internal/api"
	"github.com/phrazzld/taskrelay/internal/broker/driver"
	"github.com/phrazzld/taskrelay/internal/config"
	"github.com/phrazzld/taskrelay/internal/platform/logger"
	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/phrazzld/taskrelay/internal/telemetry"
	"github.com/phrazzld/taskrelay/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(cfg.Metrics, log)
	if err != nil {
		return err
	}

	opened, err := driver.Open(ctx, cfg.Broker, driver.Options{ClientName: "taskrelay-worker", Consumers: cfg.Worker.Concurrency}, log)
	if err != nil {
		return fmt.Errorf("failed to open broker: %w", err)
	}
	defer opened.Close()

	group, err := newGroup(cfg, opened, tel.Sink, log)
	if err != nil {
		return err
	}

	log.Info("worker starting",
		"broker_driver", cfg.Broker.Driver,
		"queue", cfg.Queue.Name,
		"concurrency", cfg.Worker.Concurrency,
		"prefetch", cfg.Worker.Prefetch,
		"metrics_port", cfg.Metrics.Port)

	return serve(ctx, cfg, group, tel.Handler, log)
}

// newGroup builds the consumer loops running the simulated work handler
func newGroup(cfg *config.Config, opened *driver.Opened, sink telemetry.Sink, log *slog.Logger) (*worker.Group, error) {
	queue, err := task.NewQueueDescriptor(cfg.Queue.Name, cfg.Queue.DeadLetter)
	if err != nil {
		return nil, fmt.Errorf("invalid queue configuration: %w", err)
	}

	handler := task.NewSimulatedWorkHandler(cfg.Worker.SimulatedWork, log)
	return worker.NewGroup(cfg.Worker.Concurrency, opened.Broker, handler, worker.Config{
		Queue:              queue,
		Prefetch:           cfg.Worker.Prefetch,
		TaskTimeout:        cfg.Worker.TaskTimeout,
		MaxAttempts:        cfg.Worker.MaxAttempts,
		ReconnectBaseDelay: cfg.Worker.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Worker.ReconnectMaxDelay,
	}, sink, log), nil
}

// metricsRouter serves /metrics and /health
func metricsRouter(group *worker.Group, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", metrics)
	r.Get("/health", api.NewHealthHandler(group.Check).Health)
	return r
}

// serve runs the consumer loops and the metrics server until ctx is
// cancelled or either fails.
func serve(ctx context.Context, cfg *config.Config, group *worker.Group, metrics http.Handler, log *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           metricsRouter(group, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return group.Run(ctx)
	})
	eg.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := eg.Wait()
	log.Info("worker stopped")
	return err
}
