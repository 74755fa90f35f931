package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/taskrelay/internal/broker/driver"
	"github.com/phrazzld/taskrelay/internal/config"
	"github.com/phrazzld/taskrelay/internal/platform/logger"
	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/phrazzld/taskrelay/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ShutdownTimeout: time.Second},
		Broker: config.BrokerConfig{Driver: driver.Memory},
		Queue:  config.QueueConfig{Name: task.DefaultQueueName, DeadLetter: task.DefaultDeadLetterName},
		Worker: config.WorkerConfig{
			Concurrency:        2,
			Prefetch:           1,
			MaxAttempts:        3,
			ReconnectBaseDelay: time.Millisecond,
			ReconnectMaxDelay:  10 * time.Millisecond,
		},
		Metrics: config.MetricsConfig{Port: 8002},
	}
}

func TestNewGroup_InvalidQueue(t *testing.T) {
	log, _ := logger.GetTestLogger(t)
	cfg := testConfig()
	cfg.Queue.DeadLetter = cfg.Queue.Name

	opened, err := driver.Open(context.Background(), cfg.Broker, driver.Options{ClientName: "test", Consumers: cfg.Worker.Concurrency}, log)
	require.NoError(t, err)

	_, err = newGroup(cfg, opened, telemetry.Noop{}, log)
	assert.ErrorContains(t, err, "invalid queue configuration")
}

func TestMetricsRouter(t *testing.T) {
	log, _ := logger.GetTestLogger(t)
	cfg := testConfig()

	opened, err := driver.Open(context.Background(), cfg.Broker, driver.Options{ClientName: "test", Consumers: cfg.Worker.Concurrency}, log)
	require.NoError(t, err)
	tel, err := telemetry.New(cfg.Metrics, log)
	require.NoError(t, err)

	group, err := newGroup(cfg, opened, tel.Sink, log)
	require.NoError(t, err)
	router := metricsRouter(group, tel.Handler)

	get := func(path string) int {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, get("/health"), "not connected yet")
	assert.Equal(t, http.StatusOK, get("/metrics"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- group.Run(ctx) }()

	require.Eventually(t, func() bool { return get("/health") == http.StatusOK }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
