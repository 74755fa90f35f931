package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/taskrelay/internal/config"
	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestPrometheusSink(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink()
	require.NoError(t, err)

	sink.TaskPublished("task-queue", 10*time.Millisecond, nil)
	sink.TaskPublished("task-queue", 10*time.Millisecond, errors.New("down"))
	sink.TaskReceived("task-queue")
	sink.TaskStarted()
	sink.TaskStarted()
	sink.TaskFinished(task.OutcomeSuccess, 2*time.Second)
	sink.ConnectionStatus(RoleWorker, "consumer-0", true)
	sink.ConnectionStatus(RoleWorker, "consumer-1", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.published.WithLabelValues("task-queue", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.published.WithLabelValues("task-queue", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.received.WithLabelValues("task-queue")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.inProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.processed.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.connectionStatus.WithLabelValues(RoleWorker, "consumer-0")))

	// One consumer reconnecting leaves the other's series alone
	sink.ConnectionStatus(RoleWorker, "consumer-0", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.connectionStatus.WithLabelValues(RoleWorker, "consumer-0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.connectionStatus.WithLabelValues(RoleWorker, "consumer-1")))
}

func TestPrometheusSink_Handler(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink()
	require.NoError(t, err)
	sink.TaskFinished(task.OutcomeRetryable, time.Second)

	rec := httptest.NewRecorder()
	sink.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `worker_tasks_processed_total{status="retryable_failure"} 1`)
	assert.Contains(t, string(body), "worker_task_processing_seconds_bucket")
	assert.Contains(t, string(body), "go_goroutines")
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestOTelSink(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	sink, err := NewOTelSink(provider.Meter("taskrelay-test"))
	require.NoError(t, err)

	sink.TaskPublished("task-queue", time.Millisecond, nil)
	sink.TaskReceived("task-queue")
	sink.TaskReceived("task-queue")
	sink.TaskStarted()
	sink.TaskFinished(task.OutcomeFailure, time.Second)
	sink.ConnectionStatus(RoleProducer, PublisherConnection, true)

	data := collect(t, reader)

	received, ok := data["worker.queue.messages.received"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, received.DataPoints, 1)
	assert.Equal(t, int64(2), received.DataPoints[0].Value)

	inProgress, ok := data["worker.tasks.in_progress"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, inProgress.DataPoints, 1)
	assert.Equal(t, int64(0), inProgress.DataPoints[0].Value)

	status, ok := data["broker.connection.status"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, status.DataPoints, 1)
	assert.Equal(t, int64(1), status.DataPoints[0].Value)

	processing, ok := data["worker.task.processing.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, processing.DataPoints, 1)
	assert.Equal(t, uint64(1), processing.DataPoints[0].Count)
}

func TestMulti(t *testing.T) {
	t.Parallel()

	a, err := NewPrometheusSink()
	require.NoError(t, err)
	b, err := NewPrometheusSink()
	require.NoError(t, err)

	m := Multi{a, b, Noop{}}
	m.TaskReceived("q")
	m.TaskStarted()
	m.TaskFinished(task.OutcomeSuccess, time.Millisecond)
	m.TaskPublished("q", time.Millisecond, nil)
	m.ConnectionStatus(RoleWorker, "consumer-0", true)

	for _, s := range []*PrometheusSink{a, b} {
		assert.Equal(t, 1.0, testutil.ToFloat64(s.received.WithLabelValues("q")))
		assert.Equal(t, 1.0, testutil.ToFloat64(s.processed.WithLabelValues("success")))
	}
}

func TestNew(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	plain, err := New(config.MetricsConfig{Port: 8002}, logger)
	require.NoError(t, err)
	assert.IsType(t, &PrometheusSink{}, plain.Sink)
	assert.NotNil(t, plain.Handler)

	withOTel, err := New(config.MetricsConfig{Port: 8002, OTelEnabled: true}, logger)
	require.NoError(t, err)
	multi, ok := withOTel.Sink.(Multi)
	require.True(t, ok)
	assert.Len(t, multi, 2)
}
