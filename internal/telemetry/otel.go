package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/phrazzld/taskrelay/internal/task"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelSink records observations as OpenTelemetry instruments. Exporting them
// is up to the MeterProvider the meter came from.
type OTelSink struct {
	published        metric.Int64Counter
	publishDuration  metric.Float64Histogram
	received         metric.Int64Counter
	inProgress       metric.Int64UpDownCounter
	processed        metric.Int64Counter
	processingTime   metric.Float64Histogram
	connectionStatus metric.Int64Gauge
}

var _ Sink = (*OTelSink)(nil)

// NewOTelSink creates the instruments on meter
func NewOTelSink(meter metric.Meter) (*OTelSink, error) {
	var (
		s    OTelSink
		err  error
		errs []error
	)

	s.published, err = meter.Int64Counter("producer.tasks.published",
		metric.WithDescription("Task publish attempts by outcome"))
	errs = append(errs, err)

	s.publishDuration, err = meter.Float64Histogram("producer.publish.duration",
		metric.WithDescription("Time spent publishing a task, including retries"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	s.received, err = meter.Int64Counter("worker.queue.messages.received",
		metric.WithDescription("Messages received from queue"))
	errs = append(errs, err)

	s.inProgress, err = meter.Int64UpDownCounter("worker.tasks.in_progress",
		metric.WithDescription("Tasks currently being processed"))
	errs = append(errs, err)

	s.processed, err = meter.Int64Counter("worker.tasks.processed",
		metric.WithDescription("Tasks processed by outcome"))
	errs = append(errs, err)

	s.processingTime, err = meter.Float64Histogram("worker.task.processing.duration",
		metric.WithDescription("Time spent processing tasks"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(ProcessingBuckets...))
	errs = append(errs, err)

	s.connectionStatus, err = meter.Int64Gauge("broker.connection.status",
		metric.WithDescription("Broker connection status (1=connected, 0=disconnected)"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *OTelSink) TaskPublished(queue string, d time.Duration, err error) {
	ctx := context.Background()
	s.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("status", publishStatus(err))))
	s.publishDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("queue", queue)))
}

func (s *OTelSink) TaskReceived(queue string) {
	s.received.Add(context.Background(), 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (s *OTelSink) TaskStarted() {
	s.inProgress.Add(context.Background(), 1)
}

func (s *OTelSink) TaskFinished(outcome task.Outcome, d time.Duration) {
	ctx := context.Background()
	s.inProgress.Add(ctx, -1)
	s.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", outcome.String())))
	s.processingTime.Record(ctx, d.Seconds())
}

func (s *OTelSink) ConnectionStatus(role, connection string, connected bool) {
	s.connectionStatus.Record(context.Background(), boolGauge(connected),
		metric.WithAttributes(attribute.String("role", role), attribute.String("connection", connection)))
}
