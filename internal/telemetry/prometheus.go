package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProcessingBuckets are the histogram buckets for task processing time, in seconds
var ProcessingBuckets = []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0}

// PrometheusSink exposes observations as Prometheus metrics
type PrometheusSink struct {
	registry *prometheus.Registry

	published        *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	received         *prometheus.CounterVec
	inProgress       prometheus.Gauge
	processed        *prometheus.CounterVec
	processingTime   prometheus.Histogram
	connectionStatus *prometheus.GaugeVec
}

var _ Sink = (*PrometheusSink)(nil)

// NewPrometheusSink creates a sink backed by its own registry, which also
// carries the Go runtime and process collectors.
func NewPrometheusSink() (*PrometheusSink, error) {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "producer_tasks_published_total",
			Help: "Total task publish attempts by outcome",
		}, []string{"queue", "status"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "producer_publish_duration_seconds",
			Help:    "Time spent publishing a task, including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_queue_messages_received_total",
			Help: "Total messages received from queue",
		}, []string{"queue"}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_tasks_in_progress",
			Help: "Number of tasks currently being processed",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_tasks_processed_total",
			Help: "Total tasks processed by worker",
		}, []string{"status"}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "worker_task_processing_seconds",
			Help:    "Time spent processing tasks",
			Buckets: ProcessingBuckets,
		}),
		connectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_connection_status",
			Help: "Broker connection status (1=connected, 0=disconnected)",
		}, []string{"role", "connection"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.published,
		s.publishDuration,
		s.received,
		s.inProgress,
		s.processed,
		s.processingTime,
		s.connectionStatus,
	} {
		if err := s.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register prometheus collector: %w", err)
		}
	}

	return s, nil
}

// Handler serves the metrics in the Prometheus text exposition format
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

func (s *PrometheusSink) TaskPublished(queue string, d time.Duration, err error) {
	s.published.WithLabelValues(queue, publishStatus(err)).Inc()
	s.publishDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func (s *PrometheusSink) TaskReceived(queue string) {
	s.received.WithLabelValues(queue).Inc()
}

func (s *PrometheusSink) TaskStarted() {
	s.inProgress.Inc()
}

func (s *PrometheusSink) TaskFinished(outcome task.Outcome, d time.Duration) {
	s.inProgress.Dec()
	s.processed.WithLabelValues(outcome.String()).Inc()
	s.processingTime.Observe(d.Seconds())
}

func (s *PrometheusSink) ConnectionStatus(role, connection string, connected bool) {
	s.connectionStatus.WithLabelValues(role, connection).Set(float64(boolGauge(connected)))
}
