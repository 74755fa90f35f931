package telemetry

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/phrazzld/taskrelay/internal/config"
	"go.opentelemetry.io/otel"
)

// instrumentationName names the OpenTelemetry meter
const instrumentationName = "github.com/phrazzld/taskrelay"

// Telemetry is the configured sink of a process and the handler serving its metrics
type Telemetry struct {
	Sink    Sink
	Handler http.Handler
}

// New builds the Prometheus sink and, when enabled, an OpenTelemetry sink on
// the global MeterProvider. Processes embedding taskrelay install their own
// provider before calling New.
func New(cfg config.MetricsConfig, logger *slog.Logger) (*Telemetry, error) {
	prom, err := NewPrometheusSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus sink: %w", err)
	}

	t := &Telemetry{Sink: prom, Handler: prom.Handler()}
	if !cfg.OTelEnabled {
		return t, nil
	}

	o, err := NewOTelSink(otel.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("failed to create opentelemetry sink: %w", err)
	}
	t.Sink = Multi{prom, o}
	logger.Info("opentelemetry metrics enabled", "meter", instrumentationName)
	return t, nil
}
