// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// RunMetrics holds the instruments recorded by the orchestrator and the log
// stream handler.
type RunMetrics struct {
	Submitted     metric.Int64Counter
	Finished      metric.Int64Counter
	StageDuration metric.Float64Histogram
	ActiveRuns    metric.Int64UpDownCounter
	ActiveStreams metric.Int64UpDownCounter
}

// NewRunMetrics creates the run instruments on the global MeterProvider.
func NewRunMetrics() (*RunMetrics, error) {
	meter := otel.Meter("deplay")

	submitted, err := meter.Int64Counter("deplay.runs.submitted",
		metric.WithDescription("Runs accepted for execution"))
	if err != nil {
		return nil, fmt.Errorf("failed to create submitted counter: %w", err)
	}
	finished, err := meter.Int64Counter("deplay.runs.finished",
		metric.WithDescription("Runs that reached a terminal state, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create finished counter: %w", err)
	}
	stageDuration, err := meter.Float64Histogram("deplay.stage.duration",
		metric.WithDescription("Time spent in each run stage"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stage histogram: %w", err)
	}
	activeRuns, err := meter.Int64UpDownCounter("deplay.runs.active",
		metric.WithDescription("Runs currently in progress"))
	if err != nil {
		return nil, fmt.Errorf("failed to create active runs counter: %w", err)
	}
	activeStreams, err := meter.Int64UpDownCounter("deplay.streams.active",
		metric.WithDescription("Open log streams"))
	if err != nil {
		return nil, fmt.Errorf("failed to create active streams counter: %w", err)
	}

	return &RunMetrics{
		Submitted:     submitted,
		Finished:      finished,
		StageDuration: stageDuration,
		ActiveRuns:    activeRuns,
		ActiveStreams: activeStreams,
	}, nil
}
