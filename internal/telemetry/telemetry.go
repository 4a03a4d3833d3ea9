// Package telemetry exposes download and HTTP metrics through an
// OpenTelemetry meter backed by a Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Telemetry holds the metric instruments. A zero Telemetry (or a nil pointer)
// records nothing.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	registry      *promclient.Registry

	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	downloadsTotal   metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram
	downloadBytes    metric.Int64Counter
	queueItems       metric.Int64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	ServiceName string
}

// New creates a new telemetry instance with its own Prometheus registry.
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	t := &Telemetry{
		meterProvider: meterProvider,
		meter:         meterProvider.Meter(cfg.ServiceName),
		registry:      registry,
	}
	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return t, nil
}

func (t *Telemetry) enabled() bool {
	return t != nil && t.meter != nil
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if !t.enabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)
	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordDownload records the outcome of one track download.
func (t *Telemetry) RecordDownload(status string, duration time.Duration, bytes int64) {
	if !t.enabled() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	t.downloadsTotal.Add(context.Background(), 1, attrs)
	t.downloadDuration.Record(context.Background(), duration.Seconds(), attrs)
	if bytes > 0 {
		t.downloadBytes.Add(context.Background(), bytes)
	}
}

// IncrementActiveDownloads increments active downloads counter.
func (t *Telemetry) IncrementActiveDownloads() {
	if t.enabled() {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements active downloads counter.
func (t *Telemetry) DecrementActiveDownloads() {
	if t.enabled() {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// RecordQueue records how many queue items are in each state.
func (t *Telemetry) RecordQueue(counts map[string]int) {
	if !t.enabled() {
		return
	}
	for state, n := range counts {
		t.queueItems.Record(context.Background(), int64(n),
			metric.WithAttributes(attribute.String("state", state)),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if !t.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if !t.enabled() {
		return nil
	}
	return t.meterProvider.Shutdown(ctx)
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.downloadsTotal, err = t.meter.Int64Counter(
		"downloads_total",
		metric.WithDescription("Total number of track downloads by outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_total counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"downloads_active",
		metric.WithDescription("Number of active downloads"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_active counter: %w", err)
	}

	t.downloadDuration, err = t.meter.Float64Histogram(
		"download_duration_seconds",
		metric.WithDescription("Download duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_duration histogram: %w", err)
	}

	t.downloadBytes, err = t.meter.Int64Counter(
		"download_bytes",
		metric.WithDescription("Bytes downloaded"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_bytes counter: %w", err)
	}

	t.queueItems, err = t.meter.Int64Gauge(
		"queue_items",
		metric.WithDescription("Queue items by state"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue_items gauge: %w", err)
	}

	return nil
}
