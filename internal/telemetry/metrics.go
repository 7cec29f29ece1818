// Package telemetry provides OpenTelemetry metrics and tracing integration
// for the test runner.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ExporterType defines the type of metrics exporter to use.
type ExporterType string

const (
	// ExporterNone disables metrics (no-op).
	ExporterNone ExporterType = "none"
	// ExporterStdout exports metrics to stdout (useful for debugging).
	ExporterStdout ExporterType = "stdout"
	// ExporterOTLPGRPC exports metrics via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP exports metrics via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "mtap",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics functionality with runner-specific
// helpers.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.Mutex

	// Metric instruments
	attemptLatency metric.Float64Histogram
	failCounter    metric.Int64Counter
	retryCounter   metric.Int64Counter
	snCounter      metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		// Use no-op meter when disabled
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	otel.SetMeterProvider(mp)
	return m, nil
}

// createExporter creates the appropriate metrics exporter based on configuration.
func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// createResource creates the OpenTelemetry resource with service information.
func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	m.attemptLatency, err = m.meter.Float64Histogram(
		"mtap.attempt.latency",
		metric.WithDescription("Latency of DUT step attempts"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create attempt latency histogram: %w", err)
	}

	m.failCounter, err = m.meter.Int64Counter(
		"mtap.attempt.failures",
		metric.WithDescription("Count of failed attempts by error code"),
	)
	if err != nil {
		return fmt.Errorf("failed to create failure counter: %w", err)
	}

	m.retryCounter, err = m.meter.Int64Counter(
		"mtap.attempt.retries",
		metric.WithDescription("Count of retried attempts"),
	)
	if err != nil {
		return fmt.Errorf("failed to create retry counter: %w", err)
	}

	m.snCounter, err = m.meter.Int64Counter(
		"mtap.units.completed",
		metric.WithDescription("Count of completed units by outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create unit counter: %w", err)
	}

	return nil
}

// RecordAttempt records one step attempt's latency and outcome.
func (m *Metrics) RecordAttempt(ctx context.Context, step, command string, latencyMs float64, passed bool) {
	if m.attemptLatency == nil {
		return
	}
	m.attemptLatency.Record(ctx, latencyMs, metric.WithAttributes(
		attribute.String("test_step", step),
		attribute.String("command", command),
		attribute.Bool("passed", passed),
	))
}

// RecordFailure counts one failed attempt under its error code.
func (m *Metrics) RecordFailure(ctx context.Context, step, errorCode string) {
	if m.failCounter == nil {
		return
	}
	m.failCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("test_step", step),
		attribute.String("error_code", errorCode),
	))
}

// RecordRetry counts one retry decision.
func (m *Metrics) RecordRetry(ctx context.Context, step string) {
	if m.retryCounter == nil {
		return
	}
	m.retryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("test_step", step),
	))
}

// RecordUnit counts one completed unit under its final outcome.
func (m *Metrics) RecordUnit(ctx context.Context, passed bool) {
	if m.snCounter == nil {
		return
	}
	m.snCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("passed", passed),
	))
}

// Shutdown gracefully shuts down the metrics provider, flushing any
// pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// NoopMetrics returns a metrics instance that does nothing (for testing or
// when disabled).
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
