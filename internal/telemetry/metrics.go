package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Metric names recorded by the orchestration loop
const (
	MetricPollCycles       = "orcha_poll_cycles_total"
	MetricPollDuration     = "orcha_poll"
	MetricProviderFailures = "orcha_provider_failures_total"
	MetricTotalEarnings    = "orcha_total_earnings_per_hour"
	MetricProviderEarnings = "orcha_provider_earnings_per_hour"
	MetricOpportunities    = "orcha_opportunities"
	MetricReallocations    = "orcha_reallocations_total"
	MetricRollbacks        = "orcha_rollbacks_total"
	MetricAlerts           = "orcha_alerts_total"
	MetricSinkFailures     = "orcha_sink_failures_total"
)

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	PrometheusPort int     `mapstructure:"prometheus_port"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// Telemetry manages OpenTelemetry instrumentation. A nil *Telemetry is valid
// and records nothing.
type Telemetry struct {
	config         TelemetryConfig
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *prometheus.Registry
	server         *http.Server
	mu             sync.Mutex

	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config TelemetryConfig) (*Telemetry, error) {
	if !config.Enabled {
		return &Telemetry{config: config}, nil
	}

	t := &Telemetry{
		config:     config,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.initTracing(res); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if err := t.initMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// initTracing initializes OpenTelemetry tracing, exporting to Jaeger when configured
func (t *Telemetry) initTracing(res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if t.config.JaegerEndpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(t.config.JaegerEndpoint)))
		if err != nil {
			return fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}

		sampleRate := t.config.SampleRate
		if sampleRate == 0 {
			sampleRate = 1.0
		}
		opts = append(opts,
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
		)
	}

	t.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.tracer = t.tracerProvider.Tracer(t.config.ServiceName)

	return nil
}

// initMetrics initializes the meter provider backed by the Prometheus exporter
func (t *Telemetry) initMetrics(res *resource.Resource) error {
	t.registry = prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)
	t.meter = t.meterProvider.Meter(t.config.ServiceName)

	return nil
}

// Handler returns the Prometheus scrape handler
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Start serves /metrics on the configured Prometheus port
func (t *Telemetry) Start(ctx context.Context) error {
	if !t.enabled() || t.config.PrometheusPort <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())

	t.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.config.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", t.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on prometheus port: %w", err)
	}

	go func() {
		if err := t.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			otel.Handle(fmt.Errorf("prometheus server: %w", err))
		}
	}()

	return nil
}

// Stop stops the telemetry services
func (t *Telemetry) Stop(ctx context.Context) error {
	if !t.enabled() {
		return nil
	}

	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown Prometheus server: %w", err)
		}
	}

	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}

	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}

	return nil
}

func (t *Telemetry) enabled() bool {
	return t != nil && t.config.Enabled && t.meter != nil
}

// GetTracer returns the OpenTelemetry tracer
func (t *Telemetry) GetTracer() trace.Tracer {
	if t == nil {
		return nil
	}
	return t.tracer
}

// GetMeter returns the OpenTelemetry meter
func (t *Telemetry) GetMeter() metric.Meter {
	if t == nil {
		return nil
	}
	return t.meter
}

// StartSpan starts a new span
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !t.enabled() || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// IncrementCounter increments a counter metric
func (t *Telemetry) IncrementCounter(ctx context.Context, name string, attrs ...attribute.KeyValue) error {
	return t.AddCounter(ctx, name, 1, attrs...)
}

// AddCounter adds delta to a counter metric
func (t *Telemetry) AddCounter(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue) error {
	if !t.enabled() {
		return nil
	}

	t.mu.Lock()
	counter, exists := t.counters[name]
	if !exists {
		var err error
		counter, err = t.meter.Int64Counter(name)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("failed to create counter %s: %w", name, err)
		}
		t.counters[name] = counter
	}
	t.mu.Unlock()

	counter.Add(ctx, delta, metric.WithAttributes(attrs...))
	return nil
}

// SetGauge records the current value of a gauge metric
func (t *Telemetry) SetGauge(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error {
	if !t.enabled() {
		return nil
	}

	t.mu.Lock()
	gauge, exists := t.gauges[name]
	if !exists {
		var err error
		gauge, err = t.meter.Float64Gauge(name)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("failed to create gauge %s: %w", name, err)
		}
		t.gauges[name] = gauge
	}
	t.mu.Unlock()

	gauge.Record(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

// RecordHistogram records a value in a histogram
func (t *Telemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error {
	if !t.enabled() {
		return nil
	}

	t.mu.Lock()
	histogram, exists := t.histograms[name]
	if !exists {
		var err error
		histogram, err = t.meter.Float64Histogram(name)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("failed to create histogram %s: %w", name, err)
		}
		t.histograms[name] = histogram
	}
	t.mu.Unlock()

	histogram.Record(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

// RecordDuration records the duration of an operation
func (t *Telemetry) RecordDuration(ctx context.Context, name string, start time.Time, attrs ...attribute.KeyValue) error {
	return t.RecordHistogram(ctx, name+"_duration_seconds", time.Since(start).Seconds(), attrs...)
}

// RecordPoll records one coordinator cycle
func (t *Telemetry) RecordPoll(ctx context.Context, start time.Time, totalEarnings float64, earningsByProvider map[string]float64, failures int) {
	_ = t.IncrementCounter(ctx, MetricPollCycles)
	_ = t.RecordDuration(ctx, MetricPollDuration, start)
	_ = t.SetGauge(ctx, MetricTotalEarnings, totalEarnings)
	for id, rate := range earningsByProvider {
		_ = t.SetGauge(ctx, MetricProviderEarnings, rate, attribute.String("provider", id))
	}
	if failures > 0 {
		_ = t.AddCounter(ctx, MetricProviderFailures, int64(failures))
	}
}

// RecordReallocation records the outcome of a reallocation attempt
func (t *Telemetry) RecordReallocation(ctx context.Context, outcome string) {
	_ = t.IncrementCounter(ctx, MetricReallocations, attribute.String("outcome", outcome))
}

// RecordAlert records a raised alert by type
func (t *Telemetry) RecordAlert(ctx context.Context, alertType string) {
	_ = t.IncrementCounter(ctx, MetricAlerts, attribute.String("type", alertType))
}

var globalTelemetry *Telemetry

// InitGlobalTelemetry initializes the global telemetry instance
func InitGlobalTelemetry(config TelemetryConfig) error {
	tel, err := NewTelemetry(config)
	if err != nil {
		return err
	}
	globalTelemetry = tel
	return nil
}

// SetGlobalTelemetry replaces the global telemetry instance
func SetGlobalTelemetry(t *Telemetry) {
	globalTelemetry = t
}

// GetGlobalTelemetry returns the global telemetry instance
func GetGlobalTelemetry() *Telemetry {
	return globalTelemetry
}

// Convenience functions for global telemetry
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return globalTelemetry.StartSpan(ctx, name, opts...)
}

func IncrementCounter(ctx context.Context, name string, attrs ...attribute.KeyValue) error {
	return globalTelemetry.IncrementCounter(ctx, name, attrs...)
}

func SetGauge(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error {
	return globalTelemetry.SetGauge(ctx, name, value, attrs...)
}

func RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error {
	return globalTelemetry.RecordHistogram(ctx, name, value, attrs...)
}

func RecordDuration(ctx context.Context, name string, start time.Time, attrs ...attribute.KeyValue) error {
	return globalTelemetry.RecordDuration(ctx, name, start, attrs...)
}
