// Package observability provides OpenTelemetry tracing and metrics for
// the escalation engine: OTLP export plus RED (Rate, Errors, Duration)
// instrumentation and engine-level counters.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC, e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "castellan",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers and the engine's
// domain metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	ticksTotal        metric.Int64Counter
	escalationsTotal  metric.Int64Counter
	breachesTotal     metric.Int64Counter
	notificationsSent metric.Int64Counter
	notificationsFail metric.Int64Counter
	tickDuration      metric.Float64Histogram
	liveClocks        metric.Int64UpDownCounter
}

// New creates the provider and installs it globally. A disabled config
// yields a no-op provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("castellan", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("castellan", metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.ticksTotal, err = p.meter.Int64Counter("castellan.ticks.total",
		metric.WithDescription("Completed evaluation cycles"),
		metric.WithUnit("{tick}")); err != nil {
		return err
	}
	if p.escalationsTotal, err = p.meter.Int64Counter("castellan.escalations.total",
		metric.WithDescription("Committed escalation transitions"),
		metric.WithUnit("{escalation}")); err != nil {
		return err
	}
	if p.breachesTotal, err = p.meter.Int64Counter("castellan.sla_breaches.total",
		metric.WithDescription("SLA clocks that crossed their target"),
		metric.WithUnit("{breach}")); err != nil {
		return err
	}
	if p.notificationsSent, err = p.meter.Int64Counter("castellan.notifications.sent.total",
		metric.WithDescription("Notifications delivered"),
		metric.WithUnit("{notification}")); err != nil {
		return err
	}
	if p.notificationsFail, err = p.meter.Int64Counter("castellan.notifications.failed.total",
		metric.WithDescription("Notifications permanently failed"),
		metric.WithUnit("{notification}")); err != nil {
		return err
	}
	if p.tickDuration, err = p.meter.Float64Histogram("castellan.tick.duration",
		metric.WithDescription("Evaluation cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0)); err != nil {
		return err
	}
	if p.liveClocks, err = p.meter.Int64UpDownCounter("castellan.sla_clocks.live",
		metric.WithDescription("Live (active or paused) SLA clocks"),
		metric.WithUnit("{clock}")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("castellan")
	}
	return p.tracer
}

// TrackTick wraps one evaluation cycle in a span and records its
// duration. The returned func takes the cycle error.
func (p *Provider) TrackTick(ctx context.Context) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "engine.tick", trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, func(err error) {
		if p.ticksTotal != nil {
			p.ticksTotal.Add(ctx, 1)
		}
		if p.tickDuration != nil {
			p.tickDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordEscalation counts a committed transition.
func (p *Provider) RecordEscalation(ctx context.Context, level int) {
	if p.escalationsTotal != nil {
		p.escalationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("level", level)))
	}
	if p.liveClocks != nil {
		p.liveClocks.Add(ctx, 1)
	}
}

// RecordBreach counts an SLA breach.
func (p *Provider) RecordBreach(ctx context.Context, level int) {
	if p.breachesTotal != nil {
		p.breachesTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("level", level)))
	}
	if p.liveClocks != nil {
		p.liveClocks.Add(ctx, -1)
	}
}

// RecordSLAMet closes out a clock that resolved within its target. A
// met clock leaves the live gauge the same way a breached one does.
func (p *Provider) RecordSLAMet(ctx context.Context) {
	if p.liveClocks != nil {
		p.liveClocks.Add(ctx, -1)
	}
}

// RecordNotificationSent counts a delivered notification.
func (p *Provider) RecordNotificationSent(ctx context.Context, channel string) {
	if p.notificationsSent != nil {
		p.notificationsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// RecordNotificationFailed counts a permanently failed notification.
func (p *Provider) RecordNotificationFailed(ctx context.Context, channel string) {
	if p.notificationsFail != nil {
		p.notificationsFail.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}
}
