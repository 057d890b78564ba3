// Package otel wires OpenTelemetry tracing and metrics for agentq.
// When disabled every provider is a noop.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "agentq"
	MeterName  = "agentq"
	// Version is reported as a resource attribute.
	Version = "v0.1.0"

	defaultOTLPEndpoint = "localhost:4318"
)

// Config selects the exporter. Exporter is one of otlp-http, stdout or none;
// empty means otlp-http.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type exporterFactory func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error)

var spanExporters = map[string]exporterFactory{
	"otlp-http": func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	},
	"stdout": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"none": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return tracetest.NewNoopExporter(), nil
	},
}

func exporterName(cfg Config) string {
	if cfg.Exporter == "" {
		return "otlp-http"
	}
	return cfg.Exporter
}

// Validate rejects exporter names and sample rates Init cannot use.
func (c Config) Validate() error {
	if _, ok := spanExporters[exporterName(c)]; !ok {
		names := make([]string, 0, len(spanExporters))
		for n := range spanExporters {
			names = append(names, n)
		}
		sort.Strings(names)
		return fmt.Errorf("unknown exporter %q (supported: %v)", c.Exporter, names)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate %v outside [0, 1]", c.SampleRate)
	}
	return nil
}

// sampler samples root spans at rate and follows the parent otherwise. A
// zero rate means sample everything.
func sampler(rate float64) sdktrace.Sampler {
	root := sdktrace.AlwaysSample()
	if rate > 0 && rate < 1 {
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Option adjusts Init. Tests use these to capture spans and metrics.
type Option func(*initOptions)

type initOptions struct {
	exporter sdktrace.SpanExporter
	readers  []sdkmetric.Reader
}

// WithSpanExporter replaces the configured exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *initOptions) { o.exporter = exp }
}

// WithMetricReader attaches a reader to the meter provider.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *initOptions) { o.readers = append(o.readers, r) }
}

// Provider bundles the tracer, meter and instruments handed to the
// orchestrator and gateway.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *Metrics
	shutdown       []func(context.Context) error
}

func noopProvider() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        NoopTracer(),
		Meter:         mp.Meter(MeterName),
		MeterProvider: mp,
		Metrics:       NoopMetrics(),
	}
}

// Init builds the providers for cfg and installs the tracer provider
// globally. The returned Provider must be shut down on exit.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o initOptions
	for _, opt := range opts {
		opt(&o)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agentq"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		attribute.String("agentq.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter := o.exporter
	if exporter == nil {
		if exporter, err = spanExporters[exporterName(cfg)](ctx, cfg); err != nil {
			return nil, fmt.Errorf("create %s exporter: %w", exporterName(cfg), err)
		}
	}

	p := &Provider{}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	p.TracerProvider, p.Tracer = tp, tp.Tracer(TracerName)
	p.shutdown = append(p.shutdown, tp.Shutdown)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)
	p.MeterProvider, p.Meter = mp, mp.Meter(MeterName)
	p.shutdown = append(p.shutdown, mp.Shutdown)

	if p.Metrics, err = NewMetrics(p.Meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	otel.SetTracerProvider(tp)
	return p, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}
