// Package tracing configures the OpenTelemetry tracer provider used by the
// engine and the HTTP API.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/blockberries/blockchat/config"
)

// InstrumentationName names the tracer used by every component.
const InstrumentationName = "github.com/blockberries/blockchat"

// ProviderConfig contains configuration for creating a TracerProvider.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// NodeName is recorded as the service instance id.
	NodeName string

	// Exporter is "stdout", "otlp-http" or "none".
	Exporter string

	// Endpoint is the collector endpoint for otlp-http.
	Endpoint string

	// SampleRate is the sampling rate (0.0 to 1.0).
	SampleRate float64

	// Writer receives stdout exports. Defaults to os.Stdout.
	Writer io.Writer
}

// ProviderConfigFrom converts the node's tracing section.
func ProviderConfigFrom(cfg config.TracingConfig, nodeName, version string) ProviderConfig {
	return ProviderConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		NodeName:       nodeName,
		Exporter:       cfg.Exporter,
		Endpoint:       cfg.Endpoint,
		SampleRate:     cfg.SampleRate,
	}
}

// NewProvider creates a new TracerProvider based on the configuration.
func NewProvider(cfg ProviderConfig) (*sdktrace.TracerProvider, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.ServiceInstanceID(cfg.NodeName),
	)

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp-http":
		exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		))
		if err != nil {
			return nil, fmt.Errorf("creating OTLP HTTP exporter: %w", err)
		}
		exporter = exp

	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		exporter = exp

	case "none", "":
		// spans are recorded but not exported

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.Exporter)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// Setup installs the global tracer provider and W3C propagator. When tracing
// is disabled it returns a no-op provider. The returned function flushes and
// stops the provider.
func Setup(cfg config.TracingConfig, nodeName, version string) (trace.TracerProvider, func(context.Context) error, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	provider, err := NewProvider(ProviderConfigFrom(cfg, nodeName, version))
	if err != nil {
		return nil, nil, fmt.Errorf("creating provider: %w", err)
	}

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider, provider.Shutdown, nil
}

// Tracer returns the component tracer from provider, or a no-op tracer when
// provider is nil.
func Tracer(provider trace.TracerProvider) trace.Tracer {
	if provider == nil {
		return noop.NewTracerProvider().Tracer(InstrumentationName)
	}
	return provider.Tracer(InstrumentationName)
}
