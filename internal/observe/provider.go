package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK.
type ProviderConfig struct {
	// ServiceName defaults to "turnstile".
	ServiceName    string
	ServiceVersion string

	// Environment is reported as deployment.environment when set.
	Environment string

	// TraceExporter receives finished spans. Nil keeps spans in-process,
	// which still gives log lines their trace IDs.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the share of new traces that are sampled. Zero samples
	// everything. Incoming sampled parents are always honoured.
	SampleRatio float64
}

func (c ProviderConfig) resource(ctx context.Context) (*resource.Resource, error) {
	name := c.ServiceName
	if name == "" {
		name = "turnstile"
	}
	attrs := []resource.Option{resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(c.ServiceVersion),
	)}
	if c.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.DeploymentEnvironment(c.Environment)))
	}
	own, err := resource.New(ctx, append(attrs, resource.WithSchemaURL(semconv.SchemaURL))...)
	if err != nil {
		return nil, err
	}
	return resource.Merge(resource.Default(), own)
}

func (c ProviderConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// InitProvider installs global meter and tracer providers and the W3C trace
// context propagator. Metrics are exported through the Prometheus bridge on
// the default registry, which [Handler] serves.
//
// The returned shutdown flushes and stops both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		// Spans first, so the last turn spans are exported before metrics stop.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Handler serves the metrics collected by the Prometheus bridge.
func Handler() http.Handler {
	return promhttp.Handler()
}
