// Package otel wires OTLP trace and metric export for the orchestrator
// process and instruments the default HTTP transport, so step dispatch
// calls carry trace context into the services they hit.
package otel

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

func Init(serviceName string) (func(context.Context) error, error) {
	ctx := context.Background()
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "otel-collector:4317"
	}

	traceExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	metricExp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	res := processResource(ctx, serviceName)
	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExp),
		trace.WithResource(res),
		trace.WithSampler(samplerFromEnv()),
	)
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExp, metric.WithInterval(15*time.Second))),
		metric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		http.DefaultTransport = otelhttp.NewTransport(base)
	}

	return func(ctx context.Context) error {
		_ = mp.Shutdown(ctx)
		return tp.Shutdown(ctx)
	}, nil
}

// processResource tags every span and metric with the identity of this
// scheduler/engine instance, so traces from overlapping instances can
// be told apart.
func processResource(ctx context.Context, serviceName string) *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName),
		attribute.String("service.namespace", "windlass"),
	}
	if env := os.Getenv("WINDLASS_ENV"); env != "" {
		attrs = append(attrs, attribute.String("deployment.environment", env))
	}
	if version := os.Getenv("WINDLASS_VERSION"); version != "" {
		attrs = append(attrs, attribute.String("service.version", version))
	}
	if instance, err := os.Hostname(); err == nil && instance != "" {
		attrs = append(attrs, attribute.String("service.instance.id", instance))
	}

	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	return res
}

// samplerFromEnv reads WINDLASS_TRACE_SAMPLE_RATIO. Scheduler ticks and
// driver polls are high volume, so busy deployments dial this down;
// child spans still follow their parent's decision.
func samplerFromEnv() trace.Sampler {
	ratio := 1.0
	if v := os.Getenv("WINDLASS_TRACE_SAMPLE_RATIO"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed >= 0 && parsed <= 1 {
			ratio = parsed
		}
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}
