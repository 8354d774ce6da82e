package cmd

import (
	"context"
	"fmt"

	"github.com/Nurenaissance/fastapinewone/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// initTracing installs a global tracer provider exporting over OTLP/HTTP.
// With tracing disabled it leaves the no-op provider in place. The returned
// function flushes and stops the provider.
func initTracing(ctx context.Context, tracingCfg config.TracingConfig, logger logrus.FieldLogger) (func(context.Context) error, error) {
	if !tracingCfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attribute.String("service.name", tracingCfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tracingCfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.WithFields(logrus.Fields{
		"service_name": tracingCfg.ServiceName,
		"sample_ratio": tracingCfg.SampleRatio,
	}).Info("Tracing enabled")
	return tp.Shutdown, nil
}
