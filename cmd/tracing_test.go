package cmd

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/Nurenaissance/fastapinewone/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracingDisabledKeepsGlobalProvider(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := initTracing(context.Background(), config.TracingConfig{}, logrus.New())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestInitTracingInstallsNamedProvider(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:1")

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	shutdown, err := initTracing(context.Background(), config.TracingConfig{
		Enabled:     true,
		ServiceName: "scheduler-test",
		SampleRatio: 1,
	}, logger)
	require.NoError(t, err)

	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok, "sdk provider not installed")

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
