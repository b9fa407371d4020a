package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-offline/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit_Success(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "test-service",
		TracingURL:  "localhost:4318", // no collector needed until spans are flushed
	}

	shutdown, err := Init(cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Ensure the global tracer provider is the SDK one
	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)

	shutdown()
}

func TestInit_TracingDisabled(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "test-service",
		TracingURL:  "",
	}

	shutdown, err := Init(cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
}

func TestInit_EmptyServiceName(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "",
		TracingURL:  "localhost:4318",
	}

	shutdown, err := Init(cfg)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestInit_InstallsPropagator(t *testing.T) {
	shutdown, err := Init(config.Observability{ServiceName: "test-service"})
	require.NoError(t, err)
	defer shutdown()

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(context.Background(), carrier)
	assert.Empty(t, carrier) // nothing to inject without an active span
}
