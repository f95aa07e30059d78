package telemetry

import (
	"context"
	"testing"

	"github.com/glimte/celery-go/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit(t *testing.T) {
	t.Run("disabled without endpoint", func(t *testing.T) {
		before := otel.GetTracerProvider()

		shutdown, err := Init(context.Background(), config.Telemetry{ServiceName: "svc"})
		require.NoError(t, err)
		require.NotNil(t, shutdown)

		assert.Equal(t, before, otel.GetTracerProvider())
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("empty service name", func(t *testing.T) {
		shutdown, err := Init(context.Background(), config.Telemetry{Endpoint: "localhost:4318"})
		assert.Error(t, err)
		assert.Nil(t, shutdown)
	})

	t.Run("installs provider and propagator", func(t *testing.T) {
		shutdown, err := Init(context.Background(), config.Telemetry{
			ServiceName: "celery-go-test",
			Endpoint:    "localhost:4318",
			Insecure:    true,
		})
		require.NoError(t, err)

		_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
		assert.True(t, ok)
		assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")

		assert.NoError(t, shutdown(context.Background()))
	})
}
