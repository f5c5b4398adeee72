package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupInstallsProviders(t *testing.T) {
	p, err := Setup("ladder-test", true)
	require.NoError(t, err)

	assert.Same(t, p.mp, otel.GetMeterProvider(), "meter provider installed globally")
	assert.Same(t, p.tp, otel.GetTracerProvider(), "tracer provider installed globally")
	assert.NotNil(t, GetTracer("test"))
	assert.NotNil(t, GetMeter("test"))

	// Instruments are registered as part of Setup.
	assert.NotNil(t, GetGlobalMetrics().OrdersPlacedTotal)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestSetupWithoutDebugTracesSkipsExporters(t *testing.T) {
	p, err := Setup("ladder-test", false)
	require.NoError(t, err)
	assert.Nil(t, p.tp, "no stdout trace exporter unless asked for")
	assert.Nil(t, p.lp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}
