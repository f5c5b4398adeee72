package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"ladder_engine/pkg/logging"
	"ladder_engine/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestMain(m *testing.M) {
	meter := otel.GetMeterProvider().Meter("test")
	telemetry.GetGlobalMetrics().InitMetrics(meter)
	os.Exit(m.Run())
}

func testLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return logger
}

func TestRateLimiterSpacing(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	const rps = 20.0
	const n = 5
	limiter := NewRateLimiter(rps, 5, testLogger(t))

	start := time.Now()
	for i := 0; i < n; i++ {
		require.True(t, limiter.Acquire(10, 5*time.Second))
	}
	elapsed := time.Since(start)

	// The bucket starts empty, so n acquisitions need at least n/rps.
	minElapsed := time.Duration(float64(n-1) / rps * float64(time.Second))
	assert.GreaterOrEqual(t, elapsed, minElapsed,
		"acquisitions came faster than the configured rate")
}

func TestRateLimiterAcquireTimeout(t *testing.T) {
	limiter := NewRateLimiter(0.5, 5, testLogger(t))

	// First token needs ~2s; a 100ms budget cannot cover it.
	assert.False(t, limiter.Acquire(3, 100*time.Millisecond))
}

func TestRateLimiterPenalty(t *testing.T) {
	limiter := NewRateLimiter(10.0, 5, testLogger(t))

	assert.Equal(t, 10.0, limiter.EffectiveRate())

	limiter.Penalize(time.Minute, 2.0)
	assert.Equal(t, 2.0, limiter.EffectiveRate())

	// A looser penalty must not relax the rate, a tighter one must win.
	limiter.Penalize(time.Minute, 5.0)
	assert.Equal(t, 2.0, limiter.EffectiveRate())
	limiter.Penalize(time.Minute, 1.0)
	assert.Equal(t, 1.0, limiter.EffectiveRate())
}

func TestRateLimiterPenaltyExpires(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	limiter := NewRateLimiter(10.0, 5, testLogger(t))
	limiter.Penalize(50*time.Millisecond, 1.0)
	assert.Equal(t, 1.0, limiter.EffectiveRate())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 10.0, limiter.EffectiveRate())
}

func TestRateLimiterPenaltySpacing(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	limiter := NewRateLimiter(50.0, 5, testLogger(t))
	limiter.Penalize(5*time.Second, 10.0)

	// Drain the bucket, then measure one spaced acquisition.
	require.True(t, limiter.Acquire(10, 2*time.Second))
	start := time.Now()
	require.True(t, limiter.Acquire(10, 2*time.Second))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond,
		"penalized rate of 10 rps requires ~100ms between requests")
}

func TestConnectionSlots(t *testing.T) {
	limiter := NewRateLimiter(10.0, 2, testLogger(t))
	ctx := context.Background()

	require.NoError(t, limiter.AcquireConnection(ctx))
	require.NoError(t, limiter.AcquireConnection(ctx))
	assert.Equal(t, 2, limiter.ActiveConnections())

	// Third slot must block until released.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.AcquireConnection(blocked))

	limiter.ReleaseConnection()
	assert.Equal(t, 1, limiter.ActiveConnections())
	require.NoError(t, limiter.AcquireConnection(ctx))
}

func TestRateLimiterInvalidConfig(t *testing.T) {
	limiter := NewRateLimiter(-1, 0, testLogger(t))
	assert.Equal(t, 1.0, limiter.EffectiveRate())
	require.NoError(t, limiter.AcquireConnection(context.Background()))
}
