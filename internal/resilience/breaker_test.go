package resilience

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketvane/internal/config"
	"marketvane/internal/metrics"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBreakers(failures int, timeout string) config.BreakersConfig {
	return config.BreakersConfig{
		Default: config.BreakerConfig{
			FailureThreshold: failures,
			SuccessThreshold: 2,
			Timeout:          timeout,
			HalfOpenRequests: 1,
		},
	}
}

var errBoom = errors.New("provider exploded")

func failing(context.Context) (any, error) { return nil, errBoom }
func succeeding(context.Context) (any, error) { return "ok", nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry(s, testBreakers(3, "60s"))
	b := reg.Get("scale_serp")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Execute(ctx, failing)
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, "open", b.State())

	// Rejected without invoking the operation.
	called := false
	_, err := b.Execute(ctx, func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	require.ErrorIs(t, err, types.ErrCircuitOpen)
	assert.False(t, called)

	// The open decision is persisted.
	snap, err := s.LoadBreakerState("scale_serp")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "open", snap.State)
	require.NotNil(t, snap.OpenedAt)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry(s, testBreakers(2, "30ms"))
	b := reg.Get("youtube")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b.Execute(ctx, failing)
	}
	require.Equal(t, "open", b.State())

	time.Sleep(50 * time.Millisecond)

	// Probe succeeds twice (success threshold) to close.
	_, err := b.Execute(ctx, succeeding)
	require.NoError(t, err)
	_, err = b.Execute(ctx, succeeding)
	require.NoError(t, err)
	assert.Equal(t, "closed", b.State())

	snap, err := s.LoadBreakerState("youtube")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "closed", snap.State)
	assert.Nil(t, snap.OpenedAt)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry(s, testBreakers(2, "30ms"))
	b := reg.Get("cognism")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b.Execute(ctx, failing)
	}
	time.Sleep(50 * time.Millisecond)

	_, err := b.Execute(ctx, failing)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, "open", b.State())
}

func TestBreakerRestoreInheritsOpenDecision(t *testing.T) {
	s := newTestStore(t)

	openedAt := time.Now().UTC().Add(-10 * time.Second)
	require.NoError(t, s.SaveBreakerState(store.BreakerSnapshot{
		Service: "scale_serp", State: "open", FailureCount: 3, OpenedAt: &openedAt,
	}))

	// 60s timeout: 50s of the open window remain after "restart".
	reg := NewRegistry(s, testBreakers(3, "60s"))
	b := reg.Get("scale_serp")

	_, err := b.Execute(context.Background(), succeeding)
	require.ErrorIs(t, err, types.ErrCircuitOpen)
	assert.Equal(t, "open", b.State())
}

func TestBreakerRestoreIgnoresExpiredWindow(t *testing.T) {
	s := newTestStore(t)

	openedAt := time.Now().UTC().Add(-5 * time.Minute)
	require.NoError(t, s.SaveBreakerState(store.BreakerSnapshot{
		Service: "scale_serp", State: "open", FailureCount: 3, OpenedAt: &openedAt,
	}))

	reg := NewRegistry(s, testBreakers(3, "60s"))
	b := reg.Get("scale_serp")

	out, err := b.Execute(context.Background(), succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestExecuteWithFallback(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry(s, testBreakers(1, "60s"))
	b := reg.Get("youtube")
	ctx := context.Background()

	b.Execute(ctx, failing)
	require.Equal(t, "open", b.State())

	out, err := b.ExecuteWithFallback(ctx, succeeding, func(context.Context) (any, error) {
		return "cached", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", out)

	// Non-open failures pass through untouched.
	_, err = reg.Get("other").ExecuteWithFallback(ctx, failing, func(context.Context) (any, error) {
		return "cached", nil
	})
	require.ErrorIs(t, err, errBoom)
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	reg := NewRegistry(newTestStore(t), testBreakers(3, "60s"))
	assert.Same(t, reg.Get("scale_serp"), reg.Get("scale_serp"))
	assert.NotSame(t, reg.Get("scale_serp"), reg.Get("youtube"))
}

func TestBreakerMetrics(t *testing.T) {
	reg := NewRegistry(newTestStore(t), testBreakers(5, "60s"))
	b := reg.Get("scale_serp")
	ctx := context.Background()

	b.Execute(ctx, succeeding)
	b.Execute(ctx, succeeding)
	b.Execute(ctx, succeeding)
	b.Execute(ctx, failing)

	m := b.Metrics()
	assert.Equal(t, "scale_serp", m.Service)
	assert.Equal(t, "closed", m.State)
	assert.Equal(t, uint64(4), m.Requests)
	assert.Equal(t, uint64(3), m.Successes)
	assert.Equal(t, uint64(1), m.Failures)
	assert.InDelta(t, 0.75, m.SuccessRate, 0.001)

	all := reg.Metrics()
	require.Len(t, all, 1)
}

func TestPublishMetricsObservesBreakers(t *testing.T) {
	reg := NewRegistry(newTestStore(t), testBreakers(2, "60s"))
	early := reg.Get("scale_serp")
	prom := metrics.New()
	reg.PublishMetrics(prom)
	late := reg.Get("youtube")
	ctx := context.Background()

	// Both the breaker that predates the publish and the one created after
	// it report their trips.
	for _, b := range []*Breaker{early, late} {
		b.Execute(ctx, failing)
		b.Execute(ctx, failing)
		require.Equal(t, "open", b.State())
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(prom.BreakerState.WithLabelValues("scale_serp")))
	assert.Equal(t, 2.0, testutil.ToFloat64(prom.BreakerState.WithLabelValues("youtube")))

	// Each invoked call lands a latency sample under its service label.
	assert.Equal(t, 2, testutil.CollectAndCount(prom.ProviderLatency))
}
