package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fblgit/claudebench/internal/audit"
	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/store"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	st := store.NewMemoryStore()
	deps := Deps{
		Store:    st,
		Auditor:  audit.New(st),
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Defaults: DefaultDefaults(),
	}
	deps.Breakers = NewBreakers(deps.Defaults.Circuit, st, deps.Metrics)
	return deps
}

func testBreaker(cfg CircuitConfig, clock *time.Time) *Breaker {
	return &Breaker{
		event: "test.event",
		cfg:   cfg,
		now:   func() time.Time { return *clock },
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := time.Now()
	b := testBreaker(DefaultCircuitConfig(), &clock)

	for i := 0; i < 4; i++ {
		b.OnFailure("error")
		assert.Equal(t, StateClosed, b.State())
	}
	b.OnFailure("error")
	assert.Equal(t, StateOpen, b.State())

	_, err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, registry.KindCircuitOpen, registry.KindOf(err))
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := time.Now()
	b := testBreaker(DefaultCircuitConfig(), &clock)

	for i := 0; i < 5; i++ {
		b.OnFailure("error")
	}
	require.Equal(t, StateOpen, b.State())

	// The open window rejects until the backoff elapses.
	clock = clock.Add(29 * time.Second)
	_, err := b.Allow()
	require.Error(t, err)

	clock = clock.Add(2 * time.Second)
	probe, err := b.Allow()
	require.NoError(t, err)
	assert.True(t, probe)
	assert.Equal(t, StateHalfOpen, b.State())

	// Three consecutive probe successes close it.
	b.OnSuccess(true)
	for i := 0; i < 2; i++ {
		probe, err = b.Allow()
		require.NoError(t, err)
		b.OnSuccess(probe)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerProbeFailureReopensWithBackoff(t *testing.T) {
	clock := time.Now()
	cfg := DefaultCircuitConfig()
	b := testBreaker(cfg, &clock)

	for i := 0; i < 5; i++ {
		b.OnFailure("error")
	}
	clock = clock.Add(31 * time.Second)
	probe, err := b.Allow()
	require.NoError(t, err)
	b.OnProbeFailure("error")
	_ = probe
	require.Equal(t, StateOpen, b.State())

	// Second open window is doubled; the first timeout is no longer enough.
	clock = clock.Add(31 * time.Second)
	_, err = b.Allow()
	require.Error(t, err)
	clock = clock.Add(30 * time.Second)
	_, err = b.Allow()
	require.NoError(t, err)
}

func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	clock := time.Now()
	b := testBreaker(DefaultCircuitConfig(), &clock)

	for i := 0; i < 5; i++ {
		b.OnFailure("error")
	}
	clock = clock.Add(31 * time.Second)

	for i := 0; i < 3; i++ {
		probe, err := b.Allow()
		require.NoError(t, err)
		require.True(t, probe)
	}
	_, err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, registry.KindHalfOpenLimit, registry.KindOf(err))

	// Releasing a slot readmits the next probe.
	b.OnNeutral(true)
	_, err = b.Allow()
	require.NoError(t, err)
}

func TestCircuitMiddlewareCountsOnlyServerFailures(t *testing.T) {
	deps := testDeps(t)
	mw := Circuit(deps)
	d := &registry.Descriptor{Event: "task.create"}

	failing := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, registry.Errorf(registry.KindInvalidInput, "bad text")
	})
	inv := &registry.Invocation{Actor: "w-1"}
	for i := 0; i < 20; i++ {
		_, err := failing(context.Background(), inv)
		require.Error(t, err)
	}
	// A run of pure validation errors never trips the circuit.
	b := deps.Breakers.Get("task.create")
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())

	broken := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, registry.Errorf(registry.KindInternal, "boom")
	})
	for i := 0; i < 5; i++ {
		_, err := broken(context.Background(), inv)
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())

	// Calls during the open window are rejected before the body runs.
	ran := false
	blocked := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		ran = true
		return map[string]any{}, nil
	})
	_, err := blocked(context.Background(), inv)
	require.Error(t, err)
	assert.Equal(t, registry.KindCircuitOpen, registry.KindOf(err))
	assert.False(t, ran)
}

func TestCircuitOpenRejectionCountsInMetrics(t *testing.T) {
	deps := testDeps(t)
	mw := Circuit(deps)
	d := &registry.Descriptor{Event: "task.update"}
	inv := &registry.Invocation{Actor: "w-1"}

	broken := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, registry.Errorf(registry.KindInternal, "boom")
	})
	for i := 0; i < 5; i++ {
		_, err := broken(context.Background(), inv)
		require.Error(t, err)
	}
	require.Equal(t, StateOpen, deps.Breakers.Get("task.update").State())

	// Open-state rejections land in the failure counter under their own
	// class, separate from the body failures that opened the circuit.
	for i := 0; i < 3; i++ {
		_, err := broken(context.Background(), inv)
		require.Error(t, err)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(
		deps.Metrics.CircuitFailures.WithLabelValues("task.update", "rejection")))
	assert.Equal(t, 5.0, testutil.ToFloat64(
		deps.Metrics.CircuitFailures.WithLabelValues("task.update", "error")))
}

func TestCircuitMiddlewareServesFallback(t *testing.T) {
	deps := testDeps(t)
	mw := Circuit(deps)
	d := &registry.Descriptor{
		Event:    "system.health",
		Fallback: map[string]any{"status": "degraded"},
	}

	h := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, registry.Errorf(registry.KindInternal, "boom")
	})
	inv := &registry.Invocation{Actor: "probe"}
	for i := 0; i < 5; i++ {
		h(context.Background(), inv)
	}
	require.Equal(t, StateOpen, deps.Breakers.Get("system.health").State())

	out, err := h(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "degraded", out["status"])
}

func TestCircuitStateMirroredToStore(t *testing.T) {
	deps := testDeps(t)
	b := deps.Breakers.Get("task.create")
	for i := 0; i < 5; i++ {
		b.OnFailure("error")
	}
	fields, err := deps.Store.HGetAll(context.Background(), store.CircuitKey("task.create"))
	require.NoError(t, err)
	assert.Equal(t, "OPEN", fields["state"])
}
