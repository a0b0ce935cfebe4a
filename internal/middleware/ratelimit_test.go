package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fblgit/claudebench/internal/registry"
)

func TestRateLimitWindowBudget(t *testing.T) {
	deps := testDeps(t)
	mw := RateLimit(deps)
	d := &registry.Descriptor{
		Event:     "task.create",
		RateLimit: &registry.RateLimit{Limit: 5, Window: time.Second},
	}
	h := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{}, nil
	})

	now := time.Now()
	admitted, rejected := 0, 0
	for i := 0; i < 8; i++ {
		inv := &registry.Invocation{Actor: "w-1", Time: now}
		_, err := h(context.Background(), inv)
		if err != nil {
			require.Equal(t, registry.KindRateLimited, registry.KindOf(err))
			rejected++
		} else {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)
	assert.Equal(t, 3, rejected)
}

func TestRateLimitRejectionData(t *testing.T) {
	deps := testDeps(t)
	mw := RateLimit(deps)
	d := &registry.Descriptor{
		Event:     "task.create",
		RateLimit: &registry.RateLimit{Limit: 1, Window: time.Second},
	}
	h := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{}, nil
	})

	now := time.Now()
	_, err := h(context.Background(), &registry.Invocation{Actor: "w-1", Time: now})
	require.NoError(t, err)
	_, err = h(context.Background(), &registry.Invocation{Actor: "w-1", Time: now})
	require.Error(t, err)

	var derr *registry.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 1, derr.Data["limit"])
	assert.Equal(t, int64(1000), derr.Data["windowMs"])
	assert.LessOrEqual(t, derr.Data["retryAfter"].(int64), int64(1000))
}

func TestRateLimitIsolatesActors(t *testing.T) {
	deps := testDeps(t)
	mw := RateLimit(deps)
	d := &registry.Descriptor{
		Event:     "task.claim",
		RateLimit: &registry.RateLimit{Limit: 1, Window: time.Second},
	}
	h := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{}, nil
	})

	now := time.Now()
	_, err := h(context.Background(), &registry.Invocation{Actor: "w-1", Time: now})
	require.NoError(t, err)
	_, err = h(context.Background(), &registry.Invocation{Actor: "w-2", Time: now})
	require.NoError(t, err)
	_, err = h(context.Background(), &registry.Invocation{Actor: "w-1", Time: now})
	require.Error(t, err)
}

func TestRateLimitWindowSlides(t *testing.T) {
	deps := testDeps(t)
	mw := RateLimit(deps)
	d := &registry.Descriptor{
		Event:     "task.list",
		RateLimit: &registry.RateLimit{Limit: 2, Window: time.Second},
	}
	h := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{}, nil
	})

	base := time.Now()
	for i := 0; i < 2; i++ {
		_, err := h(context.Background(), &registry.Invocation{Actor: "w-1", Time: base})
		require.NoError(t, err)
	}
	_, err := h(context.Background(), &registry.Invocation{Actor: "w-1", Time: base})
	require.Error(t, err)

	// Once the earliest admit ages out, capacity returns.
	later := base.Add(1100 * time.Millisecond)
	_, err = h(context.Background(), &registry.Invocation{Actor: "w-1", Time: later})
	require.NoError(t, err)
}

func TestRateLimitSkipFailed(t *testing.T) {
	deps := testDeps(t)
	mw := RateLimit(deps)
	d := &registry.Descriptor{
		Event:     "task.update",
		RateLimit: &registry.RateLimit{Limit: 1, Window: time.Second, SkipFailed: true},
	}
	h := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, registry.Errorf(registry.KindNotFound, "missing")
	})

	// Failed calls do not consume budget.
	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := h(context.Background(), &registry.Invocation{Actor: "w-1", Time: now})
		require.Equal(t, registry.KindNotFound, registry.KindOf(err))
	}
}
