package middleware

import (
	"context"
	"time"

	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/registry"
)

// Measured is the innermost envelope layer: per-event latency histogram plus
// the rolling sample window percentiles are derived from.
func Measured(deps Deps) registry.Middleware {
	return func(d *registry.Descriptor, next registry.Handler) registry.Handler {
		return func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
			start := time.Now()
			out, err := next(ctx, inv)
			elapsed := time.Since(start)

			if deps.Metrics != nil {
				deps.Metrics.RequestDuration.WithLabelValues(d.Event).Observe(elapsed.Seconds())
			}
			if deps.Defaults.LatencySamples {
				metrics.RecordLatency(context.WithoutCancel(ctx), deps.Store, d.Event, elapsed)
			}
			return out, err
		}
	}
}
