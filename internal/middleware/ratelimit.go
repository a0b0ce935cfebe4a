package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/store"
)

// RateLimit enforces a sliding window per (event, actor) backed by the
// cb:ratelimit zsets, so the budget holds across every pod sharing the
// store. Admission prunes aged entries and compares the window population
// against the limit; the window write happens after the body in a deferred
// path so cancellation cannot leave the counter drifting.
func RateLimit(deps Deps) registry.Middleware {
	return func(d *registry.Descriptor, next registry.Handler) registry.Handler {
		cfg := deps.Defaults.RateLimit
		if d.RateLimit != nil {
			cfg = *d.RateLimit
		}
		if cfg.Limit <= 0 {
			return next
		}
		return func(ctx context.Context, inv *registry.Invocation) (out map[string]any, err error) {
			key := store.RateLimitKey(d.Event, inv.Actor)
			nowMs := inv.Time.UnixMilli()
			windowStart := nowMs - cfg.Window.Milliseconds()

			if _, perr := deps.Store.ZRemRangeByScore(ctx, key, 0, float64(windowStart)); perr != nil {
				// Admit on store trouble; the limiter is protection, not
				// correctness.
				slog.Warn("[RateLimit] Window prune failed, admitting", "event", d.Event, "error", perr)
				return next(ctx, inv)
			}
			count, cerr := deps.Store.ZCard(ctx, key)
			if cerr != nil {
				slog.Warn("[RateLimit] Window read failed, admitting", "event", d.Event, "error", cerr)
				return next(ctx, inv)
			}
			if count >= int64(cfg.Limit) {
				if deps.Metrics != nil {
					deps.Metrics.RateLimited.WithLabelValues(d.Event).Inc()
				}
				retryAfter := cfg.Window
				if oldest, oerr := deps.Store.ZRangeWithScores(ctx, key, 0, 0, false); oerr == nil && len(oldest) == 1 {
					retryAfter = time.Duration(int64(oldest[0].Score)+cfg.Window.Milliseconds()-nowMs) * time.Millisecond
					if retryAfter < 0 {
						retryAfter = 0
					}
				}
				return nil, registry.Errorf(registry.KindRateLimited,
					"rate limit exceeded for %s", d.Event).WithData(map[string]any{
					"limit":      cfg.Limit,
					"windowMs":   cfg.Window.Milliseconds(),
					"retryAfter": retryAfter.Milliseconds(),
					"remaining":  0,
				})
			}

			defer func() {
				record := !cfg.SkipSuccessful
				if err != nil {
					record = !cfg.SkipFailed
				}
				if !record {
					return
				}
				// Detached context: the window write must land even when
				// the call was cancelled mid-body.
				wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				member := fmt.Sprintf("%d-%s", nowMs, uuid.New().String()[:8])
				if aerr := deps.Store.ZAdd(wctx, key, store.ZMember{Member: member, Score: float64(nowMs)}); aerr != nil {
					slog.Warn("[RateLimit] Window write failed", "event", d.Event, "error", aerr)
					return
				}
				_ = deps.Store.Expire(wctx, key, cfg.Window)
			}()

			return next(ctx, inv)
		}
	}
}
