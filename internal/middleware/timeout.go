package middleware

import (
	"context"

	"github.com/fblgit/claudebench/internal/audit"
	"github.com/fblgit/claudebench/internal/registry"
)

type handlerResult struct {
	out map[string]any
	err error
}

// Timeout enforces the per-call wall-clock limit. The body runs with a
// cancelled context on expiry, so any store work it still attempts aborts;
// its state mutations are atomic scripts and therefore either fully applied
// before the deadline or not at all. When the descriptor configures a
// fallback, the fallback payload is served and the timeout is still recorded
// in metrics and audit.
func Timeout(deps Deps) registry.Middleware {
	return func(d *registry.Descriptor, next registry.Handler) registry.Handler {
		limit := deps.Defaults.Timeout
		if d.Timeout > 0 {
			limit = d.Timeout
		}
		if limit <= 0 {
			return next
		}
		return func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
			tctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()

			done := make(chan handlerResult, 1)
			go func() {
				out, err := next(tctx, inv)
				done <- handlerResult{out: out, err: err}
			}()

			select {
			case res := <-done:
				return res.out, res.err
			case <-tctx.Done():
				if ctx.Err() != nil {
					// Caller cancellation, not a timeout.
					return nil, registry.WrapError(registry.KindInternal, "call cancelled", ctx.Err())
				}
				terr := registry.Errorf(registry.KindTimeout,
					"%s exceeded %s", d.Event, limit).WithData(map[string]any{
					"limitMs": limit.Milliseconds(),
				})
				deps.Breakers.Get(d.Event).OnFailure("timeout")
				if d.Fallback != nil {
					if deps.Auditor != nil {
						deps.Auditor.Record(context.WithoutCancel(ctx), audit.Entry{
							Action:   d.Event,
							Actor:    inv.Actor,
							Resource: d.Event,
							Result:   audit.ResultTimeout,
							Reason:   terr.Error(),
							Metadata: map[string]any{"fallback": true},
						})
					}
					return d.Fallback, nil
				}
				return nil, terr
			}
		}
	}
}
