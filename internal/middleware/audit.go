package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/fblgit/claudebench/internal/audit"
	"github.com/fblgit/claudebench/internal/registry"
)

// Audit records every body outcome on the audit stream. Envelope rejections
// (rate limit, circuit, timeout) never reach this layer; the dispatcher
// records those itself. Persist-flagged handlers additionally mirror the
// entry into the durable audit log.
func Audit(deps Deps) registry.Middleware {
	return func(d *registry.Descriptor, next registry.Handler) registry.Handler {
		if deps.Auditor == nil {
			return next
		}
		return func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
			out, err := next(ctx, inv)

			entry := audit.Entry{
				Action:    d.Event,
				Actor:     inv.Actor,
				Resource:  d.Event,
				Result:    audit.ResultSuccess,
				Timestamp: time.Now(),
				Metadata:  map[string]any{"eventId": inv.EventID},
			}
			if err != nil {
				entry.Result = audit.ResultFailure
				entry.Reason = err.Error()
			}
			// Detached so a cancelled call still leaves its trace.
			deps.Auditor.Record(context.WithoutCancel(ctx), entry)
			if d.Persist && deps.AuditLog != nil {
				go func(e audit.Entry) {
					mctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if merr := deps.AuditLog.SaveAudit(mctx, e); merr != nil {
						slog.Warn("[Audit] Durable mirror failed", "action", e.Action, "error", merr)
					}
				}(entry)
			}
			return out, err
		}
	}
}
