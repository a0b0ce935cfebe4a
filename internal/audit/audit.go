// Package audit appends the append-only action log. Entries land on the
// cb:stream:audit stream (bounded) and a trailing window list for cheap
// tail reads.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fblgit/claudebench/internal/store"
)

// Result is the audited outcome of an action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultBlocked Result = "blocked"
	ResultTimeout Result = "timeout"
)

// Entry is one audit record.
type Entry struct {
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Resource  string         `json:"resource"`
	Result    Result         `json:"result"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

const (
	streamMaxLen = 5000
	logWindow    = 1000
)

// Auditor writes entries to the store. Failures are logged, never returned:
// auditing must not fail the audited call.
type Auditor struct {
	store store.Store
}

func New(st store.Store) *Auditor {
	return &Auditor{store: st}
}

// Record appends one entry.
func (a *Auditor) Record(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	values := map[string]string{
		"action":   e.Action,
		"actor":    e.Actor,
		"resource": e.Resource,
		"result":   string(e.Result),
		"ts":       e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.Reason != "" {
		values["reason"] = e.Reason
	}
	if e.Metadata != nil {
		if meta, err := json.Marshal(e.Metadata); err == nil {
			values["metadata"] = string(meta)
		}
	}
	if _, err := a.store.XAdd(ctx, store.KeyAuditStream, streamMaxLen, values); err != nil {
		slog.Warn("[Audit] Stream append failed", "action", e.Action, "error", err)
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := a.store.RPush(ctx, store.KeyAuditLog, string(line)); err != nil {
		slog.Warn("[Audit] Log append failed", "action", e.Action, "error", err)
		return
	}
	_ = a.store.LTrim(ctx, store.KeyAuditLog, -logWindow, -1)
}

// RecordHookDecision appends the specialized record emitted for hook.* events
// alongside the regular entry.
func (a *Auditor) RecordHookDecision(ctx context.Context, event, actor, decision, reason string, params map[string]any) {
	result := ResultSuccess
	if decision != "allow" {
		result = ResultBlocked
	}
	a.Record(ctx, Entry{
		Action:   event + ".decision",
		Actor:    actor,
		Resource: event,
		Result:   result,
		Reason:   reason,
		Metadata: map[string]any{"decision": decision, "params": params},
	})
}

// Tail returns up to n most recent entries, oldest first.
func (a *Auditor) Tail(ctx context.Context, n int64) ([]Entry, error) {
	lines, err := a.store.LRange(ctx, store.KeyAuditLog, -n, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if json.Unmarshal([]byte(line), &e) == nil {
			out = append(out, e)
		}
	}
	return out, nil
}
