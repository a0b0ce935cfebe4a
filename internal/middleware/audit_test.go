package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fblgit/claudebench/internal/audit"
	"github.com/fblgit/claudebench/internal/registry"
)

type recordingSink struct {
	entries chan audit.Entry
}

func (r *recordingSink) SaveAudit(ctx context.Context, e audit.Entry) error {
	r.entries <- e
	return nil
}

func TestAuditMirrorsPersistHandlers(t *testing.T) {
	deps := testDeps(t)
	sink := &recordingSink{entries: make(chan audit.Entry, 1)}
	deps.AuditLog = sink
	mw := Audit(deps)

	d := &registry.Descriptor{Event: "task.create", Persist: true}
	h := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{}, nil
	})
	_, err := h(context.Background(), &registry.Invocation{EventID: "e-1", Actor: "w-1"})
	require.NoError(t, err)

	select {
	case e := <-sink.entries:
		assert.Equal(t, "task.create", e.Action)
		assert.Equal(t, "w-1", e.Actor)
		assert.Equal(t, audit.ResultSuccess, e.Result)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("durable audit mirror was never written")
	}
}

func TestAuditMirrorRecordsFailures(t *testing.T) {
	deps := testDeps(t)
	sink := &recordingSink{entries: make(chan audit.Entry, 1)}
	deps.AuditLog = sink
	mw := Audit(deps)

	d := &registry.Descriptor{Event: "task.complete", Persist: true}
	h := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, registry.Errorf(registry.KindNotFound, "task not found")
	})
	_, err := h(context.Background(), &registry.Invocation{EventID: "e-2", Actor: "w-1"})
	require.Error(t, err)

	select {
	case e := <-sink.entries:
		assert.Equal(t, audit.ResultFailure, e.Result)
		assert.Contains(t, e.Reason, "task not found")
	case <-time.After(time.Second):
		t.Fatal("durable audit mirror was never written")
	}
}

func TestAuditMirrorSkipsNonPersistHandlers(t *testing.T) {
	deps := testDeps(t)
	sink := &recordingSink{entries: make(chan audit.Entry, 1)}
	deps.AuditLog = sink
	mw := Audit(deps)

	d := &registry.Descriptor{Event: "task.list"}
	h := mw(d, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{}, nil
	})
	_, err := h(context.Background(), &registry.Invocation{EventID: "e-3", Actor: "w-1"})
	require.NoError(t, err)

	select {
	case <-sink.entries:
		t.Fatal("handler without persist reached the durable mirror")
	case <-time.After(50 * time.Millisecond):
	}
}
