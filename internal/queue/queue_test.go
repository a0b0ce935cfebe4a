package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/store"
)

func testQueue(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, bus.New(st), nil, Options{}), st
}

func intp(v int) *int { return &v }

func TestCreateAllocatesSequentialIDs(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	first, err := q.Create(ctx, "", "first", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "t-1", first.ID)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, 50, first.Priority)

	second, err := q.Create(ctx, "", "second", intp(75), nil)
	require.NoError(t, err)
	assert.Equal(t, "t-2", second.ID)
	assert.Equal(t, 75, second.Priority)
}

func TestCreateValidation(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	_, err := q.Create(ctx, "", "", nil, nil)
	assert.Equal(t, registry.KindInvalidInput, registry.KindOf(err))

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'x'
	}
	_, err = q.Create(ctx, "", string(long), nil, nil)
	assert.Equal(t, registry.KindInvalidInput, registry.KindOf(err))

	_, err = q.Create(ctx, "", "ok", intp(101), nil)
	assert.Equal(t, registry.KindInvalidInput, registry.KindOf(err))

	_, err = q.Create(ctx, "task-1", "bad id shape", nil, nil)
	assert.Equal(t, registry.KindInvalidInput, registry.KindOf(err))
}

func TestCreateExternalIDConflict(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	_, err := q.Create(ctx, "t-9", "original", nil, nil)
	require.NoError(t, err)
	_, err = q.Create(ctx, "t-9", "imposter", nil, nil)
	assert.Equal(t, registry.KindConflict, registry.KindOf(err))
}

func TestCompleteRecordsDuration(t *testing.T) {
	q, st := testQueue(t)
	ctx := context.Background()

	base := time.Now()
	clock := base
	now := func() time.Time { return clock }
	st.SetClock(now)
	q.SetClock(now)

	_, err := q.Create(ctx, "", "timed job", nil, nil)
	require.NoError(t, err)
	_, claimed, err := q.Claim(ctx, "w-1")
	require.NoError(t, err)
	require.True(t, claimed)

	clock = base.Add(5 * time.Second)
	done, err := q.Complete(ctx, "t-1", map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, base.UnixMilli(), done.ClaimedAt)
	assert.Equal(t, int64(5000), done.DurationMs)
}

func TestClaimCompleteRoundTrip(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	created, err := q.Create(ctx, "", "write tests", intp(75), nil)
	require.NoError(t, err)

	task, claimed, err := q.Claim(ctx, "w-1")
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, created.ID, task.ID)
	assert.Equal(t, StatusInProgress, task.Status)
	assert.Equal(t, "w-1", task.AssignedTo)

	done, err := q.Complete(ctx, task.ID, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, true, done.Result["ok"])

	_, err = q.Complete(ctx, task.ID, map[string]any{"ok": true})
	assert.Equal(t, registry.KindPreconditionFailed, registry.KindOf(err))
}

func TestCompleteWithoutResultMarksFailed(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	created, err := q.Create(ctx, "", "doomed", nil, nil)
	require.NoError(t, err)
	_, claimed, err := q.Claim(ctx, "w-1")
	require.NoError(t, err)
	require.True(t, claimed)

	done, err := q.Complete(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
}

func TestClaimOnEmptyQueue(t *testing.T) {
	q, _ := testQueue(t)
	_, claimed, err := q.Claim(context.Background(), "w-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestCompleteUnknownTask(t *testing.T) {
	q, _ := testQueue(t)
	_, err := q.Complete(context.Background(), "t-404", nil)
	assert.Equal(t, registry.KindNotFound, registry.KindOf(err))
}

func TestListFiltersAndPages(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Create(ctx, "", "job", nil, nil)
		require.NoError(t, err)
	}
	_, claimed, err := q.Claim(ctx, "w-1")
	require.NoError(t, err)
	require.True(t, claimed)

	pending, err := q.List(ctx, ListFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 4)

	mine, err := q.List(ctx, ListFilter{AssignedTo: "w-1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, StatusInProgress, mine[0].Status)

	page, err := q.List(ctx, ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestUpdatePriorityReorders(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	low, err := q.Create(ctx, "", "low", intp(10), nil)
	require.NoError(t, err)
	_, err = q.Create(ctx, "", "high", intp(90), nil)
	require.NoError(t, err)

	_, err = q.Update(ctx, low.ID, map[string]any{"priority": 99})
	require.NoError(t, err)

	task, claimed, err := q.Claim(ctx, "w-1")
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, low.ID, task.ID)
}

func TestUpdateValidation(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	created, err := q.Create(ctx, "", "job", nil, nil)
	require.NoError(t, err)

	_, err = q.Update(ctx, created.ID, nil)
	assert.Equal(t, registry.KindInvalidInput, registry.KindOf(err))

	_, err = q.Update(ctx, created.ID, map[string]any{"priority": 200})
	assert.Equal(t, registry.KindInvalidInput, registry.KindOf(err))

	_, err = q.Update(ctx, created.ID, map[string]any{"status": "completed"})
	assert.Equal(t, registry.KindPreconditionFailed, registry.KindOf(err))
}

func TestAssignAndReassign(t *testing.T) {
	q, st := testQueue(t)
	ctx := context.Background()

	created, err := q.Create(ctx, "", "job", nil, nil)
	require.NoError(t, err)

	task, err := q.Assign(ctx, created.ID, "w-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, task.Status)
	assert.Equal(t, "w-1", task.AssignedTo)

	backlog, err := st.LRange(ctx, store.InstanceQueueKey("w-1"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{created.ID}, backlog)

	// Reassigning with no target returns it to pending.
	task, err = q.Reassign(ctx, created.ID, "", "rebalance")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Empty(t, task.AssignedTo)
	assert.Equal(t, "rebalance", task.Metadata["reassignReason"])
}

func TestSweepDelayedMovesToLeastLoaded(t *testing.T) {
	q, st := testQueue(t)
	ctx := context.Background()
	base := time.Now()
	clock := base
	st.SetClock(func() time.Time { return clock })
	q.SetClock(func() time.Time { return clock })

	_, err := store.InstanceRegister(ctx, st, "w-1", `["worker"]`, base, time.Hour)
	require.NoError(t, err)
	_, err = store.InstanceRegister(ctx, st, "w-2", `["worker"]`, base, time.Hour)
	require.NoError(t, err)

	created, err := q.Create(ctx, "", "stuck", nil, nil)
	require.NoError(t, err)

	// Load w-1 so the sweep prefers w-2.
	busy, err := q.Create(ctx, "", "busy work", nil, nil)
	require.NoError(t, err)
	_, err = q.Assign(ctx, busy.ID, "w-1")
	require.NoError(t, err)

	clock = base.Add(2 * time.Minute)
	moved, err := q.SweepDelayed(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	task, err := q.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "w-2", task.AssignedTo)
}
