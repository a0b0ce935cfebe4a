package store

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*MemoryStore, context.Context) {
	t.Helper()
	return NewMemoryStore(), context.Background()
}

func TestTaskLifecycle(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	require.NoError(t, TaskCreate(ctx, s, "t-1", "Write tests", 75, now, ""))

	task, err := s.HGetAll(ctx, TaskKey("t-1"))
	require.NoError(t, err)
	assert.Equal(t, "pending", task["status"])
	assert.Equal(t, "75", task["priority"])

	claim, err := TaskClaim(ctx, s, "w-1", now)
	require.NoError(t, err)
	require.True(t, claim.Claimed)
	assert.Equal(t, "t-1", claim.TaskID)
	assert.Equal(t, "in_progress", claim.Task["status"])
	assert.Equal(t, "w-1", claim.Task["assignedTo"])

	status, err := TaskComplete(ctx, s, "t-1", `{"ok":true}`, now.Add(time.Second), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "completed", status)

	// Completion is a one-way transition; replay fails cleanly.
	_, err = TaskComplete(ctx, s, "t-1", `{"ok":true}`, now.Add(2*time.Second), time.Second)
	var serr *ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Reason, "not in_progress")
}

func TestTaskCreateDuplicateRejected(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	require.NoError(t, TaskCreate(ctx, s, "t-1", "first", 50, now, ""))
	err := TaskCreate(ctx, s, "t-1", "second", 50, now, "")
	var serr *ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "task already exists", serr.Reason)

	// The rejected create performed no writes.
	task, err := s.HGetAll(ctx, TaskKey("t-1"))
	require.NoError(t, err)
	assert.Equal(t, "first", task["text"])
}

func TestTaskCompleteWithoutResultFails(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	require.NoError(t, TaskCreate(ctx, s, "t-1", "job", 50, now, ""))
	claim, err := TaskClaim(ctx, s, "w-1", now)
	require.NoError(t, err)
	require.True(t, claim.Claimed)

	status, err := TaskComplete(ctx, s, "t-1", "", now, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "failed", status)
}

func TestClaimOrderByPriorityThenFIFO(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	require.NoError(t, TaskCreate(ctx, s, "t-1", "low", 10, now, ""))
	require.NoError(t, TaskCreate(ctx, s, "t-2", "high", 90, now, ""))
	require.NoError(t, TaskCreate(ctx, s, "t-3", "high too", 90, now, ""))
	require.NoError(t, TaskCreate(ctx, s, "t-4", "mid", 50, now, ""))

	var order []string
	for i := 0; i < 4; i++ {
		claim, err := TaskClaim(ctx, s, "w-1", now)
		require.NoError(t, err)
		require.True(t, claim.Claimed)
		order = append(order, claim.TaskID)
	}
	assert.Equal(t, []string{"t-2", "t-3", "t-4", "t-1"}, order)

	claim, err := TaskClaim(ctx, s, "w-1", now)
	require.NoError(t, err)
	assert.False(t, claim.Claimed)
}

func TestClaimSkipsDeniedWorker(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	require.NoError(t, TaskCreate(ctx, s, "t-1", "restricted", 90, now, `{"denyList":["w-1"]}`))
	require.NoError(t, TaskCreate(ctx, s, "t-2", "open", 10, now, ""))

	claim, err := TaskClaim(ctx, s, "w-1", now)
	require.NoError(t, err)
	require.True(t, claim.Claimed)
	assert.Equal(t, "t-2", claim.TaskID)

	claim, err = TaskClaim(ctx, s, "w-2", now)
	require.NoError(t, err)
	require.True(t, claim.Claimed)
	assert.Equal(t, "t-1", claim.TaskID)
}

func TestTaskUpdateTransitions(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	require.NoError(t, TaskCreate(ctx, s, "t-1", "job", 50, now, ""))

	// pending -> completed skips in_progress and is rejected.
	err := TaskUpdate(ctx, s, "t-1", `{"status":"completed"}`, now)
	var serr *ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Reason, "invalid transition")

	require.NoError(t, TaskUpdate(ctx, s, "t-1", `{"priority":95,"text":"urgent job"}`, now))
	task, err := s.HGetAll(ctx, TaskKey("t-1"))
	require.NoError(t, err)
	assert.Equal(t, "95", task["priority"])
	assert.Equal(t, "urgent job", task["text"])

	// Raised priority moves it to the front of the queue.
	require.NoError(t, TaskCreate(ctx, s, "t-2", "other", 90, now, ""))
	claim, err := TaskClaim(ctx, s, "w-1", now)
	require.NoError(t, err)
	assert.Equal(t, "t-1", claim.TaskID)
}

func TestReassignFailedTasksRequeues(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	require.NoError(t, TaskCreate(ctx, s, "t-1", "a", 80, now, ""))
	require.NoError(t, TaskCreate(ctx, s, "t-2", "b", 60, now, ""))
	_, err := InstanceRegister(ctx, s, "w-1", `["worker"]`, now, 30*time.Second)
	require.NoError(t, err)
	_, err = InstanceRegister(ctx, s, "w-2", `["worker"]`, now, 30*time.Second)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		claim, err := TaskClaim(ctx, s, "w-1", now)
		require.NoError(t, err)
		require.True(t, claim.Claimed)
	}

	res, err := ReassignFailedTasks(ctx, s, "w-1", "instance heartbeat expired", now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reassigned)
	assert.Equal(t, int64(1), res.HealthyWorkers)

	// Both come back in original priority order for the next worker.
	first, err := TaskClaim(ctx, s, "w-2", now)
	require.NoError(t, err)
	assert.Equal(t, "t-1", first.TaskID)
	second, err := TaskClaim(ctx, s, "w-2", now)
	require.NoError(t, err)
	assert.Equal(t, "t-2", second.TaskID)
}

func TestExactlyOnceDelivery(t *testing.T) {
	s, ctx := testStore(t)

	first, err := ExactlyOnceDelivery(ctx, s, "ev-1")
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate)

	for i := 1; i <= 3; i++ {
		dup, err := ExactlyOnceDelivery(ctx, s, "ev-1")
		require.NoError(t, err)
		assert.True(t, dup.IsDuplicate)
		assert.Equal(t, int64(i), dup.DuplicateCount)
	}

	other, err := ExactlyOnceDelivery(ctx, s, "ev-2")
	require.NoError(t, err)
	assert.False(t, other.IsDuplicate)
}

func TestQuorumVoteLatches(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	v1, err := QuorumVote(ctx, s, "d", "i-1", "A", 3, now)
	require.NoError(t, err)
	assert.True(t, v1.Voted)
	assert.False(t, v1.QuorumReached)

	// Second A vote reaches floor(3/2)+1 = 2.
	v2, err := QuorumVote(ctx, s, "d", "i-2", "A", 3, now)
	require.NoError(t, err)
	assert.True(t, v2.QuorumReached)
	assert.Equal(t, "A", v2.Decision)

	// A later dissenting vote observes the latched decision.
	v3, err := QuorumVote(ctx, s, "d", "i-3", "B", 3, now)
	require.NoError(t, err)
	assert.False(t, v3.Voted)
	assert.True(t, v3.QuorumReached)
	assert.Equal(t, "A", v3.Decision)
}

func TestQuorumVoteOneVotePerVoter(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	v1, err := QuorumVote(ctx, s, "d", "i-1", "A", 5, now)
	require.NoError(t, err)
	assert.True(t, v1.Voted)

	v2, err := QuorumVote(ctx, s, "d", "i-1", "A", 5, now)
	require.NoError(t, err)
	assert.False(t, v2.Voted)
	assert.Equal(t, int64(1), v2.VoteCount)
}

func TestInstanceHeartbeatTTL(t *testing.T) {
	s, ctx := testStore(t)
	base := time.Now()
	clock := base
	s.SetClock(func() time.Time { return clock })

	became, err := InstanceRegister(ctx, s, "w-1", `["worker"]`, base, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, became)

	// Heartbeats at ttl/3 keep the record continuously present.
	for i := 1; i <= 5; i++ {
		clock = base.Add(time.Duration(i) * 10 * time.Second)
		isLeader, err := InstanceHeartbeat(ctx, s, "w-1", clock, 30*time.Second)
		require.NoError(t, err)
		assert.True(t, isLeader)
	}

	// Silence past the TTL expires the record; the next heartbeat is rejected.
	clock = clock.Add(31 * time.Second)
	_, err = InstanceHeartbeat(ctx, s, "w-1", clock, 30*time.Second)
	var serr *ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "instance not registered", serr.Reason)
}

func TestLeaderLeaseHandover(t *testing.T) {
	s, ctx := testStore(t)
	base := time.Now()
	clock := base
	s.SetClock(func() time.Time { return clock })

	became, err := InstanceRegister(ctx, s, "w-1", `["worker"]`, base, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, became)

	became, err = InstanceRegister(ctx, s, "w-2", `["worker"]`, base, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, became)

	// After the lease (2*ttl) lapses, the next heartbeater takes over.
	clock = base.Add(21 * time.Second)
	_, err = InstanceRegister(ctx, s, "w-2", `["worker"]`, clock, 10*time.Second)
	require.NoError(t, err)
	isLeader, err := InstanceHeartbeat(ctx, s, "w-2", clock, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, isLeader)
}

func TestCoordinateBatchSingleton(t *testing.T) {
	s, ctx := testStore(t)

	res, err := CoordinateBatch(ctx, s, "p-1", "batch-1", 100, 30*time.Second, 0)
	require.NoError(t, err)
	assert.True(t, res.LockAcquired)
	assert.Equal(t, "p-1", res.CurrentProcessor)

	// A contender is told who holds the lock.
	other, err := CoordinateBatch(ctx, s, "p-2", "batch-1", 100, 30*time.Second, 10)
	require.NoError(t, err)
	assert.False(t, other.LockAcquired)
	assert.Equal(t, "p-1", other.CurrentProcessor)

	// The holder advances progress.
	res, err = CoordinateBatch(ctx, s, "p-1", "batch-1", 100, 30*time.Second, 40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Progress)
}

func TestGossipPartitionDetection(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		res, err := GossipHealthUpdate(ctx, s, fmt.Sprintf("i-%d", i), "healthy", now, time.Minute)
		require.NoError(t, err)
		assert.False(t, res.PartitionDetected)
	}

	// Two of four unhealthy is not a majority.
	res, err := GossipHealthUpdate(ctx, s, "i-4", "unhealthy", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.PartitionDetected)

	// Flipping two more tips the majority.
	_, err = GossipHealthUpdate(ctx, s, "i-1", "unhealthy", now, time.Minute)
	require.NoError(t, err)
	res, err = GossipHealthUpdate(ctx, s, "i-2", "unhealthy", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.PartitionDetected)
}

func TestAutoAssignTasks(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	for i := 1; i <= 5; i++ {
		require.NoError(t, TaskCreate(ctx, s, fmt.Sprintf("t-%d", i), "job", 50, now, ""))
	}
	res, err := AutoAssignTasks(ctx, s, "w-1", now, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Assigned)
	assert.Equal(t, int64(2), res.Total)

	backlog, err := s.LRange(ctx, InstanceQueueKey("w-1"), 0, -1)
	require.NoError(t, err)
	assert.Len(t, backlog, 3)
}

func TestGetSystemState(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	require.NoError(t, TaskCreate(ctx, s, "t-1", "job", 50, now, ""))
	_, err := InstanceRegister(ctx, s, "w-1", `["worker"]`, now, 30*time.Second)
	require.NoError(t, err)

	state, err := GetSystemState(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.PendingTasks)
	assert.Equal(t, []string{"w-1"}, state.Instances)
}

func TestClaimStampsClaimedAtAndCompleteDuration(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	require.NoError(t, TaskCreate(ctx, s, "t-1", "job", 50, now, ""))

	claim, err := TaskClaim(ctx, s, "w-1", now)
	require.NoError(t, err)
	require.True(t, claim.Claimed)

	task, err := s.HGetAll(ctx, TaskKey("t-1"))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(now.UnixMilli(), 10), task["claimedAt"])

	_, err = TaskComplete(ctx, s, "t-1", `{"ok":true}`, now.Add(5*time.Second), 5*time.Second)
	require.NoError(t, err)

	task, err = s.HGetAll(ctx, TaskKey("t-1"))
	require.NoError(t, err)
	assert.Equal(t, "5000", task["durationMs"])

	metrics, err := s.HGetAll(ctx, KeyGlobalMetrics)
	require.NoError(t, err)
	assert.Equal(t, "5000", metrics["taskDurationMsTotal"])
}

func TestAutoAssignStepsPastDeniedTasks(t *testing.T) {
	s, ctx := testStore(t)
	now := time.Now()

	require.NoError(t, TaskCreate(ctx, s, "t-1", "restricted", 90, now, `{"denyList":["w-1"]}`))
	require.NoError(t, TaskCreate(ctx, s, "t-2", "open", 10, now, ""))

	// The denied head of the queue must not block the eligible task behind it.
	res, err := AutoAssignTasks(ctx, s, "w-1", now, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Assigned)
	assert.Equal(t, int64(1), res.Total)

	open, err := s.HGetAll(ctx, TaskKey("t-2"))
	require.NoError(t, err)
	assert.Equal(t, "in_progress", open["status"])
	assert.Equal(t, "w-1", open["assignedTo"])

	restricted, err := s.HGetAll(ctx, TaskKey("t-1"))
	require.NoError(t, err)
	assert.Equal(t, "pending", restricted["status"])
}
