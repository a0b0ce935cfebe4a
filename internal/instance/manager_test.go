package instance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/queue"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/store"
)

type fixture struct {
	store   *store.MemoryStore
	queue   *queue.Service
	manager *Manager
	clock   time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.New(st)
	q := queue.New(st, b, nil, queue.Options{})
	if opts.ID == "" {
		opts.ID = "self-1"
	}
	if opts.TTL == 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.IdleThreshold == 0 {
		opts.IdleThreshold = 30 * time.Second
	}
	m := NewManager(st, b, nil, q, opts)
	f := &fixture{store: st, queue: q, manager: m, clock: time.Now()}
	now := func() time.Time { return f.clock }
	st.SetClock(now)
	q.SetClock(now)
	m.SetClock(now)
	return f
}

func TestRegisterAndLeaderElection(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	became, err := f.manager.Register(ctx, "self-1", []string{"worker"})
	require.NoError(t, err)
	assert.True(t, became)
	assert.True(t, f.manager.IsLeader())

	became, err = f.manager.Register(ctx, "w-2", []string{"worker"})
	require.NoError(t, err)
	assert.False(t, became)

	leader, err := f.manager.LeaderID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "self-1", leader)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.manager.Register(context.Background(), "", nil)
	assert.Equal(t, registry.KindInvalidInput, registry.KindOf(err))
}

func TestHeartbeatUnregisteredRejected(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.manager.Heartbeat(context.Background(), "ghost")
	assert.Equal(t, registry.KindPreconditionFailed, registry.KindOf(err))
}

func TestListDerivesIdleHealth(t *testing.T) {
	f := newFixture(t, Options{TTL: 2 * time.Minute, IdleThreshold: 30 * time.Second})
	ctx := context.Background()

	_, err := f.manager.Register(ctx, "w-1", []string{"worker"})
	require.NoError(t, err)
	_, err = f.manager.Register(ctx, "w-2", []string{"monitor"})
	require.NoError(t, err)

	// w-1 keeps heartbeating; w-2 goes quiet but stays within TTL.
	f.clock = f.clock.Add(40 * time.Second)
	_, err = f.manager.Heartbeat(ctx, "w-1")
	require.NoError(t, err)

	infos, err := f.manager.List(ctx)
	require.NoError(t, err)
	byID := map[string]Info{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	require.Contains(t, byID, "w-1")
	require.Contains(t, byID, "w-2")
	assert.Equal(t, HealthActive, byID["w-1"].Health)
	assert.Equal(t, []string{"worker"}, byID["w-1"].Roles)
	assert.Equal(t, HealthIdle, byID["w-2"].Health)
}

func TestSweepDeadRequeuesAndRedistributes(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.manager.Register(ctx, "w-1", []string{"worker"})
	require.NoError(t, err)
	_, err = f.manager.Register(ctx, "w-2", []string{"worker"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.queue.Create(ctx, "", "job", nil, nil)
		require.NoError(t, err)
		_, claimed, err := f.queue.Claim(ctx, "w-1")
		require.NoError(t, err)
		require.True(t, claimed)
	}

	// w-1's record expires; w-2 keeps heartbeating.
	f.clock = f.clock.Add(20 * time.Second)
	_, err = f.manager.Heartbeat(ctx, "w-2")
	require.NoError(t, err)
	f.clock = f.clock.Add(15 * time.Second)

	reassigned, err := f.manager.SweepDead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reassigned)

	// Redistribution hands the orphaned work to the surviving worker.
	tasks, err := f.queue.List(ctx, queue.ListFilter{AssignedTo: "w-2"})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	infos, err := f.manager.List(ctx)
	require.NoError(t, err)
	for _, info := range infos {
		assert.NotEqual(t, "w-1", info.ID)
	}
}

func TestGossipPartitionEvent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res, err := f.manager.Gossip(ctx, "w-1", "unhealthy", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.True(t, res.PartitionDetected)
}
