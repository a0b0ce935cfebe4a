// Package instance manages the local instance lifecycle: registration,
// heartbeats, leader lease, the gossip health map, and the background sweeps
// that keep the cluster converging.
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/queue"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/store"
)

// Health values reported for an instance.
const (
	HealthActive = "ACTIVE"
	HealthIdle   = "IDLE"
)

// Info is one registered instance as seen by system.get_state.
type Info struct {
	ID            string   `json:"id"`
	Roles         []string `json:"roles"`
	Health        string   `json:"health"`
	LastHeartbeat int64    `json:"lastHeartbeat"`
	IsLeader      bool     `json:"isLeader"`
}

// Options tunes the manager.
type Options struct {
	ID                string
	Roles             []string
	HeartbeatInterval time.Duration
	TTL               time.Duration
	IdleThreshold     time.Duration
	SweepInterval     time.Duration
	TaskDelay         time.Duration
	AssignCap         int
}

// Manager owns the local instance identity and runs the periodic jobs.
type Manager struct {
	store store.Store
	bus   *bus.Bus
	met   *metrics.Metrics
	queue *queue.Service
	opts  Options
	now   func() time.Time

	mu       sync.Mutex
	isLeader bool

	cron *cron.Cron
}

func NewManager(st store.Store, b *bus.Bus, met *metrics.Metrics, q *queue.Service, opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.TaskDelay <= 0 {
		opts.TaskDelay = time.Minute
	}
	if opts.AssignCap <= 0 {
		opts.AssignCap = 10
	}
	return &Manager{
		store: st,
		bus:   b,
		met:   met,
		queue: q,
		opts:  opts,
		now:   time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// ID returns the local instance id.
func (m *Manager) ID() string { return m.opts.ID }

// Register writes an instance record with the configured TTL and takes the
// leader lease when vacant. Re-registering refreshes the record.
func (m *Manager) Register(ctx context.Context, instanceID string, roles []string) (becameLeader bool, err error) {
	if instanceID == "" {
		return false, registry.Errorf(registry.KindInvalidInput, "instanceId is required")
	}
	if len(roles) == 0 {
		roles = []string{"worker"}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return false, fmt.Errorf("marshal roles: %w", err)
	}
	becameLeader, err = store.InstanceRegister(ctx, m.store, instanceID, string(rolesJSON), m.now(), m.opts.TTL)
	if err != nil {
		return false, err
	}
	if instanceID == m.opts.ID {
		m.mu.Lock()
		m.isLeader = becameLeader
		m.mu.Unlock()
	}
	slog.Info("[Instance] Registered", "id", instanceID, "roles", roles, "leader", becameLeader)
	m.publish(ctx, "system.registered", map[string]any{
		"id":     instanceID,
		"roles":  roles,
		"leader": becameLeader,
	})
	m.refreshGauge(ctx)
	return becameLeader, nil
}

// Heartbeat refreshes the record TTL and leader lease. Heartbeating an
// unregistered instance is rejected; the caller must register first.
func (m *Manager) Heartbeat(ctx context.Context, instanceID string) (isLeader bool, err error) {
	if instanceID == "" {
		return false, registry.Errorf(registry.KindInvalidInput, "instanceId is required")
	}
	isLeader, err = store.InstanceHeartbeat(ctx, m.store, instanceID, m.now(), m.opts.TTL)
	if err != nil {
		var serr *store.ScriptError
		if errors.As(err, &serr) {
			return false, registry.WrapError(registry.KindPreconditionFailed, serr.Reason, err)
		}
		return false, err
	}
	if instanceID == m.opts.ID {
		m.mu.Lock()
		m.isLeader = isLeader
		m.mu.Unlock()
	}
	return isLeader, nil
}

// IsLeader reports the local view from the last register/heartbeat.
func (m *Manager) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLeader
}

// LeaderID reads the current lease holder, which may be nobody.
func (m *Manager) LeaderID(ctx context.Context) (string, error) {
	id, err := m.store.Get(ctx, store.KeyLeader)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return id, err
}

// List returns every instance whose record is still alive. Instances past the
// idle threshold but within TTL report IDLE.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	members, err := m.store.SMembers(ctx, store.KeyInstancesSet)
	if err != nil {
		return nil, err
	}
	leader, _ := m.LeaderID(ctx)
	now := m.now().UnixMilli()

	out := make([]Info, 0, len(members))
	for _, id := range members {
		fields, err := m.store.HGetAll(ctx, store.InstanceKey(id))
		if err != nil || len(fields) == 0 {
			continue // expired record, swept later
		}
		info := Info{ID: id, Health: HealthActive, IsLeader: id == leader}
		if raw := fields["roles"]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &info.Roles)
		}
		if hb, err := strconv.ParseInt(fields["lastHeartbeat"], 10, 64); err == nil {
			info.LastHeartbeat = hb
			if now-hb > m.opts.IdleThreshold.Milliseconds() {
				info.Health = HealthIdle
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if m.met != nil {
		m.met.Instances.Set(float64(len(out)))
	}
	return out, nil
}

// Gossip records one instance's self-reported health and raises a partition
// event when a majority of fresh reports are unhealthy.
func (m *Manager) Gossip(ctx context.Context, instanceID, health string, window time.Duration) (*store.GossipResult, error) {
	res, err := store.GossipHealthUpdate(ctx, m.store, instanceID, health, m.now(), window)
	if err != nil {
		return nil, err
	}
	if res.PartitionDetected {
		slog.Warn("[Instance] Partition suspected", "reporter", instanceID)
		m.publish(ctx, "system.partition_suspected", map[string]any{
			"reporter": instanceID,
		})
	}
	return res, nil
}

// SweepDead retires active-set members whose records expired, returning their
// claimed tasks to the pending queue and redistributing to live workers.
func (m *Manager) SweepDead(ctx context.Context) (reassigned int, err error) {
	members, err := m.store.SMembers(ctx, store.KeyInstancesSet)
	if err != nil {
		return 0, err
	}
	var live []string
	var dead []string
	for _, id := range members {
		if _, herr := m.store.HGet(ctx, store.InstanceKey(id), "id"); herr != nil {
			dead = append(dead, id)
		} else {
			live = append(live, id)
		}
	}
	for _, id := range dead {
		res, rerr := store.ReassignFailedTasks(ctx, m.store, id, "instance heartbeat expired", m.now())
		if rerr != nil {
			slog.Warn("[Instance] Dead sweep failed", "id", id, "error", rerr)
			continue
		}
		reassigned += res.Reassigned
		slog.Info("[Instance] Retired dead instance", "id", id, "reassigned", res.Reassigned)
		m.publish(ctx, "system.instance_failed", map[string]any{
			"id":         id,
			"reassigned": res.Reassigned,
		})
	}
	if reassigned > 0 && m.queue != nil {
		for _, w := range live {
			if _, aerr := m.queue.AutoAssign(ctx, w, m.opts.AssignCap); aerr != nil {
				slog.Warn("[Instance] Redistribute failed", "worker", w, "error", aerr)
			}
		}
	}
	m.refreshGauge(ctx)
	return reassigned, nil
}

// Start launches the periodic jobs: the local heartbeat, the dead-instance
// sweep, and the leader-only delayed-task sweep and metrics aggregation.
func (m *Manager) Start() {
	if m.cron != nil {
		return
	}
	c := cron.New()

	c.Schedule(cron.Every(m.opts.HeartbeatInterval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := m.Heartbeat(ctx, m.opts.ID); err != nil {
			slog.Warn("[Instance] Heartbeat failed, re-registering", "error", err)
			if _, rerr := m.Register(ctx, m.opts.ID, m.opts.Roles); rerr != nil {
				slog.Error("[Instance] Re-register failed", "error", rerr)
			}
		}
	}))

	c.Schedule(cron.Every(m.opts.SweepInterval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := m.SweepDead(ctx); err != nil {
			slog.Warn("[Instance] Dead sweep failed", "error", err)
		}
		if !m.IsLeader() {
			return
		}
		if m.queue != nil {
			if _, err := m.queue.SweepDelayed(ctx, m.opts.TaskDelay, 50); err != nil {
				slog.Warn("[Instance] Delayed sweep failed", "error", err)
			}
		}
		if _, err := store.AggregateGlobalMetrics(ctx, m.store, m.now()); err != nil {
			slog.Warn("[Instance] Metrics aggregation failed", "error", err)
		}
	}))

	m.cron = c
	c.Start()
	slog.Info("[Instance] Background jobs started",
		"heartbeat", m.opts.HeartbeatInterval, "sweep", m.opts.SweepInterval)
}

// Stop halts the periodic jobs and waits for running ones to finish.
func (m *Manager) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}

func (m *Manager) publish(ctx context.Context, eventType string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, bus.Event{Type: eventType, Payload: payload}); err != nil {
		slog.Warn("[Instance] Publish failed", "type", eventType, "error", err)
	}
	if m.met != nil {
		m.met.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

func (m *Manager) refreshGauge(ctx context.Context) {
	if m.met == nil {
		return
	}
	if n, err := m.store.SCard(ctx, store.KeyInstancesSet); err == nil {
		m.met.Instances.Set(float64(n))
	}
}
