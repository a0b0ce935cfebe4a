// Package queue is the task lifecycle service: creation, claiming,
// completion, and the delayed-task sweep over the shared priority queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/store"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Task is the full record of one unit of work.
type Task struct {
	ID          string         `json:"id"`
	Text        string         `json:"text"`
	Status      string         `json:"status"`
	Priority    int            `json:"priority"`
	AssignedTo  string         `json:"assignedTo,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
	UpdatedAt   int64          `json:"updatedAt,omitempty"`
	ClaimedAt   int64          `json:"claimedAt,omitempty"`
	CompletedAt int64          `json:"completedAt,omitempty"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Options configures the queue service.
type Options struct {
	MaxTextLength   int
	DefaultPriority int
}

// Service coordinates the task lifecycle over the store's atomic transitions.
type Service struct {
	store store.Store
	bus   *bus.Bus
	met   *metrics.Metrics
	opts  Options
	now   func() time.Time
}

func New(st store.Store, b *bus.Bus, met *metrics.Metrics, opts Options) *Service {
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = 500
	}
	if opts.DefaultPriority == 0 {
		opts.DefaultPriority = 50
	}
	return &Service{store: st, bus: b, met: met, opts: opts, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

var taskIDPattern = regexp.MustCompile(`^t-\d+$`)

// Create validates and enqueues a new task. An empty id allocates the next
// sequential `t-<n>`; a caller-supplied id must match the task id format and
// is rejected when it already exists.
func (s *Service) Create(ctx context.Context, id, text string, priority *int, metadata map[string]any) (*Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, registry.Errorf(registry.KindInvalidInput, "task text is required")
	}
	if len(text) > s.opts.MaxTextLength {
		return nil, registry.Errorf(registry.KindInvalidInput,
			"task text exceeds %d characters", s.opts.MaxTextLength)
	}
	prio := s.opts.DefaultPriority
	if priority != nil {
		prio = *priority
	}
	if prio < 0 || prio > 100 {
		return nil, registry.Errorf(registry.KindInvalidInput,
			"priority must be between 0 and 100, got %d", prio)
	}

	if id == "" {
		seq, err := s.store.Incr(ctx, store.KeyTaskCounter)
		if err != nil {
			return nil, fmt.Errorf("allocate task id: %w", err)
		}
		id = fmt.Sprintf("t-%d", seq)
	} else if !taskIDPattern.MatchString(id) {
		return nil, registry.Errorf(registry.KindInvalidInput, "task id must match t-<n>")
	}

	metadataJSON := ""
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, registry.WrapError(registry.KindInvalidInput, "bad metadata", err)
		}
		metadataJSON = string(raw)
	}

	now := s.now()
	if err := store.TaskCreate(ctx, s.store, id, text, prio, now, metadataJSON); err != nil {
		return nil, mapScriptErr(err)
	}

	task := &Task{
		ID:        id,
		Text:      text,
		Status:    StatusPending,
		Priority:  prio,
		CreatedAt: now.UnixMilli(),
		Metadata:  metadata,
	}
	s.publish(ctx, "task.created", map[string]any{
		"id":       task.ID,
		"text":     task.Text,
		"priority": task.Priority,
		"status":   task.Status,
	})
	s.refreshDepth(ctx)
	return task, nil
}

// Get loads one task record.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	fields, err := s.store.HGetAll(ctx, store.TaskKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, registry.Errorf(registry.KindNotFound, "task %s not found", id)
	}
	return taskFromHash(fields), nil
}

// Claim pops the highest-priority eligible pending task for the worker.
// A drained queue is not an error; Claimed is false.
func (s *Service) Claim(ctx context.Context, workerID string) (*Task, bool, error) {
	res, err := store.TaskClaim(ctx, s.store, workerID, s.now())
	if err != nil {
		return nil, false, err
	}
	if !res.Claimed {
		return nil, false, nil
	}
	task := taskFromHash(res.Task)
	s.publish(ctx, "task.claimed", map[string]any{
		"id":     task.ID,
		"worker": workerID,
	})
	s.refreshDepth(ctx)
	return task, true, nil
}

// Complete finishes an in_progress task. A result payload marks it completed;
// a nil result marks it failed.
func (s *Service) Complete(ctx context.Context, id string, result map[string]any) (*Task, error) {
	resultJSON := ""
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, registry.WrapError(registry.KindInvalidInput, "bad result", err)
		}
		resultJSON = string(raw)
	}

	now := s.now()
	duration := time.Duration(0)
	if claimed, err := s.store.HGet(ctx, store.TaskKey(id), "claimedAt"); err == nil {
		if ms, perr := strconv.ParseInt(claimed, 10, 64); perr == nil {
			duration = now.Sub(time.UnixMilli(ms))
		}
	}

	status, err := store.TaskComplete(ctx, s.store, id, resultJSON, now, duration)
	if err != nil {
		return nil, mapScriptErr(err)
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, "task.completed", map[string]any{
		"id":         id,
		"status":     status,
		"durationMs": duration.Milliseconds(),
	})
	return task, nil
}

// Update applies a partial update. Status transitions are validated by the
// transition itself; priority changes re-score the pending queue.
func (s *Service) Update(ctx context.Context, id string, updates map[string]any) (*Task, error) {
	if len(updates) == 0 {
		return nil, registry.Errorf(registry.KindInvalidInput, "no updates given")
	}
	if p, ok := updates["priority"]; ok {
		if prio, ok := asInt(p); !ok || prio < 0 || prio > 100 {
			return nil, registry.Errorf(registry.KindInvalidInput,
				"priority must be between 0 and 100")
		}
	}
	raw, err := json.Marshal(updates)
	if err != nil {
		return nil, registry.WrapError(registry.KindInvalidInput, "bad updates", err)
	}
	if err := store.TaskUpdate(ctx, s.store, id, string(raw), s.now()); err != nil {
		return nil, mapScriptErr(err)
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, "task.updated", map[string]any{"id": id, "updates": updates})
	s.refreshDepth(ctx)
	return task, nil
}

// Assign hands a task directly to a worker.
func (s *Service) Assign(ctx context.Context, id, workerID string) (*Task, error) {
	if workerID == "" {
		return nil, registry.Errorf(registry.KindInvalidInput, "instanceId is required")
	}
	return s.reassign(ctx, id, workerID, "manual assignment")
}

// Reassign moves a task to another worker, or back to the pending queue when
// target is empty.
func (s *Service) Reassign(ctx context.Context, id, target, reason string) (*Task, error) {
	if reason == "" {
		reason = "reassigned"
	}
	return s.reassign(ctx, id, target, reason)
}

func (s *Service) reassign(ctx context.Context, id, target, reason string) (*Task, error) {
	resolved, err := store.TaskReassign(ctx, s.store, id, target, reason, s.now())
	if err != nil {
		return nil, mapScriptErr(err)
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, "task.assigned", map[string]any{
		"id":     id,
		"target": resolved,
		"reason": reason,
	})
	s.refreshDepth(ctx)
	return task, nil
}

// ListFilter narrows List output.
type ListFilter struct {
	Status     string
	AssignedTo string
	Limit      int
	Offset     int
}

// List scans task records, newest first. Scan-based; intended for operator
// queries, not hot paths.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	keys, err := s.store.Keys(ctx, store.TaskKey("*"))
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(keys))
	for _, key := range keys {
		fields, err := s.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		t := taskFromHash(fields)
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AssignedTo != "" && t.AssignedTo != filter.AssignedTo {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt > tasks[j].CreatedAt
		}
		return tasks[i].ID > tasks[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return []*Task{}, nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(tasks) {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// Depth returns the pending-queue size and refreshes the gauge.
func (s *Service) Depth(ctx context.Context) (int64, error) {
	depth, err := s.store.ZCard(ctx, store.KeyPendingQueue)
	if err != nil {
		return 0, err
	}
	if s.met != nil {
		s.met.QueueDepth.Set(float64(depth))
	}
	return depth, nil
}

// AutoAssign fills a worker's local list from the pending queue up to cap.
func (s *Service) AutoAssign(ctx context.Context, workerID string, cap int) (*store.AutoAssignResult, error) {
	res, err := store.AutoAssignTasks(ctx, s.store, workerID, s.now(), cap)
	if err != nil {
		return nil, err
	}
	if res.Assigned > 0 {
		s.publish(ctx, "task.assigned", map[string]any{
			"worker":   workerID,
			"assigned": res.Assigned,
		})
		s.refreshDepth(ctx)
	}
	return res, nil
}

// SweepDelayed hands tasks that sat unassigned longer than delay to the
// least-loaded live worker. Returns the number of tasks moved.
func (s *Service) SweepDelayed(ctx context.Context, delay time.Duration, maxTasks int) (int, error) {
	delayed, err := store.CheckDelayedTasks(ctx, s.store, s.now(), delay, maxTasks)
	if err != nil {
		return 0, err
	}
	if len(delayed) == 0 {
		return 0, nil
	}

	target, err := s.leastLoadedWorker(ctx)
	if err != nil {
		return 0, err
	}
	if target == "" {
		slog.Warn("[Queue] Delayed tasks but no live workers", "count", len(delayed))
		return 0, nil
	}

	moved := 0
	for _, id := range delayed {
		if _, err := store.TaskReassign(ctx, s.store, id, target, "delayed task sweep", s.now()); err != nil {
			slog.Warn("[Queue] Delayed reassign failed", "task", id, "error", err)
			continue
		}
		moved++
	}
	if moved > 0 {
		slog.Info("[Queue] Delayed sweep", "moved", moved, "target", target)
		s.publish(ctx, "task.assigned", map[string]any{
			"target": target,
			"moved":  moved,
			"reason": "delayed task sweep",
		})
		s.refreshDepth(ctx)
	}
	return moved, nil
}

// leastLoadedWorker picks the live instance with the shortest local queue.
func (s *Service) leastLoadedWorker(ctx context.Context) (string, error) {
	workers, err := s.store.SMembers(ctx, store.KeyInstancesSet)
	if err != nil {
		return "", err
	}
	best := ""
	bestLoad := int64(-1)
	for _, w := range workers {
		// Membership alone is not liveness; the record must still exist.
		if _, err := s.store.HGet(ctx, store.InstanceKey(w), "id"); err != nil {
			continue
		}
		load, err := s.store.LLen(ctx, store.InstanceQueueKey(w))
		if err != nil {
			continue
		}
		if bestLoad < 0 || load < bestLoad || (load == bestLoad && w < best) {
			best = w
			bestLoad = load
		}
	}
	return best, nil
}

func (s *Service) publish(ctx context.Context, eventType string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, bus.Event{Type: eventType, Payload: payload}); err != nil {
		slog.Warn("[Queue] Publish failed", "type", eventType, "error", err)
	}
	if s.met != nil {
		s.met.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

func (s *Service) refreshDepth(ctx context.Context) {
	if s.met == nil {
		return
	}
	if depth, err := s.store.ZCard(ctx, store.KeyPendingQueue); err == nil {
		s.met.QueueDepth.Set(float64(depth))
	}
}

// taskFromHash decodes the stored hash representation.
func taskFromHash(fields map[string]string) *Task {
	t := &Task{
		ID:         fields["id"],
		Text:       fields["text"],
		Status:     fields["status"],
		AssignedTo: fields["assignedTo"],
	}
	t.Priority = int(parseInt(fields["priority"]))
	t.CreatedAt = parseInt(fields["createdAt"])
	t.UpdatedAt = parseInt(fields["updatedAt"])
	t.ClaimedAt = parseInt(fields["claimedAt"])
	t.CompletedAt = parseInt(fields["completedAt"])
	t.DurationMs = parseInt(fields["durationMs"])
	if raw := fields["result"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &t.Result)
	}
	if raw := fields["metadata"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &t.Metadata)
	}
	return t
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		f, err := n.Float64()
		return int(f), err == nil
	default:
		return 0, false
	}
}

// mapScriptErr converts transition rejections into the error taxonomy.
func mapScriptErr(err error) error {
	var serr *store.ScriptError
	if !errors.As(err, &serr) {
		return err
	}
	reason := serr.Reason
	switch {
	case strings.Contains(reason, "not found"):
		return registry.WrapError(registry.KindNotFound, reason, err)
	case strings.Contains(reason, "already exists"):
		return registry.WrapError(registry.KindConflict, reason, err)
	default:
		return registry.WrapError(registry.KindPreconditionFailed, reason, err)
	}
}
