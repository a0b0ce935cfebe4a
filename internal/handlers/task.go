package handlers

import (
	"context"

	"github.com/fblgit/claudebench/internal/queue"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/schema"
)

func taskHandlers() []func(*registry.Registry, Deps) error {
	return []func(*registry.Registry, Deps) error{
		taskCreate, taskUpdate, taskAssign, taskClaim, taskComplete, taskList,
	}
}

// taskMap flattens a task record into a response payload.
func taskMap(t *queue.Task) map[string]any {
	out := map[string]any{
		"id":        t.ID,
		"text":      t.Text,
		"status":    t.Status,
		"priority":  t.Priority,
		"createdAt": t.CreatedAt,
	}
	if t.AssignedTo != "" {
		out["assignedTo"] = t.AssignedTo
	}
	if t.UpdatedAt != 0 {
		out["updatedAt"] = t.UpdatedAt
	}
	if t.ClaimedAt != 0 {
		out["claimedAt"] = t.ClaimedAt
	}
	if t.CompletedAt != 0 {
		out["completedAt"] = t.CompletedAt
	}
	if t.DurationMs != 0 {
		out["durationMs"] = t.DurationMs
	}
	if t.Result != nil {
		out["result"] = t.Result
	}
	if t.Metadata != nil {
		out["metadata"] = t.Metadata
	}
	return out
}

func taskCreate(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "task.create",
		Description: "Create a task and enqueue it by priority",
		Persist:     true,
		Input: schema.Shape{
			"id": {Kind: schema.String},
			// Min catches the empty string at the schema boundary so the
			// rejection carries the field path.
			"text":     {Kind: schema.String, Required: true, Min: schema.F(1), MaxLen: 500},
			"priority": schema.IntRange(false, 0, 100),
			"metadata": {Kind: schema.Object},
		},
		Output: schema.Shape{
			"id":        schema.Str(true, 0),
			"text":      schema.Str(true, 0),
			"status":    schema.Str(true, 0),
			"priority":  schema.IntRange(true, 0, 100),
			"createdAt": {Kind: schema.Int, Required: true},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		id, _ := inv.Input["id"].(string)
		text, _ := inv.Input["text"].(string)
		var priority *int
		if p, ok := inputInt(inv.Input, "priority"); ok {
			priority = &p
		}
		metadata, _ := inv.Input["metadata"].(map[string]any)

		task, err := deps.Queue.Create(ctx, id, text, priority, metadata)
		if err != nil {
			return nil, err
		}
		if inv.Persist {
			deps.Sink.SaveTaskAsync(task)
		}
		return taskMap(task), nil
	})
}

func taskUpdate(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "task.update",
		Description: "Apply a partial update to a task",
		Input: schema.Shape{
			"id": schema.Str(true, 0),
			"updates": {Kind: schema.Object, Required: true, Fields: schema.Shape{
				"text":     schema.Str(false, 500),
				"status":   {Kind: schema.String, Enum: []string{queue.StatusPending, queue.StatusInProgress, queue.StatusCompleted, queue.StatusFailed}},
				"priority": schema.IntRange(false, 0, 100),
				"metadata": {Kind: schema.Object},
			}},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		id, _ := inv.Input["id"].(string)
		updates, _ := inv.Input["updates"].(map[string]any)
		task, err := deps.Queue.Update(ctx, id, updates)
		if err != nil {
			return nil, err
		}
		deps.Sink.SaveTaskAsync(task)
		return taskMap(task), nil
	})
}

func taskAssign(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "task.assign",
		Description: "Hand a task directly to an instance",
		Input: schema.Shape{
			"taskId":     schema.Str(true, 0),
			"instanceId": schema.Str(true, 0),
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		taskID, _ := inv.Input["taskId"].(string)
		instanceID, _ := inv.Input["instanceId"].(string)
		task, err := deps.Queue.Assign(ctx, taskID, instanceID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"taskId":     task.ID,
			"instanceId": instanceID,
			"assignedAt": task.UpdatedAt,
		}, nil
	})
}

func taskClaim(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "task.claim",
		Description: "Claim the highest-priority pending task",
		Input: schema.Shape{
			"workerId": schema.Str(true, 0),
			"maxTasks": {Kind: schema.Int, Min: schema.F(1), Max: schema.F(10), Default: 1},
		},
		Output: schema.Shape{
			"claimed": {Kind: schema.Bool, Required: true},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		workerID, _ := inv.Input["workerId"].(string)
		maxTasks, _ := inputInt(inv.Input, "maxTasks")

		task, claimed, err := deps.Queue.Claim(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			return map[string]any{"claimed": false}, nil
		}
		// Extra capacity pulls more work into the worker's local list.
		if maxTasks > 1 {
			if _, err := deps.Queue.AutoAssign(ctx, workerID, maxTasks-1); err != nil {
				return nil, err
			}
		}
		return map[string]any{
			"claimed": true,
			"taskId":  task.ID,
			"task":    taskMap(task),
		}, nil
	})
}

func taskComplete(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "task.complete",
		Description: "Finish an in-progress task",
		Persist:     true,
		Input: schema.Shape{
			"id":     {Kind: schema.String},
			"taskId": {Kind: schema.String},
			"result": {Kind: schema.Object},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		id, _ := inv.Input["id"].(string)
		if id == "" {
			id, _ = inv.Input["taskId"].(string)
		}
		if id == "" {
			return nil, registry.Errorf(registry.KindInvalidInput, "id is required")
		}
		result, _ := inv.Input["result"].(map[string]any)

		task, err := deps.Queue.Complete(ctx, id, result)
		if err != nil {
			return nil, err
		}
		if inv.Persist {
			deps.Sink.SaveTaskAsync(task)
		}
		return map[string]any{
			"id":          task.ID,
			"status":      task.Status,
			"completedAt": task.CompletedAt,
		}, nil
	})
}

func taskList(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "task.list",
		Description: "List tasks, newest first",
		Input: schema.Shape{
			"status":     {Kind: schema.String, Enum: []string{queue.StatusPending, queue.StatusInProgress, queue.StatusCompleted, queue.StatusFailed}},
			"assignedTo": {Kind: schema.String},
			"limit":      {Kind: schema.Int, Min: schema.F(1), Max: schema.F(100), Default: 25},
			"offset":     {Kind: schema.Int, Min: schema.F(0)},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		status, _ := inv.Input["status"].(string)
		assignedTo, _ := inv.Input["assignedTo"].(string)
		limit, _ := inputInt(inv.Input, "limit")
		offset, _ := inputInt(inv.Input, "offset")

		// Fetch one past the page to learn whether more remain.
		tasks, err := deps.Queue.List(ctx, queue.ListFilter{
			Status:     status,
			AssignedTo: assignedTo,
			Limit:      limit + 1,
			Offset:     offset,
		})
		if err != nil {
			return nil, err
		}
		hasMore := len(tasks) > limit
		if hasMore {
			tasks = tasks[:limit]
		}
		items := make([]any, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, taskMap(t))
		}
		return map[string]any{
			"tasks":      items,
			"totalCount": len(items),
			"hasMore":    hasMore,
		}, nil
	})
}

func inputInt(input map[string]any, key string) (int, bool) {
	switch v := input[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
