package handlers

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/fblgit/claudebench/internal/instance"
	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/schema"
	"github.com/fblgit/claudebench/internal/store"
)

func systemHandlers() []func(*registry.Registry, Deps) error {
	return []func(*registry.Registry, Deps) error{
		systemRegister, systemHeartbeat, systemHealth, systemGetState,
		systemMetrics, systemQuorumVote, systemBatchProcess,
	}
}

func systemRegister(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "system.register",
		Description: "Register an instance and contend for the leader lease",
		Input: schema.Shape{
			"id":    schema.Str(true, 0),
			"roles": {Kind: schema.Array, Elem: &schema.Field{Kind: schema.String}},
		},
		Output: schema.Shape{
			"registered": {Kind: schema.Bool, Required: true},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		id, _ := inv.Input["id"].(string)
		var roles []string
		if raw, ok := inv.Input["roles"].([]any); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					roles = append(roles, s)
				}
			}
		}
		becameLeader, err := deps.Instances.Register(ctx, id, roles)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"registered": true,
			"isLeader":   becameLeader,
		}, nil
	})
}

func systemHeartbeat(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "system.heartbeat",
		Description: "Refresh an instance's TTL and leader lease",
		Input: schema.Shape{
			"instanceId": schema.Str(true, 0),
		},
		Output: schema.Shape{
			"alive": {Kind: schema.Bool, Required: true},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		id, _ := inv.Input["instanceId"].(string)
		isLeader, err := deps.Instances.Heartbeat(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"alive":    true,
			"isLeader": isLeader,
		}, nil
	})
}

func systemHealth(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "system.health",
		Description: "Aggregate cluster health",
		CacheTTL:    time.Second,
		Fallback: map[string]any{
			"status":   "degraded",
			"services": map[string]any{},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		health, err := store.GetSystemHealth(ctx, deps.Store, time.Now(), time.Minute)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"status": health.Status,
			"services": map[string]any{
				"store": map[string]any{
					"status":    "up",
					"instances": health.Instances,
					"unhealthy": health.Unhealthy,
				},
				"bus": map[string]any{
					"status":      "up",
					"subscribers": deps.Bus.SubscriberCount(),
				},
			},
		}, nil
	})
}

func systemGetState(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "system.get_state",
		Description: "Snapshot of queue, instances and counters",
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		state, err := store.GetSystemState(ctx, deps.Store)
		if err != nil {
			return nil, err
		}
		infos, err := deps.Instances.List(ctx)
		if err != nil {
			return nil, err
		}
		instances := make([]any, 0, len(infos))
		for _, info := range infos {
			instances = append(instances, instanceMap(info))
		}
		recent, err := deps.Bus.Recent(ctx, "task.created", 10)
		if err != nil {
			return nil, err
		}
		events := make([]any, 0, len(recent))
		for _, ev := range recent {
			events = append(events, map[string]any{
				"id":      ev.ID,
				"type":    ev.Type,
				"payload": ev.Payload,
			})
		}
		return map[string]any{
			"tasks": map[string]any{
				"pending": state.PendingTasks,
			},
			"instances":    instances,
			"metrics":      toAnyMap(state.Metrics),
			"recentEvents": events,
		}, nil
	})
}

func systemMetrics(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "system.metrics",
		Description: "Runtime counters and latency percentiles",
		Input: schema.Shape{
			"event": {Kind: schema.String},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		global, err := deps.Store.HGetAll(ctx, store.KeyGlobalMetrics)
		if err != nil {
			return nil, err
		}
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		eventsProcessed := hashInt(global, "eventsProcessed")
		averageLatency := 0.0
		if eventsProcessed > 0 {
			averageLatency = float64(hashInt(global, "latencyMsTotal")) / float64(eventsProcessed)
		}
		out := map[string]any{
			"eventsProcessed": eventsProcessed,
			"tasksCompleted":  hashInt(global, "tasksCompleted"),
			"tasksFailed":     hashInt(global, "tasksFailed"),
			"averageLatency":  averageLatency,
			"memoryUsage":     mem.Alloc,
		}
		if event, _ := inv.Input["event"].(string); event != "" {
			p, err := metrics.LatencyPercentiles(ctx, deps.Store, event)
			if err != nil {
				return nil, err
			}
			out["latency"] = map[string]any{
				"count": p.Count,
				"p50":   p.P50,
				"p95":   p.P95,
				"p99":   p.P99,
			}
		}
		return out, nil
	})
}

func systemQuorumVote(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "system.quorum.vote",
		Description: "Cast a vote in a majority decision",
		Input: schema.Shape{
			"instanceId":     schema.Str(true, 0),
			"decision":       schema.Str(true, 0),
			"value":          schema.Str(true, 0),
			"totalInstances": {Kind: schema.Int, Min: schema.F(1)},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		instanceID, _ := inv.Input["instanceId"].(string)
		decision, _ := inv.Input["decision"].(string)
		value, _ := inv.Input["value"].(string)
		total, _ := inputInt(inv.Input, "totalInstances")

		res, err := deps.Coord.Vote(ctx, decision, instanceID, value, total)
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"voted":         res.Voted,
			"quorumReached": res.QuorumReached,
			"voteCount":     res.VoteCount,
		}
		if res.Decision != "" {
			out["finalDecision"] = res.Decision
		}
		return out, nil
	})
}

func systemBatchProcess(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "system.batch.process",
		Description: "Process a batch under the singleton lock",
		Input: schema.Shape{
			"batchId":    schema.Str(true, 0),
			"instanceId": schema.Str(true, 0),
			"items":      {Kind: schema.Array, Required: true, MaxLen: 1000},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		batchID, _ := inv.Input["batchId"].(string)
		instanceID, _ := inv.Input["instanceId"].(string)
		items, _ := inv.Input["items"].([]any)

		res, err := deps.Coord.Batch(ctx, instanceID, batchID, len(items), len(items))
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"processed":   res.LockAcquired,
			"processorId": res.CurrentProcessor,
		}
		if res.LockAcquired {
			out["itemsProcessed"] = res.Progress
		}
		return out, nil
	})
}

func instanceMap(info instance.Info) map[string]any {
	return map[string]any{
		"id":            info.ID,
		"roles":         info.Roles,
		"health":        info.Health,
		"lastHeartbeat": info.LastHeartbeat,
		"isLeader":      info.IsLeader,
	}
}

func toAnyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func hashInt(h map[string]string, field string) int64 {
	v, _ := strconv.ParseInt(h[field], 10, 64)
	return v
}
