package handlers

import (
	"context"

	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/schema"
)

// Decision is a policy verdict on one hook request.
type Decision struct {
	Allow    bool
	Reason   string
	Modified map[string]any
}

// Policy decides hook requests. Implementations are installed at startup;
// the runtime treats the rule set as opaque.
type Policy interface {
	PreTool(ctx context.Context, tool string, params map[string]any) Decision
	PostTool(ctx context.Context, tool string, result map[string]any) Decision
	UserPrompt(ctx context.Context, prompt string) Decision
	TodoWrite(ctx context.Context, todos []any) Decision
}

// AllowAll is the default permissive policy.
type AllowAll struct{}

func (AllowAll) PreTool(context.Context, string, map[string]any) Decision {
	return Decision{Allow: true}
}
func (AllowAll) PostTool(context.Context, string, map[string]any) Decision {
	return Decision{Allow: true}
}
func (AllowAll) UserPrompt(context.Context, string) Decision {
	return Decision{Allow: true}
}
func (AllowAll) TodoWrite(context.Context, []any) Decision {
	return Decision{Allow: true}
}

func hookHandlers() []func(*registry.Registry, Deps) error {
	return []func(*registry.Registry, Deps) error{
		hookPreTool, hookPostTool, hookUserPrompt, hookTodoWrite,
	}
}

func (d Deps) policy() Policy {
	if d.Policy == nil {
		return AllowAll{}
	}
	return d.Policy
}

func decisionString(d Decision) string {
	if d.Allow {
		return "allow"
	}
	return "deny"
}

func hookPreTool(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "hook.pre_tool",
		Description: "Validate a tool call before execution",
		Input: schema.Shape{
			"tool":   schema.Str(true, 0),
			"params": {Kind: schema.Object},
		},
		Output: schema.Shape{
			"allow": {Kind: schema.Bool, Required: true},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		tool, _ := inv.Input["tool"].(string)
		params, _ := inv.Input["params"].(map[string]any)

		decision := deps.policy().PreTool(ctx, tool, params)
		deps.Auditor.RecordHookDecision(ctx, inv.EventType, inv.Actor,
			decisionString(decision), decision.Reason, map[string]any{"tool": tool})

		out := map[string]any{"allow": decision.Allow}
		if decision.Reason != "" {
			out["reason"] = decision.Reason
		}
		if decision.Modified != nil {
			out["modified"] = decision.Modified
		}
		return out, nil
	})
}

func hookPostTool(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "hook.post_tool",
		Description: "Inspect a tool result after execution",
		Input: schema.Shape{
			"tool":   schema.Str(true, 0),
			"result": {Kind: schema.Object},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		tool, _ := inv.Input["tool"].(string)
		result, _ := inv.Input["result"].(map[string]any)

		decision := deps.policy().PostTool(ctx, tool, result)
		deps.Auditor.RecordHookDecision(ctx, inv.EventType, inv.Actor,
			decisionString(decision), decision.Reason, map[string]any{"tool": tool})

		out := map[string]any{"processed": true, "allow": decision.Allow}
		if decision.Modified != nil {
			out["modified"] = decision.Modified
		}
		return out, nil
	})
}

func hookUserPrompt(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "hook.user_prompt",
		Description: "Screen a user prompt before handling",
		Input: schema.Shape{
			"prompt": schema.Str(true, 10000),
		},
		Output: schema.Shape{
			"allow": {Kind: schema.Bool, Required: true},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		prompt, _ := inv.Input["prompt"].(string)

		decision := deps.policy().UserPrompt(ctx, prompt)
		deps.Auditor.RecordHookDecision(ctx, inv.EventType, inv.Actor,
			decisionString(decision), decision.Reason, nil)

		out := map[string]any{"allow": decision.Allow}
		if decision.Reason != "" {
			out["reason"] = decision.Reason
		}
		if decision.Modified != nil {
			out["modified"] = decision.Modified
		}
		return out, nil
	})
}

func hookTodoWrite(reg *registry.Registry, deps Deps) error {
	return reg.Register(registry.Descriptor{
		Event:       "hook.todo_write",
		Description: "Record a todo-list mutation",
		Input: schema.Shape{
			"todos": {Kind: schema.Array, Required: true, MaxLen: 100},
		},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		todos, _ := inv.Input["todos"].([]any)

		decision := deps.policy().TodoWrite(ctx, todos)
		deps.Auditor.RecordHookDecision(ctx, inv.EventType, inv.Actor,
			decisionString(decision), decision.Reason, map[string]any{"count": len(todos)})

		return map[string]any{
			"processed": decision.Allow,
			"count":     len(todos),
		}, nil
	})
}
