// Package registry resolves dotted event names onto handlers and drives the
// dispatch pipeline: middleware envelope, I/O shape validation, context
// construction, invocation, and outcome accounting.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fblgit/claudebench/internal/audit"
	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/schema"
	"github.com/fblgit/claudebench/internal/store"
)

// RateLimit is the per-descriptor sliding-window budget.
type RateLimit struct {
	Limit          int
	Window         time.Duration
	SkipSuccessful bool
	SkipFailed     bool
}

// Descriptor declares one handler. Registered at startup, immutable after.
type Descriptor struct {
	Event       string
	Description string
	Input       schema.Shape
	Output      schema.Shape
	Persist     bool
	Roles       []string

	// RateLimit overrides the envelope default when set.
	RateLimit *RateLimit
	// Timeout overrides the envelope default when positive.
	Timeout time.Duration
	// CacheTTL opts the handler into the response cache.
	CacheTTL time.Duration
	// Fallback, when set, is served instead of circuit-open and timeout
	// errors; the call is still recorded as blocked.
	Fallback map[string]any
}

// Invocation is the request-scoped context a handler body receives. Handlers
// see no transport details.
type Invocation struct {
	Store      store.Store
	Bus        *bus.Bus
	EventID    string
	EventType  string
	Actor      string
	InstanceID string
	Time       time.Time
	Persist    bool
	Input      map[string]any
	Meta       map[string]any
}

// Publish emits an event on the bus with the invocation id attached.
func (inv *Invocation) Publish(ctx context.Context, eventType string, payload map[string]any) error {
	return inv.Bus.Publish(ctx, bus.Event{
		Type:    eventType,
		Payload: payload,
		Meta:    map[string]any{"causedBy": inv.EventID},
	})
}

// Handler is the unit of dispatch after enveloping.
type Handler func(ctx context.Context, inv *Invocation) (map[string]any, error)

// Middleware transforms a handler; the envelope is a fixed-order stack of
// these applied at registration.
type Middleware func(*Descriptor, Handler) Handler

// Options wires the registry's injected services.
type Options struct {
	Store      store.Store
	Bus        *bus.Bus
	Auditor    *audit.Auditor
	Metrics    *metrics.Metrics
	InstanceID string
	// Envelope is applied outermost-first around every handler body.
	Envelope []Middleware
}

type entry struct {
	descriptor *Descriptor
	handler    Handler
}

// Registry is the handler table plus dispatcher.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*entry
	opts     Options
}

func New(opts Options) *Registry {
	return &Registry{
		handlers: make(map[string]*entry),
		opts:     opts,
	}
}

// Register installs a handler under its event name. Duplicate registration
// is an error.
func (r *Registry) Register(d Descriptor, fn Handler) error {
	if d.Event == "" {
		return fmt.Errorf("registry: descriptor has no event name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[d.Event]; dup {
		return fmt.Errorf("registry: %s already registered", d.Event)
	}

	body := r.validatedBody(&d, fn)
	h := body
	for i := len(r.opts.Envelope) - 1; i >= 0; i-- {
		h = r.opts.Envelope[i](&d, h)
	}
	r.handlers[d.Event] = &entry{descriptor: &d, handler: h}
	slog.Info("[Registry] Registered handler", "event", d.Event, "persist", d.Persist)
	return nil
}

// validatedBody wraps the raw handler with input/output shape validation.
// Input violations are client errors and never feed the circuit; output
// violations are server errors and do.
func (r *Registry) validatedBody(d *Descriptor, fn Handler) Handler {
	return func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		if d.Input != nil {
			inv.Input = d.Input.ApplyDefaults(inv.Input)
			if err := d.Input.Validate(inv.Input); err != nil {
				ve, _ := err.(*schema.ValidationError)
				derr := WrapError(KindInvalidInput, "invalid params", err)
				if ve != nil {
					derr.Data = map[string]any{"path": ve.Path, "reason": ve.Reason}
				}
				return nil, derr
			}
		}
		out, err := fn(ctx, inv)
		if err != nil {
			return nil, err
		}
		if d.Output != nil {
			if err := d.Output.Validate(out); err != nil {
				return nil, WrapError(KindInternal, "handler output violates shape", err)
			}
		}
		return out, nil
	}
}

// Descriptors lists the registered descriptors, for introspection surfaces.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.handlers))
	for _, e := range r.handlers {
		out = append(out, e.descriptor)
	}
	return out
}

// Dispatch resolves and invokes the handler for an event. Errors are always
// *Error; unknown events map to method-not-found.
func (r *Registry) Dispatch(ctx context.Context, event string, params map[string]any, actor string) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.handlers[event]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(KindMethodNotFound, "no handler for %q", event)
	}
	if actor == "" {
		actor = "anonymous"
	}

	inv := &Invocation{
		Store:      r.opts.Store,
		Bus:        r.opts.Bus,
		EventID:    uuid.New().String(),
		EventType:  event,
		Actor:      actor,
		InstanceID: r.opts.InstanceID,
		Time:       time.Now(),
		Persist:    e.descriptor.Persist,
		Input:      params,
		Meta:       make(map[string]any),
	}

	out, err := e.handler(ctx, inv)

	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
		r.auditRejection(ctx, event, actor, err)
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RequestsTotal.WithLabelValues(event, outcome).Inc()
	}
	return out, err
}

// auditRejection records envelope rejections the inner audit middleware
// never observed. Body failures are audited by the middleware itself.
func (r *Registry) auditRejection(ctx context.Context, event, actor string, err error) {
	if r.opts.Auditor == nil {
		return
	}
	var result audit.Result
	switch KindOf(err) {
	case KindRateLimited, KindCircuitOpen, KindHalfOpenLimit:
		result = audit.ResultBlocked
	case KindTimeout:
		result = audit.ResultTimeout
	default:
		return
	}
	r.opts.Auditor.Record(ctx, audit.Entry{
		Action:   event,
		Actor:    actor,
		Resource: event,
		Result:   result,
		Reason:   err.Error(),
	})
}
