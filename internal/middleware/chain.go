// Package middleware implements the cross-cutting envelope around every
// handler: rate limiting, timeout, circuit breaking, response caching,
// auditing, and measurement. Each concern is a registry.Middleware; the
// composition order is fixed here and assembled once at registration.
package middleware

import (
	"context"
	"time"

	"github.com/fblgit/claudebench/internal/audit"
	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/store"
)

// Defaults are the envelope-wide settings descriptors can override.
type Defaults struct {
	RateLimit      registry.RateLimit
	Timeout        time.Duration
	Circuit        CircuitConfig
	CacheLocalTTL  time.Duration
	LatencySamples bool
}

func DefaultDefaults() Defaults {
	return Defaults{
		RateLimit: registry.RateLimit{Limit: 100, Window: time.Second},
		Timeout:   30 * time.Second,
		Circuit:   DefaultCircuitConfig(),
		// Local cache entries expire well before the store tier so a
		// multi-pod deployment converges on the store's copy.
		CacheLocalTTL:  5 * time.Second,
		LatencySamples: true,
	}
}

// AuditSink mirrors audit entries into durable storage off the request path.
// persist.Sink implements it.
type AuditSink interface {
	SaveAudit(ctx context.Context, e audit.Entry) error
}

// Deps are the injected services the middlewares share.
type Deps struct {
	Store    store.Store
	Auditor  *audit.Auditor
	AuditLog AuditSink
	Metrics  *metrics.Metrics
	Defaults Defaults
	Breakers *Breakers
}

// Envelope returns the fixed-order middleware stack, outermost first:
// rate-limit -> timeout -> circuit -> cache -> audit -> measured -> body.
func Envelope(deps Deps) []registry.Middleware {
	if deps.Breakers == nil {
		deps.Breakers = NewBreakers(deps.Defaults.Circuit, deps.Store, deps.Metrics)
	}
	return []registry.Middleware{
		RateLimit(deps),
		Timeout(deps),
		Circuit(deps),
		Cache(deps),
		Audit(deps),
		Measured(deps),
	}
}
