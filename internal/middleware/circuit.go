package middleware

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fblgit/claudebench/internal/audit"
	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/store"
)

// CircuitState is the per-event breaker state.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// CircuitConfig tunes one breaker.
type CircuitConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	OpenTimeout       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	HalfOpenLimit     int
}

func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold:  5,
		SuccessThreshold:  3,
		OpenTimeout:       30 * time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Minute,
		HalfOpenLimit:     3,
	}
}

// Breaker is the state machine protecting one event. Open windows back off
// exponentially: timeout * multiplier^(attempts-1).
type Breaker struct {
	event string
	cfg   CircuitConfig
	store store.Store
	met   *metrics.Metrics

	mu               sync.Mutex
	state            CircuitState
	failures         int
	successes        int
	openedAt         time.Time
	attempts         int
	halfOpenInFlight int
	now              func() time.Time
}

// Allow admits or rejects a call. probe is true when the call is a half-open
// probe whose slot must be released by OnSuccess/OnNeutral/failure.
func (b *Breaker) Allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.backoff() {
			return false, registry.Errorf(registry.KindCircuitOpen,
				"circuit open for %s", b.event).WithData(map[string]any{
				"openedAt":  b.openedAt.UTC().Format(time.RFC3339),
				"backoffMs": b.backoff().Milliseconds(),
			})
		}
		b.transition(StateHalfOpen)
		b.successes = 0
		b.halfOpenInFlight = 0
		fallthrough
	default: // StateHalfOpen
		if b.halfOpenInFlight >= b.cfg.HalfOpenLimit {
			return false, registry.Errorf(registry.KindHalfOpenLimit,
				"half-open probe limit reached for %s", b.event)
		}
		b.halfOpenInFlight++
		return true, nil
	}
}

// OnSuccess records a successful body; closing happens after the configured
// run of half-open probe successes.
func (b *Breaker) OnSuccess(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if probe {
			b.halfOpenInFlight--
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.openedAt = time.Time{}
			b.attempts = 0
			b.transition(StateClosed)
		}
	}
}

// OnFailure records a server-side failure of the given class
// (timeout, error, rejection).
func (b *Breaker) OnFailure(class string) {
	b.failureWithProbe(false, class)
}

// OnProbeFailure records a failed half-open probe.
func (b *Breaker) OnProbeFailure(class string) {
	b.failureWithProbe(true, class)
}

func (b *Breaker) failureWithProbe(probe bool, class string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.met != nil {
		b.met.CircuitFailures.WithLabelValues(b.event, class).Inc()
	}
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		if probe {
			b.halfOpenInFlight--
		}
		b.open()
	}
}

// OnNeutral releases a probe slot without counting either way. Used for
// outcomes excluded from failure accounting (input validation) and for
// bodies whose timeout was already counted by the timeout middleware.
func (b *Breaker) OnNeutral(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe && b.state == StateHalfOpen {
		b.halfOpenInFlight--
	}
}

// State reports the current state. The open->half-open transition is lazy
// and happens in Allow; reads never consume probe slots.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the closed-state failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// open transitions to OPEN. Caller holds the lock.
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.attempts++
	b.failures = 0
	b.successes = 0
	b.transition(StateOpen)
}

func (b *Breaker) backoff() time.Duration {
	d := time.Duration(float64(b.cfg.OpenTimeout) *
		math.Pow(b.cfg.BackoffMultiplier, float64(b.attempts-1)))
	if b.cfg.MaxBackoff > 0 && d > b.cfg.MaxBackoff {
		d = b.cfg.MaxBackoff
	}
	return d
}

// transition flips state, mirrors it to the store, and emits the gauge and
// an alert log. Caller holds the lock.
func (b *Breaker) transition(next CircuitState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	slog.Warn("[Circuit] State change", "event", b.event, "from", prev.String(), "to", next.String())
	if b.met != nil {
		b.met.CircuitState.WithLabelValues(b.event).Set(float64(next))
	}
	if b.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		fields := map[string]string{
			"state":    next.String(),
			"failures": "0",
		}
		if next == StateOpen {
			fields["openedAt"] = b.openedAt.UTC().Format(time.RFC3339)
		}
		if err := b.store.HSet(ctx, store.CircuitKey(b.event), fields); err != nil {
			slog.Warn("[Circuit] State mirror failed", "event", b.event, "error", err)
		}
	}
}

// Breakers is the per-event breaker table.
type Breakers struct {
	mu  sync.RWMutex
	m   map[string]*Breaker
	cfg CircuitConfig
	st  store.Store
	met *metrics.Metrics
}

func NewBreakers(cfg CircuitConfig, st store.Store, met *metrics.Metrics) *Breakers {
	return &Breakers{
		m:   make(map[string]*Breaker),
		cfg: cfg,
		st:  st,
		met: met,
	}
}

// Get returns the breaker for an event, creating it on first use.
func (bs *Breakers) Get(event string) *Breaker {
	bs.mu.RLock()
	b, ok := bs.m[event]
	bs.mu.RUnlock()
	if ok {
		return b
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok = bs.m[event]; ok {
		return b
	}
	b = &Breaker{
		event: event,
		cfg:   bs.cfg,
		store: bs.st,
		met:   bs.met,
		now:   time.Now,
	}
	bs.m[event] = b
	return b
}

// Circuit is the per-event circuit-breaker middleware. Failure kinds the
// taxonomy excludes (invalid input, not found) release any probe slot
// without counting; timeouts surfaced by the outer timeout middleware were
// counted there and are treated as neutral here.
func Circuit(deps Deps) registry.Middleware {
	return func(d *registry.Descriptor, next registry.Handler) registry.Handler {
		return func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
			b := deps.Breakers.Get(d.Event)
			probe, err := b.Allow()
			if err != nil {
				if deps.Metrics != nil {
					deps.Metrics.CircuitFailures.WithLabelValues(
						d.Event, registry.KindOf(err).FailureClass()).Inc()
				}
				if d.Fallback != nil && registry.KindOf(err) == registry.KindCircuitOpen {
					if deps.Auditor != nil {
						deps.Auditor.Record(ctx, audit.Entry{
							Action:   d.Event,
							Actor:    inv.Actor,
							Resource: d.Event,
							Result:   audit.ResultBlocked,
							Reason:   err.Error(),
							Metadata: map[string]any{"fallback": true},
						})
					}
					return d.Fallback, nil
				}
				return nil, err
			}

			out, err := next(ctx, inv)
			switch {
			case err == nil:
				b.OnSuccess(probe)
			case ctx.Err() == context.DeadlineExceeded:
				// The timeout middleware already counted this one.
				b.OnNeutral(probe)
			case !registry.KindOf(err).CountsAgainstCircuit():
				b.OnNeutral(probe)
			case probe:
				b.OnProbeFailure(registry.KindOf(err).FailureClass())
			default:
				b.OnFailure(registry.KindOf(err).FailureClass())
			}
			return out, err
		}
	}
}
