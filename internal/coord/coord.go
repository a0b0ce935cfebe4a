// Package coord exposes the cross-instance coordination primitives: quorum
// voting, exactly-once event delivery, and singleton batch processing.
package coord

import (
	"context"
	"log/slog"
	"time"

	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/store"
)

// Options tunes the coordination service.
type Options struct {
	BatchLockTTL time.Duration
	GossipWindow time.Duration
}

// Service wraps the coordination transitions with validation and events.
type Service struct {
	store store.Store
	bus   *bus.Bus
	met   *metrics.Metrics
	opts  Options
	now   func() time.Time
}

func New(st store.Store, b *bus.Bus, met *metrics.Metrics, opts Options) *Service {
	if opts.BatchLockTTL <= 0 {
		opts.BatchLockTTL = 30 * time.Second
	}
	if opts.GossipWindow <= 0 {
		opts.GossipWindow = time.Minute
	}
	return &Service{store: st, bus: b, met: met, opts: opts, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Vote casts one vote in a named decision. The quorum threshold is a strict
// majority of totalInstances, defaulting to the currently registered count;
// once reached the decision latches and later votes see the latched value.
func (s *Service) Vote(ctx context.Context, decision, voterID, value string, totalInstances int) (*store.VoteResult, error) {
	if decision == "" || voterID == "" || value == "" {
		return nil, registry.Errorf(registry.KindInvalidInput,
			"decision, voter and value are required")
	}
	if totalInstances <= 0 {
		n, err := s.store.SCard(ctx, store.KeyInstancesSet)
		if err != nil {
			return nil, err
		}
		totalInstances = int(n)
	}
	if totalInstances == 0 {
		return nil, registry.Errorf(registry.KindPreconditionFailed,
			"no registered instances to form a quorum")
	}
	res, err := store.QuorumVote(ctx, s.store, decision, voterID, value, totalInstances, s.now())
	if err != nil {
		return nil, err
	}
	if res.QuorumReached && res.Voted {
		slog.Info("[Coord] Quorum reached", "decision", decision, "value", res.Decision, "votes", res.VoteCount)
		s.publish(ctx, "system.quorum_reached", map[string]any{
			"decision": decision,
			"value":    res.Decision,
			"votes":    res.VoteCount,
		})
	}
	return res, nil
}

// Deduplicate claims an event id for exactly-once processing. The first call
// for an id wins; repeats are counted and flagged.
func (s *Service) Deduplicate(ctx context.Context, eventID string) (*store.DedupResult, error) {
	if eventID == "" {
		return nil, registry.Errorf(registry.KindInvalidInput, "eventId is required")
	}
	return store.ExactlyOnceDelivery(ctx, s.store, eventID)
}

// Batch try-acquires the singleton batch lock and, for the holder, advances
// progress by increment. Non-holders learn who is processing.
func (s *Service) Batch(ctx context.Context, processorID, batchID string, total, increment int) (*store.BatchResult, error) {
	if processorID == "" || batchID == "" {
		return nil, registry.Errorf(registry.KindInvalidInput,
			"processorId and batchId are required")
	}
	if total <= 0 {
		return nil, registry.Errorf(registry.KindInvalidInput, "total must be positive")
	}
	res, err := store.CoordinateBatch(ctx, s.store, processorID, batchID, total, s.opts.BatchLockTTL, increment)
	if err != nil {
		return nil, err
	}
	if res.LockAcquired && res.Progress >= res.Total && res.Total > 0 {
		slog.Info("[Coord] Batch complete", "batch", batchID, "processor", processorID)
		s.publish(ctx, "system.batch_completed", map[string]any{
			"batchId":   batchID,
			"processor": processorID,
			"total":     res.Total,
		})
	}
	return res, nil
}

func (s *Service) publish(ctx context.Context, eventType string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, bus.Event{Type: eventType, Payload: payload}); err != nil {
		slog.Warn("[Coord] Publish failed", "type", eventType, "error", err)
	}
	if s.met != nil {
		s.met.EventsPublished.WithLabelValues(eventType).Inc()
	}
}
