// Package bus publishes typed events onto per-type streams and fans them out
// to in-process subscribers. Stream delivery is at-least-once; in-process
// delivery is best-effort (full subscriber buffers drop).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fblgit/claudebench/internal/store"
)

// Event is the envelope carried on every stream.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SSEFormat renders the event as a Server-Sent Events frame.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Subscription is a closable handle onto the bus. Closing it deterministically
// removes the subscriber; no events arrive after Close returns.
type Subscription struct {
	id       int64
	patterns []string
	ch       chan Event
	bus      *Bus
	once     sync.Once
}

// C is the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.ch)
	})
}

// matches reports whether the subscription wants the given event type.
// Patterns are exact types or domain prefixes like "task.*".
func (s *Subscription) matches(eventType string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		if p == eventType {
			return true
		}
		if domain, ok := strings.CutSuffix(p, ".*"); ok && strings.HasPrefix(eventType, domain+".") {
			return true
		}
	}
	return false
}

// Bus appends events to bounded per-type streams in the store and notifies
// in-process subscribers.
type Bus struct {
	store     store.Store
	maxStream int64

	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64
}

const defaultStreamMaxLen = 1000

func New(st store.Store) *Bus {
	return &Bus{
		store:     st,
		maxStream: defaultStreamMaxLen,
		subs:      make(map[int64]*Subscription),
	}
}

// Publish appends the event to cb:stream:<type> and fans out locally.
// An ID and timestamp are assigned when missing.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	values := map[string]string{
		"id":      event.ID,
		"type":    event.Type,
		"payload": string(payload),
		"ts":      event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if event.Meta != nil {
		meta, err := json.Marshal(event.Meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		values["meta"] = string(meta)
	}
	if _, err := b.store.XAdd(ctx, store.StreamKey(event.Type), b.maxStream, values); err != nil {
		return fmt.Errorf("append %s: %w", event.Type, err)
	}

	b.deliverLocal(event)
	return nil
}

// Subscribe registers for the given event types or domain prefixes. No
// patterns means all events.
func (b *Bus) Subscribe(patterns ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		patterns: patterns,
		ch:       make(chan Event, 64),
		bus:      b,
	}
	b.subs[sub.id] = sub
	return sub
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Recent returns up to count events from the stream of one type, oldest first.
func (b *Bus) Recent(ctx context.Context, eventType string, count int64) ([]Event, error) {
	entries, err := b.store.XRange(ctx, store.StreamKey(eventType), count)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(entries))
	for _, entry := range entries {
		ev := Event{ID: entry.Values["id"], Type: entry.Values["type"]}
		if raw := entry.Values["payload"]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &ev.Payload)
		}
		if raw := entry.Values["meta"]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &ev.Meta)
		}
		if ts, err := time.Parse(time.RFC3339Nano, entry.Values["ts"]); err == nil {
			ev.Timestamp = ts
		}
		out = append(out, ev)
	}
	return out, nil
}

func (b *Bus) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *Bus) deliverLocal(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			slog.Warn("[Bus] Subscriber buffer full, dropping", "type", event.Type)
		}
	}
}
