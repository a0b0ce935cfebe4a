package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fblgit/claudebench/internal/store"
)

func TestPublishFansOutToMatchingSubscribers(t *testing.T) {
	b := New(store.NewMemoryStore())

	all := b.Subscribe()
	tasks := b.Subscribe("task.*")
	created := b.Subscribe("task.created")
	system := b.Subscribe("system.health")
	defer all.Close()
	defer tasks.Close()
	defer created.Close()
	defer system.Close()

	require.NoError(t, b.Publish(context.Background(), Event{
		Type:    "task.created",
		Payload: map[string]any{"id": "t-1"},
	}))

	for _, sub := range []*Subscription{all, tasks, created} {
		select {
		case ev := <-sub.C():
			assert.Equal(t, "task.created", ev.Type)
			assert.Equal(t, "t-1", ev.Payload["id"])
			assert.NotEmpty(t, ev.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
	select {
	case ev := <-system.C():
		t.Fatalf("unexpected delivery to system subscriber: %v", ev.Type)
	default:
	}
}

func TestCloseIsDeterministic(t *testing.T) {
	b := New(store.NewMemoryStore())
	sub := b.Subscribe("task.*")
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	// No events arrive after Close; the channel is closed.
	require.NoError(t, b.Publish(context.Background(), Event{Type: "task.created"}))
	_, open := <-sub.C()
	assert.False(t, open)

	// Close is idempotent.
	sub.Close()
}

func TestRecentReadsBackFromStream(t *testing.T) {
	b := New(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, Event{
			Type:    "task.created",
			Payload: map[string]any{"n": i},
		}))
	}
	events, err := b.Recent(ctx, "task.created", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "task.created", events[0].Type)
	assert.EqualValues(t, 0, events[0].Payload["n"])
}

func TestFullSubscriberBufferDropsNotBlocks(t *testing.T) {
	b := New(store.NewMemoryStore())
	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = b.Publish(context.Background(), Event{Type: "task.created"})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSSEFormat(t *testing.T) {
	ev := Event{
		ID:        "abc",
		Type:      "task.created",
		Payload:   map[string]any{"id": "t-1"},
		Timestamp: time.Now(),
	}
	frame, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "event: task.created\n")
	assert.Contains(t, string(frame), "id: abc\n")
	assert.Contains(t, string(frame), `"t-1"`)
}
