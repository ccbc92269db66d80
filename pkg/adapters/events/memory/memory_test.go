package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxxentropy/claudeops/pkg/ports"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	handler := func(name string) ports.EventHandler {
		return func(context.Context, ports.Event) error {
			mu.Lock()
			received = append(received, name)
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, bus.Subscribe(ctx, ports.TopicExecution, handler("first")))
	require.NoError(t, bus.Subscribe(ctx, ports.TopicExecution, handler("second")))

	require.NoError(t, bus.Publish(ctx, ports.TopicExecution, ports.Event{
		ID:   "event-1",
		Type: ports.EventPhaseStarted,
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []string{"first", "second"}, received)
	mu.Unlock()
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	delivered := make(chan ports.Event, 1)
	require.NoError(t, bus.Subscribe(ctx, "other.topic", func(_ context.Context, e ports.Event) error {
		delivered <- e
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, ports.TopicExecution, ports.Event{ID: "event-1"}))

	select {
	case e := <-delivered:
		t.Fatalf("unexpected delivery: %s", e.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	bus := NewBus()
	subCtx, cancel := context.WithCancel(context.Background())

	delivered := make(chan ports.Event, 8)
	require.NoError(t, bus.Subscribe(subCtx, ports.TopicExecution, func(_ context.Context, e ports.Event) error {
		delivered <- e
		return nil
	}))

	cancel()

	// Removal happens asynchronously after the cancel.
	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subscribers[ports.TopicExecution]) == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), ports.TopicExecution, ports.Event{ID: "late"}))
	select {
	case e := <-delivered:
		t.Fatalf("unexpected delivery: %s", e.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseDropsSubscriptions(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Subscribe(context.Background(), ports.TopicExecution, func(context.Context, ports.Event) error {
		return nil
	}))
	require.NoError(t, bus.Close())

	bus.mu.RLock()
	defer bus.mu.RUnlock()
	assert.Empty(t, bus.subscribers)
}
