package memory

import (
	"context"
	"sync"

	"github.com/maxxentropy/claudeops/pkg/ports"
)

type subscription struct {
	handler ports.EventHandler
}

// Bus is an in-process EventBus. Handlers run asynchronously; delivery
// is best-effort and handler errors are dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription
}

// NewBus creates an empty in-memory event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]*subscription),
	}
}

// Publish delivers the event to every subscriber of the topic.
func (b *Bus) Publish(ctx context.Context, topic string, event ports.Event) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		go func(s *subscription) {
			_ = s.handler(ctx, event)
		}(sub)
	}
	return nil
}

// Subscribe registers a handler for a topic until the context ends.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	sub := &subscription{handler: handler}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(topic, sub)
	}()

	return nil
}

// Close drops all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]*subscription)
	return nil
}

func (b *Bus) remove(topic string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]
	for i, s := range subs {
		if s == sub {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
