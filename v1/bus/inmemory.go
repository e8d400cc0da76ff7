package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// InMemory is a local implementation of Bus. It is the default for
// single-process deployments and tests.
type InMemory struct {
	mu        sync.Mutex
	subs      map[string][]chan []byte
	published uint64
	delivered uint64
}

// NewInMemory returns a new InMemory bus.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string][]chan []byte)}
}

// Publish implements Bus.Publish. Watchers with a full buffer are skipped
// rather than blocked on. Fan-out stays under the mutex so a channel being
// closed by Unwatch can never be sent to; the sends never block.
func (b *InMemory) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	atomic.AddUint64(&b.published, 1)
	b.mu.Lock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- data:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Watch implements Bus.Watch.
func (b *InMemory) Watch(ctx context.Context, topic string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unwatch implements Bus.Unwatch.
func (b *InMemory) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[topic] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	return nil
}

// Watchers returns the number of channels currently watching a topic.
func (b *InMemory) Watchers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Metrics returns the published and delivered counts.
func (b *InMemory) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
