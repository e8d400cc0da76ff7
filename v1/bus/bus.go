// Package bus provides the payload-carrying pub/sub used to push lock and
// presence events to interested UI layers. Delivery is best-effort: a missed
// event only delays a refresh, the lock and session managers remain the
// source of truth. Implementations exist for local memory, Redis pub/sub,
// NATS and Kafka.
package bus

import "context"

// Bus delivers opaque payloads published on a topic to every watcher of that
// topic.
type Bus interface {
	// Publish sends data to all watchers of topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Watch subscribes to topic. The returned channel receives payloads until
	// the context is canceled or Unwatch is called.
	Watch(ctx context.Context, topic string) (chan []byte, error)
	// Unwatch stops delivering topic payloads to ch.
	Unwatch(ctx context.Context, topic string, ch chan []byte) error
}

// Metrics reports how many payloads a bus published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}
