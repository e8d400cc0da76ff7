package bus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*Redis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client), context.Background()
}

func TestRedisPublishWatchFlow(t *testing.T) {
	b, ctx := newRedisBus(t)

	ch, err := b.Watch(ctx, "presence:doc1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := b.Publish(ctx, "presence:doc1", []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if !bytes.Equal(msg, []byte("payload")) {
			t.Fatalf("got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for payload")
	}
	if m := b.Metrics(); m.Published != 1 {
		t.Fatalf("published = %d, want 1", m.Published)
	}
}

func TestRedisMultipleWatchersShareSubscription(t *testing.T) {
	b, ctx := newRedisBus(t)

	ch1, err := b.Watch(ctx, "t")
	if err != nil {
		t.Fatalf("watch 1: %v", err)
	}
	ch2, err := b.Watch(ctx, "t")
	if err != nil {
		t.Fatalf("watch 2: %v", err)
	}
	if err := b.Publish(ctx, "t", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range []chan []byte{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("watcher %d got no payload", i+1)
		}
	}

	if err := b.Unwatch(ctx, "t", ch1); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if err := b.Unwatch(ctx, "t", ch2); err != nil {
		t.Fatalf("unwatch last: %v", err)
	}
	b.mu.Lock()
	if len(b.subs) != 0 {
		b.mu.Unlock()
		t.Fatal("subscription not cleaned up after last unwatch")
	}
	b.mu.Unlock()
}
