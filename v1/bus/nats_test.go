package bus

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) (*NATS, context.Context) {
	t.Helper()
	addr := os.Getenv("COWRITE_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATS(conn), context.Background()
}

func TestNATSPublishWatchFlowAndMetrics(t *testing.T) {
	b, ctx := newNATSBus(t)

	ch, err := b.Watch(ctx, "locks.doc1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := b.Publish(ctx, "locks.doc1", []byte("event")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if !bytes.Equal(msg, []byte("event")) {
			t.Fatalf("got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for payload")
	}
	m := b.Metrics()
	if m.Published != 1 {
		t.Fatalf("published = %d, want 1", m.Published)
	}
	if m.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", m.Delivered)
	}
}

func TestNATSUnwatchClosesChannel(t *testing.T) {
	b, ctx := newNATSBus(t)

	ch, err := b.Watch(ctx, "t")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := b.Unwatch(ctx, "t", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unwatch")
	}
}
