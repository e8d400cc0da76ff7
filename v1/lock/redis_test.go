package lock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/penlab/go-cowrite/v1/bus"
	"github.com/penlab/go-cowrite/v1/lease"
)

func newRedisManager(t *testing.T, clock lease.Clock, opts ...Option) *Redis {
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
	opts = append([]Option{WithClock(clock), WithTTL(300 * time.Second)}, opts...)
	m, err := NewRedis(client, opts...)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	return m
}

func TestRedisContendedSectionLifecycle(t *testing.T) {
	start := time.Unix(0, 0)
	clock := lease.NewManualClock(start)
	m := newRedisManager(t, clock)
	ctx := context.Background()

	grantA, err := m.Acquire(ctx, "s1", "doc", "alice")
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	if grantA.LockID == "" {
		t.Fatal("grant should carry a lock ID")
	}

	clock.Set(start.Add(100 * time.Second))
	var held *HeldError
	if _, err := m.Acquire(ctx, "s1", "doc", "bob"); !errors.As(err, &held) || held.Holder != "alice" {
		t.Fatalf("acquire B = %v, want held by alice", err)
	}

	exp, err := m.Heartbeat(ctx, "s1", "alice", grantA.LockID)
	if err != nil {
		t.Fatalf("heartbeat A: %v", err)
	}
	if !exp.Equal(start.Add(400 * time.Second)) {
		t.Fatalf("heartbeat expiry = %v, want t=400s", exp)
	}

	clock.Set(start.Add(350 * time.Second))
	if _, err := m.Acquire(ctx, "s1", "doc", "bob"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("acquire B at t=350 = %v, want held", err)
	}

	clock.Set(start.Add(450 * time.Second))
	grantB, err := m.Acquire(ctx, "s1", "doc", "bob")
	if err != nil {
		t.Fatalf("acquire B at t=450: %v", err)
	}
	if grantB.LockID == grantA.LockID {
		t.Fatal("reclaim must issue a fresh lock ID")
	}

	clock.Set(start.Add(460 * time.Second))
	if _, err := m.Heartbeat(ctx, "s1", "alice", grantA.LockID); !errors.Is(err, ErrNotOwnedOrExpired) {
		t.Fatalf("stale heartbeat = %v, want ErrNotOwnedOrExpired", err)
	}
}

func TestRedisIdempotentRenewal(t *testing.T) {
	start := time.Unix(0, 0)
	clock := lease.NewManualClock(start)
	m := newRedisManager(t, clock)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "s1", "doc", "alice")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(100 * time.Second)
	second, err := m.Acquire(ctx, "s1", "doc", "alice")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if second.LockID != first.LockID {
		t.Fatal("renewal must keep the lock ID")
	}
	if !second.AcquiredAt.Equal(first.AcquiredAt) {
		t.Fatal("renewal must not move the locked-since timestamp")
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Fatal("renewal must extend the deadline")
	}
}

func TestRedisReleaseAndStatus(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newRedisManager(t, clock)
	ctx := context.Background()

	if err := m.Release(ctx, "s1", "alice"); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("release unheld = %v, want ErrNotOwned", err)
	}
	if _, err := m.Acquire(ctx, "s1", "doc", "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx, "s1", "bob"); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("release by non-holder = %v, want ErrNotOwned", err)
	}
	st, err := m.Status(ctx, "s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Locked || st.Holder != "alice" || st.DocumentID != "doc" {
		t.Fatalf("status = %+v", st)
	}
	if err := m.Release(ctx, "s1", "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	st, _ = m.Status(ctx, "s1")
	if st.Locked {
		t.Fatalf("status after release = %+v, want unlocked", st)
	}
}

func TestRedisStatusLazyExpiry(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newRedisManager(t, clock)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "s1", "doc", "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(301 * time.Second)
	st, err := m.Status(ctx, "s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Locked {
		t.Fatalf("status after expiry = %+v, want unlocked", st)
	}
}

func TestRedisDocumentStatus(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newRedisManager(t, clock)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "s2", "doc1", "alice"); err != nil {
		t.Fatalf("acquire s2: %v", err)
	}
	if _, err := m.Acquire(ctx, "s1", "doc1", "bob"); err != nil {
		t.Fatalf("acquire s1: %v", err)
	}
	if _, err := m.Acquire(ctx, "zz", "doc2", "carol"); err != nil {
		t.Fatalf("acquire zz: %v", err)
	}

	sts, err := m.DocumentStatus(ctx, "doc1")
	if err != nil {
		t.Fatalf("document status: %v", err)
	}
	if len(sts) != 2 || sts[0].SectionID != "s1" || sts[1].SectionID != "s2" {
		t.Fatalf("statuses = %+v", sts)
	}
}

func TestRedisAcquirePublishesEvent(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	b := bus.NewInMemory()
	m := newRedisManager(t, clock, WithBus(b))
	ctx := context.Background()

	ch, err := b.Watch(ctx, Topic("doc"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := m.Acquire(ctx, "s1", "doc", "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	select {
	case data := <-ch:
		if len(data) == 0 {
			t.Fatal("empty event payload")
		}
	case <-time.After(time.Second):
		t.Fatal("no lock event published")
	}
}

func TestRedisFreshClaimMovesSectionBetweenDocuments(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newRedisManager(t, clock)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "s1", "doc-a", "alice"); err != nil {
		t.Fatalf("acquire under doc-a: %v", err)
	}
	if err := m.Release(ctx, "s1", "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}

	g, err := m.Acquire(ctx, "s1", "doc-b", "bob")
	if err != nil {
		t.Fatalf("acquire under doc-b: %v", err)
	}
	if g.DocumentID != "doc-b" {
		t.Fatalf("grant document = %q, want doc-b", g.DocumentID)
	}

	inB, err := m.DocumentStatus(ctx, "doc-b")
	if err != nil {
		t.Fatalf("document status doc-b: %v", err)
	}
	if len(inB) != 1 || inB[0].SectionID != "s1" || inB[0].Holder != "bob" {
		t.Fatalf("doc-b status = %+v, want s1 held by bob", inB)
	}
	inA, err := m.DocumentStatus(ctx, "doc-a")
	if err != nil {
		t.Fatalf("document status doc-a: %v", err)
	}
	if len(inA) != 0 {
		t.Fatalf("section still indexed under doc-a: %+v", inA)
	}
}

func TestRedisLifecycleEventsCarryDocument(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	b := bus.NewInMemory()
	m := newRedisManager(t, clock, WithBus(b))
	ctx := context.Background()

	ch, err := b.Watch(ctx, Topic("doc"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	// The watch buffer holds one event, so read each one back before the
	// next operation.
	expectEvent := func(typ string) {
		t.Helper()
		select {
		case data := <-ch:
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if ev.Type != typ || ev.DocumentID != "doc" || ev.SectionID != "s1" {
				t.Fatalf("event = %+v, want %s on s1 of doc", ev, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event published", typ)
		}
	}

	g, err := m.Acquire(ctx, "s1", "doc", "alice")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	expectEvent(EventAcquired)

	if _, err := m.Heartbeat(ctx, "s1", "alice", g.LockID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	expectEvent(EventHeartbeat)

	if err := m.Release(ctx, "s1", "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	expectEvent(EventReleased)
}
