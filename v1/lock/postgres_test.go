package lock

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/penlab/go-cowrite/v1/lease"
)

func newPostgresManager(t *testing.T, clock lease.Clock) *Postgres {
	t.Helper()
	dsn := os.Getenv("COWRITE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COWRITE_TEST_POSTGRES_DSN not set, skipping Postgres integration tests")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	m, err := NewPostgres(db, WithClock(clock), WithTTL(300*time.Second))
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if err := m.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return m
}

func TestPostgresLockLifecycle(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := lease.NewManualClock(start)
	m := newPostgresManager(t, clock)
	ctx := context.Background()

	// Fresh section per run so repeated test invocations don't collide.
	section := "s-" + uuid.NewString()

	grantA, err := m.Acquire(ctx, section, "doc", "alice")
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}

	var held *HeldError
	if _, err := m.Acquire(ctx, section, "doc", "bob"); !errors.As(err, &held) || held.Holder != "alice" {
		t.Fatalf("acquire B = %v, want held by alice", err)
	}

	if _, err := m.Heartbeat(ctx, section, "alice", grantA.LockID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := m.Heartbeat(ctx, section, "bob", grantA.LockID); !errors.Is(err, ErrNotOwnedOrExpired) {
		t.Fatalf("heartbeat by non-holder = %v, want ErrNotOwnedOrExpired", err)
	}

	clock.Advance(500 * time.Second)
	grantB, err := m.Acquire(ctx, section, "doc", "bob")
	if err != nil {
		t.Fatalf("acquire B after expiry: %v", err)
	}
	if grantB.LockID == grantA.LockID {
		t.Fatal("reclaim must issue a fresh lock ID")
	}

	if _, err := m.Heartbeat(ctx, section, "alice", grantA.LockID); !errors.Is(err, ErrNotOwnedOrExpired) {
		t.Fatalf("stale heartbeat = %v, want ErrNotOwnedOrExpired", err)
	}

	st, err := m.Status(ctx, section)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Locked || st.Holder != "bob" {
		t.Fatalf("status = %+v, want locked by bob", st)
	}

	if err := m.Release(ctx, section, "bob"); err != nil {
		t.Fatalf("release: %v", err)
	}
	st, _ = m.Status(ctx, section)
	if st.Locked {
		t.Fatalf("status after release = %+v, want unlocked", st)
	}
}
