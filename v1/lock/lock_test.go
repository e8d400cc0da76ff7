package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/penlab/go-cowrite/v1/lease"
)

func newMemManager(t *testing.T, clock lease.Clock, ttl time.Duration) *InMemory {
	t.Helper()
	m, err := NewInMemory(WithClock(clock), WithTTL(ttl))
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	return m
}

func TestInMemoryInvalidTTL(t *testing.T) {
	if _, err := NewInMemory(WithTTL(0)); !errors.Is(err, lease.ErrInvalidTTL) {
		t.Fatalf("err = %v, want ErrInvalidTTL", err)
	}
}

// Walks the lifecycle of one contended section: A holds, B is rejected, a
// heartbeat extends A's lease past B's retry, and once the lease lapses B
// claims it, after which A's stale heartbeat must be refused.
func TestContendedSectionLifecycle(t *testing.T) {
	start := time.Unix(0, 0)
	clock := lease.NewManualClock(start)
	m := newMemManager(t, clock, 300*time.Second)
	ctx := context.Background()

	grantA, err := m.Acquire(ctx, "s1", "doc", "alice")
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	if !grantA.ExpiresAt.Equal(start.Add(300 * time.Second)) {
		t.Fatalf("expiresAt = %v", grantA.ExpiresAt)
	}

	clock.Set(start.Add(100 * time.Second))
	_, err = m.Acquire(ctx, "s1", "doc", "bob")
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("acquire B = %v, want HeldError", err)
	}
	if held.Holder != "alice" {
		t.Fatalf("holder = %q, want alice", held.Holder)
	}
	if !errors.Is(err, ErrLockHeld) {
		t.Fatal("HeldError should match ErrLockHeld")
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
	if !grantB.ExpiresAt.Equal(start.Add(750 * time.Second)) {
		t.Fatalf("B expiry = %v, want t=750s", grantB.ExpiresAt)
	}

	clock.Set(start.Add(460 * time.Second))
	if _, err := m.Heartbeat(ctx, "s1", "alice", grantA.LockID); !errors.Is(err, ErrNotOwnedOrExpired) {
		t.Fatalf("stale heartbeat = %v, want ErrNotOwnedOrExpired", err)
	}

	st, err := m.Status(ctx, "s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Locked || st.Holder != "bob" {
		t.Fatalf("status = %+v, want locked by bob", st)
	}
}

func TestIdempotentRenewalKeepsGrantIdentity(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newMemManager(t, clock, time.Minute)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "s1", "doc", "alice")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(30 * time.Second)
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

func TestReacquireAfterExpiryResetsGrantIdentity(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newMemManager(t, clock, time.Minute)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "s1", "doc", "alice")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(2 * time.Minute)
	second, err := m.Acquire(ctx, "s1", "doc", "alice")
	if err != nil {
		t.Fatalf("re-acquire after expiry: %v", err)
	}
	if second.LockID == first.LockID {
		t.Fatal("claim of an expired lease must issue a fresh lock ID")
	}
}

func TestReleaseOwnershipRules(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newMemManager(t, clock, time.Minute)
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
	// The failed release must not have touched alice's lease.
	st, _ := m.Status(ctx, "s1")
	if !st.Locked || st.Holder != "alice" {
		t.Fatalf("status = %+v, want still locked by alice", st)
	}
	if err := m.Release(ctx, "s1", "alice"); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
	if _, err := m.Acquire(ctx, "s1", "doc", "bob"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReleaseExpiredLeaseFails(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newMemManager(t, clock, time.Minute)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "s1", "doc", "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if err := m.Release(ctx, "s1", "alice"); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("release of expired lease = %v, want ErrNotOwned", err)
	}
}

func TestHeartbeatRequiresMatchingLockID(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newMemManager(t, clock, time.Minute)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "s1", "doc", "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Heartbeat(ctx, "s1", "alice", "stale-id"); !errors.Is(err, ErrNotOwnedOrExpired) {
		t.Fatalf("heartbeat with stale id = %v, want ErrNotOwnedOrExpired", err)
	}
	if _, err := m.Heartbeat(ctx, "missing", "alice", "x"); !errors.Is(err, ErrNotOwnedOrExpired) {
		t.Fatalf("heartbeat on unknown section = %v, want ErrNotOwnedOrExpired", err)
	}
}

func TestStatusLazyExpiry(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newMemManager(t, clock, time.Minute)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "s1", "doc", "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st, _ := m.Status(ctx, "s1")
	if !st.Locked {
		t.Fatal("section should be locked")
	}
	// No release, no heartbeat, no sweeper: the very next status check after
	// the deadline must observe the section as free.
	clock.Advance(61 * time.Second)
	st, _ = m.Status(ctx, "s1")
	if st.Locked || st.Holder != "" {
		t.Fatalf("status after expiry = %+v, want unlocked", st)
	}
}

func TestStatusUnknownSection(t *testing.T) {
	m := newMemManager(t, lease.SystemClock{}, time.Minute)
	st, err := m.Status(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Locked || st.SectionID != "never-seen" {
		t.Fatalf("status = %+v", st)
	}
}

func TestDocumentStatusOrderedAndScoped(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newMemManager(t, clock, time.Minute)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "s2", "doc1", "alice"); err != nil {
		t.Fatalf("acquire s2: %v", err)
	}
	if _, err := m.Acquire(ctx, "s1", "doc1", "bob"); err != nil {
		t.Fatalf("acquire s1: %v", err)
	}
	if _, err := m.Acquire(ctx, "other", "doc2", "carol"); err != nil {
		t.Fatalf("acquire other: %v", err)
	}
	if err := m.Release(ctx, "s1", "bob"); err != nil {
		t.Fatalf("release: %v", err)
	}

	sts, err := m.DocumentStatus(ctx, "doc1")
	if err != nil {
		t.Fatalf("document status: %v", err)
	}
	if len(sts) != 2 {
		t.Fatalf("got %d statuses, want 2", len(sts))
	}
	if sts[0].SectionID != "s1" || sts[1].SectionID != "s2" {
		t.Fatalf("order = %s, %s", sts[0].SectionID, sts[1].SectionID)
	}
	if sts[0].Locked {
		t.Fatal("released section should be unlocked")
	}
	if !sts[1].Locked || sts[1].Holder != "alice" {
		t.Fatalf("s2 = %+v, want locked by alice", sts[1])
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m := newMemManager(t, lease.SystemClock{}, time.Minute)
	ctx := context.Background()

	const holders = 32
	var wg sync.WaitGroup
	wins := make(chan string, holders)
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			holder := fmt.Sprintf("holder-%d", n)
			if _, err := m.Acquire(ctx, "s1", "doc", holder); err == nil {
				wins <- holder
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("got %d winners (%v), want exactly 1", len(winners), winners)
	}
	st, _ := m.Status(ctx, "s1")
	if !st.Locked || st.Holder != winners[0] {
		t.Fatalf("status holder = %q, winner = %q", st.Holder, winners[0])
	}
}

func TestUnrelatedSectionsAreIndependent(t *testing.T) {
	m := newMemManager(t, lease.SystemClock{}, time.Minute)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "s1", "doc", "alice"); err != nil {
		t.Fatalf("acquire s1: %v", err)
	}
	if _, err := m.Acquire(ctx, "s2", "doc", "bob"); err != nil {
		t.Fatalf("acquire s2 should not contend with s1: %v", err)
	}
}

func TestFreshClaimMovesSectionBetweenDocuments(t *testing.T) {
	clock := lease.NewManualClock(time.Unix(0, 0))
	m := newMemManager(t, clock, 300*time.Second)
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
