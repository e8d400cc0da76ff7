// Package lease holds the time arithmetic shared by the section lock manager
// and the collaboration session manager. Both follow the same pattern: a
// record carries a deadline, the deadline is compared against the clock at
// the moment it is checked, and nothing ever sweeps expired records in the
// background.
package lease

import (
	"errors"
	"sync"
	"time"
)

const (
	// DefaultLockTTL is the default lifetime of a section lock lease.
	DefaultLockTTL = 5 * time.Minute
	// DefaultFreshnessWindow is the default activity window after which a
	// collaboration session is no longer considered present.
	DefaultFreshnessWindow = 5 * time.Minute
	// DefaultHeartbeatInterval is the suggested client-side renewal cadence.
	// It is deliberately well under the TTL so a single missed heartbeat does
	// not cost the lease. Servers never enforce it.
	DefaultHeartbeatInterval = DefaultLockTTL / 3
)

var (
	// ErrInvalidTTL is returned when a non-positive TTL is provided.
	ErrInvalidTTL = errors.New("cowrite: lease ttl must be positive")
	// ErrInvalidWindow is returned when a non-positive freshness window is provided.
	ErrInvalidWindow = errors.New("cowrite: freshness window must be positive")
)

// CheckTTL validates a lock lease TTL.
func CheckTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// CheckWindow validates a session freshness window.
func CheckWindow(w time.Duration) error {
	if w <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

// Lease is the claim state of one lockable resource. The zero value is an
// unheld lease. A lease with a holder but a past deadline is logically free;
// callers must treat it exactly like the zero value when claiming.
type Lease struct {
	Holder          string
	LockID          string
	AcquiredAt      time.Time
	ExpiresAt       time.Time
	LastHeartbeatAt time.Time
}

// ExpiredAt reports whether the lease is free at the given instant, either
// because it was never claimed or because its deadline has passed.
func (l Lease) ExpiredAt(now time.Time) bool {
	return l.Holder == "" || !l.ExpiresAt.After(now)
}

// HeldBy reports whether holder owns a live lease at the given instant.
func (l Lease) HeldBy(holder string, now time.Time) bool {
	return holder != "" && l.Holder == holder && l.ExpiresAt.After(now)
}

// Remaining returns the time left before the lease expires, or zero when it
// is already free.
func (l Lease) Remaining(now time.Time) time.Duration {
	if l.ExpiredAt(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// FreshWithin reports whether an activity timestamp still falls inside the
// freshness window at the given instant. Staleness beyond the window is the
// only disconnect signal presence tracking uses.
func FreshWithin(last, now time.Time, window time.Duration) bool {
	return !last.IsZero() && now.Sub(last) <= window
}

// Clock supplies the current time to the managers. It exists so lease expiry
// can be exercised in tests without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock used outside of tests.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a settable Clock for tests.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
