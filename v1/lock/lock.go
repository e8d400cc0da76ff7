package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/penlab/go-cowrite/v1/bus"
	"github.com/penlab/go-cowrite/v1/lease"
)

var (
	// ErrLockHeld is the contention outcome: another holder owns a live
	// lease. Match with errors.Is; the concrete error is a *HeldError
	// carrying the current holder.
	ErrLockHeld = errors.New("cowrite: lock held by another holder")
	// ErrNotOwned is returned by Release when the caller does not own a live
	// lease on the section.
	ErrNotOwned = errors.New("cowrite: lock not owned by caller")
	// ErrNotOwnedOrExpired is returned by Heartbeat when the caller's lease
	// is gone, expired, or was reassigned to another holder.
	ErrNotOwnedOrExpired = errors.New("cowrite: lease not owned or already expired")
)

// HeldError reports that a section is locked by someone else, so the caller
// can render "locked by X" instead of treating contention as a fault.
type HeldError struct {
	Holder string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("cowrite: lock held by %s", e.Holder)
}

// Is makes errors.Is(err, ErrLockHeld) match.
func (e *HeldError) Is(target error) bool { return target == ErrLockHeld }

// Grant is the result of a successful acquire.
type Grant struct {
	LockID     string    `json:"lockId"`
	SectionID  string    `json:"sectionId"`
	DocumentID string    `json:"documentId"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Status is the read-only view of one section's lock. Locked is computed at
// query time from the holder and deadline, never stored.
type Status struct {
	SectionID  string    `json:"sectionId"`
	DocumentID string    `json:"documentId"`
	Locked     bool      `json:"locked"`
	Holder     string    `json:"holder,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

// Manager is the section lock manager. Acquire never waits: it claims the
// lock or reports the current holder immediately. All operations are
// synchronous conditional writes against one authoritative record per
// section.
type Manager interface {
	// Acquire claims the section for holderID. It succeeds if the section is
	// unheld, its previous lease expired, or holderID already holds it (in
	// which case the lease is extended and the original grant identity is
	// kept). On contention it returns a *HeldError naming the current holder.
	Acquire(ctx context.Context, sectionID, documentID, holderID string) (Grant, error)
	// Release clears the lease if holderID owns it, and fails with
	// ErrNotOwned otherwise. Releasing someone else's lease is never
	// possible.
	Release(ctx context.Context, sectionID, holderID string) error
	// Heartbeat extends the lease deadline if holderID still owns the
	// unexpired lease identified by lockID. A late heartbeat fails with
	// ErrNotOwnedOrExpired rather than re-claiming.
	Heartbeat(ctx context.Context, sectionID, holderID, lockID string) (time.Time, error)
	// Status reports the section's lock state at the time of the call.
	Status(ctx context.Context, sectionID string) (Status, error)
	// DocumentStatus reports the lock state of every known section of a
	// document, ordered by section ID.
	DocumentStatus(ctx context.Context, documentID string) ([]Status, error)
}

// Event types published on the lock topic of a document.
const (
	EventAcquired  = "acquired"
	EventReleased  = "released"
	EventHeartbeat = "heartbeat"
)

// Event is the payload published after a successful lock mutation. It is a
// refresh hint for UI layers; Status remains the source of truth.
type Event struct {
	Type       string    `json:"type"`
	SectionID  string    `json:"sectionId"`
	DocumentID string    `json:"documentId"`
	Holder     string    `json:"holder"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Topic returns the bus topic carrying lock events for a document.
func Topic(documentID string) string { return "cowrite:locks:" + documentID }

// Option configures a lock manager.
type Option func(*options)

type options struct {
	ttl     time.Duration
	clock   lease.Clock
	bus     bus.Bus
	timeout time.Duration
}

const defaultOpTimeout = 5 * time.Second

// WithTTL sets the lease duration granted on acquire and heartbeat.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithClock sets the time source. Intended for tests.
func WithClock(c lease.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBus publishes lock events on the document's lock topic after each
// successful mutation.
func WithBus(b bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithOpTimeout sets the per-operation timeout used by networked backends.
// The in-memory backend ignores it.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func newOptions(opts ...Option) (options, error) {
	o := options{
		ttl:     lease.DefaultLockTTL,
		clock:   lease.SystemClock{},
		timeout: defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := lease.CheckTTL(o.ttl); err != nil {
		return o, err
	}
	return o, nil
}

// publish is best-effort: event delivery never fails a lock operation.
func (o options) publish(ctx context.Context, ev Event) {
	if o.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = o.bus.Publish(ctx, Topic(ev.DocumentID), data)
}
