package session

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
	// ErrUnauthorized is returned when a caller mutates a session it does
	// not own.
	ErrUnauthorized = errors.New("cowrite: session not owned by caller")
	// ErrSessionNotFound is returned when the referenced session was removed
	// or never existed. Callers recover by re-joining.
	ErrSessionNotFound = errors.New("cowrite: session not found")
	// ErrInvalidPresence is returned for a presence value outside the known
	// set.
	ErrInvalidPresence = errors.New("cowrite: invalid presence status")
)

// Presence is a participant's self-reported activity state.
type Presence string

const (
	PresenceActive Presence = "active"
	PresenceIdle   Presence = "idle"
	PresenceAway   Presence = "away"
)

// Valid reports whether p is one of the known presence states.
func (p Presence) Valid() bool {
	switch p {
	case PresenceActive, PresenceIdle, PresenceAway:
		return true
	}
	return false
}

// Cursor is an editor-defined selection range; a point selection has
// Start == End.
type Cursor struct {
	SectionID string `json:"sectionId"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
}

// Session is one user's presence on one document.
type Session struct {
	ID               string    `json:"id"`
	DocumentID       string    `json:"documentId"`
	UserID           string    `json:"userId"`
	DisplayColor     string    `json:"displayColor"`
	Cursor           *Cursor   `json:"cursor,omitempty"`
	Presence         Presence  `json:"presence"`
	CurrentSectionID string    `json:"currentSectionId,omitempty"`
	JoinedAt         time.Time `json:"joinedAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
}

// Manager is the collaboration session manager.
type Manager interface {
	// Join creates a session for the user on the document, or refreshes a
	// still-fresh existing one (same user, same document) instead of
	// duplicating it.
	Join(ctx context.Context, documentID, userID, displayColor string) (Session, error)
	// Leave removes the session. Only its owner may remove it.
	Leave(ctx context.Context, sessionID, requestingUserID string) error
	// UpdateCursor sets the cursor (nil clears it) and bumps activity.
	UpdateCursor(ctx context.Context, sessionID, requestingUserID string, cursor *Cursor) error
	// UpdatePresence sets the presence state and bumps activity.
	UpdatePresence(ctx context.Context, sessionID, requestingUserID string, status Presence) error
	// UpdateCurrentSection sets the focused section (empty clears it) and
	// bumps activity.
	UpdateCurrentSection(ctx context.Context, sessionID, requestingUserID, sectionID string) error
	// ListActive returns the document's sessions whose last activity falls
	// within the freshness window, ordered by join time.
	ListActive(ctx context.Context, documentID string) ([]Session, error)
}

// Event types published on the presence topic of a document.
const (
	EventJoined  = "joined"
	EventLeft    = "left"
	EventUpdated = "updated"
)

// Event is the payload published after a successful session mutation.
type Event struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

// Topic returns the bus topic carrying presence events for a document.
func Topic(documentID string) string { return "cowrite:presence:" + documentID }

// Option configures a session manager.
type Option func(*options)

type options struct {
	window  time.Duration
	clock   lease.Clock
	bus     bus.Bus
	timeout time.Duration
}

const defaultOpTimeout = 5 * time.Second

// WithWindow sets the freshness window beyond which a session is no longer
// listed as active.
func WithWindow(d time.Duration) Option {
	return func(o *options) { o.window = d }
}

// WithClock sets the time source. Intended for tests.
func WithClock(c lease.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBus publishes presence events on the document's presence topic after
// each successful mutation.
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
		window:  lease.DefaultFreshnessWindow,
		clock:   lease.SystemClock{},
		timeout: defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := lease.CheckWindow(o.window); err != nil {
		return o, err
	}
	return o, nil
}

// publish is best-effort: event delivery never fails a session operation.
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

func checkPresence(p Presence) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPresence, p)
	}
	return nil
}
