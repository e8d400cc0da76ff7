package session

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/penlab/go-cowrite/v1/lease"
	"github.com/penlab/go-cowrite/v1/metrics"
)

// InMemory implements Manager using local memory. Stale sessions are left in
// place and age out of active listings; only Leave removes them.
type InMemory struct {
	mu        sync.Mutex
	byID      map[string]*Session
	byDoc     map[string]map[string]struct{}
	byDocUser map[string]string
	opts      options
}

// NewInMemory returns a new in-memory session manager.
func NewInMemory(opts ...Option) (*InMemory, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}
	return &InMemory{
		byID:      make(map[string]*Session),
		byDoc:     make(map[string]map[string]struct{}),
		byDocUser: make(map[string]string),
		opts:      o,
	}, nil
}

func docUserKey(documentID, userID string) string {
	return documentID + "\x00" + userID
}

// Join implements Manager.Join.
func (m *InMemory) Join(ctx context.Context, documentID, userID, displayColor string) (Session, error) {
	now := m.opts.clock.Now()

	m.mu.Lock()
	if id, ok := m.byDocUser[docUserKey(documentID, userID)]; ok {
		if s := m.byID[id]; s != nil && lease.FreshWithin(s.LastActivityAt, now, m.opts.window) {
			s.DisplayColor = displayColor
			s.Presence = PresenceActive
			s.LastActivityAt = now
			out := cloneSession(s)
			m.mu.Unlock()
			metrics.JoinCounter.Inc()
			m.opts.publish(ctx, Event{Type: EventJoined, SessionID: out.ID, DocumentID: documentID, UserID: userID})
			return out, nil
		}
		// Stale leftover from an ungraceful disconnect; replace it.
		m.removeLocked(id)
	}

	s := &Session{
		ID:             uuid.NewString(),
		DocumentID:     documentID,
		UserID:         userID,
		DisplayColor:   displayColor,
		Presence:       PresenceActive,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	m.byID[s.ID] = s
	if m.byDoc[documentID] == nil {
		m.byDoc[documentID] = make(map[string]struct{})
	}
	m.byDoc[documentID][s.ID] = struct{}{}
	m.byDocUser[docUserKey(documentID, userID)] = s.ID
	out := cloneSession(s)
	m.mu.Unlock()

	metrics.JoinCounter.Inc()
	m.opts.publish(ctx, Event{Type: EventJoined, SessionID: out.ID, DocumentID: documentID, UserID: userID})
	return out, nil
}

// removeLocked deletes a session from every index. Caller holds m.mu.
func (m *InMemory) removeLocked(id string) {
	s := m.byID[id]
	if s == nil {
		return
	}
	delete(m.byID, id)
	if ids := m.byDoc[s.DocumentID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.byDoc, s.DocumentID)
		}
	}
	if cur := m.byDocUser[docUserKey(s.DocumentID, s.UserID)]; cur == id {
		delete(m.byDocUser, docUserKey(s.DocumentID, s.UserID))
	}
}

// Leave implements Manager.Leave.
func (m *InMemory) Leave(ctx context.Context, sessionID, requestingUserID string) error {
	m.mu.Lock()
	s := m.byID[sessionID]
	if s == nil {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.UserID != requestingUserID {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	documentID := s.DocumentID
	m.removeLocked(sessionID)
	m.mu.Unlock()

	metrics.LeaveCounter.Inc()
	m.opts.publish(ctx, Event{Type: EventLeft, SessionID: sessionID, DocumentID: documentID, UserID: requestingUserID})
	return nil
}

func (m *InMemory) update(ctx context.Context, sessionID, requestingUserID string, apply func(*Session)) error {
	now := m.opts.clock.Now()

	m.mu.Lock()
	s := m.byID[sessionID]
	if s == nil {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.UserID != requestingUserID {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	apply(s)
	s.LastActivityAt = now
	documentID := s.DocumentID
	m.mu.Unlock()

	m.opts.publish(ctx, Event{Type: EventUpdated, SessionID: sessionID, DocumentID: documentID, UserID: requestingUserID})
	return nil
}

// UpdateCursor implements Manager.UpdateCursor.
func (m *InMemory) UpdateCursor(ctx context.Context, sessionID, requestingUserID string, cursor *Cursor) error {
	return m.update(ctx, sessionID, requestingUserID, func(s *Session) {
		if cursor == nil {
			s.Cursor = nil
			return
		}
		c := *cursor
		s.Cursor = &c
	})
}

// UpdatePresence implements Manager.UpdatePresence.
func (m *InMemory) UpdatePresence(ctx context.Context, sessionID, requestingUserID string, status Presence) error {
	if err := checkPresence(status); err != nil {
		return err
	}
	return m.update(ctx, sessionID, requestingUserID, func(s *Session) {
		s.Presence = status
	})
}

// UpdateCurrentSection implements Manager.UpdateCurrentSection.
func (m *InMemory) UpdateCurrentSection(ctx context.Context, sessionID, requestingUserID, sectionID string) error {
	return m.update(ctx, sessionID, requestingUserID, func(s *Session) {
		s.CurrentSectionID = sectionID
	})
}

// ListActive implements Manager.ListActive.
func (m *InMemory) ListActive(ctx context.Context, documentID string) ([]Session, error) {
	now := m.opts.clock.Now()

	m.mu.Lock()
	out := make([]Session, 0, len(m.byDoc[documentID]))
	for id := range m.byDoc[documentID] {
		s := m.byID[id]
		if s == nil || !lease.FreshWithin(s.LastActivityAt, now, m.opts.window) {
			continue
		}
		out = append(out, cloneSession(s))
	}
	m.mu.Unlock()

	sortSessions(out)
	return out, nil
}

func cloneSession(s *Session) Session {
	out := *s
	if s.Cursor != nil {
		c := *s.Cursor
		out.Cursor = &c
	}
	return out
}

func sortSessions(ss []Session) {
	sort.Slice(ss, func(i, j int) bool {
		if !ss[i].JoinedAt.Equal(ss[j].JoinedAt) {
			return ss[i].JoinedAt.Before(ss[j].JoinedAt)
		}
		return ss[i].ID < ss[j].ID
	})
}
