package session

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// DefaultListTTL is how long a cached roster is served before the
// underlying backend is consulted again.
const DefaultListTTL = 2 * time.Second

// CachedLists decorates a Manager with a short-lived in-memory cache
// around ListActive. Rosters are read far more often than they change,
// so a few seconds of staleness buys a large reduction in backend load.
//
// Mutations through this manager invalidate the affected document;
// mutations performed elsewhere become visible once the TTL lapses.
type CachedLists struct {
	Manager

	cache *ristretto.Cache
	ttl   time.Duration

	// Session-to-document mapping learned from Join and ListActive, so
	// session-keyed mutations know which roster to drop.
	mu   sync.Mutex
	docs map[string]string
}

// NewCachedLists wraps m with a roster cache. A non-positive ttl falls
// back to DefaultListTTL.
func NewCachedLists(m Manager, ttl time.Duration) (*CachedLists, error) {
	if ttl <= 0 {
		ttl = DefaultListTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedLists{Manager: m, cache: c, ttl: ttl, docs: make(map[string]string)}, nil
}

// ListActive implements Manager.ListActive, serving cached rosters
// until their TTL lapses.
func (c *CachedLists) ListActive(ctx context.Context, documentID string) ([]Session, error) {
	if v, ok := c.cache.Get(documentID); ok {
		if sessions, ok := v.([]Session); ok {
			return sessions, nil
		}
	}
	sessions, err := c.Manager.ListActive(ctx, documentID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	for _, s := range sessions {
		c.docs[s.ID] = s.DocumentID
	}
	c.mu.Unlock()
	c.cache.SetWithTTL(documentID, sessions, int64(1+len(sessions)), c.ttl)
	return sessions, nil
}

// Join implements Manager.Join and drops the document's cached roster.
func (c *CachedLists) Join(ctx context.Context, documentID, userID, displayColor string) (Session, error) {
	s, err := c.Manager.Join(ctx, documentID, userID, displayColor)
	if err == nil {
		c.mu.Lock()
		c.docs[s.ID] = documentID
		c.mu.Unlock()
		c.cache.Del(documentID)
	}
	return s, err
}

// Leave implements Manager.Leave and drops the session's cached roster.
func (c *CachedLists) Leave(ctx context.Context, sessionID, requestingUserID string) error {
	err := c.Manager.Leave(ctx, sessionID, requestingUserID)
	if err == nil {
		c.invalidateSession(sessionID, true)
	}
	return err
}

// UpdateCursor implements Manager.UpdateCursor and drops the session's
// cached roster.
func (c *CachedLists) UpdateCursor(ctx context.Context, sessionID, requestingUserID string, cursor *Cursor) error {
	err := c.Manager.UpdateCursor(ctx, sessionID, requestingUserID, cursor)
	if err == nil {
		c.invalidateSession(sessionID, false)
	}
	return err
}

// UpdatePresence implements Manager.UpdatePresence and drops the
// session's cached roster.
func (c *CachedLists) UpdatePresence(ctx context.Context, sessionID, requestingUserID string, status Presence) error {
	err := c.Manager.UpdatePresence(ctx, sessionID, requestingUserID, status)
	if err == nil {
		c.invalidateSession(sessionID, false)
	}
	return err
}

// UpdateCurrentSection implements Manager.UpdateCurrentSection and drops
// the session's cached roster.
func (c *CachedLists) UpdateCurrentSection(ctx context.Context, sessionID, requestingUserID, sectionID string) error {
	err := c.Manager.UpdateCurrentSection(ctx, sessionID, requestingUserID, sectionID)
	if err == nil {
		c.invalidateSession(sessionID, false)
	}
	return err
}

// invalidateSession drops the roster of the session's document. A session
// this wrapper has never seen has no known document; its roster entries,
// if any, are cleared wholesale rather than left stale.
func (c *CachedLists) invalidateSession(sessionID string, forget bool) {
	c.mu.Lock()
	documentID, known := c.docs[sessionID]
	if forget {
		delete(c.docs, sessionID)
	}
	c.mu.Unlock()
	if !known {
		c.cache.Clear()
		return
	}
	c.cache.Del(documentID)
}

// Invalidate drops the cached roster for a document. Call it after
// mutations that bypass this wrapper.
func (c *CachedLists) Invalidate(documentID string) {
	c.cache.Del(documentID)
}

// wait flushes pending cache writes. Tests use it to make Set effects
// observable without sleeping.
func (c *CachedLists) wait() {
	c.cache.Wait()
}
