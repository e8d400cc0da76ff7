package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/penlab/go-cowrite/v1/lease"
	"github.com/penlab/go-cowrite/v1/metrics"
)

type record struct {
	documentID string
	ls         lease.Lease
}

// InMemory implements Manager using local memory. The map mutex stands in for
// the backing store's atomic conditional write: every check-and-claim happens
// under it. Records are reused, never deleted, matching the durable backends.
type InMemory struct {
	mu   sync.Mutex
	recs map[string]*record
	docs map[string]map[string]struct{}
	opts options
}

// NewInMemory returns a new in-memory lock manager.
func NewInMemory(opts ...Option) (*InMemory, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}
	return &InMemory{
		recs: make(map[string]*record),
		docs: make(map[string]map[string]struct{}),
		opts: o,
	}, nil
}

// Acquire implements Manager.Acquire.
func (m *InMemory) Acquire(ctx context.Context, sectionID, documentID, holderID string) (Grant, error) {
	now := m.opts.clock.Now()

	m.mu.Lock()
	rec := m.recs[sectionID]
	if rec == nil {
		rec = &record{documentID: documentID}
		m.recs[sectionID] = rec
		if m.docs[documentID] == nil {
			m.docs[documentID] = make(map[string]struct{})
		}
		m.docs[documentID][sectionID] = struct{}{}
	}

	switch {
	case rec.ls.HeldBy(holderID, now):
		// Idempotent renewal: keep the grant identity, extend the deadline.
		rec.ls.ExpiresAt = now.Add(m.opts.ttl)
		rec.ls.LastHeartbeatAt = now
	case rec.ls.ExpiredAt(now):
		id, err := uuid.GenerateUUID()
		if err != nil {
			m.mu.Unlock()
			return Grant{}, err
		}
		if rec.ls.Holder != "" {
			metrics.ExpiredClaimCounter.Inc()
		}
		if rec.documentID != documentID {
			// A fresh claim may move the section to another document.
			delete(m.docs[rec.documentID], sectionID)
			if m.docs[documentID] == nil {
				m.docs[documentID] = make(map[string]struct{})
			}
			m.docs[documentID][sectionID] = struct{}{}
			rec.documentID = documentID
		}
		rec.ls = lease.Lease{
			Holder:          holderID,
			LockID:          id,
			AcquiredAt:      now,
			ExpiresAt:       now.Add(m.opts.ttl),
			LastHeartbeatAt: now,
		}
	default:
		holder := rec.ls.Holder
		m.mu.Unlock()
		metrics.ContentionCounter.Inc()
		return Grant{}, &HeldError{Holder: holder}
	}
	g := Grant{
		LockID:     rec.ls.LockID,
		SectionID:  sectionID,
		DocumentID: rec.documentID,
		Holder:     holderID,
		AcquiredAt: rec.ls.AcquiredAt,
		ExpiresAt:  rec.ls.ExpiresAt,
	}
	m.mu.Unlock()

	metrics.AcquireCounter.Inc()
	m.opts.publish(ctx, Event{
		Type: EventAcquired, SectionID: sectionID, DocumentID: g.DocumentID,
		Holder: holderID, ExpiresAt: g.ExpiresAt,
	})
	return g, nil
}

// Release implements Manager.Release.
func (m *InMemory) Release(ctx context.Context, sectionID, holderID string) error {
	now := m.opts.clock.Now()

	m.mu.Lock()
	rec := m.recs[sectionID]
	if rec == nil || !rec.ls.HeldBy(holderID, now) {
		m.mu.Unlock()
		return ErrNotOwned
	}
	documentID := rec.documentID
	rec.ls = lease.Lease{}
	m.mu.Unlock()

	metrics.ReleaseCounter.Inc()
	m.opts.publish(ctx, Event{
		Type: EventReleased, SectionID: sectionID, DocumentID: documentID,
		Holder: holderID,
	})
	return nil
}

// Heartbeat implements Manager.Heartbeat.
func (m *InMemory) Heartbeat(ctx context.Context, sectionID, holderID, lockID string) (time.Time, error) {
	now := m.opts.clock.Now()

	m.mu.Lock()
	rec := m.recs[sectionID]
	if rec == nil || !rec.ls.HeldBy(holderID, now) || rec.ls.LockID != lockID {
		m.mu.Unlock()
		return time.Time{}, ErrNotOwnedOrExpired
	}
	rec.ls.ExpiresAt = now.Add(m.opts.ttl)
	rec.ls.LastHeartbeatAt = now
	expires := rec.ls.ExpiresAt
	documentID := rec.documentID
	m.mu.Unlock()

	metrics.HeartbeatCounter.Inc()
	m.opts.publish(ctx, Event{
		Type: EventHeartbeat, SectionID: sectionID, DocumentID: documentID,
		Holder: holderID, ExpiresAt: expires,
	})
	return expires, nil
}

// Status implements Manager.Status.
func (m *InMemory) Status(ctx context.Context, sectionID string) (Status, error) {
	now := m.opts.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recs[sectionID]
	if rec == nil {
		return Status{SectionID: sectionID}, nil
	}
	return statusOf(sectionID, rec, now), nil
}

// DocumentStatus implements Manager.DocumentStatus.
func (m *InMemory) DocumentStatus(ctx context.Context, documentID string) ([]Status, error) {
	now := m.opts.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.docs[documentID]))
	for id := range m.docs[documentID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, statusOf(id, m.recs[id], now))
	}
	return out, nil
}

func statusOf(sectionID string, rec *record, now time.Time) Status {
	st := Status{
		SectionID:  sectionID,
		DocumentID: rec.documentID,
		Locked:     !rec.ls.ExpiredAt(now),
	}
	if st.Locked {
		st.Holder = rec.ls.Holder
		st.AcquiredAt = rec.ls.AcquiredAt
		st.ExpiresAt = rec.ls.ExpiresAt
	}
	return st
}
