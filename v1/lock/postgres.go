package lock

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	// Registers the "postgres" driver.
	_ "github.com/lib/pq"

	cowriteerrors "github.com/penlab/go-cowrite/v1/errors"
	"github.com/penlab/go-cowrite/v1/metrics"
)

const lockSchema = `
CREATE TABLE IF NOT EXISTS section_locks (
	section_id   TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL,
	holder       TEXT NOT NULL DEFAULT '',
	lock_id      TEXT NOT NULL DEFAULT '',
	acquired_at  TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	expires_at   TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
);
CREATE INDEX IF NOT EXISTS section_locks_document_idx ON section_locks (document_id);
`

// The upsert claims in one statement: the WHERE clause admits only a free
// row, an expired lease, or the caller's own live lease, and the CASE
// expressions keep the grant identity on a same-holder renewal.
const acquireQuery = `
WITH prev AS (
	SELECT holder, expires_at FROM section_locks WHERE section_id = $1
), claimed AS (
	INSERT INTO section_locks (section_id, document_id, holder, lock_id, acquired_at, expires_at, heartbeat_at)
	VALUES ($1, $2, $3, $4, $5, $6, $5)
	ON CONFLICT (section_id) DO UPDATE SET
		document_id  = EXCLUDED.document_id,
		holder       = EXCLUDED.holder,
		lock_id      = CASE WHEN section_locks.holder = $3 AND section_locks.expires_at > $5
		               THEN section_locks.lock_id ELSE EXCLUDED.lock_id END,
		acquired_at  = CASE WHEN section_locks.holder = $3 AND section_locks.expires_at > $5
		               THEN section_locks.acquired_at ELSE EXCLUDED.acquired_at END,
		expires_at   = EXCLUDED.expires_at,
		heartbeat_at = EXCLUDED.heartbeat_at
	WHERE section_locks.holder = '' OR section_locks.holder = $3 OR section_locks.expires_at <= $5
	RETURNING lock_id, acquired_at
)
SELECT c.lock_id, c.acquired_at,
	COALESCE(p.holder <> '' AND p.expires_at <= $5, FALSE)
FROM claimed c LEFT JOIN prev p ON TRUE
`

// Postgres implements Manager against a Postgres backend. Every mutation is
// one conditional statement, so the database's row-level atomicity provides
// the mutual exclusion.
type Postgres struct {
	db   *sql.DB
	opts options
}

// NewPostgres returns a new Postgres lock manager using the provided handle.
func NewPostgres(db *sql.DB, opts ...Option) (*Postgres, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}
	return &Postgres{db: db, opts: o}, nil
}

// EnsureSchema creates the section_locks table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()
	if _, err := p.db.ExecContext(cctx, lockSchema); err != nil {
		return mapPgErr("ensure schema", err)
	}
	return nil
}

func mapPgErr(op string, err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return cowriteerrors.ErrTimeout
	}
	if stdErrors.Is(err, sql.ErrConnDone) {
		return cowriteerrors.ErrConnectionClosed
	}
	return fmt.Errorf("cowrite: %s: %w", op, err)
}

// Acquire implements Manager.Acquire.
func (p *Postgres) Acquire(ctx context.Context, sectionID, documentID, holderID string) (Grant, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return Grant{}, err
	}
	now := p.opts.clock.Now()
	expires := now.Add(p.opts.ttl)

	cctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	var lockID string
	var acquiredAt time.Time
	var reclaimed bool
	err = p.db.QueryRowContext(cctx, acquireQuery,
		sectionID, documentID, holderID, id, now, expires,
	).Scan(&lockID, &acquiredAt, &reclaimed)
	if stdErrors.Is(err, sql.ErrNoRows) {
		// The conditional upsert matched nothing: someone else holds a live
		// lease. Read the holder for the contention report.
		var holder string
		selErr := p.db.QueryRowContext(cctx,
			`SELECT holder FROM section_locks WHERE section_id = $1`, sectionID,
		).Scan(&holder)
		if selErr != nil {
			return Grant{}, mapPgErr("acquire", selErr)
		}
		metrics.ContentionCounter.Inc()
		return Grant{}, &HeldError{Holder: holder}
	}
	if err != nil {
		return Grant{}, mapPgErr("acquire", err)
	}
	if reclaimed {
		metrics.ExpiredClaimCounter.Inc()
	}

	g := Grant{
		LockID:     lockID,
		SectionID:  sectionID,
		DocumentID: documentID,
		Holder:     holderID,
		AcquiredAt: acquiredAt,
		ExpiresAt:  expires,
	}
	metrics.AcquireCounter.Inc()
	p.opts.publish(ctx, Event{
		Type: EventAcquired, SectionID: sectionID, DocumentID: documentID,
		Holder: holderID, ExpiresAt: expires,
	})
	return g, nil
}

// Release implements Manager.Release.
func (p *Postgres) Release(ctx context.Context, sectionID, holderID string) error {
	now := p.opts.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	var documentID string
	err := p.db.QueryRowContext(cctx, `
UPDATE section_locks
SET holder = '', lock_id = '', expires_at = 'epoch'
WHERE section_id = $1 AND holder = $2 AND expires_at > $3
RETURNING document_id`,
		sectionID, holderID, now,
	).Scan(&documentID)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return ErrNotOwned
	}
	if err != nil {
		return mapPgErr("release", err)
	}

	metrics.ReleaseCounter.Inc()
	p.opts.publish(ctx, Event{
		Type: EventReleased, SectionID: sectionID, DocumentID: documentID,
		Holder: holderID,
	})
	return nil
}

// Heartbeat implements Manager.Heartbeat.
func (p *Postgres) Heartbeat(ctx context.Context, sectionID, holderID, lockID string) (time.Time, error) {
	now := p.opts.clock.Now()
	expires := now.Add(p.opts.ttl)
	cctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	var documentID string
	err := p.db.QueryRowContext(cctx, `
UPDATE section_locks
SET expires_at = $4, heartbeat_at = $5
WHERE section_id = $1 AND holder = $2 AND lock_id = $3 AND expires_at > $5
RETURNING document_id`,
		sectionID, holderID, lockID, expires, now,
	).Scan(&documentID)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotOwnedOrExpired
	}
	if err != nil {
		return time.Time{}, mapPgErr("heartbeat", err)
	}

	metrics.HeartbeatCounter.Inc()
	p.opts.publish(ctx, Event{
		Type: EventHeartbeat, SectionID: sectionID, DocumentID: documentID,
		Holder: holderID, ExpiresAt: expires,
	})
	return expires, nil
}

// Status implements Manager.Status.
func (p *Postgres) Status(ctx context.Context, sectionID string) (Status, error) {
	now := p.opts.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	var st Status
	var holder string
	var acquiredAt, expiresAt time.Time
	err := p.db.QueryRowContext(cctx, `
SELECT document_id, holder, acquired_at, expires_at
FROM section_locks WHERE section_id = $1`, sectionID,
	).Scan(&st.DocumentID, &holder, &acquiredAt, &expiresAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return Status{SectionID: sectionID}, nil
	}
	if err != nil {
		return Status{}, mapPgErr("status", err)
	}
	st.SectionID = sectionID
	if holder != "" && expiresAt.After(now) {
		st.Locked = true
		st.Holder = holder
		st.AcquiredAt = acquiredAt
		st.ExpiresAt = expiresAt
	}
	return st, nil
}

// DocumentStatus implements Manager.DocumentStatus.
func (p *Postgres) DocumentStatus(ctx context.Context, documentID string) ([]Status, error) {
	now := p.opts.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	rows, err := p.db.QueryContext(cctx, `
SELECT section_id, holder, acquired_at, expires_at
FROM section_locks WHERE document_id = $1 ORDER BY section_id`, documentID)
	if err != nil {
		return nil, mapPgErr("document status", err)
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		var st Status
		var holder string
		var acquiredAt, expiresAt time.Time
		if err := rows.Scan(&st.SectionID, &holder, &acquiredAt, &expiresAt); err != nil {
			return nil, mapPgErr("document status", err)
		}
		st.DocumentID = documentID
		if holder != "" && expiresAt.After(now) {
			st.Locked = true
			st.Holder = holder
			st.AcquiredAt = acquiredAt
			st.ExpiresAt = expiresAt
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgErr("document status", err)
	}
	return out, nil
}
