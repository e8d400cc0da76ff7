package session

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"

	"github.com/google/uuid"
	// Registers the "postgres" driver.
	_ "github.com/lib/pq"

	cowriteerrors "github.com/penlab/go-cowrite/v1/errors"
	"github.com/penlab/go-cowrite/v1/metrics"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS collaboration_sessions (
	id              TEXT PRIMARY KEY,
	document_id     TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	display_color   TEXT NOT NULL DEFAULT '',
	presence        TEXT NOT NULL DEFAULT 'active',
	cursor_section  TEXT,
	cursor_start    INTEGER,
	cursor_end      INTEGER,
	current_section TEXT NOT NULL DEFAULT '',
	joined_at       TIMESTAMPTZ NOT NULL,
	activity_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (document_id, user_id)
);
CREATE INDEX IF NOT EXISTS collaboration_sessions_document_idx
	ON collaboration_sessions (document_id, activity_at);
`

// One row per (document, user): a fresh row is reused as-is, a stale leftover
// from an ungraceful disconnect is reset to a brand new session in the same
// statement.
const joinQuery = `
INSERT INTO collaboration_sessions
	(id, document_id, user_id, display_color, presence, current_section, joined_at, activity_at)
VALUES ($1, $2, $3, $4, 'active', '', $5, $5)
ON CONFLICT (document_id, user_id) DO UPDATE SET
	display_color   = EXCLUDED.display_color,
	presence        = 'active',
	activity_at     = EXCLUDED.activity_at,
	id              = CASE WHEN collaboration_sessions.activity_at >= $6
	                  THEN collaboration_sessions.id ELSE EXCLUDED.id END,
	joined_at       = CASE WHEN collaboration_sessions.activity_at >= $6
	                  THEN collaboration_sessions.joined_at ELSE EXCLUDED.joined_at END,
	cursor_section  = CASE WHEN collaboration_sessions.activity_at >= $6
	                  THEN collaboration_sessions.cursor_section ELSE NULL END,
	cursor_start    = CASE WHEN collaboration_sessions.activity_at >= $6
	                  THEN collaboration_sessions.cursor_start ELSE NULL END,
	cursor_end      = CASE WHEN collaboration_sessions.activity_at >= $6
	                  THEN collaboration_sessions.cursor_end ELSE NULL END,
	current_section = CASE WHEN collaboration_sessions.activity_at >= $6
	                  THEN collaboration_sessions.current_section ELSE '' END
RETURNING id, joined_at, cursor_section, cursor_start, cursor_end, current_section
`

// Postgres implements Manager against a Postgres backend.
type Postgres struct {
	db   *sql.DB
	opts options
}

// NewPostgres returns a new Postgres session manager using the provided
// handle.
func NewPostgres(db *sql.DB, opts ...Option) (*Postgres, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}
	return &Postgres{db: db, opts: o}, nil
}

// EnsureSchema creates the collaboration_sessions table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()
	if _, err := p.db.ExecContext(cctx, sessionSchema); err != nil {
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

// Join implements Manager.Join.
func (p *Postgres) Join(ctx context.Context, documentID, userID, displayColor string) (Session, error) {
	now := p.opts.clock.Now()
	cutoff := now.Add(-p.opts.window)
	cctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	s := Session{
		DocumentID:     documentID,
		UserID:         userID,
		DisplayColor:   displayColor,
		Presence:       PresenceActive,
		LastActivityAt: now,
	}
	var cursorSection sql.NullString
	var cursorStart, cursorEnd sql.NullInt32
	err := p.db.QueryRowContext(cctx, joinQuery,
		uuid.NewString(), documentID, userID, displayColor, now, cutoff,
	).Scan(&s.ID, &s.JoinedAt, &cursorSection, &cursorStart, &cursorEnd, &s.CurrentSectionID)
	if err != nil {
		return Session{}, mapPgErr("join", err)
	}
	if cursorSection.Valid {
		s.Cursor = &Cursor{
			SectionID: cursorSection.String,
			Start:     int(cursorStart.Int32),
			End:       int(cursorEnd.Int32),
		}
	}

	metrics.JoinCounter.Inc()
	p.opts.publish(ctx, Event{Type: EventJoined, SessionID: s.ID, DocumentID: documentID, UserID: userID})
	return s, nil
}

// classifyMiss distinguishes a missing session from an ownership violation
// after a conditional mutation matched no row.
func (p *Postgres) classifyMiss(ctx context.Context, sessionID string) error {
	var owner string
	err := p.db.QueryRowContext(ctx,
		`SELECT user_id FROM collaboration_sessions WHERE id = $1`, sessionID,
	).Scan(&owner)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return mapPgErr("session lookup", err)
	}
	return ErrUnauthorized
}

// Leave implements Manager.Leave.
func (p *Postgres) Leave(ctx context.Context, sessionID, requestingUserID string) error {
	cctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	var documentID string
	err := p.db.QueryRowContext(cctx, `
DELETE FROM collaboration_sessions WHERE id = $1 AND user_id = $2
RETURNING document_id`,
		sessionID, requestingUserID,
	).Scan(&documentID)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return p.classifyMiss(cctx, sessionID)
	}
	if err != nil {
		return mapPgErr("leave", err)
	}

	metrics.LeaveCounter.Inc()
	p.opts.publish(ctx, Event{Type: EventLeft, SessionID: sessionID, DocumentID: documentID, UserID: requestingUserID})
	return nil
}

func (p *Postgres) update(ctx context.Context, op, set, sessionID, requestingUserID string, args ...interface{}) error {
	now := p.opts.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
UPDATE collaboration_sessions SET %s, activity_at = $3
WHERE id = $1 AND user_id = $2
RETURNING document_id`, set)
	full := append([]interface{}{sessionID, requestingUserID, now}, args...)

	var documentID string
	err := p.db.QueryRowContext(cctx, query, full...).Scan(&documentID)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return p.classifyMiss(cctx, sessionID)
	}
	if err != nil {
		return mapPgErr(op, err)
	}

	p.opts.publish(ctx, Event{Type: EventUpdated, SessionID: sessionID, DocumentID: documentID, UserID: requestingUserID})
	return nil
}

// UpdateCursor implements Manager.UpdateCursor.
func (p *Postgres) UpdateCursor(ctx context.Context, sessionID, requestingUserID string, cursor *Cursor) error {
	if cursor == nil {
		return p.update(ctx, "update cursor",
			"cursor_section = NULL, cursor_start = NULL, cursor_end = NULL",
			sessionID, requestingUserID)
	}
	return p.update(ctx, "update cursor",
		"cursor_section = $4, cursor_start = $5, cursor_end = $6",
		sessionID, requestingUserID, cursor.SectionID, cursor.Start, cursor.End)
}

// UpdatePresence implements Manager.UpdatePresence.
func (p *Postgres) UpdatePresence(ctx context.Context, sessionID, requestingUserID string, status Presence) error {
	if err := checkPresence(status); err != nil {
		return err
	}
	return p.update(ctx, "update presence", "presence = $4",
		sessionID, requestingUserID, string(status))
}

// UpdateCurrentSection implements Manager.UpdateCurrentSection.
func (p *Postgres) UpdateCurrentSection(ctx context.Context, sessionID, requestingUserID, sectionID string) error {
	return p.update(ctx, "update current section", "current_section = $4",
		sessionID, requestingUserID, sectionID)
}

// ListActive implements Manager.ListActive.
func (p *Postgres) ListActive(ctx context.Context, documentID string) ([]Session, error) {
	now := p.opts.clock.Now()
	cutoff := now.Add(-p.opts.window)
	cctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	rows, err := p.db.QueryContext(cctx, `
SELECT id, user_id, display_color, presence, cursor_section, cursor_start, cursor_end,
	current_section, joined_at, activity_at
FROM collaboration_sessions
WHERE document_id = $1 AND activity_at >= $2
ORDER BY joined_at, id`, documentID, cutoff)
	if err != nil {
		return nil, mapPgErr("list active", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s := Session{DocumentID: documentID}
		var cursorSection sql.NullString
		var cursorStart, cursorEnd sql.NullInt32
		if err := rows.Scan(&s.ID, &s.UserID, &s.DisplayColor, &s.Presence,
			&cursorSection, &cursorStart, &cursorEnd,
			&s.CurrentSectionID, &s.JoinedAt, &s.LastActivityAt); err != nil {
			return nil, mapPgErr("list active", err)
		}
		if cursorSection.Valid {
			s.Cursor = &Cursor{
				SectionID: cursorSection.String,
				Start:     int(cursorStart.Int32),
				End:       int(cursorEnd.Int32),
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgErr("list active", err)
	}
	return out, nil
}
