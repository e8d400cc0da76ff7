package session

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cowriteerrors "github.com/penlab/go-cowrite/v1/errors"
	"github.com/penlab/go-cowrite/v1/lease"
	"github.com/penlab/go-cowrite/v1/metrics"
)

var tracer = otel.Tracer("github.com/penlab/go-cowrite/v1/session")

const (
	sessionKeyPrefix = "cowrite:session:"
	docKeyPrefix     = "cowrite:doc:"
)

// A stale session found under the (document, user) index is deleted and
// replaced in the same script call, so two racing joins by the same user
// still end up with a single session.
var joinScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
local now = tonumber(ARGV[1])
if existing then
	local skey = ARGV[7] .. existing
	local act = tonumber(redis.call("HGET", skey, "activity_at") or "0")
	if act > 0 and now - act <= tonumber(ARGV[2]) then
		redis.call("HSET", skey, "activity_at", ARGV[1], "color", ARGV[6], "presence", "active")
		return existing
	end
	redis.call("DEL", skey)
	redis.call("SREM", KEYS[2], existing)
end
local skey = ARGV[7] .. ARGV[3]
redis.call("HSET", skey, "document", ARGV[4], "user", ARGV[5], "color", ARGV[6], "presence", "active", "cursor_set", "0", "current_section", "", "joined_at", ARGV[1], "activity_at", ARGV[1])
redis.call("SET", KEYS[1], ARGV[3])
redis.call("SADD", KEYS[2], ARGV[3])
return ARGV[3]
`)

// Both scripts return the session's document on success, so the event
// payload never needs a second round-trip.
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return {-1, ""}
end
if redis.call("HGET", KEYS[1], "user") ~= ARGV[1] then
	return {0, ""}
end
for i = 3, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("HSET", KEYS[1], "activity_at", ARGV[2])
return {1, redis.call("HGET", KEYS[1], "document")}
`)

var leaveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return {-1, ""}
end
local user = redis.call("HGET", KEYS[1], "user")
if user ~= ARGV[1] then
	return {0, ""}
end
local doc = redis.call("HGET", KEYS[1], "document")
redis.call("DEL", KEYS[1])
redis.call("SREM", ARGV[2] .. doc .. ":sessions", ARGV[3])
local ukey = ARGV[2] .. doc .. ":user:" .. user
if redis.call("GET", ukey) == ARGV[3] then
	redis.call("DEL", ukey)
end
return {1, doc}
`)

// Redis implements Manager against a Redis backend. Each session is a hash;
// ownership-checked mutations run as Lua scripts so the check and the write
// cannot interleave with another caller.
type Redis struct {
	client *redis.Client
	opts   options
}

// NewRedis returns a new Redis session manager using the provided client.
func NewRedis(client *redis.Client, opts ...Option) (*Redis, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}
	return &Redis{client: client, opts: o}, nil
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func docSessionsKey(documentID string) string { return docKeyPrefix + documentID + ":sessions" }

func docUserIndexKey(documentID, userID string) string {
	return docKeyPrefix + documentID + ":user:" + userID
}

func mapRedisErr(op string, err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return cowriteerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return cowriteerrors.ErrConnectionClosed
	}
	return fmt.Errorf("cowrite: %s: %w", op, err)
}

// Join implements Manager.Join.
func (r *Redis) Join(ctx context.Context, documentID, userID, displayColor string) (Session, error) {
	ctx, span := tracer.Start(ctx, "session.Join",
		trace.WithAttributes(attribute.String("document", documentID), attribute.String("user", userID)))
	defer span.End()

	now := r.opts.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	res, err := joinScript.Run(cctx, r.client,
		[]string{docUserIndexKey(documentID, userID), docSessionsKey(documentID)},
		now.UnixMilli(), r.opts.window.Milliseconds(), uuid.NewString(),
		documentID, userID, displayColor, sessionKeyPrefix,
	).Result()
	if err != nil {
		return Session{}, mapRedisErr("join", err)
	}
	id, ok := res.(string)
	if !ok {
		return Session{}, fmt.Errorf("cowrite: join: unexpected reply %v", res)
	}
	fields, err := r.client.HGetAll(cctx, sessionKey(id)).Result()
	if err != nil {
		return Session{}, mapRedisErr("join", err)
	}
	s, ok := sessionFromFields(id, fields)
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	metrics.JoinCounter.Inc()
	r.opts.publish(ctx, Event{Type: EventJoined, SessionID: id, DocumentID: documentID, UserID: userID})
	return s, nil
}

// Leave implements Manager.Leave.
func (r *Redis) Leave(ctx context.Context, sessionID, requestingUserID string) error {
	ctx, span := tracer.Start(ctx, "session.Leave",
		trace.WithAttributes(attribute.String("session", sessionID)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	res, err := leaveScript.Run(cctx, r.client,
		[]string{sessionKey(sessionID)},
		requestingUserID, docKeyPrefix, sessionID,
	).Result()
	if err != nil {
		return mapRedisErr("leave", err)
	}
	documentID, err := replyOutcome("leave", res)
	if err != nil {
		return err
	}

	metrics.LeaveCounter.Inc()
	r.opts.publish(ctx, Event{Type: EventLeft, SessionID: sessionID, DocumentID: documentID, UserID: requestingUserID})
	return nil
}

func (r *Redis) update(ctx context.Context, op, sessionID, requestingUserID string, fields ...interface{}) error {
	now := r.opts.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	args := append([]interface{}{requestingUserID, now.UnixMilli()}, fields...)
	res, err := updateScript.Run(cctx, r.client, []string{sessionKey(sessionID)}, args...).Result()
	if err != nil {
		return mapRedisErr(op, err)
	}
	documentID, err := replyOutcome(op, res)
	if err != nil {
		return err
	}

	r.opts.publish(ctx, Event{Type: EventUpdated, SessionID: sessionID, DocumentID: documentID, UserID: requestingUserID})
	return nil
}

// replyOutcome decodes the {outcome, document} pair returned by the
// ownership-checked scripts.
func replyOutcome(op string, res interface{}) (string, error) {
	reply, ok := res.([]interface{})
	if !ok || len(reply) < 2 {
		return "", fmt.Errorf("cowrite: %s: unexpected reply %v", op, res)
	}
	switch n, _ := reply[0].(int64); n {
	case -1:
		return "", ErrSessionNotFound
	case 0:
		return "", ErrUnauthorized
	}
	documentID, _ := reply[1].(string)
	return documentID, nil
}

// UpdateCursor implements Manager.UpdateCursor.
func (r *Redis) UpdateCursor(ctx context.Context, sessionID, requestingUserID string, cursor *Cursor) error {
	ctx, span := tracer.Start(ctx, "session.UpdateCursor",
		trace.WithAttributes(attribute.String("session", sessionID)))
	defer span.End()

	if cursor == nil {
		return r.update(ctx, "update cursor", sessionID, requestingUserID, "cursor_set", "0")
	}
	return r.update(ctx, "update cursor", sessionID, requestingUserID,
		"cursor_set", "1",
		"cursor_section", cursor.SectionID,
		"cursor_start", cursor.Start,
		"cursor_end", cursor.End,
	)
}

// UpdatePresence implements Manager.UpdatePresence.
func (r *Redis) UpdatePresence(ctx context.Context, sessionID, requestingUserID string, status Presence) error {
	ctx, span := tracer.Start(ctx, "session.UpdatePresence",
		trace.WithAttributes(attribute.String("session", sessionID)))
	defer span.End()

	if err := checkPresence(status); err != nil {
		return err
	}
	return r.update(ctx, "update presence", sessionID, requestingUserID, "presence", string(status))
}

// UpdateCurrentSection implements Manager.UpdateCurrentSection.
func (r *Redis) UpdateCurrentSection(ctx context.Context, sessionID, requestingUserID, sectionID string) error {
	ctx, span := tracer.Start(ctx, "session.UpdateCurrentSection",
		trace.WithAttributes(attribute.String("session", sessionID)))
	defer span.End()

	return r.update(ctx, "update current section", sessionID, requestingUserID, "current_section", sectionID)
}

// ListActive implements Manager.ListActive.
func (r *Redis) ListActive(ctx context.Context, documentID string) ([]Session, error) {
	ctx, span := tracer.Start(ctx, "session.ListActive",
		trace.WithAttributes(attribute.String("document", documentID)))
	defer span.End()

	now := r.opts.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	ids, err := r.client.SMembers(cctx, docSessionsKey(documentID)).Result()
	if err != nil {
		return nil, mapRedisErr("list active", err)
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(cctx, sessionKey(id)).Result()
		if err != nil {
			return nil, mapRedisErr("list active", err)
		}
		s, ok := sessionFromFields(id, fields)
		if !ok || !lease.FreshWithin(s.LastActivityAt, now, r.opts.window) {
			continue
		}
		out = append(out, s)
	}
	sortSessions(out)
	return out, nil
}

func sessionFromFields(id string, fields map[string]string) (Session, bool) {
	if len(fields) == 0 {
		return Session{}, false
	}
	joinedMs, _ := strconv.ParseInt(fields["joined_at"], 10, 64)
	activityMs, _ := strconv.ParseInt(fields["activity_at"], 10, 64)
	s := Session{
		ID:               id,
		DocumentID:       fields["document"],
		UserID:           fields["user"],
		DisplayColor:     fields["color"],
		Presence:         Presence(fields["presence"]),
		CurrentSectionID: fields["current_section"],
		JoinedAt:         time.UnixMilli(joinedMs),
		LastActivityAt:   time.UnixMilli(activityMs),
	}
	if fields["cursor_set"] == "1" {
		start, _ := strconv.Atoi(fields["cursor_start"])
		end, _ := strconv.Atoi(fields["cursor_end"])
		s.Cursor = &Cursor{SectionID: fields["cursor_section"], Start: start, End: end}
	}
	return s, true
}
