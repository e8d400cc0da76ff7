package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cowriteerrors "github.com/penlab/go-cowrite/v1/errors"
	"github.com/penlab/go-cowrite/v1/metrics"
)

var tracer = otel.Tracer("github.com/penlab/go-cowrite/v1/lock")

const (
	lockKeyPrefix = "cowrite:lock:"
	docKeyPrefix  = "cowrite:doc:"
	docKeySuffix  = ":locks"
)

// The claim is a single conditional write: the script decides free/renew/held
// and mutates in the same call, so two racing acquirers can never both win.
// Expiry is a stored timestamp compared against the caller's clock; the key
// itself never expires because lock rows are long-lived and reused. A fresh
// claim may move the section to another document, dropping the stale index
// entry in the same call.
var acquireScript = redis.NewScript(`
local holder = redis.call("HGET", KEYS[1], "holder")
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
local now = tonumber(ARGV[1])
if holder and holder ~= "" and exp > now and holder ~= ARGV[2] then
	return {0, holder}
end
redis.call("SADD", KEYS[2], ARGV[5])
if holder and holder == ARGV[2] and exp > now then
	redis.call("HSET", KEYS[1], "expires_at", ARGV[4], "heartbeat_at", ARGV[1])
	return {1, redis.call("HGET", KEYS[1], "lock_id"), redis.call("HGET", KEYS[1], "acquired_at"), 0}
end
local reclaimed = 0
if holder and holder ~= "" then
	reclaimed = 1
end
local doc = redis.call("HGET", KEYS[1], "document")
if doc and doc ~= ARGV[6] then
	redis.call("SREM", ARGV[7] .. doc .. ARGV[8], ARGV[5])
end
redis.call("HSET", KEYS[1], "document", ARGV[6], "holder", ARGV[2], "lock_id", ARGV[3], "acquired_at", ARGV[1], "expires_at", ARGV[4], "heartbeat_at", ARGV[1])
return {1, ARGV[3], ARGV[1], reclaimed}
`)

// On success both scripts also return the section's document, so the event
// payload never needs a second round-trip.
var releaseScript = redis.NewScript(`
local holder = redis.call("HGET", KEYS[1], "holder")
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
if not holder or holder == "" or exp <= tonumber(ARGV[1]) or holder ~= ARGV[2] then
	return {0, ""}
end
redis.call("HSET", KEYS[1], "holder", "", "lock_id", "", "expires_at", "0")
return {1, redis.call("HGET", KEYS[1], "document")}
`)

var heartbeatScript = redis.NewScript(`
local holder = redis.call("HGET", KEYS[1], "holder")
local id = redis.call("HGET", KEYS[1], "lock_id")
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
if not holder or holder ~= ARGV[2] or id ~= ARGV[3] or exp <= tonumber(ARGV[1]) then
	return {0, ""}
end
redis.call("HSET", KEYS[1], "expires_at", ARGV[4], "heartbeat_at", ARGV[1])
return {1, redis.call("HGET", KEYS[1], "document")}
`)

// Redis implements Manager against a Redis backend. Each section is a hash
// mutated only through Lua scripts, so every check-and-claim is one atomic
// round-trip.
type Redis struct {
	client *redis.Client
	opts   options
}

// NewRedis returns a new Redis lock manager using the provided client.
func NewRedis(client *redis.Client, opts ...Option) (*Redis, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}
	return &Redis{client: client, opts: o}, nil
}

func lockKey(sectionID string) string { return lockKeyPrefix + sectionID }

func docLocksKey(documentID string) string { return docKeyPrefix + documentID + docKeySuffix }

func mapRedisErr(op string, err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return cowriteerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return cowriteerrors.ErrConnectionClosed
	}
	return fmt.Errorf("cowrite: %s: %w", op, err)
}

// Acquire implements Manager.Acquire.
func (r *Redis) Acquire(ctx context.Context, sectionID, documentID, holderID string) (Grant, error) {
	ctx, span := tracer.Start(ctx, "lock.Acquire",
		trace.WithAttributes(attribute.String("section", sectionID), attribute.String("holder", holderID)))
	defer span.End()

	id, err := uuid.GenerateUUID()
	if err != nil {
		return Grant{}, err
	}
	now := r.opts.clock.Now()
	expires := now.Add(r.opts.ttl)

	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	res, err := acquireScript.Run(cctx, r.client,
		[]string{lockKey(sectionID), docLocksKey(documentID)},
		now.UnixMilli(), holderID, id, expires.UnixMilli(), sectionID, documentID,
		docKeyPrefix, docKeySuffix,
	).Result()
	if err != nil {
		return Grant{}, mapRedisErr("acquire", err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) < 2 {
		return Grant{}, fmt.Errorf("cowrite: acquire: unexpected reply %v", res)
	}
	if n, _ := reply[0].(int64); n == 0 {
		holder, _ := reply[1].(string)
		metrics.ContentionCounter.Inc()
		return Grant{}, &HeldError{Holder: holder}
	}
	if len(reply) < 4 {
		return Grant{}, fmt.Errorf("cowrite: acquire: unexpected reply %v", res)
	}
	lockID, _ := reply[1].(string)
	acquiredMs, err := replyInt(reply[2])
	if err != nil {
		return Grant{}, fmt.Errorf("cowrite: acquire: %w", err)
	}
	if reclaimed, _ := replyInt(reply[3]); reclaimed == 1 {
		metrics.ExpiredClaimCounter.Inc()
	}

	g := Grant{
		LockID:     lockID,
		SectionID:  sectionID,
		DocumentID: documentID,
		Holder:     holderID,
		AcquiredAt: time.UnixMilli(acquiredMs),
		ExpiresAt:  expires,
	}
	metrics.AcquireCounter.Inc()
	r.opts.publish(ctx, Event{
		Type: EventAcquired, SectionID: sectionID, DocumentID: documentID,
		Holder: holderID, ExpiresAt: expires,
	})
	return g, nil
}

// Release implements Manager.Release.
func (r *Redis) Release(ctx context.Context, sectionID, holderID string) error {
	ctx, span := tracer.Start(ctx, "lock.Release",
		trace.WithAttributes(attribute.String("section", sectionID), attribute.String("holder", holderID)))
	defer span.End()

	now := r.opts.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	res, err := releaseScript.Run(cctx, r.client,
		[]string{lockKey(sectionID)}, now.UnixMilli(), holderID,
	).Result()
	if err != nil {
		return mapRedisErr("release", err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) < 2 {
		return fmt.Errorf("cowrite: release: unexpected reply %v", res)
	}
	if n, _ := reply[0].(int64); n == 0 {
		return ErrNotOwned
	}
	documentID, _ := reply[1].(string)

	metrics.ReleaseCounter.Inc()
	r.opts.publish(ctx, Event{
		Type: EventReleased, SectionID: sectionID, DocumentID: documentID,
		Holder: holderID,
	})
	return nil
}

// Heartbeat implements Manager.Heartbeat.
func (r *Redis) Heartbeat(ctx context.Context, sectionID, holderID, lockID string) (time.Time, error) {
	ctx, span := tracer.Start(ctx, "lock.Heartbeat",
		trace.WithAttributes(attribute.String("section", sectionID), attribute.String("holder", holderID)))
	defer span.End()

	now := r.opts.clock.Now()
	expires := now.Add(r.opts.ttl)
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	res, err := heartbeatScript.Run(cctx, r.client,
		[]string{lockKey(sectionID)},
		now.UnixMilli(), holderID, lockID, expires.UnixMilli(),
	).Result()
	if err != nil {
		return time.Time{}, mapRedisErr("heartbeat", err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) < 2 {
		return time.Time{}, fmt.Errorf("cowrite: heartbeat: unexpected reply %v", res)
	}
	if n, _ := reply[0].(int64); n == 0 {
		return time.Time{}, ErrNotOwnedOrExpired
	}
	documentID, _ := reply[1].(string)

	metrics.HeartbeatCounter.Inc()
	r.opts.publish(ctx, Event{
		Type: EventHeartbeat, SectionID: sectionID, DocumentID: documentID,
		Holder: holderID, ExpiresAt: expires,
	})
	return expires, nil
}

// Status implements Manager.Status.
func (r *Redis) Status(ctx context.Context, sectionID string) (Status, error) {
	ctx, span := tracer.Start(ctx, "lock.Status",
		trace.WithAttributes(attribute.String("section", sectionID)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	fields, err := r.client.HGetAll(cctx, lockKey(sectionID)).Result()
	if err != nil {
		return Status{}, mapRedisErr("status", err)
	}
	return statusFromFields(sectionID, fields, r.opts.clock.Now()), nil
}

// DocumentStatus implements Manager.DocumentStatus.
func (r *Redis) DocumentStatus(ctx context.Context, documentID string) ([]Status, error) {
	ctx, span := tracer.Start(ctx, "lock.DocumentStatus",
		trace.WithAttributes(attribute.String("document", documentID)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	ids, err := r.client.SMembers(cctx, docLocksKey(documentID)).Result()
	if err != nil {
		return nil, mapRedisErr("document status", err)
	}
	sort.Strings(ids)
	now := r.opts.clock.Now()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(cctx, lockKey(id)).Result()
		if err != nil {
			return nil, mapRedisErr("document status", err)
		}
		out = append(out, statusFromFields(id, fields, now))
	}
	return out, nil
}

func statusFromFields(sectionID string, fields map[string]string, now time.Time) Status {
	st := Status{SectionID: sectionID, DocumentID: fields["document"]}
	holder := fields["holder"]
	expMs, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	if holder == "" || expMs <= now.UnixMilli() {
		return st
	}
	acqMs, _ := strconv.ParseInt(fields["acquired_at"], 10, 64)
	st.Locked = true
	st.Holder = holder
	st.AcquiredAt = time.UnixMilli(acqMs)
	st.ExpiresAt = time.UnixMilli(expMs)
	return st
}

func replyInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply element %T", v)
	}
}
