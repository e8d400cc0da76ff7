// Package presets assembles ready-to-use collaboration stacks so callers
// do not have to wire lock manager, session manager and event bus by hand.
package presets

import (
	"context"
	"database/sql"

	redis "github.com/redis/go-redis/v9"

	"github.com/penlab/go-cowrite/v1/bus"
	"github.com/penlab/go-cowrite/v1/lock"
	"github.com/penlab/go-cowrite/v1/session"
)

// Collab bundles the managers of one collaboration deployment. Both
// managers publish their events on Bus.
type Collab struct {
	Locks    lock.Manager
	Sessions session.Manager
	Bus      bus.Bus
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewStandalone creates a collaboration stack that runs entirely
// in-memory with no external dependencies. Useful for local development,
// tests and single-process deployments.
func NewStandalone(lockOpts []lock.Option, sessionOpts []session.Option) (Collab, error) {
	b := bus.NewInMemory()
	locks, err := lock.NewInMemory(append([]lock.Option{lock.WithBus(b)}, lockOpts...)...)
	if err != nil {
		return Collab{}, err
	}
	sessions, err := session.NewInMemory(append([]session.Option{session.WithBus(b)}, sessionOpts...)...)
	if err != nil {
		return Collab{}, err
	}
	return Collab{Locks: locks, Sessions: sessions, Bus: b}, nil
}

// NewRedis creates a collaboration stack backed by Redis: locks and
// sessions live in Redis and events fan out over Redis Pub/Sub, so any
// number of processes can share one deployment.
func NewRedis(opts RedisOptions, lockOpts []lock.Option, sessionOpts []session.Option) (Collab, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	b := bus.NewRedis(client)
	locks, err := lock.NewRedis(client, append([]lock.Option{lock.WithBus(b)}, lockOpts...)...)
	if err != nil {
		return Collab{}, err
	}
	sessions, err := session.NewRedis(client, append([]session.Option{session.WithBus(b)}, sessionOpts...)...)
	if err != nil {
		return Collab{}, err
	}
	return Collab{Locks: locks, Sessions: sessions, Bus: b}, nil
}

// NewPostgres creates a collaboration stack persisted in Postgres, with
// events fanned out over an in-process bus. Schemas are created if
// missing. Pair it with a networked bus when running more than one
// process against the same database.
func NewPostgres(ctx context.Context, db *sql.DB, lockOpts []lock.Option, sessionOpts []session.Option) (Collab, error) {
	b := bus.NewInMemory()
	locks, err := lock.NewPostgres(db, append([]lock.Option{lock.WithBus(b)}, lockOpts...)...)
	if err != nil {
		return Collab{}, err
	}
	if err := locks.EnsureSchema(ctx); err != nil {
		return Collab{}, err
	}
	sessions, err := session.NewPostgres(db, append([]session.Option{session.WithBus(b)}, sessionOpts...)...)
	if err != nil {
		return Collab{}, err
	}
	if err := sessions.EnsureSchema(ctx); err != nil {
		return Collab{}, err
	}
	return Collab{Locks: locks, Sessions: sessions, Bus: b}, nil
}
