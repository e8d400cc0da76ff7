// cowrite-sim runs simulated editors against one document and reports
// how lock contention plays out: how often sections are claimed on the
// first try, refused, or reclaimed after a peer stops heartbeating.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/penlab/go-cowrite/v1/lock"
	"github.com/penlab/go-cowrite/v1/presets"
	"github.com/penlab/go-cowrite/v1/session"
)

var (
	editors   = flag.Int("editors", 8, "Number of simulated editors")
	sections  = flag.Int("sections", 4, "Number of document sections")
	duration  = flag.Duration("duration", 10*time.Second, "How long to run")
	ttl       = flag.Duration("ttl", 2*time.Second, "Lock lease TTL")
	redisAddr = flag.String("redis", "", "Redis address; empty runs in-memory")
)

func main() {
	flag.Parse()

	var (
		c   presets.Collab
		err error
	)
	lockOpts := []lock.Option{lock.WithTTL(*ttl)}
	sessionOpts := []session.Option{session.WithWindow(*duration)}
	if *redisAddr != "" {
		log.Printf("Using Redis at %s", *redisAddr)
		c, err = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, lockOpts, sessionOpts)
	} else {
		log.Println("Using in-memory backend")
		c, err = presets.NewStandalone(lockOpts, sessionOpts)
	}
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}

	log.Printf("Starting simulation: %d editors, %d sections, TTL %v, for %v",
		*editors, *sections, *ttl, *duration)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var acquired, refused, reclaimed, edits int64

	var g errgroup.Group
	for i := 0; i < *editors; i++ {
		user := fmt.Sprintf("editor-%d", i)
		g.Go(func() error {
			s, err := c.Sessions.Join(ctx, "sim-doc", user, "#cccccc")
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for ctx.Err() == nil {
				sectionID := fmt.Sprintf("section-%d", rng.Intn(*sections))
				grant, err := c.Locks.Acquire(ctx, sectionID, "sim-doc", user)
				var held *lock.HeldError
				switch {
				case errors.As(err, &held):
					atomic.AddInt64(&refused, 1)
					time.Sleep(time.Duration(rng.Intn(50)) * time.Millisecond)
					continue
				case err != nil:
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				atomic.AddInt64(&acquired, 1)

				// Hold the section for a while, heartbeating; some editors
				// abandon their lock to exercise expiry reclaim.
				hold := time.Duration(rng.Intn(int(*ttl))) * 2
				if rng.Intn(10) == 0 {
					time.Sleep(hold)
					atomic.AddInt64(&reclaimed, 1)
					continue
				}
				deadline := time.Now().Add(hold)
				for time.Now().Before(deadline) && ctx.Err() == nil {
					time.Sleep(*ttl / 3)
					if _, err := c.Locks.Heartbeat(ctx, sectionID, user, grant.LockID); err != nil {
						break
					}
					_ = c.Sessions.UpdateCurrentSection(ctx, s.ID, user, sectionID)
				}
				atomic.AddInt64(&edits, 1)
				_ = c.Locks.Release(ctx, sectionID, user)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}

	log.Printf("Acquired:  %d", atomic.LoadInt64(&acquired))
	log.Printf("Refused:   %d", atomic.LoadInt64(&refused))
	log.Printf("Abandoned: %d", atomic.LoadInt64(&reclaimed))
	log.Printf("Completed: %d edits", atomic.LoadInt64(&edits))
}
