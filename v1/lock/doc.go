// Package lock provides exclusive, time-bounded, crash-tolerant access to the
// sections of a co-edited document. Every claim is a lease: it expires on its
// own if the holder stops heartbeating, so a crashed editor never wedges a
// section for longer than one TTL. Expiry is lazy: an expired lease is
// detected at the next acquire or status check, never by a background
// sweeper. In-memory, Redis and Postgres implementations are provided; the
// networked ones perform every mutation as a single atomic conditional write,
// which is the sole mutual-exclusion mechanism in the system.
package lock
