// Package errors defines the infrastructure error sentinels shared by the
// networked lock and session backends. Contention, ownership and not-found
// outcomes are not represented here; those are typed results owned by the
// lock and session packages.
package errors

import "errors"

var (
	// ErrTimeout reports that a backing-store round-trip exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed reports that the backing-store connection is gone.
	ErrConnectionClosed = errors.New("connection closed")
)
