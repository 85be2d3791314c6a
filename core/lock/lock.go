// Package lock implements the distributed lock contract (spec §4.4
// "Circuit breaker state transitions" and §4.5 "Chain advancement" both
// require a mutual-exclusion primitive so only one dispatcher instance
// can flip a breaker or advance a chain at a time). Grounded on the
// teacher's infrastructure/resilience lease pattern: acquire with a TTL,
// renew before it expires, release on completion.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Release/Renew when the caller's token no
// longer matches the current holder (lost the lease, or never had it).
var ErrNotHeld = errors.New("lock: token is not the current holder")

// ErrAlreadyHeld is returned by TryAcquire when another token currently
// holds the lock and its lease has not expired.
var ErrAlreadyHeld = errors.New("lock: already held by another token")

// Lock is the distributed mutual-exclusion contract. A single
// implementation may be backed by the memory Store (single process) or a
// Redis SET NX EX-style primitive (adapters/lockredis, multi-process).
type Lock interface {
	// TryAcquire attempts to take the lock identified by name for ttl,
	// returning a token that must be presented to Renew/Release. Returns
	// ErrAlreadyHeld if another live holder exists.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (token string, err error)

	// Renew extends the lease for an already-held lock. Returns ErrNotHeld
	// if token is stale.
	Renew(ctx context.Context, name, token string, ttl time.Duration) error

	// Release gives up the lock early. Returns ErrNotHeld if token is
	// stale; releasing an already-expired lock is a no-op success.
	Release(ctx context.Context, name, token string) error
}
