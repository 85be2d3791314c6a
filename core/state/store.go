package state

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/actionforge/gateway/core/types"
)

// ErrNotFound is returned by Get/Delete-adjacent calls that surface
// absence rather than hiding it.
var ErrNotFound = errors.New("state: key not found")

// ErrNotInteger is returned by Counter when the stored value under a
// Counter-kind key is not an ASCII integer (spec §4.1 state_counter).
var ErrNotInteger = errors.New("state: value is not an integer")

// Store is the StateStore contract (spec §4.7). Backends may provide
// best-effort ordering for ScanKeys; callers may not assume any order
// other than "if a key is present, it appears exactly once."
type Store interface {
	Get(ctx context.Context, key Key) (value string, ok bool, err error)
	Set(ctx context.Context, key Key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key Key) error
	Increment(ctx context.Context, key Key, delta int64, ttl time.Duration) (int64, error)
	CompareAndSet(ctx context.Context, key Key, expected *string, newValue *string, ttl time.Duration) (bool, error)
	ScanKeys(ctx context.Context, scope types.Scope, kind Kind, cursor string) (keys []Key, values []string, nextCursor string, err error)

	IndexTimeout(ctx context.Context, key Key, fireAtMillis int64) error
	PollDueTimeouts(ctx context.Context, nowMillis int64, maxBatch int) ([]Key, error)
	RemoveTimeoutIndex(ctx context.Context, key Key) error
}

// ExprAdapter implements expr.StateReader: a thin adapter from the
// (scope, raw key string) shape the expression evaluator uses to the
// typed Key a Store expects. Get (used by state_get and state_time_since)
// addresses the State kind; Counter (used by state_counter) addresses the
// Counter kind, where quota and throttle counters are incremented.
type ExprAdapter struct {
	Store Store
}

func (a ExprAdapter) Get(ctx context.Context, scope types.Scope, key string) (string, bool, error) {
	return a.Store.Get(ctx, NewKey(scope, KindState, key))
}

func (a ExprAdapter) Counter(ctx context.Context, scope types.Scope, key string) (int64, error) {
	v, ok, err := a.Store.Get(ctx, NewKey(scope, KindCounter, key))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	return n, nil
}
