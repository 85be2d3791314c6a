// Package quota implements the windowed counter checks dispatch stages 4
// and 8 rely on (spec §4.2): the tenant quota check and the per-verdict
// throttle check. Both build on the state substrate's atomic increment
// primitive; quota additionally keeps a local golang.org/x/time/rate
// limiter per policy as a per-instance rate signal. The limiter never
// decides: every Check still increments the substrate counter, and that
// count alone allows or rejects the action.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/actionforge/gateway/core/state"
	"github.com/actionforge/gateway/core/types"
)

// OverageBehavior selects what happens once a policy's window is
// exhausted (spec §4.2 stage 4).
type OverageBehavior string

const (
	OverageBlock   OverageBehavior = "block"
	OverageWarn    OverageBehavior = "warn"
	OverageDegrade OverageBehavior = "degrade"
	OverageNotify  OverageBehavior = "notify"
)

// Policy is one tenant quota definition.
type Policy struct {
	ID               string
	MaxActions       int64
	Window           time.Duration
	OverageBehavior  OverageBehavior
	FallbackProvider string // only meaningful for OverageDegrade
}

// Result reports whether the action may proceed and, if degraded, which
// provider to substitute.
type Result struct {
	Allowed          bool
	Behavior         OverageBehavior
	FallbackProvider string
	Count            int64
}

// Checker evaluates Policy instances against the state substrate.
type Checker struct {
	store state.Store

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewChecker(store state.Store) *Checker {
	return &Checker{store: store, limiters: make(map[string]*rate.Limiter)}
}

func (c *Checker) localLimiter(policy Policy) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[policy.ID]
	if !ok {
		perSecond := float64(policy.MaxActions) / policy.Window.Seconds()
		l = rate.NewLimiter(rate.Limit(perSecond), int(policy.MaxActions))
		c.limiters[policy.ID] = l
	}
	return l
}

// Check increments the tenant's windowed counter for policy and reports
// whether the action may proceed (spec §4.2 stage 4).
func (c *Checker) Check(ctx context.Context, scope types.Scope, policy Policy) (Result, error) {
	// Drains the local limiter's bucket so it tracks this instance's share
	// of the policy's rate; the substrate counter below remains the
	// authoritative decision, this is only a per-instance rate signal.
	_ = c.localLimiter(policy).Allow()

	key := state.NewKey(scope, state.KindCounter, fmt.Sprintf("quota:%s", policy.ID))
	count, err := c.store.Increment(ctx, key, 1, policy.Window)
	if err != nil {
		return Result{}, err
	}

	if count <= policy.MaxActions {
		return Result{Allowed: true, Count: count}, nil
	}

	res := Result{Allowed: false, Behavior: policy.OverageBehavior, Count: count}
	switch policy.OverageBehavior {
	case OverageDegrade:
		res.FallbackProvider = policy.FallbackProvider
		res.Allowed = true // degrade substitutes a provider rather than blocking
	case OverageWarn, OverageNotify:
		res.Allowed = true // warn/notify proceed but the caller logs/emits
	case OverageBlock, "":
		res.Allowed = false
	}
	return res, nil
}

// ThrottleSpec is a per-verdict Throttle{max, window} directive (spec
// §4.2 stage 8), independent of any named Policy.
type ThrottleSpec struct {
	Max    int64
	Window time.Duration
}

// ThrottleResult reports whether the throttle window counter is still
// within Max. The window is fixed: it starts at the first increment and
// lasts Window, not a sliding window over individual entries. When not
// allowed, RetryAfter is the full Window length, not the time left until
// the current window ends.
type ThrottleResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// CheckThrottle increments the action's throttle window counter keyed by
// discriminator (typically the action's dedup_key or a rule-supplied
// name).
func (c *Checker) CheckThrottle(ctx context.Context, scope types.Scope, discriminator string, spec ThrottleSpec) (ThrottleResult, error) {
	key := state.NewKey(scope, state.KindCounter, fmt.Sprintf("throttle:%s", discriminator))
	count, err := c.store.Increment(ctx, key, 1, spec.Window)
	if err != nil {
		return ThrottleResult{}, err
	}
	if count <= spec.Max {
		return ThrottleResult{Allowed: true}, nil
	}
	return ThrottleResult{Allowed: false, RetryAfter: spec.Window}, nil
}
