// Package breaker implements the per-provider circuit breaker state
// machine (spec §4.4). Unlike the teacher's infrastructure/resilience
// wrapper — which hands sony/gobreaker a single in-process closure to
// execute — this breaker's state must be visible to every gatewayd
// instance, so the state machine is driven explicitly (check/report
// instead of Execute) and persisted in the state substrate under the
// distributed lock keyed by provider name (spec §4.4 "Persistence").
// The State enum is still borrowed directly from gobreaker so the two
// packages describe the same three-state machine the same way.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/actionforge/gateway/core/lock"
	"github.com/actionforge/gateway/core/state"
	"github.com/actionforge/gateway/core/types"
)

// State mirrors gobreaker's three-value state machine (spec §4.4).
type State gobreaker.State

const (
	StateClosed   = State(gobreaker.StateClosed)
	StateOpen     = State(gobreaker.StateOpen)
	StateHalfOpen = State(gobreaker.StateHalfOpen)
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Check when the breaker is open and no healthy
// fallback provider was substituted by the caller.
var ErrOpen = errors.New("breaker: circuit is open")

// ErrProbeInFlight is the thundering-herd guard: a half-open probe is
// already outstanding (spec §4.4 "HalfOpen | check() when probe in
// flight | Open | reject").
var ErrProbeInFlight = errors.New("breaker: probe already in flight")

// Config is one provider's breaker tuning (spec §4.4).
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	FallbackProvider string
}

// record is the persisted breaker row (spec §4.4 state fields), JSON
// encoded under a CircuitBreaker-kind key.
type record struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ConsecutiveSuccess  int       `json:"consecutive_successes"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	ProbeInFlight       bool      `json:"probe_in_flight"`
}

// Registry holds one breaker configuration per provider and drives the
// shared, lock-serialized state machine against the state substrate.
type Registry struct {
	store   state.Store
	locks   lock.Lock
	configs map[string]Config
	lockTTL time.Duration
}

func NewRegistry(store state.Store, locks lock.Lock, configs map[string]Config) *Registry {
	return &Registry{store: store, locks: locks, configs: configs, lockTTL: 5 * time.Second}
}

// Fallback returns the configured fallback_provider for provider, if any
// (spec §4.4 Config.fallback_provider).
func (r *Registry) Fallback(provider string) (string, bool) {
	cfg, ok := r.configs[provider]
	if !ok || cfg.FallbackProvider == "" {
		return "", false
	}
	return cfg.FallbackProvider, true
}

// Validate rejects self-referential and cyclic fallback graphs at build
// time (spec §4.4 "Fallback graph validation").
func (r *Registry) Validate() error {
	for name := range r.configs {
		visited := map[string]bool{}
		cur := name
		for {
			cfg, ok := r.configs[cur]
			if !ok || cfg.FallbackProvider == "" {
				break
			}
			if cfg.FallbackProvider == name {
				return fmt.Errorf("breaker: provider %q has a cyclic fallback graph", name)
			}
			if visited[cfg.FallbackProvider] {
				return fmt.Errorf("breaker: provider %q has a cyclic fallback graph", name)
			}
			visited[cfg.FallbackProvider] = true
			cur = cfg.FallbackProvider
		}
	}
	return nil
}

func breakerKey(namespace, tenant, provider string) state.Key {
	return state.NewKey(types.Scope{Namespace: namespace, Tenant: tenant}, state.KindCircuitBreaker, provider)
}

// Check asks whether a call to provider may proceed right now, per the
// spec §4.4 transition table. It mutates persisted state for Open→HalfOpen
// and the probe-admission transitions, all under the provider's lock.
func (r *Registry) Check(ctx context.Context, namespace, tenant, provider string) (State, error) {
	cfg, ok := r.configs[provider]
	if !ok {
		return StateClosed, nil
	}

	lockName := "breaker:" + provider
	token, err := r.locks.TryAcquire(ctx, lockName, r.lockTTL)
	if err != nil {
		return StateClosed, err
	}
	defer r.locks.Release(ctx, lockName, token)

	key := breakerKey(namespace, tenant, provider)
	rec, err := r.load(ctx, key)
	if err != nil {
		return StateClosed, err
	}

	switch rec.State {
	case StateClosed:
		return StateClosed, nil

	case StateOpen:
		if time.Since(rec.LastFailureTime) >= cfg.RecoveryTimeout {
			rec.State = StateHalfOpen
			rec.ProbeInFlight = true
			if err := r.save(ctx, key, rec); err != nil {
				return StateClosed, err
			}
			return StateHalfOpen, nil
		}
		return StateOpen, ErrOpen

	case StateHalfOpen:
		if rec.ProbeInFlight {
			rec.State = StateOpen
			rec.ProbeInFlight = false
			rec.LastFailureTime = time.Now()
			if err := r.save(ctx, key, rec); err != nil {
				return StateClosed, err
			}
			return StateOpen, ErrProbeInFlight
		}
		rec.ProbeInFlight = true
		if err := r.save(ctx, key, rec); err != nil {
			return StateClosed, err
		}
		return StateHalfOpen, nil
	}
	return StateClosed, nil
}

// ReportSuccess and ReportFailure feed a completed call's outcome back
// into the state machine (spec §4.4).
func (r *Registry) ReportSuccess(ctx context.Context, namespace, tenant, provider string) error {
	return r.transition(ctx, namespace, tenant, provider, true)
}

func (r *Registry) ReportFailure(ctx context.Context, namespace, tenant, provider string) error {
	return r.transition(ctx, namespace, tenant, provider, false)
}

func (r *Registry) transition(ctx context.Context, namespace, tenant, provider string, success bool) error {
	cfg, ok := r.configs[provider]
	if !ok {
		return nil
	}

	lockName := "breaker:" + provider
	token, err := r.locks.TryAcquire(ctx, lockName, r.lockTTL)
	if err != nil {
		return err
	}
	defer r.locks.Release(ctx, lockName, token)

	key := breakerKey(namespace, tenant, provider)
	rec, err := r.load(ctx, key)
	if err != nil {
		return err
	}

	switch rec.State {
	case StateClosed:
		if success {
			rec.ConsecutiveFailures = 0
		} else {
			rec.ConsecutiveFailures++
			if rec.ConsecutiveFailures >= cfg.FailureThreshold {
				rec.State = StateOpen
				rec.LastFailureTime = time.Now()
			}
		}
	case StateHalfOpen:
		if success {
			rec.ConsecutiveSuccess++
			rec.ProbeInFlight = false
			if rec.ConsecutiveSuccess >= cfg.SuccessThreshold {
				rec.State = StateClosed
				rec.ConsecutiveFailures = 0
				rec.ConsecutiveSuccess = 0
			}
		} else {
			rec.State = StateOpen
			rec.ProbeInFlight = false
			rec.LastFailureTime = time.Now()
			rec.ConsecutiveSuccess = 0
		}
	case StateOpen:
		// A report racing with a concurrent Check's Open->HalfOpen
		// transition is resolved by the lock; nothing to do here.
	}
	return r.save(ctx, key, rec)
}

func (r *Registry) load(ctx context.Context, key state.Key) (record, error) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return record{}, err
	}
	if !ok {
		return record{State: StateClosed}, nil
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return record{}, err
	}
	return rec, nil
}

func (r *Registry) save(ctx context.Context, key state.Key, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, key, string(raw), 0)
}
