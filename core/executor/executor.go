// Package executor drives provider.Provider calls with bounded
// concurrency, retry/backoff, and dead-lettering (spec §4.3), grounded
// on the teacher's infrastructure/resilience.Retry wrapper around
// github.com/cenkalti/backoff/v4.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/actionforge/gateway/core/provider"
	"github.com/actionforge/gateway/core/types"
)

// Config tunes retry, timeout, and concurrency (spec §6 "executor
// (max_retries, timeout_seconds, max_concurrent, dlq_enabled)").
type Config struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Timeout       time.Duration
	MaxConcurrent int
	DLQEnabled    bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 32
	}
	return c
}

// Executor invokes providers under a concurrency semaphore, retrying
// retryable errors with jittered exponential backoff and dead-lettering
// terminal failures.
type Executor struct {
	cfg  Config
	sem  chan struct{}
	sink Sink
}

func New(cfg Config, sink Sink) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{cfg: cfg, sem: make(chan struct{}, cfg.MaxConcurrent), sink: sink}
}

// Execute runs p.Execute(action) with the configured retry protocol,
// returning either a successful Response or the final provider.Error.
// A successful or terminally-failed call is reported back via onOutcome
// so the caller (the circuit breaker, spec §4.4) observes success/failure.
func (e *Executor) Execute(ctx context.Context, p provider.Provider, action types.Action, onOutcome func(success bool)) (provider.Response, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return provider.Response{}, ctx.Err()
	}
	defer func() { <-e.sem }()

	var (
		resp     provider.Response
		attempts int
		lastErr  error
	)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BaseDelay
	bo.MaxInterval = e.cfg.MaxDelay
	bo.Multiplier = 2
	// RandomizationFactor 0.5 makes backoff draw each delay from
	// delay*[0.5, 1.5], matching the spec's retry protocol exactly.
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0
	withMax := backoff.WithMaxRetries(bo, uint64(e.cfg.MaxRetries))
	withCtx := backoff.WithContext(withMax, ctx)

	op := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()

		r, err := p.Execute(callCtx, action)
		if err == nil {
			resp = r
			lastErr = nil
			return nil
		}
		lastErr = err

		var perr *provider.Error
		if !errors.As(err, &perr) || !perr.Kind.Retryable() {
			return backoff.Permanent(err)
		}
		// Honour RateLimited.retry_after exactly when present, instead of
		// the computed exponential delay (spec §4.3).
		if perr.Kind == provider.ErrRateLimited && perr.RetryAfter != nil {
			select {
			case <-time.After(time.Duration(*perr.RetryAfter) * time.Second):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}

	err := backoff.Retry(op, withCtx)
	if err == nil {
		if onOutcome != nil {
			onOutcome(true)
		}
		return resp, nil
	}

	if onOutcome != nil {
		onOutcome(false)
	}
	if e.cfg.DLQEnabled {
		e.deadLetter(ctx, p.Name(), action, lastErr, attempts)
	}
	return provider.Response{}, lastErr
}

func (e *Executor) deadLetter(ctx context.Context, providerName string, action types.Action, err error, attempts int) {
	if e.sink == nil {
		return
	}
	var kind provider.ErrorKind
	var perr *provider.Error
	if errors.As(err, &perr) {
		kind = perr.Kind
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_ = e.sink.Append(ctx, DeadLetter{
		Action:    action,
		Provider:  providerName,
		FailedAt:  time.Now(),
		LastError: msg,
		ErrorKind: kind,
		Attempts:  attempts,
	})
}
