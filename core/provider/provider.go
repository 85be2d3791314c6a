// Package provider defines the outbound action provider contract (spec
// §4.3) that the executor drives.
package provider

import (
	"context"

	"github.com/actionforge/gateway/core/types"
)

// ErrorKind classifies a provider failure so the executor can decide
// whether to retry (spec §4.3 "Errors are classified by kind").
type ErrorKind string

const (
	ErrConfiguration ErrorKind = "configuration"
	ErrSerialization ErrorKind = "serialization"
	ErrConnection    ErrorKind = "connection"
	ErrTimeout       ErrorKind = "timeout"
	ErrRateLimited   ErrorKind = "rate_limited"
	ErrUnauthorized  ErrorKind = "unauthorized"
	ErrExecution     ErrorKind = "execution"
	ErrTransient     ErrorKind = "transient"
)

// Retryable reports whether the executor should retry this kind of
// failure (spec §4.3: "Connection | Timeout | RateLimited | Transient
// ... retryable; others as terminal").
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrConnection, ErrTimeout, ErrRateLimited, ErrTransient:
		return true
	default:
		return false
	}
}

// Error is the typed provider error; RetryAfter is only meaningful when
// Kind == ErrRateLimited (spec §4.3 "Honour RateLimited.retry_after
// exactly when present").
type Error struct {
	Kind       ErrorKind
	Provider   string
	Message    string
	RetryAfter *int64 // seconds, only set for ErrRateLimited
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Status is the outcome of a single provider call (spec §4.3).
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial"
)

// Response is the successful result of Execute (spec §4.3
// ProviderResponse).
type Response struct {
	Status  Status
	Body    any
	Headers map[string]string
}

// Provider is the outbound action contract every registered provider
// implements.
type Provider interface {
	Name() string
	Execute(ctx context.Context, action types.Action) (Response, error)
	HealthCheck(ctx context.Context) error
}
