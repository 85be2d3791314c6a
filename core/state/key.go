// Package state defines the typed, namespaced key/value store contract
// (spec §4.7, §3 "Typed state keyspace") and a memory-backed
// implementation. Every backend — memory here, Redis/Postgres as
// adapters — is built from the same Key type so no call site can
// accidentally leak across scopes (spec §9 "Keyspace discipline").
package state

import (
	"fmt"

	"github.com/actionforge/gateway/core/types"
)

// Kind discriminates the category of a keyspace entry (spec §3).
type Kind string

const (
	KindState            Kind = "state"
	KindCounter          Kind = "counter"
	KindDeduplication    Kind = "dedup"
	KindSchedule         Kind = "schedule"
	KindChain            Kind = "chain"
	KindPendingRecurring Kind = "pending_recurring"
	KindRecurringAction  Kind = "recurring_action"
	KindPendingApproval  Kind = "pending_approval"
	KindCircuitBreaker   Kind = "circuit_breaker"
	KindTimeoutIndex     Kind = "timeout_index"
	KindGroup            Kind = "group"
)

// Key is the 4-tuple every read/write addresses (spec §3, §6 "Typed
// keyspace on disk").
type Key struct {
	Scope         types.Scope
	Kind          Kind
	Discriminator string
}

// NewKey builds a Key from a scope, kind and discriminator — the single
// centralized constructor every call site must go through.
func NewKey(scope types.Scope, kind Kind, discriminator string) Key {
	return Key{Scope: scope, Kind: kind, Discriminator: discriminator}
}

// String renders the on-disk form: "{namespace}:{tenant}:{kind}:{discriminator}"
// (spec §6). A configurable backend prefix is added by the backend, not
// here, so the logical key stays prefix-agnostic.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Scope.Namespace, k.Scope.Tenant, k.Kind, k.Discriminator)
}
