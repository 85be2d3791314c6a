// Package audit builds and persists AuditRecord values (spec §4.8),
// including field redaction and optional hash-chaining.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is the persisted audit row (spec §4.8 "AuditRecord").
type Record struct {
	ID             string         `json:"id"`
	ActionID       string         `json:"action_id"`
	ChainID        string         `json:"chain_id,omitempty"`
	Namespace      string         `json:"namespace"`
	Tenant         string         `json:"tenant"`
	Provider       string         `json:"provider"`
	ActionType     string         `json:"action_type"`
	Verdict        string         `json:"verdict"`
	MatchedRule    string         `json:"matched_rule,omitempty"`
	Outcome        string         `json:"outcome"`
	ActionPayload  map[string]any `json:"action_payload,omitempty"`
	VerdictDetails map[string]any `json:"verdict_details,omitempty"`
	OutcomeDetails map[string]any `json:"outcome_details,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	DispatchedAt   time.Time      `json:"dispatched_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	DurationMS     int64          `json:"duration_ms"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	CallerID       string         `json:"caller_id"`
	AuthMethod     string         `json:"auth_method"`
	RecordHash     string         `json:"record_hash,omitempty"`
	PreviousHash   string         `json:"previous_hash,omitempty"`
	SequenceNumber int64          `json:"sequence_number,omitempty"`
}

// NewID returns a UUIDv7 audit record identifier (spec §4.8 "id
// (UUIDv7)").
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Redactor replaces a configured set of dotted, case-insensitive field
// paths within action_payload with a placeholder (spec §4.8 "Field
// redaction").
type Redactor struct {
	paths       map[string]bool
	placeholder string
}

func NewRedactor(paths []string, placeholder string) *Redactor {
	if placeholder == "" {
		placeholder = "[redacted]"
	}
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[strings.ToLower(p)] = true
	}
	return &Redactor{paths: set, placeholder: placeholder}
}

// Redact returns a copy of payload with configured paths replaced.
func (r *Redactor) Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	return r.redactMap(payload, "")
}

func (r *Redactor) redactMap(m map[string]any, prefix string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if r.paths[strings.ToLower(path)] {
			out[k] = r.placeholder
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = r.redactMap(nested, path)
			continue
		}
		out[k] = v
	}
	return out
}

// Sink is an append-only audit destination; compliance-mode callers
// write synchronously on the hot path, others enqueue onto a bounded
// tracker task set (spec §4.2 stage 11).
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// HashChain wraps a Sink so each record's previous_hash is the SHA-256 of
// the prior record's canonical JSON form (spec §4.8 "hash-chain mode").
// It is itself a Sink, so it composes transparently with any backend.
type HashChain struct {
	inner    Sink
	lastHash string
	seq      int64
}

func NewHashChain(inner Sink) *HashChain {
	return &HashChain{inner: inner}
}

func (h *HashChain) Write(ctx context.Context, rec Record) error {
	rec.PreviousHash = h.lastHash
	rec.SequenceNumber = h.seq

	canonical, err := canonicalJSON(rec)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(canonical)
	rec.RecordHash = hex.EncodeToString(sum[:])

	h.lastHash = rec.RecordHash
	h.seq++
	return h.inner.Write(ctx, rec)
}

// canonicalJSON marshals with sorted map keys, which encoding/json
// already guarantees for map[string]any, giving a stable hash input.
func canonicalJSON(rec Record) ([]byte, error) {
	rec.RecordHash = ""
	return json.Marshal(rec)
}
