// Package types holds the data model shared across the dispatch gateway:
// actions, scopes, rule actions, verdicts, and outcomes.
package types

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a time-ordered, lexicographically sortable identifier
// (UUIDv7 semantics: the high bits embed a millisecond timestamp, so
// generation order and string order agree).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the entropy source is broken; fall back
		// to a random v4 rather than panic on a hot path.
		return uuid.NewString()
	}
	return id.String()
}

// IDTimestampMillis extracts the embedded millisecond timestamp from a
// UUIDv7 string, as used for SSE Last-Event-ID replay (spec §6).
func IDTimestampMillis(id string) (int64, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return 0, false
	}
	b := parsed[:]
	ms := int64(b[0])<<40 | int64(b[1])<<32 | int64(b[2])<<24 | int64(b[3])<<16 | int64(b[4])<<8 | int64(b[5])
	return ms, true
}

// SafeIdentifier reports whether name is a safe identifier for use as a
// plugin name or lock name component: no path separators, no "..".
func SafeIdentifier(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, "/\\:\x00")
}
