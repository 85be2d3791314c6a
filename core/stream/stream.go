// Package stream publishes sanitized StreamEvents to SSE subscribers
// and supports Last-Event-ID replay (spec §4.8, §6 "Admin/HTTP
// collaborator").
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/actionforge/gateway/core/audit"
)

// Event is one broadcast notification (spec §4.2 stage 12, §6 SSE
// framing: id = audit_record.id, event = outcome_category).
type Event struct {
	ID      string         `json:"id"`
	Outcome string         `json:"outcome"`
	Data    map[string]any `json:"data"`
}

// approvalURLPlaceholder replaces an HMAC-bearing approval URL so it
// never reaches a stream subscriber (spec §4.8 "Stream event
// sanitization").
const approvalURLPlaceholder = "[redacted]"

// Sanitize strips provider response bodies/headers and approval URLs
// before broadcast (spec §4.8).
func Sanitize(e Event) Event {
	data := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		switch k {
		case "response_body", "response_headers":
			continue
		case "approval_url":
			data[k] = approvalURLPlaceholder
		default:
			data[k] = v
		}
	}
	return Event{ID: e.ID, Outcome: e.Outcome, Data: data}
}

// FromAuditRecord partially reconstructs a StreamEvent for replay from
// (outcome, outcome_details); fields intentionally absent from audit
// stay absent here too (spec §4.8 "Reconstruction for SSE replay").
func FromAuditRecord(rec audit.Record) Event {
	return Sanitize(Event{ID: rec.ID, Outcome: rec.Outcome, Data: rec.OutcomeDetails})
}

// ReplayFilter reports whether a replayed candidate event should be
// redelivered to a reconnecting subscriber resuming from lastEventID.
// UUIDv7 is lexicographically sortable, so string comparison suffices
// (spec §6 "deduplicate against the live broadcast using event_id <=
// last_replayed_id").
func ReplayFilter(lastEventID, candidateID string) bool {
	return candidateID > lastEventID
}

// Broadcaster fans one published Event out to any number of
// subscribers, each with its own bounded channel so a slow subscriber
// cannot block others. Publish never waits on a full channel: that
// subscriber misses the event.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and an unsubscribe func.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
	}
}

// Publish sanitizes and fans e out; a full subscriber channel drops the
// event for that subscriber rather than blocking the publisher.
func (b *Broadcaster) Publish(ctx context.Context, e Event) {
	sanitized := Sanitize(e)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- sanitized:
		case <-ctx.Done():
			return
		default:
		}
	}
}

// MarshalSSE renders an Event as the "data:" line payload (spec §6:
// "data: sanitized outcome JSON").
func MarshalSSE(e Event) ([]byte, error) {
	return json.Marshal(e.Data)
}
