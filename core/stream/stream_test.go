package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionforge/gateway/core/audit"
)

// spec §4.8: response bodies/headers never reach a stream subscriber,
// and an approval URL is replaced with a placeholder.
func TestSanitize_StripsResponseFieldsAndRedactsApprovalURL(t *testing.T) {
	e := Event{
		ID:      "1",
		Outcome: "executed",
		Data: map[string]any{
			"response_body":    map[string]any{"secret": "x"},
			"response_headers": map[string]string{"Authorization": "y"},
			"approval_url":     "https://gateway.example/approve?sig=abc",
			"retry_after":      5,
		},
	}
	out := Sanitize(e)
	_, hasBody := out.Data["response_body"]
	_, hasHeaders := out.Data["response_headers"]
	assert.False(t, hasBody)
	assert.False(t, hasHeaders)
	assert.Equal(t, "[redacted]", out.Data["approval_url"])
	assert.Equal(t, 5, out.Data["retry_after"])
}

func TestFromAuditRecord_ReconstructsOutcomeAndData(t *testing.T) {
	rec := audit.Record{ID: "1", Outcome: "throttled", OutcomeDetails: map[string]any{"retry_after_seconds": int64(5)}}
	e := FromAuditRecord(rec)
	assert.Equal(t, "1", e.ID)
	assert.Equal(t, "throttled", e.Outcome)
	assert.EqualValues(t, 5, e.Data["retry_after_seconds"])
}

// spec §6: UUIDv7 ids are lexicographically sortable, so the replay
// filter is plain string comparison.
func TestReplayFilter_OnlyAdmitsNewerIDs(t *testing.T) {
	assert.True(t, ReplayFilter("018f0000-0000-7000-8000-000000000000", "018f0000-0000-7000-8000-000000000001"))
	assert.False(t, ReplayFilter("018f0000-0000-7000-8000-000000000001", "018f0000-0000-7000-8000-000000000000"))
	assert.False(t, ReplayFilter("018f0000-0000-7000-8000-000000000000", "018f0000-0000-7000-8000-000000000000"))
}

func TestBroadcaster_PublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(context.Background(), Event{ID: "1", Outcome: "executed", Data: map[string]any{"x": 1}})

	select {
	case e := <-ch1:
		assert.Equal(t, "1", e.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber 1")
	}
	select {
	case e := <-ch2:
		assert.Equal(t, "1", e.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber 2")
	}
}

func TestBroadcaster_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe(1)
	unsub()

	b.Publish(context.Background(), Event{ID: "1", Outcome: "executed"})
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBroadcaster_FullChannelDropsRatherThanBlocks(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), Event{ID: "1"})
		b.Publish(context.Background(), Event{ID: "2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
	require.Len(t, ch, 1)
}

func TestMarshalSSE_EncodesDataAsJSON(t *testing.T) {
	raw, err := MarshalSSE(Event{Data: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(raw))
}
