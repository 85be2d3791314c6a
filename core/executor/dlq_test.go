package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionforge/gateway/core/provider"
	"github.com/actionforge/gateway/core/types"
)

func TestEncryptedSink_SealsActionPayload(t *testing.T) {
	inner := NewMemorySink()
	key := make([]byte, 32)
	sink, err := NewEncryptedSink(inner, key)
	require.NoError(t, err)

	dl := DeadLetter{
		Action:    types.Action{ID: "a1", Payload: map[string]any{"secret": "value"}},
		Provider:  "email",
		ErrorKind: provider.ErrTransient,
	}
	require.NoError(t, sink.Append(context.Background(), dl))

	entries := inner.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "a1", entries[0].Action.ID)
	assert.Nil(t, entries[0].Action.Payload)
	sealed, ok := entries[0].Action.Metadata["sealed_payload"]
	require.True(t, ok)
	assert.NotContains(t, sealed, "secret")
	assert.NotContains(t, sealed, "value")
}

func TestEncryptedSink_DistinctNoncesPerRecord(t *testing.T) {
	inner := NewMemorySink()
	key := make([]byte, 32)
	sink, err := NewEncryptedSink(inner, key)
	require.NoError(t, err)

	dl := DeadLetter{Action: types.Action{ID: "a1", Payload: map[string]any{"x": 1}}}
	require.NoError(t, sink.Append(context.Background(), dl))
	require.NoError(t, sink.Append(context.Background(), dl))

	entries := inner.List()
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].Action.Metadata["sealed_payload"], entries[1].Action.Metadata["sealed_payload"])
}
