package dlqpg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionforge/gateway/core/executor"
	"github.com/actionforge/gateway/core/provider"
	"github.com/actionforge/gateway/core/types"
)

func TestToRowFromRow_RoundTripsPayloadAndMetadata(t *testing.T) {
	dl := executor.DeadLetter{
		Action: types.Action{
			ID:         "a1",
			Namespace:  "ns",
			Tenant:     "t1",
			Provider:   "email",
			ActionType: "send",
			Payload:    map[string]any{"to": "x"},
			Metadata:   map[string]string{"trace_id": "t-1"},
		},
		Provider:  "email",
		FailedAt:  time.Now().UTC().Truncate(time.Microsecond),
		LastError: "down",
		ErrorKind: provider.ErrTransient,
		Attempts:  3,
	}

	r, err := toRow(dl)
	require.NoError(t, err)
	assert.Equal(t, "a1", r.ActionID)
	assert.Contains(t, string(r.Payload), `"to":"x"`)
	assert.Contains(t, string(r.Metadata), `"trace_id":"t-1"`)

	back, err := fromRow(r)
	require.NoError(t, err)
	assert.Equal(t, dl.Action.ID, back.Action.ID)
	assert.Equal(t, "x", back.Action.Payload["to"])
	assert.Equal(t, "t-1", back.Action.Metadata["trace_id"])
	assert.Equal(t, dl.ErrorKind, back.ErrorKind)
	assert.Equal(t, dl.Attempts, back.Attempts)
}

func TestToRowFromRow_NilPayloadAndMetadataStayNil(t *testing.T) {
	dl := executor.DeadLetter{Action: types.Action{ID: "a1"}}

	r, err := toRow(dl)
	require.NoError(t, err)
	assert.Nil(t, r.Payload)
	assert.Nil(t, r.Metadata)

	back, err := fromRow(r)
	require.NoError(t, err)
	assert.Nil(t, back.Action.Payload)
	assert.Nil(t, back.Action.Metadata)
}

func TestOpen_BlankDSNIsError(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestMigrationFiles_ContainsInitUpAndDownMigrations(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "0001_init.up.sql")
	assert.Contains(t, names, "0001_init.down.sql")
}
