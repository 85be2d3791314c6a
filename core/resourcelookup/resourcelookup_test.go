package resourcelookup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLookup struct {
	result map[string]any
	err    error
}

func (s stubLookup) Lookup(ctx context.Context, resourceType string, params map[string]any) (map[string]any, error) {
	return s.result, s.err
}

func TestRegistry_LookupDispatchesByProviderName(t *testing.T) {
	r := NewRegistry()
	r.Register("crm", stubLookup{result: map[string]any{"tier": "gold"}})

	out, err := r.Lookup(context.Background(), "crm", "customer", map[string]any{"id": "1"})
	require.NoError(t, err)
	assert.Equal(t, "gold", out["tier"])
}

func TestRegistry_LookupUnknownProviderIsError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(context.Background(), "missing", "customer", nil)
	require.Error(t, err)
	var uerr ErrUnknownProvider
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "missing", uerr.Name)
}
