package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type stubSupport struct {
	sim       float64
	err       error
	available bool
}

func (s stubSupport) Similarity(ctx context.Context, topic, text string) (float64, error) {
	return s.sim, s.err
}
func (s stubSupport) Available(ctx context.Context) bool { return s.available }

func TestFailOpenSupport_ReturnsZeroOnErrorWhenFailOpen(t *testing.T) {
	f := FailOpenSupport{Inner: stubSupport{err: errBoom, available: true}, FailOpen: true}
	sim, err := f.Similarity(context.Background(), "t", "x")
	require.NoError(t, err)
	assert.Zero(t, sim)
}

func TestFailOpenSupport_PropagatesErrorWhenFailClosed(t *testing.T) {
	f := FailOpenSupport{Inner: stubSupport{err: errBoom, available: true}, FailOpen: false}
	_, err := f.Similarity(context.Background(), "t", "x")
	assert.Error(t, err)
}

func TestFailOpenSupport_UnavailableFailsOpenToZero(t *testing.T) {
	f := FailOpenSupport{Inner: stubSupport{available: false}, FailOpen: true}
	sim, err := f.Similarity(context.Background(), "t", "x")
	require.NoError(t, err)
	assert.Zero(t, sim)
}

func TestFailOpenSupport_UnavailableFailsClosedReturnsErrUnavailable(t *testing.T) {
	f := FailOpenSupport{Inner: stubSupport{available: false}, FailOpen: false}
	_, err := f.Similarity(context.Background(), "t", "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFailOpenSupport_NilInnerIsUnavailable(t *testing.T) {
	f := FailOpenSupport{FailOpen: false}
	assert.False(t, f.Available(context.Background()))
	_, err := f.Similarity(context.Background(), "t", "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFailOpenSupport_PassesThroughSuccessfulSimilarity(t *testing.T) {
	f := FailOpenSupport{Inner: stubSupport{sim: 0.8, available: true}}
	sim, err := f.Similarity(context.Background(), "t", "x")
	require.NoError(t, err)
	assert.Equal(t, 0.8, sim)
}
