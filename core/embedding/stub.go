package embedding

import "context"

// Stub is the default EmbeddingSupport when no real embedding backend is
// configured (spec §6 "external collaborator interfaces + stub impls").
// It always reports itself unavailable, so FailOpenSupport resolves
// semantic_match to a falsy similarity whenever fail-open is set and
// errors otherwise.
type Stub struct{}

func (Stub) Similarity(ctx context.Context, topic, text string) (float64, error) {
	return 0, ErrUnavailable
}

func (Stub) Available(ctx context.Context) bool { return false }
