// Package embedding defines the EmbeddingSupport collaborator (spec
// §6) used by the expression evaluator's semantic_match built-in. All
// caching and rate-limiting is internal to the collaborator, per spec.
package embedding

import "context"

// Support computes topic/text similarity for semantic_match (spec §4.1
// "Semantic match").
type Support interface {
	Similarity(ctx context.Context, topic, text string) (float64, error)
	Available(ctx context.Context) bool
}

// FailOpenSupport wraps a Support so a collaborator error, or
// unavailability, returns a falsy similarity (0) rather than
// propagating when fail-open is configured (spec §4.1 "Fails open...
// when the embedding collaborator errors and fail-open is configured").
type FailOpenSupport struct {
	Inner    Support
	FailOpen bool
}

func (f FailOpenSupport) Similarity(ctx context.Context, topic, text string) (float64, error) {
	if f.Inner == nil || !f.Inner.Available(ctx) {
		if f.FailOpen {
			return 0, nil
		}
		return 0, ErrUnavailable
	}
	sim, err := f.Inner.Similarity(ctx, topic, text)
	if err != nil {
		if f.FailOpen {
			return 0, nil
		}
		return 0, err
	}
	return sim, nil
}

func (f FailOpenSupport) Available(ctx context.Context) bool {
	return f.Inner != nil && f.Inner.Available(ctx)
}

// ErrUnavailable is returned when fail-open is disabled and the
// collaborator cannot serve the request.
var ErrUnavailable = errUnavailable{}

type errUnavailable struct{}

func (errUnavailable) Error() string { return "embedding: collaborator unavailable" }
