package llm

import "context"

// AllowAllEvaluator is the default LlmEvaluator when no real guardrail
// backend is configured (spec §6 "external collaborator interfaces +
// stub impls"). It allows every action, so a deployment with no
// guardrail wired behaves as if stage 3 were absent.
type AllowAllEvaluator struct{}

func (AllowAllEvaluator) Evaluate(ctx context.Context, action map[string]any, policy string) (Result, error) {
	return Result{Decision: DecisionAllow}, nil
}
