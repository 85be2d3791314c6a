// Package llm defines the LlmEvaluator guardrail collaborator (spec §6,
// §4.2 stage 3).
package llm

import "context"

// Decision is the guardrail's verdict on a candidate action.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Result is the guardrail's full response.
type Result struct {
	Decision Decision
	Reason   string
}

// Evaluator is the LLM guardrail contract (spec §6: "evaluate(action,
// policy) -> Allow | Deny(reason) | Error").
type Evaluator interface {
	Evaluate(ctx context.Context, action map[string]any, policy string) (Result, error)
}

// FailOpenEvaluator converts guardrail errors to Allow when fail-open is
// configured (spec §4.2 stage 3: "Fail-open (default true) converts
// guardrail errors into Allow").
type FailOpenEvaluator struct {
	Inner    Evaluator
	FailOpen bool
}

func (f FailOpenEvaluator) Evaluate(ctx context.Context, action map[string]any, policy string) (Result, error) {
	res, err := f.Inner.Evaluate(ctx, action, policy)
	if err != nil {
		if f.FailOpen {
			return Result{Decision: DecisionAllow, Reason: "guardrail error, fail-open"}, nil
		}
		return Result{}, err
	}
	return res, nil
}
