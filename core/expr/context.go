package expr

import (
	"context"
	"time"

	"github.com/actionforge/gateway/core/types"
)

// StateReader is the subset of the state substrate contract (spec §4.7)
// the expression evaluator needs for state_get/state_counter/state_time_since.
// Defining it here (rather than importing core/state) keeps expr free of
// a dependency on the state backend's own machinery.
type StateReader interface {
	Get(ctx context.Context, scope types.Scope, key string) (string, bool, error)
	Counter(ctx context.Context, scope types.Scope, key string) (int64, error)
}

// EmbeddingChecker is the EmbeddingSupport collaborator (spec §6).
type EmbeddingChecker interface {
	Similarity(ctx context.Context, topic, text string) (float64, error)
	Available() bool
}

// PluginInvoker is the WASM-like plugin sandbox entry point (spec §4.6)
// as seen from expression evaluation.
type PluginInvoker interface {
	Invoke(ctx context.Context, plugin, function string, input any) (types.WasmInvocationResult, error)
}

// Counters lets the evaluator report operational counters (wasm_errors)
// without depending on a metrics package.
type Counters interface {
	IncWasmErrors()
}

type noopCounters struct{}

func (noopCounters) IncWasmErrors() {}

// EvalContext is the environment an Expr is evaluated against (spec §4.1).
type EvalContext struct {
	Action          types.Action
	Environment     map[string]string
	Now             time.Time
	State           StateReader
	DefaultTimezone string
	Wasm            PluginInvoker
	Embedding       EmbeddingChecker
	Counters        Counters

	// FailClosedWasm, when true, treats a WasmCall runtime error as a
	// hard evaluation error instead of failing open. Set per-rule by the
	// caller (matcher) rather than carried on the Expr node.
	FailClosedWasm bool

	// LastWasmResult is populated after a WasmCall node evaluates
	// successfully, so the matcher can surface the full
	// WasmInvocationResult (message, metadata) to the pipeline for a
	// Modify action to apply (spec §4.1 plugin call).
	LastWasmResult *types.WasmInvocationResult

	scope types.Scope
}

// NewEvalContext builds an EvalContext, deriving the scope from the action.
func NewEvalContext(action types.Action, environment map[string]string, now time.Time) *EvalContext {
	if environment == nil {
		environment = map[string]string{}
	}
	return &EvalContext{
		Action:          action,
		Environment:     environment,
		Now:             now,
		DefaultTimezone: "UTC",
		Counters:        noopCounters{},
		scope:           action.Scope(),
	}
}

func (c *EvalContext) Scope() types.Scope { return c.scope }
