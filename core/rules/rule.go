// Package rules holds the Rule/RuleSet model and the priority-ordered
// matcher that turns an action into a verdict (spec §3, §4.1).
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/actionforge/gateway/core/expr"
	"github.com/actionforge/gateway/core/types"
)

// Rule is a named, prioritized condition/action pair.
type Rule struct {
	Name       string
	Priority   int
	Enabled    bool
	Version    int64
	Condition  expr.Expr
	Action     types.RuleAction
	Source     string
	Metadata   map[string]string
	FailClosed bool // per-rule WasmCall fail-closed override
}

// Set is an immutable, priority-sorted rule set with O(1) reload swap.
// Readers always see a consistent snapshot: a hot reload builds a new Set
// and atomically replaces the pointer in an Engine.
type Set struct {
	rules   []Rule // sorted ascending by Priority, stable w.r.t. insertion order
	byName  map[string]int
}

// ErrDuplicateName is returned by NewSet when two rules share a name.
type ErrDuplicateName struct{ Name string }

func (e *ErrDuplicateName) Error() string {
	return fmt.Sprintf("duplicate rule name: %s", e.Name)
}

// NewSet validates and sorts rules into a Set. A rule set is a set by
// name (spec §3 invariants): loading two rules with the same name is a
// configuration error.
func NewSet(in []Rule) (*Set, error) {
	byName := make(map[string]int, len(in))
	rules := make([]Rule, len(in))
	copy(rules, in)

	// Stable sort by priority so equal-priority rules retain insertion
	// order (spec §4.1 matching protocol step 1).
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})

	for i, r := range rules {
		if _, dup := byName[r.Name]; dup {
			return nil, &ErrDuplicateName{Name: r.Name}
		}
		byName[r.Name] = i
	}

	return &Set{rules: rules, byName: byName}, nil
}

// Len returns the number of rules in the set.
func (s *Set) Len() int { return len(s.rules) }

// Lookup returns the rule with the given name, if present.
func (s *Set) Lookup(name string) (Rule, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Rule{}, false
	}
	return s.rules[i], true
}

// Engine holds a read-mostly Set behind a mutex for hot-reload (spec §5
// "rule set is read-mostly, protected by a read/write lock for
// hot-reload").
type Engine struct {
	mu  sync.RWMutex
	set *Set

	wasm      expr.PluginInvoker
	embedding expr.EmbeddingChecker
	counters  expr.Counters

	logger *slog.Logger
}

// NewEngine builds an Engine around an initial rule set.
func NewEngine(set *Set, wasm expr.PluginInvoker, embedding expr.EmbeddingChecker, counters expr.Counters, logger *slog.Logger) *Engine {
	if counters == nil {
		counters = noopCounters{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{set: set, wasm: wasm, embedding: embedding, counters: counters, logger: logger}
}

type noopCounters struct{}

func (noopCounters) IncWasmErrors() {}

// Reload atomically swaps in a new rule set; readers in flight keep using
// the snapshot they started with.
func (e *Engine) Reload(set *Set) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.set = set
}

// Snapshot returns the currently active Set.
func (e *Engine) Snapshot() *Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set
}

// MatchResult carries the verdict plus the optional WASM invocation detail
// the pipeline needs to apply a Modify action from plugin metadata.
type MatchResult struct {
	Verdict    types.Verdict
	WasmDetail *types.WasmInvocationResult
}

// Evaluate matches action against the currently active rule set and
// returns a verdict (spec §4.1 matching protocol).
func (e *Engine) Evaluate(ctx context.Context, ec *expr.EvalContext) (MatchResult, error) {
	set := e.Snapshot()
	ec.Wasm = e.wasm
	if ec.Embedding == nil {
		ec.Embedding = e.embedding
	}
	ec.Counters = e.counters

	for _, rule := range set.rules {
		if !rule.Enabled {
			continue
		}
		ec.FailClosedWasm = rule.FailClosed
		ec.LastWasmResult = nil

		result, err := expr.Evaluate(ctx, rule.Condition, ec)
		if err != nil {
			// Rule-level evaluation errors are caught at the rule
			// boundary: log, skip, continue (spec §4.1 Failure semantics).
			var stateErr *expr.StateAccessError
			if isStateAccessError(err, &stateErr) {
				return MatchResult{}, fmt.Errorf("rule %q: %w", rule.Name, err)
			}
			e.logger.Warn("rule evaluation error, skipping", "rule", rule.Name, "error", err)
			continue
		}
		if expr.Truthy(result) {
			verdict := types.ActionToVerdict(rule.Name, rule.Source, rule.Action)
			return MatchResult{Verdict: verdict, WasmDetail: ec.LastWasmResult}, nil
		}
	}
	return MatchResult{Verdict: types.AllowVerdict()}, nil
}

func isStateAccessError(err error, target **expr.StateAccessError) bool {
	for err != nil {
		if se, ok := err.(*expr.StateAccessError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
