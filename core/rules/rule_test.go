package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionforge/gateway/core/expr"
	"github.com/actionforge/gateway/core/types"
)

func testEvalContext() *expr.EvalContext {
	action := types.Action{ID: "a1", Namespace: "ns", Tenant: "t1", Payload: map[string]any{}}
	return expr.NewEvalContext(action, nil, time.Now())
}

func TestNewSet_SortsByPriorityStably(t *testing.T) {
	set, err := NewSet([]Rule{
		{Name: "b", Priority: 2, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionAllow}},
		{Name: "a", Priority: 1, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionDeny}},
		{Name: "c", Priority: 2, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionSuppress}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())
	assert.Equal(t, "a", set.rules[0].Name)
	// equal priority 2: "b" inserted before "c", stable sort keeps that order
	assert.Equal(t, "b", set.rules[1].Name)
	assert.Equal(t, "c", set.rules[2].Name)
}

func TestNewSet_DuplicateNameIsError(t *testing.T) {
	_, err := NewSet([]Rule{
		{Name: "dup", Priority: 1, Enabled: true, Condition: expr.BoolLit{Value: true}},
		{Name: "dup", Priority: 2, Enabled: true, Condition: expr.BoolLit{Value: true}},
	})
	require.Error(t, err)
	var dupErr *ErrDuplicateName
	assert.ErrorAs(t, err, &dupErr)
}

// spec §8: priority wins — the first enabled matching rule fires, and
// rules after it are never evaluated (its provider/action is never called
// from here, but we assert only the first match's verdict is returned).
func TestEngine_Evaluate_FirstMatchWins(t *testing.T) {
	set, err := NewSet([]Rule{
		{Name: "p:1", Priority: 1, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionDeny}},
		{Name: "p:2", Priority: 2, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionAllow}},
	})
	require.NoError(t, err)
	engine := NewEngine(set, nil, nil, nil, nil)

	result, err := engine.Evaluate(context.Background(), testEvalContext())
	require.NoError(t, err)
	assert.Equal(t, types.VerdictDeny, result.Verdict.Kind)
	assert.Equal(t, "p:1", result.Verdict.RuleName)
}

func TestEngine_Evaluate_NoMatchIsAllow(t *testing.T) {
	set, err := NewSet([]Rule{
		{Name: "never", Priority: 1, Enabled: true, Condition: expr.BoolLit{Value: false}, Action: types.RuleAction{Kind: types.ActionDeny}},
	})
	require.NoError(t, err)
	engine := NewEngine(set, nil, nil, nil, nil)

	result, err := engine.Evaluate(context.Background(), testEvalContext())
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAllow, result.Verdict.Kind)
	assert.Empty(t, result.Verdict.RuleName)
}

func TestEngine_Evaluate_DisabledRuleSkipped(t *testing.T) {
	set, err := NewSet([]Rule{
		{Name: "disabled", Priority: 1, Enabled: false, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionDeny}},
		{Name: "fallback", Priority: 2, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionAllow}},
	})
	require.NoError(t, err)
	engine := NewEngine(set, nil, nil, nil, nil)

	result, err := engine.Evaluate(context.Background(), testEvalContext())
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAllow, result.Verdict.Kind)
	assert.Equal(t, "fallback", result.Verdict.RuleName)
}

// spec §4.1 Failure semantics: a rule whose condition errors is skipped,
// evaluation continues to later rules.
func TestEngine_Evaluate_ErroringRuleSkipped(t *testing.T) {
	set, err := NewSet([]Rule{
		{Name: "broken", Priority: 1, Enabled: true, Condition: expr.Ident{Name: "undefined_var"}, Action: types.RuleAction{Kind: types.ActionDeny}},
		{Name: "fallback", Priority: 2, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionAllow}},
	})
	require.NoError(t, err)
	engine := NewEngine(set, nil, nil, nil, nil)

	result, err := engine.Evaluate(context.Background(), testEvalContext())
	require.NoError(t, err)
	assert.Equal(t, "fallback", result.Verdict.RuleName)
}

// spec §4.1: a state_* access error aborts the dispatch (the one error
// class that is not merely skipped at the rule boundary).
func TestEngine_Evaluate_StateAccessErrorAborts(t *testing.T) {
	set, err := NewSet([]Rule{
		{Name: "needs-state", Priority: 1, Enabled: true, Condition: expr.StateCounter{Key: expr.StringLit{Value: "k"}}, Action: types.RuleAction{Kind: types.ActionDeny}},
	})
	require.NoError(t, err)
	engine := NewEngine(set, nil, nil, nil, nil)

	ec := testEvalContext()
	// no State configured on ec -> evalStateCounter returns StateAccessError
	_, err = engine.Evaluate(context.Background(), ec)
	require.Error(t, err)
}

func TestEngine_Reload_SwapsSnapshot(t *testing.T) {
	set1, err := NewSet([]Rule{{Name: "r1", Priority: 1, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionAllow}}})
	require.NoError(t, err)
	engine := NewEngine(set1, nil, nil, nil, nil)
	assert.Equal(t, 1, engine.Snapshot().Len())

	set2, err := NewSet([]Rule{
		{Name: "r1", Priority: 1, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionAllow}},
		{Name: "r2", Priority: 2, Enabled: true, Condition: expr.BoolLit{Value: true}, Action: types.RuleAction{Kind: types.ActionAllow}},
	})
	require.NoError(t, err)
	engine.Reload(set2)
	assert.Equal(t, 2, engine.Snapshot().Len())
}

func TestFingerprint_DeterministicAndOrderIndependent(t *testing.T) {
	setA, err := NewSet([]Rule{
		{Name: "a", Priority: 1, Enabled: true, Version: 1, Condition: expr.BoolLit{Value: true}},
		{Name: "b", Priority: 2, Enabled: true, Version: 2, Condition: expr.BoolLit{Value: true}},
	})
	require.NoError(t, err)
	setB, err := NewSet([]Rule{
		{Name: "b", Priority: 2, Enabled: true, Version: 2, Condition: expr.BoolLit{Value: true}},
		{Name: "a", Priority: 1, Enabled: true, Version: 1, Condition: expr.BoolLit{Value: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, setA.Fingerprint(), setB.Fingerprint())
}

func TestFingerprint_ChangesWithVersionOrEnabled(t *testing.T) {
	base, err := NewSet([]Rule{{Name: "a", Priority: 1, Enabled: true, Version: 1, Condition: expr.BoolLit{Value: true}}})
	require.NoError(t, err)
	changedVersion, err := NewSet([]Rule{{Name: "a", Priority: 1, Enabled: true, Version: 2, Condition: expr.BoolLit{Value: true}}})
	require.NoError(t, err)
	changedEnabled, err := NewSet([]Rule{{Name: "a", Priority: 1, Enabled: false, Version: 1, Condition: expr.BoolLit{Value: true}}})
	require.NoError(t, err)

	assert.NotEqual(t, base.Fingerprint(), changedVersion.Fingerprint())
	assert.NotEqual(t, base.Fingerprint(), changedEnabled.Fingerprint())
}
