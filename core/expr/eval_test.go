package expr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionforge/gateway/core/types"
)

func testEvalContext() *EvalContext {
	action := types.Action{
		ID:        "act-1",
		Namespace: "ns",
		Tenant:    "t1",
		Payload:   map[string]any{"amount": int64(42)},
	}
	return NewEvalContext(action, map[string]string{"region": "us-east-1"}, time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
}

func TestEvaluate_Literals(t *testing.T) {
	ec := testEvalContext()
	cases := []struct {
		name string
		expr Expr
		want Value
	}{
		{"null", NullLit{}, nil},
		{"bool", BoolLit{Value: true}, true},
		{"int", IntLit{Value: 7}, int64(7)},
		{"float", FloatLit{Value: 1.5}, 1.5},
		{"string", StringLit{Value: "x"}, "x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Evaluate(context.Background(), tc.expr, ec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, v)
		})
	}
}

// spec §8: (false && (1/0)) evaluates to false, not an error.
func TestEvaluate_AndShortCircuitsDivideByZero(t *testing.T) {
	ec := testEvalContext()
	e := Binary{
		Op:   OpAnd,
		Left: BoolLit{Value: false},
		Right: Binary{
			Op:    OpDiv,
			Left:  IntLit{Value: 1},
			Right: IntLit{Value: 0},
		},
	}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

// spec §8: (true || (1/0)) evaluates to true.
func TestEvaluate_OrShortCircuitsDivideByZero(t *testing.T) {
	ec := testEvalContext()
	e := Binary{
		Op:   OpOr,
		Left: BoolLit{Value: true},
		Right: Binary{
			Op:    OpDiv,
			Left:  IntLit{Value: 1},
			Right: IntLit{Value: 0},
		},
	}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

// spec §8: all([false, 1/0]) is false (short-circuits on first falsy item).
func TestEvaluate_AllShortCircuits(t *testing.T) {
	ec := testEvalContext()
	e := All{Items: []Expr{
		BoolLit{Value: false},
		Binary{Op: OpDiv, Left: IntLit{Value: 1}, Right: IntLit{Value: 0}},
	}}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v == false) // All returns false
	assert.Equal(t, false, v)
}

func TestEvaluate_AnyShortCircuits(t *testing.T) {
	ec := testEvalContext()
	e := Any{Items: []Expr{
		BoolLit{Value: true},
		Binary{Op: OpDiv, Left: IntLit{Value: 1}, Right: IntLit{Value: 0}},
	}}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvaluate_TernaryShortCircuits(t *testing.T) {
	ec := testEvalContext()
	e := Ternary{
		Cond: BoolLit{Value: true},
		Then: StringLit{Value: "yes"},
		Else: Binary{Op: OpDiv, Left: IntLit{Value: 1}, Right: IntLit{Value: 0}},
	}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
}

func TestEvaluate_DivideByZeroErrors(t *testing.T) {
	ec := testEvalContext()
	e := Binary{Op: OpDiv, Left: IntLit{Value: 1}, Right: IntLit{Value: 0}}
	_, err := Evaluate(context.Background(), e, ec)
	require.Error(t, err)
	var dz *DivideByZeroError
	assert.ErrorAs(t, err, &dz)
}

func TestEvaluate_ModuloByZeroErrors(t *testing.T) {
	ec := testEvalContext()
	e := Binary{Op: OpMod, Left: IntLit{Value: 1}, Right: IntLit{Value: 0}}
	_, err := Evaluate(context.Background(), e, ec)
	require.Error(t, err)
}

func TestEvaluate_NumericPromotion(t *testing.T) {
	ec := testEvalContext()
	e := Binary{Op: OpAdd, Left: IntLit{Value: 1}, Right: FloatLit{Value: 0.5}}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
}

func TestEvaluate_IntAdditionWraps(t *testing.T) {
	ec := testEvalContext()
	e := Binary{Op: OpAdd, Left: IntLit{Value: 9223372036854775807}, Right: IntLit{Value: 1}}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, int64(-9223372036854775808), v)
}

func TestEvaluate_EqualityNumericCrossType(t *testing.T) {
	ec := testEvalContext()
	e := Binary{Op: OpEq, Left: IntLit{Value: 3}, Right: FloatLit{Value: 3.0}}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvaluate_EqualityCrossTypeNonNumericIsFalse(t *testing.T) {
	ec := testEvalContext()
	e := Binary{Op: OpEq, Left: IntLit{Value: 3}, Right: StringLit{Value: "3"}}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestEvaluate_OrderingStringLexicographic(t *testing.T) {
	ec := testEvalContext()
	e := Binary{Op: OpLt, Left: StringLit{Value: "a"}, Right: StringLit{Value: "b"}}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvaluate_OrderingTypeErrorOnIncomparable(t *testing.T) {
	ec := testEvalContext()
	e := Binary{Op: OpLt, Left: BoolLit{Value: true}, Right: IntLit{Value: 1}}
	_, err := Evaluate(context.Background(), e, ec)
	require.Error(t, err)
	var te *TypeError
	assert.ErrorAs(t, err, &te)
}

func TestEvaluate_FieldMissingKeyYieldsNull(t *testing.T) {
	ec := testEvalContext()
	e := Field{Target: MapLit{Entries: map[string]Expr{"a": IntLit{Value: 1}}}, Name: "missing"}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvaluate_FieldOnNonMapErrors(t *testing.T) {
	ec := testEvalContext()
	e := Field{Target: IntLit{Value: 1}, Name: "x"}
	_, err := Evaluate(context.Background(), e, ec)
	require.Error(t, err)
}

func TestEvaluate_IndexListNegativeFromEnd(t *testing.T) {
	ec := testEvalContext()
	e := Index{
		Target: ListLit{Items: []Expr{IntLit{Value: 1}, IntLit{Value: 2}, IntLit{Value: 3}}},
		Key:    IntLit{Value: -1},
	}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestEvaluate_IndexOutOfRangeYieldsNull(t *testing.T) {
	ec := testEvalContext()
	e := Index{
		Target: ListLit{Items: []Expr{IntLit{Value: 1}}},
		Key:    IntLit{Value: 5},
	}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvaluate_ContainsStartsEndsMatches(t *testing.T) {
	ec := testEvalContext()

	v, err := Evaluate(context.Background(), Binary{Op: OpContains, Left: StringLit{Value: "hello world"}, Right: StringLit{Value: "wor"}}, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Evaluate(context.Background(), Binary{Op: OpStartsWith, Left: StringLit{Value: "hello"}, Right: StringLit{Value: "he"}}, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Evaluate(context.Background(), Binary{Op: OpEndsWith, Left: StringLit{Value: "hello"}, Right: StringLit{Value: "lo"}}, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Evaluate(context.Background(), Binary{Op: OpMatches, Left: StringLit{Value: "abc123"}, Right: StringLit{Value: `^\w+\d+$`}}, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvaluate_MatchesInvalidRegexErrors(t *testing.T) {
	ec := testEvalContext()
	_, err := Evaluate(context.Background(), Binary{Op: OpMatches, Left: StringLit{Value: "x"}, Right: StringLit{Value: "("}}, ec)
	require.Error(t, err)
	var re *InvalidRegexError
	assert.ErrorAs(t, err, &re)
}

func TestEvaluate_InList(t *testing.T) {
	ec := testEvalContext()
	e := Binary{
		Op:    OpIn,
		Left:  StringLit{Value: "b"},
		Right: ListLit{Items: []Expr{StringLit{Value: "a"}, StringLit{Value: "b"}}},
	}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvaluate_IdentifierAction(t *testing.T) {
	ec := testEvalContext()
	e := Field{Target: Ident{Name: "action"}, Name: "namespace"}
	v, err := Evaluate(context.Background(), e, ec)
	require.NoError(t, err)
	assert.Equal(t, "ns", v)
}

func TestEvaluate_IdentifierEnvironment(t *testing.T) {
	ec := testEvalContext()
	v, err := Evaluate(context.Background(), Ident{Name: "region"}, ec)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", v)
}

func TestEvaluate_IdentifierUndefinedErrors(t *testing.T) {
	ec := testEvalContext()
	_, err := Evaluate(context.Background(), Ident{Name: "nope"}, ec)
	require.Error(t, err)
	var ue *UndefinedVariableError
	assert.ErrorAs(t, err, &ue)
}

func TestEvaluate_Now(t *testing.T) {
	ec := testEvalContext()
	v, err := Evaluate(context.Background(), Ident{Name: "now"}, ec)
	require.NoError(t, err)
	assert.Equal(t, ec.Now.Unix(), v)
}

func TestEvaluate_BuiltinFunctions(t *testing.T) {
	ec := testEvalContext()

	v, err := Evaluate(context.Background(), Call{Func: "len", Args: []Expr{StringLit{Value: "abcd"}}}, ec)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	v, err = Evaluate(context.Background(), Call{Func: "to_int", Args: []Expr{StringLit{Value: "42"}}}, ec)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = Evaluate(context.Background(), Call{Func: "to_string", Args: []Expr{IntLit{Value: 7}}}, ec)
	require.NoError(t, err)
	assert.Equal(t, "7", v)
}

func TestEvaluate_UnknownFunctionErrors(t *testing.T) {
	ec := testEvalContext()
	_, err := Evaluate(context.Background(), Call{Func: "nope"}, ec)
	require.Error(t, err)
	var ue *UnknownFunctionError
	assert.ErrorAs(t, err, &ue)
}

// stubState implements StateReader for state_get/state_counter tests.
type stubState struct {
	strings  map[string]string
	counters map[string]int64
	err      error
}

func (s *stubState) Get(ctx context.Context, scope types.Scope, key string) (string, bool, error) {
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.strings[key]
	return v, ok, nil
}

func (s *stubState) Counter(ctx context.Context, scope types.Scope, key string) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	v, ok := s.counters[key]
	if !ok {
		return 0, nil
	}
	return v, nil
}

func TestEvaluate_StateGetPresentAndAbsent(t *testing.T) {
	ec := testEvalContext()
	ec.State = &stubState{strings: map[string]string{"k1": "v1"}}

	v, err := Evaluate(context.Background(), StateGet{Key: StringLit{Value: "k1"}}, ec)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	v, err = Evaluate(context.Background(), StateGet{Key: StringLit{Value: "missing"}}, ec)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvaluate_StateCounterAbsentIsZero(t *testing.T) {
	ec := testEvalContext()
	ec.State = &stubState{counters: map[string]int64{}}
	v, err := Evaluate(context.Background(), StateCounter{Key: StringLit{Value: "c1"}}, ec)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestEvaluate_StateTimeSinceAbsentIsSentinel(t *testing.T) {
	ec := testEvalContext()
	ec.State = &stubState{strings: map[string]string{}}
	v, err := Evaluate(context.Background(), StateTimeSince{Key: StringLit{Value: "missing"}}, ec)
	require.NoError(t, err)
	assert.Equal(t, timeSinceSentinelSeconds, v)
}

func TestEvaluate_StateTimeSinceComputesSeconds(t *testing.T) {
	ec := testEvalContext()
	past := ec.Now.Add(-90 * time.Second)
	ec.State = &stubState{strings: map[string]string{"k": past.Format(time.RFC3339)}}
	v, err := Evaluate(context.Background(), StateTimeSince{Key: StringLit{Value: "k"}}, ec)
	require.NoError(t, err)
	assert.Equal(t, int64(90), v)
}

// spec §8: a non-integer counter value is a typed StateAccess error.
type nonIntegerCounterState struct{}

func (nonIntegerCounterState) Get(ctx context.Context, scope types.Scope, key string) (string, bool, error) {
	return "", false, nil
}

func (nonIntegerCounterState) Counter(ctx context.Context, scope types.Scope, key string) (int64, error) {
	return 0, &StateAccessError{Key: key, Cause: assertErr}
}

var assertErr = &TypeError{Op: "counter", Left: "string"}

func TestEvaluate_StateCounterNonIntegerErrors(t *testing.T) {
	ec := testEvalContext()
	ec.State = nonIntegerCounterState{}
	_, err := Evaluate(context.Background(), StateCounter{Key: StringLit{Value: "bad"}}, ec)
	require.Error(t, err)
	var sae *StateAccessError
	assert.ErrorAs(t, err, &sae)
}

// stubPluginInvoker simulates the WASM plugin runtime for WasmCall tests.
type stubPluginInvoker struct {
	result types.WasmInvocationResult
	err    error
}

func (s stubPluginInvoker) Invoke(ctx context.Context, plugin, function string, input any) (types.WasmInvocationResult, error) {
	return s.result, s.err
}

type countingCounters struct{ wasmErrors int }

func (c *countingCounters) IncWasmErrors() { c.wasmErrors++ }

func TestEvaluate_WasmCallUnregisteredFailsOpen(t *testing.T) {
	ec := testEvalContext()
	counters := &countingCounters{}
	ec.Counters = counters
	v, err := Evaluate(context.Background(), WasmCall{Plugin: "nope", Function: "check"}, ec)
	require.NoError(t, err)
	assert.Equal(t, false, v)
	assert.Equal(t, 1, counters.wasmErrors)
}

func TestEvaluate_WasmCallErrorFailsOpenByDefault(t *testing.T) {
	ec := testEvalContext()
	counters := &countingCounters{}
	ec.Counters = counters
	ec.Wasm = stubPluginInvoker{err: assertErr}
	v, err := Evaluate(context.Background(), WasmCall{Plugin: "p", Function: "f"}, ec)
	require.NoError(t, err)
	assert.Equal(t, false, v)
	assert.Equal(t, 1, counters.wasmErrors)
}

func TestEvaluate_WasmCallErrorFailsClosedWhenConfigured(t *testing.T) {
	ec := testEvalContext()
	ec.FailClosedWasm = true
	ec.Counters = &countingCounters{}
	ec.Wasm = stubPluginInvoker{err: assertErr}
	_, err := Evaluate(context.Background(), WasmCall{Plugin: "p", Function: "f"}, ec)
	require.Error(t, err)
}

func TestEvaluate_WasmCallSuccessSurfacesResult(t *testing.T) {
	ec := testEvalContext()
	ec.Counters = &countingCounters{}
	ec.Wasm = stubPluginInvoker{result: types.WasmInvocationResult{Verdict: true, Message: "ok"}}
	v, err := Evaluate(context.Background(), WasmCall{Plugin: "p", Function: "f"}, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v)
	require.NotNil(t, ec.LastWasmResult)
	assert.Equal(t, "ok", ec.LastWasmResult.Message)
}

// stubEmbedding implements EmbeddingChecker.
type stubEmbedding struct {
	score     float64
	err       error
	available bool
}

func (s stubEmbedding) Similarity(ctx context.Context, topic, text string) (float64, error) {
	return s.score, s.err
}

func (s stubEmbedding) Available() bool { return s.available }

func TestEvaluate_SemanticMatchUnavailableIsFalsy(t *testing.T) {
	ec := testEvalContext()
	v, err := Evaluate(context.Background(), SemanticMatch{Topic: "t", Threshold: 0.5, Text: StringLit{Value: "hi"}}, ec)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestEvaluate_SemanticMatchAboveThreshold(t *testing.T) {
	ec := testEvalContext()
	ec.Embedding = stubEmbedding{score: 0.9, available: true}
	v, err := Evaluate(context.Background(), SemanticMatch{Topic: "t", Threshold: 0.5, Text: StringLit{Value: "hi"}}, ec)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvaluate_SemanticMatchFailsOpenOnError(t *testing.T) {
	ec := testEvalContext()
	ec.Embedding = stubEmbedding{err: assertErr, available: true}
	v, err := Evaluate(context.Background(), SemanticMatch{Topic: "t", Threshold: 0.5, Text: StringLit{Value: "hi"}, FailOpen: true}, ec)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestEvaluate_SemanticMatchFailsClosedWhenNotFailOpen(t *testing.T) {
	ec := testEvalContext()
	ec.Embedding = stubEmbedding{err: assertErr, available: true}
	_, err := Evaluate(context.Background(), SemanticMatch{Topic: "t", Threshold: 0.5, Text: StringLit{Value: "hi"}, FailOpen: false}, ec)
	require.Error(t, err)
}

func TestValue_RoundTripEquality(t *testing.T) {
	assert.True(t, Equal(int64(3), float64(3.0)))
	assert.True(t, Equal(List{int64(1), "a"}, List{int64(1), "a"}))
	assert.True(t, Equal(Map{"a": int64(1)}, Map{"a": int64(1)}))
	assert.False(t, Equal(List{int64(1)}, List{int64(1), int64(2)}))
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(int64(0)))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(List{}))
	assert.False(t, Truthy(Map{}))
	assert.True(t, Truthy(true))
	assert.True(t, Truthy(int64(1)))
	assert.True(t, Truthy("x"))
}
