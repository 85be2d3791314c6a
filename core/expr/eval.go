package expr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// regexCache compiles `matches` patterns on demand and caches them; regex
// compilation of large patterns is CPU-bound enough that the pipeline
// offloads it to the blocking pool (spec §5), but the cache itself is a
// plain sync.Map here.
var regexCache sync.Map // string -> *regexp.Regexp

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &InvalidRegexError{Pattern: pattern, Cause: err}
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Evaluate strictly, recursively evaluates e against ctx. Evaluation is
// non-cached: each call walks the tree fresh.
func Evaluate(ctx context.Context, e Expr, ec *EvalContext) (Value, error) {
	switch n := e.(type) {
	case NullLit:
		return nil, nil
	case BoolLit:
		return n.Value, nil
	case IntLit:
		return n.Value, nil
	case FloatLit:
		return n.Value, nil
	case StringLit:
		return n.Value, nil
	case ListLit:
		out := make(List, len(n.Items))
		for i, item := range n.Items {
			v, err := Evaluate(ctx, item, ec)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case MapLit:
		out := make(Map, len(n.Entries))
		for k, item := range n.Entries {
			v, err := Evaluate(ctx, item, ec)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case Ident:
		return evalIdent(n, ec)
	case Field:
		return evalField(ctx, n, ec)
	case Index:
		return evalIndex(ctx, n, ec)
	case Unary:
		return evalUnary(ctx, n, ec)
	case Binary:
		return evalBinary(ctx, n, ec)
	case Ternary:
		cond, err := Evaluate(ctx, n.Cond, ec)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return Evaluate(ctx, n.Then, ec)
		}
		return Evaluate(ctx, n.Else, ec)
	case Call:
		return evalCall(ctx, n, ec)
	case All:
		for _, item := range n.Items {
			v, err := Evaluate(ctx, item, ec)
			if err != nil {
				return nil, err
			}
			if !Truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case Any:
		for _, item := range n.Items {
			v, err := Evaluate(ctx, item, ec)
			if err != nil {
				return nil, err
			}
			if Truthy(v) {
				return true, nil
			}
		}
		return false, nil
	case StateGet:
		return evalStateGet(ctx, n, ec)
	case StateCounter:
		return evalStateCounter(ctx, n, ec)
	case StateTimeSince:
		return evalStateTimeSince(ctx, n, ec)
	case SemanticMatch:
		return evalSemanticMatch(ctx, n, ec)
	case WasmCall:
		return evalWasmCall(ctx, n, ec)
	default:
		return nil, fmt.Errorf("unhandled expr node %T", e)
	}
}

func evalIdent(n Ident, ec *EvalContext) (Value, error) {
	switch n.Name {
	case "action":
		return ec.Action.ToValueMap(), nil
	case "env", "environment":
		m := make(Map, len(ec.Environment))
		for k, v := range ec.Environment {
			m[k] = v
		}
		return m, nil
	case "now":
		return ec.Now.Unix(), nil
	case "time":
		return timeMap(ec), nil
	default:
		if v, ok := ec.Environment[n.Name]; ok {
			return v, nil
		}
		return nil, &UndefinedVariableError{Name: n.Name}
	}
}

func timeMap(ec *EvalContext) Map {
	loc := time.UTC
	if ec.DefaultTimezone != "" {
		if l, err := time.LoadLocation(ec.DefaultTimezone); err == nil {
			loc = l
		}
	}
	t := ec.Now.In(loc)
	return Map{
		"hour":        int64(t.Hour()),
		"minute":      int64(t.Minute()),
		"weekday":     t.Weekday().String(),
		"weekday_num": int64(t.Weekday()),
		"day":         int64(t.Day()),
		"month":       int64(t.Month()),
		"year":        int64(t.Year()),
	}
}

func evalField(ctx context.Context, n Field, ec *EvalContext) (Value, error) {
	target, err := Evaluate(ctx, n.Target, ec)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, nil
	}
	m, ok := target.(Map)
	if !ok {
		return nil, &TypeError{Op: "field", Left: TypeName(target)}
	}
	v, present := m[n.Name]
	if !present {
		return nil, nil
	}
	return v, nil
}

func evalIndex(ctx context.Context, n Index, ec *EvalContext) (Value, error) {
	target, err := Evaluate(ctx, n.Target, ec)
	if err != nil {
		return nil, err
	}
	key, err := Evaluate(ctx, n.Key, ec)
	if err != nil {
		return nil, err
	}
	switch t := target.(type) {
	case List:
		idx, ok := asInt(key)
		if !ok {
			return nil, &TypeError{Op: "index", Left: "list", Right: TypeName(key)}
		}
		if idx < 0 {
			idx += int64(len(t))
		}
		if idx < 0 || idx >= int64(len(t)) {
			return nil, nil
		}
		return t[idx], nil
	case Map:
		ks, ok := key.(string)
		if !ok {
			return nil, &TypeError{Op: "index", Left: "map", Right: TypeName(key)}
		}
		v, present := t[ks]
		if !present {
			return nil, nil
		}
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, &TypeError{Op: "index", Left: TypeName(target)}
	}
}

func asInt(v Value) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

func evalUnary(ctx context.Context, n Unary, ec *EvalContext) (Value, error) {
	v, err := Evaluate(ctx, n.Operand, ec)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case OpNot:
		return !Truthy(v), nil
	case OpNeg:
		switch t := v.(type) {
		case int64:
			return -t, nil
		case float64:
			return -t, nil
		default:
			return nil, &TypeError{Op: "neg", Left: TypeName(v)}
		}
	default:
		return nil, fmt.Errorf("unknown unary op %q", n.Op)
	}
}

func evalBinary(ctx context.Context, n Binary, ec *EvalContext) (Value, error) {
	// Short-circuit operators: only evaluate what's needed so that a
	// failing subexpression behind a short-circuited branch never errors.
	switch n.Op {
	case OpAnd:
		left, err := Evaluate(ctx, n.Left, ec)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := Evaluate(ctx, n.Right, ec)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case OpOr:
		left, err := Evaluate(ctx, n.Left, ec)
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			return true, nil
		}
		right, err := Evaluate(ctx, n.Right, ec)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	left, err := Evaluate(ctx, n.Left, ec)
	if err != nil {
		return nil, err
	}
	right, err := Evaluate(ctx, n.Right, ec)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return evalArith(n.Op, left, right)
	case OpEq:
		return Equal(left, right), nil
	case OpNeq:
		return !Equal(left, right), nil
	case OpLt, OpLte, OpGt, OpGte:
		cmp, err := Compare(left, right)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case OpLt:
			return cmp < 0, nil
		case OpLte:
			return cmp <= 0, nil
		case OpGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case OpContains:
		return evalContains(left, right)
	case OpStartsWith:
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return nil, &TypeError{Op: "starts_with", Left: TypeName(left), Right: TypeName(right)}
		}
		return strings.HasPrefix(ls, rs), nil
	case OpEndsWith:
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return nil, &TypeError{Op: "ends_with", Left: TypeName(left), Right: TypeName(right)}
		}
		return strings.HasSuffix(ls, rs), nil
	case OpMatches:
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return nil, &TypeError{Op: "matches", Left: TypeName(left), Right: TypeName(right)}
		}
		re, err := compileRegex(rs)
		if err != nil {
			return nil, err
		}
		return re.MatchString(ls), nil
	case OpIn:
		return evalIn(left, right)
	default:
		return nil, fmt.Errorf("unknown binary op %q", n.Op)
	}
}

func evalArith(op BinaryOp, left, right Value) (Value, error) {
	lf, lIsFloat, lOK := asNumeric(left)
	rf, rIsFloat, rOK := asNumeric(right)
	if !lOK || !rOK {
		return nil, &TypeError{Op: string(op), Left: TypeName(left), Right: TypeName(right)}
	}
	if !lIsFloat && !rIsFloat {
		li, ri := left.(int64), right.(int64)
		switch op {
		case OpAdd:
			return li + ri, nil // wrapping per spec; Go int64 overflow wraps
		case OpSub:
			return li - ri, nil
		case OpMul:
			return li * ri, nil
		case OpDiv:
			if ri == 0 {
				return nil, &DivideByZeroError{Op: "div"}
			}
			return li / ri, nil
		case OpMod:
			if ri == 0 {
				return nil, &DivideByZeroError{Op: "mod"}
			}
			return li % ri, nil
		}
	}
	switch op {
	case OpAdd:
		return lf + rf, nil
	case OpSub:
		return lf - rf, nil
	case OpMul:
		return lf * rf, nil
	case OpDiv:
		if rf == 0 {
			return nil, &DivideByZeroError{Op: "div"}
		}
		return lf / rf, nil
	case OpMod:
		if rf == 0 {
			return nil, &DivideByZeroError{Op: "mod"}
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unreachable arith op %q", op)
}

func evalContains(left, right Value) (Value, error) {
	switch lt := left.(type) {
	case string:
		rs, ok := right.(string)
		if !ok {
			return nil, &TypeError{Op: "contains", Left: "string", Right: TypeName(right)}
		}
		return strings.Contains(lt, rs), nil
	case List:
		for _, item := range lt {
			if Equal(item, right) {
				return true, nil
			}
		}
		return false, nil
	case Map:
		rs, ok := right.(string)
		if !ok {
			return nil, &TypeError{Op: "contains", Left: "map", Right: TypeName(right)}
		}
		_, present := lt[rs]
		return present, nil
	default:
		return nil, &TypeError{Op: "contains", Left: TypeName(left)}
	}
}

// evalIn mirrors contains with operands swapped (`x in list` == `list
// contains x`; `x in map` checks keys; `x in string` checks substring).
func evalIn(left, right Value) (Value, error) {
	return evalContains(right, left)
}

func evalCall(ctx context.Context, n Call, ec *EvalContext) (Value, error) {
	args := make([]Value, len(n.Args))
	for i, a := range n.Args {
		v, err := Evaluate(ctx, a, ec)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch n.Func {
	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("len: expected 1 arg, got %d", len(args))
		}
		switch t := args[0].(type) {
		case string:
			return int64(len(t)), nil
		case List:
			return int64(len(t)), nil
		case Map:
			return int64(len(t)), nil
		default:
			return nil, &TypeError{Op: "len", Left: TypeName(args[0])}
		}
	case "to_int":
		if len(args) != 1 {
			return nil, fmt.Errorf("to_int: expected 1 arg, got %d", len(args))
		}
		switch t := args[0].(type) {
		case int64:
			return t, nil
		case float64:
			return int64(t), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("to_int: %w", err)
			}
			return i, nil
		case bool:
			if t {
				return int64(1), nil
			}
			return int64(0), nil
		default:
			return nil, &TypeError{Op: "to_int", Left: TypeName(args[0])}
		}
	case "to_string":
		if len(args) != 1 {
			return nil, fmt.Errorf("to_string: expected 1 arg, got %d", len(args))
		}
		return toStringValue(args[0]), nil
	case "abs":
		if len(args) != 1 {
			return nil, fmt.Errorf("abs: expected 1 arg, got %d", len(args))
		}
		switch t := args[0].(type) {
		case int64:
			if t < 0 {
				return -t, nil
			}
			return t, nil
		case float64:
			return math.Abs(t), nil
		default:
			return nil, &TypeError{Op: "abs", Left: TypeName(args[0])}
		}
	case "min":
		return minMax(args, true)
	case "max":
		return minMax(args, false)
	default:
		return nil, &UnknownFunctionError{Name: n.Func}
	}
}

func minMax(args []Value, wantMin bool) (Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("min/max: expected at least 1 arg")
	}
	best := args[0]
	for _, v := range args[1:] {
		cmp, err := Compare(v, best)
		if err != nil {
			return nil, err
		}
		if (wantMin && cmp < 0) || (!wantMin && cmp > 0) {
			best = v
		}
	}
	return best, nil
}

func toStringValue(v Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func evalStateGet(ctx context.Context, n StateGet, ec *EvalContext) (Value, error) {
	key, err := evalKeyString(ctx, n.Key, ec)
	if err != nil {
		return nil, err
	}
	if ec.State == nil {
		return nil, &StateAccessError{Key: key, Cause: fmt.Errorf("no state store configured")}
	}
	val, ok, err := ec.State.Get(ctx, ec.Scope(), key)
	if err != nil {
		return nil, &StateAccessError{Key: key, Cause: err}
	}
	if !ok {
		return nil, nil
	}
	return val, nil
}

func evalStateCounter(ctx context.Context, n StateCounter, ec *EvalContext) (Value, error) {
	key, err := evalKeyString(ctx, n.Key, ec)
	if err != nil {
		return nil, err
	}
	if ec.State == nil {
		return nil, &StateAccessError{Key: key, Cause: fmt.Errorf("no state store configured")}
	}
	val, err := ec.State.Counter(ctx, ec.Scope(), key)
	if err != nil {
		return nil, &StateAccessError{Key: key, Cause: err}
	}
	return val, nil
}

// timeSinceSentinelSeconds is returned by state_time_since when the key is
// absent — a large value so "time since X > threshold" style rules treat
// an absent key as "a long time ago" rather than erroring.
const timeSinceSentinelSeconds = int64(1 << 32)

func evalStateTimeSince(ctx context.Context, n StateTimeSince, ec *EvalContext) (Value, error) {
	key, err := evalKeyString(ctx, n.Key, ec)
	if err != nil {
		return nil, err
	}
	if ec.State == nil {
		return nil, &StateAccessError{Key: key, Cause: fmt.Errorf("no state store configured")}
	}
	val, ok, err := ec.State.Get(ctx, ec.Scope(), key)
	if err != nil {
		return nil, &StateAccessError{Key: key, Cause: err}
	}
	if !ok {
		return timeSinceSentinelSeconds, nil
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return nil, &StateAccessError{Key: key, Cause: fmt.Errorf("stored value %q is not RFC3339: %w", val, err)}
	}
	return int64(ec.Now.Sub(t).Seconds()), nil
}

func evalKeyString(ctx context.Context, e Expr, ec *EvalContext) (string, error) {
	v, err := Evaluate(ctx, e, ec)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &TypeError{Op: "state key", Left: TypeName(v)}
	}
	return s, nil
}

func evalSemanticMatch(ctx context.Context, n SemanticMatch, ec *EvalContext) (Value, error) {
	if ec.Embedding == nil || !ec.Embedding.Available() {
		return false, nil
	}
	text, err := evalKeyString(ctx, n.Text, ec)
	if err != nil {
		return nil, err
	}
	score, err := ec.Embedding.Similarity(ctx, n.Topic, text)
	if err != nil {
		if n.FailOpen {
			return false, nil
		}
		return nil, fmt.Errorf("semantic match: %w", err)
	}
	return score >= n.Threshold, nil
}

func evalWasmCall(ctx context.Context, n WasmCall, ec *EvalContext) (Value, error) {
	if ec.Wasm == nil {
		ec.Counters.IncWasmErrors()
		return false, nil
	}
	result, err := ec.Wasm.Invoke(ctx, n.Plugin, n.Function, ec.Action.Payload)
	if err != nil {
		ec.Counters.IncWasmErrors()
		if ec.FailClosedWasm {
			return nil, fmt.Errorf("wasm call %s.%s: %w", n.Plugin, n.Function, err)
		}
		return false, nil
	}
	ec.LastWasmResult = &result
	return result.Verdict, nil
}
