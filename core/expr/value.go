// Package expr implements the rule engine's expression IR: value model,
// tagged expression tree, and a strict recursive evaluator (spec §4.1).
package expr

import (
	"fmt"
	"math"
)

// Value is the runtime value produced by evaluating an Expr. It is one of:
// nil (Null), bool, int64, float64, string, []Value, or map[string]Value.
// Go's dynamic typing models the spec's tagged Value union directly; a
// dedicated sum-type wrapper would only duplicate what a type switch
// already gives us.
type Value = any

// List and Map give the two composite Value shapes readable names at
// call sites.
type List = []Value
type Map = map[string]Value

// Truthy implements spec §4.1 truthiness: Null, false, numeric zero, empty
// string, empty list, empty map are falsy; everything else is truthy.
func Truthy(v Value) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case List:
		return len(t) != 0
	case Map:
		return len(t) != 0
	default:
		return true
	}
}

// TypeName returns the spec's type name for a Value, used in error
// messages.
func TypeName(v Value) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	case List:
		return "list"
	case Map:
		return "map"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// asNumeric promotes an Int/Float value to float64, reporting whether the
// value was numeric at all.
func asNumeric(v Value) (f float64, isFloat bool, ok bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), false, true
	case float64:
		return t, true, true
	default:
		return 0, false, false
	}
}

// Equal implements spec §4.1 equality: numerically equal Int/Float compare
// equal within float64 epsilon; strings, bools, lists compare structurally;
// maps compare structurally; other cross-type comparisons are false.
func Equal(a, b Value) bool {
	af, aIsFloat, aOK := asNumeric(a)
	bf, bIsFloat, bOK := asNumeric(b)
	if aOK && bOK {
		if !aIsFloat && !bIsFloat {
			return a.(int64) == b.(int64)
		}
		return math.Abs(af-bf) < epsilon
	}
	switch at := a.(type) {
	case nil:
		return b == nil
	case bool:
		bb, ok := b.(bool)
		return ok && at == bb
	case string:
		bs, ok := b.(string)
		return ok && at == bs
	case List:
		bl, ok := b.(List)
		if !ok || len(at) != len(bl) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bl[i]) {
				return false
			}
		}
		return true
	case Map:
		bm, ok := b.(Map)
		if !ok || len(at) != len(bm) {
			return false
		}
		for k, v := range at {
			bv, present := bm[k]
			if !present || !Equal(v, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// epsilon mirrors f64::EPSILON tolerance from the spec ("tolerance <
// f64::EPSILON").
const epsilon = 2.220446049250313e-16

// Compare implements spec §4.1 ordering: defined for Int, Float, mixed
// numeric, and String (lexicographic); any other pair is an error.
func Compare(a, b Value) (int, error) {
	af, aIsFloat, aOK := asNumeric(a)
	bf, bIsFloat, bOK := asNumeric(b)
	if aOK && bOK {
		if !aIsFloat && !bIsFloat {
			ai, bi := a.(int64), b.(int64)
			switch {
			case ai < bi:
				return -1, nil
			case ai > bi:
				return 1, nil
			default:
				return 0, nil
			}
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	as, aOK := a.(string)
	bs, bOK := b.(string)
	if aOK && bOK {
		switch {
		case as < bs:
			return -1, nil
		case as > bs:
			return 1, nil
		default:
			return 0, nil
		}
	}
	return 0, &TypeError{Op: "compare", Left: TypeName(a), Right: TypeName(b)}
}
