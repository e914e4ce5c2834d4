package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// EvaluateConditions decides whether a trigger context satisfies a
// workflow's condition chain. An empty chain always matches. Conditions
// are folded left to right; each condition's Logical operator combines
// the accumulated result with the next condition, defaulting to AND.
func EvaluateConditions(conditions []TriggerCondition, data map[string]any) bool {
	if len(conditions) == 0 {
		return true
	}

	result := evaluateCondition(conditions[0], data)
	for i := 1; i < len(conditions); i++ {
		op := conditions[i-1].Logical
		if op == "" {
			op = LogicalAnd
		}
		next := evaluateCondition(conditions[i], data)
		if op == LogicalOr {
			result = result || next
		} else {
			result = result && next
		}
	}
	return result
}

// evaluateCondition applies one comparison. A missing field fails every
// operator except not_equals and not_in.
func evaluateCondition(c TriggerCondition, data map[string]any) bool {
	actual, ok := lookupField(data, c.Field)
	if !ok {
		return c.Operator == OpNotEquals || c.Operator == OpNotIn
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpNotEquals:
		return !valuesEqual(actual, c.Value)
	case OpGreaterThan:
		a, b, ok := numericPair(actual, c.Value)
		return ok && a > b
	case OpLessThan:
		a, b, ok := numericPair(actual, c.Value)
		return ok && a < b
	case OpContains:
		return strings.Contains(toString(actual), toString(c.Value))
	case OpIn:
		return valueInList(actual, c.Value)
	case OpNotIn:
		return !valueInList(actual, c.Value)
	default:
		return false
	}
}

// lookupField resolves a field name against the field space: flat keys
// first, then dotted paths ("alert.severity") descending into nested maps.
func lookupField(data map[string]any, field string) (any, bool) {
	if v, ok := data[field]; ok {
		return v, true
	}
	parts := strings.Split(field, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func valuesEqual(a, b any) bool {
	if na, nb, ok := numericPair(a, b); ok {
		return na == nb
	}
	return toString(a) == toString(b)
}

func valueInList(actual, list any) bool {
	switch l := list.(type) {
	case []any:
		for _, v := range l {
			if valuesEqual(actual, v) {
				return true
			}
		}
	case []string:
		s := toString(actual)
		for _, v := range l {
			if s == v {
				return true
			}
		}
	}
	return false
}

// numericPair coerces both operands to float64 when possible.
func numericPair(a, b any) (float64, float64, bool) {
	fa, ok := toFloat(a)
	if !ok {
		return 0, 0, false
	}
	fb, ok := toFloat(b)
	if !ok {
		return 0, 0, false
	}
	return fa, fb, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
