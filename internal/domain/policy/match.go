package policy

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// LookupPath resolves a dotted path against a JSON-shaped value. Each
// segment selects a map key or a non-negative decimal index into a
// slice. Returns (nil, false) as soon as any segment fails to resolve.
func LookupPath(root any, path string) (any, bool) {
	current := root
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Matches evaluates the condition against the context root. The error
// return is diagnostic only (regex compile failure, unknown operator);
// a condition that errors is treated as a non-match by the caller.
func (c Condition) Matches(root map[string]any) (bool, error) {
	extracted, found := LookupPath(root, c.Field)

	switch c.Operator {
	case OpEquals:
		if !found {
			return false, nil
		}
		return deepEqual(extracted, c.Value), nil

	case OpContains, OpStartsWith, OpEndsWith:
		if !found {
			return false, nil
		}
		left, lok := extracted.(string)
		right, rok := c.Value.(string)
		if !lok || !rok {
			return false, nil
		}
		switch c.Operator {
		case OpContains:
			return strings.Contains(left, right), nil
		case OpStartsWith:
			return strings.HasPrefix(left, right), nil
		default:
			return strings.HasSuffix(left, right), nil
		}

	case OpRegex:
		if !found {
			return false, nil
		}
		left, lok := extracted.(string)
		pattern, rok := c.Value.(string)
		if !lok || !rok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("regex compile failed for field %q: %w", c.Field, err)
		}
		return re.MatchString(left), nil

	case OpIn:
		if !found {
			return false, nil
		}
		candidates, ok := c.Value.([]any)
		if !ok {
			return false, nil
		}
		for _, candidate := range candidates {
			if deepEqual(extracted, candidate) {
				return true, nil
			}
		}
		return false, nil

	case OpGT, OpLT, OpGTE, OpLTE:
		left, lok := toFloat(extracted)
		right, rok := toFloat(c.Value)
		if !found || !lok || !rok {
			return false, nil
		}
		switch c.Operator {
		case OpGT:
			return left > right, nil
		case OpLT:
			return left < right, nil
		case OpGTE:
			return left >= right, nil
		default:
			return left <= right, nil
		}

	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// deepEqual compares JSON-shaped values structurally. Numbers compare
// by value regardless of concrete Go type, so the YAML loader's int and
// a caller's float64 agree.
func deepEqual(a, b any) bool {
	if af, ok := numericValue(a); ok {
		bf, bok := numericValue(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, ae := range av {
			be, present := bv[k]
			if !present || !deepEqual(ae, be) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// numericValue unwraps any Go numeric type to float64. Strings are not
// numbers here; only the comparison operators coerce strings.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// toFloat coerces a value to float64 for the numeric operators.
// Numeric strings parse; anything else is NaN and the comparison is
// false.
func toFloat(v any) (float64, bool) {
	if f, ok := numericValue(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
