package filter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// Lookup resolves a dotted path in a document.
func Lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Match evaluates a filter against one document in memory, with the
// operators the storage layer understands plus $regex and $not. A field
// holding an array matches a scalar operand when any element does.
func Match(doc map[string]any, f map[string]any) (bool, error) {
	for k, v := range f {
		var (
			ok  bool
			err error
		)
		switch k {
		case "$and", "$or", "$nor":
			ok, err = matchLogical(doc, k, v)
		default:
			if strings.HasPrefix(k, "$") {
				return false, fmt.Errorf("%w: unknown top-level operator %s", ErrInvalidFilter, k)
			}
			ok, err = matchField(doc, k, v)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchLogical(doc map[string]any, op string, v any) (bool, error) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return false, fmt.Errorf("%w: %s needs a non-empty array", ErrInvalidFilter, op)
	}
	for _, e := range list {
		sub, ok := e.(map[string]any)
		if !ok {
			return false, fmt.Errorf("%w: %s elements must be filters", ErrInvalidFilter, op)
		}
		m, err := Match(doc, sub)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$and" && !m:
			return false, nil
		case op == "$or" && m:
			return true, nil
		case op == "$nor" && m:
			return false, nil
		}
	}
	return op != "$or", nil
}

func matchField(doc map[string]any, path string, v any) (bool, error) {
	val, present := Lookup(doc, path)
	ops, ok := v.(map[string]any)
	if !ok || !isOperatorObject(ops) {
		return matchEq(val, present, v), nil
	}
	for op, operand := range ops {
		m, err := matchOp(val, present, op, operand)
		if err != nil || !m {
			return false, err
		}
	}
	return true, nil
}

func matchOp(val any, present bool, op string, operand any) (bool, error) {
	switch op {
	case "$eq":
		return matchEq(val, present, operand), nil
	case "$ne":
		return !matchEq(val, present, operand), nil
	case "$exists":
		b, ok := operand.(bool)
		if !ok {
			return false, fmt.Errorf("%w: $exists needs a boolean", ErrInvalidFilter)
		}
		return present == b, nil
	case "$in", "$nin":
		list, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("%w: %s needs an array", ErrInvalidFilter, op)
		}
		var in bool
		for _, e := range list {
			if matchEq(val, present, e) {
				in = true
				break
			}
		}
		return in == (op == "$in"), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false, nil
		}
		return anyElement(val, func(x any) bool {
			c, ok := Compare(x, operand)
			if !ok {
				return false
			}
			switch op {
			case "$gt":
				return c > 0
			case "$gte":
				return c >= 0
			case "$lt":
				return c < 0
			}
			return c <= 0
		}), nil
	case "$regex":
		pattern, ok := operand.(string)
		if !ok {
			return false, fmt.Errorf("%w: $regex needs a string", ErrInvalidFilter)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		return anyElement(val, func(x any) bool {
			s, ok := x.(string)
			return ok && re.MatchString(s)
		}), nil
	case "$not":
		sub, ok := operand.(map[string]any)
		if !ok {
			return false, fmt.Errorf("%w: $not needs an operator object", ErrInvalidFilter)
		}
		for op, operand := range sub {
			m, err := matchOp(val, present, op, operand)
			if err != nil {
				return false, err
			}
			if !m {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: unknown operator %s", ErrInvalidFilter, op)
}

func matchEq(val any, present bool, operand any) bool {
	if operand == nil {
		return !present || val == nil
	}
	if !present {
		return false
	}
	if Equal(val, operand) {
		return true
	}
	if list, ok := val.([]any); ok {
		for _, e := range list {
			if Equal(e, operand) {
				return true
			}
		}
	}
	return false
}

func anyElement(val any, f func(any) bool) bool {
	if list, ok := val.([]any); ok {
		for _, e := range list {
			if f(e) {
				return true
			}
		}
		return false
	}
	return f(val)
}

// Equal compares two JSON-like values, treating all numeric types alike and
// dates equal to their RFC 3339 rendering.
func Equal(a, b any) bool {
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// Compare orders two scalars of the same kind. It reports false when the
// values are not comparable.
func Compare(a, b any) (int, bool) {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}

	ta, aIsTime := a.(time.Time)
	tb, bIsTime := b.(time.Time)
	switch {
	case aIsTime && bIsTime:
		return ta.Compare(tb), true
	case aIsTime:
		if s, ok := b.(string); ok {
			if t, err := Value(s, Date); err == nil {
				return ta.Compare(t.(time.Time)), true
			}
		}
		return 0, false
	case bIsTime:
		c, ok := Compare(b, a)
		return -c, ok
	}

	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	}
	if f, ok := number(v); ok {
		return f
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}
