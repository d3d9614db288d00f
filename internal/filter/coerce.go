// Package filter handles the loosely typed filters and records sent by
// clients. Values arrive as JSON, so dates and UUIDs are strings and numbers
// may be quoted; a "$coerce" entry names the intended type of each field.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nildb/nildb/internal/database"
)

const CoerceKey = "$coerce"

var ErrInvalidFilter = database.ErrInvalidFilter

// Type is a coercion target.
type Type string

const (
	String  Type = "string"
	Number  Type = "number"
	Boolean Type = "boolean"
	Date    Type = "date"
	UUID    Type = "uuid"
)

// CoercionError reports a value that could not be converted to the type
// requested for its field.
type CoercionError struct {
	Path  string
	Type  Type
	Value any
	err   error
}

func (e *CoercionError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("cannot coerce %s value %v to %s: %v", e.Path, e.Value, e.Type, e.err)
	}
	return fmt.Sprintf("cannot coerce %s value %v to %s", e.Path, e.Value, e.Type)
}

func (e *CoercionError) Unwrap() error {
	return e.err
}

func (*CoercionError) Is(target error) bool {
	return target == ErrInvalidFilter
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// Value converts one value to the type.
func Value(v any, t Type) (any, error) {
	switch t {
	case String:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(x), nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		case bool:
			return strconv.FormatBool(x), nil
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano), nil
		}
	case Number:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			return strconv.ParseFloat(strings.TrimSpace(x), 64)
		}
	case Boolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(x))
		}
	case Date:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			var err error
			for _, layout := range dateLayouts {
				var ts time.Time
				if ts, err = time.Parse(layout, x); err == nil {
					return ts.UTC(), nil
				}
			}
			return nil, err
		}
	case UUID:
		if x, ok := v.(string); ok {
			id, err := uuid.Parse(x)
			if err != nil {
				return nil, err
			}
			return id.String(), nil
		}
	default:
		return nil, fmt.Errorf("unknown coercion type %q", t)
	}
	return nil, fmt.Errorf("unexpected %T", v)
}

// Coercions reads the "$coerce" entry of a filter or record.
func Coercions(m map[string]any) (map[string]Type, error) {
	raw, ok := m[CoerceKey]
	if !ok {
		return nil, nil
	}
	spec, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object", ErrInvalidFilter, CoerceKey)
	}
	types := make(map[string]Type, len(spec))
	for path, t := range spec {
		s, ok := t.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s must name a type", ErrInvalidFilter, CoerceKey, path)
		}
		switch Type(s) {
		case String, Number, Boolean, Date, UUID:
			types[path] = Type(s)
		default:
			return nil, fmt.Errorf("%w: %s.%s: unknown type %q", ErrInvalidFilter, CoerceKey, path, s)
		}
	}
	return types, nil
}

// Coerce returns a copy of the filter with "$coerce" applied and removed.
// Coercion reaches operator operands ({"$gte": "..."}), the elements of
// $in and $nin lists, and the nested filters of $and, $or and $nor.
func Coerce(f map[string]any) (map[string]any, error) {
	types, err := Coercions(f)
	if err != nil {
		return nil, err
	}
	return coerceFilter(f, types)
}

func coerceFilter(f map[string]any, types map[string]Type) (map[string]any, error) {
	out := make(map[string]any, len(f))
	for k, v := range f {
		switch k {
		case CoerceKey:
			continue
		case "$and", "$or", "$nor":
			list, ok := v.([]any)
			if !ok {
				out[k] = v
				continue
			}
			sub := make([]any, len(list))
			for i := range list {
				m, ok := list[i].(map[string]any)
				if !ok {
					sub[i] = list[i]
					continue
				}
				inner, err := Coercions(m)
				if err != nil {
					return nil, err
				}
				merged := maps.Clone(types)
				if merged == nil {
					merged = map[string]Type{}
				}
				maps.Copy(merged, inner)
				if sub[i], err = coerceFilter(m, merged); err != nil {
					return nil, err
				}
			}
			out[k] = sub
			continue
		}

		t, ok := types[k]
		if !ok {
			out[k] = v
			continue
		}
		cv, err := coerceOperand(k, v, t)
		if err != nil {
			return nil, err
		}
		out[k] = cv
	}
	return out, nil
}

func coerceOperand(path string, v any, t Type) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if !isOperatorObject(x) {
			return x, nil
		}
		out := make(map[string]any, len(x))
		for op, operand := range x {
			switch op {
			case "$exists":
				out[op] = operand
			case "$in", "$nin":
				list, ok := operand.([]any)
				if !ok {
					out[op] = operand
					continue
				}
				cl := make([]any, len(list))
				for i := range list {
					var err error
					if cl[i], err = coerceScalar(path, list[i], t); err != nil {
						return nil, err
					}
				}
				out[op] = cl
			default:
				var err error
				if out[op], err = coerceScalar(path, operand, t); err != nil {
					return nil, err
				}
			}
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i := range x {
			var err error
			if out[i], err = coerceScalar(path, x[i], t); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return coerceScalar(path, v, t)
}

func coerceScalar(path string, v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	cv, err := Value(v, t)
	if err != nil {
		return nil, &CoercionError{Path: path, Type: t, Value: v, err: err}
	}
	return cv, nil
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// CoerceRecord applies the "$coerce" entry of a record to the fields it
// names, which may be dotted paths into nested objects. Dates become
// RFC 3339 strings so the record stays plain JSON. A path that is absent is
// skipped.
func CoerceRecord(r map[string]any) (map[string]any, error) {
	types, err := Coercions(r)
	if err != nil {
		return nil, err
	}
	out := deepCopy(r).(map[string]any)
	delete(out, CoerceKey)

	for path, t := range types {
		parent, key, ok := locate(out, path)
		if !ok {
			continue
		}
		cv, err := coerceScalar(path, parent[key], t)
		if err != nil {
			return nil, err
		}
		if ts, ok := cv.(time.Time); ok {
			cv = ts.Format(time.RFC3339Nano)
		}
		parent[key] = cv
	}
	return out, nil
}

func locate(m map[string]any, path string) (map[string]any, string, bool) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			return nil, "", false
		}
		m = next
	}
	last := parts[len(parts)-1]
	_, ok := m[last]
	return m, last, ok
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = deepCopy(x[i])
		}
		return out
	}
	return v
}

// IsCoercionError reports whether err was caused by a failed coercion.
func IsCoercionError(err error) bool {
	var ce *CoercionError
	return errors.As(err, &ce)
}
