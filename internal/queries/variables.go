package queries

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nildb/nildb/internal/filter"
	"github.com/nildb/nildb/internal/model"
)

// Bind checks the supplied variables against the declarations: every
// declared variable is required unless optional, unknown ones are rejected,
// and values are coerced to the declared type.
func Bind(declared map[string]model.QueryVariable, supplied map[string]any) (map[string]any, error) {
	var problems []string
	for _, name := range slices.Sorted(maps.Keys(supplied)) {
		if _, ok := declared[name]; !ok {
			problems = append(problems, fmt.Sprintf("%s is not declared", name))
		}
	}

	values := make(map[string]any, len(declared))
	for _, name := range slices.Sorted(maps.Keys(declared)) {
		decl := declared[name]
		v, ok := supplied[name]
		if !ok {
			if !decl.Optional {
				problems = append(problems, fmt.Sprintf("%s is required", name))
			}
			continue
		}
		cv, err := coerce(v, decl.Type)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		values[name] = cv
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVariables, strings.Join(problems, "; "))
	}
	return values, nil
}

func coerce(v any, typ string) (any, error) {
	if typ == "array" {
		if _, ok := v.([]any); !ok {
			return nil, fmt.Errorf("expected an array, got %T", v)
		}
		return v, nil
	}
	return filter.Value(v, filter.Type(typ))
}

func placeholder(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, placeholderPrefix) {
		return "", false
	}
	return s[len(placeholderPrefix):], true
}

// walk calls f with the name of every placeholder in the pipeline.
func walk(v any, f func(string)) {
	switch x := v.(type) {
	case []map[string]any:
		for _, m := range x {
			walk(m, f)
		}
	case map[string]any:
		for _, e := range x {
			walk(e, f)
		}
	case []any:
		for _, e := range x {
			walk(e, f)
		}
	default:
		if name, ok := placeholder(v); ok {
			f(name)
		}
	}
}

// Substitute returns a copy of the pipeline with placeholders replaced. An
// entry whose placeholder names an omitted optional variable is dropped,
// together with any object left empty by that.
func Substitute(stages []map[string]any, declared map[string]model.QueryVariable, values map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(stages))
	for _, stage := range stages {
		v, keep, err := substitute(stage, declared, values)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, v.(map[string]any))
		}
	}
	return out, nil
}

func substitute(v any, declared map[string]model.QueryVariable, values map[string]any) (any, bool, error) {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			sv, keep, err := substitute(e, declared, values)
			if err != nil {
				return nil, false, err
			}
			if keep {
				out[k] = sv
			}
		}
		if len(out) == 0 && len(x) > 0 {
			return nil, false, nil
		}
		return out, true, nil
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			sv, keep, err := substitute(e, declared, values)
			if err != nil {
				return nil, false, err
			}
			if keep {
				out = append(out, sv)
			}
		}
		return out, true, nil
	}

	name, ok := placeholder(v)
	if !ok {
		return v, true, nil
	}
	if val, ok := values[name]; ok {
		return val, true, nil
	}
	if decl, ok := declared[name]; ok && decl.Optional {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("%w: no value for %s", ErrInvalidVariables, name)
}
