// Package pipeline evaluates aggregation pipelines over records in memory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nildb/nildb/internal/filter"
)

var ErrInvalidPipeline = errors.New("invalid pipeline")

// Source loads the records of another schema for $lookup.
type Source func(ctx context.Context, schemaID string) ([]map[string]any, error)

type stageFunc func(ctx context.Context, docs []map[string]any, arg any, src Source) ([]map[string]any, error)

var stages map[string]stageFunc

func init() {
	stages = map[string]stageFunc{
		"$match":     match,
		"$project":   project,
		"$addFields": addFields,
		"$set":       addFields,
		"$unset":     unset,
		"$group":     group,
		"$sort":      sortStage,
		"$skip":      skip,
		"$limit":     limit,
		"$count":     count,
		"$unwind":    unwind,
		"$lookup":    lookup,
	}
}

// Stage checks the shape of one stage and returns its operator.
func Stage(stage map[string]any) (string, error) {
	if len(stage) != 1 {
		return "", fmt.Errorf("%w: a stage has exactly one operator, got %d", ErrInvalidPipeline, len(stage))
	}
	for op := range stage {
		if _, ok := stages[op]; !ok {
			return "", fmt.Errorf("%w: unsupported stage %s", ErrInvalidPipeline, op)
		}
		return op, nil
	}
	panic("unreachable")
}

// Run feeds the records through the stages in order.
func Run(ctx context.Context, docs []map[string]any, pipeline []map[string]any, src Source) ([]map[string]any, error) {
	for i, stage := range pipeline {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op, err := Stage(stage)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		if docs, err = stages[op](ctx, docs, stage[op], src); err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, op, err)
		}
	}
	if docs == nil {
		docs = []map[string]any{}
	}
	return docs, nil
}

func match(_ context.Context, docs []map[string]any, arg any, _ Source) ([]map[string]any, error) {
	f, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $match needs a filter", ErrInvalidPipeline)
	}
	f, err := filter.Coerce(f)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, doc := range docs {
		ok, err := filter.Match(doc, f)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// eval computes an expression: "$a.b" reads a field, an object evaluates
// each of its members, anything else is a literal.
func eval(doc map[string]any, expr any) any {
	switch x := expr.(type) {
	case string:
		if strings.HasPrefix(x, "$") && len(x) > 1 {
			v, _ := filter.Lookup(doc, x[1:])
			return v
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = eval(doc, e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = eval(doc, x[i])
		}
		return out
	}
	return expr
}

func set(doc map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := doc[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			doc[p] = next
		}
		doc = next
	}
	doc[parts[len(parts)-1]] = v
}

func remove(doc map[string]any, path string) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := doc[p].(map[string]any)
		if !ok {
			return
		}
		doc = next
	}
	delete(doc, parts[len(parts)-1])
}

func clone(doc map[string]any) map[string]any {
	out := maps.Clone(doc)
	for k, v := range out {
		if m, ok := v.(map[string]any); ok {
			out[k] = clone(m)
		}
	}
	return out
}

func truthy(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case int:
		return x != 0, true
	}
	return false, false
}

// project keeps the listed fields (1/true) or drops them (0/false); other
// values compute new fields. _id is kept unless excluded.
func project(_ context.Context, docs []map[string]any, arg any, _ Source) ([]map[string]any, error) {
	spec, ok := arg.(map[string]any)
	if !ok || len(spec) == 0 {
		return nil, fmt.Errorf("%w: $project needs a non-empty object", ErrInvalidPipeline)
	}

	var include, exclude bool
	for k, v := range spec {
		if b, ok := truthy(v); ok {
			if b {
				include = true
			} else if k != "_id" {
				exclude = true
			}
		} else {
			include = true
		}
	}
	if include && exclude {
		return nil, fmt.Errorf("%w: $project cannot mix inclusion and exclusion", ErrInvalidPipeline)
	}

	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		if exclude {
			res := clone(doc)
			for k := range spec {
				remove(res, k)
			}
			out[i] = res
			continue
		}

		res := map[string]any{}
		if v, ok := doc["_id"]; ok {
			res["_id"] = v
		}
		for k, v := range spec {
			b, isFlag := truthy(v)
			switch {
			case isFlag && !b:
				remove(res, k)
			case isFlag:
				if val, ok := filter.Lookup(doc, k); ok {
					set(res, k, val)
				}
			default:
				set(res, k, eval(doc, v))
			}
		}
		out[i] = res
	}
	return out, nil
}

func addFields(_ context.Context, docs []map[string]any, arg any, _ Source) ([]map[string]any, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $addFields needs an object", ErrInvalidPipeline)
	}
	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		res := clone(doc)
		for k, v := range spec {
			set(res, k, eval(doc, v))
		}
		out[i] = res
	}
	return out, nil
}

func unset(_ context.Context, docs []map[string]any, arg any, _ Source) ([]map[string]any, error) {
	var fields []string
	switch x := arg.(type) {
	case string:
		fields = []string{x}
	case []any:
		for _, f := range x {
			s, ok := f.(string)
			if !ok {
				return nil, fmt.Errorf("%w: $unset lists field names", ErrInvalidPipeline)
			}
			fields = append(fields, s)
		}
	default:
		return nil, fmt.Errorf("%w: $unset needs a field or a list of fields", ErrInvalidPipeline)
	}
	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		res := clone(doc)
		for _, f := range fields {
			remove(res, f)
		}
		out[i] = res
	}
	return out, nil
}

func sortStage(_ context.Context, docs []map[string]any, arg any, _ Source) ([]map[string]any, error) {
	spec, ok := arg.(map[string]any)
	if !ok || len(spec) == 0 {
		return nil, fmt.Errorf("%w: $sort needs a non-empty object", ErrInvalidPipeline)
	}
	// Go maps are unordered: keys sort in lexical order.
	keys := slices.Sorted(maps.Keys(spec))
	dirs := make([]int, len(keys))
	for i, k := range keys {
		d, ok := number(spec[k])
		if !ok || (d != 1 && d != -1) {
			return nil, fmt.Errorf("%w: $sort direction of %s must be 1 or -1", ErrInvalidPipeline, k)
		}
		dirs[i] = int(d)
	}

	out := slices.Clone(docs)
	slices.SortStableFunc(out, func(a, b map[string]any) int {
		for i, k := range keys {
			va, _ := filter.Lookup(a, k)
			vb, _ := filter.Lookup(b, k)
			if c := order(va, vb); c != 0 {
				return c * dirs[i]
			}
		}
		return 0
	})
	return out, nil
}

// order sorts missing and null first, then by type, then by value.
func order(a, b any) int {
	rank := func(v any) int {
		switch v.(type) {
		case nil:
			return 0
		case float64, int, int64:
			return 1
		case string:
			return 2
		case bool:
			return 4
		}
		if _, ok := filter.Compare(v, v); ok {
			return 3 // dates
		}
		return 5
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	c, _ := filter.Compare(a, b)
	return c
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func skip(_ context.Context, docs []map[string]any, arg any, _ Source) ([]map[string]any, error) {
	n, ok := number(arg)
	if !ok || n < 0 {
		return nil, fmt.Errorf("%w: $skip needs a non-negative number", ErrInvalidPipeline)
	}
	if int(n) >= len(docs) {
		return nil, nil
	}
	return docs[int(n):], nil
}

func limit(_ context.Context, docs []map[string]any, arg any, _ Source) ([]map[string]any, error) {
	n, ok := number(arg)
	if !ok || n <= 0 {
		return nil, fmt.Errorf("%w: $limit needs a positive number", ErrInvalidPipeline)
	}
	if int(n) < len(docs) {
		return docs[:int(n)], nil
	}
	return docs, nil
}

func count(_ context.Context, docs []map[string]any, arg any, _ Source) ([]map[string]any, error) {
	name, ok := arg.(string)
	if !ok || name == "" || strings.HasPrefix(name, "$") || strings.Contains(name, ".") {
		return nil, fmt.Errorf("%w: $count needs a field name", ErrInvalidPipeline)
	}
	return []map[string]any{{name: float64(len(docs))}}, nil
}

func unwind(_ context.Context, docs []map[string]any, arg any, _ Source) ([]map[string]any, error) {
	var path string
	var keepEmpty bool
	switch x := arg.(type) {
	case string:
		path = x
	case map[string]any:
		path, _ = x["path"].(string)
		keepEmpty, _ = x["preserveNullAndEmptyArrays"].(bool)
	}
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("%w: $unwind needs a $-prefixed path", ErrInvalidPipeline)
	}
	path = path[1:]

	var out []map[string]any
	for _, doc := range docs {
		v, _ := filter.Lookup(doc, path)
		list, isList := v.([]any)
		switch {
		case isList && len(list) > 0:
			for _, e := range list {
				res := clone(doc)
				set(res, path, e)
				out = append(out, res)
			}
		case isList || v == nil:
			if keepEmpty {
				res := clone(doc)
				remove(res, path)
				out = append(out, res)
			}
		default:
			out = append(out, doc)
		}
	}
	return out, nil
}

// lookup joins the records of another schema: every foreign record whose
// foreignField equals the localField lands in the "as" array.
func lookup(ctx context.Context, docs []map[string]any, arg any, src Source) ([]map[string]any, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $lookup needs an object", ErrInvalidPipeline)
	}
	from, _ := spec["from"].(string)
	local, _ := spec["localField"].(string)
	foreign, _ := spec["foreignField"].(string)
	as, _ := spec["as"].(string)
	if from == "" || local == "" || foreign == "" || as == "" {
		return nil, fmt.Errorf("%w: $lookup needs from, localField, foreignField and as", ErrInvalidPipeline)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: $lookup is not available", ErrInvalidPipeline)
	}

	others, err := src(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("lookup of %s: %w", from, err)
	}

	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		lv, _ := filter.Lookup(doc, local)
		joined := []any{}
		for _, o := range others {
			fv, present := filter.Lookup(o, foreign)
			if !present {
				continue
			}
			if filter.Equal(lv, fv) || containsEqual(lv, fv) {
				joined = append(joined, o)
			}
		}
		res := clone(doc)
		set(res, as, joined)
		out[i] = res
	}
	return out, nil
}

func containsEqual(list, v any) bool {
	l, ok := list.([]any)
	if !ok {
		return false
	}
	return slices.ContainsFunc(l, func(e any) bool { return filter.Equal(e, v) })
}
