package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
)

type accumulator interface {
	add(v any)
	result() any
}

var accumulators = map[string]func() accumulator{
	"$sum":   func() accumulator { return &sumAcc{} },
	"$avg":   func() accumulator { return &avgAcc{} },
	"$min":   func() accumulator { return &extremeAcc{sign: -1} },
	"$max":   func() accumulator { return &extremeAcc{sign: 1} },
	"$count": func() accumulator { return &countAcc{} },
	"$push":  func() accumulator { return &pushAcc{list: []any{}} },
	"$first": func() accumulator { return &firstAcc{} },
	"$last":  func() accumulator { return &lastAcc{} },
}

type sumAcc struct{ sum float64 }

func (a *sumAcc) add(v any) {
	if f, ok := number(v); ok {
		a.sum += f
	}
}
func (a *sumAcc) result() any { return a.sum }

type avgAcc struct {
	sum float64
	n   int
}

func (a *avgAcc) add(v any) {
	if f, ok := number(v); ok {
		a.sum += f
		a.n++
	}
}

func (a *avgAcc) result() any {
	if a.n == 0 {
		return nil
	}
	return a.sum / float64(a.n)
}

type extremeAcc struct {
	sign int
	v    any
}

func (a *extremeAcc) add(v any) {
	if v == nil {
		return
	}
	if a.v == nil || order(v, a.v)*a.sign > 0 {
		a.v = v
	}
}
func (a *extremeAcc) result() any { return a.v }

type countAcc struct{ n int }

func (a *countAcc) add(any) { a.n++ }
func (a *countAcc) result() any { return float64(a.n) }

type pushAcc struct{ list []any }

func (a *pushAcc) add(v any) { a.list = append(a.list, v) }
func (a *pushAcc) result() any { return a.list }

type firstAcc struct {
	v   any
	set bool
}

func (a *firstAcc) add(v any) {
	if !a.set {
		a.v, a.set = v, true
	}
}
func (a *firstAcc) result() any { return a.v }

type lastAcc struct{ v any }

func (a *lastAcc) add(v any) { a.v = v }
func (a *lastAcc) result() any { return a.v }

type groupField struct {
	name string
	op   string
	expr any
}

// group buckets records by the _id expression and folds each bucket with
// the accumulators, e.g. {"_id": "$city", "total": {"$sum": "$amount"}}.
// Groups come out in order of first appearance.
func group(_ context.Context, docs []map[string]any, arg any, _ Source) ([]map[string]any, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $group needs an object", ErrInvalidPipeline)
	}
	keyExpr, ok := spec["_id"]
	if !ok {
		return nil, fmt.Errorf("%w: $group needs an _id", ErrInvalidPipeline)
	}

	var fields []groupField
	for name, v := range spec {
		if name == "_id" {
			continue
		}
		acc, ok := v.(map[string]any)
		if !ok || len(acc) != 1 {
			return nil, fmt.Errorf("%w: $group field %s needs one accumulator", ErrInvalidPipeline, name)
		}
		for op, expr := range acc {
			if _, ok := accumulators[op]; !ok {
				return nil, fmt.Errorf("%w: unsupported accumulator %s", ErrInvalidPipeline, op)
			}
			fields = append(fields, groupField{name: name, op: op, expr: expr})
		}
	}

	type bucket struct {
		key  any
		accs []accumulator
	}
	var keys []string
	buckets := map[string]*bucket{}

	for _, doc := range docs {
		key := eval(doc, keyExpr)
		bs, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		b, ok := buckets[string(bs)]
		if !ok {
			b = &bucket{key: key, accs: make([]accumulator, len(fields))}
			for i, f := range fields {
				b.accs[i] = accumulators[f.op]()
			}
			buckets[string(bs)] = b
			keys = append(keys, string(bs))
		}
		for i, f := range fields {
			b.accs[i].add(eval(doc, f.expr))
		}
	}

	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		res := map[string]any{"_id": b.key}
		for i, f := range fields {
			res[f.name] = b.accs[i].result()
		}
		out = append(out, res)
	}
	return out, nil
}
