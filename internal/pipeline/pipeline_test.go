package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func orders() []map[string]any {
	return []map[string]any{
		{"_id": "1", "city": "Bern", "amount": 10.0, "items": []any{"a", "b"}, "customer": "c1"},
		{"_id": "2", "city": "Zurich", "amount": 5.0, "items": []any{}, "customer": "c2"},
		{"_id": "3", "city": "Bern", "amount": 20.0, "items": []any{"c"}, "customer": "c1"},
	}
}

func TestRun(t *testing.T) {
	customers := []map[string]any{
		{"_id": "c1", "name": "alice"},
		{"_id": "c2", "name": "bob"},
	}
	src := func(_ context.Context, schemaID string) ([]map[string]any, error) {
		if schemaID != "customers" {
			return nil, errors.New("unknown schema")
		}
		return customers, nil
	}

	for _, tc := range []struct {
		note     string
		pipeline []map[string]any
		exp      []map[string]any
	}{
		{
			note:     "empty pipeline",
			pipeline: nil,
			exp:      orders(),
		},
		{
			note: "match and project",
			pipeline: []map[string]any{
				{"$match": map[string]any{"amount": map[string]any{"$gte": 10}}},
				{"$project": map[string]any{"city": 1, "_id": 0}},
			},
			exp: []map[string]any{{"city": "Bern"}, {"city": "Bern"}},
		},
		{
			note: "match coerces",
			pipeline: []map[string]any{
				{"$match": map[string]any{"amount": "5", "$coerce": map[string]any{"amount": "number"}}},
				{"$project": map[string]any{"_id": 1}},
			},
			exp: []map[string]any{{"_id": "2"}},
		},
		{
			note: "group",
			pipeline: []map[string]any{
				{"$group": map[string]any{
					"_id":   "$city",
					"total": map[string]any{"$sum": "$amount"},
					"avg":   map[string]any{"$avg": "$amount"},
					"n":     map[string]any{"$sum": 1},
					"max":   map[string]any{"$max": "$amount"},
					"ids":   map[string]any{"$push": "$_id"},
				}},
				{"$sort": map[string]any{"total": -1}},
			},
			exp: []map[string]any{
				{"_id": "Bern", "total": 30.0, "avg": 15.0, "n": 2.0, "max": 20.0, "ids": []any{"1", "3"}},
				{"_id": "Zurich", "total": 5.0, "avg": 5.0, "n": 1.0, "max": 5.0, "ids": []any{"2"}},
			},
		},
		{
			note: "unwind skip limit",
			pipeline: []map[string]any{
				{"$unwind": "$items"},
				{"$skip": 1},
				{"$limit": 1},
				{"$project": map[string]any{"items": 1}},
			},
			exp: []map[string]any{{"_id": "1", "items": "b"}},
		},
		{
			note: "count",
			pipeline: []map[string]any{
				{"$match": map[string]any{"city": "Bern"}},
				{"$count": "orders"},
			},
			exp: []map[string]any{{"orders": 2.0}},
		},
		{
			note: "add fields and unset",
			pipeline: []map[string]any{
				{"$limit": 1},
				{"$addFields": map[string]any{"place.city": "$city", "source": "web"}},
				{"$unset": []any{"items", "amount", "customer", "city"}},
			},
			exp: []map[string]any{{"_id": "1", "place": map[string]any{"city": "Bern"}, "source": "web"}},
		},
		{
			note: "lookup",
			pipeline: []map[string]any{
				{"$match": map[string]any{"_id": "2"}},
				{"$lookup": map[string]any{"from": "customers", "localField": "customer", "foreignField": "_id", "as": "buyer"}},
				{"$project": map[string]any{"buyer": 1, "_id": 0}},
			},
			exp: []map[string]any{{"buyer": []any{map[string]any{"_id": "c2", "name": "bob"}}}},
		},
	} {
		t.Run(tc.note, func(t *testing.T) {
			act, err := Run(t.Context(), orders(), tc.pipeline, src)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.exp, act); diff != "" {
				t.Fatalf("unexpected result (-want,+got):\n%s", diff)
			}
		})
	}
}

func TestLookupJoins(t *testing.T) {
	src := func(context.Context, string) ([]map[string]any, error) {
		return []map[string]any{{"_id": "c1", "name": "alice"}}, nil
	}
	act, err := Run(t.Context(), orders()[:1], []map[string]any{
		{"$lookup": map[string]any{"from": "customers", "localField": "customer", "foreignField": "_id", "as": "buyer"}},
	}, src)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{map[string]any{"_id": "c1", "name": "alice"}}, act[0]["buyer"]); diff != "" {
		t.Fatalf("unexpected join (-want,+got):\n%s", diff)
	}
}

func TestRunRejects(t *testing.T) {
	for _, tc := range []struct {
		note     string
		pipeline []map[string]any
	}{
		{"two operators", []map[string]any{{"$match": map[string]any{}, "$limit": 1}}},
		{"unknown stage", []map[string]any{{"$out": "x"}}},
		{"mixed projection", []map[string]any{{"$project": map[string]any{"a": 1, "b": 0}}}},
		{"bad limit", []map[string]any{{"$limit": 0}}},
		{"bad sort", []map[string]any{{"$sort": map[string]any{"a": 2}}}},
		{"group without id", []map[string]any{{"$group": map[string]any{"n": map[string]any{"$sum": 1}}}}},
		{"unknown accumulator", []map[string]any{{"$group": map[string]any{"_id": nil, "n": map[string]any{"$median": "$a"}}}}},
		{"lookup without source", []map[string]any{{"$lookup": map[string]any{"from": "x", "localField": "a", "foreignField": "b", "as": "c"}}}},
	} {
		t.Run(tc.note, func(t *testing.T) {
			_, err := Run(t.Context(), orders(), tc.pipeline, nil)
			if !errors.Is(err, ErrInvalidPipeline) {
				t.Fatalf("expected invalid pipeline, got %v", err)
			}
		})
	}
}
