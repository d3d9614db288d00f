package queries_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nildb/nildb/internal/builders"
	"github.com/nildb/nildb/internal/data"
	"github.com/nildb/nildb/internal/model"
	"github.com/nildb/nildb/internal/queries"
	"github.com/nildb/nildb/internal/schemas"
	"github.com/nildb/nildb/internal/test/dbtest"
	"github.com/nildb/nildb/internal/users"
)

const owner = "did:nil:acme"

func setup(t *testing.T) (*queries.Registry, *builders.Directory, string, string) {
	t.Helper()
	ctx := t.Context()
	db := dbtest.SQLite(t)
	dir := builders.New(db)
	if err := dir.Register(ctx, &model.Builder{DID: owner}); err != nil {
		t.Fatal(err)
	}
	reg := schemas.New(db, dir)
	engine := data.New(db, reg, users.New(db))

	people := &model.Schema{Owner: owner, Name: "people", DocumentType: model.DocumentTypeShared, Definition: map[string]any{"type": "object"}}
	cities := &model.Schema{Owner: owner, Name: "cities", DocumentType: model.DocumentTypeShared, Definition: map[string]any{"type": "object"}}
	for _, s := range []*model.Schema{people, cities} {
		if err := reg.Add(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	for schemaID, records := range map[string][]map[string]any{
		people.ID: {
			{"name": "alice", "age": 30.0, "city": "BE", "tags": []any{"a", "b"}},
			{"name": "bob", "age": 17.0, "city": "ZH", "tags": []any{"b"}},
			{"name": "carol", "age": 45.0, "city": "BE"},
		},
		cities.ID: {
			{"code": "BE", "name": "Bern"},
			{"code": "ZH", "name": "Zurich"},
		},
	} {
		if _, err := engine.CreateRecords(ctx, data.CreateRequest{Schema: schemaID, Records: records}); err != nil {
			t.Fatal(err)
		}
	}
	return queries.New(db, dir), dir, people.ID, cities.ID
}

func TestAddExecuteDelete(t *testing.T) {
	reg, dir, people, cities := setup(t)
	ctx := t.Context()

	q := &model.Query{
		Owner:  owner,
		Name:   "adults by city",
		Schema: people,
		Variables: map[string]model.QueryVariable{
			"minAge": {Type: "number"},
			"city":   {Type: "string", Optional: true},
		},
		Pipeline: []map[string]any{
			{"$match": map[string]any{"age": map[string]any{"$gte": "##minAge"}, "city": "##city"}},
			{"$lookup": map[string]any{"from": cities, "localField": "city", "foreignField": "code", "as": "place"}},
			{"$unwind": "$place"},
			{"$group": map[string]any{"_id": "$place.name", "n": map[string]any{"$sum": 1}}},
			{"$sort": map[string]any{"_id": 1}},
		},
	}
	if err := reg.Add(ctx, q); err != nil {
		t.Fatal(err)
	}
	if b, err := dir.Find(ctx, owner); err != nil || !b.OwnsQuery(q.ID) {
		t.Fatalf("expected builder to own the query: %v (%v)", b, err)
	}

	for _, tc := range []struct {
		note string
		vars map[string]any
		exp  []map[string]any
	}{
		{
			note: "optional omitted",
			vars: map[string]any{"minAge": 18.0},
			exp:  []map[string]any{{"_id": "Bern", "n": 2.0}},
		},
		{
			note: "coerced and optional given",
			vars: map[string]any{"minAge": "10", "city": "ZH"},
			exp:  []map[string]any{{"_id": "Zurich", "n": 1.0}},
		},
	} {
		t.Run(tc.note, func(t *testing.T) {
			act, err := reg.Execute(ctx, q.ID, tc.vars)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.exp, act); diff != "" {
				t.Fatalf("unexpected result (-want,+got):\n%s", diff)
			}
		})
	}

	for _, vars := range []map[string]any{
		{},
		{"minAge": "x"},
		{"minAge": 1.0, "other": 1.0},
	} {
		if _, err := reg.Execute(ctx, q.ID, vars); !errors.Is(err, queries.ErrInvalidVariables) {
			t.Fatalf("expected invalid variables for %v, got %v", vars, err)
		}
	}

	mine, err := reg.FindByOwner(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != q.ID {
		t.Fatalf("unexpected queries: %v", mine)
	}

	if err := reg.Delete(ctx, q.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Execute(ctx, q.ID, nil); !errors.Is(err, queries.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if b, err := dir.Find(ctx, owner); err != nil || b.OwnsQuery(q.ID) {
		t.Fatalf("expected query to leave the builder's set: %v (%v)", b, err)
	}
}

func TestRegexFallsBackToMemory(t *testing.T) {
	reg, _, people, _ := setup(t)
	ctx := t.Context()

	q := &model.Query{
		Owner:    owner,
		Schema:   people,
		Pipeline: []map[string]any{{"$match": map[string]any{"name": map[string]any{"$regex": "^[ab]"}}}, {"$count": "n"}},
	}
	if err := reg.Add(ctx, q); err != nil {
		t.Fatal(err)
	}
	act, err := reg.Execute(ctx, q.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]map[string]any{{"n": 2.0}}, act); diff != "" {
		t.Fatalf("unexpected result (-want,+got):\n%s", diff)
	}
}

func TestMatchPositionDoesNotChangeResult(t *testing.T) {
	reg, _, people, _ := setup(t)
	ctx := t.Context()

	project := map[string]any{"$project": map[string]any{"_id": 0, "name": 1}}
	for _, tc := range []struct {
		note     string
		pipeline []map[string]any
	}{
		{"leading", []map[string]any{{"$match": map[string]any{"tags": "a"}}, project}},
		{"after skip", []map[string]any{{"$skip": 0.0}, {"$match": map[string]any{"tags": "a"}}, project}},
		{"leading with owner", []map[string]any{{"$match": map[string]any{"tags": "a", "_owner": ""}}, project}},
	} {
		t.Run(tc.note, func(t *testing.T) {
			q := &model.Query{Owner: owner, Schema: people, Pipeline: tc.pipeline}
			if err := reg.Add(ctx, q); err != nil {
				t.Fatal(err)
			}
			act, err := reg.Execute(ctx, q.ID, nil)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]map[string]any{{"name": "alice"}}, act); diff != "" {
				t.Fatalf("unexpected result (-want,+got):\n%s", diff)
			}
		})
	}
}

func TestAddRejects(t *testing.T) {
	reg, _, people, _ := setup(t)

	for _, tc := range []struct {
		note string
		q    model.Query
	}{
		{"bad schema id", model.Query{Owner: owner, Schema: "people"}},
		{"unknown stage", model.Query{Owner: owner, Schema: people, Pipeline: []map[string]any{{"$out": "x"}}}},
		{"undeclared variable", model.Query{Owner: owner, Schema: people, Pipeline: []map[string]any{{"$limit": "##n"}}}},
		{"unknown type", model.Query{Owner: owner, Schema: people, Variables: map[string]model.QueryVariable{"n": {Type: "int"}}}},
	} {
		t.Run(tc.note, func(t *testing.T) {
			if err := reg.Add(t.Context(), &tc.q); !errors.Is(err, queries.ErrInvalidQuery) {
				t.Fatalf("expected invalid query, got %v", err)
			}
		})
	}
}
