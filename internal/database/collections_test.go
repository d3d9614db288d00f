package database_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"

	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/migrations"
	"github.com/nildb/nildb/internal/model"
	"github.com/nildb/nildb/internal/test/dbs"
)

func forEachDB(t *testing.T, f func(*testing.T, *database.Database)) {
	t.Helper()
	for databaseType, databaseConfig := range dbs.Configs(t) {
		t.Run(databaseType, func(t *testing.T) {
			t.Parallel()
			var ctr testcontainers.Container
			if databaseConfig.Setup != nil {
				ctr = databaseConfig.Setup(t)
				t.Cleanup(databaseConfig.Cleanup(t, ctr))
			}

			db, err := migrations.New().WithConfig(databaseConfig.Database(t, ctr).Database).WithMigrate(true).Run(t.Context())
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			t.Cleanup(db.CloseDB)

			f(t, db)
		})
	}
}

func newCollection(t *testing.T, db *database.Database) string {
	t.Helper()
	id := uuid.NewString()
	if err := db.CreateCollection(t.Context(), id); err != nil {
		t.Fatal(err)
	}
	return id
}

func ids(docs []model.Document) []string {
	out := make([]string, len(docs))
	for i := range docs {
		out[i] = docs[i].ID()
	}
	return out
}

func TestCollectionNotFound(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *database.Database) {
		ctx := t.Context()
		missing := uuid.NewString()

		if _, err := db.FindDocuments(ctx, missing, nil, database.FindOptions{}); !errors.Is(err, database.ErrCollectionNotFound) {
			t.Fatalf("expected collection not found, got %v", err)
		}
		if err := db.InsertDocuments(ctx, missing, []model.Document{{"_id": uuid.NewString()}}); !errors.Is(err, database.ErrCollectionNotFound) {
			t.Fatalf("expected collection not found, got %v", err)
		}
		if _, err := db.CollectionStats(ctx, missing); !errors.Is(err, database.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if err := db.DropCollection(ctx, "not-a-uuid"); !errors.Is(err, database.ErrCollectionNotFound) {
			t.Fatalf("expected collection not found, got %v", err)
		}
	})
}

func TestCollectionDocuments(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *database.Database) {
		ctx := t.Context()
		coll := newCollection(t, db)

		if err := db.CreateCollection(ctx, coll); !errors.Is(err, database.ErrDuplicate) {
			t.Fatalf("expected duplicate collection, got %v", err)
		}

		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		docs := []model.Document{
			{"_id": "00000000-0000-0000-0000-000000000001", "_owner": "did:nil:alice", "_created": base, "_updated": base, "name": "a", "age": 30.0, "tags": map[string]any{"role": "admin"}},
			{"_id": "00000000-0000-0000-0000-000000000002", "_owner": "did:nil:alice", "_created": base.Add(time.Second), "_updated": base.Add(time.Second), "name": "b", "age": 17.0, "active": true},
			{"_id": "00000000-0000-0000-0000-000000000003", "_owner": "did:nil:bob", "_created": base.Add(2 * time.Second), "_updated": base.Add(2 * time.Second), "name": "c", "age": "unknown", "note": nil},
		}
		if err := db.InsertDocuments(ctx, coll, docs); err != nil {
			t.Fatal(err)
		}

		for _, tc := range []struct {
			note   string
			filter database.Filter
			exp    []string
		}{
			{note: "all", filter: nil, exp: []string{"00000000-0000-0000-0000-000000000001", "00000000-0000-0000-0000-000000000002", "00000000-0000-0000-0000-000000000003"}},
			{note: "eq string", filter: database.Filter{"name": "b"}, exp: []string{"00000000-0000-0000-0000-000000000002"}},
			{note: "owner column", filter: database.Filter{"_owner": "did:nil:bob"}, exp: []string{"00000000-0000-0000-0000-000000000003"}},
			{note: "range skips other types", filter: database.Filter{"age": map[string]any{"$gte": 18.0}}, exp: []string{"00000000-0000-0000-0000-000000000001"}},
			{note: "lt", filter: database.Filter{"age": map[string]any{"$lt": 18.0}}, exp: []string{"00000000-0000-0000-0000-000000000002"}},
			{note: "ne includes missing", filter: database.Filter{"active": map[string]any{"$ne": true}}, exp: []string{"00000000-0000-0000-0000-000000000001", "00000000-0000-0000-0000-000000000003"}},
			{note: "in", filter: database.Filter{"name": map[string]any{"$in": []any{"a", "c"}}}, exp: []string{"00000000-0000-0000-0000-000000000001", "00000000-0000-0000-0000-000000000003"}},
			{note: "nin", filter: database.Filter{"name": map[string]any{"$nin": []any{"a", "c"}}}, exp: []string{"00000000-0000-0000-0000-000000000002"}},
			{note: "exists", filter: database.Filter{"note": map[string]any{"$exists": true}}, exp: []string{"00000000-0000-0000-0000-000000000003"}},
			{note: "null matches missing", filter: database.Filter{"active": nil}, exp: []string{"00000000-0000-0000-0000-000000000001", "00000000-0000-0000-0000-000000000003"}},
			{note: "nested", filter: database.Filter{"tags.role": "admin"}, exp: []string{"00000000-0000-0000-0000-000000000001"}},
			{note: "or", filter: database.Filter{"$or": []any{map[string]any{"name": "a"}, map[string]any{"active": true}}}, exp: []string{"00000000-0000-0000-0000-000000000001", "00000000-0000-0000-0000-000000000002"}},
			{note: "created after", filter: database.Filter{"_created": map[string]any{"$gt": base}}, exp: []string{"00000000-0000-0000-0000-000000000002", "00000000-0000-0000-0000-000000000003"}},
		} {
			t.Run(tc.note, func(t *testing.T) {
				found, err := db.FindDocuments(ctx, coll, tc.filter, database.FindOptions{})
				if err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(tc.exp, ids(found)); diff != "" {
					t.Fatalf("unexpected result (-want,+got):\n%s", diff)
				}
			})
		}

		if _, err := db.FindDocuments(ctx, coll, database.Filter{"name": map[string]any{"$regex": "a"}}, database.FindOptions{}); !errors.Is(err, database.ErrInvalidFilter) {
			t.Fatalf("expected invalid filter, got %v", err)
		}
		if _, err := db.FindDocuments(ctx, coll, database.Filter{"bad'field": 1}, database.FindOptions{}); !errors.Is(err, database.ErrInvalidFilter) {
			t.Fatalf("expected invalid filter, got %v", err)
		}

		found, err := db.FindDocuments(ctx, coll, database.Filter{"_id": "00000000-0000-0000-0000-000000000001"}, database.FindOptions{})
		if err != nil {
			t.Fatal(err)
		}
		exp := model.Document{
			"_id": "00000000-0000-0000-0000-000000000001", "_owner": "did:nil:alice", "_created": base, "_updated": base,
			"name": "a", "age": 30.0, "tags": map[string]any{"role": "admin"},
		}
		if diff := cmp.Diff([]model.Document{exp}, found); diff != "" {
			t.Fatalf("unexpected document (-want,+got):\n%s", diff)
		}

		page, err := db.FindDocuments(ctx, coll, nil, database.FindOptions{Sort: []model.IndexKey{{Field: "name", Direction: -1}}, Skip: 1, Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"00000000-0000-0000-0000-000000000002"}, ids(page)); diff != "" {
			t.Fatalf("unexpected page (-want,+got):\n%s", diff)
		}

		tail, err := db.TailDocuments(ctx, coll, 2)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"00000000-0000-0000-0000-000000000003", "00000000-0000-0000-0000-000000000002"}, ids(tail)); diff != "" {
			t.Fatalf("unexpected tail (-want,+got):\n%s", diff)
		}

		if n, err := db.CountDocuments(ctx, coll, database.Filter{"_owner": "did:nil:alice"}); err != nil || n != 2 {
			t.Fatalf("expected 2 documents, got %d (%v)", n, err)
		}
	})
}

func TestInsertDuplicateIsAllOrNothing(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *database.Database) {
		ctx := t.Context()
		coll := newCollection(t, db)

		first := uuid.NewString()
		if err := db.InsertDocuments(ctx, coll, []model.Document{{"_id": first, "_owner": "did:nil:a", "x": 1.0}}); err != nil {
			t.Fatal(err)
		}

		err := db.InsertDocuments(ctx, coll, []model.Document{
			{"_id": uuid.NewString(), "_owner": "did:nil:a", "x": 2.0},
			{"_id": first, "_owner": "did:nil:a", "x": 3.0},
		})
		if !errors.Is(err, database.ErrDuplicate) {
			t.Fatalf("expected duplicate, got %v", err)
		}

		if n, err := db.CountDocuments(ctx, coll, nil); err != nil || n != 1 {
			t.Fatalf("expected the batch to be rolled back, got %d documents (%v)", n, err)
		}
	})
}

func TestUpdateAndDeleteDocuments(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *database.Database) {
		ctx := t.Context()
		coll := newCollection(t, db)

		created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		docs := []model.Document{
			{"_id": uuid.NewString(), "_owner": "did:nil:a", "_created": created, "_updated": created, "n": 1.0},
			{"_id": uuid.NewString(), "_owner": "did:nil:a", "_created": created, "_updated": created, "n": 2.0},
			{"_id": uuid.NewString(), "_owner": "did:nil:b", "_created": created, "_updated": created, "n": 3.0},
		}
		if err := db.InsertDocuments(ctx, coll, docs); err != nil {
			t.Fatal(err)
		}

		res, err := db.UpdateDocuments(ctx, coll, database.Filter{"_owner": "did:nil:a"}, func(doc model.Document) (model.Document, bool, error) {
			if doc["n"] == 1.0 {
				return doc, false, nil
			}
			doc["n"] = 20.0
			doc["_updated"] = created.Add(time.Hour)
			return doc, true, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(database.UpdateResult{Matched: 2, Modified: 1}, res); diff != "" {
			t.Fatalf("unexpected update result (-want,+got):\n%s", diff)
		}

		found, err := db.FindDocuments(ctx, coll, database.Filter{"n": 20.0}, database.FindOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(found) != 1 || found[0].ID() != docs[1].ID() {
			t.Fatalf("unexpected documents: %v", found)
		}
		gotCreated, _ := found[0]["_created"].(time.Time)
		gotUpdated, _ := found[0]["_updated"].(time.Time)
		if !gotCreated.Equal(created) || !gotUpdated.Equal(created.Add(time.Hour)) || found[0].Owner() != "did:nil:a" {
			t.Fatalf("unexpected stamps: %v", found[0])
		}

		failure := errors.New("boom")
		if _, err := db.UpdateDocuments(ctx, coll, nil, func(model.Document) (model.Document, bool, error) { return nil, false, failure }); !errors.Is(err, failure) {
			t.Fatalf("expected callback error, got %v", err)
		}

		n, err := db.DeleteDocumentsByID(ctx, coll, []string{docs[0].ID(), docs[1].ID(), uuid.NewString()})
		if err != nil || n != 2 {
			t.Fatalf("expected 2 deleted, got %d (%v)", n, err)
		}

		n, err = db.DeleteDocuments(ctx, coll, nil)
		if err != nil || n != 1 {
			t.Fatalf("expected 1 deleted, got %d (%v)", n, err)
		}
	})
}

func TestCollectionStatsAndIndexes(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *database.Database) {
		ctx := t.Context()
		coll := newCollection(t, db)

		stats, err := db.CollectionStats(ctx, coll)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Count != 0 || !stats.FirstWrite.IsZero() || !stats.LastWrite.IsZero() {
			t.Fatalf("expected empty stats, got %+v", stats)
		}

		first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		last := first.Add(48 * time.Hour)
		if err := db.InsertDocuments(ctx, coll, []model.Document{
			{"_id": uuid.NewString(), "_owner": "did:nil:a", "_created": first, "_updated": first, "email": "a@example.com"},
			{"_id": uuid.NewString(), "_owner": "did:nil:a", "_created": first.Add(time.Hour), "_updated": last, "email": "a@example.com"},
		}); err != nil {
			t.Fatal(err)
		}

		byEmail := model.Index{Name: "by_email", Keys: []model.IndexKey{{Field: "email", Direction: 1}}}
		if err := db.CreateIndex(ctx, coll, byEmail); err != nil {
			t.Fatal(err)
		}
		if err := db.CreateIndex(ctx, coll, byEmail); err != nil {
			t.Fatalf("expected identical index to be a no-op, got %v", err)
		}

		for _, tc := range []struct {
			note string
			idx  model.Index
		}{
			{note: "same name other keys", idx: model.Index{Name: "by_email", Keys: []model.IndexKey{{Field: "email", Direction: -1}}}},
			{note: "same name other options", idx: model.Index{Name: "by_email", Keys: byEmail.Keys, Unique: true}},
			{note: "same keys other name", idx: model.Index{Name: "email_again", Keys: byEmail.Keys}},
			{note: "no keys", idx: model.Index{Name: "empty"}},
			{note: "bad direction", idx: model.Index{Name: "dir", Keys: []model.IndexKey{{Field: "x", Direction: 2}}}},
			{note: "unique over duplicates", idx: model.Index{Name: "uniq_email", Keys: []model.IndexKey{{Field: "email", Direction: 1}, {Field: "_owner", Direction: 1}}, Unique: true}},
		} {
			t.Run(tc.note, func(t *testing.T) {
				if err := db.CreateIndex(ctx, coll, tc.idx); !errors.Is(err, database.ErrInvalidIndexOptions) {
					t.Fatalf("expected invalid index options, got %v", err)
				}
			})
		}

		if err := db.CreateIndex(t.Context(), uuid.NewString(), byEmail); !errors.Is(err, database.ErrCollectionNotFound) {
			t.Fatalf("expected collection not found, got %v", err)
		}

		stats, err = db.CollectionStats(ctx, coll)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Count != 2 || !stats.FirstWrite.Equal(first) || !stats.LastWrite.Equal(last) || stats.Size <= 0 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
		names := make([]string, len(stats.Indexes))
		for i := range stats.Indexes {
			names[i] = stats.Indexes[i].Name
		}
		if diff := cmp.Diff([]string{database.DefaultIndexName, "by_email"}, names); diff != "" {
			t.Fatalf("unexpected indexes (-want,+got):\n%s", diff)
		}

		if err := db.DropIndex(ctx, coll, "by_email"); err != nil {
			t.Fatal(err)
		}
		if err := db.DropIndex(ctx, coll, "by_email"); !errors.Is(err, database.ErrIndexNotFound) {
			t.Fatalf("expected index not found, got %v", err)
		}

		indexes, err := db.ListIndexes(ctx, coll)
		if err != nil {
			t.Fatal(err)
		}
		if len(indexes) != 1 || indexes[0].Name != database.DefaultIndexName {
			t.Fatalf("unexpected indexes: %v", indexes)
		}

		collections, err := db.CollectionIDs(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Contains(collections, coll) {
			t.Fatalf("expected %s in %v", coll, collections)
		}

		if err := db.DropCollection(ctx, coll); err != nil {
			t.Fatal(err)
		}
		if _, err := db.ListIndexes(ctx, coll); !errors.Is(err, database.ErrCollectionNotFound) {
			t.Fatalf("expected collection not found, got %v", err)
		}
	})
}
