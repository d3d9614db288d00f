package reconcile_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/nildb/nildb/internal/builders"
	"github.com/nildb/nildb/internal/data"
	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/model"
	"github.com/nildb/nildb/internal/reconcile"
	"github.com/nildb/nildb/internal/schemas"
	"github.com/nildb/nildb/internal/test/dbtest"
	"github.com/nildb/nildb/internal/users"
)

const (
	builder = "did:nil:acme"
	alice   = "did:nil:alice"
	bob     = "did:nil:bob"
)

type counter struct {
	total, done int
}

func (c *counter) Add(n int) error {
	c.done += n
	return nil
}

// drifted returns a database where the references of alice and bob are out
// of step with the records: one missing, three dangling.
func drifted(t *testing.T) (*database.Database, string) {
	t.Helper()
	ctx := t.Context()
	db := dbtest.SQLite(t)
	dir := builders.New(db)
	if err := dir.Register(ctx, &model.Builder{DID: builder}); err != nil {
		t.Fatal(err)
	}
	reg := schemas.New(db, dir)
	engine := data.New(db, reg, users.New(db))

	owned := &model.Schema{Owner: builder, Name: "notes", DocumentType: model.DocumentTypeOwned, Definition: map[string]any{"type": "object"}}
	shared := &model.Schema{Owner: builder, Name: "cities", DocumentType: model.DocumentTypeShared, Definition: map[string]any{"type": "object"}}
	for _, s := range []*model.Schema{owned, shared} {
		if err := reg.Add(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	res, err := engine.CreateRecords(ctx, data.CreateRequest{
		Schema:  owned.ID,
		Owner:   alice,
		Records: []map[string]any{{"text": "a"}, {"text": "b"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.RemoveUserData(ctx, alice, []model.DataRef{{Schema: owned.ID, ID: res.Created[0]}}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddUserData(ctx, alice, []model.DataRef{{Schema: owned.ID, ID: uuid.NewString()}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.AddUserData(ctx, bob, []model.DataRef{{Schema: uuid.NewString(), ID: uuid.NewString()}, {Schema: shared.ID, ID: uuid.NewString()}}, nil); err != nil {
		t.Fatal(err)
	}
	return db, owned.ID
}

func TestReconcile(t *testing.T) {
	db, owned := drifted(t)
	ctx := t.Context()

	var progress counter
	r := reconcile.New(db).WithProgress(func(total int) reconcile.Progress {
		progress.total = total
		return &progress
	})

	report, err := r.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(reconcile.Report{Schemas: 3, Attached: 1, Detached: 3}, report); diff != "" {
		t.Fatalf("unexpected report (-want,+got):\n%s", diff)
	}
	if progress.total != 3 || progress.done != 3 {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	docs, err := db.DocumentOwners(ctx, owned)
	if err != nil {
		t.Fatal(err)
	}
	refs, err := db.SchemaReferences(ctx, owned)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(docs, refs); diff != "" {
		t.Fatalf("references differ from records (-docs,+refs):\n%s", diff)
	}

	u, err := db.GetUser(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Data) != 0 {
		t.Fatalf("expected bob's dangling references to be gone, got %v", u.Data)
	}

	report, err = r.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(reconcile.Report{Schemas: 1}, report); diff != "" {
		t.Fatalf("expected a clean second run (-want,+got):\n%s", diff)
	}
}

type flaky struct {
	*database.Database
	broken string
}

func (f *flaky) SchemaReferences(ctx context.Context, schemaID string) ([]database.OwnerRef, error) {
	if schemaID == f.broken {
		return nil, errors.New("connection reset")
	}
	return f.Database.SchemaReferences(ctx, schemaID)
}

func TestReconcileContinuesPastFailures(t *testing.T) {
	db, owned := drifted(t)

	report, err := reconcile.New(&flaky{Database: db, broken: owned}).Run(t.Context())
	if err == nil {
		t.Fatal("expected an error")
	}
	if report.Detached != 2 || report.Attached != 0 {
		t.Fatalf("expected the other schemas to be repaired, got %+v", report)
	}
}
