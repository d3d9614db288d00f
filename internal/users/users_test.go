package users_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/nildb/nildb/internal/authz"
	"github.com/nildb/nildb/internal/model"
	"github.com/nildb/nildb/internal/test/dbtest"
	"github.com/nildb/nildb/internal/users"
)

func TestGrantRevoke(t *testing.T) {
	svc := users.New(dbtest.SQLite(t))
	ctx := t.Context()

	alice, acme := "did:nil:alice", "did:nil:acme"
	schemaID, docID := uuid.NewString(), uuid.NewString()

	if err := svc.Grant(ctx, alice, model.Permission{Schema: schemaID, ID: docID, Grantee: acme, Read: true}); !errors.Is(err, users.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := svc.AddReferences(ctx, alice, []model.DataRef{{Schema: schemaID, ID: docID}}, nil); err != nil {
		t.Fatal(err)
	}

	if err := svc.Check(ctx, alice, acme, schemaID, docID, authz.Read); !errors.Is(err, authz.ErrAccessDenied) {
		t.Fatalf("expected access denied before the grant, got %v", err)
	}

	if err := svc.Grant(ctx, alice, model.Permission{Schema: schemaID, ID: docID, Grantee: acme, Read: true}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Check(ctx, alice, acme, schemaID, docID, authz.Read); err != nil {
		t.Fatalf("expected read access, got %v", err)
	}
	if err := svc.Check(ctx, alice, acme, schemaID, docID, authz.Write); !errors.Is(err, authz.ErrAccessDenied) {
		t.Fatalf("expected no write access, got %v", err)
	}

	if err := svc.Grant(ctx, alice, model.Permission{Schema: schemaID, ID: uuid.NewString(), Grantee: acme, Read: true}); !errors.Is(err, authz.ErrAccessDenied) {
		t.Fatalf("expected grants on foreign records to be denied, got %v", err)
	}
	if err := svc.Grant(ctx, alice, model.Permission{Schema: schemaID, ID: docID, Grantee: alice, Read: true}); err == nil {
		t.Fatal("expected self grant to fail")
	}

	if err := svc.Revoke(ctx, alice, schemaID, docID, acme); err != nil {
		t.Fatal(err)
	}
	if err := svc.Revoke(ctx, alice, schemaID, docID, acme); !errors.Is(err, users.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := svc.Check(ctx, "did:nil:nobody", acme, schemaID, docID, authz.Read); !errors.Is(err, authz.ErrAccessDenied) {
		t.Fatalf("expected access denied for unknown owners, got %v", err)
	}
}
