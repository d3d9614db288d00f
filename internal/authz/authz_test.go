package authz

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nildb/nildb/internal/model"
)

func TestOwnership(t *testing.T) {
	b := &model.Builder{DID: "did:nil:acme", Schemas: []string{"s1"}, Queries: []string{"q1"}}

	for _, tc := range []struct {
		note string
		err  error
		exp  *AccessDenied
	}{
		{note: "owned schema", err: EnforceSchemaOwnership(b, "s1")},
		{note: "foreign schema", err: EnforceSchemaOwnership(b, "s2"), exp: &AccessDenied{ResourceSchema, "s2", "did:nil:acme"}},
		{note: "owned query", err: EnforceQueryOwnership(b, "q1")},
		{note: "query id is not a schema id", err: EnforceSchemaOwnership(b, "q1"), exp: &AccessDenied{ResourceSchema, "q1", "did:nil:acme"}},
		{note: "foreign query", err: EnforceQueryOwnership(b, "q2"), exp: &AccessDenied{ResourceQuery, "q2", "did:nil:acme"}},
		{note: "no builder", err: EnforceQueryOwnership(nil, "q1"), exp: &AccessDenied{ResourceQuery, "q1", ""}},
	} {
		t.Run(tc.note, func(t *testing.T) {
			if tc.exp == nil {
				if tc.err != nil {
					t.Fatalf("expected no error, got %v", tc.err)
				}
				return
			}
			if !errors.Is(tc.err, ErrAccessDenied) {
				t.Fatalf("expected access denied, got %v", tc.err)
			}
			var denied *AccessDenied
			if !errors.As(tc.err, &denied) {
				t.Fatalf("expected *AccessDenied, got %T", tc.err)
			}
			if diff := cmp.Diff(tc.exp, denied); diff != "" {
				t.Fatalf("unexpected error (-want,+got):\n%s", diff)
			}
		})
	}
}

func TestDataOwnership(t *testing.T) {
	u := &model.UserDocument{DID: "did:nil:alice", Data: []model.DataRef{{Schema: "s1", ID: "d1"}}}

	if err := EnforceDataOwnership(u, "d1", "s1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := EnforceDataOwnership(u, "d1", "s2"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected the schema to be part of the reference, got %v", err)
	}
	if err := EnforceDataOwnership(nil, "d1", "s1"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestEnforcePermission(t *testing.T) {
	u := &model.UserDocument{
		DID:  "did:nil:alice",
		Data: []model.DataRef{{Schema: "s1", ID: "d1"}, {Schema: "s1", ID: "d2"}},
		Permissions: []model.Permission{
			{Schema: "s1", ID: "d1", Grantee: "did:nil:acme", Read: true},
			{Schema: "s1", ID: "d2", Grantee: "did:nil:acme", Read: true, Write: true, Delete: true},
		},
	}

	for _, tc := range []struct {
		note    string
		grantee string
		id      string
		want    Access
		ok      bool
	}{
		{"owner", "did:nil:alice", "d1", Read | Write | Delete, true},
		{"read grant", "did:nil:acme", "d1", Read, true},
		{"read grant without write", "did:nil:acme", "d1", Read | Write, false},
		{"full grant", "did:nil:acme", "d2", Delete, true},
		{"no grant", "did:nil:other", "d1", Read, false},
		{"unowned record", "did:nil:acme", "d3", Read, false},
	} {
		t.Run(tc.note, func(t *testing.T) {
			err := EnforcePermission(u, tc.grantee, "s1", tc.id, tc.want)
			if tc.ok && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrAccessDenied) {
				t.Fatalf("expected access denied, got %v", err)
			}
		})
	}
}

func TestAccessString(t *testing.T) {
	if exp, act := "read|delete", (Read | Delete).String(); exp != act {
		t.Fatalf("expected %q, got %q", exp, act)
	}
}
