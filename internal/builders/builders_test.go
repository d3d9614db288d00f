package builders_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/nildb/nildb/internal/builders"
	"github.com/nildb/nildb/internal/cache"
	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/model"
	"github.com/nildb/nildb/internal/test/dbtest"
)

type countingStore struct {
	*database.Database
	reads atomic.Int64
}

func (s *countingStore) GetBuilder(ctx context.Context, did string) (*model.Builder, error) {
	s.reads.Add(1)
	return s.Database.GetBuilder(ctx, did)
}

func setup(t *testing.T) (*builders.Directory, *countingStore, *cache.Cache[string, *model.Builder]) {
	store := &countingStore{Database: dbtest.SQLite(t)}
	c := cache.New[string, *model.Builder]()
	return builders.New(store).WithCache(c).WithNodeDID("did:nil:node"), store, c
}

func TestFindReadsThroughCache(t *testing.T) {
	dir, store, c := setup(t)
	ctx := t.Context()

	if _, err := dir.Find(ctx, "did:nil:absent"); !errors.Is(err, builders.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, ok := c.Get("did:nil:absent"); ok {
		t.Fatal("expected misses not to be cached")
	}

	if err := dir.Register(ctx, &model.Builder{DID: "did:nil:acme", Name: "acme"}); err != nil {
		t.Fatal(err)
	}

	store.reads.Store(0)
	for range 3 {
		b, err := dir.Find(ctx, "did:nil:acme")
		if err != nil {
			t.Fatal(err)
		}
		if b.Name != "acme" {
			t.Fatalf("unexpected builder: %+v", b)
		}
	}
	if n := store.reads.Load(); n != 1 {
		t.Fatalf("expected exactly one store read, got %d", n)
	}
}

func TestConcurrentColdFind(t *testing.T) {
	dir, store, c := setup(t)
	ctx := t.Context()

	if err := dir.Register(ctx, &model.Builder{DID: "did:nil:acme", Name: "acme"}); err != nil {
		t.Fatal(err)
	}
	c.Delete("did:nil:acme")
	store.reads.Store(0)

	const callers = 8
	var (
		wg    sync.WaitGroup
		found [callers]*model.Builder
		errs  [callers]error
	)
	for i := range callers {
		wg.Go(func() {
			found[i], errs[i] = dir.Find(ctx, "did:nil:acme")
		})
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if found[i] == nil || found[i].DID != "did:nil:acme" {
			t.Fatalf("caller %d: unexpected builder %+v", i, found[i])
		}
	}
	// Misses are not de-duplicated, so every caller may have read the store.
	if n := store.reads.Load(); n < 1 || n > callers {
		t.Fatalf("expected between 1 and %d store reads, got %d", callers, n)
	}

	store.reads.Store(0)
	if _, err := dir.Find(ctx, "did:nil:acme"); err != nil {
		t.Fatal(err)
	}
	if n := store.reads.Load(); n != 0 {
		t.Fatalf("expected a warm hit, got %d store read(s)", n)
	}
}

func TestRegister(t *testing.T) {
	dir, _, _ := setup(t)
	ctx := t.Context()

	if err := dir.Register(ctx, &model.Builder{DID: "did:nil:node", Name: "impostor"}); !errors.Is(err, builders.ErrDuplicate) {
		t.Fatalf("expected the node DID to be reserved, got %v", err)
	}
	if err := dir.Insert(ctx, &model.Builder{DID: "did:nil:node", Name: "node"}); err != nil {
		t.Fatalf("expected the node to insert itself, got %v", err)
	}

	if err := dir.Register(ctx, &model.Builder{DID: "did:nil:acme"}); err != nil {
		t.Fatal(err)
	}
	if err := dir.Register(ctx, &model.Builder{DID: "did:nil:acme"}); !errors.Is(err, builders.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestMutationsEvict(t *testing.T) {
	dir, store, c := setup(t)
	ctx := t.Context()
	did := "did:nil:acme"

	if err := dir.Register(ctx, &model.Builder{DID: did, Name: "acme"}); err != nil {
		t.Fatal(err)
	}

	schemaID, queryID := uuid.NewString(), uuid.NewString()
	name := "acme corp"

	for _, tc := range []struct {
		note   string
		mutate func() error
		check  func(*model.Builder) bool
	}{
		{
			note:   "add schema",
			mutate: func() error { return dir.AddSchema(ctx, did, schemaID) },
			check:  func(b *model.Builder) bool { return b.OwnsSchema(schemaID) },
		},
		{
			note:   "add query",
			mutate: func() error { return dir.AddQuery(ctx, did, queryID) },
			check:  func(b *model.Builder) bool { return b.OwnsQuery(queryID) },
		},
		{
			note:   "update name",
			mutate: func() error { return dir.Update(ctx, did, model.BuilderUpdate{Name: &name}) },
			check:  func(b *model.Builder) bool { return b.Name == name },
		},
		{
			note:   "remove schema",
			mutate: func() error { return dir.RemoveSchema(ctx, did, schemaID) },
			check:  func(b *model.Builder) bool { return !b.OwnsSchema(schemaID) },
		},
		{
			note:   "remove query",
			mutate: func() error { return dir.RemoveQuery(ctx, did, queryID) },
			check:  func(b *model.Builder) bool { return !b.OwnsQuery(queryID) },
		},
	} {
		t.Run(tc.note, func(t *testing.T) {
			if _, err := dir.Find(ctx, did); err != nil {
				t.Fatal(err)
			}
			if err := tc.mutate(); err != nil {
				t.Fatal(err)
			}
			if _, ok := c.Get(did); ok {
				t.Fatal("expected cache entry to be evicted")
			}

			before := store.reads.Load()
			b, err := dir.Find(ctx, did)
			if err != nil {
				t.Fatal(err)
			}
			if store.reads.Load() != before+1 {
				t.Fatal("expected a store read after eviction")
			}
			if !tc.check(b) {
				t.Fatalf("mutation not visible: %+v", b)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	dir, _, c := setup(t)
	ctx := t.Context()
	did := "did:nil:acme"

	if err := dir.Register(ctx, &model.Builder{DID: did, Schemas: []string{uuid.NewString()}}); err != nil {
		t.Fatal(err)
	}
	if _, err := dir.Find(ctx, did); err != nil {
		t.Fatal(err)
	}
	if err := dir.Delete(ctx, did); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(did); ok {
		t.Fatal("expected cache entry to be evicted")
	}
	if _, err := dir.Find(ctx, did); !errors.Is(err, builders.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := dir.AddSchema(ctx, did, uuid.NewString()); !errors.Is(err, builders.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
