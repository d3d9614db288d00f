// Package builders is the directory of tenant identities. Lookups read
// through a process-wide cache that every mutation of a builder evicts.
package builders

import (
	"context"
	"fmt"

	"github.com/nildb/nildb/internal/cache"
	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/logging"
	"github.com/nildb/nildb/internal/metrics"
	"github.com/nildb/nildb/internal/model"
)

var (
	ErrNotFound  = database.ErrNotFound
	ErrDuplicate = database.ErrDuplicate
)

// Store is the persistence the directory needs, implemented by *database.Database.
type Store interface {
	GetBuilder(ctx context.Context, did string) (*model.Builder, error)
	InsertBuilder(ctx context.Context, b *model.Builder) error
	UpdateBuilder(ctx context.Context, did string, update model.BuilderUpdate) error
	DeleteBuilder(ctx context.Context, did string) error
	AddToBuilderSet(ctx context.Context, set database.BuilderSet, did, id string) error
	RemoveFromBuilderSet(ctx context.Context, set database.BuilderSet, did, id string) error
}

type Directory struct {
	store   Store
	cache   *cache.Cache[string, *model.Builder]
	nodeDID string
	log     *logging.Logger
}

func New(store Store) *Directory {
	return &Directory{store: store}
}

// WithCache shares a builder cache with other components of the process.
func (d *Directory) WithCache(c *cache.Cache[string, *model.Builder]) *Directory {
	d.cache = c
	return d
}

// WithNodeDID reserves the DID of the node itself: Register refuses it.
func (d *Directory) WithNodeDID(did string) *Directory {
	d.nodeDID = did
	return d
}

func (d *Directory) WithLogger(log *logging.Logger) *Directory {
	d.log = log
	return d
}

func (d *Directory) logger() *logging.Logger {
	if d.log == nil {
		return logging.Discard()
	}
	return d.log
}

func (d *Directory) builders() *cache.Cache[string, *model.Builder] {
	if d.cache == nil {
		d.cache = cache.New[string, *model.Builder]()
	}
	return d.cache
}

// Find returns the builder with the DID. A cached builder is returned
// without touching the store; on a miss the store is read once and the
// result cached. Concurrent misses may each read the store.
func (d *Directory) Find(ctx context.Context, did string) (*model.Builder, error) {
	if b, ok := d.builders().Get(did); ok {
		metrics.BuilderCacheLookups.WithLabelValues(metrics.CacheResult(true)).Inc()
		return b, nil
	}
	metrics.BuilderCacheLookups.WithLabelValues(metrics.CacheResult(false)).Inc()

	b, err := d.store.GetBuilder(ctx, did)
	if err != nil {
		return nil, err
	}
	d.builders().Set(did, b)
	return b, nil
}

// Insert stores a new builder, ErrDuplicate when the DID is already taken.
func (d *Directory) Insert(ctx context.Context, b *model.Builder) error {
	if err := d.store.InsertBuilder(ctx, b); err != nil {
		return err
	}
	d.logger().Debugf("builder %s inserted", b.DID)
	return nil
}

// Register is Insert for callers outside the node: the node DID cannot be
// registered by anyone.
func (d *Directory) Register(ctx context.Context, b *model.Builder) error {
	if d.nodeDID != "" && b.DID == d.nodeDID {
		return fmt.Errorf("builder %s is reserved: %w", b.DID, ErrDuplicate)
	}
	if b.Schemas == nil {
		b.Schemas = []string{}
	}
	if b.Queries == nil {
		b.Queries = []string{}
	}
	return d.Insert(ctx, b)
}

func (d *Directory) Update(ctx context.Context, did string, update model.BuilderUpdate) error {
	defer d.builders().Delete(did)
	return d.store.UpdateBuilder(ctx, did, update)
}

func (d *Directory) Delete(ctx context.Context, did string) error {
	defer d.builders().Delete(did)
	if err := d.store.DeleteBuilder(ctx, did); err != nil {
		return err
	}
	d.logger().Infof("builder %s deleted", did)
	return nil
}

func (d *Directory) AddSchema(ctx context.Context, did, schemaID string) error {
	return d.mutate(did, func() error {
		return d.store.AddToBuilderSet(ctx, database.BuilderSchemas, did, schemaID)
	})
}

func (d *Directory) RemoveSchema(ctx context.Context, did, schemaID string) error {
	return d.mutate(did, func() error {
		return d.store.RemoveFromBuilderSet(ctx, database.BuilderSchemas, did, schemaID)
	})
}

func (d *Directory) AddQuery(ctx context.Context, did, queryID string) error {
	return d.mutate(did, func() error {
		return d.store.AddToBuilderSet(ctx, database.BuilderQueries, did, queryID)
	})
}

func (d *Directory) RemoveQuery(ctx context.Context, did, queryID string) error {
	return d.mutate(did, func() error {
		return d.store.RemoveFromBuilderSet(ctx, database.BuilderQueries, did, queryID)
	})
}

// mutate evicts the cached builder whether or not the write succeeded.
func (d *Directory) mutate(did string, f func() error) error {
	defer d.builders().Delete(did)
	return f()
}
