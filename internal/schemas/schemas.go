// Package schemas is the registry of record collections: schema metadata,
// the backing collection of each schema, its indexes and statistics.
package schemas

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/nildb/nildb/internal/config"
	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/filter"
	"github.com/nildb/nildb/internal/logging"
	"github.com/nildb/nildb/internal/metrics"
	"github.com/nildb/nildb/internal/model"
	"github.com/nildb/nildb/internal/validation"
)

var (
	ErrNotFound            = database.ErrNotFound
	ErrDuplicate           = database.ErrDuplicate
	ErrCollectionNotFound  = database.ErrCollectionNotFound
	ErrIndexNotFound       = database.ErrIndexNotFound
	ErrInvalidIndexOptions = database.ErrInvalidIndexOptions
)

type Store interface {
	InsertSchema(ctx context.Context, s model.Schema) error
	FindSchemas(ctx context.Context, f database.Filter) ([]model.Schema, error)
	DeleteSchema(ctx context.Context, id string) error
	CreateCollection(ctx context.Context, schemaID string) error
	DropCollection(ctx context.Context, schemaID string) error
	CreateIndex(ctx context.Context, schemaID string, idx model.Index) error
	DropIndex(ctx context.Context, schemaID, name string) error
	ListIndexes(ctx context.Context, schemaID string) ([]model.Index, error)
	CollectionStats(ctx context.Context, schemaID string) (model.CollectionStats, error)
}

// Owners maintains the schema sets of builders, implemented by
// *builders.Directory.
type Owners interface {
	AddSchema(ctx context.Context, did, schemaID string) error
	RemoveSchema(ctx context.Context, did, schemaID string) error
}

type Registry struct {
	store      Store
	owners     Owners
	validators *lru.Cache
	log        *logging.Logger
}

func New(store Store, owners Owners) *Registry {
	return (&Registry{store: store, owners: owners}).WithCacheSize(config.DefaultValidatorCacheSize)
}

// WithCacheSize bounds the number of compiled validators kept in memory.
func (r *Registry) WithCacheSize(n int) *Registry {
	if n <= 0 {
		n = config.DefaultValidatorCacheSize
	}
	c, err := lru.New(n)
	if err != nil {
		panic(err)
	}
	r.validators = c
	return r
}

func (r *Registry) WithLogger(log *logging.Logger) *Registry {
	r.log = log
	return r
}

func (r *Registry) logger() *logging.Logger {
	if r.log == nil {
		return logging.Discard()
	}
	return r.log
}

func (r *Registry) cache() *lru.Cache {
	return r.validators
}

// Add registers a schema: its document must compile, then the metadata,
// the backing collection and the owner's schema set are written in that
// order. A missing id is generated.
func (r *Registry) Add(ctx context.Context, s *model.Schema) error {
	return r.add(ctx, s, false)
}

// Ensure is Add for a schema with a fixed id. Steps an earlier interrupted
// Add of the same schema already completed are skipped, so it succeeds once
// every step is done. A schema of another owner under the id is ErrDuplicate.
func (r *Registry) Ensure(ctx context.Context, s *model.Schema) error {
	if s.ID == "" {
		return fmt.Errorf("%w: ensure needs a schema id", validation.ErrInvalidSchema)
	}
	return r.add(ctx, s, true)
}

func (r *Registry) add(ctx context.Context, s *model.Schema, resume bool) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if !s.DocumentType.Valid() {
		return fmt.Errorf("%w: unknown document type %q", validation.ErrInvalidSchema, s.DocumentType)
	}
	v, err := validation.Compile(s.ID, s.Definition)
	if err != nil {
		return err
	}

	if err := r.store.InsertSchema(ctx, *s); err != nil {
		if !resume || !errors.Is(err, ErrDuplicate) {
			return err
		}
		existing, err := r.Get(ctx, s.ID)
		if err != nil {
			return err
		}
		if existing.Owner != s.Owner {
			return fmt.Errorf("schema %s belongs to %s: %w", s.ID, existing.Owner, ErrDuplicate)
		}
	}
	if err := r.store.CreateCollection(ctx, s.ID); err != nil && (!resume || !errors.Is(err, ErrDuplicate)) {
		return fmt.Errorf("create collection of schema %s: %w", s.ID, err)
	}
	if err := r.owners.AddSchema(ctx, s.Owner, s.ID); err != nil {
		return fmt.Errorf("add schema %s to builder %s: %w", s.ID, s.Owner, err)
	}

	r.cache().Add(s.ID, v)
	r.logger().Infof("schema %s (%s) registered by %s", s.ID, s.Name, s.Owner)
	return nil
}

func (r *Registry) FindMany(ctx context.Context, f map[string]any) ([]model.Schema, error) {
	f, err := filter.Coerce(f)
	if err != nil {
		return nil, err
	}
	return r.store.FindSchemas(ctx, f)
}

// FindOne returns the first schema matching the filter, ErrNotFound if none does.
func (r *Registry) FindOne(ctx context.Context, f map[string]any) (*model.Schema, error) {
	found, err := r.FindMany(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("schema matching %v: %w", f, ErrNotFound)
	}
	return &found[0], nil
}

// Get is FindOne by id.
func (r *Registry) Get(ctx context.Context, id string) (*model.Schema, error) {
	return r.FindOne(ctx, map[string]any{model.FieldID: id})
}

// DeleteOne removes the first schema matching the filter together with its
// backing collection, and drops it from its owner's schema set.
func (r *Registry) DeleteOne(ctx context.Context, f map[string]any) (*model.Schema, error) {
	s, err := r.FindOne(ctx, f)
	if err != nil {
		return nil, err
	}

	r.cache().Remove(s.ID)
	if err := r.store.DeleteSchema(ctx, s.ID); err != nil {
		return nil, err
	}
	if err := r.store.DropCollection(ctx, s.ID); err != nil && !database.IsNotFound(err) {
		return nil, fmt.Errorf("drop collection of schema %s: %w", s.ID, err)
	}
	if err := r.owners.RemoveSchema(ctx, s.Owner, s.ID); err != nil && !database.IsNotFound(err) {
		return nil, fmt.Errorf("remove schema %s from builder %s: %w", s.ID, s.Owner, err)
	}

	r.logger().Infof("schema %s deleted", s.ID)
	return s, nil
}

// Validator returns the compiled validator of a schema, compiling and
// caching it on first use.
func (r *Registry) Validator(ctx context.Context, s *model.Schema) (*validation.Validator, error) {
	if v, ok := r.cache().Get(s.ID); ok {
		metrics.ValidatorCacheLookups.WithLabelValues(metrics.CacheResult(true)).Inc()
		return v.(*validation.Validator), nil
	}
	metrics.ValidatorCacheLookups.WithLabelValues(metrics.CacheResult(false)).Inc()

	v, err := validation.Compile(s.ID, s.Definition)
	if err != nil {
		return nil, err
	}
	r.cache().Add(s.ID, v)
	return v, nil
}

// IndexSpec lists the indexed fields in order.
type IndexSpec []model.IndexKey

// IndexOptions configures an index. An empty Name derives one from the keys.
type IndexOptions struct {
	Name   string `json:"name,omitempty"`
	Unique bool   `json:"unique,omitempty"`
}

// IndexName derives the conventional name of an index, e.g. "age_1_name_-1".
func IndexName(spec IndexSpec) string {
	parts := make([]string, 0, 2*len(spec))
	for _, k := range spec {
		parts = append(parts, k.Field, strconv.Itoa(k.Direction))
	}
	return strings.Join(parts, "_")
}

func (r *Registry) CreateIndex(ctx context.Context, schemaID string, spec IndexSpec, opts IndexOptions) (string, error) {
	name := opts.Name
	if name == "" {
		name = IndexName(spec)
	}
	if err := r.store.CreateIndex(ctx, schemaID, model.Index{Name: name, Keys: spec, Unique: opts.Unique}); err != nil {
		return "", err
	}
	r.logger().Debugf("index %s created on schema %s", name, schemaID)
	return name, nil
}

func (r *Registry) DropIndex(ctx context.Context, schemaID, name string) error {
	return r.store.DropIndex(ctx, schemaID, name)
}

func (r *Registry) ListIndexes(ctx context.Context, schemaID string) ([]model.Index, error) {
	return r.store.ListIndexes(ctx, schemaID)
}

// GetCollectionStats aggregates the backing collection of a schema. The
// write timestamps are zero for an empty collection.
func (r *Registry) GetCollectionStats(ctx context.Context, schemaID string) (model.CollectionStats, error) {
	return r.store.CollectionStats(ctx, schemaID)
}
