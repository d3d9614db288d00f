// Package queries stores aggregation pipeline templates and runs them with
// caller supplied variables.
package queries

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/filter"
	"github.com/nildb/nildb/internal/logging"
	"github.com/nildb/nildb/internal/model"
	"github.com/nildb/nildb/internal/pipeline"
)

var (
	ErrNotFound         = database.ErrNotFound
	ErrDuplicate        = database.ErrDuplicate
	ErrInvalidQuery     = errors.New("invalid query")
	ErrInvalidVariables = errors.New("invalid query variables")
)

const placeholderPrefix = "##"

// VariableTypes lists the types a query variable may declare.
var VariableTypes = []string{"string", "number", "boolean", "date", "uuid", "array"}

type Store interface {
	InsertQuery(ctx context.Context, q model.Query) error
	FindQueries(ctx context.Context, f database.Filter) ([]model.Query, error)
	DeleteQuery(ctx context.Context, id string) error
	FindDocuments(ctx context.Context, schemaID string, f database.Filter, opts database.FindOptions) ([]model.Document, error)
}

// Owners maintains the query sets of builders, implemented by
// *builders.Directory.
type Owners interface {
	AddQuery(ctx context.Context, did, queryID string) error
	RemoveQuery(ctx context.Context, did, queryID string) error
}

type Registry struct {
	store  Store
	owners Owners
	log    *logging.Logger
}

func New(store Store, owners Owners) *Registry {
	return &Registry{store: store, owners: owners}
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

// Add checks and stores a query and adds it to its owner's query set. A
// missing id is generated.
func (r *Registry) Add(ctx context.Context, q *model.Query) error {
	return r.add(ctx, q, false)
}

// Ensure is Add for a query with a fixed id, resuming an earlier
// interrupted Add of the same query.
func (r *Registry) Ensure(ctx context.Context, q *model.Query) error {
	if q.ID == "" {
		return fmt.Errorf("%w: ensure needs a query id", ErrInvalidQuery)
	}
	return r.add(ctx, q, true)
}

func (r *Registry) add(ctx context.Context, q *model.Query, resume bool) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if err := check(q); err != nil {
		return err
	}
	if err := r.store.InsertQuery(ctx, *q); err != nil {
		if !resume || !errors.Is(err, ErrDuplicate) {
			return err
		}
		existing, err := r.Find(ctx, q.ID)
		if err != nil {
			return err
		}
		if existing.Owner != q.Owner {
			return fmt.Errorf("query %s belongs to %s: %w", q.ID, existing.Owner, ErrDuplicate)
		}
	}
	if err := r.owners.AddQuery(ctx, q.Owner, q.ID); err != nil {
		return fmt.Errorf("add query %s to builder %s: %w", q.ID, q.Owner, err)
	}
	r.logger().Infof("query %s (%s) registered by %s", q.ID, q.Name, q.Owner)
	return nil
}

func check(q *model.Query) error {
	if _, err := uuid.Parse(q.Schema); err != nil {
		return fmt.Errorf("%w: schema %q is not a schema id", ErrInvalidQuery, q.Schema)
	}
	for name, v := range q.Variables {
		if name == "" || strings.ContainsAny(name, " .$#") {
			return fmt.Errorf("%w: invalid variable name %q", ErrInvalidQuery, name)
		}
		if !slices.Contains(VariableTypes, v.Type) {
			return fmt.Errorf("%w: variable %s has unknown type %q", ErrInvalidQuery, name, v.Type)
		}
	}
	for i, stage := range q.Pipeline {
		if _, err := pipeline.Stage(stage); err != nil {
			return fmt.Errorf("%w: stage %d: %v", ErrInvalidQuery, i, err)
		}
	}
	var undeclared []string
	walk(q.Pipeline, func(name string) {
		if _, ok := q.Variables[name]; !ok {
			undeclared = append(undeclared, name)
		}
	})
	if len(undeclared) > 0 {
		return fmt.Errorf("%w: undeclared variables %v", ErrInvalidQuery, undeclared)
	}
	return nil
}

// Find returns the query with the id, ErrNotFound if there is none.
func (r *Registry) Find(ctx context.Context, id string) (*model.Query, error) {
	found, err := r.store.FindQueries(ctx, database.Filter{model.FieldID: id})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("query %s: %w", id, ErrNotFound)
	}
	return &found[0], nil
}

func (r *Registry) FindByOwner(ctx context.Context, did string) ([]model.Query, error) {
	return r.store.FindQueries(ctx, database.Filter{"owner": did})
}

// Delete removes a query and drops it from its owner's query set.
func (r *Registry) Delete(ctx context.Context, id string) error {
	q, err := r.Find(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.DeleteQuery(ctx, id); err != nil {
		return err
	}
	if err := r.owners.RemoveQuery(ctx, q.Owner, id); err != nil && !database.IsNotFound(err) {
		return fmt.Errorf("remove query %s from builder %s: %w", id, q.Owner, err)
	}
	r.logger().Infof("query %s deleted", id)
	return nil
}

// Execute runs the query over the records of its schema. Variables are
// checked against the declarations and coerced to their declared types
// before they replace the "##name" placeholders of the pipeline.
func (r *Registry) Execute(ctx context.Context, queryID string, variables map[string]any) ([]map[string]any, error) {
	q, err := r.Find(ctx, queryID)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, q, variables)
}

// Run is Execute for a resolved query.
func (r *Registry) Run(ctx context.Context, q *model.Query, variables map[string]any) ([]map[string]any, error) {
	values, err := Bind(q.Variables, variables)
	if err != nil {
		return nil, err
	}
	stages, err := Substitute(q.Pipeline, q.Variables, values)
	if err != nil {
		return nil, err
	}

	docs, err := r.store.FindDocuments(ctx, q.Schema, pushdown(stages), database.FindOptions{})
	if errors.Is(err, database.ErrInvalidFilter) {
		docs, err = r.store.FindDocuments(ctx, q.Schema, nil, database.FindOptions{})
	}
	if err != nil {
		return nil, err
	}

	result, err := pipeline.Run(ctx, records(docs), stages, r.source)
	if err != nil {
		return nil, err
	}
	r.logger().Debugf("query %s returned %d record(s)", q.ID, len(result))
	return result, nil
}

// pushdown selects the conditions of a leading $match that sit on the
// stamped scalar fields, where the store and the in-memory matcher agree.
// The stage itself still runs in memory, the store only pre-filters.
func pushdown(stages []map[string]any) database.Filter {
	if len(stages) == 0 || len(stages[0]) != 1 {
		return nil
	}
	f, ok := stages[0]["$match"].(map[string]any)
	if !ok {
		return nil
	}
	coerced, err := filter.Coerce(f)
	if err != nil {
		return nil
	}
	var out database.Filter
	for _, k := range []string{model.FieldID, model.FieldOwner} {
		if v, ok := coerced[k]; ok {
			if out == nil {
				out = database.Filter{}
			}
			out[k] = v
		}
	}
	return out
}

func (r *Registry) source(ctx context.Context, schemaID string) ([]map[string]any, error) {
	docs, err := r.store.FindDocuments(ctx, schemaID, nil, database.FindOptions{})
	if err != nil {
		return nil, err
	}
	return records(docs), nil
}

func records(docs []model.Document) []map[string]any {
	out := make([]map[string]any, len(docs))
	for i := range docs {
		out[i] = docs[i]
	}
	return out
}
