// Package data stores and retrieves the records of registered schemas. For
// owned schemas every record is also referenced from its owner's user
// document; the two writes are not atomic and failures name the step that
// aborted.
package data

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/nildb/nildb/internal/config"
	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/filter"
	"github.com/nildb/nildb/internal/jsonpatch"
	"github.com/nildb/nildb/internal/logging"
	"github.com/nildb/nildb/internal/metrics"
	"github.com/nildb/nildb/internal/model"
	"github.com/nildb/nildb/internal/validation"
)

// Steps of the multi-write operations.
const (
	StepInsertDocuments         = "insert-documents"
	StepRegisterOwnerReferences = "register-owner-references"
	StepRemoveOwnerReferences   = "remove-owner-references"
	StepDeleteDocuments         = "delete-documents"
)

// StepError wraps the failure of one step of a multi-write operation. The
// steps before it have been applied.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type Store interface {
	InsertDocuments(ctx context.Context, schemaID string, docs []model.Document) error
	FindDocuments(ctx context.Context, schemaID string, f database.Filter, opts database.FindOptions) ([]model.Document, error)
	UpdateDocuments(ctx context.Context, schemaID string, f database.Filter, fn database.UpdateFunc) (database.UpdateResult, error)
	DeleteDocumentsByID(ctx context.Context, schemaID string, ids []string) (int64, error)
	TailDocuments(ctx context.Context, schemaID string, limit int) ([]model.Document, error)
}

// Schemas resolves schemas and their validators, implemented by
// *schemas.Registry.
type Schemas interface {
	Get(ctx context.Context, id string) (*model.Schema, error)
	Validator(ctx context.Context, s *model.Schema) (*validation.Validator, error)
}

// References maintains user documents, implemented by *users.Service.
type References interface {
	AddReferences(ctx context.Context, did string, refs []model.DataRef, perms []model.Permission) error
	RemoveReferences(ctx context.Context, did string, refs []model.DataRef) error
}

type Engine struct {
	store     Store
	schemas   Schemas
	refs      References
	tailLimit int
	log       *logging.Logger
}

func New(store Store, schemas Schemas, refs References) *Engine {
	return &Engine{store: store, schemas: schemas, refs: refs, tailLimit: config.DefaultTailLimit}
}

func (e *Engine) WithTailLimit(n int) *Engine {
	if n > 0 {
		e.tailLimit = n
	}
	return e
}

func (e *Engine) WithLogger(log *logging.Logger) *Engine {
	e.log = log
	return e
}

func (e *Engine) logger() *logging.Logger {
	if e.log == nil {
		return logging.Discard()
	}
	return e.log
}

// CreateRequest carries a batch of records. Owner is required for owned
// schemas and ignored for shared ones. Permissions are the initial grants
// of every created record; their Schema and ID are filled in.
type CreateRequest struct {
	Schema      string
	Records     []map[string]any
	Owner       string
	Permissions []model.Permission
}

type CreateResult struct {
	Created []string `json:"created"`
}

type DeleteResult struct {
	DeletedCount int64 `json:"deletedCount"`
}

type UpdateResult = database.UpdateResult

// CreateRecords validates and stores a batch. Either all records are
// stored or, on a validation failure, none.
func (e *Engine) CreateRecords(ctx context.Context, req CreateRequest) (CreateResult, error) {
	var result CreateResult

	s, err := e.schemas.Get(ctx, req.Schema)
	if err != nil {
		return result, err
	}
	owned := s.DocumentType == model.DocumentTypeOwned
	if owned && req.Owner == "" {
		return result, fmt.Errorf("schema %s holds owned records: owner required", s.ID)
	}

	v, err := e.schemas.Validator(ctx, s)
	if err != nil {
		return result, err
	}
	records, err := v.Validate(req.Records)
	if err != nil {
		metrics.RecordsRejected.Add(float64(len(req.Records)))
		return result, err
	}

	now := time.Now().UTC()
	docs := make([]model.Document, len(records))
	for i, r := range records {
		doc := model.Document(maps.Clone(r))
		id, ok := doc[model.FieldID].(string)
		if !ok || id == "" {
			id = uuid.NewString()
		}
		doc[model.FieldID] = id
		doc[model.FieldCreated] = now
		doc[model.FieldUpdated] = now
		if owned {
			doc[model.FieldOwner] = req.Owner
		} else {
			doc[model.FieldOwner] = ""
		}
		docs[i] = doc
		result.Created = append(result.Created, id)
	}

	if err := e.store.InsertDocuments(ctx, s.ID, docs); err != nil {
		return CreateResult{}, err
	}
	metrics.RecordsWritten.WithLabelValues("create").Add(float64(len(docs)))

	if owned {
		refs := make([]model.DataRef, len(docs))
		var perms []model.Permission
		for i, id := range result.Created {
			refs[i] = model.DataRef{Schema: s.ID, ID: id}
			for _, p := range req.Permissions {
				p.Schema, p.ID = s.ID, id
				perms = append(perms, p)
			}
		}
		if err := e.refs.AddReferences(ctx, req.Owner, refs, perms); err != nil {
			e.logger().Errorf("records %v of schema %s stored without owner references: %v", result.Created, s.ID, err)
			return result, &StepError{Step: StepRegisterOwnerReferences, Err: err}
		}
	}

	e.logger().Debugf("%d record(s) created in schema %s", len(docs), s.ID)
	return result, nil
}

func (e *Engine) ReadRecords(ctx context.Context, schemaID string, f map[string]any) ([]model.Document, error) {
	f, err := filter.Coerce(f)
	if err != nil {
		return nil, err
	}
	docs, err := e.store.FindDocuments(ctx, schemaID, f, database.FindOptions{})
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []model.Document{}
	}
	return docs, nil
}

// UpdateRecords applies an update document ($set/$unset or a JSON patch) to
// every matching record. The stamped fields other than _updated never
// change, and every updated record must still satisfy its schema.
func (e *Engine) UpdateRecords(ctx context.Context, schemaID string, f map[string]any, update any) (UpdateResult, error) {
	p, err := jsonpatch.Compile(update)
	if err != nil {
		return UpdateResult{}, err
	}
	f, err = filter.Coerce(f)
	if err != nil {
		return UpdateResult{}, err
	}
	s, err := e.schemas.Get(ctx, schemaID)
	if err != nil {
		return UpdateResult{}, err
	}
	v, err := e.schemas.Validator(ctx, s)
	if err != nil {
		return UpdateResult{}, err
	}

	now := time.Now().UTC()
	result, err := e.store.UpdateDocuments(ctx, s.ID, f, func(doc model.Document) (model.Document, bool, error) {
		updated, changed, err := jsonpatch.ApplyDocument(p, doc)
		if err != nil || !changed {
			return nil, false, err
		}
		if _, err := v.Validate([]map[string]any{validationView(s, updated)}); err != nil {
			return nil, false, err
		}
		updated[model.FieldUpdated] = now
		return updated, true, nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	metrics.RecordsWritten.WithLabelValues("update").Add(float64(result.Modified))
	return result, nil
}

// validationView is what an updated record is validated as: its user fields
// plus those stamped fields the schema declares.
func validationView(s *model.Schema, doc model.Document) map[string]any {
	declared, _ := s.Definition["properties"].(map[string]any)
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		switch k {
		case model.FieldID, model.FieldOwner, model.FieldCreated, model.FieldUpdated:
			if _, ok := declared[k]; !ok {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// DeleteRecords removes the matching records. For owned records, the owner
// references are removed first, then the records.
func (e *Engine) DeleteRecords(ctx context.Context, schemaID string, f map[string]any) (DeleteResult, error) {
	f, err := filter.Coerce(f)
	if err != nil {
		return DeleteResult{}, err
	}
	s, err := e.schemas.Get(ctx, schemaID)
	if err != nil {
		return DeleteResult{}, err
	}

	docs, err := e.store.FindDocuments(ctx, s.ID, f, database.FindOptions{})
	if err != nil {
		return DeleteResult{}, err
	}
	if len(docs) == 0 {
		return DeleteResult{}, nil
	}

	ids := make([]string, len(docs))
	byOwner := map[string][]model.DataRef{}
	for i, doc := range docs {
		ids[i] = doc.ID()
		if owner := doc.Owner(); owner != "" {
			byOwner[owner] = append(byOwner[owner], model.DataRef{Schema: s.ID, ID: doc.ID()})
		}
	}

	for owner, refs := range byOwner {
		if err := e.refs.RemoveReferences(ctx, owner, refs); err != nil && !errors.Is(err, database.ErrNotFound) {
			return DeleteResult{}, &StepError{Step: StepRemoveOwnerReferences, Err: fmt.Errorf("owner %s: %w", owner, err)}
		}
	}

	n, err := e.store.DeleteDocumentsByID(ctx, s.ID, ids)
	if err != nil {
		e.logger().Errorf("owner references of %d record(s) of schema %s removed, records kept: %v", len(ids), s.ID, err)
		return DeleteResult{}, &StepError{Step: StepDeleteDocuments, Err: err}
	}
	metrics.RecordsWritten.WithLabelValues("delete").Add(float64(n))
	return DeleteResult{DeletedCount: n}, nil
}

// FlushCollection deletes every record of a schema.
func (e *Engine) FlushCollection(ctx context.Context, schemaID string) (int64, error) {
	res, err := e.DeleteRecords(ctx, schemaID, nil)
	if err != nil {
		return 0, err
	}
	e.logger().Infof("schema %s flushed, %d record(s) deleted", schemaID, res.DeletedCount)
	return res.DeletedCount, nil
}

// TailCollection returns the most recently created records, newest first.
// A non-positive limit uses the configured default.
func (e *Engine) TailCollection(ctx context.Context, schemaID string, limit int) ([]model.Document, error) {
	if limit <= 0 {
		limit = e.tailLimit
	}
	docs, err := e.store.TailDocuments(ctx, schemaID, limit)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []model.Document{}
	}
	return docs, nil
}
