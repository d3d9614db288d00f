package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/achille-roussel/sqlrange"

	"github.com/nildb/nildb/internal/model"
)

// schemaColumns maps the filterable fields of schema metadata onto columns.
var schemaColumns = map[string]string{
	model.FieldID:      "id",
	"owner":            "owner",
	"name":             "name",
	"documentType":     "document_type",
	model.FieldCreated: "created_at",
}

var queryColumns = map[string]string{
	model.FieldID:      "id",
	"owner":            "owner",
	"name":             "name",
	"schema":           "schema_id",
	model.FieldCreated: "created_at",
}

type schemaRow struct {
	ID           string `sql:"id"`
	Owner        string `sql:"owner"`
	Name         string `sql:"name"`
	DocumentType string `sql:"document_type"`
	Definition   string `sql:"definition"`
	Created      string `sql:"created_at"`
}

func (r schemaRow) decode() (model.Schema, error) {
	s := model.Schema{
		ID:           r.ID,
		Owner:        r.Owner,
		Name:         r.Name,
		DocumentType: model.DocumentType(r.DocumentType),
	}
	if err := json.Unmarshal([]byte(r.Definition), &s.Definition); err != nil {
		return s, fmt.Errorf("schema %s: %w", r.ID, err)
	}
	var err error
	s.Created, err = parseTime(r.Created)
	return s, err
}

func (d *Database) InsertSchema(ctx context.Context, s model.Schema) error {
	definition, err := json.Marshal(s.Definition)
	if err != nil {
		return err
	}
	created := s.Created
	if created.IsZero() {
		created = now()
	}

	return tx1(ctx, d, func(tx *sql.Tx) error {
		err := d.insert(ctx, tx, "schemas", []string{"id", "owner", "name", "document_type", "definition", "created_at"},
			s.ID, s.Owner, s.Name, string(s.DocumentType), string(definition), FormatTime(created))
		if d.isUniqueViolation(err) {
			return fmt.Errorf("schema %s: %w", s.ID, ErrDuplicate)
		}
		return err
	})
}

// FindSchemas returns the schema metadata matching the filter. The
// filterable fields are _id, owner, name, documentType and _created.
func (d *Database) FindSchemas(ctx context.Context, filter Filter) ([]model.Schema, error) {
	return tx2(ctx, d, func(tx *sql.Tx) ([]model.Schema, error) {
		cond, args, err := d.where(filter, schemaColumns, "", 0)
		if err != nil {
			return nil, err
		}

		schemas := []model.Schema{}
		query := "SELECT id, owner, name, document_type, definition, created_at FROM schemas WHERE " + cond + " ORDER BY created_at, id"
		for row, err := range sqlrange.QueryContext[schemaRow](ctx, tx, query, args...) {
			if err != nil {
				return nil, err
			}
			s, err := row.decode()
			if err != nil {
				return nil, err
			}
			schemas = append(schemas, s)
		}
		return schemas, nil
	})
}

func (d *Database) DeleteSchema(ctx context.Context, id string) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		n, err := d.delete(ctx, tx, "schemas", "id", id)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("schema %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

type queryRow struct {
	ID        string `sql:"id"`
	Owner     string `sql:"owner"`
	Name      string `sql:"name"`
	Schema    string `sql:"schema_id"`
	Variables string `sql:"variables"`
	Pipeline  string `sql:"pipeline"`
	Created   string `sql:"created_at"`
}

func (r queryRow) decode() (model.Query, error) {
	q := model.Query{ID: r.ID, Owner: r.Owner, Name: r.Name, Schema: r.Schema}
	if err := json.Unmarshal([]byte(r.Variables), &q.Variables); err != nil {
		return q, fmt.Errorf("query %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Pipeline), &q.Pipeline); err != nil {
		return q, fmt.Errorf("query %s: %w", r.ID, err)
	}
	var err error
	q.Created, err = parseTime(r.Created)
	return q, err
}

func (d *Database) InsertQuery(ctx context.Context, q model.Query) error {
	variables, err := json.Marshal(q.Variables)
	if err != nil {
		return err
	}
	pipeline, err := json.Marshal(q.Pipeline)
	if err != nil {
		return err
	}
	created := q.Created
	if created.IsZero() {
		created = now()
	}

	return tx1(ctx, d, func(tx *sql.Tx) error {
		err := d.insert(ctx, tx, "queries", []string{"id", "owner", "name", "schema_id", "variables", "pipeline", "created_at"},
			q.ID, q.Owner, q.Name, q.Schema, string(variables), string(pipeline), FormatTime(created))
		if d.isUniqueViolation(err) {
			return fmt.Errorf("query %s: %w", q.ID, ErrDuplicate)
		}
		return err
	})
}

// FindQueries returns the queries matching the filter. The filterable fields
// are _id, owner, name, schema and _created.
func (d *Database) FindQueries(ctx context.Context, filter Filter) ([]model.Query, error) {
	return tx2(ctx, d, func(tx *sql.Tx) ([]model.Query, error) {
		cond, args, err := d.where(filter, queryColumns, "", 0)
		if err != nil {
			return nil, err
		}

		queries := []model.Query{}
		query := "SELECT id, owner, name, schema_id, variables, pipeline, created_at FROM queries WHERE " + cond + " ORDER BY created_at, id"
		for row, err := range sqlrange.QueryContext[queryRow](ctx, tx, query, args...) {
			if err != nil {
				return nil, err
			}
			q, err := row.decode()
			if err != nil {
				return nil, err
			}
			queries = append(queries, q)
		}
		return queries, nil
	})
}

func (d *Database) DeleteQuery(ctx context.Context, id string) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		n, err := d.delete(ctx, tx, "queries", "id", id)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("query %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
