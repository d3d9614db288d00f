package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/achille-roussel/sqlrange"
	"github.com/google/uuid"

	"github.com/nildb/nildb/internal/model"
)

// Each schema is backed by a table of its own. The node-stamped fields are
// columns; the validated user fields are kept as one JSON document.

const documentColumn = "document"

var collectionColumns = []string{"_id", "_owner", "_created", "_updated", documentColumn}

// CollectionName returns the table backing the collection of a schema.
func CollectionName(schemaID string) (string, error) {
	id, err := uuid.Parse(schemaID)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a schema id", ErrCollectionNotFound, schemaID)
	}
	return "collection_" + strings.ReplaceAll(id.String(), "-", ""), nil
}

func (d *Database) keyType(size int) string {
	if d.kind == sqliteKind {
		return "TEXT"
	}
	return "VARCHAR(" + strconv.Itoa(size) + ")"
}

func (d *Database) documentType() string {
	if d.kind == mysqlKind {
		return "LONGTEXT"
	}
	return "TEXT"
}

func (d *Database) collectionExists(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var query string
	switch d.kind {
	case sqliteKind:
		query = "SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = " + d.arg(0)
	case postgresKind:
		query = "SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = " + d.arg(0)
	case mysqlKind:
		query = "SELECT 1 FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = " + d.arg(0)
	}

	var x int
	err := tx.QueryRowContext(ctx, query, table).Scan(&x)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// collection resolves and checks the backing table of a schema.
func (d *Database) collection(ctx context.Context, tx *sql.Tx, schemaID string) (string, error) {
	table, err := CollectionName(schemaID)
	if err != nil {
		return "", err
	}
	ok, err := d.collectionExists(ctx, tx, table)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCollectionNotFound, schemaID)
	}
	return table, nil
}

func (d *Database) CreateCollection(ctx context.Context, schemaID string) error {
	table, err := CollectionName(schemaID)
	if err != nil {
		return err
	}

	return tx1(ctx, d, func(tx *sql.Tx) error {
		if ok, err := d.collectionExists(ctx, tx, table); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: collection %s", ErrDuplicate, schemaID)
		}

		stmts := []string{
			fmt.Sprintf(`CREATE TABLE %[1]s (_id %[2]s NOT NULL, _owner %[3]s NOT NULL, _created %[4]s NOT NULL, _updated %[4]s NOT NULL, document %[5]s NOT NULL, CONSTRAINT %[1]s_pkey PRIMARY KEY (_id))`,
				table, d.keyType(36), d.keyType(128), d.keyType(32), d.documentType()),
			fmt.Sprintf(`CREATE INDEX %[1]s_owner_idx ON %[1]s (_owner)`, table),
			fmt.Sprintf(`CREATE INDEX %[1]s_created_idx ON %[1]s (_created)`, table),
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) DropCollection(ctx context.Context, schemaID string) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		table, err := d.collection(ctx, tx, schemaID)
		if err != nil {
			return err
		}
		if _, err := d.delete(ctx, tx, "collection_indexes", "collection", table); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DROP TABLE "+table)
		return err
	})
}

type documentRow struct {
	ID      string `sql:"_id"`
	Owner   string `sql:"_owner"`
	Created string `sql:"_created"`
	Updated string `sql:"_updated"`
	Body    string `sql:"document"`
}

func (r documentRow) decode() (model.Document, error) {
	doc := model.Document{}
	if err := json.Unmarshal([]byte(r.Body), &doc); err != nil {
		return nil, fmt.Errorf("document %s: %w", r.ID, err)
	}
	created, err := parseTime(r.Created)
	if err != nil {
		return nil, err
	}
	updated, err := parseTime(r.Updated)
	if err != nil {
		return nil, err
	}
	doc[model.FieldID] = r.ID
	doc[model.FieldOwner] = r.Owner
	doc[model.FieldCreated] = created
	doc[model.FieldUpdated] = updated
	return doc, nil
}

func stampValue(v any) (string, error) {
	switch t := v.(type) {
	case time.Time:
		return FormatTime(t), nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return "", err
		}
		return FormatTime(ts), nil
	case nil:
		return FormatTime(time.Now()), nil
	}
	return "", fmt.Errorf("unexpected timestamp %T", v)
}

func encodeDocument(doc model.Document) (documentRow, error) {
	id := doc.ID()
	if id == "" {
		return documentRow{}, fmt.Errorf("document without %s", model.FieldID)
	}

	body := make(map[string]any, len(doc))
	for k, v := range doc {
		if _, ok := documentColumns[k]; !ok {
			body[k] = v
		}
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return documentRow{}, err
	}

	created, err := stampValue(doc[model.FieldCreated])
	if err != nil {
		return documentRow{}, err
	}
	updated, err := stampValue(doc[model.FieldUpdated])
	if err != nil {
		return documentRow{}, err
	}

	return documentRow{ID: id, Owner: doc.Owner(), Created: created, Updated: updated, Body: string(bs)}, nil
}

// InsertDocuments stores all documents or none of them. A document whose
// _id is already present fails the batch with ErrDuplicate.
func (d *Database) InsertDocuments(ctx context.Context, schemaID string, docs []model.Document) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		table, err := d.collection(ctx, tx, schemaID)
		if err != nil {
			return err
		}

		for _, doc := range docs {
			row, err := encodeDocument(doc)
			if err != nil {
				return err
			}
			if err := d.insert(ctx, tx, table, collectionColumns, row.ID, row.Owner, row.Created, row.Updated, row.Body); err != nil {
				if d.isUniqueViolation(err) {
					return fmt.Errorf("%w: document %s", ErrDuplicate, row.ID)
				}
				return err
			}
		}
		return nil
	})
}

type FindOptions struct {
	// Sort orders the result, by creation time when empty.
	Sort  []model.IndexKey
	Skip  int
	Limit int
}

func (d *Database) orderBy(keys []model.IndexKey) (string, error) {
	if len(keys) == 0 {
		return " ORDER BY _created, _id", nil
	}

	w := &whereBuilder{d: d, columns: documentColumns, document: documentColumn}
	parts := make([]string, len(keys))
	for i, k := range keys {
		expr, ok := documentColumns[k.Field]
		if !ok {
			if !fieldPath.MatchString(k.Field) {
				return "", fmt.Errorf("%w: invalid sort field %q", ErrInvalidFilter, k.Field)
			}
			expr = w.jsonExpr(strings.Split(k.Field, "."))
		}
		if k.Direction < 0 {
			parts[i] = expr + " DESC"
		} else {
			parts[i] = expr + " ASC"
		}
	}
	return " ORDER BY " + strings.Join(parts, ", ") + ", _id", nil
}

func (d *Database) limit(skip, limit int) string {
	var s string
	switch {
	case limit > 0:
		s = " LIMIT " + strconv.Itoa(limit)
	case skip > 0 && d.kind == sqliteKind:
		s = " LIMIT -1"
	case skip > 0 && d.kind == mysqlKind:
		s = " LIMIT 18446744073709551615"
	}
	if skip > 0 {
		s += " OFFSET " + strconv.Itoa(skip)
	}
	return s
}

func (d *Database) findDocuments(ctx context.Context, tx *sql.Tx, table string, filter Filter, opts FindOptions) ([]model.Document, error) {
	cond, args, err := d.where(filter, documentColumns, documentColumn, 0)
	if err != nil {
		return nil, err
	}
	order, err := d.orderBy(opts.Sort)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + strings.Join(collectionColumns, ", ") + " FROM " + table + " WHERE " + cond + order + d.limit(opts.Skip, opts.Limit)

	var docs []model.Document
	for row, err := range sqlrange.QueryContext[documentRow](ctx, tx, query, args...) {
		if err != nil {
			return nil, err
		}
		doc, err := row.decode()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// FindDocuments returns the documents matching the filter.
func (d *Database) FindDocuments(ctx context.Context, schemaID string, filter Filter, opts FindOptions) ([]model.Document, error) {
	return tx2(ctx, d, func(tx *sql.Tx) ([]model.Document, error) {
		table, err := d.collection(ctx, tx, schemaID)
		if err != nil {
			return nil, err
		}
		return d.findDocuments(ctx, tx, table, filter, opts)
	})
}

func (d *Database) CountDocuments(ctx context.Context, schemaID string, filter Filter) (int64, error) {
	return tx2(ctx, d, func(tx *sql.Tx) (int64, error) {
		table, err := d.collection(ctx, tx, schemaID)
		if err != nil {
			return 0, err
		}
		cond, args, err := d.where(filter, documentColumns, documentColumn, 0)
		if err != nil {
			return 0, err
		}
		var n int64
		err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+cond, args...).Scan(&n)
		return n, err
	})
}

// TailDocuments returns the most recently created documents, newest first.
func (d *Database) TailDocuments(ctx context.Context, schemaID string, limit int) ([]model.Document, error) {
	return d.FindDocuments(ctx, schemaID, nil, FindOptions{
		Sort:  []model.IndexKey{{Field: model.FieldCreated, Direction: -1}},
		Limit: limit,
	})
}

// UpdateFunc receives a matched document and returns its replacement. The
// stamped fields of the replacement other than _updated are ignored.
type UpdateFunc func(model.Document) (updated model.Document, changed bool, err error)

type UpdateResult struct {
	Matched  int64 `json:"matched"`
	Modified int64 `json:"modified"`
}

// UpdateDocuments rewrites every matching document within one transaction.
// An error returned by fn aborts the whole update.
func (d *Database) UpdateDocuments(ctx context.Context, schemaID string, filter Filter, fn UpdateFunc) (UpdateResult, error) {
	return tx2(ctx, d, func(tx *sql.Tx) (UpdateResult, error) {
		var result UpdateResult

		table, err := d.collection(ctx, tx, schemaID)
		if err != nil {
			return result, err
		}

		docs, err := d.findDocuments(ctx, tx, table, filter, FindOptions{})
		if err != nil {
			return result, err
		}

		query := fmt.Sprintf("UPDATE %s SET document = %s, _updated = %s WHERE _id = %s", table, d.arg(0), d.arg(1), d.arg(2))
		for _, doc := range docs {
			result.Matched++
			id := doc.ID()

			updated, changed, err := fn(doc)
			if err != nil {
				return result, err
			}
			if !changed {
				continue
			}

			updated[model.FieldID] = id
			row, err := encodeDocument(updated)
			if err != nil {
				return result, err
			}
			if _, err := tx.ExecContext(ctx, query, row.Body, row.Updated, id); err != nil {
				return result, err
			}
			result.Modified++
		}
		return result, nil
	})
}

// DeleteDocuments removes the matching documents and reports how many were removed.
func (d *Database) DeleteDocuments(ctx context.Context, schemaID string, filter Filter) (int64, error) {
	return tx2(ctx, d, func(tx *sql.Tx) (int64, error) {
		table, err := d.collection(ctx, tx, schemaID)
		if err != nil {
			return 0, err
		}
		cond, args, err := d.where(filter, documentColumns, documentColumn, 0)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+cond, args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

// DeleteDocumentsByID removes the documents with the given ids.
func (d *Database) DeleteDocumentsByID(ctx context.Context, schemaID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in := make([]any, len(ids))
	for i := range ids {
		in[i] = ids[i]
	}
	return d.DeleteDocuments(ctx, schemaID, Filter{model.FieldID: map[string]any{"$in": in}})
}

// CollectionStats aggregates the backing table of a schema. Timestamps are
// zero for an empty collection.
func (d *Database) CollectionStats(ctx context.Context, schemaID string) (model.CollectionStats, error) {
	return tx2(ctx, d, func(tx *sql.Tx) (model.CollectionStats, error) {
		var stats model.CollectionStats

		table, err := d.collection(ctx, tx, schemaID)
		if err != nil {
			return stats, err
		}

		var first, last string
		err = tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COUNT(*), COALESCE(MIN(_created), ''), COALESCE(MAX(_updated), ''), COALESCE(SUM(LENGTH(document)), 0) FROM %s`, table)).
			Scan(&stats.Count, &first, &last, &stats.Size)
		if err != nil {
			return stats, err
		}
		if stats.FirstWrite, err = parseTime(first); err != nil {
			return stats, err
		}
		if stats.LastWrite, err = parseTime(last); err != nil {
			return stats, err
		}

		stats.Indexes, err = d.listIndexes(ctx, tx, table)
		return stats, err
	})
}

// CollectionIDs lists the schema ids that have a backing table.
func (d *Database) CollectionIDs(ctx context.Context) ([]string, error) {
	var query string
	switch d.kind {
	case sqliteKind:
		query = "SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'collection\\_%' ESCAPE '\\'"
	case postgresKind:
		query = "SELECT table_name AS name FROM information_schema.tables WHERE table_schema = current_schema() AND table_name LIKE 'collection\\_%'"
	case mysqlKind:
		query = "SELECT table_name AS name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name LIKE 'collection\\_%'"
	}

	type tableRow struct {
		Name string `sql:"name"`
	}

	var ids []string
	for row, err := range sqlrange.QueryContext[tableRow](ctx, d.db, query) {
		if err != nil {
			return nil, err
		}
		raw := strings.TrimPrefix(row.Name, "collection_")
		if id, err := uuid.Parse(raw); err == nil {
			ids = append(ids, id.String())
		}
	}
	return ids, nil
}
