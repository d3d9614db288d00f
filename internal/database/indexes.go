package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/achille-roussel/sqlrange"

	"github.com/nildb/nildb/internal/model"
)

// DefaultIndexName names the implicit unique index on _id that every collection has.
const DefaultIndexName = "_id_"

var defaultIndex = model.Index{
	Name:   DefaultIndexName,
	Keys:   []model.IndexKey{{Field: model.FieldID, Direction: 1}},
	Unique: true,
}

// physicalIndexName derives a name that is valid and short enough on every dialect.
func physicalIndexName(table, name string) string {
	h := sha256.Sum256([]byte(table + "/" + name))
	return "ix_" + hex.EncodeToString(h[:8])
}

type indexRow struct {
	Name   string `sql:"name"`
	Spec   string `sql:"spec"`
	Unique int    `sql:"uniq"`
}

func (d *Database) listIndexes(ctx context.Context, tx *sql.Tx, table string) ([]model.Index, error) {
	indexes := []model.Index{defaultIndex}

	query := "SELECT name, spec, uniq FROM collection_indexes WHERE collection = " + d.arg(0) + " ORDER BY name"
	for row, err := range sqlrange.QueryContext[indexRow](ctx, tx, query, table) {
		if err != nil {
			return nil, err
		}
		idx := model.Index{Name: row.Name, Unique: row.Unique != 0}
		if err := json.Unmarshal([]byte(row.Spec), &idx.Keys); err != nil {
			return nil, fmt.Errorf("index %s: %w", row.Name, err)
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}

func (d *Database) ListIndexes(ctx context.Context, schemaID string) ([]model.Index, error) {
	return tx2(ctx, d, func(tx *sql.Tx) ([]model.Index, error) {
		table, err := d.collection(ctx, tx, schemaID)
		if err != nil {
			return nil, err
		}
		return d.listIndexes(ctx, tx, table)
	})
}

func validateIndex(idx model.Index) error {
	if idx.Name == "" {
		return fmt.Errorf("%w: index name is required", ErrInvalidIndexOptions)
	}
	if len(idx.Keys) == 0 {
		return fmt.Errorf("%w: index %s has no keys", ErrInvalidIndexOptions, idx.Name)
	}
	seen := make(map[string]bool, len(idx.Keys))
	for _, k := range idx.Keys {
		if _, ok := documentColumns[k.Field]; !ok && !fieldPath.MatchString(k.Field) {
			return fmt.Errorf("%w: invalid key %q", ErrInvalidIndexOptions, k.Field)
		}
		if k.Direction != 1 && k.Direction != -1 {
			return fmt.Errorf("%w: direction of %s must be 1 or -1", ErrInvalidIndexOptions, k.Field)
		}
		if seen[k.Field] {
			return fmt.Errorf("%w: key %s repeated", ErrInvalidIndexOptions, k.Field)
		}
		seen[k.Field] = true
	}
	return nil
}

func (d *Database) indexExpr(field string) string {
	if col, ok := documentColumns[field]; ok {
		return col
	}
	path := strings.Split(field, ".")
	switch d.kind {
	case postgresKind:
		return fmt.Sprintf("(CAST(%s AS jsonb) #> '{%s}')", documentColumn, strings.Join(path, ","))
	case mysqlKind:
		// MySQL cannot index JSON values directly.
		return fmt.Sprintf("(CAST(JSON_UNQUOTE(JSON_EXTRACT(%s, '%s')) AS CHAR(255)))", documentColumn, mysqlPath(path))
	default:
		return fmt.Sprintf("json_extract(%s, '%s')", documentColumn, sqlitePath(path))
	}
}

// CreateIndex creates a secondary index on a collection. Creating an index
// that already exists with the same keys and options is a no-op; reusing a
// name for different keys or options, indexing the same keys under a second
// name, or a specification the store rejects fail with ErrInvalidIndexOptions.
// Failures to run the statement are returned as they are.
func (d *Database) CreateIndex(ctx context.Context, schemaID string, idx model.Index) error {
	if err := validateIndex(idx); err != nil {
		return err
	}

	return tx1(ctx, d, func(tx *sql.Tx) error {
		table, err := d.collection(ctx, tx, schemaID)
		if err != nil {
			return err
		}

		existing, err := d.listIndexes(ctx, tx, table)
		if err != nil {
			return err
		}
		for _, e := range existing {
			sameKeys := slices.Equal(e.Keys, idx.Keys)
			switch {
			case e.Name == idx.Name && sameKeys && e.Unique == idx.Unique:
				return nil
			case e.Name == idx.Name:
				return fmt.Errorf("%w: index %s already exists with different keys or options", ErrInvalidIndexOptions, idx.Name)
			case sameKeys:
				return fmt.Errorf("%w: index with the same keys already exists as %s", ErrInvalidIndexOptions, e.Name)
			}
		}

		parts := make([]string, len(idx.Keys))
		for i, k := range idx.Keys {
			dir := "ASC"
			if k.Direction < 0 {
				dir = "DESC"
			}
			parts[i] = d.indexExpr(k.Field) + " " + dir
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmt := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", unique, physicalIndexName(table, idx.Name), table, strings.Join(parts, ", "))
		if _, err := tx.ExecContext(ctx, stmt); d.isRejection(err) {
			return fmt.Errorf("%w: %v", ErrInvalidIndexOptions, err)
		} else if err != nil {
			return fmt.Errorf("create index %s: %w", idx.Name, err)
		}

		spec, err := json.Marshal(idx.Keys)
		if err != nil {
			return err
		}
		uniq := 0
		if idx.Unique {
			uniq = 1
		}
		return d.insert(ctx, tx, "collection_indexes", []string{"collection", "name", "spec", "uniq"}, table, idx.Name, string(spec), uniq)
	})
}

// DropIndex removes a secondary index, ErrIndexNotFound when there is none by that name.
func (d *Database) DropIndex(ctx context.Context, schemaID string, name string) error {
	if name == DefaultIndexName {
		return fmt.Errorf("%w: cannot drop index %s", ErrInvalidIndexOptions, name)
	}

	return tx1(ctx, d, func(tx *sql.Tx) error {
		table, err := d.collection(ctx, tx, schemaID)
		if err != nil {
			return err
		}

		var x int
		err = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM collection_indexes WHERE collection = %s AND name = %s", d.arg(0), d.arg(1)), table, name).Scan(&x)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
		case err != nil:
			return err
		}

		stmt := "DROP INDEX " + physicalIndexName(table, name)
		if d.kind == mysqlKind {
			stmt += " ON " + table
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM collection_indexes WHERE collection = %s AND name = %s", d.arg(0), d.arg(1)), table, name)
		return err
	})
}
