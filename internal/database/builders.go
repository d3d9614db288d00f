package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/achille-roussel/sqlrange"

	"github.com/nildb/nildb/internal/model"
)

type builderRow struct {
	DID     string `sql:"did"`
	Name    string `sql:"name"`
	Created string `sql:"created_at"`
	Updated string `sql:"updated_at"`
}

type idRow struct {
	ID string `sql:"id"`
}

func (d *Database) collectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	ids := []string{}
	for row, err := range sqlrange.QueryContext[idRow](ctx, tx, query, args...) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// GetBuilder reads a builder together with its schema and query sets.
func (d *Database) GetBuilder(ctx context.Context, did string) (*model.Builder, error) {
	return tx2(ctx, d, func(tx *sql.Tx) (*model.Builder, error) {
		var row builderRow
		err := tx.QueryRowContext(ctx, "SELECT did, name, created_at, updated_at FROM builders WHERE did = "+d.arg(0), did).
			Scan(&row.DID, &row.Name, &row.Created, &row.Updated)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("builder %s: %w", did, ErrNotFound)
		} else if err != nil {
			return nil, err
		}

		b := &model.Builder{DID: row.DID, Name: row.Name}
		if b.Created, err = parseTime(row.Created); err != nil {
			return nil, err
		}
		if b.Updated, err = parseTime(row.Updated); err != nil {
			return nil, err
		}

		b.Schemas, err = d.collectIDs(ctx, tx, "SELECT schema_id AS id FROM builders_schemas WHERE builder_did = "+d.arg(0)+" ORDER BY schema_id", did)
		if err != nil {
			return nil, err
		}
		b.Queries, err = d.collectIDs(ctx, tx, "SELECT query_id AS id FROM builders_queries WHERE builder_did = "+d.arg(0)+" ORDER BY query_id", did)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

// InsertBuilder stores a new builder and its initial sets, ErrDuplicate if the DID is taken.
func (d *Database) InsertBuilder(ctx context.Context, b *model.Builder) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		if ok, err := d.exists(ctx, tx, "builders", "did", b.DID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("builder %s: %w", b.DID, ErrDuplicate)
		}

		created, updated := b.Created, b.Updated
		if created.IsZero() {
			created = now()
		}
		if updated.IsZero() {
			updated = created
		}

		if err := d.insert(ctx, tx, "builders", []string{"did", "name", "created_at", "updated_at"},
			b.DID, b.Name, FormatTime(created), FormatTime(updated)); err != nil {
			if d.isUniqueViolation(err) {
				return fmt.Errorf("builder %s: %w", b.DID, ErrDuplicate)
			}
			return err
		}

		for _, id := range b.Schemas {
			if err := d.upsertNoID(ctx, tx, "builders_schemas", []string{"builder_did", "schema_id"}, []string{"builder_did", "schema_id"}, b.DID, id); err != nil {
				return err
			}
		}
		for _, id := range b.Queries {
			if err := d.upsertNoID(ctx, tx, "builders_queries", []string{"builder_did", "query_id"}, []string{"builder_did", "query_id"}, b.DID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) UpdateBuilder(ctx context.Context, did string, update model.BuilderUpdate) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		if ok, err := d.exists(ctx, tx, "builders", "did", did); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("builder %s: %w", did, ErrNotFound)
		}

		ts := FormatTime(now())
		if update.Name != nil {
			_, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE builders SET name = %s, updated_at = %s WHERE did = %s", d.arg(0), d.arg(1), d.arg(2)), *update.Name, ts, did)
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE builders SET updated_at = %s WHERE did = %s", d.arg(0), d.arg(1)), ts, did)
		return err
	})
}

// DeleteBuilder removes a builder and its ownership sets.
func (d *Database) DeleteBuilder(ctx context.Context, did string) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		if _, err := d.delete(ctx, tx, "builders_schemas", "builder_did", did); err != nil {
			return err
		}
		if _, err := d.delete(ctx, tx, "builders_queries", "builder_did", did); err != nil {
			return err
		}
		n, err := d.delete(ctx, tx, "builders", "did", did)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("builder %s: %w", did, ErrNotFound)
		}
		return nil
	})
}

// BuilderSet names one of the ownership sets of a builder.
type BuilderSet struct {
	table  string
	column string
}

var (
	BuilderSchemas = BuilderSet{table: "builders_schemas", column: "schema_id"}
	BuilderQueries = BuilderSet{table: "builders_queries", column: "query_id"}
)

// AddToBuilderSet adds an id to a set of the builder. Adding a present id is a no-op.
func (d *Database) AddToBuilderSet(ctx context.Context, set BuilderSet, did, id string) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		if err := d.touchBuilder(ctx, tx, did); err != nil {
			return err
		}
		return d.upsertNoID(ctx, tx, set.table, []string{"builder_did", set.column}, []string{"builder_did", set.column}, did, id)
	})
}

// RemoveFromBuilderSet removes an id from a set of the builder. Removing an absent id is a no-op.
func (d *Database) RemoveFromBuilderSet(ctx context.Context, set BuilderSet, did, id string) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		if err := d.touchBuilder(ctx, tx, did); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE builder_did = %s AND %s = %s", set.table, d.arg(0), set.column, d.arg(1)), did, id)
		return err
	})
}

func (d *Database) touchBuilder(ctx context.Context, tx *sql.Tx, did string) error {
	if ok, err := d.exists(ctx, tx, "builders", "did", did); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("builder %s: %w", did, ErrNotFound)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE builders SET updated_at = %s WHERE did = %s", d.arg(0), d.arg(1)), FormatTime(now()), did)
	return err
}

// ListBuilderDIDs returns the DIDs of all builders.
func (d *Database) ListBuilderDIDs(ctx context.Context) ([]string, error) {
	return tx2(ctx, d, func(tx *sql.Tx) ([]string, error) {
		return d.collectIDs(ctx, tx, "SELECT did AS id FROM builders ORDER BY did")
	})
}
