package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/achille-roussel/sqlrange"

	"github.com/nildb/nildb/internal/model"
)

type dataRefRow struct {
	Schema string `sql:"schema_id"`
	ID     string `sql:"document_id"`
}

type permissionRow struct {
	Schema  string `sql:"schema_id"`
	ID      string `sql:"document_id"`
	Grantee string `sql:"grantee"`
	Read    int    `sql:"can_read"`
	Write   int    `sql:"can_write"`
	Delete  int    `sql:"can_delete"`
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetUser reads the user document of a DID.
func (d *Database) GetUser(ctx context.Context, did string) (*model.UserDocument, error) {
	return tx2(ctx, d, func(tx *sql.Tx) (*model.UserDocument, error) {
		var created, updated string
		err := tx.QueryRowContext(ctx, "SELECT created_at, updated_at FROM users WHERE did = "+d.arg(0), did).Scan(&created, &updated)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", did, ErrNotFound)
		} else if err != nil {
			return nil, err
		}

		u := &model.UserDocument{DID: did, Data: []model.DataRef{}, Permissions: []model.Permission{}}
		if u.Created, err = parseTime(created); err != nil {
			return nil, err
		}
		if u.Updated, err = parseTime(updated); err != nil {
			return nil, err
		}

		for row, err := range sqlrange.QueryContext[dataRefRow](ctx, tx,
			"SELECT schema_id, document_id FROM users_data WHERE user_did = "+d.arg(0)+" ORDER BY schema_id, document_id", did) {
			if err != nil {
				return nil, err
			}
			u.Data = append(u.Data, model.DataRef{Schema: row.Schema, ID: row.ID})
		}

		for row, err := range sqlrange.QueryContext[permissionRow](ctx, tx,
			"SELECT schema_id, document_id, grantee, can_read, can_write, can_delete FROM users_permissions WHERE user_did = "+d.arg(0)+" ORDER BY schema_id, document_id, grantee", did) {
			if err != nil {
				return nil, err
			}
			u.Permissions = append(u.Permissions, model.Permission{
				Schema:  row.Schema,
				ID:      row.ID,
				Grantee: row.Grantee,
				Read:    row.Read != 0,
				Write:   row.Write != 0,
				Delete:  row.Delete != 0,
			})
		}
		return u, nil
	})
}

// ensureUser creates the user row on first use and bumps its update time otherwise.
func (d *Database) ensureUser(ctx context.Context, tx *sql.Tx, did string) error {
	ts := FormatTime(now())
	ok, err := d.exists(ctx, tx, "users", "did", did)
	if err != nil {
		return err
	}
	if !ok {
		return d.insert(ctx, tx, "users", []string{"did", "created_at", "updated_at"}, did, ts, ts)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("UPDATE users SET updated_at = %s WHERE did = %s", d.arg(0), d.arg(1)), ts, did)
	return err
}

func (d *Database) upsertPermission(ctx context.Context, tx *sql.Tx, did string, p model.Permission) error {
	return d.upsertNoID(ctx, tx, "users_permissions",
		[]string{"user_did", "schema_id", "document_id", "grantee", "can_read", "can_write", "can_delete"},
		[]string{"user_did", "schema_id", "document_id", "grantee"},
		did, p.Schema, p.ID, p.Grantee, flag(p.Read), flag(p.Write), flag(p.Delete))
}

// AddUserData records owned documents and their initial grants in the user
// document of did, creating it if absent. Existing references are kept.
func (d *Database) AddUserData(ctx context.Context, did string, refs []model.DataRef, perms []model.Permission) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		if err := d.ensureUser(ctx, tx, did); err != nil {
			return err
		}
		for _, ref := range refs {
			if err := d.upsertNoID(ctx, tx, "users_data", []string{"user_did", "schema_id", "document_id"},
				[]string{"user_did", "schema_id", "document_id"}, did, ref.Schema, ref.ID); err != nil {
				return err
			}
		}
		for _, p := range perms {
			if err := d.upsertPermission(ctx, tx, did, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveUserData drops references, and the grants on them, from the user
// document of did. It fails with ErrNotFound when the user does not exist.
func (d *Database) RemoveUserData(ctx context.Context, did string, refs []model.DataRef) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		if ok, err := d.exists(ctx, tx, "users", "did", did); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("user %s: %w", did, ErrNotFound)
		}

		for _, ref := range refs {
			for _, table := range []string{"users_permissions", "users_data"} {
				if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_did = %s AND schema_id = %s AND document_id = %s", table, d.arg(0), d.arg(1), d.arg(2)),
					did, ref.Schema, ref.ID); err != nil {
					return err
				}
			}
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE users SET updated_at = %s WHERE did = %s", d.arg(0), d.arg(1)), FormatTime(now()), did)
		return err
	})
}

// UpsertPermission sets the grant of one grantee on one owned document.
func (d *Database) UpsertPermission(ctx context.Context, did string, p model.Permission) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		if ok, err := d.exists(ctx, tx, "users", "did", did); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("user %s: %w", did, ErrNotFound)
		}
		return d.upsertPermission(ctx, tx, did, p)
	})
}

// DeletePermission revokes a grant, ErrNotFound if there is none.
func (d *Database) DeletePermission(ctx context.Context, did, schema, id, grantee string) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM users_permissions WHERE user_did = %s AND schema_id = %s AND document_id = %s AND grantee = %s",
			d.arg(0), d.arg(1), d.arg(2), d.arg(3)), did, schema, id, grantee)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("permission of %s on %s/%s: %w", grantee, schema, id, ErrNotFound)
		}
		return nil
	})
}

// OwnerRef pairs a document with the DID owning it.
type OwnerRef struct {
	Owner    string `sql:"owner"`
	Document string `sql:"document_id"`
}

// SchemaReferences lists every user reference into a schema.
func (d *Database) SchemaReferences(ctx context.Context, schemaID string) ([]OwnerRef, error) {
	return tx2(ctx, d, func(tx *sql.Tx) ([]OwnerRef, error) {
		refs := []OwnerRef{}
		query := "SELECT user_did AS owner, document_id FROM users_data WHERE schema_id = " + d.arg(0) + " ORDER BY user_did, document_id"
		for row, err := range sqlrange.QueryContext[OwnerRef](ctx, tx, query, schemaID) {
			if err != nil {
				return nil, err
			}
			refs = append(refs, row)
		}
		return refs, nil
	})
}

// DocumentOwners lists the owner of every document of a schema's collection.
func (d *Database) DocumentOwners(ctx context.Context, schemaID string) ([]OwnerRef, error) {
	return tx2(ctx, d, func(tx *sql.Tx) ([]OwnerRef, error) {
		table, err := d.collection(ctx, tx, schemaID)
		if err != nil {
			return nil, err
		}
		refs := []OwnerRef{}
		query := "SELECT _owner AS owner, _id AS document_id FROM " + table + " ORDER BY _owner, _id"
		for row, err := range sqlrange.QueryContext[OwnerRef](ctx, tx, query) {
			if err != nil {
				return nil, err
			}
			refs = append(refs, row)
		}
		return refs, nil
	})
}

// ReferencedSchemaIDs lists the schemas any user document points into.
func (d *Database) ReferencedSchemaIDs(ctx context.Context) ([]string, error) {
	return tx2(ctx, d, func(tx *sql.Tx) ([]string, error) {
		return d.collectIDs(ctx, tx, "SELECT DISTINCT schema_id AS id FROM users_data ORDER BY schema_id")
	})
}
