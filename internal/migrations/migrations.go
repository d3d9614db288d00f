// Package migrations creates and evolves the fixed tables of a nildb node.
// Per-schema collection tables are created at runtime by the database package.
package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing/fstest"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/nildb/nildb/internal/config"
	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/logging"
)

// tables holds the fixed tables of the node. Entries MAY NOT be changed once
// released: add new migrations instead, the version of each file is its
// position in the list.
var tables = []*sqlTable{
	createSQLTable("builders").
		DIDColumn("did").
		TextNonNullColumn("name").
		TimeColumn("created_at").
		TimeColumn("updated_at").
		PrimaryKey("did"),
	createSQLTable("builders_schemas").
		DIDColumn("builder_did").
		UUIDColumn("schema_id").
		PrimaryKey("builder_did", "schema_id").
		ForeignKeyOnDeleteCascade("builder_did", "builders(did)"),
	createSQLTable("builders_queries").
		DIDColumn("builder_did").
		UUIDColumn("query_id").
		PrimaryKey("builder_did", "query_id").
		ForeignKeyOnDeleteCascade("builder_did", "builders(did)"),
	createSQLTable("schemas").
		UUIDColumn("id").
		DIDColumn("owner").
		TextNonNullColumn("name").
		KeyColumn("document_type", 16).
		TextNonNullColumn("definition").
		TimeColumn("created_at").
		PrimaryKey("id").
		Index("owner"),
	createSQLTable("queries").
		UUIDColumn("id").
		DIDColumn("owner").
		TextNonNullColumn("name").
		UUIDColumn("schema_id").
		TextNonNullColumn("variables").
		TextNonNullColumn("pipeline").
		TimeColumn("created_at").
		PrimaryKey("id").
		Index("owner"),
	createSQLTable("users").
		DIDColumn("did").
		TimeColumn("created_at").
		TimeColumn("updated_at").
		PrimaryKey("did"),
	createSQLTable("users_data").
		DIDColumn("user_did").
		UUIDColumn("schema_id").
		UUIDColumn("document_id").
		PrimaryKey("user_did", "schema_id", "document_id").
		ForeignKeyOnDeleteCascade("user_did", "users(did)").
		Index("schema_id", "document_id"),
	createSQLTable("users_permissions").
		DIDColumn("user_did").
		UUIDColumn("schema_id").
		UUIDColumn("document_id").
		DIDColumn("grantee").
		FlagColumn("can_read").
		FlagColumn("can_write").
		FlagColumn("can_delete").
		PrimaryKey("user_did", "schema_id", "document_id", "grantee").
		ForeignKeyOnDeleteCascade("user_did", "users(did)"),
	createSQLTable("collection_indexes").
		KeyColumn("collection", 64).
		KeyColumn("name", 128).
		TextNonNullColumn("spec").
		FlagColumn("uniq").
		PrimaryKey("collection", "name"),
}

// schemaFS renders the migration files for a dialect. Every statement gets
// its own file since not all drivers execute multi-statement scripts.
func schemaFS(dialect string) (fs.FS, error) {
	kind, err := kindOf(dialect)
	if err != nil {
		return nil, err
	}

	files := fstest.MapFS{}
	add := func(name, stmt string) {
		files[name] = &fstest.MapFile{Data: []byte(stmt)}
	}

	version := 1
	for _, tbl := range tables {
		add(fmt.Sprintf("%03d_%s.up.sql", version, tbl.name), tbl.SQL(kind))
		version++
		for i, stmt := range tbl.IndexSQL() {
			add(fmt.Sprintf("%03d_%s_index_%d.up.sql", version, tbl.name, i), stmt)
			version++
		}
	}
	return files, nil
}

type Migrator struct {
	config  *config.Database
	log     *logging.Logger
	migrate bool
}

func New() *Migrator {
	return &Migrator{}
}

func (m *Migrator) WithConfig(config *config.Database) *Migrator {
	m.config = config
	return m
}

func (m *Migrator) WithLogger(log *logging.Logger) *Migrator {
	m.log = log
	return m
}

// WithMigrate controls whether pending migrations are applied. Without it,
// Run only opens the database.
func (m *Migrator) WithMigrate(yes bool) *Migrator {
	m.migrate = yes
	return m
}

// Run opens the configured database and brings the fixed tables up to date.
func (m *Migrator) Run(ctx context.Context) (*database.Database, error) {
	if m.log == nil {
		m.log = logging.Discard()
	}

	db := (&database.Database{}).WithConfig(m.config).WithLogger(m.log)
	if err := db.InitDB(ctx); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !m.migrate {
		return db, nil
	}

	dialect, err := db.Dialect()
	if err != nil {
		return nil, err
	}

	if err := m.up(dialect, db); err != nil {
		db.CloseDB()
		return nil, fmt.Errorf("migrate %s: %w", dialect, err)
	}

	return db, nil
}

func (m *Migrator) up(dialect string, db *database.Database) error {
	fsys, err := schemaFS(dialect)
	if err != nil {
		return err
	}

	src, err := iofs.New(fsys, ".")
	if err != nil {
		return err
	}

	var drv migratedb.Driver
	switch dialect {
	case "sqlite":
		drv, err = migratesqlite.WithInstance(db.DB(), &migratesqlite.Config{})
	case "postgresql":
		drv, err = migratepgx.WithInstance(db.DB(), &migratepgx.Config{})
	case "mysql":
		drv, err = migratemysql.WithInstance(db.DB(), &migratemysql.Config{})
	}
	if err != nil {
		return err
	}

	mg, err := migrate.NewWithInstance("iofs", src, dialect, drv)
	if err != nil {
		return err
	}

	// The instance is not closed: that would close the shared *sql.DB.
	err = mg.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		m.log.Debugf("database schema is up to date")
		return nil
	case err != nil:
		return err
	}

	if v, dirty, err := mg.Version(); err == nil {
		m.log.Infof("database schema migrated to version %d (dirty: %t)", v, dirty)
	}
	return nil
}
