// Package dbtest opens migrated databases for tests of the layers above the
// storage package.
package dbtest

import (
	"testing"

	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/migrations"
	"github.com/nildb/nildb/internal/test/dbs"
)

// SQLite returns a migrated in-memory database closed when the test ends.
func SQLite(t *testing.T) *database.Database {
	t.Helper()
	cfg := dbs.Configs(t)["sqlite"].Database(t, nil)
	db, err := migrations.New().WithConfig(cfg.Database).WithMigrate(true).Run(t.Context())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	t.Cleanup(db.CloseDB)
	return db
}
