// Package dbs provides the database matrix used by storage tests. SQLite in
// memory is always part of it; PostgreSQL and MySQL containers are added when
// NILDB_TEST_CONTAINERS is set.
package dbs

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/nildb/nildb/internal/config"
)

type Config struct {
	Setup    func(*testing.T) testcontainers.Container
	Cleanup  func(*testing.T, testcontainers.Container) func()
	Database func(*testing.T, testcontainers.Container) *config.Root
}

// MemoryDBName returns a fresh name so that parallel tests sharing the
// SQLite shared cache do not see each other's tables.
func MemoryDBName() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "nildb_" + hex.EncodeToString(b[:])
}

func Configs(t *testing.T) map[string]Config {
	t.Helper()

	m := map[string]Config{
		"sqlite": {
			Database: func(*testing.T, testcontainers.Container) *config.Root {
				return sqlRoot("sqlite3", "file:"+MemoryDBName()+"?mode=memory&cache=shared")
			},
		},
	}

	if os.Getenv("NILDB_TEST_CONTAINERS") == "" {
		return m
	}

	m["postgres"] = Config{
		Setup: func(t *testing.T) testcontainers.Container {
			ctr, err := postgres.Run(t.Context(), "postgres:16-alpine",
				postgres.WithDatabase("nildb"),
				postgres.WithUsername("nildb"),
				postgres.WithPassword("nildb"),
				postgres.BasicWaitStrategies(),
			)
			if err != nil {
				t.Fatal(err)
			}
			return ctr
		},
		Cleanup: cleanup,
		Database: func(t *testing.T, ctr testcontainers.Container) *config.Root {
			dsn, err := ctr.(*postgres.PostgresContainer).ConnectionString(t.Context(), "sslmode=disable")
			if err != nil {
				t.Fatal(err)
			}
			return sqlRoot("postgres", dsn)
		},
	}

	m["mysql"] = Config{
		Setup: func(t *testing.T) testcontainers.Container {
			ctr, err := mysql.Run(t.Context(), "mysql:8.4",
				mysql.WithDatabase("nildb"),
				mysql.WithUsername("nildb"),
				mysql.WithPassword("nildb"),
			)
			if err != nil {
				t.Fatal(err)
			}
			return ctr
		},
		Cleanup: cleanup,
		Database: func(t *testing.T, ctr testcontainers.Container) *config.Root {
			dsn, err := ctr.(*mysql.MySQLContainer).ConnectionString(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			return sqlRoot("mysql", dsn)
		},
	}

	return m
}

func cleanup(t *testing.T, ctr testcontainers.Container) func() {
	return func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Log(err)
		}
	}
}

func sqlRoot(driver, dsn string) *config.Root {
	return &config.Root{
		Database: &config.Database{
			SQL: &config.SQLDatabase{Driver: driver, DSN: dsn},
		},
	}
}
