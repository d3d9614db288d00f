package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib" // database/sql compatible driver for pgx
	sqldblogger "github.com/simukti/sqldb-logger"
	"github.com/simukti/sqldb-logger/logadapter/zerologadapter"
	"modernc.org/sqlite"

	"github.com/nildb/nildb/internal/config"
	"github.com/nildb/nildb/internal/logging"
)

const (
	sqliteKind = iota
	postgresKind
	mysqlKind
)

const SQLiteMemoryOnlyDSN = "file::memory:?cache=shared"

// timeLayout is fixed width so that stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Database implements the document store operations. It hides the differences between the
// supported SQL databases from the rest of the codebase.
type Database struct {
	db     *sql.DB
	config *config.Database
	kind   int
	log    *logging.Logger
}

func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Dialect() (string, error) {
	switch d.kind {
	case sqliteKind:
		return "sqlite", nil
	case postgresKind:
		return "postgresql", nil
	case mysqlKind:
		return "mysql", nil
	default:
		return "", fmt.Errorf("unknown kind: %d", d.kind)
	}
}

func (d *Database) WithConfig(config *config.Database) *Database {
	d.config = config
	return d
}

func (d *Database) WithLogger(log *logging.Logger) *Database {
	d.log = log
	return d
}

func (d *Database) logger() *logging.Logger {
	if d.log == nil {
		return logging.Discard()
	}
	return d.log
}

func (d *Database) InitDB(ctx context.Context) error {
	var (
		drv driver.Driver
		dsn string
	)

	switch {
	case d.config == nil:
		// Default to memory-only SQLite3 if no config is provided.
		fallthrough
	case d.config.SQL == nil:
		fallthrough
	case d.config.SQL.Driver == "sqlite3" || d.config.SQL.Driver == "sqlite" || d.config.SQL.Driver == "":
		dsn = SQLiteMemoryOnlyDSN
		if d.config != nil && d.config.SQL != nil && d.config.SQL.DSN != "" {
			dsn = os.ExpandEnv(d.config.SQL.DSN)
		}
		d.kind = sqliteKind
		drv = &sqlite.Driver{}

	case d.config.SQL.Driver == "postgres" || d.config.SQL.Driver == "pgx":
		dsn = os.ExpandEnv(d.config.SQL.DSN)
		if _, err := pgx.ParseConfig(dsn); err != nil {
			return err
		}
		d.kind = postgresKind
		drv = stdlib.GetDefaultDriver()

	case d.config.SQL.Driver == "mysql":
		dsn = os.ExpandEnv(d.config.SQL.DSN)
		if _, err := mysqldriver.ParseDSN(dsn); err != nil {
			return err
		}
		d.kind = mysqlKind
		drv = &mysqldriver.MySQLDriver{}

	default:
		return fmt.Errorf("unsupported database driver %q", d.config.SQL.Driver)
	}

	if d.logger().Enabled(logging.Debug) {
		d.db = sqldblogger.OpenDriver(dsn, drv, zerologadapter.New(d.logger().Zerolog()),
			sqldblogger.WithMinimumLevel(sqldblogger.LevelDebug))
	} else {
		d.db = sql.OpenDB(dsnConnector{dsn: dsn, driver: drv})
	}

	if d.kind == sqliteKind {
		// A single connection serializes writers and keeps shared-cache memory databases alive.
		d.db.SetMaxOpenConns(1)
		if _, err := d.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return err
		}
	}

	return d.db.PingContext(ctx)
}

func (d *Database) CloseDB() {
	d.db.Close()
}

// FormatTime renders a timestamp the way it is stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func now() time.Time {
	return time.Now().UTC()
}

func (d *Database) upsertNoID(ctx context.Context, tx *sql.Tx, table string, columns []string, primaryKey []string, values ...any) error {
	var query string
	switch d.kind {
	case sqliteKind:
		query = fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`, table, strings.Join(columns, ", "),
			strings.Join(d.args(len(columns)), ", "))

	case postgresKind:
		set := make([]string, 0, len(columns))
		for i := range columns {
			if !slices.Contains(primaryKey, columns[i]) { // do not update primary key columns
				set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", columns[i], columns[i]))
			}
		}

		values := d.args(len(columns))

		if len(set) == 0 {
			query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING`, table, strings.Join(columns, ", "),
				strings.Join(values, ", "),
				strings.Join(primaryKey, ", "))
		} else {
			query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`, table, strings.Join(columns, ", "),
				strings.Join(values, ", "),
				strings.Join(primaryKey, ", "),
				strings.Join(set, ", "))
		}

	case mysqlKind:
		set := make([]string, 0, len(columns))
		for i := range columns {
			set = append(set, fmt.Sprintf("%s = VALUES(%s)", columns[i], columns[i]))
		}

		query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s`, table, strings.Join(columns, ", "),
			strings.Join(d.args(len(columns)), ", "),
			strings.Join(set, ", "))
	}

	_, err := tx.ExecContext(ctx, query, values...)
	return err
}

func (d *Database) insert(ctx context.Context, tx *sql.Tx, table string, columns []string, values ...any) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, strings.Join(columns, ", "), strings.Join(d.args(len(columns)), ", "))
	_, err := tx.ExecContext(ctx, query, values...)
	return err
}

func (d *Database) delete(ctx context.Context, tx *sql.Tx, table, keyColumn string, keyValue any) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", table, keyColumn, d.arg(0))
	res, err := tx.ExecContext(ctx, query, keyValue)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *Database) exists(ctx context.Context, tx *sql.Tx, table, keyColumn string, keyValue any) (bool, error) {
	var x int
	err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE %s = %s", table, keyColumn, d.arg(0)), keyValue).Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (d *Database) arg(i int) string {
	if d.kind == postgresKind {
		return "$" + strconv.Itoa(i+1)
	}
	return "?"
}

func (d *Database) args(n int) []string {
	args := make([]string, n)
	for i := range n {
		args[i] = d.arg(i)
	}

	return args
}

// isUniqueViolation reports whether err is a primary key or unique constraint failure.
func (d *Database) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var my *mysqldriver.MySQLError
	if errors.As(err, &my) {
		return my.Number == 1062
	}
	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		return pg.Code == "23505"
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		// SQLITE_CONSTRAINT_PRIMARYKEY, SQLITE_CONSTRAINT_UNIQUE
		if se.Code() == 1555 || se.Code() == 2067 {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isRejection reports whether err is the store refusing a statement because
// of its definition or of constraints on existing rows, as opposed to
// failing to run it.
func (d *Database) isRejection(err error) bool {
	if err == nil {
		return false
	}
	if d.isUniqueViolation(err) {
		return true
	}
	var my *mysqldriver.MySQLError
	if errors.As(err, &my) {
		switch my.Number {
		case 1061, 1064, 1071, 1072, 1170: // duplicate key name, syntax, key too long, no such column, blob key
			return true
		}
		return false
	}
	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		// 23: integrity constraint violation, 42: syntax error or access rule violation
		return strings.HasPrefix(pg.Code, "23") || strings.HasPrefix(pg.Code, "42")
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		// SQLITE_ERROR, SQLITE_CONSTRAINT
		primary := se.Code() & 0xff
		return primary == 1 || primary == 19
	}
	return false
}

func tx1(ctx context.Context, db *Database, f func(*sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := f(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func tx2[T any](ctx context.Context, db *Database, f func(*sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := f(tx)
	if err != nil {
		return zero, err
	}

	if err = tx.Commit(); err != nil {
		return zero, err
	}

	return result, nil
}

type dsnConnector struct {
	dsn    string
	driver driver.Driver
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c dsnConnector) Driver() driver.Driver {
	return c.driver
}
