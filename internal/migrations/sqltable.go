package migrations

import (
	"fmt"
	"strings"
)

const (
	sqlite = iota
	postgres
	mysql
)

func kindOf(dialect string) (int, error) {
	switch dialect {
	case "sqlite":
		return sqlite, nil
	case "postgresql":
		return postgres, nil
	case "mysql":
		return mysql, nil
	}
	return 0, fmt.Errorf("unsupported dialect %q", dialect)
}

type sqlColumn struct {
	Name    string
	Type    sqlDataType
	NotNull bool
	Default string
}

type sqlDataType interface {
	SQL(kind int) string
}

type sqlText struct{}
type sqlFlag struct{}

// sqlKey is a bounded string usable in primary keys and indexes. MySQL
// limits index key length, so keys carry an explicit size.
type sqlKey struct{ size int }

func (sqlText) SQL(_ int) string {
	return "TEXT"
}

func (sqlFlag) SQL(kind int) string {
	switch kind {
	case mysql:
		return "TINYINT"
	default:
		return "SMALLINT"
	}
}

func (k sqlKey) SQL(kind int) string {
	if kind == sqlite {
		return "TEXT"
	}
	return fmt.Sprintf("VARCHAR(%d)", k.size)
}

func (c sqlColumn) SQL(kind int) string {
	parts := []string{c.Name, c.Type.SQL(kind)}
	if c.NotNull {
		parts = append(parts, "NOT NULL")
	}
	if c.Default != "" {
		parts = append(parts, "DEFAULT", c.Default)
	}
	return strings.Join(parts, " ")
}

type sqlForeignKey struct {
	Column     string
	References string
}

type sqlIndex struct {
	Columns []string
}

type sqlTable struct {
	name              string
	columns           []sqlColumn
	primaryKeyColumns []string
	foreignKeys       []sqlForeignKey
	indexes           []sqlIndex
	iteration         string // prefix for constraints
}

func createSQLTable(name string) *sqlTable {
	return &sqlTable{
		name:      name,
		iteration: "nildb_v1",
	}
}

// DIDColumn holds a decentralized identifier (did:nil:<66 hex chars>).
func (t *sqlTable) DIDColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlKey{size: 128}, NotNull: true})
	return t
}

// UUIDColumn holds a textual UUID.
func (t *sqlTable) UUIDColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlKey{size: 36}, NotNull: true})
	return t
}

func (t *sqlTable) KeyColumn(name string, size int) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlKey{size: size}, NotNull: true})
	return t
}

func (t *sqlTable) TextNonNullColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlText{}, NotNull: true})
	return t
}

// TimeColumn stores a fixed-width UTC timestamp string, which orders
// lexically on every dialect.
func (t *sqlTable) TimeColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlKey{size: 32}, NotNull: true})
	return t
}

func (t *sqlTable) FlagColumn(name string) *sqlTable {
	t.columns = append(t.columns, sqlColumn{Name: name, Type: sqlFlag{}, NotNull: true, Default: "0"})
	return t
}

func (t *sqlTable) PrimaryKey(columns ...string) *sqlTable {
	t.primaryKeyColumns = columns
	return t
}

func (t *sqlTable) ForeignKeyOnDeleteCascade(column string, references string) *sqlTable {
	t.foreignKeys = append(t.foreignKeys, sqlForeignKey{
		Column:     column,
		References: references,
	})
	return t
}

func (t *sqlTable) Index(columns ...string) *sqlTable {
	t.indexes = append(t.indexes, sqlIndex{Columns: columns})
	return t
}

// SQL renders the table definition. Constraint names are derived from the
// table and columns so that later migrations can address them on every dialect.
func (t *sqlTable) SQL(kind int) string {
	c := make([]string, len(t.columns))
	for i := range t.columns {
		c[i] = t.columns[i].SQL(kind)
	}

	if len(t.primaryKeyColumns) > 0 {
		c = append(c, fmt.Sprintf("CONSTRAINT %s_%s_%s_pkey PRIMARY KEY (%s)",
			t.iteration,
			t.name,
			strings.Join(t.primaryKeyColumns, "_"),
			strings.Join(t.primaryKeyColumns, ", "),
		))
	}

	for _, fk := range t.foreignKeys {
		// refs look like "table(col)"
		open, closed := strings.Index(fk.References, "("), len(fk.References)-1
		fTbl, fCol := fk.References[:open], fk.References[open+1:closed]
		c = append(c, fmt.Sprintf("CONSTRAINT %s_%s_%s_%s_%s_fkey FOREIGN KEY (%s) REFERENCES %s ON DELETE CASCADE",
			t.iteration,
			t.name, fk.Column, fTbl, fCol,
			fk.Column,
			fk.References,
		))
	}

	return `CREATE TABLE IF NOT EXISTS ` + t.name + ` (` + strings.Join(c, ", ") + `)`
}

// IndexSQL renders one CREATE INDEX statement per secondary index.
func (t *sqlTable) IndexSQL() []string {
	stmts := make([]string, len(t.indexes))
	for i, idx := range t.indexes {
		stmts[i] = fmt.Sprintf("CREATE INDEX %s_%s_%s_idx ON %s (%s)",
			t.iteration,
			t.name,
			strings.Join(idx.Columns, "_"),
			t.name,
			strings.Join(idx.Columns, ", "))
	}
	return stmts
}
