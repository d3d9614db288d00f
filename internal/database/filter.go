package database

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/nildb/nildb/internal/model"
)

// Filter is a document filter in the usual query-document form:
//
//	{"name": "x", "age": {"$gte": 18}, "$or": [{"a": 1}, {"b": {"$exists": false}}]}
//
// Supported operators are $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $exists,
// $and, $or and $nor. Dotted field names address nested document fields.
type Filter = map[string]any

var fieldPath = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)*$`)

// documentColumns maps the node-stamped fields onto the columns of a
// collection table. Every other field lives in the JSON document column.
var documentColumns = map[string]string{
	model.FieldID:      "_id",
	model.FieldOwner:   "_owner",
	model.FieldCreated: "_created",
	model.FieldUpdated: "_updated",
}

var timeColumns = map[string]bool{
	"_created":   true,
	"_updated":   true,
	"created_at": true,
}

type valueKind int

const (
	kindNull valueKind = iota
	kindNumber
	kindString
	kindBool
	kindComposite
)

func kindOfValue(v any) valueKind {
	switch v.(type) {
	case nil:
		return kindNull
	case string, time.Time:
		return kindString
	case bool:
		return kindBool
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return kindNumber
	}
	return kindComposite
}

// whereBuilder compiles a Filter into a SQL condition and its arguments.
type whereBuilder struct {
	d *Database
	// columns maps filter fields onto table columns.
	columns map[string]string
	// document is the JSON column holding the remaining fields, or empty when
	// the table has none.
	document string
	args     []any
}

func (d *Database) where(filter Filter, columns map[string]string, document string, offset int) (string, []any, error) {
	w := &whereBuilder{d: d, columns: columns, document: document, args: make([]any, 0, offset)}
	for range offset {
		w.args = append(w.args, nil) // reserved for the caller's leading arguments
	}
	cond, err := w.filter(filter)
	if err != nil {
		return "", nil, err
	}
	return cond, w.args[offset:], nil
}

func (w *whereBuilder) bind(v any) string {
	p := w.d.arg(len(w.args))
	w.args = append(w.args, v)
	return p
}

func (w *whereBuilder) filter(filter Filter) (string, error) {
	if len(filter) == 0 {
		return "1=1", nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	slices.Sort(keys) // stable statements

	conds := make([]string, 0, len(keys))
	for _, k := range keys {
		v := filter[k]
		var (
			cond string
			err  error
		)
		switch k {
		case "$and", "$or", "$nor":
			cond, err = w.logical(k, v)
		default:
			if strings.HasPrefix(k, "$") {
				return "", fmt.Errorf("%w: unknown top-level operator %s", ErrInvalidFilter, k)
			}
			cond, err = w.field(k, v)
		}
		if err != nil {
			return "", err
		}
		conds = append(conds, cond)
	}
	return "(" + strings.Join(conds, " AND ") + ")", nil
}

func (w *whereBuilder) logical(op string, v any) (string, error) {
	list, ok := v.([]any)
	if !ok {
		if fs, ok2 := v.([]Filter); ok2 {
			for _, f := range fs {
				list = append(list, f)
			}
		} else {
			return "", fmt.Errorf("%w: %s needs an array", ErrInvalidFilter, op)
		}
	}
	if len(list) == 0 {
		return "", fmt.Errorf("%w: %s needs a non-empty array", ErrInvalidFilter, op)
	}

	conds := make([]string, len(list))
	for i, item := range list {
		sub, ok := item.(map[string]any)
		if !ok {
			return "", fmt.Errorf("%w: %s entries must be objects", ErrInvalidFilter, op)
		}
		c, err := w.filter(sub)
		if err != nil {
			return "", err
		}
		conds[i] = c
	}

	switch op {
	case "$and":
		return "(" + strings.Join(conds, " AND ") + ")", nil
	case "$or":
		return "(" + strings.Join(conds, " OR ") + ")", nil
	default:
		return "((" + strings.Join(conds, " OR ") + ") IS NOT TRUE)", nil
	}
}

func (w *whereBuilder) field(name string, v any) (string, error) {
	ops, isOps := v.(map[string]any)
	if isOps {
		for k := range ops {
			if !strings.HasPrefix(k, "$") {
				isOps = false // a literal sub-document
				break
			}
		}
	}
	if !isOps || len(ops) == 0 {
		return w.compare(name, "$eq", v)
	}

	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	conds := make([]string, 0, len(keys))
	for _, op := range keys {
		c, err := w.compare(name, op, ops[op])
		if err != nil {
			return "", err
		}
		conds = append(conds, c)
	}
	return "(" + strings.Join(conds, " AND ") + ")", nil
}

func (w *whereBuilder) compare(name, op string, v any) (string, error) {
	if col, ok := w.columns[name]; ok {
		return w.compareColumn(col, op, v)
	}
	if w.document == "" {
		return "", fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, name)
	}
	if !fieldPath.MatchString(name) {
		return "", fmt.Errorf("%w: invalid field name %q", ErrInvalidFilter, name)
	}
	return w.compareJSON(strings.Split(name, "."), op, v)
}

func (w *whereBuilder) columnValue(col string, v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case time.Time:
		return FormatTime(x), nil
	}
	if timeColumns[col] {
		return nil, fmt.Errorf("%w: %s compares against dates", ErrInvalidFilter, col)
	}
	return nil, fmt.Errorf("%w: %s compares against strings", ErrInvalidFilter, col)
}

func (w *whereBuilder) compareColumn(col, op string, v any) (string, error) {
	switch op {
	case "$exists":
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("%w: $exists needs a boolean", ErrInvalidFilter)
		}
		if b {
			return "1=1", nil
		}
		return "1=0", nil

	case "$in", "$nin":
		list, ok := v.([]any)
		if !ok {
			return "", fmt.Errorf("%w: %s needs an array", ErrInvalidFilter, op)
		}
		if len(list) == 0 {
			if op == "$in" {
				return "1=0", nil
			}
			return "1=1", nil
		}
		ps := make([]string, len(list))
		for i := range list {
			val, err := w.columnValue(col, list[i])
			if err != nil {
				return "", err
			}
			ps[i] = w.bind(val)
		}
		neg := ""
		if op == "$nin" {
			neg = "NOT "
		}
		return fmt.Sprintf("%s %sIN (%s)", col, neg, strings.Join(ps, ", ")), nil
	}

	sqlOp, ok := comparisonOps[op]
	if !ok {
		return "", fmt.Errorf("%w: unknown operator %s", ErrInvalidFilter, op)
	}
	if v == nil {
		// Stamped columns are never null.
		if op == "$ne" {
			return "1=1", nil
		}
		return "1=0", nil
	}
	val, err := w.columnValue(col, v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %s", col, sqlOp, w.bind(val)), nil
}

var comparisonOps = map[string]string{
	"$eq":  "=",
	"$ne":  "<>",
	"$gt":  ">",
	"$gte": ">=",
	"$lt":  "<",
	"$lte": "<=",
}

// jsonExpr renders the expression extracting a nested field of the document column.
func (w *whereBuilder) jsonExpr(path []string) string {
	switch w.d.kind {
	case postgresKind:
		return fmt.Sprintf("(CAST(%s AS jsonb) #> '{%s}')", w.document, strings.Join(path, ","))
	case mysqlKind:
		return fmt.Sprintf("JSON_EXTRACT(%s, '%s')", w.document, mysqlPath(path))
	default:
		return fmt.Sprintf("json_extract(%s, '%s')", w.document, sqlitePath(path))
	}
}

func sqlitePath(path []string) string {
	return `$."` + strings.Join(path, `"."`) + `"`
}

func mysqlPath(path []string) string {
	return sqlitePath(path)
}

// isNull matches missing fields as well as explicit JSON nulls.
func (w *whereBuilder) isNull(path []string) string {
	expr := w.jsonExpr(path)
	switch w.d.kind {
	case postgresKind:
		return fmt.Sprintf("(%[1]s IS NULL OR %[1]s = 'null'::jsonb)", expr)
	case mysqlKind:
		return fmt.Sprintf("(%[1]s IS NULL OR JSON_TYPE(%[1]s) = 'NULL')", expr)
	default:
		return fmt.Sprintf("(%s IS NULL)", expr)
	}
}

func (w *whereBuilder) exists(path []string) string {
	switch w.d.kind {
	case postgresKind:
		return fmt.Sprintf("(%s IS NOT NULL)", w.jsonExpr(path))
	case mysqlKind:
		return fmt.Sprintf("(JSON_CONTAINS_PATH(%s, 'one', '%s') = 1)", w.document, mysqlPath(path))
	default:
		return fmt.Sprintf("(json_type(%s, '%s') IS NOT NULL)", w.document, sqlitePath(path))
	}
}

// typeGuard restricts ordering comparisons to values of the same JSON type.
func (w *whereBuilder) typeGuard(path []string, kind valueKind) string {
	switch w.d.kind {
	case postgresKind:
		t := map[valueKind]string{kindNumber: "number", kindString: "string", kindBool: "boolean"}[kind]
		return fmt.Sprintf("jsonb_typeof(%s) = '%s'", w.jsonExpr(path), t)
	case mysqlKind:
		t := map[valueKind]string{kindNumber: "'INTEGER', 'UNSIGNED INTEGER', 'DOUBLE', 'DECIMAL'", kindString: "'STRING'", kindBool: "'BOOLEAN'"}[kind]
		return fmt.Sprintf("JSON_TYPE(%s) IN (%s)", w.jsonExpr(path), t)
	default:
		t := map[valueKind]string{kindNumber: "'integer', 'real'", kindString: "'text'", kindBool: "'true', 'false'"}[kind]
		return fmt.Sprintf("json_type(%s, '%s') IN (%s)", w.document, sqlitePath(path), t)
	}
}

// jsonArg binds a value so that it compares with the extracted expression.
func (w *whereBuilder) jsonArg(v any) (string, error) {
	if t, ok := v.(time.Time); ok {
		v = t.UTC().Format(time.RFC3339Nano)
	}

	switch w.d.kind {
	case postgresKind:
		bs, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		return fmt.Sprintf("CAST(%s AS jsonb)", w.bind(string(bs))), nil
	case mysqlKind:
		bs, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		return fmt.Sprintf("CAST(%s AS JSON)", w.bind(string(bs))), nil
	default:
		switch kindOfValue(v) {
		case kindComposite:
			bs, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrInvalidFilter, err)
			}
			return fmt.Sprintf("json(%s)", w.bind(string(bs))), nil
		case kindBool:
			if v.(bool) {
				return w.bind(1), nil
			}
			return w.bind(0), nil
		}
		return w.bind(v), nil
	}
}

func (w *whereBuilder) eq(path []string, v any) (string, error) {
	if v == nil {
		return w.isNull(path), nil
	}
	arg, err := w.jsonArg(v)
	if err != nil {
		return "", err
	}
	kind := kindOfValue(v)
	if kind == kindComposite {
		if w.d.kind == sqliteKind {
			return fmt.Sprintf("(json_type(%s, '%s') IN ('object', 'array') AND %s = %s)", w.document, sqlitePath(path), w.jsonExpr(path), arg), nil
		}
		return fmt.Sprintf("(%s = %s)", w.jsonExpr(path), arg), nil
	}
	return fmt.Sprintf("(%s AND %s = %s)", w.typeGuard(path, kind), w.jsonExpr(path), arg), nil
}

// not negates a condition treating an unknown (NULL) outcome as false, so that
// negated conditions match documents lacking the field.
func not(cond string) string {
	return "(" + cond + " IS NOT TRUE)"
}

func (w *whereBuilder) compareJSON(path []string, op string, v any) (string, error) {
	switch op {
	case "$eq":
		return w.eq(path, v)

	case "$ne":
		c, err := w.eq(path, v)
		if err != nil {
			return "", err
		}
		return not(c), nil

	case "$exists":
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("%w: $exists needs a boolean", ErrInvalidFilter)
		}
		if b {
			return w.exists(path), nil
		}
		return "NOT " + w.exists(path), nil

	case "$in", "$nin":
		list, ok := v.([]any)
		if !ok {
			return "", fmt.Errorf("%w: %s needs an array", ErrInvalidFilter, op)
		}
		if len(list) == 0 {
			if op == "$in" {
				return "1=0", nil
			}
			return "1=1", nil
		}
		conds := make([]string, len(list))
		for i := range list {
			c, err := w.eq(path, list[i])
			if err != nil {
				return "", err
			}
			conds[i] = c
		}
		c := "(" + strings.Join(conds, " OR ") + ")"
		if op == "$nin" {
			return not(c), nil
		}
		return c, nil

	case "$gt", "$gte", "$lt", "$lte":
		kind := kindOfValue(v)
		if kind == kindNull || kind == kindComposite {
			return "", fmt.Errorf("%w: %s needs a scalar", ErrInvalidFilter, op)
		}
		arg, err := w.jsonArg(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s AND %s %s %s)", w.typeGuard(path, kind), w.jsonExpr(path), comparisonOps[op], arg), nil
	}

	return "", fmt.Errorf("%w: unknown operator %s", ErrInvalidFilter, op)
}
