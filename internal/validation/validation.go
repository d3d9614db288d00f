// Package validation checks records against the JSON schema of their
// collection. Records are coerced first (see filter.CoerceRecord), then
// validated together: a batch is accepted only if every record passes.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/nildb/nildb/internal/filter"
)

var (
	ErrInvalidSchema = errors.New("invalid schema")
	ErrInvalidRecord = errors.New("invalid record")
)

var printer = message.NewPrinter(language.English)

// Issue is one violation. Record is the index of the offending record in its
// batch, Field the JSON pointer of the offending value.
type Issue struct {
	Record  int    `json:"record"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error lists every violation of a rejected batch.
type Error struct {
	Schema string  `json:"schema"`
	Issues []Issue `json:"issues"`
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d invalid record(s) for schema %s", e.records(), e.Schema)
	for i, issue := range e.Issues {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Issues)-i)
			break
		}
		fmt.Fprintf(&b, "; record %d %s: %s", issue.Record, issue.Field, issue.Message)
	}
	return b.String()
}

func (*Error) Is(target error) bool {
	return target == ErrInvalidRecord
}

func (e *Error) records() int {
	var seen []int
	for _, i := range e.Issues {
		if !slices.Contains(seen, i.Record) {
			seen = append(seen, i.Record)
		}
	}
	return len(seen)
}

type Validator struct {
	id     string
	schema *jsonschema.Schema
}

// Compile prepares the validator of a schema document. Formats such as
// "uuid" and "date-time" are asserted.
func Compile(id string, definition map[string]any) (*Validator, error) {
	doc, err := toJSON(definition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	url := "schema-" + id + ".json"
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft7)
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &Validator{id: id, schema: s}, nil
}

// Validate coerces and checks the records. It returns the coerced records,
// or an *Error with the violations of all records.
func (v *Validator) Validate(records []map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, len(records))
	var issues []Issue

	for i, r := range records {
		coerced, err := filter.CoerceRecord(r)
		if err != nil {
			issues = append(issues, coercionIssue(i, err))
			continue
		}
		out[i] = coerced

		doc, err := toJSON(coerced)
		if err != nil {
			issues = append(issues, Issue{Record: i, Field: "/", Message: err.Error()})
			continue
		}
		var verr *jsonschema.ValidationError
		if err := v.schema.Validate(doc); errors.As(err, &verr) {
			issues = append(issues, leaves(i, verr)...)
		} else if err != nil {
			issues = append(issues, Issue{Record: i, Field: "/", Message: err.Error()})
		}
	}

	if len(issues) > 0 {
		return nil, &Error{Schema: v.id, Issues: issues}
	}
	return out, nil
}

func coercionIssue(i int, err error) Issue {
	var ce *filter.CoercionError
	if errors.As(err, &ce) {
		return Issue{Record: i, Field: "/" + strings.ReplaceAll(ce.Path, ".", "/"), Message: err.Error()}
	}
	return Issue{Record: i, Field: "/" + filter.CoerceKey, Message: err.Error()}
}

// leaves flattens the cause tree into the violations at its leaves.
func leaves(i int, e *jsonschema.ValidationError) []Issue {
	if len(e.Causes) == 0 {
		return []Issue{{
			Record:  i,
			Field:   "/" + strings.Join(e.InstanceLocation, "/"),
			Message: e.ErrorKind.LocalizedString(printer),
		}}
	}
	var issues []Issue
	for _, c := range e.Causes {
		issues = append(issues, leaves(i, c)...)
	}
	return issues
}

// toJSON turns a Go value into the representation the schema library
// validates, keeping numbers exact.
func toJSON(v any) (any, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(bs))
}
