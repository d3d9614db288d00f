// Package jsonpatch turns record update documents into JSON patches and
// applies them.
package jsonpatch

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	jp "github.com/evanphx/json-patch/v5"

	"github.com/nildb/nildb/internal/model"
)

type PatchError struct {
	msg string
}

func (p *PatchError) Error() string {
	return p.msg
}

type Patch = jp.Patch

var opts = jp.ApplyOptions{
	EnsurePathExistsOnAdd:    true, // $set creates intermediate objects
	AllowMissingPathOnRemove: true, // $unset of an absent field is a no-op
}

var reserved = []string{model.FieldID, model.FieldOwner, model.FieldCreated, model.FieldUpdated}

// Compile builds the patch of an update document. The update is either an
// operator document, {"$set": {"a.b": 1}, "$unset": {"c": ""}} where $unset
// may also list the fields, or a JSON patch given as a list of operations.
// Node-stamped fields cannot be changed.
func Compile(update any) (Patch, error) {
	var ops []map[string]any

	switch u := update.(type) {
	case map[string]any:
		if len(u) == 0 {
			return nil, &PatchError{"empty update"}
		}
		for op := range u {
			if op != "$set" && op != "$unset" {
				return nil, &PatchError{fmt.Sprintf("unsupported update operator %q, must be one of \"$set\", \"$unset\"", op)}
			}
		}

		set, ok := u["$set"].(map[string]any)
		if _, present := u["$set"]; present && !ok {
			return nil, &PatchError{"$set must be an object"}
		}
		for _, field := range sortedKeys(set) {
			path, err := pointer(field)
			if err != nil {
				return nil, err
			}
			ops = append(ops, map[string]any{"op": "add", "path": path, "value": set[field]})
		}

		unset, err := unsetFields(u["$unset"])
		if err != nil {
			return nil, err
		}
		for _, field := range unset {
			path, err := pointer(field)
			if err != nil {
				return nil, err
			}
			ops = append(ops, map[string]any{"op": "remove", "path": path})
		}

	case []any:
		for _, raw := range u {
			op, ok := raw.(map[string]any)
			if !ok {
				return nil, &PatchError{"patch operations must be objects"}
			}
			path, _ := op["path"].(string)
			if err := checkPath(path); err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}

	default:
		return nil, &PatchError{fmt.Sprintf("unexpected update of type %T", update)}
	}

	bs, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	p, err := jp.DecodePatch(bs)
	if err != nil {
		return nil, &PatchError{err.Error()}
	}
	return p, nil
}

func unsetFields(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return sortedKeys(x), nil
	case []any:
		fields := make([]string, 0, len(x))
		for _, f := range x {
			s, ok := f.(string)
			if !ok {
				return nil, &PatchError{"$unset must list field names"}
			}
			fields = append(fields, s)
		}
		return fields, nil
	}
	return nil, &PatchError{"$unset must be an object or a list"}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// pointer converts a dotted field path into a JSON pointer.
func pointer(field string) (string, error) {
	if field == "" {
		return "", &PatchError{"empty field name"}
	}
	parts := strings.Split(field, ".")
	for i, p := range parts {
		if p == "" {
			return "", &PatchError{fmt.Sprintf("invalid field name %q", field)}
		}
		parts[i] = strings.NewReplacer("~", "~0", "/", "~1").Replace(p)
	}
	path := "/" + strings.Join(parts, "/")
	return path, checkPath(path)
}

func checkPath(path string) error {
	first, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if path == "" || path == "/" || slices.Contains(reserved, first) {
		return &PatchError{fmt.Sprintf("field %q cannot be updated", path)}
	}
	return nil
}

func Apply(p Patch, doc json.RawMessage) (json.RawMessage, error) {
	// We only support add/remove/replace
	for _, op := range p {
		switch op.Kind() {
		case "replace", "remove", "add": // OK
		default:
			return nil, &PatchError{fmt.Sprintf("unsupported patch operation %q, must be one of \"replace\", \"add\", \"remove\"", op.Kind())}
		}
	}
	return p.ApplyWithOptions(doc, &opts)
}

// ApplyDocument patches the user fields of a record. The stamped fields are
// carried over unchanged. changed reports whether any user field differs.
func ApplyDocument(p Patch, doc model.Document) (updated model.Document, changed bool, err error) {
	body := make(map[string]any, len(doc))
	for k, v := range doc {
		if !slices.Contains(reserved, k) {
			body[k] = v
		}
	}
	before, err := json.Marshal(body)
	if err != nil {
		return nil, false, err
	}
	after, err := Apply(p, before)
	if err != nil {
		return nil, false, err
	}

	updated = model.Document{}
	if err := json.Unmarshal(after, &updated); err != nil {
		return nil, false, err
	}
	for _, k := range reserved {
		if v, ok := doc[k]; ok {
			updated[k] = v
		}
	}
	return updated, !jp.Equal(before, after), nil
}
