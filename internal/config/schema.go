package config

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	schemareflector "github.com/swaggest/jsonschema-go"
)

// compiledSchema is built on first validation from the reflected Root type.
var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	bs, err := ReflectSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(bs))
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	if err := c.AddResource("nildb-config.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("nildb-config.json")
})

// ReflectSchema derives the JSON schema of the node configuration file.
func ReflectSchema() ([]byte, error) {
	var r schemareflector.Reflector
	s, err := r.Reflect(Root{})
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(s, "", "  ")
}

// Durations are written as strings such as "30s".
func (Duration) PrepareJSONSchema(schema *schemareflector.Schema) error {
	schema.Type = nil
	schema.AddType(schemareflector.String)
	return nil
}
