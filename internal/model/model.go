// Package model holds the resource types shared by the storage, engine and
// command layers of a nildb node.
package model

import (
	"slices"
	"time"
)

// DocumentType controls whether records of a schema are shared (anonymous)
// or individually owned and tracked in their owner's user document.
type DocumentType string

const (
	DocumentTypeShared DocumentType = "shared"
	DocumentTypeOwned  DocumentType = "owned"
)

func (t DocumentType) Valid() bool {
	return t == DocumentTypeShared || t == DocumentTypeOwned
}

// Reserved document fields stamped by the node.
const (
	FieldID      = "_id"
	FieldOwner   = "_owner"
	FieldCreated = "_created"
	FieldUpdated = "_updated"
)

// Builder is a tenant identity.
type Builder struct {
	DID     string    `json:"_id"`
	Name    string    `json:"name"`
	Created time.Time `json:"_created"`
	Updated time.Time `json:"_updated"`
	Schemas []string  `json:"schemas"`
	Queries []string  `json:"queries"`
}

func (b *Builder) OwnsSchema(id string) bool {
	return slices.Contains(b.Schemas, id)
}

func (b *Builder) OwnsQuery(id string) bool {
	return slices.Contains(b.Queries, id)
}

// BuilderUpdate carries the profile fields a builder may change.
type BuilderUpdate struct {
	Name *string `json:"name,omitempty"`
}

// Schema is the metadata of a record collection.
type Schema struct {
	ID           string         `json:"_id" yaml:"_id"`
	Owner        string         `json:"owner" yaml:"owner"`
	Name         string         `json:"name" yaml:"name"`
	DocumentType DocumentType   `json:"documentType" yaml:"documentType"`
	Definition   map[string]any `json:"schema" yaml:"schema"`
	Created      time.Time      `json:"_created" yaml:"-"`
}

// QueryVariable declares a named placeholder of a query pipeline.
type QueryVariable struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Optional    bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Query is an aggregation pipeline template over one or more schemas.
type Query struct {
	ID        string                   `json:"_id" yaml:"_id"`
	Owner     string                   `json:"owner" yaml:"owner"`
	Name      string                   `json:"name" yaml:"name"`
	Schema    string                   `json:"schema" yaml:"schema"`
	Variables map[string]QueryVariable `json:"variables" yaml:"variables"`
	Pipeline  []map[string]any         `json:"pipeline" yaml:"pipeline"`
	Created   time.Time                `json:"_created" yaml:"-"`
}

// Document is a stored record: the node-stamped fields plus the validated
// user fields.
type Document map[string]any

func (d Document) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

func (d Document) Owner() string {
	s, _ := d[FieldOwner].(string)
	return s
}

// DataRef points at an owned record.
type DataRef struct {
	Schema string `json:"schema"`
	ID     string `json:"id"`
}

// Permission is a grant on one owned record to another DID.
type Permission struct {
	Schema  string `json:"schema"`
	ID      string `json:"id"`
	Grantee string `json:"grantee"`
	Read    bool   `json:"read"`
	Write   bool   `json:"write"`
	Delete  bool   `json:"delete"`
}

// UserDocument tracks the records a DID owns and who else may access them.
type UserDocument struct {
	DID         string       `json:"_id"`
	Created     time.Time    `json:"_created"`
	Updated     time.Time    `json:"_updated"`
	Data        []DataRef    `json:"data"`
	Permissions []Permission `json:"permissions"`
}

func (u *UserDocument) Holds(schema, id string) bool {
	return slices.Contains(u.Data, DataRef{Schema: schema, ID: id})
}

// IndexKey is one field of an index, Direction is 1 or -1.
type IndexKey struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

type Index struct {
	Name   string     `json:"name"`
	Keys   []IndexKey `json:"keys"`
	Unique bool       `json:"unique"`
}

// CollectionStats summarises a backing collection.
type CollectionStats struct {
	Count      int64     `json:"count"`
	Size       int64     `json:"size"`
	FirstWrite time.Time `json:"firstWrite"`
	LastWrite  time.Time `json:"lastWrite"`
	Indexes    []Index   `json:"indexes"`
}
