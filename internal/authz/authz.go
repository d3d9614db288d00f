// Package authz decides whether a caller may act on a resource. The checks
// are pure functions of the caller's record and the resource id; callers
// resolve the record (builder or user document) first.
package authz

import (
	"errors"
	"fmt"

	"github.com/nildb/nildb/internal/model"
)

var ErrAccessDenied = errors.New("access denied")

// ResourceType names the kind of resource a check was about.
type ResourceType string

const (
	ResourceSchema ResourceType = "schema"
	ResourceQuery  ResourceType = "query"
	ResourceData   ResourceType = "data"
)

// AccessDenied reports which subject was refused which resource. It
// matches ErrAccessDenied with errors.Is.
type AccessDenied struct {
	ResourceType ResourceType
	ResourceID   string
	SubjectID    string
}

func (e *AccessDenied) Error() string {
	return fmt.Sprintf("access denied: %s may not access %s %s", e.SubjectID, e.ResourceType, e.ResourceID)
}

func (*AccessDenied) Is(target error) bool {
	return target == ErrAccessDenied
}

func EnforceSchemaOwnership(b *model.Builder, schemaID string) error {
	if b != nil && b.OwnsSchema(schemaID) {
		return nil
	}
	return &AccessDenied{ResourceType: ResourceSchema, ResourceID: schemaID, SubjectID: subject(b)}
}

func EnforceQueryOwnership(b *model.Builder, queryID string) error {
	if b != nil && b.OwnsQuery(queryID) {
		return nil
	}
	return &AccessDenied{ResourceType: ResourceQuery, ResourceID: queryID, SubjectID: subject(b)}
}

// EnforceDataOwnership checks that the user document references the record.
func EnforceDataOwnership(u *model.UserDocument, documentID, schemaID string) error {
	if u != nil && u.Holds(schemaID, documentID) {
		return nil
	}
	var did string
	if u != nil {
		did = u.DID
	}
	return &AccessDenied{ResourceType: ResourceData, ResourceID: documentID, SubjectID: did}
}

// Access is a set of operations on an owned record.
type Access uint8

const (
	Read Access = 1 << iota
	Write
	Delete
)

func (a Access) String() string {
	var s string
	for _, x := range []struct {
		bit  Access
		name string
	}{{Read, "read"}, {Write, "write"}, {Delete, "delete"}} {
		if a&x.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += x.name
	}
	return s
}

func granted(p model.Permission) Access {
	var a Access
	if p.Read {
		a |= Read
	}
	if p.Write {
		a |= Write
	}
	if p.Delete {
		a |= Delete
	}
	return a
}

// EnforcePermission checks access by grantee to a record owned by the user.
// The owner always has full access; anybody else needs a grant covering
// every requested operation.
func EnforcePermission(u *model.UserDocument, grantee, schemaID, documentID string, want Access) error {
	if err := EnforceDataOwnership(u, documentID, schemaID); err != nil {
		return &AccessDenied{ResourceType: ResourceData, ResourceID: documentID, SubjectID: grantee}
	}
	if grantee == u.DID {
		return nil
	}
	for _, p := range u.Permissions {
		if p.Schema == schemaID && p.ID == documentID && p.Grantee == grantee && granted(p)&want == want {
			return nil
		}
	}
	return &AccessDenied{ResourceType: ResourceData, ResourceID: documentID, SubjectID: grantee}
}

func subject(b *model.Builder) string {
	if b == nil {
		return ""
	}
	return b.DID
}
