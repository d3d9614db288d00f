// Package users manages the user documents that track which records a DID
// owns and which other DIDs were granted access to them.
package users

import (
	"context"
	"fmt"

	"github.com/nildb/nildb/internal/authz"
	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/logging"
	"github.com/nildb/nildb/internal/model"
)

var ErrNotFound = database.ErrNotFound

type Store interface {
	GetUser(ctx context.Context, did string) (*model.UserDocument, error)
	AddUserData(ctx context.Context, did string, refs []model.DataRef, perms []model.Permission) error
	RemoveUserData(ctx context.Context, did string, refs []model.DataRef) error
	UpsertPermission(ctx context.Context, did string, p model.Permission) error
	DeletePermission(ctx context.Context, did, schema, id, grantee string) error
}

type Service struct {
	store Store
	log   *logging.Logger
}

func New(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) WithLogger(log *logging.Logger) *Service {
	s.log = log
	return s
}

func (s *Service) logger() *logging.Logger {
	if s.log == nil {
		return logging.Discard()
	}
	return s.log
}

func (s *Service) Find(ctx context.Context, did string) (*model.UserDocument, error) {
	return s.store.GetUser(ctx, did)
}

// AddReferences records owned records and their initial grants.
func (s *Service) AddReferences(ctx context.Context, did string, refs []model.DataRef, perms []model.Permission) error {
	return s.store.AddUserData(ctx, did, refs, perms)
}

func (s *Service) RemoveReferences(ctx context.Context, did string, refs []model.DataRef) error {
	return s.store.RemoveUserData(ctx, did, refs)
}

// Grant gives the grantee access to a record the user owns, replacing any
// earlier grant on that record.
func (s *Service) Grant(ctx context.Context, did string, p model.Permission) error {
	u, err := s.store.GetUser(ctx, did)
	if err != nil {
		return err
	}
	if err := authz.EnforceDataOwnership(u, p.ID, p.Schema); err != nil {
		return err
	}
	if p.Grantee == "" || p.Grantee == did {
		return fmt.Errorf("grant on %s/%s: grantee must be another DID", p.Schema, p.ID)
	}
	if err := s.store.UpsertPermission(ctx, did, p); err != nil {
		return err
	}
	s.logger().Debugf("%s granted %s on %s/%s", did, p.Grantee, p.Schema, p.ID)
	return nil
}

// Revoke removes a grant, ErrNotFound when there is none.
func (s *Service) Revoke(ctx context.Context, did, schemaID, documentID, grantee string) error {
	u, err := s.store.GetUser(ctx, did)
	if err != nil {
		return err
	}
	if err := authz.EnforceDataOwnership(u, documentID, schemaID); err != nil {
		return err
	}
	return s.store.DeletePermission(ctx, did, schemaID, documentID, grantee)
}

// Check resolves the owner's user document and applies authz.EnforcePermission.
func (s *Service) Check(ctx context.Context, owner, grantee, schemaID, documentID string, want authz.Access) error {
	u, err := s.store.GetUser(ctx, owner)
	if database.IsNotFound(err) {
		return &authz.AccessDenied{ResourceType: authz.ResourceData, ResourceID: documentID, SubjectID: grantee}
	} else if err != nil {
		return err
	}
	return authz.EnforcePermission(u, grantee, schemaID, documentID, want)
}
