package nilcomm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nildb/nildb/internal/bus"
	"github.com/nildb/nildb/internal/data"
	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/identity"
	"github.com/nildb/nildb/internal/logging"
	"github.com/nildb/nildb/internal/model"
	"github.com/nildb/nildb/internal/queries"
)

type Builders interface {
	Find(ctx context.Context, did string) (*model.Builder, error)
	Insert(ctx context.Context, b *model.Builder) error
}

// Schemas and Queries provision the fixed-id resources of the node account.
type Schemas interface {
	Ensure(ctx context.Context, s *model.Schema) error
}

type Queries interface {
	Ensure(ctx context.Context, q *model.Query) error
}

type Records interface {
	CreateRecords(ctx context.Context, req data.CreateRequest) (data.CreateResult, error)
	ReadRecords(ctx context.Context, schemaID string, f map[string]any) ([]model.Document, error)
}

// Executor runs a query for StartQueryExecution. The commit-reveal
// aggregation sits behind it.
type Executor interface {
	Execute(ctx context.Context, queryID string, variables map[string]any) ([]map[string]any, error)
}

// Services are the node components the handlers act on.
type Services struct {
	Builders Builders
	Schemas  Schemas
	Queries  Queries
	Records  Records
	Executor Executor
}

type Handlers struct {
	keys *identity.Keypair
	svc  Services
	pub  bus.Publisher
	log  *logging.Logger
}

func New(keys *identity.Keypair, svc Services, pub bus.Publisher) *Handlers {
	return &Handlers{keys: keys, svc: svc, pub: pub}
}

func (h *Handlers) WithLogger(log *logging.Logger) *Handlers {
	h.log = log
	return h
}

func (h *Handlers) logger() *logging.Logger {
	if h.log == nil {
		return logging.Discard()
	}
	return h.log
}

// StoreSecret decrypts a share with the node key and stores it under the
// mapping id. A share already stored under that id counts as success.
func (h *Handlers) StoreSecret(ctx context.Context, cmd StoreSecret) error {
	if err := h.storeSecret(ctx, cmd); err != nil {
		return h.fail(ctx, EventStoreSecretFailed, cmd.MappingID, err)
	}
	return h.publish(ctx, EventSecretStored, SecretStored{MappingID: cmd.MappingID})
}

func (h *Handlers) storeSecret(ctx context.Context, cmd StoreSecret) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	share, err := h.keys.Decrypt(cmd.EncryptedShare)
	if err != nil {
		return err
	}

	existing, err := h.svc.Records.ReadRecords(ctx, SharesSchemaID, map[string]any{model.FieldID: cmd.MappingID})
	if err != nil {
		return fmt.Errorf("look up share %s: %w", cmd.MappingID, err)
	}
	if len(existing) > 0 {
		h.logger().Debugf("share %s already stored", cmd.MappingID)
		return nil
	}

	// A concurrent redelivery may insert between the read and this write.
	_, err = h.svc.Records.CreateRecords(ctx, data.CreateRequest{
		Schema: SharesSchemaID,
		Records: []map[string]any{{
			model.FieldID: cmd.MappingID,
			"share":       base64.StdEncoding.EncodeToString(share),
		}},
		Owner: h.keys.DID(),
	})
	if errors.Is(err, database.ErrDuplicate) {
		h.logger().Debugf("share %s stored concurrently", cmd.MappingID)
		return nil
	}
	return err
}

// StartQueryExecution runs one of the builder's queries on behalf of the
// builder identified by the owner public key.
func (h *Handlers) StartQueryExecution(ctx context.Context, cmd StartQueryExecution) error {
	result, err := h.startQueryExecution(ctx, cmd)
	if err != nil {
		return h.fail(ctx, EventQueryExecutionFailed, cmd.MappingID, err)
	}
	return h.publish(ctx, EventQueryExecutionCompleted, QueryExecutionCompleted{MappingID: cmd.MappingID, Result: result})
}

func (h *Handlers) startQueryExecution(ctx context.Context, cmd StartQueryExecution) ([]map[string]any, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	did, err := identity.DIDFromPublicKey(cmd.OwnerPublicKey)
	if err != nil {
		return nil, err
	}
	b, err := h.svc.Builders.Find(ctx, did)
	if err != nil {
		return nil, err
	}
	if !b.OwnsQuery(cmd.QueryID) {
		return nil, fmt.Errorf("query %s of builder %s: %w", cmd.QueryID, did, queries.ErrNotFound)
	}

	variables := cmd.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	result, err := h.svc.Executor.Execute(ctx, cmd.QueryID, variables)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []map[string]any{}
	}
	return result, nil
}

func (h *Handlers) publish(ctx context.Context, typ string, payload any) error {
	if err := h.pub.Publish(ctx, bus.Event{Type: typ, Payload: payload}); err != nil {
		return fmt.Errorf("publish %s: %w", typ, err)
	}
	return nil
}

// fail publishes the failure event and returns the original error.
func (h *Handlers) fail(ctx context.Context, typ, mappingID string, cause error) error {
	msg := cause.Error()
	if msg == "" {
		msg = "unknown error"
	}
	if err := h.publish(ctx, typ, Failed{MappingID: mappingID, Cause: msg}); err != nil {
		h.logger().Errorf("%s for %s lost: %v", typ, mappingID, err)
	}
	return cause
}
