package nilcomm

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"

	"github.com/nildb/nildb/internal/builders"
	"github.com/nildb/nildb/internal/model"
)

// Fixed ids of the node's commit-reveal schema and query.
const (
	SharesSchemaID = "5d3b0b9e-7a0c-4c1e-9d55-3f2a6f0c8e11"
	SharesQueryID  = "9a6f2c41-1b7e-4d8a-a3c2-6e0f4b5d7c22"
)

//go:embed templates.yaml
var templatesYAML []byte

type templates struct {
	Builder struct {
		Name string `yaml:"name"`
	} `yaml:"builder"`
	Schema model.Schema `yaml:"schema"`
	Query  model.Query  `yaml:"query"`
}

func loadTemplates() (*templates, error) {
	var t templates
	if err := yaml.NewDecoder(bytes.NewReader(templatesYAML), yaml.Strict()).Decode(&t); err != nil {
		return nil, fmt.Errorf("account templates: %w", err)
	}
	return &t, nil
}

// EnsureAccount provisions the node's builder account, then its
// commit-reveal schema, then its query. The account counts as provisioned
// only once the builder owns both, so a run interrupted after any step is
// completed by the next one. Any lookup failure other than not found aborts
// before anything is created.
func (h *Handlers) EnsureAccount(ctx context.Context) error {
	did := h.keys.DID()

	b, err := h.svc.Builders.Find(ctx, did)
	exists := err == nil
	switch {
	case exists:
		if b.OwnsSchema(SharesSchemaID) && b.OwnsQuery(SharesQueryID) {
			h.logger().Debugf("node account %s exists", did)
			return nil
		}
		h.logger().Warnf("node account %s is incomplete, resuming provisioning", did)
	case errors.Is(err, builders.ErrNotFound):
	default:
		return fmt.Errorf("look up node account: %w", err)
	}

	t, err := loadTemplates()
	if err != nil {
		return err
	}

	if !exists {
		err := h.svc.Builders.Insert(ctx, &model.Builder{DID: did, Name: t.Builder.Name, Schemas: []string{}, Queries: []string{}})
		if err != nil && !errors.Is(err, builders.ErrDuplicate) {
			return fmt.Errorf("create node builder: %w", err)
		}
	}

	schema := t.Schema
	schema.Owner = did
	if err := h.svc.Schemas.Ensure(ctx, &schema); err != nil {
		return fmt.Errorf("create commit-reveal schema: %w", err)
	}

	query := t.Query
	query.Owner = did
	if err := h.svc.Queries.Ensure(ctx, &query); err != nil {
		return fmt.Errorf("create commit-reveal query: %w", err)
	}

	h.logger().Infof("node account %s provisioned", did)
	return nil
}
