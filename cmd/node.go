package cmd

import (
	"context"
	"errors"

	"github.com/nildb/nildb/internal/builders"
	"github.com/nildb/nildb/internal/bus"
	"github.com/nildb/nildb/internal/cache"
	"github.com/nildb/nildb/internal/config"
	"github.com/nildb/nildb/internal/data"
	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/identity"
	"github.com/nildb/nildb/internal/logging"
	"github.com/nildb/nildb/internal/migrations"
	"github.com/nildb/nildb/internal/model"
	"github.com/nildb/nildb/internal/nilcomm"
	"github.com/nildb/nildb/internal/queries"
	"github.com/nildb/nildb/internal/reconcile"
	"github.com/nildb/nildb/internal/schemas"
	"github.com/nildb/nildb/internal/users"
)

// node is the set of components a command works with.
type node struct {
	config   *config.Root
	log      *logging.Logger
	db       *database.Database
	keys     *identity.Keypair
	builders *builders.Directory
	schemas  *schemas.Registry
	queries  *queries.Registry
	users    *users.Service
	data     *data.Engine
}

// open connects to the database, applying pending migrations when migrate
// is set, and wires the components on top of it. The node key is loaded
// when configured.
func open(ctx context.Context, cfg *config.Root, log *logging.Logger, migrate bool) (*node, error) {
	db, err := migrations.New().
		WithConfig(cfg.Database).
		WithLogger(log).
		WithMigrate(migrate).
		Run(ctx)
	if err != nil {
		return nil, err
	}

	n := &node{config: cfg, log: log, db: db}
	if key := cfg.Node.Key(); key != "" {
		if n.keys, err = identity.FromHex(key); err != nil {
			db.CloseDB()
			return nil, err
		}
	}

	n.builders = builders.New(db).
		WithCache(cache.New[string, *model.Builder]()).
		WithLogger(log)
	if n.keys != nil {
		n.builders = n.builders.WithNodeDID(n.keys.DID())
	}
	n.schemas = schemas.New(db, n.builders).
		WithCacheSize(cfg.Service.ValidatorCacheSize).
		WithLogger(log)
	n.queries = queries.New(db, n.builders).WithLogger(log)
	n.users = users.New(db).WithLogger(log)
	n.data = data.New(db, n.schemas, n.users).
		WithTailLimit(cfg.Service.TailLimit).
		WithLogger(log)
	return n, nil
}

func (n *node) close() {
	n.db.CloseDB()
}

func (n *node) keypair() (*identity.Keypair, error) {
	if n.keys == nil {
		return nil, errors.New("node.private_key is not configured, see 'nildb keygen'")
	}
	return n.keys, nil
}

// bus connects to Redis when configured and falls back to an in-process bus.
func (n *node) bus() bus.Bus {
	if n.config.Bus.Redis != nil {
		return bus.NewRedis(n.config.Bus.Redis).WithConcurrency(n.config.Service.Concurrency).WithLogger(n.log)
	}
	n.log.Warnf("no bus configured, commands are only accepted from within the process")
	return bus.NewMemory().WithConcurrency(n.config.Service.Concurrency)
}

func (n *node) handlers(pub bus.Publisher) (*nilcomm.Handlers, error) {
	keys, err := n.keypair()
	if err != nil {
		return nil, err
	}
	svc := nilcomm.Services{
		Builders: n.builders,
		Schemas:  n.schemas,
		Queries:  n.queries,
		Records:  n.data,
		Executor: n.queries,
	}
	return nilcomm.New(keys, svc, pub).WithLogger(n.log), nil
}

func (n *node) reconciler() *reconcile.Reconciler {
	return reconcile.New(n.db).WithLogger(n.log)
}
