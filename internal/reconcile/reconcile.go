// Package reconcile repairs the owner references of owned records. Creating
// or deleting owned records touches the record and its owner's user document
// in separate steps; when one step fails the two drift apart until the
// reconciler runs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/logging"
	"github.com/nildb/nildb/internal/metrics"
	"github.com/nildb/nildb/internal/model"
)

type Store interface {
	FindSchemas(ctx context.Context, filter database.Filter) ([]model.Schema, error)
	ReferencedSchemaIDs(ctx context.Context) ([]string, error)
	SchemaReferences(ctx context.Context, schemaID string) ([]database.OwnerRef, error)
	DocumentOwners(ctx context.Context, schemaID string) ([]database.OwnerRef, error)
	AddUserData(ctx context.Context, did string, refs []model.DataRef, perms []model.Permission) error
	RemoveUserData(ctx context.Context, did string, refs []model.DataRef) error
}

// Progress is told about every schema done.
type Progress interface {
	Add(n int) error
}

// Report counts the repairs of a run.
type Report struct {
	Schemas  int `json:"schemas"`
	Attached int `json:"attached"`
	Detached int `json:"detached"`
}

func (r *Report) add(o Report) {
	r.Schemas += o.Schemas
	r.Attached += o.Attached
	r.Detached += o.Detached
}

type Reconciler struct {
	store    Store
	progress func(total int) Progress
	log      *logging.Logger
}

func New(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// WithProgress sets a constructor for the progress reporter of each run,
// given the number of schemas the run visits.
func (r *Reconciler) WithProgress(f func(total int) Progress) *Reconciler {
	r.progress = f
	return r
}

func (r *Reconciler) WithLogger(log *logging.Logger) *Reconciler {
	r.log = log
	return r
}

func (r *Reconciler) logger() *logging.Logger {
	if r.log == nil {
		return logging.Discard()
	}
	return r.log
}

type target struct {
	schemaID string
	// owned schemas keep the references of their records, everything else
	// should have none.
	owned bool
}

func (r *Reconciler) plan(ctx context.Context) ([]target, error) {
	schemas, err := r.store.FindSchemas(ctx, database.Filter{})
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	referenced, err := r.store.ReferencedSchemaIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list referenced schemas: %w", err)
	}

	known := make(map[string]model.DocumentType, len(schemas))
	var targets []target
	for _, s := range schemas {
		known[s.ID] = s.DocumentType
		if s.DocumentType == model.DocumentTypeOwned {
			targets = append(targets, target{schemaID: s.ID, owned: true})
		}
	}
	for _, id := range referenced {
		if typ, ok := known[id]; !ok || typ != model.DocumentTypeOwned {
			targets = append(targets, target{schemaID: id})
		}
	}
	return targets, nil
}

// Run checks every owned schema, and every schema user documents point
// into, attaching missing references and detaching dangling ones. It goes
// on past failing schemas and returns their errors joined.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	metrics.LastReconcileStart.SetToCurrentTime()
	metrics.ReconcileCount.Inc()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		metrics.LastReconcileEnd.SetToCurrentTime()
	}()

	var report Report
	targets, err := r.plan(ctx)
	if err != nil {
		metrics.ReconcileFailed.Inc()
		return report, err
	}

	var progress Progress
	if r.progress != nil {
		progress = r.progress(len(targets))
	}

	var errs []error
	for _, t := range targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		rep, err := r.schema(ctx, t)
		report.add(rep)
		if err != nil {
			r.logger().Warnf("reconciling schema %s: %v", t.schemaID, err)
			errs = append(errs, fmt.Errorf("schema %s: %w", t.schemaID, err))
		}
		if progress != nil {
			_ = progress.Add(1)
		}
	}

	if len(errs) > 0 {
		metrics.ReconcileFailed.Inc()
	}
	if report.Attached > 0 || report.Detached > 0 {
		r.logger().Infof("reconciled %d schema(s): %d reference(s) attached, %d detached", report.Schemas, report.Attached, report.Detached)
	}
	return report, errors.Join(errs...)
}

func key(ref database.OwnerRef) string {
	return ref.Owner + "/" + ref.Document
}

func (r *Reconciler) schema(ctx context.Context, t target) (Report, error) {
	report := Report{Schemas: 1}

	refs, err := r.store.SchemaReferences(ctx, t.schemaID)
	if err != nil {
		return report, err
	}

	var docs []database.OwnerRef
	if t.owned {
		docs, err = r.store.DocumentOwners(ctx, t.schemaID)
		if err != nil && !errors.Is(err, database.ErrCollectionNotFound) {
			return report, err
		}
	}

	have := make(map[string]bool, len(refs))
	for _, ref := range refs {
		have[key(ref)] = true
	}
	want := make(map[string]bool, len(docs))
	attach := map[string][]model.DataRef{}
	for _, doc := range docs {
		if doc.Owner == "" {
			continue
		}
		want[key(doc)] = true
		if !have[key(doc)] {
			attach[doc.Owner] = append(attach[doc.Owner], model.DataRef{Schema: t.schemaID, ID: doc.Document})
		}
	}
	detach := map[string][]model.DataRef{}
	for _, ref := range refs {
		if !want[key(ref)] {
			detach[ref.Owner] = append(detach[ref.Owner], model.DataRef{Schema: t.schemaID, ID: ref.Document})
		}
	}

	var errs []error
	for _, owner := range slices.Sorted(maps.Keys(detach)) {
		if err := r.store.RemoveUserData(ctx, owner, detach[owner]); err != nil && !database.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("detach from %s: %w", owner, err))
			continue
		}
		report.Detached += len(detach[owner])
		metrics.ReconcileRepairs.WithLabelValues("detach").Add(float64(len(detach[owner])))
	}
	for _, owner := range slices.Sorted(maps.Keys(attach)) {
		if err := r.store.AddUserData(ctx, owner, attach[owner], nil); err != nil {
			errs = append(errs, fmt.Errorf("attach to %s: %w", owner, err))
			continue
		}
		report.Attached += len(attach[owner])
		metrics.ReconcileRepairs.WithLabelValues("attach").Add(float64(len(attach[owner])))
	}
	return report, errors.Join(errs...)
}
