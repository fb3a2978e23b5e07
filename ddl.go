package bunstore

import (
	"context"
	"errors"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/indexbuild"
	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// CreateCollection creates a collection. Non-clustered collections get the
// unique _id_ index.
func (d *Database) CreateCollection(ctx context.Context, name string, opts catalog.CollectionOptions) (*catalog.Collection, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var created *catalog.Collection
	err := d.ddl(ctx, "create_collection", func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error) {
		next, coll, err := cur.WithCollection(ts, name, opts)
		created = coll
		return next, err
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("collection created", "collection", name, "uuid", created.UUID, "capped", opts.Capped, "clustered", opts.Clustered)
	return created, nil
}

// DropCollection drops a collection and aborts its index builds. Snapshots
// opened before the drop keep reading it until they end.
func (d *Database) DropCollection(ctx context.Context, name string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	coll, err := d.catalog.Latest().Collection(name)
	if err != nil {
		return err
	}
	if err := d.builds.AbortForCollection(ctx, coll.UUID, "collection dropped"); err != nil {
		return err
	}
	err = d.ddl(ctx, "drop_collection", func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error) {
		next, _, err := cur.WithoutCollection(ts, name)
		return next, err
	})
	if err == nil {
		d.log.Info("collection dropped", "collection", name)
	}
	return err
}

// Collection returns the latest definition of a collection.
func (d *Database) Collection(name string) (*catalog.Collection, error) {
	return d.catalog.Latest().Collection(name)
}

// ListCollections returns the collection names in order.
func (d *Database) ListCollections() []string {
	return d.catalog.Latest().Names()
}

// CreateIndex builds an index and waits for it to become ready. If ctx ends
// first the build is aborted.
func (d *Database) CreateIndex(ctx context.Context, collName string, spec catalog.IndexSpec) error {
	b, err := d.StartIndexBuild(ctx, collName, spec)
	if err != nil {
		return err
	}
	if err := b.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			if aerr := b.Abort(context.WithoutCancel(ctx), "create index interrupted"); aerr != nil {
				d.log.Warn("failed to abort interrupted index build", "error", aerr)
			}
		}
		return err
	}
	return nil
}

// StartIndexBuild starts building an index in the background. The index is
// invisible to reads until the build commits.
func (d *Database) StartIndexBuild(ctx context.Context, collName string, spec catalog.IndexSpec) (*indexbuild.Build, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	b, err := d.builds.Start(ctx, collName, spec)
	metrics.OperationsTotal.WithLabelValues("create_index", statusLabel(err)).Inc()
	return b, err
}

// DropIndex removes an index. Dropping a building index aborts its build.
func (d *Database) DropIndex(ctx context.Context, collName, indexName string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if indexName == catalog.IDIndexName {
		return storeerr.New(storeerr.CodeInvalidOptions, "cannot drop the _id_ index")
	}
	coll, err := d.catalog.Latest().Collection(collName)
	if err != nil {
		return err
	}
	entry, err := coll.Index(indexName)
	if err != nil {
		return err
	}
	if entry.Building() {
		err := d.builds.Abort(ctx, entry.BuildUUID, "index dropped")
		if err == nil || !storeerr.Is(err, storeerr.CodeIllegalOperation) {
			return err
		}
		// The build is committing; drop the ready index below.
		if b, ok := d.builds.Get(entry.BuildUUID); ok {
			if err := b.Wait(ctx); err != nil {
				return err
			}
		}
	}
	return d.ddl(ctx, "drop_index", func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error) {
		next, _, err := cur.WithoutIndex(ts, collName, indexName)
		return next, err
	})
}

// AbortIndexBuild aborts a running build and removes its index.
func (d *Database) AbortIndexBuild(ctx context.Context, buildUUID, reason string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.builds.Abort(ctx, buildUUID, reason)
}

// IndexBuilds returns the progress of the running builds.
func (d *Database) IndexBuilds() []indexbuild.State {
	active := d.builds.Active()
	out := make([]indexbuild.State, 0, len(active))
	for _, b := range active {
		out = append(out, b.State())
	}
	return out
}

// ddl commits one catalog change under the commit latch.
func (d *Database) ddl(ctx context.Context, op string, fn func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error)) error {
	release, err := d.txns.Latch(ctx)
	if err != nil {
		return err
	}
	_, err = d.commitCatalogLocked(ctx, fn)
	release()
	metrics.OperationsTotal.WithLabelValues(op, statusLabel(err)).Inc()
	return err
}

// statusLabel is the metrics label for an operation outcome.
func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var se *storeerr.Error
	if errors.As(err, &se) {
		return se.Code.String()
	}
	return "error"
}
