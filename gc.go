package bunstore

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
)

// reclaim is one garbage collection cycle: versions and index entries
// stopped at or before oldest are removed, then stores dropped before oldest
// are released and unreachable catalog versions pruned.
func (d *Database) reclaim(ctx context.Context, oldest mvcc.Timestamp) (int, error) {
	removed, err := d.reclaimVersions(ctx, oldest)
	if err != nil {
		return removed, err
	}
	if err := d.reapDropped(ctx, oldest); err != nil {
		return removed, err
	}
	d.catalog.Prune(oldest)
	return removed, nil
}

func (d *Database) reclaimVersions(ctx context.Context, oldest mvcc.Timestamp) (int, error) {
	resume := d.pauseCheckpoints()
	defer resume()

	type reclaimer interface {
		Reclaim(ctx context.Context, oldest mvcc.Timestamp) (int, error)
	}
	var targets []reclaimer
	cat := d.catalog.Latest()
	d.storesMu.RLock()
	for _, coll := range cat.Collections {
		if rs, ok := d.records[coll.StoreID]; ok {
			targets = append(targets, rs)
		}
		for _, entry := range coll.Indexes {
			// A building index may be in bulk load.
			if !entry.Ready {
				continue
			}
			if ix, ok := d.indexes[entry.StoreID]; ok {
				targets = append(targets, ix)
			}
		}
	}
	d.storesMu.RUnlock()

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range targets {
		g.Go(func() error {
			n, err := t.Reclaim(gctx, oldest)
			total.Add(int64(n))
			return err
		})
	}
	err := g.Wait()
	return int(total.Load()), err
}

// reapDropped releases the trees of drops no snapshot can still read.
func (d *Database) reapDropped(ctx context.Context, oldest mvcc.Timestamp) error {
	cat := d.catalog.Latest()
	if _, reaped := cat.WithoutDropped(oldest); len(reaped) == 0 {
		return nil
	}
	release, err := d.txns.Latch(ctx)
	if err != nil {
		return err
	}
	defer release()

	next, reaped := d.catalog.Latest().WithoutDropped(oldest)
	if len(reaped) == 0 {
		return nil
	}
	if err := d.installCatalog(ctx, next); err != nil {
		return err
	}
	for _, r := range reaped {
		d.log.Info("reaped dropped store", "store", r.StoreID, "namespace", r.Namespace, "drop_ts", r.DropTs)
	}
	return nil
}

// AdvanceOldestTimestamp raises the retention horizon, replacing the history
// window. Versions older than ts become reclaimable once no snapshot pins
// them.
func (d *Database) AdvanceOldestTimestamp(ts mvcc.Timestamp) {
	d.snapshots.AdvanceOldestTimestamp(ts)
}

// CollectGarbage runs one reclaim cycle now.
func (d *Database) CollectGarbage(ctx context.Context) (int, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	return d.gc.RunOnce(ctx)
}

// catalogAt returns the catalog version a snapshot at ts binds.
func (d *Database) catalogAt(ts mvcc.Timestamp) *catalog.Catalog {
	return d.catalog.At(ts)
}
