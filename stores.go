package bunstore

import (
	"context"
	"errors"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/index"
	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/record"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// openTree loads the tree of a store, or creates it when root is zero, and
// tracks its root for the next checkpoint. Caller holds storesMu.
func (d *Database) openTree(ctx context.Context, id uint64, root storage.PageID) (*storage.BPlusTree, error) {
	var (
		tree *storage.BPlusTree
		err  error
	)
	if root == 0 {
		tree, err = storage.NewBPlusTree(d.bp)
	} else {
		tree, err = storage.LoadBPlusTree(ctx, d.bp, root)
	}
	if err != nil {
		return nil, err
	}
	tree.SetOnRootChange(func(p storage.PageID) {
		d.rootsMu.Lock()
		d.roots[id] = p
		d.rootsMu.Unlock()
	})
	d.rootsMu.Lock()
	d.roots[id] = tree.GetRootID()
	d.rootsMu.Unlock()
	d.trees[id] = tree
	return tree, nil
}

func recordOptions(coll *catalog.Collection) record.Options {
	return record.Options{
		Clustered:  coll.Options.Clustered,
		ClusterKey: coll.ClusterKey(),
		Capped:     coll.Options.Capped,
		MaxDocs:    coll.Options.MaxDocs,
		MaxBytes:   coll.Options.MaxBytes,
	}
}

// openStores opens every tree the catalog references that is not open yet.
// roots gives the checkpointed root of existing stores; others start empty.
func (d *Database) openStores(ctx context.Context, cat *catalog.Catalog, roots map[uint64]storage.PageID) error {
	d.storesMu.Lock()
	defer d.storesMu.Unlock()

	for id := range cat.LiveStores() {
		if _, ok := d.trees[id]; ok {
			continue
		}
		if _, err := d.openTree(ctx, id, roots[id]); err != nil {
			return err
		}
	}
	for _, coll := range cat.Collections {
		if _, ok := d.records[coll.StoreID]; !ok {
			rs, err := record.Open(ctx, coll.StoreID, d.trees[coll.StoreID], recordOptions(coll))
			if err != nil {
				return err
			}
			d.records[coll.StoreID] = rs
		}
		for _, entry := range coll.Indexes {
			if _, ok := d.indexes[entry.StoreID]; !ok {
				ix, err := index.Open(entry.Spec, d.trees[entry.StoreID], d.filters)
				if err != nil {
					return err
				}
				d.indexes[entry.StoreID] = ix
			}
			if entry.SideStoreID != 0 {
				d.sides[entry.SideStoreID] = true
			}
		}
	}
	return nil
}

// installCatalog publishes a catalog version: its new stores are opened,
// stores it no longer names for reading are marked dropped, and stores it
// does not reference at all are released. The caller holds the commit latch
// or is recovering.
func (d *Database) installCatalog(ctx context.Context, next *catalog.Catalog) error {
	prev := d.catalog.Latest()
	if err := d.openStores(ctx, next, nil); err != nil {
		return err
	}
	if err := d.catalog.Install(next); err != nil {
		return err
	}

	readable := make(map[uint64]bool)
	for _, coll := range next.Collections {
		for _, id := range coll.StoreIDs() {
			readable[id] = true
		}
	}
	live := next.LiveStores()

	d.storesMu.Lock()
	defer d.storesMu.Unlock()
	for _, coll := range prev.Collections {
		for _, id := range coll.StoreIDs() {
			if readable[id] {
				continue
			}
			if rs, ok := d.records[id]; ok {
				rs.MarkDropped()
			}
			if ix, ok := d.indexes[id]; ok {
				ix.MarkDropped()
			}
		}
	}
	for id := range d.trees {
		if !live[id] {
			d.releaseStoreLocked(ctx, id)
		}
	}
	return nil
}

// releaseStoreLocked frees the pages of a store no catalog version can
// reach. Caller holds storesMu.
func (d *Database) releaseStoreLocked(ctx context.Context, id uint64) {
	tree := d.trees[id]
	if rs, ok := d.records[id]; ok {
		rs.MarkDropped()
	}
	if ix, ok := d.indexes[id]; ok {
		ix.MarkDropped()
	}
	delete(d.trees, id)
	delete(d.records, id)
	delete(d.indexes, id)
	delete(d.sides, id)
	d.rootsMu.Lock()
	delete(d.roots, id)
	d.rootsMu.Unlock()
	if err := tree.Drop(ctx); err != nil {
		d.log.Warn("failed to free dropped store pages", "store", id, "error", err)
	}
	d.log.Info("released dropped store", "store", id)
}

func (d *Database) recordStore(id uint64) (*record.Store, error) {
	d.storesMu.RLock()
	defer d.storesMu.RUnlock()
	rs, ok := d.records[id]
	if !ok {
		return nil, storeerr.Newf(storeerr.CodeNamespaceNotFound, "record store %d is not open", id)
	}
	return rs, nil
}

func (d *Database) index(coll *catalog.Collection, entry *catalog.IndexEntry) (*index.Index, error) {
	d.storesMu.RLock()
	defer d.storesMu.RUnlock()
	ix, ok := d.indexes[entry.StoreID]
	if !ok {
		return nil, storeerr.Newf(storeerr.CodeIndexNotFound, "index %q on %q is not open", entry.Spec.Name, coll.Name)
	}
	return ix, nil
}

func (d *Database) sideTable(id uint64) (*storage.BPlusTree, error) {
	d.storesMu.RLock()
	defer d.storesMu.RUnlock()
	if !d.sides[id] {
		return nil, storeerr.Newf(storeerr.CodeIndexNotFound, "side-writes table %d is not open", id)
	}
	return d.trees[id], nil
}

// apply applies one logged record. Commits, index build drains and recovery
// all go through it, so replaying a record that was already applied must
// leave the same state.
func (d *Database) apply(ctx context.Context, rec *wal.Record) error {
	switch rec.Type {
	case wal.RecordTypeCatalog:
		cat, err := catalog.Unmarshal(rec.Value)
		if err != nil {
			return err
		}
		if cat.Version <= d.catalog.Latest().Version && d.catalog.Latest().Version != 0 {
			return nil
		}
		return d.installCatalog(ctx, cat)
	case wal.RecordTypePut, wal.RecordTypeStop, wal.RecordTypeDelete:
	default:
		return nil
	}

	d.storesMu.RLock()
	tree := d.trees[rec.StoreID]
	rs := d.records[rec.StoreID]
	ix := d.indexes[rec.StoreID]
	d.storesMu.RUnlock()
	if tree == nil {
		return storeerr.Newf(storeerr.CodeDataCorruption, "log record %d names unknown store %d", rec.LSN, rec.StoreID)
	}

	switch rec.Type {
	case wal.RecordTypePut:
		if rs != nil {
			v, err := record.DecodeVersion(rec.Key, rec.Value)
			if err != nil {
				return err
			}
			return rs.Put(ctx, v.RecordID, v.Start, v.Payload)
		}
		return tree.Insert(ctx, rec.Key, rec.Value)
	case wal.RecordTypeStop:
		stop := mvcc.Timestamp(rec.Timestamp)
		switch {
		case rs != nil:
			var flags byte
			if len(rec.Value) > 0 {
				flags = rec.Value[0]
			}
			return rs.SetStop(ctx, rec.Key, stop, flags)
		case ix != nil:
			return ix.SetStop(ctx, rec.Key, stop)
		}
		return storeerr.Newf(storeerr.CodeDataCorruption, "stop record %d on store %d without versions", rec.LSN, rec.StoreID)
	default:
		err := tree.Delete(ctx, rec.Key)
		if errors.Is(err, util.ErrKeyNotFound) {
			return nil
		}
		return err
	}
}

// host adapts the database to the interfaces the transaction manager and
// the index builder drive.
type host struct {
	d *Database
}

func (h host) Catalog() *catalog.Registry { return h.d.catalog }

func (h host) Snapshots() *mvcc.SnapshotManager { return h.d.snapshots }

func (h host) WAL() *wal.WAL { return h.d.wal }

func (h host) Latch(ctx context.Context) (func(), error) { return h.d.txns.Latch(ctx) }

func (h host) NextTxnID() uint64 { return h.d.txns.NextTxnID() }

func (h host) Poison(cause error) error { return h.d.txns.Poison(cause) }

func (h host) RecordStore(id uint64) (*record.Store, error) { return h.d.recordStore(id) }

func (h host) Index(coll *catalog.Collection, entry *catalog.IndexEntry) (*index.Index, error) {
	return h.d.index(coll, entry)
}

func (h host) SideTable(id uint64) (*storage.BPlusTree, error) { return h.d.sideTable(id) }

func (h host) Apply(ctx context.Context, rec *wal.Record) error { return h.d.apply(ctx, rec) }

func (h host) CommitCatalogLocked(ctx context.Context, fn func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error)) (*catalog.Catalog, error) {
	return h.d.commitCatalogLocked(ctx, fn)
}

func (h host) PauseCheckpoints() func() { return h.d.pauseCheckpoints() }

func (h host) Checkpoint(ctx context.Context) error { return h.d.checkpoint(ctx) }
