package bunstore

import (
	"context"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/indexbuild"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
)

// ValidateResult reports the structural check of a collection.
type ValidateResult struct {
	Collection string                             `json:"collection"`
	Valid      bool                               `json:"valid"`
	Records    *storage.ValidateResult            `json:"records"`
	Indexes    map[string]*storage.ValidateResult `json:"indexes"`
}

// Validate walks the record store and every index of a collection, checking
// key order and encoding. The hashes are equal for equal contents, so two
// copies of a database can be compared.
func (d *Database) Validate(ctx context.Context, collName string) (*ValidateResult, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	coll, err := d.catalog.Latest().Collection(collName)
	if err != nil {
		return nil, err
	}
	rs, err := d.recordStore(coll.StoreID)
	if err != nil {
		return nil, err
	}
	out := &ValidateResult{Collection: coll.Name, Indexes: make(map[string]*storage.ValidateResult)}
	if out.Records, err = rs.Validate(ctx); err != nil {
		return nil, err
	}
	out.Valid = out.Records.Valid()
	for _, entry := range coll.Indexes {
		ix, err := d.index(coll, entry)
		if err != nil {
			return nil, err
		}
		r, err := ix.Validate(ctx)
		if err != nil {
			return nil, err
		}
		out.Indexes[entry.Spec.Name] = r
		out.Valid = out.Valid && r.Valid()
	}
	if !out.Valid {
		d.log.Error("collection failed validation", "collection", coll.Name)
	}
	return out, nil
}

// Stats is a point-in-time view of engine state.
type Stats struct {
	CacheResident   int                  `json:"cache_resident"`
	CacheDirty      int                  `json:"cache_dirty"`
	CachePinned     int                  `json:"cache_pinned"`
	WALLSN          wal.LSN              `json:"wal_lsn"`
	WALDurableLSN   wal.LSN              `json:"wal_durable_lsn"`
	CheckpointLSN   wal.LSN              `json:"checkpoint_lsn"`
	LastCommitted   mvcc.Timestamp       `json:"last_committed"`
	OldestPinned    mvcc.Timestamp       `json:"oldest_pinned"`
	ActiveTxns      int                  `json:"active_transactions"`
	PreparedTxns    int                  `json:"prepared_transactions"`
	CatalogVersions int                  `json:"catalog_versions"`
	Collections     map[string]CollStats `json:"collections"`
	IndexBuilds     []indexbuild.State   `json:"index_builds,omitempty"`
	GC              mvcc.GCStats         `json:"gc"`
}

// CollStats is the live size of one collection.
type CollStats struct {
	Docs    int64                     `json:"docs"`
	Bytes   int64                     `json:"bytes"`
	Options catalog.CollectionOptions `json:"options"`
	Indexes []string                  `json:"indexes"`
}

// Stats returns engine statistics.
func (d *Database) Stats() Stats {
	resident, dirty, pinned := d.bp.Stats()
	s := Stats{
		CacheResident:   resident,
		CacheDirty:      dirty,
		CachePinned:     pinned,
		WALLSN:          d.wal.GetCurrentLSN(),
		WALDurableLSN:   d.wal.DurableLSN(),
		CheckpointLSN:   wal.LSN(d.ckptLSN.Load()),
		LastCommitted:   d.snapshots.LastCommitted(),
		OldestPinned:    d.snapshots.OldestPinned(),
		ActiveTxns:      d.txns.GetActiveTransactionCount(),
		PreparedTxns:    len(d.txns.Prepared()),
		CatalogVersions: d.catalog.Len(),
		Collections:     make(map[string]CollStats),
		IndexBuilds:     d.IndexBuilds(),
		GC:              d.gc.GetStats(),
	}
	cat := d.catalog.Latest()
	for name, coll := range cat.Collections {
		cs := CollStats{Options: coll.Options}
		if rs, err := d.recordStore(coll.StoreID); err == nil {
			cs.Docs, cs.Bytes = rs.Usage()
		}
		for _, e := range coll.Indexes {
			cs.Indexes = append(cs.Indexes, e.Spec.Name)
		}
		s.Collections[name] = cs
	}
	return s
}
