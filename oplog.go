package bunstore

import (
	"context"
	"errors"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/record"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Oplog operation kinds.
const (
	OpInsert  = "i"
	OpUpdate  = "u"
	OpDelete  = "d"
	OpCommand = "c"
)

// OplogOperation is one logical change of a committed transaction.
type OplogOperation struct {
	Op             string           `json:"op"`
	Namespace      string           `json:"ns"`
	CollectionUUID string           `json:"ui,omitempty"`
	RecordID       record.RecordID  `json:"rid,omitempty"`
	Doc            storage.Document `json:"o,omitempty"` // full image for i and u
}

// OplogEntry describes everything one commit changed, derived from the
// log independent of page layout.
type OplogEntry struct {
	CommitTs mvcc.Timestamp   `json:"ts"`
	TxnID    uint64           `json:"txn"`
	Ops      []OplogOperation `json:"ops"`
}

var errFound = errors.New("found")

// GetOplogEntry returns the logical changes committed at commitTs. Capped
// evictions are not included; a replica evicts on its own. A timestamp
// older than the retained log is SnapshotTooOld.
func (d *Database) GetOplogEntry(ctx context.Context, commitTs mvcc.Timestamp) (*OplogEntry, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	pending := make(map[uint64][]*wal.Record)
	var (
		entry  *OplogEntry
		oldest mvcc.Timestamp
		recs   []*wal.Record
	)
	err := d.wal.Scan(func(rec *wal.Record) error {
		if err := storeerr.CheckContext(ctx); err != nil {
			return err
		}
		ts := mvcc.Timestamp(rec.Timestamp)
		switch rec.Type {
		case wal.RecordTypePut, wal.RecordTypeStop, wal.RecordTypeDelete:
			pending[rec.TxnID] = append(pending[rec.TxnID], rec)
		case wal.RecordTypeAbort:
			delete(pending, rec.TxnID)
		case wal.RecordTypeCommit, wal.RecordTypeCatalog:
			if oldest == 0 || ts < oldest {
				oldest = ts
			}
			if ts != commitTs {
				delete(pending, rec.TxnID)
				return nil
			}
			entry = &OplogEntry{CommitTs: ts, TxnID: rec.TxnID}
			if rec.Type == wal.RecordTypeCatalog {
				entry.Ops = []OplogOperation{{Op: OpCommand, Doc: storage.Document{"catalog_version": uint64(ts)}}}
				return errFound
			}
			recs = pending[rec.TxnID]
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return nil, err
	}
	if entry == nil {
		if (oldest == 0 || commitTs < oldest) && commitTs <= d.snapshots.LastCommitted() {
			return nil, storeerr.Newf(storeerr.CodeSnapshotTooOld, "commit %s is older than the retained log", commitTs)
		}
		return nil, storeerr.Newf(storeerr.CodeNoSuchTransaction, "no commit at %s", commitTs)
	}
	if entry.Ops == nil {
		ops, err := d.logicalOps(commitTs, recs)
		if err != nil {
			return nil, err
		}
		entry.Ops = ops
	}
	return entry, nil
}

// logicalOps turns the record-store records of one commit into operations.
// A put of a record the commit also stopped is an update; a stop alone is a
// delete.
func (d *Database) logicalOps(ts mvcc.Timestamp, recs []*wal.Record) ([]OplogOperation, error) {
	cat := d.catalogAt(ts)
	latest := d.catalog.Latest()
	owner := func(storeID uint64) (*catalog.Collection, bool) {
		for _, c := range []*catalog.Catalog{cat, latest} {
			for _, coll := range c.Collections {
				if coll.StoreID == storeID {
					return coll, true
				}
			}
		}
		return nil, false
	}

	stopped := make(map[string]bool)
	put := make(map[string]bool)
	for _, rec := range recs {
		if _, ok := owner(rec.StoreID); !ok {
			continue
		}
		switch rec.Type {
		case wal.RecordTypeStop:
			if len(rec.Value) > 0 && rec.Value[0]&record.FlagEvicted != 0 {
				continue
			}
			if rid, _, ok := mvcc.SplitVersionKey(rec.Key); ok {
				stopped[string(rid)] = true
			}
		case wal.RecordTypePut:
			if rid, _, ok := mvcc.SplitVersionKey(rec.Key); ok {
				put[string(rid)] = true
			}
		}
	}

	var ops []OplogOperation
	for _, rec := range recs {
		coll, ok := owner(rec.StoreID)
		if !ok {
			continue
		}
		switch rec.Type {
		case wal.RecordTypePut:
			v, err := record.DecodeVersion(rec.Key, rec.Value)
			if err != nil {
				return nil, err
			}
			doc, err := v.Document()
			if err != nil {
				return nil, err
			}
			op := OpInsert
			if stopped[string(v.RecordID)] {
				op = OpUpdate
			}
			ops = append(ops, OplogOperation{Op: op, Namespace: coll.Name, CollectionUUID: coll.UUID, RecordID: v.RecordID, Doc: doc})
		case wal.RecordTypeStop:
			rid, _, ok := mvcc.SplitVersionKey(rec.Key)
			if !ok || !stopped[string(rid)] || put[string(rid)] {
				continue
			}
			ops = append(ops, OplogOperation{Op: OpDelete, Namespace: coll.Name, CollectionUUID: coll.UUID, RecordID: record.RecordID(rid)})
		}
	}
	return ops, nil
}
