package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/index"
	"github.com/kartikbazzad/bunbase/bunstore/internal/keystring"
	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/record"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// change is one record-level effect of a commit, including evictions.
type change struct {
	coll   *catalog.Collection
	rid    record.RecordID
	oldDoc storage.Document // nil for inserts
	newDoc storage.Document // nil for deletes
}

// plan is the list of log records a commit at ts would write, built against
// the newest committed state under the commit latch.
type plan struct {
	m    *Manager
	txn  *Transaction
	cat  *catalog.Catalog
	ts   mvcc.Timestamp
	recs []*wal.Record

	changes      []change
	touched      map[string]bool // record keys stopped or written by this plan
	stoppedEntry map[string]bool // index entries (store, key, rid) stopped by this plan
	addedKey     map[string]string
	sideSeq      uint32
	reservations []string
	assigned     map[string]record.RecordID // staged id -> id assigned at commit
}

func entryKey(storeID uint64, key, rid []byte) string {
	b := keystring.AppendUint64(nil, storeID)
	b = keystring.AppendUint64(b, uint64(len(key)))
	b = append(b, key...)
	return string(append(b, rid...))
}

func recordReservation(storeID uint64, rid []byte) string {
	return "r:" + writeKey(storeID, rid)
}

func uniqueReservation(storeID uint64, key []byte) string {
	return "u:" + string(keystring.AppendUint64(nil, storeID)) + string(key)
}

func (m *Manager) plan(ctx context.Context, txn *Transaction, cat *catalog.Catalog, ts mvcc.Timestamp) (*plan, error) {
	p := &plan{
		m:            m,
		txn:          txn,
		cat:          cat,
		ts:           ts,
		touched:      make(map[string]bool),
		stoppedEntry: make(map[string]bool),
		addedKey:     make(map[string]string),
		assigned:     make(map[string]record.RecordID),
	}
	capped := make(map[uint64]*capUsage)

	for _, w := range txn.Writes() {
		if err := storeerr.CheckContext(ctx); err != nil {
			return nil, err
		}
		if err := p.planRecord(ctx, w, capped); err != nil {
			return nil, err
		}
	}
	for _, u := range capped {
		if err := p.evict(ctx, u); err != nil {
			return nil, err
		}
	}
	for _, c := range p.changes {
		if err := p.planIndexes(ctx, c, false); err != nil {
			return nil, err
		}
	}
	for _, c := range p.changes {
		if err := p.planIndexes(ctx, c, true); err != nil {
			return nil, err
		}
	}
	return p, nil
}

type capUsage struct {
	coll  *catalog.Collection
	rs    *record.Store
	docs  int64
	bytes int64
}

func (p *plan) checkReservation(key string) error {
	if id, held := p.m.reservedBy(key, p.txn.ID); held {
		return storeerr.Newf(storeerr.CodeWriteConflict, "write conflicts with prepared transaction %d", id)
	}
	return nil
}

func (p *plan) planRecord(ctx context.Context, w *Write, capped map[uint64]*capUsage) error {
	coll, ok := p.cat.CollectionByUUID(w.CollectionUUID)
	if !ok || coll.StoreID != w.StoreID {
		return storeerr.Newf(storeerr.CodeWriteConflict, "collection %q was dropped or recreated", w.Collection)
	}
	rs, err := p.m.cfg.Stores.RecordStore(coll.StoreID)
	if err != nil {
		return err
	}
	rid := w.RecordID
	if w.Kind == OpInsert && coll.Options.Capped && !coll.Options.Clustered {
		// Capped heap ids are taken here, under the commit latch, so record
		// id order is commit order.
		if rid, err = rs.NewRecordID(w.Doc); err != nil {
			return err
		}
		p.assigned[writeKey(coll.StoreID, w.RecordID)] = rid
	}
	resv := recordReservation(coll.StoreID, rid)
	if err := p.checkReservation(resv); err != nil {
		return err
	}
	p.reservations = append(p.reservations, resv)

	latest, found, err := rs.Latest(ctx, rid)
	if err != nil {
		return err
	}
	c := change{coll: coll, rid: rid}
	var delta, deltaDocs int64

	switch w.Kind {
	case OpInsert:
		if found && latest.Live() {
			if coll.Options.Clustered {
				return storeerr.Newf(storeerr.CodeDuplicateKey,
					"E11000 duplicate key error collection: %s record %x", coll.Name, []byte(rid))
			}
			return storeerr.Newf(storeerr.CodeWriteConflict, "record %x already exists", []byte(rid))
		}
		c.newDoc = w.Doc
		deltaDocs, delta = 1, int64(len(w.Payload))
	case OpUpdate, OpDelete:
		if !found || !latest.Live() || latest.Start != w.Base {
			return storeerr.Newf(storeerr.CodeWriteConflict,
				"record %x in %s was modified by a concurrent transaction", []byte(rid), coll.Name)
		}
		old, err := latest.Document()
		if err != nil {
			return err
		}
		c.oldDoc = old
		p.recs = append(p.recs, p.stopRecord(coll.StoreID, latest.Key, 0))
		if w.Kind == OpUpdate {
			c.newDoc = w.Doc
			delta = int64(len(w.Payload) - len(latest.Payload))
		} else {
			deltaDocs, delta = -1, -int64(len(latest.Payload))
		}
	}
	if c.newDoc != nil {
		p.recs = append(p.recs, &wal.Record{
			TxnID:   p.txn.ID,
			Type:    wal.RecordTypePut,
			StoreID: coll.StoreID,
			Key:     mvcc.VersionKey(rid, p.ts),
			Value:   record.EncodeValue(0, 0, w.Payload),
		})
	}
	p.touched[writeKey(coll.StoreID, rid)] = true
	p.changes = append(p.changes, c)

	if coll.Options.Capped {
		u, ok := capped[coll.StoreID]
		if !ok {
			u = &capUsage{coll: coll, rs: rs}
			u.docs, u.bytes = rs.Usage()
			capped[coll.StoreID] = u
		}
		u.docs += deltaDocs
		u.bytes += delta
	}
	return nil
}

func (p *plan) stopRecord(storeID uint64, key []byte, flags byte) *wal.Record {
	return &wal.Record{
		TxnID:     p.txn.ID,
		Type:      wal.RecordTypeStop,
		StoreID:   storeID,
		Key:       key,
		Timestamp: uint64(p.ts),
		Value:     []byte{flags},
	}
}

// evict stops the oldest live records of a capped collection until the
// commit fits its limits.
func (p *plan) evict(ctx context.Context, u *capUsage) error {
	opts := u.coll.Options
	over := func() bool {
		return (opts.MaxDocs > 0 && u.docs > opts.MaxDocs) || (opts.MaxBytes > 0 && u.bytes > opts.MaxBytes)
	}
	if !over() {
		return nil
	}
	return u.rs.OldestLive(ctx, func(v record.Version) (bool, error) {
		key := writeKey(u.coll.StoreID, v.RecordID)
		if p.touched[key] {
			return true, nil
		}
		if _, held := p.m.reservedBy(recordReservation(u.coll.StoreID, v.RecordID), p.txn.ID); held {
			return true, nil
		}
		old, err := v.Document()
		if err != nil {
			return false, err
		}
		p.recs = append(p.recs, p.stopRecord(u.coll.StoreID, v.Key, record.FlagEvicted))
		p.touched[key] = true
		p.changes = append(p.changes, change{coll: u.coll, rid: v.RecordID, oldDoc: old})
		u.docs--
		u.bytes -= int64(len(v.Payload))
		return over(), nil
	})
}

func keySet(ix *index.Index, doc storage.Document) (map[string][]byte, error) {
	out := make(map[string][]byte)
	if doc == nil {
		return out, nil
	}
	keys, err := ix.Keys(doc)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		out[string(k)] = k
	}
	return out, nil
}

// planIndexes writes the index side of one change. Removals run for every
// change before any addition so a key moving between records in the same
// commit is not reported as a duplicate.
func (p *plan) planIndexes(ctx context.Context, c change, additions bool) error {
	for _, entry := range c.coll.Indexes {
		ix, err := p.m.cfg.Stores.Index(c.coll, entry)
		if err != nil {
			return err
		}
		oldKeys, err := keySet(ix, c.oldDoc)
		if err != nil {
			return err
		}
		newKeys, err := keySet(ix, c.newDoc)
		if err != nil {
			return err
		}
		if !additions {
			for s, k := range oldKeys {
				if _, kept := newKeys[s]; kept {
					continue
				}
				if err := p.removeKey(ctx, entry, ix, k, c.rid); err != nil {
					return err
				}
			}
			continue
		}
		for s, k := range newKeys {
			if _, kept := oldKeys[s]; kept {
				continue
			}
			if err := p.addKey(ctx, entry, ix, k, c.rid); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *plan) removeKey(ctx context.Context, entry *catalog.IndexEntry, ix *index.Index, key []byte, rid record.RecordID) error {
	if !entry.Ready {
		p.side(entry, index.SideWrite{Op: index.SideRemove, Key: key, RecordID: rid, Ts: p.ts})
		return nil
	}
	live, err := ix.LiveEntries(ctx, key, rid)
	if err != nil {
		return err
	}
	for _, ek := range live {
		p.recs = append(p.recs, p.stopRecord(entry.StoreID, ek, 0))
	}
	p.stoppedEntry[entryKey(entry.StoreID, key, rid)] = true
	return nil
}

func (p *plan) addKey(ctx context.Context, entry *catalog.IndexEntry, ix *index.Index, key []byte, rid record.RecordID) error {
	if !entry.Ready {
		p.side(entry, index.SideWrite{Op: index.SideInsert, Key: key, RecordID: rid, Ts: p.ts})
		return nil
	}
	if ix.Unique() {
		resv := uniqueReservation(entry.StoreID, key)
		if err := p.checkReservation(resv); err != nil {
			return err
		}
		p.reservations = append(p.reservations, resv)

		ak := string(keystring.AppendUint64(nil, entry.StoreID)) + string(key)
		if holder, ok := p.addedKey[ak]; ok && holder != string(rid) {
			return storeerr.Newf(storeerr.CodeDuplicateKey,
				"E11000 duplicate key error index: %s dup key: %x", ix.Name(), key)
		}
		p.addedKey[ak] = string(rid)

		ignore := func(other []byte) bool {
			return p.stoppedEntry[entryKey(entry.StoreID, key, other)]
		}
		if err := ix.CheckUniqueLatest(ctx, key, rid, p.txn.ReadTs, ignore); err != nil {
			return err
		}
	}
	p.recs = append(p.recs, &wal.Record{
		TxnID:   p.txn.ID,
		Type:    wal.RecordTypePut,
		StoreID: entry.StoreID,
		Key:     index.EntryKey(key, rid, p.ts),
		Value:   index.EntryValue(0, rid),
	})
	return nil
}

func (p *plan) side(entry *catalog.IndexEntry, sw index.SideWrite) {
	p.sideSeq++
	p.recs = append(p.recs, &wal.Record{
		TxnID:   p.txn.ID,
		Type:    wal.RecordTypePut,
		StoreID: entry.SideStoreID,
		Key:     index.SideKey(p.ts, p.sideSeq),
		Value:   sw.Encode(),
	})
}

// Commit makes the transaction's writes durable and visible at a new commit
// timestamp. On a conflict the transaction is aborted unless it is prepared,
// in which case the caller must decide again.
func (m *Manager) Commit(ctx context.Context, txn *Transaction) (mvcc.Timestamp, error) {
	switch txn.Status() {
	case StatusCommitted:
		return txn.CommitTs, nil
	case StatusAborted:
		return 0, storeerr.Newf(storeerr.CodeNoSuchTransaction, "transaction %d was aborted", txn.ID)
	case StatusPreparing:
		return 0, storeerr.Newf(storeerr.CodeIllegalOperation, "transaction %d is preparing", txn.ID)
	}
	prepared := txn.Status() == StatusPrepared
	start := time.Now()

	if len(txn.Writes()) == 0 && !prepared {
		txn.CommitTs = txn.ReadTs
		m.finish(txn, StatusCommitted)
		return txn.CommitTs, nil
	}

	release, err := m.commitLatch(ctx)
	if err != nil {
		return 0, m.fail(txn, prepared, err)
	}
	ts, lsn, err := m.commitLocked(ctx, txn)
	release()
	if err != nil {
		if ts != 0 {
			// Logged but not applied: recovery commits it, so it is not aborted.
			return 0, err
		}
		return 0, m.fail(txn, prepared, err)
	}

	if prepared {
		m.unreserve(txn)
	}
	txn.CommitTs = ts
	m.finish(txn, StatusCommitted)
	metrics.CommitDuration.Observe(time.Since(start).Seconds())

	if err := m.cfg.WAL.Flush(ctx, lsn); err != nil {
		return ts, err
	}
	return ts, nil
}

func (m *Manager) commitLocked(ctx context.Context, txn *Transaction) (mvcc.Timestamp, wal.LSN, error) {
	ts := m.cfg.Snapshots.NextCommitTimestamp()
	p, err := m.plan(ctx, txn, m.cfg.Catalog.Latest(), ts)
	if err != nil {
		return 0, 0, err
	}
	recs := append(p.recs, &wal.Record{TxnID: txn.ID, Type: wal.RecordTypeCommit, Timestamp: uint64(ts)})
	lsn, err := m.cfg.WAL.AppendBatch(recs)
	if err != nil {
		return 0, 0, err
	}

	// The commit is in the log; applying it must not be interrupted.
	applyCtx := context.WithoutCancel(ctx)
	for _, rec := range p.recs {
		if err := m.cfg.Apply(applyCtx, rec); err != nil {
			m.log.Error("failed to apply committed write", "txn_id", txn.ID, "lsn", rec.LSN, "error", err)
			return ts, lsn, m.Poison(fmt.Errorf("apply committed transaction %d: %w", txn.ID, err))
		}
	}
	m.cfg.Snapshots.Publish(ts)
	txn.setAssigned(p.assigned)
	return ts, lsn, nil
}

func (m *Manager) fail(txn *Transaction, prepared bool, err error) error {
	if code := storeerr.CodeOf(err); code == storeerr.CodeWriteConflict || code == storeerr.CodeDuplicateKey {
		metrics.ConflictsTotal.WithLabelValues(code.String()).Inc()
	}
	if !prepared {
		m.finish(txn, StatusAborted)
	}
	return err
}

// Prepare durably records the write set without making it visible. The
// records and unique keys it writes are reserved until Commit or Abort, so
// a later commit of the prepared transaction cannot conflict.
func (m *Manager) Prepare(ctx context.Context, txn *Transaction) (mvcc.Timestamp, error) {
	if st := txn.Status(); st != StatusActive {
		return 0, storeerr.Newf(storeerr.CodeIllegalOperation, "cannot prepare a %s transaction", st)
	}
	if txn.OpCount() == 0 {
		return 0, storeerr.New(storeerr.CodeInvalidOptions, "cannot prepare a transaction that executed no operations")
	}
	txn.mu.Lock()
	temp := txn.temp
	txn.mu.Unlock()
	if temp {
		return 0, storeerr.New(storeerr.CodeOperationNotSupportedInTransaction,
			"cannot prepare a transaction that wrote to a temporary collection")
	}

	txn.setStatus(StatusPreparing)
	release, err := m.commitLatch(ctx)
	if err != nil {
		txn.setStatus(StatusActive)
		return 0, err
	}
	ts := m.cfg.Snapshots.Clock().Next()
	p, err := m.plan(ctx, txn, m.cfg.Catalog.Latest(), ts)
	if err != nil {
		release()
		return 0, m.fail(txn, false, err)
	}
	body, err := txn.encodePrepared()
	if err != nil {
		release()
		return 0, m.fail(txn, false, err)
	}
	lsn, err := m.cfg.WAL.Append(&wal.Record{
		TxnID:     txn.ID,
		Type:      wal.RecordTypePrepare,
		Value:     body,
		Timestamp: uint64(ts),
	})
	if err != nil {
		release()
		return 0, m.fail(txn, false, err)
	}
	m.reserve(txn, p.reservations)
	txn.PrepareTs = ts
	txn.prepareLSN = lsn
	txn.setStatus(StatusPrepared)
	release()

	if err := m.cfg.WAL.Flush(ctx, lsn); err != nil {
		return ts, err
	}
	return ts, nil
}
