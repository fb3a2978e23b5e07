package transaction

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/index"
	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/record"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

type testEnv struct {
	t       *testing.T
	bp      *storage.BufferPool
	filters *index.FilterCache
	sm      *mvcc.SnapshotManager
	reg     *catalog.Registry
	wal     *wal.WAL
	mgr     *Manager
	records map[uint64]*record.Store
	indexes map[uint64]*index.Index
	trees   map[uint64]*storage.BPlusTree
}

func newTestEnv(t *testing.T, budget int64) *testEnv {
	t.Helper()
	dir := t.TempDir()
	pager, err := storage.NewPager(filepath.Join(dir, "data.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create pager: %v", err)
	}
	t.Cleanup(func() { pager.Close() })
	w, err := wal.Open(filepath.Join(dir, "wal"), wal.Options{SyncMode: wal.SyncNone, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	filters, err := index.NewFilterCache(8)
	if err != nil {
		t.Fatalf("Failed to create filter cache: %v", err)
	}

	e := &testEnv{
		t:       t,
		bp:      storage.NewBufferPool(256, pager),
		filters: filters,
		sm:      mvcc.NewSnapshotManager(mvcc.NewClock(), time.Hour),
		reg:     catalog.NewRegistry(catalog.New()),
		wal:     w,
		records: make(map[uint64]*record.Store),
		indexes: make(map[uint64]*index.Index),
		trees:   make(map[uint64]*storage.BPlusTree),
	}
	e.mgr = NewManager(Config{
		WAL:              w,
		Snapshots:        e.sm,
		Catalog:          e.reg,
		Stores:           e,
		Apply:            e.apply,
		MaxWriteSetBytes: budget,
		Logger:           logger.Discard(),
	})
	return e
}

func (e *testEnv) tree(id uint64) *storage.BPlusTree {
	if tr, ok := e.trees[id]; ok {
		return tr
	}
	tr, err := storage.NewBPlusTree(e.bp)
	if err != nil {
		e.t.Fatalf("Failed to create tree: %v", err)
	}
	e.trees[id] = tr
	return tr
}

func (e *testEnv) RecordStore(id uint64) (*record.Store, error) {
	rs, ok := e.records[id]
	if !ok {
		return nil, storeerr.Newf(storeerr.CodeNamespaceNotFound, "store %d", id)
	}
	return rs, nil
}

func (e *testEnv) Index(coll *catalog.Collection, entry *catalog.IndexEntry) (*index.Index, error) {
	if ix, ok := e.indexes[entry.StoreID]; ok {
		return ix, nil
	}
	ix, err := index.Open(entry.Spec, e.tree(entry.StoreID), e.filters)
	if err != nil {
		return nil, err
	}
	e.indexes[entry.StoreID] = ix
	return ix, nil
}

func (e *testEnv) apply(ctx context.Context, rec *wal.Record) error {
	if rs, ok := e.records[rec.StoreID]; ok {
		switch rec.Type {
		case wal.RecordTypePut:
			v, err := record.DecodeVersion(rec.Key, rec.Value)
			if err != nil {
				return err
			}
			return rs.Put(ctx, v.RecordID, v.Start, v.Payload)
		case wal.RecordTypeStop:
			return rs.SetStop(ctx, rec.Key, mvcc.Timestamp(rec.Timestamp), rec.Value[0])
		}
		return nil
	}
	if ix, ok := e.indexes[rec.StoreID]; ok && rec.Type == wal.RecordTypeStop {
		return ix.SetStop(ctx, rec.Key, mvcc.Timestamp(rec.Timestamp))
	}
	return e.tree(rec.StoreID).Insert(ctx, rec.Key, rec.Value)
}

func (e *testEnv) createCollection(name string, opts catalog.CollectionOptions) *catalog.Collection {
	e.t.Helper()
	ts := e.sm.NextCommitTimestamp()
	next, coll, err := e.reg.Latest().WithCollection(ts, name, opts)
	if err != nil {
		e.t.Fatalf("Failed to create collection: %v", err)
	}
	if err := e.reg.Install(next); err != nil {
		e.t.Fatalf("Failed to install catalog: %v", err)
	}
	rs, err := record.Open(context.Background(), coll.StoreID, e.tree(coll.StoreID), record.Options{
		Clustered: opts.Clustered,
		Capped:    opts.Capped,
		MaxDocs:   opts.MaxDocs,
		MaxBytes:  opts.MaxBytes,
	})
	if err != nil {
		e.t.Fatalf("Failed to open record store: %v", err)
	}
	e.records[coll.StoreID] = rs
	e.sm.Publish(ts)
	return coll
}

func (e *testEnv) begin() *Transaction {
	e.t.Helper()
	txn, err := e.mgr.Begin(context.Background(), BeginOptions{})
	if err != nil {
		e.t.Fatalf("Failed to begin transaction: %v", err)
	}
	return txn
}

func (e *testEnv) insert(txn *Transaction, coll *catalog.Collection, doc storage.Document) (record.RecordID, error) {
	e.t.Helper()
	rid, err := e.records[coll.StoreID].NewRecordID(doc)
	if err != nil {
		e.t.Fatalf("Failed to allocate record id: %v", err)
	}
	txn.CountOp()
	return rid, e.mgr.Stage(context.Background(), txn, &Write{
		Kind:           OpInsert,
		Collection:     coll.Name,
		CollectionUUID: coll.UUID,
		StoreID:        coll.StoreID,
		RecordID:       rid,
		Doc:            doc,
	})
}

func (e *testEnv) modify(txn *Transaction, coll *catalog.Collection, rid record.RecordID, kind OpKind, doc storage.Document) error {
	e.t.Helper()
	v, ok, err := e.records[coll.StoreID].Get(context.Background(), rid, txn.ReadTs)
	if err != nil || !ok {
		e.t.Fatalf("Record %x not visible: %v", []byte(rid), err)
	}
	txn.CountOp()
	return e.mgr.Stage(context.Background(), txn, &Write{
		Kind:           kind,
		Collection:     coll.Name,
		CollectionUUID: coll.UUID,
		StoreID:        coll.StoreID,
		RecordID:       rid,
		Doc:            doc,
		Base:           v.Start,
	})
}

func (e *testEnv) commit(txn *Transaction) mvcc.Timestamp {
	e.t.Helper()
	ts, err := e.mgr.Commit(context.Background(), txn)
	if err != nil {
		e.t.Fatalf("Failed to commit: %v", err)
	}
	return ts
}

func TestCommitVisibility(t *testing.T) {
	e := newTestEnv(t, 0)
	coll := e.createCollection("users", catalog.CollectionOptions{})

	reader := e.begin()
	txn := e.begin()
	rid, err := e.insert(txn, coll, storage.Document{"_id": "u1", "name": "Alice"})
	if err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	ts := e.commit(txn)
	if txn.Status() != StatusCommitted || ts <= reader.ReadTs {
		t.Fatalf("Unexpected commit state %s at %s", txn.Status(), ts)
	}

	rs := e.records[coll.StoreID]
	if _, ok, _ := rs.Get(context.Background(), rid, reader.ReadTs); ok {
		t.Error("Commit after the snapshot must not be visible")
	}
	after := e.begin()
	v, ok, err := rs.Get(context.Background(), rid, after.ReadTs)
	if err != nil || !ok {
		t.Fatalf("Committed record not visible: %v", err)
	}
	doc, _ := v.Document()
	if doc["name"] != "Alice" {
		t.Errorf("Unexpected document %v", doc)
	}

	if err := e.mgr.Abort(context.Background(), reader); err != nil {
		t.Errorf("Failed to abort reader: %v", err)
	}
	if err := e.mgr.Abort(context.Background(), reader); err != nil {
		t.Errorf("Second abort should be a no-op: %v", err)
	}
	if err := e.mgr.Abort(context.Background(), txn); !storeerr.Is(err, storeerr.CodeIllegalOperation) {
		t.Errorf("Expected IllegalOperation aborting a committed transaction, got %v", err)
	}
	e.mgr.Abort(context.Background(), after)
	if n := e.mgr.GetActiveTransactionCount(); n != 0 {
		t.Errorf("Expected no active transactions, got %d", n)
	}
}

func TestConcurrentUpdateConflicts(t *testing.T) {
	e := newTestEnv(t, 0)
	coll := e.createCollection("items", catalog.CollectionOptions{})

	setup := e.begin()
	rid, err := e.insert(setup, coll, storage.Document{"_id": 1, "n": 0})
	if err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	e.commit(setup)

	t1, t2 := e.begin(), e.begin()
	if err := e.modify(t1, coll, rid, OpUpdate, storage.Document{"_id": 1, "n": 1}); err != nil {
		t.Fatalf("Failed to stage update: %v", err)
	}
	if err := e.modify(t2, coll, rid, OpUpdate, storage.Document{"_id": 1, "n": 2}); err != nil {
		t.Fatalf("Failed to stage update: %v", err)
	}
	e.commit(t1)

	if _, err := e.mgr.Commit(context.Background(), t2); !storeerr.Is(err, storeerr.CodeWriteConflict) {
		t.Fatalf("Expected WriteConflict, got %v", err)
	}
	if t2.Status() != StatusAborted {
		t.Errorf("Conflicting transaction should be aborted, is %s", t2.Status())
	}
	if _, err := e.mgr.Commit(context.Background(), t2); !storeerr.Is(err, storeerr.CodeNoSuchTransaction) {
		t.Errorf("Expected NoSuchTransaction committing an aborted transaction, got %v", err)
	}
}

func TestUniqueIDConflicts(t *testing.T) {
	e := newTestEnv(t, 0)
	coll := e.createCollection("users", catalog.CollectionOptions{})

	t1, t2 := e.begin(), e.begin()
	if _, err := e.insert(t1, coll, storage.Document{"_id": "same"}); err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	if _, err := e.insert(t2, coll, storage.Document{"_id": "same"}); err != nil {
		t.Fatalf("Concurrent insert should stage: %v", err)
	}
	e.commit(t1)
	if _, err := e.mgr.Commit(context.Background(), t2); !storeerr.Is(err, storeerr.CodeWriteConflict) {
		t.Errorf("Expected WriteConflict for a concurrent duplicate, got %v", err)
	}

	t3 := e.begin()
	if _, err := e.insert(t3, coll, storage.Document{"_id": "same"}); !storeerr.Is(err, storeerr.CodeDuplicateKey) {
		t.Errorf("Expected DuplicateKey for a visible duplicate, got %v", err)
	}
	if _, err := e.insert(t3, coll, storage.Document{"_id": "other"}); err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	if _, err := e.insert(t3, coll, storage.Document{"_id": "other"}); !storeerr.Is(err, storeerr.CodeDuplicateKey) {
		t.Errorf("Expected DuplicateKey within one transaction, got %v", err)
	}
}

func TestClusteredCollisionIsDuplicateKey(t *testing.T) {
	e := newTestEnv(t, 0)
	coll := e.createCollection("events", catalog.CollectionOptions{Clustered: true})

	t1, t2 := e.begin(), e.begin()
	if _, err := e.insert(t1, coll, storage.Document{"_id": 7}); err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	if _, err := e.insert(t2, coll, storage.Document{"_id": 7}); err != nil {
		t.Fatalf("Concurrent insert should stage: %v", err)
	}
	e.commit(t1)
	if _, err := e.mgr.Commit(context.Background(), t2); !storeerr.Is(err, storeerr.CodeDuplicateKey) {
		t.Errorf("Expected DuplicateKey for a clustered collision, got %v", err)
	}
}

func TestKeyMovesBetweenRecordsInOneCommit(t *testing.T) {
	e := newTestEnv(t, 0)
	coll := e.createCollection("users", catalog.CollectionOptions{})

	setup := e.begin()
	rid, err := e.insert(setup, coll, storage.Document{"_id": "a"})
	if err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	e.commit(setup)

	txn := e.begin()
	if err := e.modify(txn, coll, rid, OpDelete, nil); err != nil {
		t.Fatalf("Failed to stage delete: %v", err)
	}
	if _, err := e.insert(txn, coll, storage.Document{"_id": "a", "v": 2}); err != nil {
		t.Fatalf("Re-insert of a deleted key should stage: %v", err)
	}
	e.commit(txn)
}

func TestStageFolding(t *testing.T) {
	e := newTestEnv(t, 0)
	coll := e.createCollection("users", catalog.CollectionOptions{})

	txn := e.begin()
	rid, err := e.insert(txn, coll, storage.Document{"_id": 1})
	if err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	doc, found, deleted := txn.Lookup(coll.StoreID, rid)
	if !found || deleted || doc["_id"] != 1 {
		t.Errorf("Lookup returned %v %v %v", doc, found, deleted)
	}
	txn.stage(&Write{Kind: OpDelete, StoreID: coll.StoreID, RecordID: rid}, 0)
	if n := len(txn.Writes()); n != 0 {
		t.Errorf("Insert then delete should leave no writes, got %d", n)
	}
	if _, err := e.mgr.Commit(context.Background(), txn); err != nil {
		t.Errorf("Empty commit failed: %v", err)
	}
}

func TestWriteSetBudget(t *testing.T) {
	e := newTestEnv(t, 64)
	coll := e.createCollection("blobs", catalog.CollectionOptions{})

	txn := e.begin()
	big := make([]byte, 100)
	for i := range big {
		big[i] = 'x'
	}
	if _, err := e.insert(txn, coll, storage.Document{"_id": 1, "data": string(big)}); !storeerr.Is(err, storeerr.CodeTemporarilyUnavailable) {
		t.Errorf("Expected TemporarilyUnavailable, got %v", err)
	}
}

func TestCappedEviction(t *testing.T) {
	e := newTestEnv(t, 0)
	coll := e.createCollection("log", catalog.CollectionOptions{Capped: true, MaxDocs: 2})

	var rids []record.RecordID
	for i := 0; i < 3; i++ {
		txn := e.begin()
		rid, err := e.insert(txn, coll, storage.Document{"_id": i})
		if err != nil {
			t.Fatalf("Failed to stage insert %d: %v", i, err)
		}
		e.commit(txn)
		rids = append(rids, txn.CommittedRecordID(coll.StoreID, rid))
	}

	rs := e.records[coll.StoreID]
	if docs, _ := rs.Usage(); docs != 2 {
		t.Errorf("Expected 2 live documents, got %d", docs)
	}
	latest, ok, err := rs.Latest(context.Background(), rids[0])
	if err != nil || !ok {
		t.Fatalf("Failed to read oldest record: %v", err)
	}
	if latest.Live() || latest.Flags&record.FlagEvicted == 0 {
		t.Errorf("Oldest record should be evicted, got %+v", latest)
	}

	// The evicted document's _id is free again.
	txn := e.begin()
	if _, err := e.insert(txn, coll, storage.Document{"_id": 0}); err != nil {
		t.Errorf("Evicted _id should be reusable: %v", err)
	}
}

func TestCappedIDsFollowCommitOrder(t *testing.T) {
	e := newTestEnv(t, 0)
	coll := e.createCollection("log", catalog.CollectionOptions{Capped: true, MaxDocs: 3})
	rs := e.records[coll.StoreID]
	ctx := context.Background()

	slow := e.begin()
	staged, err := e.insert(slow, coll, storage.Document{"_id": "straggler"})
	if err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	for i := 0; i < 4; i++ {
		txn := e.begin()
		if _, err := e.insert(txn, coll, storage.Document{"_id": i}); err != nil {
			t.Fatalf("Failed to stage insert %d: %v", i, err)
		}
		e.commit(txn)
	}
	e.commit(slow)

	final := slow.CommittedRecordID(coll.StoreID, staged)
	if bytes.Equal(final, staged) {
		t.Fatalf("Capped insert should be renumbered at commit")
	}
	if _, ok, _ := rs.Latest(ctx, staged); ok {
		t.Errorf("Nothing should be stored under the staged id")
	}

	for i := 4; i < 7; i++ {
		txn := e.begin()
		if _, err := e.insert(txn, coll, storage.Document{"_id": i}); err != nil {
			t.Fatalf("Failed to stage insert %d: %v", i, err)
		}
		e.commit(txn)
	}

	var live []interface{}
	err = rs.OldestLive(ctx, func(v record.Version) (bool, error) {
		doc, err := v.Document()
		if err != nil {
			return false, err
		}
		live = append(live, doc["_id"])
		return true, nil
	})
	if err != nil {
		t.Fatalf("Failed to walk live records: %v", err)
	}
	want := []interface{}{float64(4), float64(5), float64(6)}
	if len(live) != len(want) {
		t.Fatalf("Expected live %v, got %v", want, live)
	}
	for i := range want {
		if live[i] != want[i] {
			t.Errorf("Expected live %v, got %v", want, live)
			break
		}
	}
}

func TestPrepareReservesAndCommits(t *testing.T) {
	e := newTestEnv(t, 0)
	coll := e.createCollection("accounts", catalog.CollectionOptions{})
	ctx := context.Background()

	empty := e.begin()
	if _, err := e.mgr.Prepare(ctx, empty); !storeerr.Is(err, storeerr.CodeInvalidOptions) {
		t.Errorf("Expected InvalidOptions preparing an empty transaction, got %v", err)
	}

	setup := e.begin()
	rid, err := e.insert(setup, coll, storage.Document{"_id": "acct", "balance": 10})
	if err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	e.commit(setup)

	prep := e.begin()
	if err := e.modify(prep, coll, rid, OpUpdate, storage.Document{"_id": "acct", "balance": 5}); err != nil {
		t.Fatalf("Failed to stage update: %v", err)
	}
	prepareTs, err := e.mgr.Prepare(ctx, prep)
	if err != nil {
		t.Fatalf("Failed to prepare: %v", err)
	}
	if prep.Status() != StatusPrepared || prepareTs <= prep.ReadTs {
		t.Fatalf("Unexpected prepare state %s at %s", prep.Status(), prepareTs)
	}
	if _, ok := e.mgr.OldestPrepareLSN(); !ok {
		t.Error("Prepared transaction should pin the log")
	}

	other := e.begin()
	if err := e.modify(other, coll, rid, OpUpdate, storage.Document{"_id": "acct", "balance": 99}); err != nil {
		t.Fatalf("Failed to stage update: %v", err)
	}
	if _, err := e.mgr.Commit(ctx, other); !storeerr.Is(err, storeerr.CodeWriteConflict) {
		t.Errorf("Expected WriteConflict against a prepared transaction, got %v", err)
	}

	commitTs := e.commit(prep)
	if commitTs < prepareTs {
		t.Errorf("Commit timestamp %s must not precede prepare timestamp %s", commitTs, prepareTs)
	}
	if _, ok := e.mgr.OldestPrepareLSN(); ok {
		t.Error("Committed transaction should release the log")
	}
	v, ok, _ := e.records[coll.StoreID].Get(ctx, rid, commitTs)
	if !ok {
		t.Fatal("Prepared write not visible after commit")
	}
	doc, _ := v.Document()
	if doc["balance"] != float64(5) {
		t.Errorf("Unexpected balance %v", doc["balance"])
	}
}

func TestRestorePreparedTransaction(t *testing.T) {
	e := newTestEnv(t, 0)
	coll := e.createCollection("accounts", catalog.CollectionOptions{})
	ctx := context.Background()

	prep := e.begin()
	rid, err := e.insert(prep, coll, storage.Document{"_id": "p"})
	if err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	if _, err := e.mgr.Prepare(ctx, prep); err != nil {
		t.Fatalf("Failed to prepare: %v", err)
	}

	result, err := e.wal.Replay(0, func(*wal.Record) error { return nil })
	if err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	if len(result.Prepared) != 1 {
		t.Fatalf("Expected one undecided transaction, got %d", len(result.Prepared))
	}

	restarted := NewManager(e.mgr.cfg)
	txn, err := restarted.Restore(ctx, result.Prepared[0])
	if err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}
	if txn.ID != prep.ID || txn.Status() != StatusPrepared || txn.PrepareTs != prep.PrepareTs {
		t.Errorf("Restored transaction %d is %s at %s", txn.ID, txn.Status(), txn.PrepareTs)
	}
	if _, found, _ := txn.Lookup(coll.StoreID, rid); !found {
		t.Error("Restored write set is missing the insert")
	}
	if id := restarted.NextTxnID(); id <= prep.ID {
		t.Errorf("New ids must follow restored ones, got %d", id)
	}
	if err := restarted.Abort(ctx, txn); err != nil {
		t.Errorf("Failed to abort restored transaction: %v", err)
	}
	if n := restarted.GetActiveTransactionCount(); n != 0 {
		t.Errorf("Expected no active transactions, got %d", n)
	}
}

func TestLatchHonorsContext(t *testing.T) {
	e := newTestEnv(t, 0)
	release, err := e.mgr.Latch(context.Background())
	if err != nil {
		t.Fatalf("Failed to take latch: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := e.mgr.Latch(ctx); !storeerr.Is(err, storeerr.CodeMaxTimeMSExpired) {
		t.Errorf("Expected MaxTimeMSExpired waiting for a held latch, got %v", err)
	}
}

func TestCommitLatchTimeoutIsResourceError(t *testing.T) {
	e := newTestEnv(t, 0)
	e.mgr.cfg.LatchTimeout = 10 * time.Millisecond
	coll := e.createCollection("c", catalog.CollectionOptions{})

	txn := e.begin()
	if _, err := e.insert(txn, coll, storage.Document{"_id": 1}); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}
	release, err := e.mgr.Latch(context.Background())
	if err != nil {
		t.Fatalf("Failed to take latch: %v", err)
	}
	_, err = e.mgr.Commit(context.Background(), txn)
	release()
	if !storeerr.Is(err, storeerr.CodeTemporarilyUnavailable) {
		t.Errorf("Expected TemporarilyUnavailable while the latch is held, got %v", err)
	}
	if storeerr.IsTransientConflict(err) {
		t.Error("A latch timeout must not be reported as a conflict")
	}
}

func TestApplyFailureAfterLoggingStopsCommits(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, 0)
	coll := e.createCollection("c", catalog.CollectionOptions{})
	calls := 0
	e.mgr.cfg.Apply = func(ctx context.Context, rec *wal.Record) error {
		calls++
		if calls == 2 {
			return storeerr.New(storeerr.CodeTemporarilyUnavailable, "every frame is pinned")
		}
		return e.apply(ctx, rec)
	}

	txn := e.begin()
	first, err := e.insert(txn, coll, storage.Document{"_id": 1})
	if err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	if _, err := e.insert(txn, coll, storage.Document{"_id": 2}); err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	published := e.sm.LastCommitted()

	_, err = e.mgr.Commit(ctx, txn)
	if !storeerr.Is(err, storeerr.CodeStorageUnavailable) {
		t.Fatalf("Expected StorageUnavailable, got %v", err)
	}
	if storeerr.IsRetryable(err) {
		t.Errorf("A half-applied commit must not be retryable")
	}
	if txn.Status() == StatusAborted {
		t.Errorf("A logged commit must not be reported as aborted")
	}
	if e.mgr.Err() == nil {
		t.Fatalf("Manager should be stopped")
	}
	if e.sm.LastCommitted() != published {
		t.Errorf("The half-applied commit must not be published")
	}

	next := e.begin()
	if _, err := e.insert(next, coll, storage.Document{"_id": 3}); err != nil {
		t.Fatalf("Failed to stage insert: %v", err)
	}
	if _, err := e.mgr.Commit(ctx, next); !storeerr.Is(err, storeerr.CodeStorageUnavailable) {
		t.Errorf("Expected later commits to fail with StorageUnavailable, got %v", err)
	}
	if _, err := e.mgr.Latch(ctx); !storeerr.Is(err, storeerr.CodeStorageUnavailable) {
		t.Errorf("Expected the latch to refuse, got %v", err)
	}
	if _, ok, _ := e.records[coll.StoreID].Get(ctx, first, e.sm.LastCommitted()); ok {
		t.Errorf("The applied half of the commit must stay invisible")
	}
}
