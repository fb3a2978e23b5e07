package bunstore

import (
	"bytes"
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/index"
	"github.com/kartikbazzad/bunbase/bunstore/internal/keystring"
	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunstore/internal/transaction"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/record"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Transactional is the transaction capability of an engine.
type Transactional interface {
	OpenTransaction(ctx context.Context, rc ReadConcern) (*TxnHandle, error)
	Commit(ctx context.Context, h *TxnHandle) (mvcc.Timestamp, error)
	Abort(ctx context.Context, h *TxnHandle) error
}

var _ Transactional = (*Database)(nil)

// ReadConcernLevel selects which commits a transaction reads.
type ReadConcernLevel string

const (
	ReadConcernLocal    ReadConcernLevel = "local"
	ReadConcernMajority ReadConcernLevel = "majority"
	ReadConcernSnapshot ReadConcernLevel = "snapshot"
)

// ReadConcern configures the snapshot of a new transaction. On a single
// node every level reads the newest commit; AtClusterTime, allowed only
// with the snapshot level, reads an older one.
type ReadConcern struct {
	Level         ReadConcernLevel
	AtClusterTime mvcc.Timestamp
}

// TxnHandle is an open transaction.
type TxnHandle struct {
	db  *Database
	txn *transaction.Transaction
}

// ID returns the transaction id.
func (h *TxnHandle) ID() uint64 { return h.txn.ID }

// ReadTs returns the snapshot timestamp.
func (h *TxnHandle) ReadTs() mvcc.Timestamp { return h.txn.ReadTs }

// Status returns the lifecycle state.
func (h *TxnHandle) Status() transaction.Status { return h.txn.Status() }

// CommittedRecordID returns the id a document inserted by this transaction
// was stored under. Inserts into capped collections receive their id at
// commit, so the id returned by Insert is only valid inside the transaction.
func (h *TxnHandle) CommittedRecordID(collection string, rid record.RecordID) (record.RecordID, error) {
	coll, err := h.txn.Catalog.Collection(collection)
	if err != nil {
		return nil, err
	}
	return h.txn.CommittedRecordID(coll.StoreID, rid), nil
}

// OpenTransaction begins a transaction.
func (d *Database) OpenTransaction(ctx context.Context, rc ReadConcern) (*TxnHandle, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	switch rc.Level {
	case "", ReadConcernLocal, ReadConcernMajority, ReadConcernSnapshot:
	default:
		return nil, storeerr.Newf(storeerr.CodeInvalidOptions, "unknown read concern level %q", rc.Level)
	}
	if rc.AtClusterTime != 0 && rc.Level != ReadConcernSnapshot {
		return nil, storeerr.New(storeerr.CodeInvalidOptions, "atClusterTime requires read concern level snapshot")
	}
	txn, err := d.txns.Begin(ctx, transaction.BeginOptions{AtClusterTime: rc.AtClusterTime})
	if err != nil {
		return nil, err
	}
	return &TxnHandle{db: d, txn: txn}, nil
}

// Transaction returns the handle of an open transaction, such as a prepared
// transaction restored by recovery.
func (d *Database) Transaction(id uint64) (*TxnHandle, error) {
	txn, err := d.txns.Get(id)
	if err != nil {
		return nil, err
	}
	return &TxnHandle{db: d, txn: txn}, nil
}

// PreparedTransactions returns the transactions waiting for a decision.
func (d *Database) PreparedTransactions() []*TxnHandle {
	var out []*TxnHandle
	for _, txn := range d.txns.Prepared() {
		out = append(out, &TxnHandle{db: d, txn: txn})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].txn.ID < out[j].txn.ID })
	return out
}

// Commit commits the transaction and returns its commit timestamp.
func (d *Database) Commit(ctx context.Context, h *TxnHandle) (mvcc.Timestamp, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	ts, err := d.txns.Commit(ctx, h.txn)
	metrics.OperationsTotal.WithLabelValues("commit", statusLabel(err)).Inc()
	return ts, err
}

// Abort discards the transaction. It always succeeds for an unprepared one.
func (d *Database) Abort(ctx context.Context, h *TxnHandle) error {
	err := d.txns.Abort(ctx, h.txn)
	metrics.OperationsTotal.WithLabelValues("abort", statusLabel(err)).Inc()
	return err
}

// Prepare makes the write set durable without deciding the outcome.
func (d *Database) Prepare(ctx context.Context, h *TxnHandle) (mvcc.Timestamp, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	ts, err := d.txns.Prepare(ctx, h.txn)
	metrics.OperationsTotal.WithLabelValues("prepare", statusLabel(err)).Inc()
	return ts, err
}

// LogicalOp is one operation executed inside a transaction.
type LogicalOp interface {
	opName() string
	execute(ctx context.Context, d *Database, txn *transaction.Transaction) (*Result, error)
}

// ResultDoc is one document returned by a read.
type ResultDoc struct {
	RecordID record.RecordID
	Doc      storage.Document
}

// Result is the outcome of an operation. ResumeToken, when set, continues a
// read that stopped at its limit.
type Result struct {
	RecordID    record.RecordID
	N           int
	Docs        []ResultDoc
	ResumeToken []byte
}

// Execute runs op in the transaction.
func (d *Database) Execute(ctx context.Context, h *TxnHandle, op LogicalOp) (*Result, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if err := storeerr.CheckContext(ctx); err != nil {
		return nil, err
	}
	if st := h.txn.Status(); st != transaction.StatusActive {
		return nil, storeerr.Newf(storeerr.CodeNoSuchTransaction, "transaction %d is %s", h.txn.ID, st)
	}
	res, err := op.execute(ctx, d, h.txn)
	if err == nil {
		h.txn.CountOp()
	}
	metrics.OperationsTotal.WithLabelValues(op.opName(), statusLabel(err)).Inc()
	return res, err
}

func (d *Database) resolve(txn *transaction.Transaction, name string) (*catalog.Collection, *record.Store, error) {
	coll, err := txn.Catalog.Collection(name)
	if err != nil {
		return nil, nil, err
	}
	rs, err := d.recordStore(coll.StoreID)
	if err != nil {
		return nil, nil, err
	}
	return coll, rs, nil
}

// Insert adds a document. A missing _id is generated.
type Insert struct {
	Collection string
	Doc        storage.Document
}

func (Insert) opName() string { return "insert" }

func (op Insert) execute(ctx context.Context, d *Database, txn *transaction.Transaction) (*Result, error) {
	coll, rs, err := d.resolve(txn, op.Collection)
	if err != nil {
		return nil, err
	}
	doc := op.Doc.Clone()
	if doc == nil {
		doc = storage.Document{}
	}
	if _, ok := doc.GetID(); !ok {
		doc.SetID(uuid.NewString())
	}
	rid, err := rs.NewRecordID(doc)
	if err != nil {
		return nil, err
	}
	err = d.txns.Stage(ctx, txn, &transaction.Write{
		Kind:           transaction.OpInsert,
		Collection:     coll.Name,
		CollectionUUID: coll.UUID,
		StoreID:        coll.StoreID,
		RecordID:       rid,
		Doc:            doc,
	})
	if err != nil {
		return nil, err
	}
	return &Result{RecordID: rid, N: 1}, nil
}

// Update replaces a record with what Mutator returns for its current
// version. Mutator must not change _id or the cluster key.
type Update struct {
	Collection string
	RecordID   record.RecordID
	Mutator    func(storage.Document) (storage.Document, error)
}

func (Update) opName() string { return "update" }

func (op Update) execute(ctx context.Context, d *Database, txn *transaction.Transaction) (*Result, error) {
	coll, rs, err := d.resolve(txn, op.Collection)
	if err != nil {
		return nil, err
	}
	cur, base, found, err := d.readOwn(ctx, txn, coll, rs, op.RecordID)
	if err != nil || !found {
		return &Result{}, err
	}
	next, err := op.Mutator(cur.Clone())
	if err != nil {
		return nil, err
	}
	if err := checkImmutable(coll, cur, next); err != nil {
		return nil, err
	}
	err = d.txns.Stage(ctx, txn, &transaction.Write{
		Kind:           transaction.OpUpdate,
		Collection:     coll.Name,
		CollectionUUID: coll.UUID,
		StoreID:        coll.StoreID,
		RecordID:       op.RecordID,
		Doc:            next,
		Base:           base,
		BaseDoc:        cur,
	})
	if err != nil {
		return nil, err
	}
	return &Result{RecordID: op.RecordID, N: 1}, nil
}

// Delete removes a record.
type Delete struct {
	Collection string
	RecordID   record.RecordID
}

func (Delete) opName() string { return "delete" }

func (op Delete) execute(ctx context.Context, d *Database, txn *transaction.Transaction) (*Result, error) {
	coll, rs, err := d.resolve(txn, op.Collection)
	if err != nil {
		return nil, err
	}
	cur, base, found, err := d.readOwn(ctx, txn, coll, rs, op.RecordID)
	if err != nil || !found {
		return &Result{}, err
	}
	err = d.txns.Stage(ctx, txn, &transaction.Write{
		Kind:           transaction.OpDelete,
		Collection:     coll.Name,
		CollectionUUID: coll.UUID,
		StoreID:        coll.StoreID,
		RecordID:       op.RecordID,
		Base:           base,
		BaseDoc:        cur,
	})
	if err != nil {
		return nil, err
	}
	return &Result{RecordID: op.RecordID, N: 1}, nil
}

// readOwn returns the record as the transaction sees it: its own pending
// version first, then the snapshot. base is the start of the snapshot
// version, zero for a record the transaction inserted.
func (d *Database) readOwn(ctx context.Context, txn *transaction.Transaction, coll *catalog.Collection, rs *record.Store, rid record.RecordID) (storage.Document, mvcc.Timestamp, bool, error) {
	var base mvcc.Timestamp
	v, visible, err := rs.Get(ctx, rid, txn.ReadTs)
	if err != nil {
		return nil, 0, false, err
	}
	if visible {
		base = v.Start
	}
	if doc, found, deleted := txn.Lookup(coll.StoreID, rid); found {
		if deleted {
			return nil, 0, false, nil
		}
		return doc, base, true, nil
	}
	if !visible {
		return nil, 0, false, nil
	}
	doc, err := v.Document()
	if err != nil {
		return nil, 0, false, err
	}
	return doc, base, true, nil
}

func checkImmutable(coll *catalog.Collection, old, next storage.Document) error {
	fields := []string{"_id"}
	if coll.Options.Clustered && coll.ClusterKey() != "_id" {
		fields = append(fields, coll.ClusterKey())
	}
	for _, f := range fields {
		a, _ := old.Lookup(f)
		b, _ := next.Lookup(f)
		ea, err := keystring.EncodeValue(a)
		if err != nil {
			return storeerr.Wrap(storeerr.CodeInvalidOptions, err, "encode "+f)
		}
		eb, err := keystring.EncodeValue(b)
		if err != nil {
			return storeerr.Wrap(storeerr.CodeInvalidOptions, err, "encode "+f)
		}
		if !bytes.Equal(ea, eb) {
			return storeerr.Newf(storeerr.CodeIllegalOperation, "update would change immutable field %q", f)
		}
	}
	return nil
}

// IndexSeek reads the records whose keys in a ready index fall within
// Bounds, in index order. The transaction's own pending writes are merged
// in: changed records are re-checked against the bounds, and its inserts
// that match follow the committed results.
type IndexSeek struct {
	Collection  string
	Index       string
	Bounds      index.Bounds
	Reverse     bool
	Limit       int
	ResumeToken []byte
}

func (IndexSeek) opName() string { return "index_seek" }

func (op IndexSeek) execute(ctx context.Context, d *Database, txn *transaction.Transaction) (*Result, error) {
	coll, rs, err := d.resolve(txn, op.Collection)
	if err != nil {
		return nil, err
	}
	entry, err := coll.Index(op.Index)
	if err != nil {
		return nil, err
	}
	if !entry.Ready {
		return nil, storeerr.Newf(storeerr.CodeIndexNotFound, "index %q on %q is still building", op.Index, coll.Name)
	}
	ix, err := d.index(coll, entry)
	if err != nil {
		return nil, err
	}
	cur, err := ix.Seek(ctx, op.Bounds, op.Reverse, txn.ReadTs)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	if op.ResumeToken != nil {
		if err := cur.Restore(ctx, op.ResumeToken); err != nil {
			return nil, err
		}
	}

	res := &Result{}
	for cur.Next() {
		e := cur.Entry()
		rid := record.RecordID(e.RecordID)
		if _, found, _ := txn.Lookup(coll.StoreID, rid); found {
			continue
		}
		v, visible, err := rs.Get(ctx, rid, txn.ReadTs)
		if err != nil {
			return nil, err
		}
		if !visible {
			return nil, storeerr.Newf(storeerr.CodeDataCorruption,
				"index %q entry points at record %x not visible at %s", op.Index, e.RecordID, txn.ReadTs)
		}
		doc, err := v.Document()
		if err != nil {
			return nil, err
		}
		if op.ResumeToken != nil {
			keys, err := ix.Keys(doc)
			if err != nil {
				return nil, err
			}
			if cur.Returned(rid, keys) {
				continue
			}
		}
		res.Docs = append(res.Docs, ResultDoc{RecordID: rid, Doc: doc})
		if op.Limit > 0 && len(res.Docs) >= op.Limit {
			res.ResumeToken = cur.ResumeToken()
			res.N = len(res.Docs)
			return res, nil
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	for _, w := range txn.Writes() {
		if w.StoreID != coll.StoreID || w.Kind == transaction.OpDelete {
			continue
		}
		keys, err := ix.Keys(w.Doc)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			in, err := ix.InBounds(op.Bounds, k)
			if err != nil {
				return nil, err
			}
			if in {
				res.Docs = append(res.Docs, ResultDoc{RecordID: w.RecordID, Doc: w.Doc})
				break
			}
		}
	}
	res.N = len(res.Docs)
	return res, nil
}

// CollectionScan reads every record in record id order, which is insertion
// order for heap and capped collections. The transaction's own changes
// replace what they touch, and its inserts follow the committed records.
type CollectionScan struct {
	Collection  string
	Reverse     bool
	Limit       int
	ResumeToken []byte
}

func (CollectionScan) opName() string { return "collection_scan" }

func (op CollectionScan) execute(ctx context.Context, d *Database, txn *transaction.Transaction) (*Result, error) {
	coll, rs, err := d.resolve(txn, op.Collection)
	if err != nil {
		return nil, err
	}
	cur := rs.Scan(ctx, txn.ReadTs, op.Reverse)
	defer cur.Close()
	if op.ResumeToken != nil {
		if err := cur.Restore(ctx, op.ResumeToken); err != nil {
			return nil, err
		}
	}

	res := &Result{}
	for cur.Next() {
		v := cur.Version()
		doc, found, deleted := txn.Lookup(coll.StoreID, v.RecordID)
		switch {
		case found && deleted:
			continue
		case !found:
			if doc, err = v.Document(); err != nil {
				return nil, err
			}
		}
		res.Docs = append(res.Docs, ResultDoc{RecordID: v.RecordID, Doc: doc})
		if op.Limit > 0 && len(res.Docs) >= op.Limit {
			res.ResumeToken = cur.ResumeToken()
			res.N = len(res.Docs)
			return res, nil
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	for _, w := range txn.PendingInserts(coll.StoreID) {
		res.Docs = append(res.Docs, ResultDoc{RecordID: w.RecordID, Doc: w.Doc})
	}
	res.N = len(res.Docs)
	return res, nil
}

// OpenScan returns a raw cursor over a collection at the transaction's
// snapshot. It does not see the transaction's own writes. Close it when
// done.
func (d *Database) OpenScan(ctx context.Context, h *TxnHandle, collName string, reverse bool) (*record.Cursor, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	_, rs, err := d.resolve(h.txn, collName)
	if err != nil {
		return nil, err
	}
	return rs.Scan(ctx, h.txn.ReadTs, reverse), nil
}
