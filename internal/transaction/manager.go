package transaction

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/index"
	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/record"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Stores resolves the open trees named by a catalog.
type Stores interface {
	RecordStore(storeID uint64) (*record.Store, error)
	Index(coll *catalog.Collection, entry *catalog.IndexEntry) (*index.Index, error)
}

// Config wires a Manager to the rest of the engine.
type Config struct {
	WAL       *wal.WAL
	Snapshots *mvcc.SnapshotManager
	Catalog   *catalog.Registry
	Stores    Stores
	// Apply applies one committed data record to its tree. Recovery replays
	// the log through the same function.
	Apply            func(ctx context.Context, rec *wal.Record) error
	MaxWriteSetBytes int64
	// LatchTimeout bounds how long Commit and Prepare wait for the commit
	// latch. Zero waits as long as the context allows.
	LatchTimeout time.Duration
	Logger       *slog.Logger
}

// BeginOptions configure a new transaction.
type BeginOptions struct {
	// AtClusterTime reads at a past timestamp instead of the last commit.
	AtClusterTime mvcc.Timestamp
}

// Manager tracks open transactions and serializes commits.
type Manager struct {
	cfg Config
	log *slog.Logger

	latch  chan struct{}
	nextID atomic.Uint64
	failed atomic.Pointer[storeerr.Error]

	mu       sync.Mutex
	active   map[uint64]*Transaction
	reserved map[string]uint64 // record or unique key -> prepared txn
}

// NewManager creates a transaction manager.
func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logger.For("txn")
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		latch:    make(chan struct{}, 1),
		active:   make(map[uint64]*Transaction),
		reserved: make(map[string]uint64),
	}
}

// Latch acquires the commit latch. Commits, DDL and checkpoints hold it so
// that timestamp order matches log order.
func (m *Manager) Latch(ctx context.Context) (func(), error) {
	if err := storeerr.CheckContext(ctx); err != nil {
		return nil, err
	}
	if err := m.Err(); err != nil {
		return nil, err
	}
	select {
	case m.latch <- struct{}{}:
		return m.latched()
	case <-ctx.Done():
		return nil, storeerr.FromContext(ctx.Err())
	}
}

func (m *Manager) latched() (func(), error) {
	if err := m.Err(); err != nil {
		<-m.latch
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { <-m.latch }) }, nil
}

// Poison stops the manager after a logged commit could not be applied to
// the trees. The trees then hold part of a commit, so every later latch,
// commit and prepare fails with the returned error. Reopening the database
// replays the whole commit from the log.
func (m *Manager) Poison(cause error) error {
	e := storeerr.Wrap(storeerr.CodeStorageUnavailable, cause,
		"a logged commit could not be applied; reopen the database to recover it")
	if m.failed.CompareAndSwap(nil, e) {
		m.log.Error("transaction manager stopped", "error", cause)
	}
	return m.failed.Load()
}

// Err returns the error that stopped the manager, if any.
func (m *Manager) Err() error {
	if e := m.failed.Load(); e != nil {
		return e
	}
	return nil
}

// commitLatch is Latch bounded by LatchTimeout. Running out of time is a
// resource error, not a conflict.
func (m *Manager) commitLatch(ctx context.Context) (func(), error) {
	if m.cfg.LatchTimeout <= 0 {
		return m.Latch(ctx)
	}
	if err := storeerr.CheckContext(ctx); err != nil {
		return nil, err
	}
	if err := m.Err(); err != nil {
		return nil, err
	}
	timer := time.NewTimer(m.cfg.LatchTimeout)
	defer timer.Stop()
	select {
	case m.latch <- struct{}{}:
		return m.latched()
	case <-ctx.Done():
		return nil, storeerr.FromContext(ctx.Err())
	case <-timer.C:
		return nil, storeerr.Newf(storeerr.CodeTemporarilyUnavailable,
			"commit latch not acquired within %s", m.cfg.LatchTimeout)
	}
}

// NextTxnID allocates an id for an internal transaction.
func (m *Manager) NextTxnID() uint64 {
	return m.nextID.Add(1)
}

// SetNextTxnID makes future ids larger than id.
func (m *Manager) SetNextTxnID(id uint64) {
	for {
		cur := m.nextID.Load()
		if cur >= id || m.nextID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Begin opens a transaction bound to a snapshot and to the catalog version
// visible at its read timestamp.
func (m *Manager) Begin(ctx context.Context, opts BeginOptions) (*Transaction, error) {
	if err := storeerr.CheckContext(ctx); err != nil {
		return nil, err
	}
	var snap *mvcc.Snapshot
	if opts.AtClusterTime != 0 {
		s, err := m.cfg.Snapshots.BeginSnapshotAt(opts.AtClusterTime)
		if err != nil {
			return nil, err
		}
		snap = s
	} else {
		snap = m.cfg.Snapshots.BeginSnapshot()
	}

	txn := &Transaction{
		ID:       m.NextTxnID(),
		ReadTs:   snap.ReadTs,
		Catalog:  m.cfg.Catalog.At(snap.ReadTs),
		status:   StatusActive,
		snapshot: snap,
	}
	m.mu.Lock()
	m.active[txn.ID] = txn
	m.mu.Unlock()
	metrics.ActiveTransactions.Inc()
	return txn, nil
}

// Get returns an open transaction.
func (m *Manager) Get(id uint64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.active[id]
	if !ok {
		return nil, storeerr.Newf(storeerr.CodeNoSuchTransaction, "transaction %d not found", id)
	}
	return txn, nil
}

// GetActiveTransactionCount returns the number of open transactions,
// prepared ones included.
func (m *Manager) GetActiveTransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Prepared returns the transactions waiting for a commit decision.
func (m *Manager) Prepared() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, txn := range m.active {
		if txn.Status() == StatusPrepared {
			out = append(out, txn)
		}
	}
	return out
}

// OldestPrepareLSN returns the LSN of the oldest undecided Prepare record.
// The log must be kept from there.
func (m *Manager) OldestPrepareLSN() (wal.LSN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest wal.LSN
	found := false
	for _, txn := range m.active {
		if txn.Status() != StatusPrepared {
			continue
		}
		if !found || txn.prepareLSN < oldest {
			oldest, found = txn.prepareLSN, true
		}
	}
	return oldest, found
}

// Stage validates a write against the transaction's snapshot and adds it to
// the write set. Duplicates that are already visible fail here; concurrent
// ones are caught at commit.
func (m *Manager) Stage(ctx context.Context, txn *Transaction, w *Write) error {
	if err := storeerr.CheckContext(ctx); err != nil {
		return err
	}
	coll, ok := txn.Catalog.CollectionByUUID(w.CollectionUUID)
	if !ok {
		return storeerr.Newf(storeerr.CodeNamespaceNotFound, "collection %q does not exist", w.Collection)
	}
	if w.Kind != OpDelete {
		if err := coll.ValidateDocument(w.Doc); err != nil {
			return err
		}
		if w.Payload == nil {
			payload, err := w.Doc.Serialize()
			if err != nil {
				return err
			}
			w.Payload = payload
		}
	}

	rs, err := m.cfg.Stores.RecordStore(coll.StoreID)
	if err != nil {
		return err
	}
	if w.Kind == OpInsert && coll.Options.Clustered {
		if err := m.checkClusteredFree(ctx, txn, rs, w.RecordID); err != nil {
			return err
		}
	}
	if w.Kind != OpDelete {
		if err := m.checkIndexKeys(ctx, txn, coll, w); err != nil {
			return err
		}
	}

	if err := txn.stage(w, m.cfg.MaxWriteSetBytes); err != nil {
		return err
	}
	if coll.Options.Temp {
		txn.mu.Lock()
		txn.temp = true
		txn.mu.Unlock()
	}
	return nil
}

func (m *Manager) checkClusteredFree(ctx context.Context, txn *Transaction, rs *record.Store, rid record.RecordID) error {
	if _, found, deleted := txn.Lookup(rs.ID(), rid); found {
		if deleted {
			return nil
		}
		return storeerr.Newf(storeerr.CodeDuplicateKey, "E11000 duplicate key error: record %x exists", []byte(rid))
	}
	_, visible, err := rs.Get(ctx, rid, txn.ReadTs)
	if err != nil {
		return err
	}
	if visible {
		return storeerr.Newf(storeerr.CodeDuplicateKey, "E11000 duplicate key error: record %x exists", []byte(rid))
	}
	return nil
}

// checkIndexKeys generates every index key for the new image so key errors
// surface at the operation, and checks ready unique indexes against the
// snapshot and the transaction's own writes.
func (m *Manager) checkIndexKeys(ctx context.Context, txn *Transaction, coll *catalog.Collection, w *Write) error {
	removing := func(rid []byte) bool {
		_, found, _ := txn.Lookup(coll.StoreID, rid)
		return found
	}
	for _, entry := range coll.Indexes {
		ix, err := m.cfg.Stores.Index(coll, entry)
		if err != nil {
			return err
		}
		keys, err := ix.Keys(w.Doc)
		if err != nil {
			return err
		}
		if !entry.Ready || !ix.Unique() {
			continue
		}
		for _, k := range keys {
			if err := ix.CheckUnique(ctx, k, w.RecordID, txn.ReadTs, removing); err != nil {
				return err
			}
			if err := ownDuplicate(txn, ix, coll.StoreID, k, w.RecordID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ownDuplicate reports a key already claimed by another pending write of the
// same transaction.
func ownDuplicate(txn *Transaction, ix *index.Index, storeID uint64, key []byte, rid record.RecordID) error {
	for _, other := range txn.Writes() {
		if other.StoreID != storeID || other.Kind == OpDelete || string(other.RecordID) == string(rid) {
			continue
		}
		keys, err := ix.Keys(other.Doc)
		if err != nil {
			continue
		}
		for _, k := range keys {
			if string(k) == string(key) {
				return storeerr.Newf(storeerr.CodeDuplicateKey,
					"E11000 duplicate key error index: %s dup key: %x", ix.Name(), key)
			}
		}
	}
	return nil
}

// Abort discards the transaction. Aborting a prepared transaction records
// the decision in the log. Aborting twice is a no-op.
func (m *Manager) Abort(ctx context.Context, txn *Transaction) error {
	switch txn.Status() {
	case StatusAborted:
		return nil
	case StatusCommitted:
		return storeerr.Newf(storeerr.CodeIllegalOperation, "transaction %d is already committed", txn.ID)
	case StatusPrepared:
		lsn, err := m.cfg.WAL.Append(&wal.Record{TxnID: txn.ID, Type: wal.RecordTypeAbort})
		if err != nil {
			return err
		}
		m.unreserve(txn)
		m.finish(txn, StatusAborted)
		return m.cfg.WAL.Flush(context.WithoutCancel(ctx), lsn)
	}
	m.finish(txn, StatusAborted)
	return nil
}

func (m *Manager) finish(txn *Transaction, status Status) {
	txn.setStatus(status)
	txn.snapshot.Release()
	m.mu.Lock()
	_, ok := m.active[txn.ID]
	delete(m.active, txn.ID)
	m.mu.Unlock()
	if ok {
		metrics.ActiveTransactions.Dec()
	}
}

// Restore re-creates a prepared transaction from its Prepare record during
// recovery and re-reserves the keys it holds.
func (m *Manager) Restore(ctx context.Context, rec *wal.Record) (*Transaction, error) {
	var state preparedState
	if err := json.Unmarshal(rec.Value, &state); err != nil {
		return nil, storeerr.Wrap(storeerr.CodeDataCorruption, err, "decode prepared transaction")
	}
	for _, w := range state.Writes {
		if w.Kind == OpDelete {
			continue
		}
		doc, err := storage.DeserializeDocument(w.Payload)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.CodeDataCorruption, err, "decode prepared write")
		}
		w.Doc = doc
	}

	snap, err := m.cfg.Snapshots.BeginSnapshotAt(state.ReadTs)
	if err != nil {
		snap = m.cfg.Snapshots.BeginSnapshot()
	}
	txn := &Transaction{
		ID:         rec.TxnID,
		ReadTs:     state.ReadTs,
		Catalog:    m.cfg.Catalog.Latest(),
		status:     StatusPrepared,
		snapshot:   snap,
		opCount:    state.OpCount,
		PrepareTs:  mvcc.Timestamp(rec.Timestamp),
		prepareLSN: rec.LSN,
	}
	for _, w := range state.Writes {
		txn.byRecord = ensureIndex(txn.byRecord)
		txn.byRecord[writeKey(w.StoreID, w.RecordID)] = len(txn.writes)
		txn.writes = append(txn.writes, w)
		txn.writeBytes += int64(len(w.Payload))
	}
	m.SetNextTxnID(rec.TxnID)

	p, err := m.plan(ctx, txn, m.cfg.Catalog.Latest(), txn.PrepareTs)
	if err != nil {
		snap.Release()
		return nil, storeerr.Wrap(storeerr.CodeDataCorruption, err, "re-plan prepared transaction")
	}
	m.mu.Lock()
	m.active[txn.ID] = txn
	for _, key := range p.reservations {
		m.reserved[key] = txn.ID
	}
	m.mu.Unlock()
	metrics.ActiveTransactions.Inc()
	m.log.Info("restored prepared transaction", "txn_id", txn.ID, "prepare_ts", txn.PrepareTs, "writes", len(txn.writes))
	return txn, nil
}

func ensureIndex(m map[string]int) map[string]int {
	if m == nil {
		return make(map[string]int)
	}
	return m
}

func (m *Manager) reserve(txn *Transaction, keys []string) {
	m.mu.Lock()
	for _, key := range keys {
		m.reserved[key] = txn.ID
	}
	m.mu.Unlock()
}

func (m *Manager) unreserve(txn *Transaction) {
	m.mu.Lock()
	for key, id := range m.reserved {
		if id == txn.ID {
			delete(m.reserved, key)
		}
	}
	m.mu.Unlock()
}

// reservedBy returns the prepared transaction holding key, if any other
// than self.
func (m *Manager) reservedBy(key string, self uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.reserved[key]
	if !ok || id == self {
		return 0, false
	}
	return id, true
}
