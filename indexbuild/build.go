package indexbuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/index"
	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunstore/internal/sorter"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/record"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Build ownership: only one of commit and abort may finish a build.
const (
	ownerNone int32 = iota
	ownerCommit
	ownerAbort
)

// Build is one running index build.
type Build struct {
	m      *Manager
	log    *slog.Logger
	cancel context.CancelFunc

	mu    sync.Mutex
	state *State

	owner       atomic.Int32
	done        chan struct{} // closed when run returns
	cleanupDone chan struct{} // closed when the abort owner has cleaned up
	err         error
}

// UUID returns the build id.
func (b *Build) UUID() string { return b.state.BuildUUID }

// CollectionUUID returns the collection being indexed.
func (b *Build) CollectionUUID() string { return b.state.CollectionUUID }

// State returns a copy of the build's progress.
func (b *Build) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.state
}

// Done is closed when the build has committed, aborted or been interrupted.
func (b *Build) Done() <-chan struct{} { return b.done }

// Wait blocks until the build finishes and returns its outcome.
func (b *Build) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return storeerr.FromContext(ctx.Err())
	}
}

// Abort stops the build and removes the index. If the build is already
// aborting itself, Abort waits for that cleanup.
func (b *Build) Abort(ctx context.Context, reason string) error {
	cause := storeerr.Newf(storeerr.CodeIndexBuildAborted, "index build aborted: %s", reason)
	if !b.owner.CompareAndSwap(ownerNone, ownerAbort) {
		if b.owner.Load() == ownerCommit {
			return storeerr.New(storeerr.CodeIllegalOperation, "index build is already committing")
		}
		b.cancel()
		select {
		case <-b.cleanupDone:
			return nil
		case <-ctx.Done():
			return storeerr.FromContext(ctx.Err())
		}
	}
	b.err = cause
	b.cancel()
	<-b.done
	b.cleanup(ctx, cause)
	return nil
}

// tryAbort finishes a build that failed on its own. It returns false if an
// external Abort already owns the cleanup.
func (b *Build) tryAbort(ctx context.Context, cause error) bool {
	if !b.owner.CompareAndSwap(ownerNone, ownerAbort) {
		return false
	}
	b.err = cause
	b.cleanup(ctx, cause)
	return true
}

// cleanup removes the index from the catalog and the build's files. Only
// the abort owner calls it.
func (b *Build) cleanup(ctx context.Context, cause error) {
	defer close(b.cleanupDone)
	ctx = context.WithoutCancel(ctx)

	st := b.State()
	release, err := b.m.host.Latch(ctx)
	if err == nil {
		_, err = b.m.host.CommitCatalogLocked(ctx, func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error) {
			coll, ok := cur.CollectionByUUID(st.CollectionUUID)
			if !ok {
				return nil, nil
			}
			if _, building := coll.IndexByBuild(st.BuildUUID); !building {
				return nil, nil
			}
			next, _, err := cur.WithoutIndex(ts, coll.Name, st.Spec.Name)
			return next, err
		})
		release()
	}
	if err != nil {
		b.log.Error("failed to remove aborted index from catalog", "error", err)
	}
	if err := removeState(b.m.opts.Dir, st.BuildUUID); err != nil {
		b.log.Warn("failed to remove index build state", "error", err)
	}
	metrics.IndexBuildPhases.WithLabelValues("aborted").Inc()
	b.log.Warn("index build aborted", "cause", cause)
	b.m.forget(b)
}

func (b *Build) run(ctx context.Context) {
	err := b.execute(ctx)
	switch {
	case err == nil:
		b.err = nil
		close(b.done)
		b.m.forget(b)
	case b.owner.Load() == ownerAbort:
		// An external Abort cancelled us and owns the cleanup.
		close(b.done)
	case b.m.ctx.Err() != nil && isInterruption(err):
		b.err = storeerr.Wrap(storeerr.CodeInterrupted, err, "index build interrupted by shutdown")
		b.log.Info("index build interrupted; state kept for resume", "phase", b.State().Phase)
		close(b.done)
		b.m.forget(b)
	case b.owner.Load() == ownerCommit:
		b.err = err
		close(b.done)
		b.m.forget(b)
	default:
		if b.tryAbort(ctx, err) {
			close(b.done)
			return
		}
		// Lost the race to an external Abort, which waits for done before
		// cleaning up.
		close(b.done)
		<-b.cleanupDone
	}
}

func isInterruption(err error) bool {
	return storeerr.Is(err, storeerr.CodeInterrupted) || errors.Is(err, context.Canceled)
}

func (b *Build) setPhase(phase catalog.BuildPhase) error {
	b.mu.Lock()
	b.state.Phase = phase
	b.mu.Unlock()
	metrics.IndexBuildPhases.WithLabelValues(string(phase)).Inc()
	b.log.Info("index build phase", "phase", phase)
	return b.persist()
}

func (b *Build) persist() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return saveState(b.m.opts.Dir, b.state)
}

// target resolves the collection and the building index from the newest
// catalog.
func (b *Build) target() (*catalog.Collection, *catalog.IndexEntry, *index.Index, error) {
	cat := b.m.host.Catalog().Latest()
	coll, ok := cat.CollectionByUUID(b.state.CollectionUUID)
	if !ok {
		return nil, nil, nil, storeerr.Newf(storeerr.CodeNamespaceNotFound, "collection %q was dropped", b.state.Collection)
	}
	entry, ok := coll.IndexByBuild(b.state.BuildUUID)
	if !ok {
		return nil, nil, nil, storeerr.Newf(storeerr.CodeIndexBuildAborted, "index %q was removed", b.state.Spec.Name)
	}
	ix, err := b.m.host.Index(coll, entry)
	if err != nil {
		return nil, nil, nil, err
	}
	return coll, entry, ix, nil
}

func (b *Build) execute(ctx context.Context) error {
	for {
		if err := storeerr.CheckContext(ctx); err != nil {
			return err
		}
		var err error
		switch b.State().Phase {
		case catalog.PhaseCollectionScan:
			err = b.scan(ctx)
		case catalog.PhaseBulkLoad:
			err = b.bulkLoad(ctx)
		case catalog.PhaseDrain:
			if err = b.drainAll(ctx, false); err == nil {
				err = b.setPhase(catalog.PhaseCommit)
			}
		case catalog.PhaseCommit:
			return b.commit(ctx)
		default:
			return storeerr.Newf(storeerr.CodeDataCorruption, "unknown index build phase %q", b.State().Phase)
		}
		if err != nil {
			return err
		}
	}
}

func (b *Build) newSorter(manifest []sorter.Spill) *sorter.Sorter {
	return sorter.New(sorter.Options{
		Dir:          spillDir(b.m.opts.Dir, b.state.BuildUUID),
		MemoryBudget: b.m.opts.MemoryBudget,
		AllowDiskUse: true,
		Logger:       b.log,
	}, manifest)
}

// sortValue packs the record id and start timestamp behind the index key so
// the sorter orders entries by key, then record id.
func sortValue(rid record.RecordID, start mvcc.Timestamp) []byte {
	return mvcc.AppendTimestamp(append([]byte(nil), rid...), start)
}

func splitSortValue(v []byte) (record.RecordID, mvcc.Timestamp, error) {
	if len(v) < mvcc.TimestampSize {
		return nil, 0, storeerr.New(storeerr.CodeDataCorruption, "short sorted index entry")
	}
	n := len(v) - mvcc.TimestampSize
	return record.RecordID(v[:n]), mvcc.ReadTimestamp(v[n:]), nil
}

// scan reads the collection at the build snapshot and feeds the sorter,
// persisting the position every PersistEveryDocs records. A capped
// collection that evicts the cursor position restarts the scan.
func (b *Build) scan(ctx context.Context) error {
	for {
		err := b.scanOnce(ctx)
		if !storeerr.Is(err, storeerr.CodeCappedPositionLost) {
			return err
		}
		b.log.Warn("collection scan lost its position; restarting", "error", err)
		b.mu.Lock()
		b.state.restartScan()
		b.mu.Unlock()
		if err := removeSpills(b.m.opts.Dir, b.state.BuildUUID); err != nil {
			return err
		}
		if err := b.persist(); err != nil {
			return err
		}
	}
}

func (b *Build) scanOnce(ctx context.Context) error {
	coll, _, ix, err := b.target()
	if err != nil {
		return err
	}
	rs, err := b.m.host.RecordStore(coll.StoreID)
	if err != nil {
		return err
	}

	sm := b.m.host.Snapshots()
	st := b.State()
	var snap *mvcc.Snapshot
	if st.ScanTs != 0 {
		snap, err = sm.BeginSnapshotAt(st.ScanTs)
		if storeerr.Is(err, storeerr.CodeSnapshotTooOld) {
			b.log.Warn("build snapshot no longer readable; restarting scan", "scan_ts", st.ScanTs)
			b.mu.Lock()
			b.state.restartScan()
			b.mu.Unlock()
			if err := removeSpills(b.m.opts.Dir, st.BuildUUID); err != nil {
				return err
			}
			st = b.State()
		} else if err != nil {
			return err
		}
	}
	if snap == nil {
		snap = sm.BeginSnapshot()
		b.mu.Lock()
		b.state.ScanTs = snap.ReadTs
		b.mu.Unlock()
		if err := b.persist(); err != nil {
			snap.Release()
			return err
		}
	}
	defer snap.Release()

	srt := b.newSorter(st.Spills)
	cur := rs.Scan(ctx, snap.ReadTs, false)
	defer cur.Close()
	if len(st.ResumeToken) > 0 {
		if err := cur.Restore(ctx, st.ResumeToken); err != nil {
			return err
		}
	}

	scanned := st.ScannedDocs
	checkpoint := func() error {
		if err := srt.Spill(); err != nil {
			return err
		}
		b.mu.Lock()
		b.state.ResumeToken = cur.ResumeToken()
		b.state.Spills = srt.Manifest()
		b.state.ScannedDocs = scanned
		b.mu.Unlock()
		return b.persist()
	}

	for cur.Next() {
		v := cur.Version()
		doc, err := v.Document()
		if err != nil {
			return err
		}
		keys, err := ix.Keys(doc)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := srt.Add(k, sortValue(v.RecordID, v.Start)); err != nil {
				return err
			}
		}
		scanned++
		if scanned%int64(b.m.opts.PersistEveryDocs) == 0 {
			if err := checkpoint(); err != nil {
				return err
			}
		}
	}
	if err := cur.Err(); err != nil {
		if isInterruption(err) || storeerr.Is(err, storeerr.CodeMaxTimeMSExpired) {
			if perr := checkpoint(); perr != nil {
				b.log.Warn("failed to persist scan position", "error", perr)
			}
		}
		return err
	}
	if err := checkpoint(); err != nil {
		return err
	}
	b.log.Info("collection scan complete", "scanned", scanned, "keys", srt.Len())
	return b.setPhase(catalog.PhaseBulkLoad)
}

// bulkLoad merges the sorted runs into the emptied index tree. The tree is
// not logged, so a checkpoint makes it durable before the phase advances.
func (b *Build) bulkLoad(ctx context.Context) error {
	_, _, ix, err := b.target()
	if err != nil {
		return err
	}
	st := b.State()

	resume := b.m.host.PauseCheckpoints()
	srt := b.newSorter(st.Spills)
	it, err := srt.Iterator(ctx)
	if err != nil {
		resume()
		return err
	}
	bb := ix.NewBulkBuilder()
	err = ix.Tree().Truncate(ctx)
	if err == nil {
		err = bb.Load(ctx, func() (index.KeyEntry, bool, error) {
			if !it.Next() {
				return index.KeyEntry{}, false, it.Err()
			}
			item := it.Item()
			rid, start, err := splitSortValue(item.Value)
			if err != nil {
				return index.KeyEntry{}, false, err
			}
			return index.KeyEntry{Key: item.Key, RecordID: rid, Start: start}, true, nil
		})
	}
	it.Close()
	resume()
	if err != nil {
		return err
	}

	b.mu.Lock()
	for _, k := range bb.Duplicates() {
		b.state.addDuplicate(k)
	}
	b.mu.Unlock()
	b.log.Info("bulk load complete", "entries", bb.Count(), "duplicates", len(bb.Duplicates()))

	if err := b.m.host.Checkpoint(ctx); err != nil {
		return err
	}
	if err := srt.Cleanup(); err != nil {
		b.log.Warn("failed to remove spill files", "error", err)
	}
	b.mu.Lock()
	b.state.Spills = nil
	b.mu.Unlock()
	return b.setPhase(catalog.PhaseDrain)
}

// drainAll applies side writes in batches until the table is empty. Outside
// the commit phase each batch takes the commit latch on its own; locked
// means the caller already holds it.
func (b *Build) drainAll(ctx context.Context, locked bool) error {
	for {
		var n int
		var err error
		if locked {
			n, err = b.drainBatch(ctx)
		} else {
			release, lerr := b.m.host.Latch(ctx)
			if lerr != nil {
				return lerr
			}
			n, err = b.drainBatch(ctx)
			release()
		}
		if err != nil {
			return err
		}
		if n < b.m.opts.DrainBatch {
			return nil
		}
	}
}

// liveOverlay tracks entries written earlier in the same drain batch, which
// are not in the tree until the batch is applied.
type liveOverlay struct {
	added   map[string][][]byte
	stopped map[string]bool
}

func pairKey(key, rid []byte) string {
	return fmt.Sprintf("%x/%x", key, rid)
}

// drainBatch moves up to DrainBatch side writes into the index as one
// logged internal transaction. The caller holds the commit latch.
func (b *Build) drainBatch(ctx context.Context) (int, error) {
	_, entry, ix, err := b.target()
	if err != nil {
		return 0, err
	}
	side, err := b.m.host.SideTable(entry.SideStoreID)
	if err != nil {
		return 0, err
	}

	type pending struct {
		key []byte
		sw  index.SideWrite
	}
	var batch []pending
	it := side.NewIterator(ctx, storage.IterOptions{})
	for len(batch) < b.m.opts.DrainBatch && it.Next() {
		kv := it.Entry()
		sw, err := index.DecodeSideWrite(kv.Value)
		if err != nil {
			return 0, err
		}
		batch = append(batch, pending{key: append([]byte(nil), kv.Key...), sw: sw})
	}
	if err := it.Err(); err != nil {
		return 0, storeerr.FromContext(err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	txnID := b.m.host.NextTxnID()
	ov := liveOverlay{added: make(map[string][][]byte), stopped: make(map[string]bool)}
	var recs []*wal.Record
	var inserted [][]byte
	for _, p := range batch {
		sw := p.sw
		pk := pairKey(sw.Key, sw.RecordID)
		switch sw.Op {
		case index.SideInsert:
			ek := index.EntryKey(sw.Key, sw.RecordID, sw.Ts)
			recs = append(recs, &wal.Record{
				TxnID: txnID, Type: wal.RecordTypePut, StoreID: entry.StoreID,
				Key: ek, Value: index.EntryValue(0, sw.RecordID),
			})
			ov.added[pk] = append(ov.added[pk], ek)
			delete(ov.stopped, string(ek))
			inserted = append(inserted, sw.Key)
		case index.SideRemove:
			live, err := ix.LiveEntries(ctx, sw.Key, sw.RecordID)
			if err != nil {
				return 0, err
			}
			live = append(live, ov.added[pk]...)
			for _, ek := range live {
				if ov.stopped[string(ek)] {
					continue
				}
				recs = append(recs, &wal.Record{
					TxnID: txnID, Type: wal.RecordTypeStop, StoreID: entry.StoreID,
					Key: ek, Timestamp: uint64(sw.Ts), Value: []byte{0},
				})
				ov.stopped[string(ek)] = true
			}
		}
		recs = append(recs, &wal.Record{TxnID: txnID, Type: wal.RecordTypeDelete, StoreID: entry.SideStoreID, Key: p.key})
	}
	// An internal transaction carries no commit timestamp.
	recs = append(recs, &wal.Record{TxnID: txnID, Type: wal.RecordTypeCommit})

	lsn, err := b.m.host.WAL().AppendBatch(recs)
	if err != nil {
		return 0, err
	}
	applyCtx := context.WithoutCancel(ctx)
	for _, rec := range recs[:len(recs)-1] {
		if err := b.m.host.Apply(applyCtx, rec); err != nil {
			return 0, b.m.host.Poison(fmt.Errorf("apply drained side writes: %w", err))
		}
	}

	recorded := false
	if ix.Unique() {
		for _, k := range inserted {
			dup, err := holdersExceedOne(applyCtx, ix, k)
			if err != nil {
				return 0, err
			}
			if dup {
				b.mu.Lock()
				b.state.addDuplicate(k)
				b.mu.Unlock()
				recorded = true
			}
		}
	}
	if recorded {
		if err := b.persist(); err != nil {
			return 0, err
		}
	}
	if err := b.m.host.WAL().Flush(applyCtx, lsn); err != nil {
		return 0, err
	}
	b.log.Debug("drained side writes", "count", len(batch))
	return len(batch), nil
}

// holdersExceedOne reports whether more than one record holds key live.
func holdersExceedOne(ctx context.Context, ix *index.Index, key []byte) (bool, error) {
	versions, err := ix.Versions(ctx, key)
	if err != nil {
		return false, err
	}
	var holder []byte
	for _, e := range versions {
		if !e.Live() {
			continue
		}
		if holder != nil && string(holder) != string(e.RecordID) {
			return true, nil
		}
		holder = e.RecordID
	}
	return false, nil
}

// commit drains the remaining side writes and marks the index ready, all
// under the commit latch so no commit slips between the two.
func (b *Build) commit(ctx context.Context) error {
	release, err := b.m.host.Latch(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := b.drainAll(ctx, true); err != nil {
		return err
	}
	coll, _, ix, err := b.target()
	if err != nil {
		return err
	}
	for _, k := range b.State().Duplicates {
		dup, err := holdersExceedOne(ctx, ix, k)
		if err != nil {
			return err
		}
		if dup {
			return storeerr.Newf(storeerr.CodeDuplicateKey,
				"E11000 duplicate key error index: %s dup key: %x", ix.Name(), k)
		}
	}

	if !b.owner.CompareAndSwap(ownerNone, ownerCommit) {
		return storeerr.New(storeerr.CodeIndexBuildAborted, "index build was aborted")
	}
	_, err = b.m.host.CommitCatalogLocked(context.WithoutCancel(ctx), func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error) {
		return cur.WithIndexReady(ts, coll.Name, b.state.Spec.Name)
	})
	if err != nil {
		b.log.Error("failed to mark index ready", "error", err)
		return err
	}
	metrics.IndexBuildPhases.WithLabelValues("committed").Inc()
	if err := removeState(b.m.opts.Dir, b.state.BuildUUID); err != nil {
		b.log.Warn("failed to remove index build state", "error", err)
	}
	b.log.Info("index build committed", "collection", coll.Name)
	return nil
}
