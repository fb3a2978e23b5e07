// Package bunstore is a transactional document storage engine.
//
// Features:
//   - Snapshot-isolated multi-document transactions over MVCC versions
//   - Unique, compound, multikey and partial secondary indexes
//   - Capped and clustered collections
//   - Hybrid index builds that resume across one restart
//   - Prepared transactions for two-phase commit
//   - Write-ahead logging with group commit and journaled checkpoints
//
// Architecture:
//  1. Every change is logged to the WAL before it is applied to a tree.
//  2. Trees live in a shared page cache; the data file only changes at
//     checkpoint, through a journal, so it always holds one consistent image.
//  3. Recovery restores the last checkpoint and replays committed log
//     records after it.
//  4. Collections and indexes are described by timestamped catalog versions;
//     a transaction reads the version visible at its read timestamp.
package bunstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/index"
	"github.com/kartikbazzad/bunbase/bunstore/indexbuild"
	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
	"github.com/kartikbazzad/bunbase/bunstore/internal/transaction"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/pool"
	"github.com/kartikbazzad/bunbase/bunstore/record"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Database is an open storage engine instance
type Database struct {
	opts *Options
	log  *slog.Logger
	lock *flock.Flock // exclusive lock on the data directory

	pager     *storage.Pager
	bp        *storage.BufferPool
	wal       *wal.WAL
	snapshots *mvcc.SnapshotManager
	catalog   *catalog.Registry
	filters   *index.FilterCache
	txns      *transaction.Manager
	builds    *indexbuild.Manager
	gc        *mvcc.GarbageCollector
	exec      *pool.Executor

	storesMu sync.RWMutex
	trees    map[uint64]*storage.BPlusTree
	records  map[uint64]*record.Store
	indexes  map[uint64]*index.Index
	sides    map[uint64]bool // side-writes tables of building indexes

	rootsMu sync.Mutex
	roots   map[uint64]storage.PageID // store id -> current root

	ckptMu  sync.RWMutex // held shared by bulk loads and reclaim
	ckptLSN atomic.Uint64

	stopCkpt chan struct{}
	ckptDone chan struct{}
	closed   atomic.Bool
}

// Open opens the database in opts.DataDir, creating it if needed.
//
// Recovery:
//  1. Apply a complete checkpoint journal left by a crash
//  2. Restore page allocation, catalog and horizons from the checkpoint
//  3. Replay committed log records after the checkpoint
//  4. Re-create prepared transactions that have no decision
//  5. Drop temporary collections and resume interrupted index builds
func Open(ctx context.Context, opts *Options) (*Database, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.For("bunstore")
	}
	dir := opts.DataDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "create data directory")
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "lock data directory")
	}
	if !locked {
		return nil, storeerr.Newf(storeerr.CodeStorageUnavailable, "data directory %s is in use by another process", dir)
	}

	d := &Database{
		opts:    opts,
		log:     log,
		lock:    lock,
		trees:   make(map[uint64]*storage.BPlusTree),
		records: make(map[uint64]*record.Store),
		indexes: make(map[uint64]*index.Index),
		sides:   make(map[uint64]bool),
		roots:   make(map[uint64]storage.PageID),
	}
	if err := d.recover(ctx); err != nil {
		d.abandon()
		return nil, err
	}

	execOpts := pool.DefaultOptions(opts.Workers.Size)
	execOpts.MaxQueue = opts.Workers.MaxQueue
	execOpts.Logger = log.With("component", "pool")
	if d.exec, err = pool.New(execOpts); err != nil {
		d.abandon()
		return nil, err
	}

	d.gc = mvcc.NewGarbageCollector(d.snapshots, mvcc.ReclaimerFunc(d.reclaim), opts.MVCC.GCInterval)
	d.gc.Start()
	if opts.Checkpoint.Interval > 0 {
		d.stopCkpt = make(chan struct{})
		d.ckptDone = make(chan struct{})
		go d.checkpointLoop(opts.Checkpoint.Interval)
	}
	log.Info("database opened", "dir", dir, "last_committed", d.snapshots.LastCommitted(),
		"collections", len(d.catalog.Latest().Collections))
	return d, nil
}

func (d *Database) recover(ctx context.Context) error {
	dir := d.opts.DataDir
	key, err := d.opts.encryptionKey()
	if err != nil {
		return storeerr.Wrap(storeerr.CodeInvalidOptions, err, "encryption key")
	}
	d.pager, err = storage.NewPager(filepath.Join(dir, dataFileName), key)
	if err != nil {
		return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "open data file")
	}

	metaPath := filepath.Join(dir, metaFileName)
	journalPath := filepath.Join(dir, journalFileName)
	pages, metaJSON, ok, err := storage.ReadJournal(journalPath, d.pager)
	if err != nil {
		return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "read checkpoint journal")
	}
	if ok {
		d.log.Warn("completing interrupted checkpoint", "pages", len(pages))
		if err := storage.WritePages(d.pager, pages); err != nil {
			return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "apply checkpoint journal")
		}
		if err := saveMeta(metaPath, metaJSON); err != nil {
			return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "write checkpoint metadata")
		}
	}
	if err := os.Remove(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "remove checkpoint journal")
	}

	meta, err := loadMeta(metaPath)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &checkpointMeta{Roots: make(map[uint64]storage.PageID)}
	}
	if err := d.pager.Restore(meta.NextPageID, meta.FreePages); err != nil {
		return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "restore page allocation")
	}
	d.bp = storage.NewBufferPool(d.opts.Cache.SizePages, d.pager)

	d.wal, err = wal.Open(filepath.Join(dir, walDirName), wal.Options{
		SegmentSize:        int64(d.opts.WAL.SegmentSizeMB) << 20,
		SyncMode:           wal.SyncMode(d.opts.WAL.SyncMode),
		GroupCommitBatch:   d.opts.WAL.GroupCommitBatch,
		GroupCommitTimeout: d.opts.WAL.GroupCommitTimeout,
		Logger:             d.log.With("component", "wal"),
	})
	if err != nil {
		return err
	}

	d.snapshots = mvcc.NewSnapshotManager(mvcc.NewClock(), d.opts.MVCC.HistoryWindow)
	d.snapshots.Publish(meta.LastCommitted)
	d.snapshots.RestoreHorizons(meta.Reclaimed, meta.ExternalOldest)

	cat := catalog.New()
	if len(meta.Catalog) > 0 {
		if cat, err = catalog.Unmarshal(meta.Catalog); err != nil {
			return err
		}
	}
	d.catalog = catalog.NewRegistry(cat)
	if d.filters, err = index.NewFilterCache(index.DefaultFilterCacheSize); err != nil {
		return err
	}

	h := host{d: d}
	d.txns = transaction.NewManager(transaction.Config{
		WAL:              d.wal,
		Snapshots:        d.snapshots,
		Catalog:          d.catalog,
		Stores:           h,
		Apply:            d.apply,
		MaxWriteSetBytes: d.opts.Txn.MaxWriteSetBytes,
		LatchTimeout:     d.opts.Txn.CommitLatchTimeout,
		Logger:           d.log.With("component", "txn"),
	})
	d.builds = indexbuild.NewManager(h, indexbuild.Options{
		Dir:              dir,
		MemoryBudget:     int64(d.opts.IndexBuild.MaxMemoryUsageMB) << 20,
		PersistEveryDocs: d.opts.IndexBuild.PersistEveryDocs,
		Logger:           d.log.With("component", "indexbuild"),
	})

	if err := d.openStores(ctx, cat, meta.Roots); err != nil {
		return err
	}
	d.ckptLSN.Store(uint64(meta.CheckpointLSN))

	var maxTxnID uint64
	var maxCatalog mvcc.Timestamp
	result, err := d.wal.Replay(meta.CheckpointLSN, func(rec *wal.Record) error {
		if rec.TxnID > maxTxnID {
			maxTxnID = rec.TxnID
		}
		if rec.Type == wal.RecordTypeCommit {
			return nil
		}
		if rec.Type == wal.RecordTypeCatalog && mvcc.Timestamp(rec.Timestamp) > maxCatalog {
			maxCatalog = mvcc.Timestamp(rec.Timestamp)
		}
		return d.apply(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}
	d.snapshots.Publish(max(mvcc.Timestamp(result.MaxCommit), maxCatalog))
	d.txns.SetNextTxnID(max(meta.NextTxnID, maxTxnID))
	d.log.Info("WAL replayed", "from_lsn", meta.CheckpointLSN, "last_lsn", result.LastLSN,
		"applied", result.Delivered, "skipped", result.Skipped, "prepared", len(result.Prepared))

	for _, rec := range result.Prepared {
		if _, err := d.txns.Restore(ctx, rec); err != nil {
			return err
		}
	}
	if err := d.dropTempCollections(ctx); err != nil {
		return err
	}

	d.storesMu.RLock()
	for _, rs := range d.records {
		if err := rs.Recount(ctx); err != nil {
			d.storesMu.RUnlock()
			return err
		}
	}
	d.storesMu.RUnlock()

	if _, err := d.builds.Resume(ctx); err != nil {
		return err
	}
	return nil
}

// dropTempCollections removes temporary collections, which do not survive a
// restart.
func (d *Database) dropTempCollections(ctx context.Context) error {
	var temp []string
	cat := d.catalog.Latest()
	for _, name := range cat.Names() {
		if cat.Collections[name].Options.Temp {
			temp = append(temp, name)
		}
	}
	if len(temp) == 0 {
		return nil
	}
	release, err := d.txns.Latch(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = d.commitCatalogLocked(ctx, func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error) {
		next := cur
		for _, name := range temp {
			n, _, err := next.WithoutCollection(ts, name)
			if err != nil {
				return nil, err
			}
			next = n
		}
		return next, nil
	})
	if err == nil {
		d.log.Info("dropped temporary collections", "count", len(temp))
	}
	return err
}

func (d *Database) checkpointLoop(interval time.Duration) {
	defer close(d.ckptDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.Checkpoint(context.Background()); err != nil {
				d.log.Warn("background checkpoint failed", "error", err)
			}
		case <-d.stopCkpt:
			return
		}
	}
}

func (d *Database) stopBackground() {
	if d.exec != nil {
		if err := d.exec.Close(5 * time.Second); err != nil {
			d.log.Warn("operations did not stop in time", "error", err)
		}
	}
	if d.stopCkpt != nil {
		close(d.stopCkpt)
		<-d.ckptDone
		d.stopCkpt = nil
	}
	if d.gc != nil {
		d.gc.Stop()
	}
	if d.builds != nil {
		d.builds.Interrupt()
	}
}

// Close checkpoints and releases the database. Running index builds are
// interrupted and resume at the next Open.
func (d *Database) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.stopBackground()

	var errs []error
	if err := d.checkpoint(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
	}
	if err := d.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.bp.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	d.log.Info("database closed")
	return errors.Join(errs...)
}

// closeWithoutCheckpoint stops the database as a crash would: nothing after
// the last checkpoint reaches the data file.
func (d *Database) closeWithoutCheckpoint() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.stopBackground()
	d.wal.Close()
	d.bp.Close()
	d.lock.Unlock()
}

// abandon releases what a failed Open acquired.
func (d *Database) abandon() {
	if d.builds != nil {
		d.builds.Interrupt()
	}
	if d.wal != nil {
		d.wal.Close()
	}
	if d.bp != nil {
		d.bp.Close()
	} else if d.pager != nil {
		d.pager.Close()
	}
	d.lock.Unlock()
}

func (d *Database) checkOpen() error {
	if d.closed.Load() {
		return storeerr.New(storeerr.CodeStorageUnavailable, "database is closed")
	}
	return nil
}
