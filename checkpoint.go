package bunstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

var _ storage.Durable = (*Database)(nil)

// Checkpoint writes every page changed since the last checkpoint to the data
// file and truncates the log up to it.
func (d *Database) Checkpoint(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.checkpoint(ctx)
}

// checkpoint runs with commits and tree writers stopped:
//  1. Force the log and collect dirty page images
//  2. Write images and metadata to the journal, fsync
//  3. Write images to the data file and replace checkpoint.json
//  4. Remove the journal and truncate the log
//
// A crash before step 2 completes leaves the previous checkpoint intact; a
// crash after it is finished by recovery from the journal.
func (d *Database) checkpoint(ctx context.Context) error {
	start := time.Now()
	release, err := d.txns.Latch(ctx)
	if err != nil {
		return err
	}
	defer release()
	d.ckptMu.Lock()
	defer d.ckptMu.Unlock()

	lsn := d.wal.GetCurrentLSN()
	if err := d.wal.Sync(); err != nil {
		return err
	}
	pages, err := d.bp.DirtyPages()
	if err != nil {
		return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "collect dirty pages")
	}
	metaJSON, err := d.buildMeta(lsn)
	if err != nil {
		return err
	}

	dir := d.opts.DataDir
	journalPath := filepath.Join(dir, journalFileName)
	if err := storage.WriteJournal(journalPath, d.pager, pages, metaJSON); err != nil {
		return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "write checkpoint journal")
	}

	var g errgroup.Group
	g.Go(func() error { return storage.WritePages(d.pager, pages) })
	g.Go(func() error { return saveMeta(filepath.Join(dir, metaFileName), metaJSON) })
	if err := g.Wait(); err != nil {
		// The journal stays; the next Open finishes the checkpoint.
		return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "write checkpoint")
	}
	if err := os.Remove(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "remove checkpoint journal")
	}
	if err := d.bp.MarkClean(); err != nil {
		return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "reset swap")
	}
	d.ckptLSN.Store(uint64(lsn))

	if _, err := d.wal.Append(&wal.Record{Type: wal.RecordTypeCheckpoint, Timestamp: uint64(d.snapshots.LastCommitted())}); err != nil {
		return err
	}
	keep := lsn + 1
	if oldest, ok := d.txns.OldestPrepareLSN(); ok && oldest < keep {
		keep = oldest
	}
	if err := d.wal.Truncate(keep); err != nil {
		d.log.Warn("failed to truncate WAL after checkpoint", "lsn", keep, "error", err)
	}

	elapsed := time.Since(start)
	metrics.CheckpointDuration.Observe(elapsed.Seconds())
	d.log.Info("checkpoint complete", "lsn", lsn, "pages", len(pages), "duration", elapsed)
	return nil
}

func (d *Database) buildMeta(lsn wal.LSN) ([]byte, error) {
	cat, err := d.catalog.Latest().Marshal()
	if err != nil {
		return nil, err
	}
	next, free := d.pager.AllocationState()
	reclaimed, external := d.snapshots.Horizons()

	d.rootsMu.Lock()
	roots := make(map[uint64]storage.PageID, len(d.roots))
	for id, root := range d.roots {
		roots[id] = root
	}
	d.rootsMu.Unlock()

	return json.Marshal(&checkpointMeta{
		CheckpointLSN:  lsn,
		LastCommitted:  d.snapshots.LastCommitted(),
		Reclaimed:      reclaimed,
		ExternalOldest: external,
		NextTxnID:      d.txns.NextTxnID(),
		NextPageID:     next,
		FreePages:      free,
		Roots:          roots,
		Catalog:        cat,
	})
}

// pauseCheckpoints holds off checkpoints while a tree is written outside the
// commit latch.
func (d *Database) pauseCheckpoints() func() {
	d.ckptMu.RLock()
	var once sync.Once
	return func() { once.Do(d.ckptMu.RUnlock) }
}

// commitCatalogLocked logs and installs the catalog version fn derives from
// the latest one. The caller holds the commit latch.
func (d *Database) commitCatalogLocked(ctx context.Context, fn func(ts mvcc.Timestamp, cur *catalog.Catalog) (*catalog.Catalog, error)) (*catalog.Catalog, error) {
	ts := d.snapshots.NextCommitTimestamp()
	next, err := fn(ts, d.catalog.Latest())
	if err != nil || next == nil {
		return next, err
	}
	data, err := next.Marshal()
	if err != nil {
		return nil, err
	}
	lsn, err := d.wal.Append(&wal.Record{Type: wal.RecordTypeCatalog, Value: data, Timestamp: uint64(ts)})
	if err != nil {
		return nil, err
	}
	if err := d.installCatalog(ctx, next); err != nil {
		return nil, d.txns.Poison(fmt.Errorf("install catalog version %s: %w", ts, err))
	}
	d.snapshots.Publish(ts)
	if err := d.wal.Flush(context.WithoutCancel(ctx), lsn); err != nil {
		return nil, err
	}
	return next, nil
}
