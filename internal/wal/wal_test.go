package wal

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

func openTestWAL(t *testing.T, dir string, opts Options) *WAL {
	t.Helper()
	opts.Logger = logger.Discard()
	w, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	return w
}

func put(txn uint64, key, value string) *Record {
	return &Record{TxnID: txn, Type: RecordTypePut, StoreID: 7, Key: []byte(key), Value: []byte(value)}
}

func commit(txn, ts uint64) *Record {
	return &Record{TxnID: txn, Type: RecordTypeCommit, Timestamp: ts}
}

func TestRecordEncodeDecode(t *testing.T) {
	r := &Record{LSN: 9, TxnID: 3, Type: RecordTypeStop, StoreID: 12, Key: []byte("k"), Value: []byte("v"), PrevLSN: 8, Timestamp: 77}
	data, err := r.Encode()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if got.LSN != 9 || got.TxnID != 3 || got.Type != RecordTypeStop || got.StoreID != 12 ||
		string(got.Key) != "k" || string(got.Value) != "v" || got.PrevLSN != 8 || got.Timestamp != 77 {
		t.Errorf("Decoded record mismatch: %s", got)
	}

	data[len(data)-1] ^= 0xFF
	if _, err := Decode(data); err == nil {
		t.Error("Expected CRC mismatch to be detected")
	}
}

func TestWALAppendAndReopen(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Options{SyncMode: SyncAlways})

	lsn, err := w.AppendBatch([]*Record{put(1, "a", "1"), put(1, "b", "2"), commit(1, 100)})
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if lsn != 3 {
		t.Errorf("Expected last LSN 3, got %d", lsn)
	}
	if err := w.Flush(context.Background(), lsn); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}
	if w.DurableLSN() != 3 {
		t.Errorf("Expected durable LSN 3, got %d", w.DurableLSN())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	w = openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	defer w.Close()
	if w.GetCurrentLSN() != 3 {
		t.Fatalf("Expected LSN to continue from 3, got %d", w.GetCurrentLSN())
	}
	lsn, err = w.Append(put(2, "c", "3"))
	if err != nil {
		t.Fatalf("Failed to append after reopen: %v", err)
	}
	if lsn != 4 {
		t.Errorf("Expected LSN 4 after reopen, got %d", lsn)
	}
}

func TestReplayDeliversOnlyCommitted(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Options{SyncMode: SyncNone})
	defer w.Close()

	batches := [][]*Record{
		{put(1, "a", "1"), commit(1, 10)},
		{put(2, "b", "2")}, // never committed
		{{TxnID: 3, Type: RecordTypePrepare, Value: []byte("writeset")}},
		{{TxnID: 4, Type: RecordTypePrepare}},
		{{TxnID: 4, Type: RecordTypeAbort}},
		{{Type: RecordTypeCatalog, Value: []byte("{}")}},
		{put(5, "e", "5"), commit(5, 20)},
	}
	for _, b := range batches {
		if _, err := w.AppendBatch(b); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	var keys []string
	res, err := w.Replay(0, func(r *Record) error {
		if r.Type == RecordTypePut {
			keys = append(keys, string(r.Key))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "e" {
		t.Errorf("Expected puts [a e], got %v", keys)
	}
	if res.Skipped != 1 {
		t.Errorf("Expected 1 skipped record, got %d", res.Skipped)
	}
	if len(res.Prepared) != 1 || res.Prepared[0].TxnID != 3 {
		t.Errorf("Expected txn 3 to be reported as prepared, got %v", res.Prepared)
	}
	if res.MaxCommit != 20 {
		t.Errorf("Expected max commit 20, got %d", res.MaxCommit)
	}

	// Replaying from a later LSN skips the earlier commit.
	keys = nil
	if _, err := w.Replay(2, func(r *Record) error {
		if r.Type == RecordTypePut {
			keys = append(keys, string(r.Key))
		}
		return nil
	}); err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	if len(keys) != 1 || keys[0] != "e" {
		t.Errorf("Expected puts [e], got %v", keys)
	}
}

func TestTornTailIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	if _, err := w.AppendBatch([]*Record{put(1, "a", "1"), commit(1, 5)}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if _, err := w.AppendBatch([]*Record{put(2, "b", "2"), commit(2, 6)}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	w.Close()

	path := segmentPath(dir, 1)
	info, _ := os.Stat(path)
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatalf("Failed to tear segment: %v", err)
	}

	w = openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	defer w.Close()
	if w.GetCurrentLSN() != 3 {
		t.Errorf("Expected LSN 3 after discarding torn record, got %d", w.GetCurrentLSN())
	}

	var committed []string
	if _, err := w.Replay(0, func(r *Record) error {
		if r.Type == RecordTypePut {
			committed = append(committed, string(r.Key))
		}
		return nil
	}); err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	if len(committed) != 1 || committed[0] != "a" {
		t.Errorf("Expected only txn 1 to survive, got %v", committed)
	}
}

func TestCorruptionBeforeTailIsFatal(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	for i := 0; i < 3; i++ {
		if _, err := w.Append(put(1, "k", "v")); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}
	w.Close()

	path := segmentPath(dir, 1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read segment: %v", err)
	}
	data[4+20] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write segment: %v", err)
	}

	_, err = Open(dir, Options{Logger: logger.Discard()})
	if !storeerr.Is(err, storeerr.CodeDataCorruption) {
		t.Fatalf("Expected DataCorruption, got %v", err)
	}
}

func TestSegmentRotationAndTruncate(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Options{SyncMode: SyncNone, SegmentSize: 1})
	defer w.Close()

	for i := 0; i < 5; i++ {
		if _, err := w.Append(put(1, "k", "v")); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}
	starts, _ := listSegments(dir)
	if len(starts) != 5 {
		t.Fatalf("Expected 5 segments, got %d", len(starts))
	}

	if err := w.Truncate(4); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}
	starts, _ = listSegments(dir)
	if len(starts) != 2 || starts[0] != 4 {
		t.Errorf("Expected segments starting at 4 and 5, got %v", starts)
	}

	count := 0
	if err := w.Scan(func(*Record) error { count++; return nil }); err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 records left, got %d", count)
	}
}

func TestGroupCommitConcurrentFlush(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Options{SyncMode: SyncGroup})
	defer w.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lsn, err := w.AppendBatch([]*Record{put(uint64(i+1), "k", "v"), commit(uint64(i+1), uint64(i+1))})
			if err != nil {
				errs <- err
				return
			}
			if err := w.Flush(context.Background(), lsn); err != nil {
				errs <- err
				return
			}
			if w.DurableLSN() < lsn {
				errs <- storeerr.Newf(storeerr.CodeUnknown, "lsn %d not durable after flush", lsn)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent commit failed: %v", err)
	}
	if w.GetCurrentLSN() != 100 {
		t.Errorf("Expected 100 records, got %d", w.GetCurrentLSN())
	}
}

func TestFlushObservesCancellation(t *testing.T) {
	w := openTestWAL(t, t.TempDir(), Options{SyncMode: SyncGroup})
	defer w.Close()

	lsn, err := w.Append(put(1, "k", "v"))
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Flush(ctx, lsn); !storeerr.Is(err, storeerr.CodeInterrupted) {
		t.Errorf("Expected Interrupted, got %v", err)
	}
}
