package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

func newTestTree(t *testing.T, cachePages int) (*BPlusTree, *BufferPool) {
	t.Helper()
	pager, err := NewPager(filepath.Join(t.TempDir(), "data.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create pager: %v", err)
	}
	t.Cleanup(func() { pager.Close() })

	bp := NewBufferPool(cachePages, pager)
	tree, err := NewBPlusTree(bp)
	if err != nil {
		t.Fatalf("Failed to create B+ tree: %v", err)
	}
	return tree, bp
}

func TestBPlusTreeBasicOperations(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t, 100)

	testData := map[string]string{
		"apple":  "red fruit",
		"banana": "yellow fruit",
		"cherry": "red fruit",
		"date":   "brown fruit",
	}
	for key, value := range testData {
		if err := tree.Insert(ctx, []byte(key), []byte(value)); err != nil {
			t.Fatalf("Failed to insert %s: %v", key, err)
		}
	}

	for key, expectedValue := range testData {
		value, err := tree.Search(ctx, []byte(key))
		if err != nil {
			t.Errorf("Failed to find key %s: %v", key, err)
		}
		if string(value) != expectedValue {
			t.Errorf("For key %s, expected %s, got %s", key, expectedValue, string(value))
		}
	}

	if _, err := tree.Search(ctx, []byte("elderberry")); !errors.Is(err, util.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}

	if err := tree.Insert(ctx, []byte("apple"), []byte("green fruit")); err != nil {
		t.Fatalf("Failed to overwrite: %v", err)
	}
	if v, _ := tree.Search(ctx, []byte("apple")); string(v) != "green fruit" {
		t.Errorf("Expected overwritten value, got %s", v)
	}

	if err := tree.Delete(ctx, []byte("banana")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if err := tree.Delete(ctx, []byte("banana")); !errors.Is(err, util.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound on second delete, got %v", err)
	}
}

func TestBPlusTreeManySplitsWithSmallCache(t *testing.T) {
	ctx := context.Background()
	tree, bp := newTestTree(t, 16)

	const n = 3000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%06d", (i*7919)%n))
		if err := tree.Insert(ctx, key, bytes.Repeat([]byte{'v'}, 40)); err != nil {
			t.Fatalf("Failed to insert %s: %v", key, err)
		}
	}

	count, err := tree.Count(ctx)
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != n {
		t.Errorf("Expected %d entries, got %d", n, count)
	}
	if len(bp.Pager().SwappedPages()) == 0 {
		t.Error("Expected dirty pages to be swapped out under a small cache")
	}

	it := tree.NewIterator(ctx, IterOptions{})
	var prev []byte
	for it.Next() {
		if prev != nil && bytes.Compare(prev, it.Entry().Key) >= 0 {
			t.Fatalf("Keys out of order: %s then %s", prev, it.Entry().Key)
		}
		prev = it.Entry().Key
	}
	if it.Err() != nil {
		t.Fatalf("Iteration failed: %v", it.Err())
	}
}

func TestIteratorBoundsAndReverse(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t, 64)

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		if err := tree.Insert(ctx, key, []byte{byte(i)}); err != nil {
			t.Fatalf("Failed to insert: %v", err)
		}
	}

	collect := func(opts IterOptions) []string {
		var keys []string
		it := tree.NewIterator(ctx, opts)
		for it.Next() {
			keys = append(keys, string(it.Entry().Key))
		}
		if it.Err() != nil {
			t.Fatalf("Iteration failed: %v", it.Err())
		}
		return keys
	}

	fwd := collect(IterOptions{Lower: []byte("k0100"), Upper: []byte("k0200")})
	if len(fwd) != 100 || fwd[0] != "k0100" || fwd[99] != "k0199" {
		t.Errorf("Unexpected forward range: len=%d first=%v", len(fwd), fwd[:1])
	}

	rev := collect(IterOptions{Lower: []byte("k0100"), Upper: []byte("k0200"), Reverse: true})
	if len(rev) != 100 || rev[0] != "k0199" || rev[99] != "k0100" {
		t.Errorf("Unexpected reverse range: len=%d first=%v", len(rev), rev[:1])
	}

	it := tree.NewIterator(ctx, IterOptions{})
	it.Seek([]byte("k0450"))
	if !it.Next() || string(it.Entry().Key) != "k0450" {
		t.Errorf("Seek did not land on k0450")
	}
}

func TestOverflowValues(t *testing.T) {
	ctx := context.Background()
	tree, bp := newTestTree(t, 32)

	big := bytes.Repeat([]byte("0123456789"), 3000)
	if err := tree.Insert(ctx, []byte("big"), big); err != nil {
		t.Fatalf("Failed to insert large value: %v", err)
	}
	got, err := tree.Search(ctx, []byte("big"))
	if err != nil {
		t.Fatalf("Failed to read large value: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("Large value mismatch: %d vs %d bytes", len(got), len(big))
	}

	_, freeBefore := bp.Pager().AllocationState()
	if err := tree.Delete(ctx, []byte("big")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	_, freeAfter := bp.Pager().AllocationState()
	if len(freeAfter) <= len(freeBefore) {
		t.Errorf("Expected overflow pages to be freed")
	}
}

func TestBulkLoad(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t, 64)

	const n = 5000
	i := 0
	next := func() (Entry, bool, error) {
		if i >= n {
			return Entry{}, false, nil
		}
		e := Entry{Key: []byte(fmt.Sprintf("b%06d", i)), Value: []byte(fmt.Sprintf("v%d", i))}
		i++
		return e, true, nil
	}
	if err := tree.BulkLoad(ctx, next); err != nil {
		t.Fatalf("Failed to bulk load: %v", err)
	}

	count, err := tree.Count(ctx)
	if err != nil || count != n {
		t.Fatalf("Expected %d entries after bulk load, got %d (%v)", n, count, err)
	}
	v, err := tree.Search(ctx, []byte("b004321"))
	if err != nil || string(v) != "v4321" {
		t.Errorf("Unexpected lookup after bulk load: %s %v", v, err)
	}

	// The loaded tree accepts ordinary inserts.
	if err := tree.Insert(ctx, []byte("b002500x"), []byte("mid")); err != nil {
		t.Fatalf("Failed to insert after bulk load: %v", err)
	}

	if err := tree.BulkLoad(ctx, next); err == nil {
		t.Error("Expected bulk load into a non-empty tree to fail")
	}
}

func TestBulkLoadRejectsUnsortedInput(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t, 16)

	keys := []string{"a", "c", "b"}
	i := 0
	err := tree.BulkLoad(ctx, func() (Entry, bool, error) {
		if i >= len(keys) {
			return Entry{}, false, nil
		}
		e := Entry{Key: []byte(keys[i]), Value: []byte("x")}
		i++
		return e, true, nil
	})
	if !errors.Is(err, util.ErrNotSorted) {
		t.Errorf("Expected ErrNotSorted, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(t, 32)

	for i := 0; i < 400; i++ {
		if err := tree.Insert(ctx, []byte(fmt.Sprintf("t%04d", i)), []byte("x")); err != nil {
			t.Fatalf("Failed to insert: %v", err)
		}
	}
	oldRoot := tree.GetRootID()
	if err := tree.Truncate(ctx); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}
	if n, _ := tree.Count(ctx); n != 0 {
		t.Errorf("Expected empty tree, got %d entries", n)
	}
	if tree.GetRootID() == oldRoot {
		t.Log("root page was reused from the free list")
	}
}

func TestCacheExhaustionIsTemporarilyUnavailable(t *testing.T) {
	ctx := context.Background()
	pager, err := NewPager(filepath.Join(t.TempDir(), "data.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create pager: %v", err)
	}
	defer pager.Close()
	bp := NewBufferPool(2, pager)

	p1, err := bp.NewPage(PageTypeLeaf)
	if err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
	p2, err := bp.NewPage(PageTypeLeaf)
	if err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}

	if _, err := bp.NewPage(PageTypeLeaf); !storeerr.Is(err, storeerr.CodeTemporarilyUnavailable) {
		t.Fatalf("Expected TemporarilyUnavailable, got %v", err)
	}

	bp.UnpinPage(p1.ID, true)
	p3, err := bp.NewPage(PageTypeLeaf)
	if err != nil {
		t.Fatalf("Expected allocation to succeed after unpin: %v", err)
	}
	bp.UnpinPage(p2.ID, false)
	bp.UnpinPage(p3.ID, false)

	// The evicted dirty page comes back from swap.
	if _, err := bp.FetchPage(ctx, p1.ID); err != nil {
		t.Fatalf("Failed to refetch swapped page: %v", err)
	}
}

func TestFetchPageHonorsCancellation(t *testing.T) {
	tree, bp := newTestTree(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 200; i++ {
		if err := tree.Insert(ctx, []byte(fmt.Sprintf("c%04d", i)), bytes.Repeat([]byte{1}, 100)); err != nil {
			t.Fatalf("Failed to insert: %v", err)
		}
	}
	cancel()

	// Pages that are not resident require I/O, which must observe the cancel.
	missing := bp.Pager().SwappedPages()
	if len(missing) == 0 {
		t.Skip("no page left the cache")
	}
	resident := false
	for _, id := range missing {
		if _, err := bp.FetchPage(ctx, id); err != nil {
			if !storeerr.Is(err, storeerr.CodeInterrupted) {
				t.Errorf("Expected Interrupted, got %v", err)
			}
			return
		}
		bp.UnpinPage(id, false)
		resident = true
	}
	if resident {
		t.Log("all swapped pages were also resident")
	}
}
