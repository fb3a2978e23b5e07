package index

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/internal/keystring"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

func newTestIndex(t *testing.T, spec catalog.IndexSpec) *Index {
	t.Helper()
	pager, err := storage.NewPager(filepath.Join(t.TempDir(), "data.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create pager: %v", err)
	}
	t.Cleanup(func() { pager.Close() })

	tree, err := storage.NewBPlusTree(storage.NewBufferPool(64, pager))
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}
	filters, err := NewFilterCache(8)
	if err != nil {
		t.Fatalf("Failed to create filter cache: %v", err)
	}
	ix, err := Open(spec, tree, filters)
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	return ix
}

func field(name string, dir int) []catalog.KeyField {
	return []catalog.KeyField{{Field: name, Direction: dir}}
}

func rid(n uint64) []byte {
	return keystring.AppendUint64(nil, n)
}

func TestKeysMultikeyAndParallelArrays(t *testing.T) {
	ix := newTestIndex(t, catalog.IndexSpec{Name: "tags", Key: field("tags", 1)})

	keys, err := ix.Keys(storage.Document{"tags": []interface{}{"b", "a", "b"}})
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Expected 2 distinct keys, got %d", len(keys))
	}
	a, _ := keystring.Encode([]interface{}{"a"}, nil)
	if !bytes.Equal(keys[0], a) {
		t.Errorf("Keys should be sorted, first key is %x", keys[0])
	}

	keys, err = ix.Keys(storage.Document{"other": 1.0})
	if err != nil || len(keys) != 1 {
		t.Fatalf("Missing field should index as null, got %d keys, err %v", len(keys), err)
	}

	compound := newTestIndex(t, catalog.IndexSpec{Name: "ab", Key: []catalog.KeyField{
		{Field: "a", Direction: 1}, {Field: "b", Direction: 1},
	}})
	_, err = compound.Keys(storage.Document{"a": []interface{}{1.0}, "b": []interface{}{2.0}})
	if !storeerr.Is(err, storeerr.CodeCannotIndexParallelArrays) {
		t.Errorf("Expected CannotIndexParallelArrays, got %v", err)
	}
	keys, err = compound.Keys(storage.Document{"a": []interface{}{1.0, 2.0}, "b": 3.0})
	if err != nil || len(keys) != 2 {
		t.Errorf("Expected 2 compound keys, got %d, err %v", len(keys), err)
	}
}

func TestKeysNestedPathThroughArray(t *testing.T) {
	ix := newTestIndex(t, catalog.IndexSpec{Name: "items.sku", Key: field("items.sku", 1)})
	doc := storage.Document{"items": []interface{}{
		map[string]interface{}{"sku": "x"},
		map[string]interface{}{"sku": "y"},
		"not-an-object",
	}}
	keys, err := ix.Keys(doc)
	if err != nil {
		t.Fatalf("Failed to generate keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected a key per array element, got %d", len(keys))
	}
}

func TestPartialFilterSkipsNonMatching(t *testing.T) {
	ix := newTestIndex(t, catalog.IndexSpec{
		Name: "a_1", Key: field("a", 1), Unique: true, PartialFilter: "doc.active == true",
	})
	keys, err := ix.Keys(storage.Document{"a": "unique", "active": false})
	if err != nil || len(keys) != 0 {
		t.Errorf("Non-matching document should have no keys, got %d, err %v", len(keys), err)
	}
	keys, err = ix.Keys(storage.Document{"a": "unique"})
	if err != nil || len(keys) != 0 {
		t.Errorf("Document missing the filter field should have no keys, got %d, err %v", len(keys), err)
	}
	keys, err = ix.Keys(storage.Document{"a": "unique", "active": true})
	if err != nil || len(keys) != 1 {
		t.Errorf("Matching document should have one key, got %d, err %v", len(keys), err)
	}

	filters, _ := NewFilterCache(2)
	if _, err := filters.Compile("doc.a =="); !storeerr.Is(err, storeerr.CodeInvalidOptions) {
		t.Errorf("Expected InvalidOptions for a bad filter, got %v", err)
	}
}

func TestDescendingKeyOrder(t *testing.T) {
	ix := newTestIndex(t, catalog.IndexSpec{Name: "n_-1", Key: field("n", -1)})
	k1, _ := ix.Keys(storage.Document{"n": 1.0})
	k2, _ := ix.Keys(storage.Document{"n": 2.0})
	if bytes.Compare(k2[0], k1[0]) >= 0 {
		t.Error("Descending index should order 2 before 1")
	}
}

func TestUniqueChecks(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, catalog.IndexSpec{Name: "email", Key: field("email", 1), Unique: true})
	keys, _ := ix.Keys(storage.Document{"email": "a@x"})
	key := keys[0]

	if err := ix.Insert(ctx, key, rid(1), 10); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}

	if err := ix.CheckUnique(ctx, key, rid(2), 5, nil); err != nil {
		t.Errorf("Entry after the snapshot must not count: %v", err)
	}
	if err := ix.CheckUnique(ctx, key, rid(2), 10, nil); !storeerr.Is(err, storeerr.CodeDuplicateKey) {
		t.Errorf("Expected DuplicateKey, got %v", err)
	}
	if err := ix.CheckUnique(ctx, key, rid(1), 10, nil); err != nil {
		t.Errorf("Same record must not conflict with itself: %v", err)
	}
	ignore := func(r []byte) bool { return bytes.Equal(r, rid(1)) }
	if err := ix.CheckUnique(ctx, key, rid(2), 10, ignore); err != nil {
		t.Errorf("Ignored record must not conflict: %v", err)
	}

	if err := ix.CheckUniqueLatest(ctx, key, rid(2), 5, nil); !storeerr.Is(err, storeerr.CodeWriteConflict) {
		t.Errorf("Expected WriteConflict for a holder committed after the read, got %v", err)
	}
	if err := ix.CheckUniqueLatest(ctx, key, rid(2), 10, nil); !storeerr.Is(err, storeerr.CodeDuplicateKey) {
		t.Errorf("Expected DuplicateKey for a visible holder, got %v", err)
	}

	if err := ix.Remove(ctx, key, rid(1), 20); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	if err := ix.Remove(ctx, key, rid(99), 20); err != nil {
		t.Errorf("Removing a missing entry should be a no-op: %v", err)
	}
	if err := ix.CheckUniqueLatest(ctx, key, rid(2), 25, nil); err != nil {
		t.Errorf("Stopped entry must not conflict: %v", err)
	}
	if err := ix.CheckUnique(ctx, key, rid(2), 15, nil); !storeerr.Is(err, storeerr.CodeDuplicateKey) {
		t.Errorf("Snapshot before the removal still sees the holder, got %v", err)
	}
}

func TestSetStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, catalog.IndexSpec{Name: "n", Key: field("n", 1)})
	keys, _ := ix.Keys(storage.Document{"n": 1.0})
	ek := EntryKey(keys[0], rid(1), 10)

	for i := 0; i < 2; i++ {
		if err := ix.Insert(ctx, keys[0], rid(1), 10); err != nil {
			t.Fatalf("Failed to insert: %v", err)
		}
		if err := ix.SetStop(ctx, ek, 20); err != nil {
			t.Fatalf("Failed to stop: %v", err)
		}
	}
	if err := ix.SetStop(ctx, EntryKey(keys[0], rid(7), 10), 20); err != nil {
		t.Errorf("Stopping a missing entry should be a no-op: %v", err)
	}
	versions, err := ix.Versions(ctx, keys[0])
	if err != nil {
		t.Fatalf("Failed to list versions: %v", err)
	}
	if len(versions) != 1 || versions[0].Stop != 20 || versions[0].Start != 10 {
		t.Errorf("Unexpected versions %+v", versions)
	}

	removed, err := ix.Reclaim(ctx, 20)
	if err != nil || removed != 1 {
		t.Errorf("Expected one entry reclaimed, got %d, err %v", removed, err)
	}
}

func TestCursorSnapshotAndResume(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, catalog.IndexSpec{Name: "n", Key: field("n", 1)})
	for i := 1; i <= 10; i++ {
		keys, _ := ix.Keys(storage.Document{"n": float64(i)})
		if err := ix.Insert(ctx, keys[0], rid(uint64(i)), mvcc.Timestamp(i)); err != nil {
			t.Fatalf("Failed to insert: %v", err)
		}
	}

	cur, err := ix.Seek(ctx, Bounds{Lower: []interface{}{3.0}, Upper: []interface{}{8.0}}, false, 6)
	if err != nil {
		t.Fatalf("Failed to seek: %v", err)
	}
	var got []uint64
	if !cur.Next() {
		t.Fatalf("Expected a first entry, err %v", cur.Err())
	}
	got = append(got, keystringToken(cur.Entry().RecordID))
	token := cur.ResumeToken()

	if err := cur.Restore(ctx, token); err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}
	for cur.Next() {
		got = append(got, keystringToken(cur.Entry().RecordID))
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	want := []uint64{3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %d, got %d", i, want[i], got[i])
		}
	}

	rev, _ := ix.Seek(ctx, Point(5.0), true, 100)
	if !rev.Next() || keystringToken(rev.Entry().RecordID) != 5 || rev.Next() {
		t.Error("Point seek should return exactly record 5")
	}

	ix.MarkDropped()
	if err := cur.Restore(ctx, token); !storeerr.Is(err, storeerr.CodeStorageUnavailable) {
		t.Errorf("Expected StorageUnavailable after drop, got %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := cur.Restore(cancelled, token); !storeerr.Is(err, storeerr.CodeInterrupted) {
		t.Errorf("Expected Interrupted, got %v", err)
	}
}

func TestResumedMultikeySeekReturnsEachRecordOnce(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, catalog.IndexSpec{Name: "tags_1", Key: field("tags", 1)})
	docs := map[uint64]storage.Document{
		1: {"tags": []interface{}{1.0, 3.0}},
		2: {"tags": []interface{}{2.0}},
	}
	for id, doc := range docs {
		keys, err := ix.Keys(doc)
		if err != nil {
			t.Fatalf("Failed to generate keys: %v", err)
		}
		for _, k := range keys {
			if err := ix.Insert(ctx, k, rid(id), 1); err != nil {
				t.Fatalf("Failed to insert: %v", err)
			}
		}
	}

	for _, reverse := range []bool{false, true} {
		var (
			got   []uint64
			token []byte
		)
		for page := 0; page < 10; page++ {
			cur, err := ix.Seek(ctx, Bounds{}, reverse, 5)
			if err != nil {
				t.Fatalf("Failed to seek: %v", err)
			}
			if token != nil {
				if err := cur.Restore(ctx, token); err != nil {
					t.Fatalf("Failed to restore: %v", err)
				}
			}
			found := false
			for cur.Next() {
				e := cur.Entry()
				id := keystringToken(e.RecordID)
				keys, err := ix.Keys(docs[id])
				if err != nil {
					t.Fatalf("Failed to generate keys: %v", err)
				}
				if cur.Returned(e.RecordID, keys) {
					continue
				}
				got = append(got, id)
				token = cur.ResumeToken()
				found = true
				break
			}
			if err := cur.Err(); err != nil {
				t.Fatalf("Cursor failed: %v", err)
			}
			cur.Close()
			if !found {
				break
			}
		}
		if len(got) != 2 || got[0] == got[1] {
			t.Errorf("Reverse %v: expected each record once, got %v", reverse, got)
		}
	}
}

func keystringToken(b []byte) uint64 {
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n
}

func TestBulkBuilderRecordsDuplicates(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, catalog.IndexSpec{Name: "u", Key: field("u", 1), Unique: true})

	var input []KeyEntry
	for i, v := range []float64{1, 2, 2, 3} {
		keys, _ := ix.Keys(storage.Document{"u": v})
		input = append(input, KeyEntry{Key: keys[0], RecordID: rid(uint64(i + 1)), Start: 1})
	}
	pos := 0
	b := ix.NewBulkBuilder()
	err := b.Load(ctx, func() (KeyEntry, bool, error) {
		if pos == len(input) {
			return KeyEntry{}, false, nil
		}
		pos++
		return input[pos-1], true, nil
	})
	if err != nil {
		t.Fatalf("Failed to bulk load: %v", err)
	}
	if b.Count() != 4 {
		t.Errorf("Expected 4 entries loaded, got %d", b.Count())
	}
	if len(b.Duplicates()) != 1 || !bytes.Equal(b.Duplicates()[0], input[1].Key) {
		t.Errorf("Expected the key of 2 recorded as duplicate, got %x", b.Duplicates())
	}

	res, err := ix.Validate(ctx)
	if err != nil {
		t.Fatalf("Failed to validate: %v", err)
	}
	if !res.Valid() || res.Entries != 4 {
		t.Errorf("Unexpected validation result %+v", res)
	}
}

func TestCollHashDetectsOutOfOrderKeys(t *testing.T) {
	walk := func(keys ...string) storage.WalkFunc {
		return func(fn func(k, v []byte) error) error {
			for _, k := range keys {
				if err := fn([]byte(k), []byte("v")); err != nil {
					return err
				}
			}
			return nil
		}
	}

	good, err := storage.CollHash(walk("a", "b", "c"), nil)
	if err != nil || !good.Valid() {
		t.Fatalf("Ordered walk should be valid: %+v, %v", good, err)
	}
	again, _ := storage.CollHash(walk("a", "b", "c"), nil)
	if again.CollHash != good.CollHash {
		t.Error("CollHash should be deterministic")
	}

	bad, err := storage.CollHash(walk("a", "c", "b"), nil)
	if err != nil {
		t.Fatalf("Out-of-order keys must be reported, not returned as an error: %v", err)
	}
	if bad.Valid() || bad.OutOfOrder != 1 || len(bad.Errors) != 1 {
		t.Errorf("Expected one out-of-order entry, got %+v", bad)
	}
	if bad.CollHash == good.CollHash {
		t.Error("Different contents should hash differently")
	}
}
