// Package index maintains secondary indexes over record stores. Every
// entry is versioned: the tree key is the encoded index key, the record id
// and the inverted start timestamp, and the value holds the stop timestamp
// followed by the record id.
package index

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/internal/keystring"
	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// MaxKeySize bounds an encoded index key so that key, record id and
// timestamp always fit in a tree key.
const MaxKeySize = 512

// Entry is one decoded index entry.
type Entry struct {
	Key      []byte // encoded index key
	RecordID []byte
	Start    mvcc.Timestamp
	Stop     mvcc.Timestamp
}

// Live reports whether the entry has not been stopped.
func (e Entry) Live() bool {
	return e.Stop == 0
}

// EntryKey builds the tree key of an entry.
func EntryKey(key, rid []byte, start mvcc.Timestamp) []byte {
	prefix := make([]byte, 0, len(key)+len(rid)+mvcc.TimestampSize)
	prefix = append(prefix, key...)
	prefix = append(prefix, rid...)
	return mvcc.VersionKey(prefix, start)
}

// EntryValue builds the tree value of an entry.
func EntryValue(stop mvcc.Timestamp, rid []byte) []byte {
	v := mvcc.AppendTimestamp(make([]byte, 0, mvcc.TimestampSize+len(rid)), stop)
	return append(v, rid...)
}

// DecodeEntry splits a tree entry.
func DecodeEntry(k, v []byte) (Entry, error) {
	if len(v) < mvcc.TimestampSize {
		return Entry{}, storeerr.Newf(storeerr.CodeDataCorruption, "index entry value of %d bytes", len(v))
	}
	rid := v[mvcc.TimestampSize:]
	prefix, start, ok := mvcc.SplitVersionKey(k)
	if !ok || len(prefix) < len(rid) || !bytes.Equal(prefix[len(prefix)-len(rid):], rid) {
		return Entry{}, storeerr.New(storeerr.CodeDataCorruption, "index entry key does not end with its record id")
	}
	return Entry{
		Key:      prefix[:len(prefix)-len(rid)],
		RecordID: rid,
		Start:    start,
		Stop:     mvcc.ReadTimestamp(v),
	}, nil
}

// Index is one index tree plus its key generator.
type Index struct {
	spec    catalog.IndexSpec
	tree    *storage.BPlusTree
	filter  *Filter
	fields  [][]string
	dirs    []keystring.Direction
	dropped atomic.Bool
}

// Open binds spec to tree. filters may be nil when the index has no partial
// filter.
func Open(spec catalog.IndexSpec, tree *storage.BPlusTree, filters *FilterCache) (*Index, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ix := &Index{spec: spec, tree: tree}
	for _, k := range spec.Key {
		ix.fields = append(ix.fields, strings.Split(k.Field, "."))
		ix.dirs = append(ix.dirs, keystring.Direction(k.Direction))
	}
	if spec.PartialFilter != "" {
		if filters == nil {
			return nil, storeerr.New(storeerr.CodeInvalidOptions, "partial filter without a filter cache")
		}
		f, err := filters.Compile(spec.PartialFilter)
		if err != nil {
			return nil, err
		}
		ix.filter = f
	}
	return ix, nil
}

// Name returns the index name.
func (ix *Index) Name() string { return ix.spec.Name }

// Spec returns the index definition.
func (ix *Index) Spec() catalog.IndexSpec { return ix.spec }

// Unique reports whether the index enforces uniqueness.
func (ix *Index) Unique() bool { return ix.spec.Unique }

// Tree returns the backing tree.
func (ix *Index) Tree() *storage.BPlusTree { return ix.tree }

// MarkDropped makes later cursor restores fail.
func (ix *Index) MarkDropped() { ix.dropped.Store(true) }

// Matches reports whether doc passes the partial filter.
func (ix *Index) Matches(doc storage.Document) bool {
	return ix.filter == nil || ix.filter.Match(doc.AsMap())
}

// Keys returns the sorted, distinct encoded keys doc contributes. A document
// rejected by the partial filter contributes none.
func (ix *Index) Keys(doc storage.Document) ([][]byte, error) {
	if !ix.Matches(doc) {
		return nil, nil
	}

	values := make([][]interface{}, len(ix.fields))
	multi := -1
	for i, path := range ix.fields {
		vals, isArray := valuesAt(map[string]interface{}(doc), path)
		if isArray {
			if multi >= 0 {
				return nil, storeerr.Newf(storeerr.CodeCannotIndexParallelArrays,
					"cannot index parallel arrays [%s] [%s]", ix.spec.Key[multi].Field, ix.spec.Key[i].Field)
			}
			multi = i
		}
		values[i] = vals
	}

	n := 1
	if multi >= 0 {
		n = len(values[multi])
	}
	seen := make(map[string]bool, n)
	keys := make([][]byte, 0, n)
	components := make([]interface{}, len(values))
	for j := 0; j < n; j++ {
		for i, vals := range values {
			if i == multi {
				components[i] = vals[j]
			} else {
				components[i] = vals[0]
			}
		}
		k, err := keystring.Encode(components, ix.dirs)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.CodeInvalidOptions, err, "encode index key")
		}
		if len(k) > MaxKeySize {
			return nil, storeerr.Newf(storeerr.CodeInvalidOptions,
				"index key for %q is %d bytes, limit is %d", ix.spec.Name, len(k), MaxKeySize)
		}
		if !seen[string(k)] {
			seen[string(k)] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(a, b int) bool { return bytes.Compare(keys[a], keys[b]) < 0 })
	return keys, nil
}

// valuesAt resolves path in v, expanding arrays. isArray reports whether an
// array was crossed or reached.
func valuesAt(v interface{}, path []string) (vals []interface{}, isArray bool) {
	if arr, ok := v.([]interface{}); ok {
		if len(path) == 0 {
			if len(arr) == 0 {
				return []interface{}{nil}, true
			}
			return arr, true
		}
		for _, el := range arr {
			if _, ok := asObject(el); !ok {
				continue
			}
			sub, _ := valuesAt(el, path)
			vals = append(vals, sub...)
		}
		if len(vals) == 0 {
			vals = []interface{}{nil}
		}
		return vals, true
	}
	if len(path) == 0 {
		return []interface{}{v}, false
	}
	m, ok := asObject(v)
	if !ok {
		return []interface{}{nil}, false
	}
	child, ok := m[path[0]]
	if !ok {
		return []interface{}{nil}, false
	}
	return valuesAt(child, path[1:])
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch val := v.(type) {
	case map[string]interface{}:
		return val, true
	case storage.Document:
		return val, true
	}
	return nil, false
}

// Insert writes a live entry started at start. Writing an entry that already
// exists overwrites it, so replay can repeat it.
func (ix *Index) Insert(ctx context.Context, key, rid []byte, start mvcc.Timestamp) error {
	return ix.tree.Insert(ctx, EntryKey(key, rid, start), EntryValue(0, rid))
}

// SetStop stops the entry stored under entryKey. A missing entry is a no-op.
func (ix *Index) SetStop(ctx context.Context, entryKey []byte, stop mvcc.Timestamp) error {
	v, err := ix.tree.Search(ctx, entryKey)
	if errors.Is(err, util.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e, err := DecodeEntry(entryKey, v)
	if err != nil {
		return err
	}
	if e.Stop == stop {
		return nil
	}
	return ix.tree.Insert(ctx, entryKey, EntryValue(stop, e.RecordID))
}

// Remove stops every live entry for (key, rid) at stop. It does nothing if
// there is none.
func (ix *Index) Remove(ctx context.Context, key, rid []byte, stop mvcc.Timestamp) error {
	live, err := ix.LiveEntries(ctx, key, rid)
	if err != nil {
		return err
	}
	for _, ek := range live {
		if err := ix.SetStop(ctx, ek, stop); err != nil {
			return err
		}
	}
	return nil
}

// LiveEntries returns the tree keys of the live entries for (key, rid). A
// record normally has at most one, but an index build may leave a second
// entry for the same key with a later start.
func (ix *Index) LiveEntries(ctx context.Context, key, rid []byte) ([][]byte, error) {
	prefix := append(append([]byte(nil), key...), rid...)
	it := ix.tree.NewIterator(ctx, storage.IterOptions{Lower: prefix, Upper: keystring.PrefixEnd(prefix)})
	var out [][]byte
	for it.Next() {
		kv := it.Entry()
		e, err := DecodeEntry(kv.Key, kv.Value)
		if err != nil {
			return nil, err
		}
		if e.Live() && bytes.Equal(e.RecordID, rid) && bytes.Equal(e.Key, key) {
			out = append(out, kv.Key)
		}
	}
	return out, it.Err()
}

// Versions returns every entry, live or stopped, for an index key.
func (ix *Index) Versions(ctx context.Context, key []byte) ([]Entry, error) {
	it := ix.tree.NewIterator(ctx, storage.IterOptions{Lower: key, Upper: keystring.PrefixEnd(key)})
	var out []Entry
	for it.Next() {
		kv := it.Entry()
		e, err := DecodeEntry(kv.Key, kv.Value)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(e.Key, key) {
			out = append(out, e)
		}
	}
	return out, it.Err()
}

// CheckUnique fails with DuplicateKey when another record holds key in the
// snapshot at snap. ignore reports records the caller is removing.
func (ix *Index) CheckUnique(ctx context.Context, key, rid []byte, snap mvcc.Timestamp, ignore func(rid []byte) bool) error {
	if !ix.spec.Unique {
		return nil
	}
	versions, err := ix.Versions(ctx, key)
	if err != nil {
		return err
	}
	for _, e := range versions {
		if bytes.Equal(e.RecordID, rid) || !mvcc.IsVisible(e.Start, e.Stop, snap) {
			continue
		}
		if ignore != nil && ignore(e.RecordID) {
			continue
		}
		return ix.duplicate(key)
	}
	return nil
}

// CheckUniqueLatest is the commit-time check against the newest state. A
// live holder committed after readTs is a WriteConflict, one the caller
// could have seen is a DuplicateKey.
func (ix *Index) CheckUniqueLatest(ctx context.Context, key, rid []byte, readTs mvcc.Timestamp, ignore func(rid []byte) bool) error {
	if !ix.spec.Unique {
		return nil
	}
	versions, err := ix.Versions(ctx, key)
	if err != nil {
		return err
	}
	for _, e := range versions {
		if !e.Live() || bytes.Equal(e.RecordID, rid) {
			continue
		}
		if ignore != nil && ignore(e.RecordID) {
			continue
		}
		if e.Start > readTs {
			return storeerr.Newf(storeerr.CodeWriteConflict, "concurrent insert of a key in unique index %q", ix.spec.Name)
		}
		return ix.duplicate(key)
	}
	return nil
}

func (ix *Index) duplicate(key []byte) error {
	return storeerr.Newf(storeerr.CodeDuplicateKey, "E11000 duplicate key error index: %s dup key: %x", ix.spec.Name, key)
}

// Reclaim deletes entries stopped at or before oldest.
func (ix *Index) Reclaim(ctx context.Context, oldest mvcc.Timestamp) (int, error) {
	return mvcc.ReclaimTree(ctx, ix.tree, oldest)
}
