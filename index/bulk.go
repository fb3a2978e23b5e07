package index

import (
	"bytes"
	"context"

	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
)

// KeyEntry is one sorted input to a bulk build.
type KeyEntry struct {
	Key      []byte
	RecordID []byte
	Start    mvcc.Timestamp
}

// BulkBuilder loads sorted entries directly into an empty index tree. For a
// unique index it records the keys held by more than one record instead of
// failing, so the build can decide at commit time.
type BulkBuilder struct {
	ix      *Index
	dups    [][]byte
	count   int
	prevKey []byte
	prevRID []byte
}

// NewBulkBuilder returns a builder for ix.
func (ix *Index) NewBulkBuilder() *BulkBuilder {
	return &BulkBuilder{ix: ix}
}

// Load consumes next until it reports done. The input must be ordered by
// key, then record id.
func (b *BulkBuilder) Load(ctx context.Context, next func() (KeyEntry, bool, error)) error {
	return b.ix.tree.BulkLoad(ctx, func() (storage.Entry, bool, error) {
		ke, ok, err := next()
		if err != nil || !ok {
			return storage.Entry{}, ok, err
		}
		if b.ix.spec.Unique && b.prevKey != nil && bytes.Equal(ke.Key, b.prevKey) && !bytes.Equal(ke.RecordID, b.prevRID) {
			if len(b.dups) == 0 || !bytes.Equal(b.dups[len(b.dups)-1], ke.Key) {
				b.dups = append(b.dups, append([]byte(nil), ke.Key...))
			}
		}
		b.prevKey = append(b.prevKey[:0], ke.Key...)
		b.prevRID = append(b.prevRID[:0], ke.RecordID...)
		b.count++
		return storage.Entry{Key: EntryKey(ke.Key, ke.RecordID, ke.Start), Value: EntryValue(0, ke.RecordID)}, true, nil
	})
}

// Duplicates returns the keys seen with more than one record.
func (b *BulkBuilder) Duplicates() [][]byte {
	return b.dups
}

// Count returns the number of entries loaded.
func (b *BulkBuilder) Count() int {
	return b.count
}
