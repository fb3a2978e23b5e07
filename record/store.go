// Package record stores versioned documents keyed by record id. Each version
// lives in the tree under the record id followed by its inverted start
// timestamp; the value is the stop timestamp, a flag byte and the payload.
package record

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kartikbazzad/bunbase/bunstore/internal/keystring"
	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// MaxRecordIDSize bounds clustered record ids.
const MaxRecordIDSize = 256

const (
	valueHeaderSize = mvcc.TimestampSize + 1

	// FlagEvicted marks a version stopped by capped eviction.
	FlagEvicted byte = 1 << 0
)

// RecordID identifies a record within a store. Heap ids are 8-byte
// big-endian tokens; clustered ids are the keystring of the cluster key.
type RecordID []byte

// HeapID encodes a heap token.
func HeapID(token uint64) RecordID {
	return keystring.AppendUint64(nil, token)
}

// Token decodes a heap token.
func (r RecordID) Token() (uint64, bool) {
	if len(r) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(r), true
}

// Options configure a store.
type Options struct {
	Clustered  bool
	ClusterKey string
	Capped     bool
	MaxDocs    int64
	MaxBytes   int64
}

// Version is one stored version of a record.
type Version struct {
	Key      []byte // tree key
	RecordID RecordID
	Start    mvcc.Timestamp
	Stop     mvcc.Timestamp
	Flags    byte
	Payload  []byte
}

// Live reports whether the version has not been stopped.
func (v Version) Live() bool { return v.Stop == 0 }

// Document decodes the payload.
func (v Version) Document() (storage.Document, error) {
	doc, err := storage.DeserializeDocument(v.Payload)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.CodeDataCorruption, err, "decode record")
	}
	return doc, nil
}

// EncodeValue builds a version value.
func EncodeValue(stop mvcc.Timestamp, flags byte, payload []byte) []byte {
	v := make([]byte, 0, valueHeaderSize+len(payload))
	v = mvcc.AppendTimestamp(v, stop)
	v = append(v, flags)
	return append(v, payload...)
}

// DecodeVersion splits a tree entry into a Version.
func DecodeVersion(k, v []byte) (Version, error) {
	rid, start, ok := mvcc.SplitVersionKey(k)
	if !ok || len(rid) == 0 {
		return Version{}, storeerr.New(storeerr.CodeDataCorruption, "record key too short")
	}
	if len(v) < valueHeaderSize {
		return Version{}, storeerr.Newf(storeerr.CodeDataCorruption, "record value of %d bytes", len(v))
	}
	return Version{
		Key:      k,
		RecordID: RecordID(rid),
		Start:    start,
		Stop:     mvcc.ReadTimestamp(v),
		Flags:    v[mvcc.TimestampSize],
		Payload:  v[valueHeaderSize:],
	}, nil
}

// workingState is cached per store and rebuilt from the tree.
type workingState struct {
	liveDocs  int64
	liveBytes int64
	evictHint RecordID // no live record sorts before it
}

// Store is one record tree.
type Store struct {
	id   uint64
	opts Options
	tree *storage.BPlusTree

	nextToken atomic.Uint64
	dropped   atomic.Bool

	mu      sync.Mutex
	work    workingState
	cursors cursorArena
}

// Open binds a store to tree and rebuilds its cached state.
func Open(ctx context.Context, id uint64, tree *storage.BPlusTree, opts Options) (*Store, error) {
	if opts.Capped && opts.Clustered {
		return nil, storeerr.New(storeerr.CodeInvalidOptions, "a store cannot be both capped and clustered")
	}
	if opts.Clustered && opts.ClusterKey == "" {
		opts.ClusterKey = "_id"
	}
	s := &Store{id: id, opts: opts, tree: tree}
	s.cursors.init()
	if err := s.Recount(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the store id.
func (s *Store) ID() uint64 { return s.id }

// Options returns the store options.
func (s *Store) Options() Options { return s.opts }

// Tree returns the backing tree.
func (s *Store) Tree() *storage.BPlusTree { return s.tree }

// Capped reports whether the store evicts in insertion order.
func (s *Store) Capped() bool { return s.opts.Capped }

// MarkDropped fails later cursor restores.
func (s *Store) MarkDropped() { s.dropped.Store(true) }

// Recount rebuilds the live counters and the heap token from the tree.
func (s *Store) Recount(ctx context.Context) error {
	var (
		docs, size int64
		maxToken    uint64
	)
	err := s.tree.Walk(ctx, func(k, v []byte) error {
		ver, err := DecodeVersion(k, v)
		if err != nil {
			return err
		}
		if tok, ok := ver.RecordID.Token(); ok && !s.opts.Clustered && tok > maxToken {
			maxToken = tok
		}
		if ver.Live() {
			docs++
			size += int64(len(ver.Payload))
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.work = workingState{liveDocs: docs, liveBytes: size}
	s.mu.Unlock()
	for {
		cur := s.nextToken.Load()
		if cur > maxToken || s.nextToken.CompareAndSwap(cur, maxToken+1) {
			return nil
		}
	}
}

// Usage returns the live document count and payload bytes.
func (s *Store) Usage() (docs, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.work.liveDocs, s.work.liveBytes
}

func (s *Store) adjust(docs, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.work.liveDocs += docs
	s.work.liveBytes += size
	if s.work.liveDocs <= 0 {
		// Everything was deleted: start over from a clean working set.
		s.work = workingState{}
	}
}

// NewRecordID assigns the id for a new document. Heap ids are never reused
// within a run; clustered ids derive from the cluster key.
func (s *Store) NewRecordID(doc storage.Document) (RecordID, error) {
	if !s.opts.Clustered {
		return HeapID(s.nextToken.Add(1) - 1), nil
	}
	v, ok := doc.Lookup(s.opts.ClusterKey)
	if !ok {
		return nil, storeerr.Newf(storeerr.CodeInvalidOptions, "document has no cluster key %q", s.opts.ClusterKey)
	}
	if _, isArray := v.([]interface{}); isArray {
		return nil, storeerr.Newf(storeerr.CodeInvalidOptions, "cluster key %q cannot be an array", s.opts.ClusterKey)
	}
	rid, err := keystring.EncodeValue(v)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.CodeInvalidOptions, err, "encode cluster key")
	}
	if len(rid) > MaxRecordIDSize {
		return nil, storeerr.Newf(storeerr.CodeInvalidOptions, "cluster key of %d bytes exceeds %d", len(rid), MaxRecordIDSize)
	}
	return RecordID(rid), nil
}

// versions iterates the versions of rid, newest first.
func (s *Store) versions(ctx context.Context, rid RecordID, fn func(Version) (bool, error)) error {
	it := s.tree.NewIterator(ctx, storage.IterOptions{Lower: rid, Upper: keystring.PrefixEnd(rid)})
	for it.Next() {
		kv := it.Entry()
		v, err := DecodeVersion(kv.Key, kv.Value)
		if err != nil {
			return err
		}
		if !bytes.Equal(v.RecordID, rid) {
			continue
		}
		more, err := fn(v)
		if err != nil || !more {
			return err
		}
	}
	return storeerr.FromContext(it.Err())
}

// Get returns the version of rid visible at snap.
func (s *Store) Get(ctx context.Context, rid RecordID, snap mvcc.Timestamp) (Version, bool, error) {
	var (
		found Version
		ok    bool
	)
	err := s.versions(ctx, rid, func(v Version) (bool, error) {
		if v.Start > snap {
			return true, nil
		}
		if mvcc.IsVisible(v.Start, v.Stop, snap) {
			found, ok = v, true
		}
		return false, nil
	})
	return found, ok, err
}

// Latest returns the newest version of rid, live or not.
func (s *Store) Latest(ctx context.Context, rid RecordID) (Version, bool, error) {
	var (
		found Version
		ok    bool
	)
	err := s.versions(ctx, rid, func(v Version) (bool, error) {
		found, ok = v, true
		return false, nil
	})
	return found, ok, err
}

// Put writes a live version of rid started at start. Repeating a Put
// rewrites the same entry.
func (s *Store) Put(ctx context.Context, rid RecordID, start mvcc.Timestamp, payload []byte) error {
	key := mvcc.VersionKey(rid, start)
	_, err := s.tree.Search(ctx, key)
	existed := err == nil
	if err != nil && !errors.Is(err, util.ErrKeyNotFound) {
		return err
	}
	if err := s.tree.Insert(ctx, key, EncodeValue(0, 0, payload)); err != nil {
		return err
	}
	if !existed {
		s.adjust(1, int64(len(payload)))
	}
	s.mu.Lock()
	if s.work.evictHint != nil && bytes.Compare(rid, s.work.evictHint) < 0 {
		s.work.evictHint = append(RecordID(nil), rid...)
	}
	s.mu.Unlock()
	return nil
}

// SetStop stops the version stored under key. Stopping a missing or already
// stopped version does nothing. An evicted version invalidates every cursor
// positioned on it.
func (s *Store) SetStop(ctx context.Context, key []byte, stop mvcc.Timestamp, flags byte) error {
	raw, err := s.tree.Search(ctx, key)
	if errors.Is(err, util.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	v, err := DecodeVersion(key, raw)
	if err != nil {
		return err
	}
	if !v.Live() {
		return nil
	}
	if err := s.tree.Insert(ctx, key, EncodeValue(stop, v.Flags|flags, v.Payload)); err != nil {
		return err
	}
	s.adjust(-1, -int64(len(v.Payload)))
	if flags&FlagEvicted != 0 {
		s.mu.Lock()
		s.work.evictHint = append(RecordID(nil), v.RecordID...)
		s.mu.Unlock()
		s.cursors.invalidate(v.RecordID)
	}
	return nil
}

// OldestLive calls fn with live versions in record id order, starting from
// the eviction hint, until fn returns false. For a capped heap store this is
// insertion order.
func (s *Store) OldestLive(ctx context.Context, fn func(Version) (bool, error)) error {
	s.mu.Lock()
	hint := s.work.evictHint
	s.mu.Unlock()

	it := s.tree.NewIterator(ctx, storage.IterOptions{Lower: hint})
	for it.Next() {
		kv := it.Entry()
		v, err := DecodeVersion(kv.Key, kv.Value)
		if err != nil {
			return err
		}
		if !v.Live() {
			continue
		}
		more, err := fn(v)
		if err != nil || !more {
			return err
		}
	}
	return storeerr.FromContext(it.Err())
}

// Reclaim deletes versions stopped at or before oldest.
func (s *Store) Reclaim(ctx context.Context, oldest mvcc.Timestamp) (int, error) {
	return mvcc.ReclaimTree(ctx, s.tree, oldest)
}

// Validate checks ordering and encoding of the store.
func (s *Store) Validate(ctx context.Context) (*storage.ValidateResult, error) {
	return storage.CollHash(s.tree.Walker(ctx), func(k, v []byte) error {
		_, err := DecodeVersion(k, v)
		return err
	})
}
