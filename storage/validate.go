package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// maxReportedErrors caps the messages kept in a ValidateResult.
const maxReportedErrors = 20

// ValidateResult is the outcome of a structural check of one tree.
type ValidateResult struct {
	Entries    int      `json:"entries"`
	OutOfOrder int      `json:"out_of_order"`
	Malformed  int      `json:"malformed"`
	CollHash   string   `json:"coll_hash"`
	Errors     []string `json:"errors,omitempty"`
}

// Valid reports whether no structural problem was found.
func (r *ValidateResult) Valid() bool {
	return r.OutOfOrder == 0 && r.Malformed == 0
}

func (r *ValidateResult) addError(format string, args ...interface{}) {
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	}
}

// WalkFunc feeds entries, in stored order, to fn.
type WalkFunc func(fn func(key, value []byte) error) error

// Walk visits every entry of the tree in key order.
func (t *BPlusTree) Walk(ctx context.Context, fn func(key, value []byte) error) error {
	it := t.NewIterator(ctx, IterOptions{})
	for it.Next() {
		e := it.Entry()
		if err := fn(e.Key, e.Value); err != nil {
			return err
		}
	}
	return it.Err()
}

// Walker binds Walk to ctx.
func (t *BPlusTree) Walker(ctx context.Context) WalkFunc {
	return func(fn func(key, value []byte) error) error {
		return t.Walk(ctx, fn)
	}
}

// CollHash walks entries in stored order, flags keys that do not strictly
// increase and hashes every key and value. check, if set, reports entries
// whose contents do not decode. Structural problems land in the result; the
// error is only for failures to read.
func CollHash(walk WalkFunc, check func(key, value []byte) error) (*ValidateResult, error) {
	res := &ValidateResult{}
	h := xxhash.New()
	var prev []byte
	var n [4]byte
	err := walk(func(key, value []byte) error {
		res.Entries++
		if prev != nil && bytes.Compare(key, prev) <= 0 {
			res.OutOfOrder++
			res.addError("entry %d: key %x is not greater than previous key %x", res.Entries, key, prev)
		}
		prev = append(prev[:0], key...)
		if check != nil {
			if err := check(key, value); err != nil {
				res.Malformed++
				res.addError("entry %d: %v", res.Entries, err)
			}
		}
		binary.BigEndian.PutUint32(n[:], uint32(len(key)))
		_, _ = h.Write(n[:])
		_, _ = h.Write(key)
		_, _ = h.Write(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.CollHash = fmt.Sprintf("%016x", h.Sum64())
	return res, nil
}
