package mvcc

import (
	"context"
	"errors"

	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// ReclaimTree deletes every entry of a versioned tree whose value starts
// with a stop timestamp at or before oldest. Record and index trees share
// that layout.
func ReclaimTree(ctx context.Context, tree *storage.BPlusTree, oldest Timestamp) (int, error) {
	var dead [][]byte
	err := tree.Walk(ctx, func(k, v []byte) error {
		if len(v) >= TimestampSize && IsReclaimable(ReadTimestamp(v), oldest) {
			dead = append(dead, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range dead {
		if err := storeerr.CheckContext(ctx); err != nil {
			return removed, err
		}
		if err := tree.Delete(ctx, k); err != nil && !errors.Is(err, util.ErrKeyNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
