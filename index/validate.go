package index

import (
	"context"

	"github.com/kartikbazzad/bunbase/bunstore/storage"
)

// Validate checks ordering and entry encoding of the index tree and returns
// its collHash.
func (ix *Index) Validate(ctx context.Context) (*storage.ValidateResult, error) {
	return storage.CollHash(ix.tree.Walker(ctx), func(k, v []byte) error {
		_, err := DecodeEntry(k, v)
		return err
	})
}
