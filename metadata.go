package bunstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// checkpointMeta is everything besides page images that a checkpoint makes
// durable. Recovery starts from it and replays the log after CheckpointLSN.
//
// It is stored in checkpoint.json and, while a checkpoint is in flight, in
// the journal next to the pages it describes.
type checkpointMeta struct {
	CheckpointLSN  wal.LSN                   `json:"checkpoint_lsn"`
	LastCommitted  mvcc.Timestamp            `json:"last_committed"`
	Reclaimed      mvcc.Timestamp            `json:"reclaimed,omitempty"`
	ExternalOldest mvcc.Timestamp            `json:"external_oldest,omitempty"`
	NextTxnID      uint64                    `json:"next_txn_id"`
	NextPageID     storage.PageID            `json:"next_page_id"`
	FreePages      []storage.PageID          `json:"free_pages,omitempty"`
	Roots          map[uint64]storage.PageID `json:"roots"` // store id -> root page
	Catalog        json.RawMessage           `json:"catalog"`
}

// loadMeta reads the checkpoint metadata. A missing file means a new
// database and returns nil.
func loadMeta(path string) (*checkpointMeta, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "read checkpoint metadata")
	}
	return decodeMeta(data)
}

func decodeMeta(data []byte) (*checkpointMeta, error) {
	var m checkpointMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, storeerr.Wrap(storeerr.CodeDataCorruption, err, "decode checkpoint metadata")
	}
	if m.Roots == nil {
		m.Roots = make(map[uint64]storage.PageID)
	}
	return &m, nil
}

// saveMeta replaces the metadata file atomically.
func saveMeta(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
