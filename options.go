package bunstore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/kartikbazzad/bunbase/bunstore/config"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Options configures a database instance
type Options struct {
	*config.Config

	// EncryptionKey enables page encryption (32 bytes for AES-256).
	// If nil, Config.EncryptionKeyFile is read; if that is empty too,
	// encryption is disabled.
	EncryptionKey []byte

	// Logger defaults to the process logger tagged component=bunstore.
	Logger *slog.Logger
}

// DefaultOptions returns default database options rooted at path
func DefaultOptions(path string) *Options {
	return &Options{Config: config.Default(path)}
}

// File names under the data directory.
const (
	dataFileName    = "data.db"
	walDirName      = "wal"
	metaFileName    = "checkpoint.json"
	journalFileName = "checkpoint.journal"
	lockFileName    = "LOCK"
)

func (o *Options) validate() error {
	if o == nil || o.Config == nil {
		return storeerr.New(storeerr.CodeInvalidOptions, "options cannot be nil")
	}
	return o.Config.Validate()
}

// encryptionKey returns the page key. A key file holds either the raw 32
// bytes or their hex encoding.
func (o *Options) encryptionKey() ([]byte, error) {
	if o.EncryptionKey != nil || o.EncryptionKeyFile == "" {
		return o.EncryptionKey, nil
	}
	raw, err := os.ReadFile(o.EncryptionKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read encryption key: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 64 {
		key, err := hex.DecodeString(string(trimmed))
		if err == nil {
			return key, nil
		}
	}
	return raw, nil
}
