package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.WAL.SyncMode != SyncGroup {
		t.Errorf("Expected group sync mode, got %q", cfg.WAL.SyncMode)
	}
	if cfg.IndexBuild.MaxMemoryUsageMB != 200 {
		t.Errorf("Expected 200MB index build budget, got %d", cfg.IndexBuild.MaxMemoryUsageMB)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bunstore.yaml")
	content := "data_dir: " + dir + "\ncache:\n  size_pages: 64\nmvcc:\n  history_window: 30s\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("BUNSTORE_WAL_SYNC_MODE", "none")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("Expected data dir %s, got %s", dir, cfg.DataDir)
	}
	if cfg.Cache.SizePages != 64 {
		t.Errorf("Expected 64 cache pages, got %d", cfg.Cache.SizePages)
	}
	if cfg.MVCC.HistoryWindow != 30*time.Second {
		t.Errorf("Expected 30s history window, got %v", cfg.MVCC.HistoryWindow)
	}
	if cfg.WAL.SyncMode != SyncNone {
		t.Errorf("Expected env override to none, got %q", cfg.WAL.SyncMode)
	}
}

func TestValidateRejectsBadSyncMode(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.WAL.SyncMode = "sometimes"
	if err := cfg.Validate(); !storeerr.Is(err, storeerr.CodeInvalidOptions) {
		t.Errorf("Expected InvalidOptions, got %v", err)
	}
}
