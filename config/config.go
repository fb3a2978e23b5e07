// Package config loads engine configuration from an optional file and
// BUNSTORE_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// EnvPrefix is the environment variable prefix (BUNSTORE_CACHE_SIZE_PAGES).
const EnvPrefix = "BUNSTORE"

// SyncMode controls when the WAL is fsynced relative to commit acknowledgement.
type SyncMode string

const (
	SyncGroup  SyncMode = "group"  // batched fsync before acknowledging
	SyncAlways SyncMode = "always" // fsync per commit
	SyncNone   SyncMode = "none"   // relaxed durability, never wait
)

// Config is the complete engine configuration.
type Config struct {
	DataDir           string           `mapstructure:"data_dir"`
	EncryptionKeyFile string           `mapstructure:"encryption_key_file"`
	Cache             CacheConfig      `mapstructure:"cache"`
	WAL               WALConfig        `mapstructure:"wal"`
	Checkpoint        CheckpointConfig `mapstructure:"checkpoint"`
	MVCC              MVCCConfig       `mapstructure:"mvcc"`
	Txn               TxnConfig        `mapstructure:"txn"`
	IndexBuild        IndexBuildConfig `mapstructure:"index_build"`
	Workers           WorkersConfig    `mapstructure:"workers"`
	Log               LogConfig        `mapstructure:"log"`
	Metrics           MetricsConfig    `mapstructure:"metrics"`
}

// CacheConfig sizes the page cache.
type CacheConfig struct {
	SizePages int `mapstructure:"size_pages"`
}

// WALConfig controls the write-ahead log.
type WALConfig struct {
	SegmentSizeMB      int           `mapstructure:"segment_size_mb"`
	SyncMode           SyncMode      `mapstructure:"sync_mode"`
	GroupCommitBatch   int           `mapstructure:"group_commit_batch"`
	GroupCommitTimeout time.Duration `mapstructure:"group_commit_timeout"`
}

// CheckpointConfig controls background checkpoints. Zero disables the timer.
type CheckpointConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// MVCCConfig controls version retention.
type MVCCConfig struct {
	HistoryWindow time.Duration `mapstructure:"history_window"`
	GCInterval    time.Duration `mapstructure:"gc_interval"`
}

// TxnConfig bounds transactions.
type TxnConfig struct {
	MaxWriteSetBytes   int64         `mapstructure:"max_write_set_bytes"`
	CommitLatchTimeout time.Duration `mapstructure:"commit_latch_timeout"`
}

// IndexBuildConfig controls the index builder.
type IndexBuildConfig struct {
	MaxMemoryUsageMB int `mapstructure:"max_memory_usage_mb"`
	PersistEveryDocs int `mapstructure:"persist_every_docs"`
}

// WorkersConfig sizes the operation worker pool.
type WorkersConfig struct {
	Size     int `mapstructure:"size"`
	MaxQueue int `mapstructure:"max_queue"`
}

// LogConfig mirrors logger.Config.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint of the CLI.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Default returns a configuration rooted at dir.
func Default(dir string) *Config {
	return &Config{
		DataDir: dir,
		Cache:   CacheConfig{SizePages: 1024},
		WAL: WALConfig{
			SegmentSizeMB:      64,
			SyncMode:           SyncGroup,
			GroupCommitBatch:   100,
			GroupCommitTimeout: 10 * time.Millisecond,
		},
		Checkpoint: CheckpointConfig{Interval: time.Minute},
		MVCC: MVCCConfig{
			HistoryWindow: 5 * time.Minute,
			GCInterval:    10 * time.Second,
		},
		Txn: TxnConfig{
			MaxWriteSetBytes:   16 * 1024 * 1024,
			CommitLatchTimeout: 5 * time.Second,
		},
		IndexBuild: IndexBuildConfig{
			MaxMemoryUsageMB: 200,
			PersistEveryDocs: 1000,
		},
		Workers: WorkersConfig{Size: 16, MaxQueue: 1024},
		Log:     LogConfig{Level: "INFO", Format: "text"},
		Metrics: MetricsConfig{Listen: ":9464"},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("encryption_key_file", d.EncryptionKeyFile)
	v.SetDefault("cache.size_pages", d.Cache.SizePages)
	v.SetDefault("wal.segment_size_mb", d.WAL.SegmentSizeMB)
	v.SetDefault("wal.sync_mode", string(d.WAL.SyncMode))
	v.SetDefault("wal.group_commit_batch", d.WAL.GroupCommitBatch)
	v.SetDefault("wal.group_commit_timeout", d.WAL.GroupCommitTimeout)
	v.SetDefault("checkpoint.interval", d.Checkpoint.Interval)
	v.SetDefault("mvcc.history_window", d.MVCC.HistoryWindow)
	v.SetDefault("mvcc.gc_interval", d.MVCC.GCInterval)
	v.SetDefault("txn.max_write_set_bytes", d.Txn.MaxWriteSetBytes)
	v.SetDefault("txn.commit_latch_timeout", d.Txn.CommitLatchTimeout)
	v.SetDefault("index_build.max_memory_usage_mb", d.IndexBuild.MaxMemoryUsageMB)
	v.SetDefault("index_build.persist_every_docs", d.IndexBuild.PersistEveryDocs)
	v.SetDefault("workers.size", d.Workers.Size)
	v.SetDefault("workers.max_queue", d.Workers.MaxQueue)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
}

// Load reads configuration. path may be empty; environment variables always
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default("./data"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return storeerr.New(storeerr.CodeInvalidOptions, "data_dir is required")
	}
	if c.Cache.SizePages < 16 {
		return storeerr.Newf(storeerr.CodeInvalidOptions, "cache.size_pages must be at least 16, got %d", c.Cache.SizePages)
	}
	switch c.WAL.SyncMode {
	case SyncGroup, SyncAlways, SyncNone:
	default:
		return storeerr.Newf(storeerr.CodeInvalidOptions, "unknown wal.sync_mode %q", c.WAL.SyncMode)
	}
	if c.WAL.SegmentSizeMB <= 0 {
		return storeerr.New(storeerr.CodeInvalidOptions, "wal.segment_size_mb must be positive")
	}
	if c.IndexBuild.MaxMemoryUsageMB <= 0 {
		return storeerr.New(storeerr.CodeInvalidOptions, "index_build.max_memory_usage_mb must be positive")
	}
	if c.Workers.Size <= 0 {
		return storeerr.New(storeerr.CodeInvalidOptions, "workers.size must be positive")
	}
	return nil
}

// Path joins name under the data directory.
func (c *Config) Path(name ...string) string {
	return filepath.Join(append([]string{c.DataDir}, name...)...)
}
