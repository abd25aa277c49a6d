package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/nexuscatalog/core"
)

// CatalogConfig names the catalog and where its files live.
type CatalogConfig struct {
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`
}

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	MaxFileSizeBytes  int64  `yaml:"max_file_size_bytes"`
	FileCountKept     int    `yaml:"file_count_kept"`
	SyncMode          string `yaml:"sync_mode"`   // "always" or "disabled"
	Compression       string `yaml:"compression"` // "none", "snappy", "lz4" or "zstd"
	SupplierCacheSize int    `yaml:"supplier_cache_size"`
	Preallocate       bool   `yaml:"preallocate"`
	LockTimeout       string `yaml:"lock_timeout"`
	PersistWatermark  bool   `yaml:"persist_watermark"`
}

// OffHeapConfig sizes the staging arena.
type OffHeapConfig struct {
	RegionSizeBytes int    `yaml:"region_size_bytes"`
	RegionCount     int    `yaml:"region_count"` // 0 stages every transaction on disk
	TempDir         string `yaml:"temp_dir"`     // defaults to <data_dir>/tmp
}

// StorageConfig holds storage-part store configurations.
type StorageConfig struct {
	PebbleDir string `yaml:"pebble_dir"` // relative to catalog.data_dir unless absolute
	Sync      bool   `yaml:"sync"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Catalog CatalogConfig `yaml:"catalog"`
	WAL     WALConfig     `yaml:"wal"`
	OffHeap OffHeapConfig `yaml:"off_heap"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// WALDir is the directory holding the catalog's WAL files.
func (c *Config) WALDir() string { return c.Catalog.DataDir }

// SpillDir is where staged payloads go when they do not fit off-heap.
func (c *Config) SpillDir() string {
	if c.OffHeap.TempDir != "" {
		return c.OffHeap.TempDir
	}
	return filepath.Join(c.Catalog.DataDir, "tmp")
}

// PebbleDir is the directory of the storage-part store.
func (c *Config) PebbleDir() string {
	if filepath.IsAbs(c.Storage.PebbleDir) {
		return c.Storage.PebbleDir
	}
	return filepath.Join(c.Catalog.DataDir, c.Storage.PebbleDir)
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if c.Catalog.Name == "" {
		return core.NewConfigurationError("catalog.name", c.Catalog.Name, "must not be empty")
	}
	if c.WAL.MaxFileSizeBytes <= 0 {
		return core.NewConfigurationError("wal.max_file_size_bytes", fmt.Sprint(c.WAL.MaxFileSizeBytes), "must be positive")
	}
	if c.WAL.FileCountKept < 1 {
		return core.NewConfigurationError("wal.file_count_kept", fmt.Sprint(c.WAL.FileCountKept), "must be at least 1")
	}
	switch core.SyncMode(c.WAL.SyncMode) {
	case core.SyncAlways, core.SyncDisabled:
	default:
		return core.NewConfigurationError("wal.sync_mode", c.WAL.SyncMode, "must be always or disabled")
	}
	if _, err := core.ParseCompressionType(c.WAL.Compression); err != nil {
		return err
	}
	if c.OffHeap.RegionCount < 0 {
		return core.NewConfigurationError("off_heap.region_count", fmt.Sprint(c.OffHeap.RegionCount), "must not be negative")
	}
	if c.OffHeap.RegionCount > 0 && c.OffHeap.RegionSizeBytes <= 0 {
		return core.NewConfigurationError("off_heap.region_size_bytes", fmt.Sprint(c.OffHeap.RegionSizeBytes), "must be positive")
	}
	return nil
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Catalog: CatalogConfig{
			Name:    "catalog",
			DataDir: "./data",
		},
		WAL: WALConfig{
			MaxFileSizeBytes:  core.DefaultWALMaxFileSize,
			FileCountKept:     core.DefaultWALFileCountKept,
			SyncMode:          string(core.SyncAlways),
			Compression:       core.CompressionNone.String(),
			SupplierCacheSize: 16,
			Preallocate:       true,
			LockTimeout:       "5s",
			PersistWatermark:  true,
		},
		OffHeap: OffHeapConfig{
			RegionSizeBytes: core.DefaultRegionSize,
			RegionCount:     core.DefaultRegionCount,
		},
		Storage: StorageConfig{
			PebbleDir: "storage",
			Sync:      true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexuscatalog.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
