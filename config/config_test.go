package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuscatalog/core"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
catalog:
  name: "products"
  data_dir: "/tmp/test_data"
wal:
  max_file_size_bytes: 8388608 # 8 MiB
  compression: "zstd"
off_heap:
  region_count: 0 # always spill
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "products", cfg.Catalog.Name)
	assert.Equal(t, "/tmp/test_data", cfg.Catalog.DataDir)
	assert.Equal(t, int64(8388608), cfg.WAL.MaxFileSizeBytes)
	assert.Equal(t, "zstd", cfg.WAL.Compression)
	assert.Equal(t, 0, cfg.OffHeap.RegionCount)

	// Check a default value that was not overridden
	assert.Equal(t, core.DefaultWALFileCountKept, cfg.WAL.FileCountKept)
	assert.Equal(t, core.DefaultRegionSize, cfg.OffHeap.RegionSizeBytes)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EmptyReader(t *testing.T) {
	// Test with nil reader
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "catalog", cfg.Catalog.Name) // Check a default value

	// Test with empty string reader
	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
catalog:
  name: "products"
  this: is: invalid: yaml
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"EmptyName", func(c *Config) { c.Catalog.Name = "" }, "catalog.name"},
		{"ZeroFileSize", func(c *Config) { c.WAL.MaxFileSizeBytes = 0 }, "wal.max_file_size_bytes"},
		{"NoFilesKept", func(c *Config) { c.WAL.FileCountKept = 0 }, "wal.file_count_kept"},
		{"UnknownSyncMode", func(c *Config) { c.WAL.SyncMode = "interval" }, "wal.sync_mode"},
		{"UnknownCompression", func(c *Config) { c.WAL.Compression = "brotli" }, "compression"},
		{"NegativeRegions", func(c *Config) { c.OffHeap.RegionCount = -1 }, "off_heap.region_count"},
		{"ZeroRegionSize", func(c *Config) { c.OffHeap.RegionSizeBytes = 0 }, "off_heap.region_size_bytes"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var cfgErr *core.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestDerivedDirectories(t *testing.T) {
	cfg := Default()
	cfg.Catalog.DataDir = "/var/lib/catalog"
	assert.Equal(t, "/var/lib/catalog", cfg.WALDir())
	assert.Equal(t, filepath.Join("/var/lib/catalog", "tmp"), cfg.SpillDir())
	assert.Equal(t, filepath.Join("/var/lib/catalog", "storage"), cfg.PebbleDir())

	cfg.OffHeap.TempDir = "/scratch"
	cfg.Storage.PebbleDir = "/srv/parts"
	assert.Equal(t, "/scratch", cfg.SpillDir())
	assert.Equal(t, "/srv/parts", cfg.PebbleDir())
}

// TestLoadConfig_FileIntegration is a small integration test to ensure
// LoadConfig works correctly with the filesystem.
func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		yamlContent := `
wal:
  file_count_kept: 3
`
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.WAL.FileCountKept)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "non_existent_config.yaml")

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		// Should return default value
		assert.Equal(t, core.DefaultWALFileCountKept, cfg.WAL.FileCountKept)
	})
}

func TestParseDuration(t *testing.T) {
	// Use a logger that discards output for this test
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"ValidMinutes", "2m", 2 * time.Minute},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			result := ParseDuration(tc.input, defaultDuration, testLogger)
			assert.Equal(t, tc.expected, result)
		})
	}
}
