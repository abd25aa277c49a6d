package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats and naming used
// across the catalog storage layer.

// --- File Names & Suffixes ---
const (
	// WALFileSuffix is the suffix for catalog WAL files.
	WALFileSuffix = ".wal"
	// WALFileSeparator separates the catalog name from the file index.
	WALFileSeparator = "_"
	// LockFileName guards a catalog WAL directory against a second writer.
	LockFileName = "WAL"
	// SpillFilePrefix prefixes temporary files holding staged payloads.
	SpillFilePrefix = "staged"
)

// --- Default Sizes & Limits ---
const (
	// DefaultWALMaxFileSize is the default maximum size of one WAL file.
	DefaultWALMaxFileSize = 16 * 1024 * 1024 // 16 MB
	// DefaultWALFileCountKept is the default number of WAL files retained.
	DefaultWALFileCountKept = 8
	// DefaultRegionSize is the default size of one off-heap region.
	DefaultRegionSize = 1024 * 1024 // 1 MB
	// DefaultRegionCount is the default number of off-heap regions.
	DefaultRegionCount = 16
)

// FormatWALFileName creates a WAL file name from a catalog name and file index,
// e.g. "products_12.wal".
func FormatWALFileName(catalogName string, index uint64) string {
	return fmt.Sprintf("%s%s%d%s", catalogName, WALFileSeparator, index, WALFileSuffix)
}

// ParseWALFileName extracts the file index from a WAL file name belonging to
// catalogName. Any name that does not follow "<catalogName>_<index>.wal" is a
// configuration error: the index is never defaulted.
func ParseWALFileName(catalogName, name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, NewConfigurationError("file_name", name, "missing "+WALFileSuffix+" suffix")
	}
	prefix := catalogName + WALFileSeparator
	if catalogName == "" || !strings.HasPrefix(name, prefix) {
		return 0, NewConfigurationError("file_name", name, fmt.Sprintf("missing catalog prefix %q", prefix))
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, prefix), WALFileSuffix)
	if raw == "" {
		return 0, NewConfigurationError("file_name", name, "missing file index")
	}
	index, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, NewConfigurationError("file_name", name, "file index is not a non-negative integer")
	}
	return index, nil
}

// FormatTempFilename joins a prefix and postfix the way spill files are named.
func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}
