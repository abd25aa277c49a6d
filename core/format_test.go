package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWALFileNameFormat(t *testing.T) {
	tests := []struct {
		catalog  string
		index    uint64
		expected string
	}{
		{"products", 0, "products_0.wal"},
		{"products", 12, "products_12.wal"},
		{"my_catalog", 99999999, "my_catalog_99999999.wal"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			fileName := FormatWALFileName(tt.catalog, tt.index)
			assert.Equal(t, tt.expected, fileName)

			parsedIndex, err := ParseWALFileName(tt.catalog, fileName)
			require.NoError(t, err)
			assert.Equal(t, tt.index, parsedIndex)
		})
	}

	t.Run("ParseError", func(t *testing.T) {
		malformed := []string{
			"products.wal",         // missing index
			"products_.wal",        // empty index
			"products_abc.wal",     // non-numeric index
			"products_-1.wal",      // negative index
			"other_3.wal",          // missing catalog prefix
			"products_3.wal_backup", // wrong suffix
			"3.wal",
		}
		for _, name := range malformed {
			_, err := ParseWALFileName("products", name)
			require.Error(t, err, name)
			assert.True(t, IsConfigurationError(err), "%s should be a configuration error", name)
			assert.True(t, errors.Is(err, ErrConfiguration))
		}
	})
}

func TestWALCorruptedError(t *testing.T) {
	cause := errors.New("checksum mismatch")
	err := error(&WALCorruptedError{Path: "/tmp/c_0.wal", Offset: 54, Expected: "crc 1", Found: "crc 2", Err: cause})

	assert.True(t, IsWALCorrupted(err))
	assert.ErrorIs(t, err, ErrWALCorrupted)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "/tmp/c_0.wal")
	assert.Contains(t, err.Error(), "offset 54")
	assert.False(t, IsConfigurationError(err))
}

func TestParseCompressionType(t *testing.T) {
	for in, want := range map[string]CompressionType{
		"":       CompressionNone,
		"none":   CompressionNone,
		"Snappy": CompressionSnappy,
		"lz4":    CompressionLZ4,
		"zstd":   CompressionZSTD,
	} {
		got, err := ParseCompressionType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, want.String(), got.String())
		}
	}

	_, err := ParseCompressionType("brotli")
	assert.True(t, IsConfigurationError(err))
}
