package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermark_WriteAndRead(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, Write(tempDir, Watermark{ProcessedUntil: 123}))

	_, err := os.Stat(filepath.Join(tempDir, FileName))
	require.NoError(t, err, "watermark file should exist after write")
	_, err = os.Stat(filepath.Join(tempDir, TempFileName))
	require.True(t, os.IsNotExist(err), "temp file should not exist after a successful write")

	wm, found, err := Read(tempDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(123), wm.ProcessedUntil)
}

func TestWatermark_ReadNonExistent(t *testing.T) {
	wm, found, err := Read(t.TempDir())
	require.NoError(t, err, "a missing file is not an error")
	assert.False(t, found)
	assert.Zero(t, wm.ProcessedUntil)
}

func TestWatermark_Overwrite(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, Write(tempDir, Watermark{ProcessedUntil: 10}))
	require.NoError(t, Write(tempDir, Watermark{ProcessedUntil: 20}))

	wm, found, err := Read(tempDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(20), wm.ProcessedUntil, "value should be from the second write")
}

func TestWatermark_ReadCorrupted(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, FileName)

	t.Run("BadMagicNumber", func(t *testing.T) {
		badData := make([]byte, fileSize)
		copy(badData, []byte{0xDE, 0xAD, 0xBE, 0xEF})
		require.NoError(t, os.WriteFile(path, badData, 0644))

		_, found, err := Read(tempDir)
		require.Error(t, err)
		assert.True(t, found, "found should be true as the file exists")
		assert.Contains(t, err.Error(), "invalid watermark magic number")
	})

	t.Run("TruncatedFile", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte{0x4E, 0x43, 0x57, 0x4D, 0x01, 0x00}, 0644))

		_, found, err := Read(tempDir)
		require.Error(t, err)
		assert.True(t, found)
	})

	t.Run("FlippedBit", func(t *testing.T) {
		require.NoError(t, Write(tempDir, Watermark{ProcessedUntil: 7}))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[5] ^= 0x01
		require.NoError(t, os.WriteFile(path, data, 0644))

		_, _, err = Read(tempDir)
		assert.ErrorContains(t, err, "checksum mismatch")
	})
}

func TestWatermark_DanglingTempFile(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, Write(tempDir, Watermark{ProcessedUntil: 99}))

	// A crash between creating and renaming the temp file leaves it behind.
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, TempFileName), []byte("partial"), 0644))

	wm, found, err := Read(tempDir)
	require.NoError(t, err, "a dangling temp file is ignored")
	require.True(t, found)
	assert.Equal(t, uint64(99), wm.ProcessedUntil)

	require.NoError(t, Write(tempDir, Watermark{ProcessedUntil: 100}))
	wm, _, err = Read(tempDir)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), wm.ProcessedUntil)
}
