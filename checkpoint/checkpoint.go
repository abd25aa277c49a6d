// Package checkpoint persists the processed watermark of a catalog WAL, so
// retention keeps honouring it after a restart.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexuscatalog/sys"
)

const (
	FileName     = "PROCESSED"
	TempFileName = FileName + ".tmp"
	// MagicNumber is "NCWM" in little endian.
	MagicNumber uint32 = 0x4D57434E

	fileSize = 4 + 8 + 4
)

// Watermark is the persisted state: every catalog version below
// ProcessedUntil has been consumed downstream.
type Watermark struct {
	ProcessedUntil uint64
}

// Write atomically replaces the watermark file in dir: the new content goes
// to a temporary file that is synced and then renamed over the old one.
func Write(dir string, wm Watermark) error {
	buf := make([]byte, 0, fileSize)
	buf = binary.LittleEndian.AppendUint32(buf, MagicNumber)
	buf = binary.LittleEndian.AppendUint64(buf, wm.ProcessedUntil)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))

	tempPath := filepath.Join(dir, TempFileName)
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp watermark file: %w", err)
	}
	if _, err := file.Write(buf); err != nil {
		file.Close()
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp watermark file: %w", err)
	}
	// Closed before the rename for Windows.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp watermark file before rename: %w", err)
	}

	if err := os.Rename(tempPath, filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("failed to rename temp watermark file to final name: %w", err)
	}
	if err := sys.SyncDir(dir); err != nil && !errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return nil
}

// Read loads the watermark stored in dir. A missing file is not an error; it
// reports found == false and a zero watermark.
func Read(dir string) (Watermark, bool, error) {
	file, err := sys.Open(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Watermark{}, false, nil
		}
		return Watermark{}, false, fmt.Errorf("failed to open watermark file: %w", err)
	}
	defer file.Close()

	buf := make([]byte, fileSize)
	if _, err := io.ReadFull(file, buf); err != nil {
		return Watermark{}, true, fmt.Errorf("failed to read watermark file: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != MagicNumber {
		return Watermark{}, true, fmt.Errorf("invalid watermark magic number: got %x, want %x", magic, MagicNumber)
	}
	if got, want := binary.LittleEndian.Uint32(buf[12:16]), crc32.ChecksumIEEE(buf[:12]); got != want {
		return Watermark{}, true, fmt.Errorf("watermark checksum mismatch: got %x, want %x", got, want)
	}
	return Watermark{ProcessedUntil: binary.LittleEndian.Uint64(buf[4:12])}, true, nil
}
