package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"

	"github.com/INLOpen/nexuscatalog/core"
	"github.com/INLOpen/nexuscatalog/mutation"
	"github.com/INLOpen/nexuscatalog/sys"
)

// On-disk layout. Every record is
//
//	length (4 bytes) | type id (2 bytes) | payload (length bytes)
//
// little endian. A transaction is one marker record followed by exactly
// MutationCount mutation records occupying PayloadSizeBytes bytes. Files
// carry no header.
const (
	RecordHeaderSize = 6
	MarkerRecordSize = RecordHeaderSize + mutation.MarkerPayloadSize
)

var markerTypeID = mutation.TypeID(mutation.KindTransaction, core.CompressionNone)

// FileLocation is the extent of one transaction inside a WAL file.
type FileLocation struct {
	StartOffset uint64
	Length      uint32
}

// TransactionReference locates a committed transaction across the log.
type TransactionReference struct {
	FileIndex uint64
	FileLocation
}

// NextOffset is the offset right after the transaction.
func (l FileLocation) NextOffset() uint64 { return l.StartOffset + uint64(l.Length) }

// txLocation is one entry of a per-file transaction index.
type txLocation struct {
	FileLocation
	Version       uint64
	MutationCount uint32
}

// WalFileName returns the file name of the WAL file with the given index.
func WalFileName(catalogName string, index uint64) string {
	return core.FormatWALFileName(catalogName, index)
}

// ParseWalFileIndex extracts the index from a WAL file name. A malformed name
// yields a *core.ConfigurationError.
func ParseWalFileIndex(catalogName, fileName string) (uint64, error) {
	return core.ParseWALFileName(catalogName, fileName)
}

func appendRecordHeader(dst []byte, length uint32, typeID uint16) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, length)
	return binary.LittleEndian.AppendUint16(dst, typeID)
}

func parseRecordHeader(b []byte) (uint32, uint16) {
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint16(b[4:6])
}

// appendMarkerRecord appends a framed marker record to dst.
func appendMarkerRecord(dst []byte, m *mutation.TransactionMutation) []byte {
	dst = appendRecordHeader(dst, mutation.MarkerPayloadSize, markerTypeID)
	return mutation.AppendMarker(dst, m)
}

// decodeMarkerRecord parses a full marker record. Anything other than a
// well-formed marker header is corruption.
func decodeMarkerRecord(rec []byte, path string, off int64) (*mutation.TransactionMutation, error) {
	length, typeID := parseRecordHeader(rec)
	if length != mutation.MarkerPayloadSize || typeID != markerTypeID {
		return nil, &core.WALCorruptedError{
			Path:     path,
			Offset:   off,
			Expected: fmt.Sprintf("marker record (length %d, type id %d)", mutation.MarkerPayloadSize, markerTypeID),
			Found:    fmt.Sprintf("length %d, type id %d", length, typeID),
		}
	}
	m, err := mutation.DecodeMarker(rec[RecordHeaderSize:MarkerRecordSize])
	if err != nil {
		return nil, &core.WALCorruptedError{Path: path, Offset: off, Err: err}
	}
	return m, nil
}

// readMarkerAt reads and parses the marker record at off. A short read is
// returned as io.ErrUnexpectedEOF so callers can tell a torn tail apart from
// damage.
func readMarkerAt(r io.ReaderAt, off int64, path string) (*mutation.TransactionMutation, error) {
	var rec [MarkerRecordSize]byte
	if _, err := r.ReadAt(rec[:], off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read marker at offset %d of %s: %w", off, path, err)
	}
	return decodeMarkerRecord(rec[:], path, off)
}

// decodePayload verifies a transaction payload against its marker and decodes
// its mutation records in write order. payloadOff is the file offset of the
// first payload byte, used for error reporting.
func decodePayload(codec *mutation.Codec, payload []byte, marker *mutation.TransactionMutation, path string, payloadOff int64) ([]mutation.Mutation, error) {
	if sum := crc32.ChecksumIEEE(payload); sum != marker.PayloadChecksum {
		return nil, &core.WALCorruptedError{
			Path:     path,
			Offset:   payloadOff,
			Expected: fmt.Sprintf("payload checksum %08x for version %d", marker.PayloadChecksum, marker.CatalogVersion),
			Found:    fmt.Sprintf("%08x", sum),
		}
	}

	out := make([]mutation.Mutation, 0, marker.MutationCount)
	pos := 0
	for pos < len(payload) {
		recOff := payloadOff + int64(pos)
		if len(payload)-pos < RecordHeaderSize {
			return nil, &core.WALCorruptedError{
				Path: path, Offset: recOff,
				Expected: "record header",
				Found:    fmt.Sprintf("%d trailing payload bytes", len(payload)-pos),
			}
		}
		length, typeID := parseRecordHeader(payload[pos:])
		pos += RecordHeaderSize
		if uint64(length) > uint64(len(payload)-pos) {
			return nil, &core.WALCorruptedError{
				Path: path, Offset: recOff,
				Expected: fmt.Sprintf("record of at most %d bytes", len(payload)-pos),
				Found:    fmt.Sprintf("length %d", length),
			}
		}
		if kind, _ := mutation.SplitTypeID(typeID); kind == mutation.KindTransaction || !mutation.KnownKind(kind) {
			return nil, &core.WALCorruptedError{
				Path: path, Offset: recOff,
				Expected: "mutation type id",
				Found:    fmt.Sprintf("type id %d", typeID),
			}
		}
		m, err := codec.Decode(typeID, payload[pos:pos+int(length)])
		if err != nil {
			return nil, &core.WALCorruptedError{Path: path, Offset: recOff, Expected: "decodable mutation", Found: err.Error(), Err: err}
		}
		out = append(out, m)
		pos += int(length)
	}
	if uint32(len(out)) != marker.MutationCount {
		return nil, &core.WALCorruptedError{
			Path: path, Offset: payloadOff,
			Expected: fmt.Sprintf("%d mutations for version %d", marker.MutationCount, marker.CatalogVersion),
			Found:    fmt.Sprintf("%d", len(out)),
		}
	}
	return out, nil
}

// FileScan summarizes one pass over a WAL file.
type FileScan struct {
	Path         string
	Size         int64
	ValidSize    int64
	Transactions int
	First        uint64
	Last         uint64
}

// Empty reports whether the valid part of the file holds no transaction.
func (s FileScan) Empty() bool { return s.Transactions == 0 }

// Truncated reports whether the file ends with an incomplete transaction.
func (s FileScan) Truncated() bool { return s.ValidSize < s.Size }

// scanFile walks the transactions of r up to size. With a codec every payload
// is read, verified and decoded; without one only markers are read. An
// incomplete trailing transaction ends the scan with ValidSize pointing at
// its start. Anything malformed before that is a *core.WALCorruptedError.
func scanFile(r io.ReaderAt, size int64, path string, codec *mutation.Codec) (FileScan, []txLocation, error) {
	scan := FileScan{Path: path, Size: size}
	var locs []txLocation
	var off int64
	var payload []byte
	for off < size {
		if size-off < MarkerRecordSize {
			break
		}
		marker, err := readMarkerAt(r, off, path)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return scan, locs, err
		}
		if scan.Transactions > 0 && marker.CatalogVersion != scan.Last+1 {
			return scan, locs, &core.WALCorruptedError{
				Path: path, Offset: off,
				Expected: fmt.Sprintf("catalog version %d", scan.Last+1),
				Found:    fmt.Sprintf("%d", marker.CatalogVersion),
			}
		}
		total := uint64(MarkerRecordSize) + marker.PayloadSizeBytes
		if marker.PayloadSizeBytes > uint64(size) || uint64(off)+total > uint64(size) {
			break
		}
		if total > uint64(^uint32(0)) {
			return scan, locs, &core.WALCorruptedError{
				Path: path, Offset: off,
				Expected: "transaction length within 4 GiB",
				Found:    fmt.Sprintf("%d bytes", total),
			}
		}
		if codec != nil {
			if cap(payload) < int(marker.PayloadSizeBytes) {
				payload = make([]byte, marker.PayloadSizeBytes)
			}
			payload = payload[:marker.PayloadSizeBytes]
			if _, err := r.ReadAt(payload, off+MarkerRecordSize); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return scan, locs, fmt.Errorf("failed to read payload at offset %d of %s: %w", off+MarkerRecordSize, path, err)
			}
			if _, err := decodePayload(codec, payload, marker, path, off+MarkerRecordSize); err != nil {
				return scan, locs, err
			}
		}

		if scan.Transactions == 0 {
			scan.First = marker.CatalogVersion
		}
		scan.Last = marker.CatalogVersion
		scan.Transactions++
		locs = append(locs, txLocation{
			FileLocation:  FileLocation{StartOffset: uint64(off), Length: uint32(total)},
			Version:       marker.CatalogVersion,
			MutationCount: marker.MutationCount,
		})
		off += int64(total)
	}
	scan.ValidSize = off
	return scan, locs, nil
}

// CheckAndTruncate verifies every transaction of the WAL file at path and
// cuts off an incomplete trailing transaction, so the file ends exactly after
// its last complete one. Running it on a valid file changes nothing.
func CheckAndTruncate(path string, codec *mutation.Codec, logger *slog.Logger) (FileScan, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := sys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return FileScan{Path: path}, fmt.Errorf("failed to open WAL file %s for check: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return FileScan{Path: path}, fmt.Errorf("failed to stat WAL file %s: %w", path, err)
	}
	scan, _, err := scanFile(f, stat.Size(), path, codec)
	if err != nil {
		return scan, err
	}
	if scan.Truncated() {
		logger.Warn("Truncating incomplete trailing transaction",
			"path", path, "size", scan.Size, "valid_size", scan.ValidSize, "last_version", scan.Last)
		if err := f.Truncate(scan.ValidSize); err != nil {
			return scan, fmt.Errorf("failed to truncate WAL file %s to %d: %w", path, scan.ValidSize, err)
		}
		if err := f.Sync(); err != nil {
			return scan, fmt.Errorf("failed to sync truncated WAL file %s: %w", path, err)
		}
	}
	return scan, nil
}
