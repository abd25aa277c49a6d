package wal

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexuscatalog/core"
	"github.com/INLOpen/nexuscatalog/mutation"
	"github.com/INLOpen/nexuscatalog/offheap"
	"github.com/INLOpen/nexuscatalog/sys"
)

type bufferState uint8

const (
	bufferOpen bufferState = iota
	bufferSealed
	bufferFailed
	bufferConsumed
)

// IsolatedBuffer stages the mutation records of one uncommitted transaction.
// Records go to an off-heap region while it has room and to a spill file
// afterwards. A buffer has a single writer and is used for exactly one
// transaction.
type IsolatedBuffer struct {
	memory *offheap.Manager
	codec  *mutation.Codec
	logger *slog.Logger

	state      bufferState
	version    uint64
	hasVersion bool

	region     *offheap.Region
	regionUsed int
	spill      sys.FileHandle
	spillPath  string

	length int64
	count  uint32
	crc    hash.Hash32
	record []byte
	err    error
}

// NewIsolatedBuffer creates an open buffer. memory may be nil, in which case
// every record is spilled.
func NewIsolatedBuffer(memory *offheap.Manager, codec *mutation.Codec, logger *slog.Logger) *IsolatedBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IsolatedBuffer{
		memory: memory,
		codec:  codec,
		logger: logger.With("component", "IsolatedWALBuffer"),
		crc:    crc32.NewIEEE(),
	}
}

// Write encodes m and appends it as a framed record. All writes of a buffer
// must carry the same catalog version candidate.
func (b *IsolatedBuffer) Write(catalogVersionCandidate uint64, m mutation.Mutation) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if b.hasVersion && catalogVersionCandidate != b.version {
		return fmt.Errorf("%w: buffer stages version %d, got %d", ErrVersionMismatch, b.version, catalogVersionCandidate)
	}
	if m.Kind() == mutation.KindTransaction {
		return errors.New("wal: transaction markers are written by the log, not staged")
	}

	typeID, body, err := b.codec.Encode(m)
	if err != nil {
		return fmt.Errorf("failed to encode %s mutation: %w", m.Kind(), err)
	}
	if uint64(len(body)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %s record of %d bytes", ErrTransactionTooLarge, m.Kind(), len(body))
	}
	b.record = appendRecordHeader(b.record[:0], uint32(len(body)), typeID)
	b.record = append(b.record, body...)

	if err := b.append(b.record); err != nil {
		// The spill file may hold part of the record now.
		b.state, b.err = bufferFailed, err
		return fmt.Errorf("%w: %w", ErrBufferFailed, err)
	}
	b.version, b.hasVersion = catalogVersionCandidate, true
	b.crc.Write(b.record)
	b.length += int64(len(b.record))
	b.count++
	return nil
}

func (b *IsolatedBuffer) append(rec []byte) error {
	if b.spill == nil && b.region == nil && b.memory != nil {
		if r, ok := b.memory.Acquire(len(rec)); ok {
			b.region = r
		}
	}
	if b.region != nil {
		if b.regionUsed+len(rec) <= b.region.Size() {
			b.regionUsed += copy(b.region.Bytes()[b.regionUsed:], rec)
			return nil
		}
		if err := b.spillRegion(); err != nil {
			return err
		}
	}
	if b.spill == nil {
		if err := b.openSpill(); err != nil {
			return err
		}
	}
	if _, err := b.spill.Write(rec); err != nil {
		return fmt.Errorf("failed to write staged record to %s: %w", b.spillPath, err)
	}
	return nil
}

// spillRegion moves everything staged so far into a spill file and gives the
// region back.
func (b *IsolatedBuffer) spillRegion() error {
	if err := b.openSpill(); err != nil {
		return err
	}
	if _, err := b.spill.Write(b.region.Bytes()[:b.regionUsed]); err != nil {
		return fmt.Errorf("failed to spill region to %s: %w", b.spillPath, err)
	}
	b.logger.Debug("Region exhausted, spilled to file", "path", b.spillPath, "bytes", b.regionUsed)
	b.region.Release()
	b.region, b.regionUsed = nil, 0
	return nil
}

func (b *IsolatedBuffer) openSpill() error {
	if b.memory == nil {
		return errors.New("wal: no off-heap manager to create spill files")
	}
	f, path, err := b.memory.CreateSpillFile(core.SpillFilePrefix)
	if err != nil {
		return err
	}
	b.spill, b.spillPath = f, path
	return nil
}

func (b *IsolatedBuffer) checkOpen() error {
	switch b.state {
	case bufferOpen:
		return nil
	case bufferFailed:
		return fmt.Errorf("%w: %w", ErrBufferFailed, b.err)
	default:
		return ErrBufferSealed
	}
}

// MutationCount is the number of records staged so far.
func (b *IsolatedBuffer) MutationCount() uint32 { return b.count }

// CatalogVersionCandidate returns the version the buffer stages for, and
// false before the first write.
func (b *IsolatedBuffer) CatalogVersionCandidate() (uint64, bool) { return b.version, b.hasVersion }

// Seal ends staging and hands ownership of the staged bytes to the returned
// payload. The buffer accepts nothing afterwards.
func (b *IsolatedBuffer) Seal() (*StagedPayload, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	b.state = bufferSealed
	p := &StagedPayload{
		region:    b.region,
		spill:     b.spill,
		spillPath: b.spillPath,
		length:    b.length,
		count:     b.count,
		checksum:  b.crc.Sum32(),
		logger:    b.logger,
	}
	if b.region != nil {
		p.inMemory = b.region.Bytes()[:b.regionUsed]
	}
	b.region, b.spill = nil, nil
	return p, nil
}

// Discard releases everything staged. It is safe after Seal and repeated
// calls do nothing.
func (b *IsolatedBuffer) Discard() {
	if b.state == bufferConsumed {
		return
	}
	b.state = bufferConsumed
	if b.region != nil {
		b.region.Release()
		b.region = nil
	}
	if b.spill != nil {
		releaseSpill(b.spill, b.spillPath, b.logger)
		b.spill = nil
	}
}

// StagedPayload owns the staged bytes of one sealed transaction, held either
// in an off-heap region or in a spill file. It is consumed by exactly one
// append and released exactly once.
type StagedPayload struct {
	region    *offheap.Region
	inMemory  []byte
	spill     sys.FileHandle
	spillPath string

	length   int64
	count    uint32
	checksum uint32
	logger   *slog.Logger

	mu       sync.Mutex
	consumed bool
	released bool
}

// Len is the number of staged bytes.
func (p *StagedPayload) Len() int64 { return p.length }

// MutationCount is the number of staged mutation records.
func (p *StagedPayload) MutationCount() uint32 { return p.count }

// Checksum is the CRC32 (IEEE) of the staged bytes.
func (p *StagedPayload) Checksum() uint32 { return p.checksum }

// FileBacked reports whether the bytes live in a spill file.
func (p *StagedPayload) FileBacked() bool { return p.spill != nil }

// consume marks the payload as taken by an append.
func (p *StagedPayload) consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed || p.released {
		return ErrPayloadConsumed
	}
	p.consumed = true
	return nil
}

// WriteTo copies the staged bytes to w.
func (p *StagedPayload) WriteTo(w io.Writer) (int64, error) {
	if p.spill != nil {
		return io.Copy(w, io.NewSectionReader(p.spill, 0, p.length))
	}
	n, err := w.Write(p.inMemory)
	return int64(n), err
}

// Release frees the region or removes the spill file. Later calls do nothing.
func (p *StagedPayload) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	p.inMemory = nil
	if p.region != nil {
		p.region.Release()
		p.region = nil
	}
	if p.spill != nil {
		releaseSpill(p.spill, p.spillPath, p.logger)
		p.spill = nil
	}
}

func releaseSpill(f sys.FileHandle, path string, logger *slog.Logger) {
	if err := f.Close(); err != nil {
		logger.Warn("Failed to close spill file", "path", path, "error", err)
	}
	if err := sys.SafeRemove(path, 3, 0); err != nil {
		logger.Warn("Failed to remove spill file", "path", path, "error", err)
	}
}
