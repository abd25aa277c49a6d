package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/INLOpen/nexuscatalog/core"
	"github.com/INLOpen/nexuscatalog/mutation"
	"github.com/INLOpen/nexuscatalog/sys"
)

// ReverseSupplier reads transactions in descending version order. Each
// transaction is still returned as a unit: its marker first, then its
// mutations in write order. Files are located through a per-file transaction
// index, cached for sealed files.
type ReverseSupplier struct {
	wal *CatalogWAL

	file   *walFile
	handle sys.FileHandle
	locs   []txLocation
	next   int // index into locs of the next transaction, counting down

	batch []mutation.Mutation
	pos   int
	buf   []byte

	closed           bool
	transactionsRead int
}

// CreateReverseSupplier returns a supplier starting at the transaction with
// version from and walking back to the oldest retained one. A zero from
// starts at the newest transaction.
func (w *CatalogWAL) CreateReverseSupplier(ctx context.Context, from uint64) (*ReverseSupplier, error) {
	_, span := w.tracer.Start(ctx, "CatalogWAL.CreateReverseSupplier")
	defer span.End()
	if w.isClosed() {
		return nil, ErrClosed
	}
	span.SetAttributes(attribute.Int64("wal.from_version", int64(from)))

	s := &ReverseSupplier{wal: w, next: -1}
	if err := s.open(w.locateFile(from)); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if from != 0 {
		// First transaction above from; everything before it is eligible.
		s.next = sort.Search(len(s.locs), func(i int) bool { return s.locs[i].Version > from }) - 1
	}
	return s, nil
}

func (s *ReverseSupplier) open(index uint64) error {
	f, h, err := s.wal.acquireFile(index)
	if err != nil {
		return err
	}
	locs, parsed, err := s.wal.transactionIndex(f, h)
	s.transactionsRead += parsed
	if err != nil {
		s.wal.releaseFile(f, h)
		return err
	}
	if s.file != nil {
		s.wal.releaseFile(s.file, s.handle)
	}
	s.file, s.handle, s.locs, s.next = f, h, locs, len(locs)-1
	return nil
}

func (s *ReverseSupplier) TransactionsRead() int { return s.transactionsRead }

// Next returns the next mutation.
func (s *ReverseSupplier) Next() (mutation.Mutation, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.pos < len(s.batch) {
		m := s.batch[s.pos]
		s.pos++
		return m, nil
	}

	for s.next < 0 {
		prev, ok := s.wal.prevFileIndex(s.file.index)
		if !ok {
			return nil, io.EOF
		}
		expected := uint64(0)
		if len(s.locs) > 0 {
			expected = s.locs[0].Version - 1
		}
		if err := s.open(prev); err != nil {
			if errors.Is(err, errFileRemoved) {
				return nil, io.EOF
			}
			return nil, err
		}
		if expected != 0 && len(s.locs) > 0 && s.locs[len(s.locs)-1].Version != expected {
			return nil, &core.WALCorruptedError{
				Path:     s.file.path,
				Expected: fmt.Sprintf("last catalog version %d", expected),
				Found:    fmt.Sprintf("%d", s.locs[len(s.locs)-1].Version),
			}
		}
	}

	loc := s.locs[s.next]
	s.next--
	if cap(s.buf) < int(loc.Length) {
		s.buf = make([]byte, loc.Length)
	}
	s.buf = s.buf[:loc.Length]
	off := int64(loc.StartOffset)
	if _, err := s.handle.ReadAt(s.buf, off); err != nil {
		return nil, fmt.Errorf("failed to read transaction at offset %d of %s: %w", off, s.file.path, err)
	}
	s.transactionsRead++
	marker, err := decodeMarkerRecord(s.buf[:MarkerRecordSize], s.file.path, off)
	if err != nil {
		return nil, err
	}
	if marker.CatalogVersion != loc.Version {
		return nil, &core.WALCorruptedError{
			Path: s.file.path, Offset: off,
			Expected: fmt.Sprintf("catalog version %d", loc.Version),
			Found:    fmt.Sprintf("%d", marker.CatalogVersion),
		}
	}
	muts, err := decodePayload(s.wal.codec, s.buf[MarkerRecordSize:], marker, s.file.path, off+MarkerRecordSize)
	if err != nil {
		return nil, err
	}
	s.batch = append(s.batch[:0], marker)
	s.batch = append(s.batch, muts...)
	s.pos = 1
	return marker, nil
}

// Close releases the file handle.
func (s *ReverseSupplier) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		s.wal.releaseFile(s.file, s.handle)
	}
	s.batch, s.buf, s.locs, s.handle = nil, nil, nil, nil
	return nil
}
