package wal

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"

	"github.com/INLOpen/nexuscatalog/core"
	"github.com/INLOpen/nexuscatalog/mutation"
	"github.com/INLOpen/nexuscatalog/sys"
)

// MutationSupplier streams mutations out of the log. Next returns io.EOF once
// nothing more is available. Close must always be called.
type MutationSupplier interface {
	Next() (mutation.Mutation, error)
	// TransactionsRead is the number of transaction markers this supplier
	// has read from disk, skipped ones included.
	TransactionsRead() int
	Close() error
}

var (
	_ MutationSupplier = (*Supplier)(nil)
	_ MutationSupplier = (*ReverseSupplier)(nil)
)

// Supplier reads transactions in ascending version order: each marker is
// followed by its mutations in write order. Reaching the end of the log is
// not final: a later Next picks up transactions appended since.
type Supplier struct {
	wal   *CatalogWAL
	from  uint64
	until uint64

	file     *walFile
	handle   sys.FileHandle
	offset   int64
	expected uint64 // next version to read, 0 before the first marker

	batch    []mutation.Mutation
	pos      int
	payload  []byte
	finished bool
	closed   bool

	transactionsRead int
}

// CreateSupplier returns a forward supplier starting at the first transaction
// with version >= from. until bounds the last version returned; 0 means
// unbounded. When a previous supplier stopped at a boundary not after from,
// reading resumes there instead of scanning the file from its start.
func (w *CatalogWAL) CreateSupplier(ctx context.Context, from, until uint64) (*Supplier, error) {
	_, span := w.tracer.Start(ctx, "CatalogWAL.CreateSupplier")
	defer span.End()
	if w.isClosed() {
		return nil, ErrClosed
	}
	if from == 0 {
		from = 1
	}
	if until != 0 && until < from {
		return nil, fmt.Errorf("wal: supplier range [%d, %d] is empty", from, until)
	}

	s := &Supplier{wal: w, from: from, until: until}
	index := uint64(0)
	cp, resumed := w.findCheckpoint(from)
	if resumed {
		index, s.offset, s.expected = cp.fileIndex, cp.offset, cp.nextVersion
	} else {
		index = w.locateFile(from)
	}
	f, h, err := w.acquireFile(index)
	if err != nil && resumed && errors.Is(err, errFileRemoved) {
		resumed, s.offset, s.expected = false, 0, 0
		f, h, err = w.acquireFile(w.locateFile(from))
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.file, s.handle = f, h
	span.SetAttributes(
		attribute.Int64("wal.from_version", int64(from)),
		attribute.Int64("wal.until_version", int64(until)),
		attribute.Bool("wal.resumed_from_checkpoint", resumed),
	)
	return s, nil
}

func (s *Supplier) TransactionsRead() int { return s.transactionsRead }

// Next returns the next mutation.
func (s *Supplier) Next() (mutation.Mutation, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.pos < len(s.batch) {
		m := s.batch[s.pos]
		s.pos++
		return m, nil
	}
	if s.finished {
		return nil, io.EOF
	}

	for {
		limit := s.file.size.Load()
		if s.offset+MarkerRecordSize > limit {
			next, ok := s.wal.nextFileIndex(s.file.index)
			if !ok {
				return nil, io.EOF
			}
			if err := s.switchTo(next); err != nil {
				return nil, err
			}
			continue
		}

		marker, err := readMarkerAt(s.handle, s.offset, s.file.path)
		if err != nil {
			return nil, s.committedReadError(err)
		}
		s.transactionsRead++
		if s.expected != 0 && marker.CatalogVersion != s.expected {
			return nil, &core.WALCorruptedError{
				Path: s.file.path, Offset: s.offset,
				Expected: fmt.Sprintf("catalog version %d", s.expected),
				Found:    fmt.Sprintf("%d", marker.CatalogVersion),
			}
		}
		total := int64(MarkerRecordSize) + int64(marker.PayloadSizeBytes)
		if s.offset+total > limit {
			return nil, &core.WALCorruptedError{
				Path: s.file.path, Offset: s.offset,
				Expected: fmt.Sprintf("transaction within %d committed bytes", limit),
				Found:    fmt.Sprintf("transaction ending at %d", s.offset+total),
			}
		}

		if marker.CatalogVersion < s.from {
			s.offset += total
			s.expected = marker.CatalogVersion + 1
			continue
		}
		if s.until != 0 && marker.CatalogVersion > s.until {
			s.finished = true
			return nil, io.EOF
		}

		muts, err := s.readPayload(marker)
		if err != nil {
			return nil, err
		}
		s.batch = append(s.batch[:0], marker)
		s.batch = append(s.batch, muts...)
		s.pos = 1
		s.offset += total
		s.expected = marker.CatalogVersion + 1
		if s.until != 0 && marker.CatalogVersion >= s.until {
			s.finished = true
		}
		return marker, nil
	}
}

func (s *Supplier) readPayload(marker *mutation.TransactionMutation) ([]mutation.Mutation, error) {
	n := int(marker.PayloadSizeBytes)
	if cap(s.payload) < n {
		s.payload = make([]byte, n)
	}
	s.payload = s.payload[:n]
	payloadOff := s.offset + MarkerRecordSize
	if _, err := s.handle.ReadAt(s.payload, payloadOff); err != nil {
		return nil, s.committedReadError(err)
	}
	return decodePayload(s.wal.codec, s.payload, marker, s.file.path, payloadOff)
}

// committedReadError maps a short read inside committed bytes to corruption.
func (s *Supplier) committedReadError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &core.WALCorruptedError{
			Path: s.file.path, Offset: s.offset,
			Expected: "committed bytes", Found: "end of file", Err: err,
		}
	}
	return err
}

func (s *Supplier) switchTo(index uint64) error {
	f, h, err := s.wal.acquireFile(index)
	if err != nil {
		return err
	}
	s.wal.releaseFile(s.file, s.handle)
	s.file, s.handle, s.offset = f, h, 0
	return nil
}

// Close releases the file handle. A supplier that stopped between two
// transactions leaves its position behind for later suppliers to resume from.
func (s *Supplier) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.expected != 0 && s.pos >= len(s.batch) {
		s.wal.storeCheckpoint(checkpoint{fileIndex: s.file.index, offset: s.offset, nextVersion: s.expected})
	}
	s.wal.releaseFile(s.file, s.handle)
	s.batch, s.payload, s.handle = nil, nil, nil
	return nil
}
