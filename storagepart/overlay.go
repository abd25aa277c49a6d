package storagepart

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/INLOpen/skiplist"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexuscatalog/offheap"
	"github.com/INLOpen/nexuscatalog/sys"
)

const overlaySpillPrefix = "overlay"

type overlayEntry struct {
	part    StoragePart
	removed bool
}

// TransactionalOverlay collects the storage-part writes of one transaction.
// Reads see the transaction's own writes first, removals hide the delegate's
// parts, and nothing reaches the delegate before Commit.
type TransactionalOverlay struct {
	delegate Store
	memory   *offheap.Manager
	logger   *slog.Logger
	tracer   trace.Tracer

	mu         sync.Mutex
	version    uint64
	hasVersion bool
	entries    *skiplist.SkipList[Key, *overlayEntry]
	closed     bool
}

var _ Persistence = (*TransactionalOverlay)(nil)

// NewTransactionalOverlay creates an empty overlay on top of delegate. memory
// stages the encoded changes on commit; with nil memory they always go to a
// spill file in the OS temp directory.
func NewTransactionalOverlay(delegate Store, memory *offheap.Manager, logger *slog.Logger) *TransactionalOverlay {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionalOverlay{
		delegate: delegate,
		memory:   memory,
		logger:   logger.With("component", "TransactionalOverlay"),
		tracer:   otel.Tracer("nexuscatalog/storagepart"),
		entries:  skiplist.NewWithComparator[Key, *overlayEntry](compareKeys),
	}
}

// bindVersion ties the overlay to the first catalog version written with.
// Caller holds mu.
func (o *TransactionalOverlay) bindVersion(catalogVersion uint64) error {
	if o.closed {
		return ErrOverlayClosed
	}
	if o.hasVersion && o.version != catalogVersion {
		return fmt.Errorf("%w: overlay writes version %d, got %d", ErrVersionMismatch, o.version, catalogVersion)
	}
	o.version, o.hasVersion = catalogVersion, true
	return nil
}

// lookup returns the overlay entry for key. Caller holds mu.
func (o *TransactionalOverlay) lookup(key Key) (*overlayEntry, bool) {
	node, ok := o.entries.Seek(key)
	if !ok || compareKeys(node.Key(), key) != 0 {
		return nil, false
	}
	return node.Value(), true
}

func (o *TransactionalOverlay) GetStoragePart(catalogVersion uint64, primaryKey int64, partType PartType) (StoragePart, bool, error) {
	key := Key{Type: partType, PrimaryKey: primaryKey}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return StoragePart{}, false, ErrOverlayClosed
	}
	e, staged := o.lookup(key)
	o.mu.Unlock()
	if staged {
		if e.removed {
			return StoragePart{}, false, nil
		}
		return e.part, true, nil
	}
	return o.delegate.GetStoragePart(catalogVersion, primaryKey, partType)
}

func (o *TransactionalOverlay) PutStoragePart(catalogVersion uint64, part StoragePart) error {
	if err := part.validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.bindVersion(catalogVersion); err != nil {
		return err
	}
	part.Version = catalogVersion
	o.entries.Insert(part.Key(), &overlayEntry{part: part})
	return nil
}

func (o *TransactionalOverlay) RemoveStoragePart(catalogVersion uint64, primaryKey int64, partType PartType) (bool, error) {
	if err := validatePartType(partType); err != nil {
		return false, err
	}
	key := Key{Type: partType, PrimaryKey: primaryKey}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.bindVersion(catalogVersion); err != nil {
		return false, err
	}
	existed := false
	if e, ok := o.lookup(key); ok {
		existed = !e.removed
	} else {
		var err error
		if existed, err = o.delegate.ContainsStoragePart(catalogVersion, primaryKey, partType); err != nil {
			return false, err
		}
	}
	o.entries.Insert(key, &overlayEntry{part: StoragePart{Type: partType, PrimaryKey: primaryKey}, removed: true})
	return existed, nil
}

func (o *TransactionalOverlay) ContainsStoragePart(catalogVersion uint64, primaryKey int64, partType PartType) (bool, error) {
	key := Key{Type: partType, PrimaryKey: primaryKey}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false, ErrOverlayClosed
	}
	e, staged := o.lookup(key)
	o.mu.Unlock()
	if staged {
		return !e.removed, nil
	}
	return o.delegate.ContainsStoragePart(catalogVersion, primaryKey, partType)
}

// Len is the number of keys the overlay changes, removals included.
func (o *TransactionalOverlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.entries == nil {
		return 0
	}
	return o.entries.Len()
}

// Commit stages the overlay's changes in key order and hands them to the
// delegate as one batch. The overlay is closed afterwards, whatever the
// outcome.
func (o *TransactionalOverlay) Commit(ctx context.Context) (err error) {
	ctx, span := o.tracer.Start(ctx, "TransactionalOverlay.Commit")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "commit_failed")
		}
	}()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOverlayClosed
	}
	o.closed = true
	defer func() { o.entries = nil }()

	count := o.entries.Len()
	span.SetAttributes(attribute.Int64("overlay.catalog_version", int64(o.version)), attribute.Int("overlay.changes", count))
	if count == 0 {
		return nil
	}

	changes := make([]Change, 0, count)
	estimate := 0
	o.entries.Range(func(key Key, e *overlayEntry) bool {
		c := Change{Key: key, Removed: e.removed, Part: e.part}
		changes = append(changes, c)
		estimate += encodedChangeSize(c)
		return true
	})

	staged, release, err := o.stage(changes, estimate)
	if err != nil {
		return err
	}
	defer release()

	if err := o.delegate.ApplyChanges(ctx, o.version, newChangeReader(staged, count)); err != nil {
		return fmt.Errorf("failed to apply %d staged changes of version %d: %w", count, o.version, err)
	}
	o.logger.Debug("Overlay committed", "catalog_version", o.version, "changes", count)
	return nil
}

// stage encodes changes into an off-heap region when one is free and big
// enough, and into a spill file otherwise.
func (o *TransactionalOverlay) stage(changes []Change, estimate int) (io.Reader, func(), error) {
	if o.memory != nil {
		if region, ok := o.memory.Acquire(estimate); ok {
			buf := region.Bytes()[:0]
			for _, c := range changes {
				buf = appendChange(buf, c)
			}
			return bytes.NewReader(buf), region.Release, nil
		}
	}

	f, path, err := o.createSpillFile()
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := f.Close(); err != nil {
			o.logger.Warn("Failed to close overlay spill file", "path", path, "error", err)
		}
		if err := sys.SafeRemove(path, 3, 0); err != nil {
			o.logger.Warn("Failed to remove overlay spill file", "path", path, "error", err)
		}
	}
	w := bufio.NewWriter(f)
	var scratch []byte
	var size int64
	for _, c := range changes {
		scratch = appendChange(scratch[:0], c)
		if _, err := w.Write(scratch); err != nil {
			release()
			return nil, nil, fmt.Errorf("failed to stage change %s in %s: %w", c.Key, path, err)
		}
		size += int64(len(scratch))
	}
	if err := w.Flush(); err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to flush overlay spill file %s: %w", path, err)
	}
	o.logger.Debug("Overlay staged on disk", "path", path, "bytes", size)
	return io.NewSectionReader(f, 0, size), release, nil
}

func (o *TransactionalOverlay) createSpillFile() (sys.FileHandle, string, error) {
	if o.memory != nil {
		return o.memory.CreateSpillFile(overlaySpillPrefix)
	}
	f, err := os.CreateTemp("", overlaySpillPrefix+"-*.tmp")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create overlay spill file: %w", err)
	}
	return f, f.Name(), nil
}

// Rollback discards every staged change. Calling it after Commit or a
// previous Rollback does nothing.
func (o *TransactionalOverlay) Rollback() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	n := o.entries.Len()
	o.entries = nil
	o.logger.Debug("Overlay rolled back", "catalog_version", o.version, "changes", n)
}
