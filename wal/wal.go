// Package wal implements the catalog write-ahead log: per-transaction staging
// buffers, the on-disk record framing, the rotating sequence of WAL files and
// the forward and reverse mutation suppliers reading it back.
package wal

import (
	"bufio"
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexuscatalog/cache"
	watermark "github.com/INLOpen/nexuscatalog/checkpoint"
	"github.com/INLOpen/nexuscatalog/core"
	"github.com/INLOpen/nexuscatalog/mutation"
	"github.com/INLOpen/nexuscatalog/offheap"
	"github.com/INLOpen/nexuscatalog/sys"
)

const (
	writeBufferSize          = 256 * 1024
	defaultSupplierCacheSize = 16
	minTxIndexCacheSize      = 16
)

// Options holds configuration for a CatalogWAL.
type Options struct {
	Dir         string
	CatalogName string
	// MaxFileSize is the size a file may reach before the log rotates. A
	// single transaction larger than this still goes into one (empty) file.
	MaxFileSize int64
	// FileCountKept bounds the number of files, the active one included.
	FileCountKept int
	SyncMode      core.SyncMode
	Compression   core.CompressionType
	// SupplierCacheSize is the number of reader checkpoints remembered.
	SupplierCacheSize int
	Preallocate       bool
	LockTimeout       time.Duration
	// PersistWatermark stores the processed watermark in the WAL directory
	// and restores it on Open.
	PersistWatermark bool

	// OnFirstActiveVersionChanged is called with the first retained catalog
	// version whenever retention drops files, before they are deleted. It
	// must not call Append.
	OnFirstActiveVersionChanged func(firstActiveVersion uint64)

	Logger *slog.Logger
	Tracer trace.Tracer

	BytesWritten        *expvar.Int
	TransactionsWritten *expvar.Int
	FilesRemoved        *expvar.Int
	SupplierCacheHits   *expvar.Int
	SupplierCacheMisses *expvar.Int
}

// walFile is the in-memory bookkeeping for one WAL file.
type walFile struct {
	index uint64
	path  string
	// size is the committed length; readers never look past it.
	size atomic.Int64

	// Guarded by CatalogWAL.mu.
	first    uint64
	last     uint64
	txCount  int
	readers  int
	detached bool
	deleted  bool
}

func (f *walFile) empty() bool { return f.txCount == 0 }

// checkpoint is a transaction boundary a finished forward supplier reached.
type checkpoint struct {
	fileIndex   uint64
	offset      int64
	nextVersion uint64
}

// CommittedTransaction is a marker together with where it was read.
type CommittedTransaction struct {
	Reference TransactionReference
	Marker    *mutation.TransactionMutation
}

// CatalogWAL is the write-ahead log of one catalog. Appends are serialized;
// readers work on committed bytes only and never block appends.
type CatalogWAL struct {
	opts    Options
	dir     string
	catalog string
	codec   *mutation.Codec
	logger  *slog.Logger
	tracer  trace.Tracer

	appendMu sync.Mutex
	active   sys.FileHandle
	writer   *bufio.Writer
	scratch  []byte

	mu             sync.RWMutex
	files          []*walFile
	lastVersion    uint64
	hasVersion     bool
	processedUntil uint64
	closed         bool

	watermarkMu    sync.Mutex
	persistedUntil uint64 // guarded by watermarkMu

	checkpoints *cache.LRUCache[uint64, checkpoint]
	txIndexes   *lru.Cache[uint64, []txLocation]
	releaseLock func() error

	bytesWritten        *expvar.Int
	transactionsWritten *expvar.Int
	filesRemoved        *expvar.Int
}

// Open opens or creates the WAL of a catalog. The newest file is verified and
// an incomplete trailing transaction is cut off; the version ranges of the
// other files are indexed in parallel.
func Open(opts Options) (*CatalogWAL, error) {
	if opts.CatalogName == "" || strings.ContainsAny(opts.CatalogName, `/\`) {
		return nil, core.NewConfigurationError("catalog.name", opts.CatalogName, "catalog name must be a non-empty file name")
	}
	if opts.Dir == "" {
		return nil, core.NewConfigurationError("catalog.data_dir", opts.Dir, "WAL directory is required")
	}
	if opts.FileCountKept < 0 {
		return nil, core.NewConfigurationError("wal.file_count_kept", fmt.Sprint(opts.FileCountKept), "must not be negative")
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = core.DefaultWALMaxFileSize
	}
	if opts.FileCountKept == 0 {
		opts.FileCountKept = core.DefaultWALFileCountKept
	}
	if opts.SyncMode == "" {
		opts.SyncMode = core.SyncAlways
	}
	if opts.SupplierCacheSize == 0 {
		opts.SupplierCacheSize = defaultSupplierCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "CatalogWAL_default")
	} else {
		opts.Logger = opts.Logger.With("component", "CatalogWAL")
	}
	opts.Logger = opts.Logger.With("catalog", opts.CatalogName)
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("nexuscatalog/wal")
	}
	for _, c := range []**expvar.Int{&opts.BytesWritten, &opts.TransactionsWritten, &opts.FilesRemoved, &opts.SupplierCacheHits, &opts.SupplierCacheMisses} {
		if *c == nil {
			*c = new(expvar.Int)
		}
	}

	codec, err := mutation.NewCodec(opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &CatalogWAL{
		opts:                opts,
		dir:                 opts.Dir,
		catalog:             opts.CatalogName,
		codec:               codec,
		logger:              opts.Logger,
		tracer:              opts.Tracer,
		bytesWritten:        opts.BytesWritten,
		transactionsWritten: opts.TransactionsWritten,
		filesRemoved:        opts.FilesRemoved,
	}

	release, err := sys.AcquireFileLock(filepath.Join(opts.Dir, core.LockFileName), opts.LockTimeout)
	switch {
	case err == nil:
		w.releaseLock = release
	case errors.Is(err, sys.ErrOSFileLockNotSupported):
		w.logger.Warn("Directory locking not supported, concurrent processes are not detected")
	default:
		return nil, fmt.Errorf("failed to lock WAL directory %s: %w", opts.Dir, err)
	}

	w.checkpoints = cache.NewLRUCache[uint64, checkpoint](opts.SupplierCacheSize, nil)
	w.checkpoints.SetMetrics(opts.SupplierCacheHits, opts.SupplierCacheMisses)
	w.txIndexes, err = lru.New[uint64, []txLocation](max(2*opts.FileCountKept, minTxIndexCacheSize))
	if err != nil {
		w.unlockDir()
		return nil, err
	}

	if err := w.loadFiles(); err != nil {
		w.unlockDir()
		return nil, err
	}
	if opts.PersistWatermark {
		wm, found, err := watermark.Read(opts.Dir)
		if err != nil {
			w.unlockDir()
			return nil, fmt.Errorf("failed to restore processed watermark: %w", err)
		}
		if found {
			w.processedUntil, w.persistedUntil = wm.ProcessedUntil, wm.ProcessedUntil
		}
	}
	if err := w.openForAppend(); err != nil {
		w.unlockDir()
		return nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}
	w.logger.Info("WAL opened", "dir", w.dir, "files", len(w.files), "last_version", w.lastVersion)
	return w, nil
}

func (w *CatalogWAL) unlockDir() {
	if w.releaseLock == nil {
		return
	}
	if err := w.releaseLock(); err != nil {
		w.logger.Warn("Failed to release WAL directory lock", "error", err)
	}
	w.releaseLock = nil
}

func (w *CatalogWAL) filePath(index uint64) string {
	return filepath.Join(w.dir, WalFileName(w.catalog, index))
}

// loadFiles discovers the WAL files of the catalog and indexes them.
func (w *CatalogWAL) loadFiles() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}
	var indexes []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), core.WALFileSuffix) {
			continue
		}
		idx, err := ParseWalFileIndex(w.catalog, e.Name())
		if err != nil {
			return err
		}
		indexes = append(indexes, idx)
	}
	if len(indexes) == 0 {
		return nil
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	scans := make([]FileScan, len(indexes))
	newest := len(indexes) - 1

	scan, err := CheckAndTruncate(w.filePath(indexes[newest]), w.codec, w.logger)
	if err != nil {
		return err
	}
	scans[newest] = scan

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < newest; i++ {
		i := i
		g.Go(func() error {
			s, locs, err := scanPath(w.filePath(indexes[i]))
			if err != nil {
				return err
			}
			if s.Truncated() {
				return &core.WALCorruptedError{
					Path:     s.Path,
					Offset:   s.ValidSize,
					Expected: "complete transactions up to the end of a sealed file",
					Found:    fmt.Sprintf("%d dangling bytes", s.Size-s.ValidSize),
				}
			}
			scans[i] = s
			w.txIndexes.Add(indexes[i], locs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var prev *walFile
	for i, idx := range indexes {
		f := &walFile{index: idx, path: scans[i].Path, first: scans[i].First, last: scans[i].Last, txCount: scans[i].Transactions}
		f.size.Store(scans[i].ValidSize)
		if !f.empty() {
			if prev != nil && f.first != prev.last+1 {
				return &core.WALCorruptedError{
					Path:     f.path,
					Expected: fmt.Sprintf("first catalog version %d", prev.last+1),
					Found:    fmt.Sprintf("%d", f.first),
				}
			}
			prev = f
			w.lastVersion, w.hasVersion = f.last, true
		}
		w.files = append(w.files, f)
	}
	return nil
}

func scanPath(path string) (FileScan, []txLocation, error) {
	f, err := sys.Open(path)
	if err != nil {
		return FileScan{Path: path}, nil, fmt.Errorf("failed to open WAL file %s: %w", path, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return FileScan{Path: path}, nil, fmt.Errorf("failed to stat WAL file %s: %w", path, err)
	}
	return scanFile(f, stat.Size(), path, nil)
}

func (w *CatalogWAL) openForAppend() error {
	if len(w.files) == 0 {
		f, h, err := w.createFile(0)
		if err != nil {
			return err
		}
		w.files = append(w.files, f)
		w.active = h
	} else {
		f := w.files[len(w.files)-1]
		h, err := sys.OpenFile(f.path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open WAL file %s: %w", f.path, err)
		}
		w.active = h
	}
	w.writer = bufio.NewWriterSize(w.active, writeBufferSize)
	return nil
}

func (w *CatalogWAL) createFile(index uint64) (*walFile, sys.FileHandle, error) {
	path := w.filePath(index)
	h, err := sys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create WAL file %s: %w", path, err)
	}
	if w.opts.Preallocate {
		if err := sys.Preallocate(h, w.opts.MaxFileSize); err != nil {
			if errors.Is(err, sys.ErrPreallocNotSupported) {
				w.logger.Debug("Preallocation not supported", "path", path)
			} else {
				w.logger.Warn("Preallocation failed", "path", path, "error", err)
			}
		}
	}
	if err := sys.SyncDir(w.dir); err != nil {
		w.logger.Warn("Failed to sync WAL directory", "dir", w.dir, "error", err)
	}
	return &walFile{index: index, path: path}, h, nil
}

// activeFile is the file appends go to. Caller holds appendMu or mu.
func (w *CatalogWAL) activeFile() *walFile {
	return w.files[len(w.files)-1]
}

// Append writes marker followed by the staged mutation records and returns
// where the transaction landed. The marker must carry the next catalog
// version and announce the staged mutation count; its payload size and
// checksum are filled in from payload. The payload is released whatever the
// outcome.
func (w *CatalogWAL) Append(ctx context.Context, marker *mutation.TransactionMutation, payload *StagedPayload) (ref TransactionReference, err error) {
	_, span := w.tracer.Start(ctx, "CatalogWAL.Append")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "append_failed")
		}
	}()

	if marker == nil || payload == nil {
		return ref, errors.New("wal: append needs a marker and a staged payload")
	}
	if err := payload.consume(); err != nil {
		return ref, err
	}
	defer payload.Release()
	if err := ctx.Err(); err != nil {
		return ref, err
	}

	w.appendMu.Lock()
	defer w.appendMu.Unlock()

	w.mu.RLock()
	closed, last, hasVersion := w.closed, w.lastVersion, w.hasVersion
	w.mu.RUnlock()
	if closed {
		return ref, ErrClosed
	}
	if hasVersion && marker.CatalogVersion != last+1 {
		return ref, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, last+1, marker.CatalogVersion)
	}
	if marker.MutationCount != payload.MutationCount() {
		return ref, fmt.Errorf("%w: marker announces %d, staged %d", ErrMutationCountMismatch, marker.MutationCount, payload.MutationCount())
	}
	if marker.PayloadSizeBytes != 0 && marker.PayloadSizeBytes != uint64(payload.Len()) {
		return ref, fmt.Errorf("%w: marker announces %d bytes, staged %d", ErrPayloadSizeMismatch, marker.PayloadSizeBytes, payload.Len())
	}
	total := int64(MarkerRecordSize) + payload.Len()
	if total > math.MaxUint32 {
		return ref, fmt.Errorf("%w: %d bytes", ErrTransactionTooLarge, total)
	}
	marker.PayloadSizeBytes = uint64(payload.Len())
	marker.PayloadChecksum = payload.Checksum()
	if marker.CommitTimestamp.IsZero() {
		marker.CommitTimestamp = time.Unix(0, time.Now().UnixNano()).UTC()
	}

	active := w.activeFile()
	start := active.size.Load()
	rotated := false
	if start > 0 && start+total > w.opts.MaxFileSize {
		if active, err = w.rotateLocked(); err != nil {
			return ref, err
		}
		start, rotated = 0, true
	}

	w.scratch = appendMarkerRecord(w.scratch[:0], marker)
	if err := w.writeTransaction(payload); err != nil {
		w.rollbackActive(active, start)
		return ref, err
	}

	end := start + total
	w.mu.Lock()
	if active.empty() {
		active.first = marker.CatalogVersion
	}
	active.last = marker.CatalogVersion
	active.txCount++
	active.size.Store(end)
	w.lastVersion, w.hasVersion = marker.CatalogVersion, true
	w.mu.Unlock()

	w.bytesWritten.Add(total)
	w.transactionsWritten.Add(1)
	ref = TransactionReference{
		FileIndex:    active.index,
		FileLocation: FileLocation{StartOffset: uint64(start), Length: uint32(total)},
	}
	span.SetAttributes(
		attribute.Int64("wal.catalog_version", int64(marker.CatalogVersion)),
		attribute.Int("wal.mutation_count", int(marker.MutationCount)),
		attribute.Int64("wal.file_index", int64(active.index)),
		attribute.Bool("wal.rotated", rotated),
	)

	if rotated {
		if _, err := w.prune(ctx, false); err != nil {
			w.logger.Warn("Retention after rotation failed", "error", err)
		}
	}
	return ref, nil
}

func (w *CatalogWAL) writeTransaction(payload *StagedPayload) error {
	if _, err := w.writer.Write(w.scratch); err != nil {
		return fmt.Errorf("failed to write transaction marker: %w", err)
	}
	if _, err := payload.WriteTo(w.writer); err != nil {
		return fmt.Errorf("failed to write transaction payload: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush transaction: %w", err)
	}
	if w.opts.SyncMode == core.SyncAlways {
		if err := w.active.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL file: %w", err)
		}
	}
	return nil
}

// rollbackActive drops whatever a failed append left after the last
// committed transaction.
func (w *CatalogWAL) rollbackActive(active *walFile, committed int64) {
	w.writer.Reset(w.active)
	if err := w.active.Truncate(committed); err != nil {
		w.logger.Error("Failed to roll back partial transaction", "path", active.path, "size", committed, "error", err)
	}
}

// rotateLocked seals the active file and starts the next one. Caller holds
// appendMu.
func (w *CatalogWAL) rotateLocked() (*walFile, error) {
	current := w.activeFile()
	if err := w.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush WAL file %s: %w", current.path, err)
	}
	if err := w.active.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync WAL file %s: %w", current.path, err)
	}
	next, h, err := w.createFile(current.index + 1)
	if err != nil {
		return nil, err
	}
	if err := w.active.Close(); err != nil {
		w.logger.Warn("Failed to close sealed WAL file", "path", current.path, "error", err)
	}
	w.active = h
	w.writer.Reset(h)

	w.mu.Lock()
	w.files = append(w.files, next)
	w.mu.Unlock()
	w.logger.Info("Rotated to new WAL file", "index", next.index, "path", next.path, "sealed_last_version", current.last)
	return next, nil
}

// Rotate seals the active file when it holds at least one transaction.
func (w *CatalogWAL) Rotate(ctx context.Context) error {
	w.appendMu.Lock()
	defer w.appendMu.Unlock()
	if w.isClosed() {
		return ErrClosed
	}
	if w.activeFile().size.Load() == 0 {
		return nil
	}
	if _, err := w.rotateLocked(); err != nil {
		return err
	}
	_, err := w.prune(ctx, false)
	return err
}

// Sync flushes and fsyncs the active file.
func (w *CatalogWAL) Sync() error {
	w.appendMu.Lock()
	defer w.appendMu.Unlock()
	if w.isClosed() {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.active.Sync()
}

// Close flushes the active file and releases the directory lock. Suppliers
// that are still open keep working on their files.
func (w *CatalogWAL) Close() error {
	w.appendMu.Lock()
	defer w.appendMu.Unlock()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	var errs []error
	if err := w.writer.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := w.active.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := w.active.Close(); err != nil {
		errs = append(errs, err)
	}
	w.unlockDir()
	w.logger.Info("WAL closed", "last_version", w.LastCatalogVersion())
	return errors.Join(errs...)
}

func (w *CatalogWAL) isClosed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

// LastCatalogVersion is the version of the newest appended transaction, or 0
// for an empty log.
func (w *CatalogWAL) LastCatalogVersion() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastVersion
}

// FirstCatalogVersion is the oldest version still retained, or 0 for an
// empty log.
func (w *CatalogWAL) FirstCatalogVersion() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.firstVersionLocked()
}

func (w *CatalogWAL) firstVersionLocked() uint64 {
	for _, f := range w.files {
		if !f.empty() {
			return f.first
		}
	}
	if w.hasVersion {
		return w.lastVersion + 1
	}
	return 0
}

// FileIndexes lists the indexes of the retained files, oldest first.
func (w *CatalogWAL) FileIndexes() []uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]uint64, len(w.files))
	for i, f := range w.files {
		out[i] = f.index
	}
	return out
}

// FilePath returns the path of the file with the given index.
func (w *CatalogWAL) FilePath(index uint64) string { return w.filePath(index) }

// Codec is the codec used to encode and decode records of this log.
func (w *CatalogWAL) Codec() *mutation.Codec { return w.codec }

// NewIsolatedBuffer creates a staging buffer that encodes with this log's
// codec.
func (w *CatalogWAL) NewIsolatedBuffer(memory *offheap.Manager) *IsolatedBuffer {
	return NewIsolatedBuffer(memory, w.codec, w.logger)
}

// --- Retention ---

// WalProcessedUntil records that every version below version has been
// processed downstream. The watermark only moves forward.
func (w *CatalogWAL) WalProcessedUntil(version uint64) {
	w.mu.Lock()
	advanced := version > w.processedUntil
	if advanced {
		w.processedUntil = version
	}
	w.mu.Unlock()
	if advanced && w.opts.PersistWatermark {
		w.persistWatermark()
	}
}

// persistWatermark writes the current watermark unless a newer one is
// already on disk. Failures are logged; the in-memory watermark stays valid.
func (w *CatalogWAL) persistWatermark() {
	w.watermarkMu.Lock()
	defer w.watermarkMu.Unlock()
	w.mu.RLock()
	v := w.processedUntil
	w.mu.RUnlock()
	if v <= w.persistedUntil {
		return
	}
	if err := watermark.Write(w.dir, watermark.Watermark{ProcessedUntil: v}); err != nil {
		w.logger.Warn("Failed to persist processed watermark", "processed_until", v, "error", err)
		return
	}
	w.persistedUntil = v
}

// ProcessedUntil returns the processed watermark, 0 if none was set.
func (w *CatalogWAL) ProcessedUntil() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.processedUntil
}

// RemoveWalFiles deletes every sealed file whose versions all lie below the
// processed watermark and returns how many were dropped.
func (w *CatalogWAL) RemoveWalFiles(ctx context.Context) (int, error) {
	return w.prune(ctx, true)
}

// prune detaches the oldest files eligible for removal. Without explicit it
// applies FileCountKept; files are then dropped only below the watermark if
// one was ever set. With explicit every sealed file below the watermark goes.
func (w *CatalogWAL) prune(ctx context.Context, explicit bool) (int, error) {
	_, span := w.tracer.Start(ctx, "CatalogWAL.RemoveWalFiles")
	defer span.End()

	w.mu.Lock()
	sealed := w.files[:len(w.files)-1]
	var victims []*walFile
	if explicit {
		for _, f := range sealed {
			if w.processedUntil == 0 || (!f.empty() && f.last >= w.processedUntil) {
				break
			}
			victims = append(victims, f)
		}
	} else {
		excess := len(w.files) - w.opts.FileCountKept
		for i := 0; i < excess && i < len(sealed); i++ {
			f := sealed[i]
			if w.processedUntil != 0 && !f.empty() && f.last >= w.processedUntil {
				break
			}
			victims = append(victims, f)
		}
	}
	if len(victims) == 0 {
		w.mu.Unlock()
		return 0, nil
	}
	w.files = append([]*walFile(nil), w.files[len(victims):]...)
	for _, f := range victims {
		f.detached = true
	}
	first := w.firstVersionLocked()
	w.mu.Unlock()

	for _, f := range victims {
		w.txIndexes.Remove(f.index)
		index := f.index
		w.checkpoints.RemoveIf(func(_ uint64, cp checkpoint) bool { return cp.fileIndex == index })
	}
	if cb := w.opts.OnFirstActiveVersionChanged; cb != nil {
		cb(first)
	}

	var errs []error
	for _, f := range victims {
		if err := w.maybeDelete(f); err != nil {
			errs = append(errs, err)
		}
	}
	w.filesRemoved.Add(int64(len(victims)))
	span.SetAttributes(attribute.Int("wal.files_removed", len(victims)), attribute.Int64("wal.first_active_version", int64(first)))
	w.logger.Info("Pruned WAL files", "count", len(victims), "first_active_version", first, "explicit", explicit)
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remove_failed")
	}
	return len(victims), err
}

// maybeDelete removes a detached file once no reader holds it.
func (w *CatalogWAL) maybeDelete(f *walFile) error {
	w.mu.Lock()
	if !f.detached || f.deleted || f.readers > 0 {
		w.mu.Unlock()
		return nil
	}
	f.deleted = true
	w.mu.Unlock()
	if err := sys.SafeRemove(f.path, 3, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to remove WAL file %s: %w", f.path, err)
	}
	w.logger.Debug("Removed WAL file", "path", f.path)
	return nil
}

// --- Reader plumbing ---

// fileLocked finds a retained file by index. Caller holds mu.
func (w *CatalogWAL) fileLocked(index uint64) *walFile {
	i := sort.Search(len(w.files), func(i int) bool { return w.files[i].index >= index })
	if i < len(w.files) && w.files[i].index == index {
		return w.files[i]
	}
	return nil
}

// acquireFile pins a retained file against deletion and opens it for reading.
func (w *CatalogWAL) acquireFile(index uint64) (*walFile, sys.FileHandle, error) {
	w.mu.Lock()
	f := w.fileLocked(index)
	if f == nil {
		w.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: index %d", errFileRemoved, index)
	}
	f.readers++
	w.mu.Unlock()

	h, err := sys.Open(f.path)
	if err != nil {
		w.releaseFile(f, nil)
		return nil, nil, fmt.Errorf("failed to open WAL file %s: %w", f.path, err)
	}
	return f, h, nil
}

func (w *CatalogWAL) releaseFile(f *walFile, h sys.FileHandle) {
	if h != nil {
		if err := h.Close(); err != nil {
			w.logger.Warn("Failed to close WAL reader", "path", f.path, "error", err)
		}
	}
	w.mu.Lock()
	f.readers--
	w.mu.Unlock()
	if err := w.maybeDelete(f); err != nil {
		w.logger.Warn("Deferred WAL file removal failed", "error", err)
	}
}

// nextFileIndex returns the oldest retained file newer than index.
func (w *CatalogWAL) nextFileIndex(index uint64) (uint64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	i := sort.Search(len(w.files), func(i int) bool { return w.files[i].index > index })
	if i < len(w.files) {
		return w.files[i].index, true
	}
	return 0, false
}

// prevFileIndex returns the newest retained file older than index.
func (w *CatalogWAL) prevFileIndex(index uint64) (uint64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	i := sort.Search(len(w.files), func(i int) bool { return w.files[i].index >= index })
	if i > 0 {
		return w.files[i-1].index, true
	}
	return 0, false
}

// locateFile returns the file holding version: the newest non-empty file
// starting at or before it, or the oldest file when version precedes them all.
// A zero version means the newest non-empty file.
func (w *CatalogWAL) locateFile(version uint64) uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	candidate := w.files[0].index
	for _, f := range w.files {
		if f.empty() {
			continue
		}
		if version == 0 || f.first <= version {
			candidate = f.index
		}
	}
	return candidate
}

func (w *CatalogWAL) isActive(f *walFile) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return !f.detached && w.files[len(w.files)-1] == f
}

// transactionIndex lists the transactions of f. Sealed files are cached; the
// second result is the number of markers read from disk.
func (w *CatalogWAL) transactionIndex(f *walFile, h sys.FileHandle) ([]txLocation, int, error) {
	active := w.isActive(f)
	if !active {
		if locs, ok := w.txIndexes.Get(f.index); ok {
			return locs, 0, nil
		}
	}
	scan, locs, err := scanFile(h, f.size.Load(), f.path, nil)
	if err != nil {
		return nil, len(locs), err
	}
	if scan.Truncated() {
		return nil, len(locs), &core.WALCorruptedError{
			Path: f.path, Offset: scan.ValidSize,
			Expected: "committed bytes to end on a transaction boundary",
			Found:    fmt.Sprintf("%d dangling bytes", scan.Size-scan.ValidSize),
		}
	}
	if !active {
		w.txIndexes.Add(f.index, locs)
	}
	return locs, len(locs), nil
}

func (w *CatalogWAL) storeCheckpoint(cp checkpoint) {
	w.mu.RLock()
	retained := w.fileLocked(cp.fileIndex) != nil
	w.mu.RUnlock()
	if retained {
		w.checkpoints.Put(cp.nextVersion, cp)
	}
}

func (w *CatalogWAL) findCheckpoint(from uint64) (checkpoint, bool) {
	_, cp, ok := w.checkpoints.Floor(from)
	if !ok {
		return checkpoint{}, false
	}
	w.mu.RLock()
	retained := w.fileLocked(cp.fileIndex) != nil
	w.mu.RUnlock()
	return cp, retained
}

// --- Point queries ---

// GetFirstVersionOf returns the first catalog version stored in the file with
// the given index. A missing file, or one too small to hold a marker, yields
// false.
func (w *CatalogWAL) GetFirstVersionOf(fileIndex uint64) (uint64, bool) {
	w.mu.RLock()
	if f := w.fileLocked(fileIndex); f != nil {
		first, empty := f.first, f.empty()
		w.mu.RUnlock()
		return first, !empty
	}
	w.mu.RUnlock()

	h, err := sys.Open(w.filePath(fileIndex))
	if err != nil {
		return 0, false
	}
	defer h.Close()
	stat, err := h.Stat()
	if err != nil || stat.Size() < MarkerRecordSize {
		return 0, false
	}
	m, err := readMarkerAt(h, 0, h.Name())
	if err != nil {
		w.logger.Warn("Unreadable first marker", "path", h.Name(), "error", err)
		return 0, false
	}
	return m.CatalogVersion, true
}

// GetFirstAndLastCatalogVersionsFromWalFile scans the markers of the file at
// path once and reports its version range. An incomplete trailing transaction
// is ignored.
func (w *CatalogWAL) GetFirstAndLastCatalogVersionsFromWalFile(path string) (FileScan, error) {
	scan, _, err := scanPath(path)
	return scan, err
}

// GetFirstNonProcessedTransaction returns the transaction following ref, or
// false when ref is the newest one in the log.
func (w *CatalogWAL) GetFirstNonProcessedTransaction(ref TransactionReference) (CommittedTransaction, bool, error) {
	index, offset := ref.FileIndex, int64(ref.NextOffset())
	for {
		f, h, err := w.acquireFile(index)
		if err != nil {
			return CommittedTransaction{}, false, err
		}
		if offset+MarkerRecordSize <= f.size.Load() {
			m, err := readMarkerAt(h, offset, f.path)
			w.releaseFile(f, h)
			if err != nil {
				return CommittedTransaction{}, false, err
			}
			return CommittedTransaction{
				Reference: TransactionReference{
					FileIndex:    index,
					FileLocation: FileLocation{StartOffset: uint64(offset), Length: uint32(MarkerRecordSize + m.PayloadSizeBytes)},
				},
				Marker: m,
			}, true, nil
		}
		w.releaseFile(f, h)
		next, ok := w.nextFileIndex(index)
		if !ok {
			return CommittedTransaction{}, false, nil
		}
		index, offset = next, 0
	}
}
