// Package offheap hands out fixed-size memory regions that live outside the
// Go heap. Transactions stage their mutations in a region and fall back to a
// temporary spill file when none is free or the region fills up.
package offheap

import (
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexuscatalog/core"
	"github.com/INLOpen/nexuscatalog/sys"
	"github.com/google/uuid"
)

// ErrRegionsInUse is returned by Close while regions are still acquired.
var ErrRegionsInUse = errors.New("offheap: regions still in use")

// ErrClosed is returned when the manager has been closed.
var ErrClosed = errors.New("offheap: manager closed")

// Options configures a Manager. A RegionCount of zero disables the arena:
// every Acquire fails and callers spill to disk.
type Options struct {
	RegionSize  int
	RegionCount int
	// TempDir receives spill files. Defaults to os.TempDir().
	TempDir string
	Logger  *slog.Logger

	// Optional counters; created when nil.
	Acquired   *expvar.Int
	Exhausted  *expvar.Int
	SpillFiles *expvar.Int
}

// Manager owns one contiguous arena cut into equally sized regions.
type Manager struct {
	regionSize  int
	regionCount int
	tempDir     string
	logger      *slog.Logger

	arena  []byte
	mapped bool

	mu     sync.Mutex
	free   []int
	inUse  int
	closed bool

	acquired   *expvar.Int
	exhausted  *expvar.Int
	spillFiles *expvar.Int
}

// NewManager reserves RegionSize*RegionCount bytes through an anonymous
// mapping. Platforms without mmap get a heap-backed arena instead.
func NewManager(opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RegionCount < 0 {
		return nil, core.NewConfigurationError("offheap.region_count", fmt.Sprint(opts.RegionCount), "must not be negative")
	}
	if opts.RegionCount > 0 && opts.RegionSize <= 0 {
		return nil, core.NewConfigurationError("offheap.region_size_bytes", fmt.Sprint(opts.RegionSize), "must be positive")
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory %s: %w", opts.TempDir, err)
	}

	m := &Manager{
		regionSize:  opts.RegionSize,
		regionCount: opts.RegionCount,
		tempDir:     opts.TempDir,
		logger:      opts.Logger.With("component", "OffHeapManager"),
		acquired:    opts.Acquired,
		exhausted:   opts.Exhausted,
		spillFiles:  opts.SpillFiles,
	}
	if m.acquired == nil {
		m.acquired = new(expvar.Int)
	}
	if m.exhausted == nil {
		m.exhausted = new(expvar.Int)
	}
	if m.spillFiles == nil {
		m.spillFiles = new(expvar.Int)
	}

	if total := opts.RegionSize * opts.RegionCount; total > 0 {
		arena, err := sys.MapAnonymous(total)
		switch {
		case err == nil:
			m.arena, m.mapped = arena, true
		case errors.Is(err, sys.ErrMmapNotSupported):
			m.logger.Warn("Anonymous mapping unavailable, using heap arena", "bytes", total)
			m.arena = make([]byte, total)
		default:
			return nil, err
		}
		m.free = make([]int, 0, opts.RegionCount)
		for i := opts.RegionCount - 1; i >= 0; i-- {
			m.free = append(m.free, i)
		}
	}
	m.logger.Debug("Off-heap arena ready", "region_size", opts.RegionSize, "region_count", opts.RegionCount, "mapped", m.mapped)
	return m, nil
}

// Acquire hands out a free region when one exists and estimatedSize fits in
// it. The caller must Release the region exactly once; further releases are
// ignored.
func (m *Manager) Acquire(estimatedSize int) (*Region, bool) {
	if m.regionCount == 0 || estimatedSize > m.regionSize {
		m.exhausted.Add(1)
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.free) == 0 {
		m.exhausted.Add(1)
		return nil, false
	}
	idx := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.inUse++
	m.acquired.Add(1)

	start := idx * m.regionSize
	return &Region{
		mgr:   m,
		index: idx,
		buf:   m.arena[start : start+m.regionSize : start+m.regionSize],
	}, true
}

func (m *Manager) release(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free = append(m.free, idx)
	m.inUse--
}

// CreateSpillFile creates a new exclusive temporary file in the spill
// directory and returns it together with its path.
func (m *Manager) CreateSpillFile(prefix string) (sys.FileHandle, string, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, "", ErrClosed
	}
	if prefix == "" {
		prefix = core.SpillFilePrefix
	}
	path := filepath.Join(m.tempDir, core.FormatTempFilename(prefix, uuid.NewString()+".tmp"))
	f, err := sys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create spill file %s: %w", path, err)
	}
	m.spillFiles.Add(1)
	return f, path, nil
}

// RegionSize is the capacity of every region.
func (m *Manager) RegionSize() int { return m.regionSize }

// Stats is a point-in-time view of the arena.
type Stats struct {
	RegionSize  int
	RegionCount int
	Free        int
	InUse       int
	Acquired    int64
	Exhausted   int64
	SpillFiles  int64
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		RegionSize:  m.regionSize,
		RegionCount: m.regionCount,
		Free:        len(m.free),
		InUse:       m.inUse,
		Acquired:    m.acquired.Value(),
		Exhausted:   m.exhausted.Value(),
		SpillFiles:  m.spillFiles.Value(),
	}
}

// Close unmaps the arena. It refuses while any region is acquired, since
// touching an unmapped region would fault.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if m.inUse > 0 {
		return fmt.Errorf("%w: %d", ErrRegionsInUse, m.inUse)
	}
	m.closed = true
	m.free = nil
	arena := m.arena
	m.arena = nil
	if m.mapped {
		return sys.Unmap(arena)
	}
	return nil
}

// Region is a fixed-capacity slice of the arena owned by one writer at a time.
type Region struct {
	mgr      *Manager
	index    int
	buf      []byte
	released atomic.Bool
}

// Bytes returns the whole region. Its content is undefined after Release.
func (r *Region) Bytes() []byte { return r.buf }

func (r *Region) Size() int { return len(r.buf) }

// Release returns the region to its manager.
func (r *Region) Release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	r.buf = nil
	r.mgr.release(r.index)
}
