package offheap

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, regionSize, regionCount int) *Manager {
	t.Helper()
	m, err := NewManager(Options{RegionSize: regionSize, RegionCount: regionCount, TempDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_AcquireAndRelease(t *testing.T) {
	m := newTestManager(t, 4096, 2)

	r1, ok := m.Acquire(100)
	require.True(t, ok)
	r2, ok := m.Acquire(4096)
	require.True(t, ok)
	assert.Equal(t, 4096, r1.Size())

	_, ok = m.Acquire(1)
	assert.False(t, ok, "arena with two regions must be exhausted")

	// Regions are disjoint.
	r1.Bytes()[0] = 0xAA
	r2.Bytes()[0] = 0xBB
	assert.Equal(t, byte(0xAA), r1.Bytes()[0])

	r1.Release()
	r1.Release()
	stats := m.Stats()
	assert.Equal(t, 1, stats.Free, "a double release must not free the region twice")
	assert.Equal(t, 1, stats.InUse)

	r3, ok := m.Acquire(10)
	require.True(t, ok)
	r3.Release()
	r2.Release()
	assert.Equal(t, 2, m.Stats().Free)
}

func TestManager_TooLargeEstimate(t *testing.T) {
	m := newTestManager(t, 1024, 4)
	_, ok := m.Acquire(1025)
	assert.False(t, ok)
	assert.Equal(t, int64(1), m.Stats().Exhausted)
}

func TestManager_ZeroCapacity(t *testing.T) {
	m := newTestManager(t, 1024, 0)
	for i := 0; i < 3; i++ {
		_, ok := m.Acquire(1)
		assert.False(t, ok)
	}
	f, path, err := m.CreateSpillFile("")
	require.NoError(t, err)
	defer f.Close()
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestManager_SpillFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Options{RegionSize: 128, RegionCount: 1, TempDir: dir})
	require.NoError(t, err)
	defer m.Close()

	f1, p1, err := m.CreateSpillFile("tx")
	require.NoError(t, err)
	defer f1.Close()
	f2, p2, err := m.CreateSpillFile("tx")
	require.NoError(t, err)
	defer f2.Close()

	assert.NotEqual(t, p1, p2)
	assert.Equal(t, dir, filepath.Dir(p1))
	assert.Equal(t, int64(2), m.Stats().SpillFiles)
}

func TestManager_CloseWithRegionsInUse(t *testing.T) {
	m, err := NewManager(Options{RegionSize: 128, RegionCount: 1, TempDir: t.TempDir()})
	require.NoError(t, err)

	r, ok := m.Acquire(1)
	require.True(t, ok)
	assert.ErrorIs(t, m.Close(), ErrRegionsInUse)

	r.Release()
	require.NoError(t, m.Close())
	_, ok = m.Acquire(1)
	assert.False(t, ok)
	_, _, err = m.CreateSpillFile("")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_InvalidOptions(t *testing.T) {
	_, err := NewManager(Options{RegionSize: 0, RegionCount: 2, TempDir: t.TempDir()})
	assert.Error(t, err)
	_, err = NewManager(Options{RegionSize: 10, RegionCount: -1, TempDir: t.TempDir()})
	assert.Error(t, err)
}

func TestManager_ConcurrentAcquire(t *testing.T) {
	const regions = 4
	m := newTestManager(t, 256, regions)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holding int
		maxSeen int
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r, ok := m.Acquire(64)
				if !ok {
					continue
				}
				mu.Lock()
				holding++
				if holding > maxSeen {
					maxSeen = holding
				}
				mu.Unlock()

				buf := r.Bytes()
				for j := range buf {
					buf[j] = id
				}
				for j := range buf {
					if buf[j] != id {
						t.Errorf("region shared between goroutines")
						break
					}
				}

				mu.Lock()
				holding--
				mu.Unlock()
				r.Release()
			}
		}(byte(g))
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, regions)
	assert.Equal(t, regions, m.Stats().Free)
}
