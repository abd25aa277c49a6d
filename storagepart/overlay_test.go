package storagepart

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuscatalog/offheap"
)

// mockStore is a mock implementation of Store.
type mockStore struct {
	mock.Mock
	applied []Change
}

func (m *mockStore) GetStoragePart(v uint64, pk int64, t PartType) (StoragePart, bool, error) {
	args := m.Called(v, pk, t)
	return args.Get(0).(StoragePart), args.Bool(1), args.Error(2)
}

func (m *mockStore) PutStoragePart(v uint64, p StoragePart) error {
	return m.Called(v, p).Error(0)
}

func (m *mockStore) RemoveStoragePart(v uint64, pk int64, t PartType) (bool, error) {
	args := m.Called(v, pk, t)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) ContainsStoragePart(v uint64, pk int64, t PartType) (bool, error) {
	args := m.Called(v, pk, t)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) ApplyChanges(ctx context.Context, v uint64, changes *ChangeReader) error {
	for {
		c, err := changes.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		m.applied = append(m.applied, c)
	}
	return m.Called(ctx, v, changes.Len()).Error(0)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMemory(t *testing.T, regionSize, regionCount int) (*offheap.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := offheap.NewManager(offheap.Options{
		RegionSize:  regionSize,
		RegionCount: regionCount,
		TempDir:     dir,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, dir
}

func part(typ PartType, pk int64, data string) StoragePart {
	return StoragePart{Type: typ, PrimaryKey: pk, Data: []byte(data)}
}

func TestOverlay_ReadsOwnWrites(t *testing.T) {
	store := new(mockStore)
	mem, _ := newTestMemory(t, 4096, 1)
	o := NewTransactionalOverlay(store, mem, discardLogger())

	require.NoError(t, o.PutStoragePart(5, part("entity", 1, "a")))

	got, ok, err := o.GetStoragePart(5, 1, "entity")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), got.Data)
	assert.Equal(t, uint64(5), got.Version)

	ok, err = o.ContainsStoragePart(5, 1, "entity")
	require.NoError(t, err)
	assert.True(t, ok)

	store.AssertNotCalled(t, "GetStoragePart", mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "ContainsStoragePart", mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "PutStoragePart", mock.Anything, mock.Anything)
}

func TestOverlay_FallsBackToDelegate(t *testing.T) {
	store := new(mockStore)
	stored := StoragePart{Type: "entity", PrimaryKey: 2, Version: 1, Data: []byte("old")}
	store.On("GetStoragePart", uint64(5), int64(2), PartType("entity")).Return(stored, true, nil).Once()
	store.On("ContainsStoragePart", uint64(5), int64(3), PartType("entity")).Return(false, nil).Once()
	o := NewTransactionalOverlay(store, nil, discardLogger())

	got, ok, err := o.GetStoragePart(5, 2, "entity")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, stored, got)

	ok, err = o.ContainsStoragePart(5, 3, "entity")
	require.NoError(t, err)
	assert.False(t, ok)
	store.AssertExpectations(t)
}

func TestOverlay_TombstoneWins(t *testing.T) {
	store := new(mockStore)
	store.On("ContainsStoragePart", uint64(5), int64(7), PartType("entity")).Return(true, nil).Once()
	o := NewTransactionalOverlay(store, nil, discardLogger())

	existed, err := o.RemoveStoragePart(5, 7, "entity")
	require.NoError(t, err)
	assert.True(t, existed)

	ok, err := o.ContainsStoragePart(5, 7, "entity")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = o.GetStoragePart(5, 7, "entity")
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing again only touches the overlay.
	existed, err = o.RemoveStoragePart(5, 7, "entity")
	require.NoError(t, err)
	assert.False(t, existed)

	// A later put resurrects the key.
	require.NoError(t, o.PutStoragePart(5, part("entity", 7, "new")))
	ok, err = o.ContainsStoragePart(5, 7, "entity")
	require.NoError(t, err)
	assert.True(t, ok)

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "GetStoragePart", mock.Anything, mock.Anything, mock.Anything)
}

func TestOverlay_RejectsOtherVersion(t *testing.T) {
	o := NewTransactionalOverlay(new(mockStore), nil, discardLogger())
	require.NoError(t, o.PutStoragePart(5, part("entity", 1, "a")))
	assert.ErrorIs(t, o.PutStoragePart(6, part("entity", 2, "b")), ErrVersionMismatch)
	assert.ErrorIs(t, o.PutStoragePart(5, part("", 2, "b")), ErrInvalidPart)
}

func TestOverlay_RejectsInvalidParts(t *testing.T) {
	store := new(mockStore)
	store.On("ApplyChanges", mock.Anything, uint64(3), 1).Return(nil).Once()
	o := NewTransactionalOverlay(store, nil, discardLogger())

	longType := PartType(strings.Repeat("t", maxPartTypeLen+1))
	assert.ErrorIs(t, o.PutStoragePart(3, part(longType, 1, "a")), ErrInvalidPart)
	assert.ErrorIs(t, o.PutStoragePart(3, part("ent\x00ity", 1, "a")), ErrInvalidPart)

	for _, typ := range []PartType{"", "ent\x00ity", longType} {
		removed, err := o.RemoveStoragePart(3, 1, typ)
		assert.ErrorIs(t, err, ErrInvalidPart, "type %q", typ)
		assert.False(t, removed)
	}
	store.AssertNotCalled(t, "ContainsStoragePart", mock.Anything, mock.Anything, mock.Anything)

	if !testing.Short() {
		huge := StoragePart{Type: "entity", PrimaryKey: 2, Data: make([]byte, maxPartDataLen+1)}
		assert.ErrorIs(t, o.PutStoragePart(3, huge), ErrInvalidPart)
	}

	// Rejected writes leave the overlay usable and out of the commit.
	require.NoError(t, o.PutStoragePart(3, part(PartType(strings.Repeat("t", maxPartTypeLen)), 1, "a")))
	assert.Equal(t, 1, o.Len())
	require.NoError(t, o.Commit(context.Background()))
	require.Len(t, store.applied, 1)
	assert.Equal(t, []byte("a"), store.applied[0].Part.Data)
	store.AssertExpectations(t)
}

func TestOverlay_CommitInKeyOrder(t *testing.T) {
	testCases := []struct {
		name        string
		regionSize  int
		regionCount int
	}{
		{name: "off-heap region", regionSize: 64 * 1024, regionCount: 1},
		{name: "spill file", regionSize: 1024, regionCount: 0},
		{name: "region too small", regionSize: 16, regionCount: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(mockStore)
			store.On("ContainsStoragePart", uint64(9), int64(3), PartType("attributes")).Return(true, nil)
			store.On("ApplyChanges", mock.Anything, uint64(9), 4).Return(nil).Once()
			mem, tmp := newTestMemory(t, tc.regionSize, tc.regionCount)
			o := NewTransactionalOverlay(store, mem, discardLogger())

			require.NoError(t, o.PutStoragePart(9, part("entity", 20, "x")))
			require.NoError(t, o.PutStoragePart(9, part("entity", -4, "y")))
			require.NoError(t, o.PutStoragePart(9, part("entity", 20, "z"))) // overwrite
			_, err := o.RemoveStoragePart(9, 3, "attributes")
			require.NoError(t, err)
			require.NoError(t, o.PutStoragePart(9, part("associated", 1, "")))
			assert.Equal(t, 4, o.Len())

			require.NoError(t, o.Commit(context.Background()))
			store.AssertExpectations(t)

			require.Len(t, store.applied, 4)
			assert.Equal(t, Key{Type: "associated", PrimaryKey: 1}, store.applied[0].Key)
			assert.Nil(t, store.applied[0].Part.Data)
			assert.Equal(t, Change{Key: Key{Type: "attributes", PrimaryKey: 3}, Removed: true}, store.applied[1])
			assert.Equal(t, StoragePart{Type: "entity", PrimaryKey: -4, Version: 9, Data: []byte("y")}, store.applied[2].Part)
			assert.Equal(t, StoragePart{Type: "entity", PrimaryKey: 20, Version: 9, Data: []byte("z")}, store.applied[3].Part)

			assert.Equal(t, tc.regionCount, mem.Stats().Free, "staging region released")
			leftovers, err := filepath.Glob(filepath.Join(tmp, "*"))
			require.NoError(t, err)
			assert.Empty(t, leftovers, "spill files removed")

			assert.ErrorIs(t, o.Commit(context.Background()), ErrOverlayClosed)
			_, _, err = o.GetStoragePart(9, 20, "entity")
			assert.ErrorIs(t, err, ErrOverlayClosed)
		})
	}
}

func TestOverlay_CommitFailureClosesOverlay(t *testing.T) {
	store := new(mockStore)
	store.On("ApplyChanges", mock.Anything, uint64(2), 1).Return(errors.New("disk full")).Once()
	o := NewTransactionalOverlay(store, nil, discardLogger())
	require.NoError(t, o.PutStoragePart(2, part("entity", 1, "a")))

	err := o.Commit(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.ErrorIs(t, o.PutStoragePart(2, part("entity", 1, "a")), ErrOverlayClosed)
}

func TestOverlay_EmptyCommitSkipsDelegate(t *testing.T) {
	store := new(mockStore)
	o := NewTransactionalOverlay(store, nil, discardLogger())
	require.NoError(t, o.Commit(context.Background()))
	store.AssertNotCalled(t, "ApplyChanges", mock.Anything, mock.Anything, mock.Anything)
}

func TestOverlay_Rollback(t *testing.T) {
	store := new(mockStore)
	mem, _ := newTestMemory(t, 4096, 1)
	o := NewTransactionalOverlay(store, mem, discardLogger())
	require.NoError(t, o.PutStoragePart(1, part("entity", 1, "a")))

	o.Rollback()
	o.Rollback()
	assert.Zero(t, o.Len())
	assert.ErrorIs(t, o.Commit(context.Background()), ErrOverlayClosed)
	_, err := o.ContainsStoragePart(1, 1, "entity")
	assert.ErrorIs(t, err, ErrOverlayClosed)
	assert.Equal(t, 1, mem.Stats().Free)
	store.AssertNotCalled(t, "ApplyChanges", mock.Anything, mock.Anything, mock.Anything)
}

func TestOverlay_NilMemorySpillsToTempDir(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	store := new(mockStore)
	store.On("ApplyChanges", mock.Anything, uint64(3), 1).Return(nil).Once()
	o := NewTransactionalOverlay(store, nil, discardLogger())
	require.NoError(t, o.PutStoragePart(3, part("entity", 1, "a")))
	require.NoError(t, o.Commit(context.Background()))

	entries, err := os.ReadDir(os.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.Len(t, store.applied, 1)
}
