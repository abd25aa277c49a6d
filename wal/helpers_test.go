package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuscatalog/core"
	"github.com/INLOpen/nexuscatalog/mutation"
	"github.com/INLOpen/nexuscatalog/offheap"
)

const testCatalog = "products"

var testTime = time.Unix(1700000000, 0)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Helper to create WAL options for testing.
func testWALOptions(t *testing.T, dir string) Options {
	t.Helper()
	return Options{
		Dir:           dir,
		CatalogName:   testCatalog,
		SyncMode:      core.SyncDisabled, // Use SyncDisabled for performance in tests
		MaxFileSize:   64 * 1024,
		FileCountKept: 100,
		Logger:        discardLogger(),
	}
}

func openTestWAL(t *testing.T, opts Options) *CatalogWAL {
	t.Helper()
	w, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func newTestMemory(t *testing.T, regionSize, regionCount int) *offheap.Manager {
	t.Helper()
	m, err := offheap.NewManager(offheap.Options{
		RegionSize:  regionSize,
		RegionCount: regionCount,
		TempDir:     t.TempDir(),
		Logger:      discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// testMutations builds count distinct mutations belonging to one transaction.
func testMutations(version uint64, count int) []mutation.Mutation {
	out := make([]mutation.Mutation, 0, count)
	for i := 0; i < count; i++ {
		switch i % 4 {
		case 0:
			out = append(out, &mutation.EntityUpsertMutation{
				EntityType: "Product",
				PrimaryKey: int32(i),
				LocalMutations: []mutation.LocalMutation{
					&mutation.UpsertAttributeMutation{Key: mutation.AttributeKey{Name: "code"}, Value: fmt.Sprintf("v%d-%d", version, i)},
				},
			})
		case 1:
			out = append(out, &mutation.EntityRemoveMutation{EntityType: "Product", PrimaryKey: int32(i)})
		case 2:
			out = append(out, &mutation.ModifyEntitySchemaDescriptionMutation{EntityType: "Product", Description: fmt.Sprintf("d%d-%d", version, i)})
		default:
			out = append(out, &mutation.CreateEntitySchemaMutation{EntityType: fmt.Sprintf("Type%d_%d", version, i)})
		}
	}
	return out
}

func stageTransaction(t *testing.T, w *CatalogWAL, mem *offheap.Manager, version uint64, count int) (*mutation.TransactionMutation, *StagedPayload, []mutation.Mutation) {
	t.Helper()
	buf := w.NewIsolatedBuffer(mem)
	muts := testMutations(version, count)
	for _, m := range muts {
		require.NoError(t, buf.Write(version, m))
	}
	payload, err := buf.Seal()
	require.NoError(t, err)
	marker := mutation.NewTransactionMutation(uuid.New(), version, uint32(count), time.Unix(1700000000+int64(version), 0))
	return marker, payload, muts
}

func appendTransaction(t *testing.T, w *CatalogWAL, mem *offheap.Manager, version uint64, count int) (TransactionReference, []mutation.Mutation) {
	t.Helper()
	marker, payload, muts := stageTransaction(t, w, mem, version, count)
	ref, err := w.Append(context.Background(), marker, payload)
	require.NoError(t, err)
	return ref, muts
}

// readTransactions drains a supplier, grouping its output per transaction.
func readTransactions(t *testing.T, s MutationSupplier) [][]mutation.Mutation {
	t.Helper()
	var txs [][]mutation.Mutation
	for {
		m, err := s.Next()
		if errors.Is(err, io.EOF) {
			return txs
		}
		require.NoError(t, err)
		if m.Kind() == mutation.KindTransaction {
			txs = append(txs, []mutation.Mutation{m})
			continue
		}
		require.NotEmpty(t, txs, "mutation before any marker")
		txs[len(txs)-1] = append(txs[len(txs)-1], m)
	}
}

func markerOf(t *testing.T, tx []mutation.Mutation) *mutation.TransactionMutation {
	t.Helper()
	m, ok := tx[0].(*mutation.TransactionMutation)
	require.True(t, ok, "transaction must start with a marker, got %T", tx[0])
	return m
}
