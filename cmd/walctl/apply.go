package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/INLOpen/nexuscatalog/config"
	"github.com/INLOpen/nexuscatalog/mutation"
	"github.com/INLOpen/nexuscatalog/offheap"
	"github.com/INLOpen/nexuscatalog/storagepart"
	"github.com/INLOpen/nexuscatalog/wal"
)

func applyFromConfig(ctx context.Context, cfg *config.Config, w *wal.CatalogWAL, logger *slog.Logger) (int, error) {
	if err := os.MkdirAll(cfg.SpillDir(), 0755); err != nil {
		return 0, fmt.Errorf("failed to create spill directory %s: %w", cfg.SpillDir(), err)
	}
	mem, err := offheap.NewManager(offheap.Options{
		RegionSize:  cfg.OffHeap.RegionSizeBytes,
		RegionCount: cfg.OffHeap.RegionCount,
		TempDir:     cfg.SpillDir(),
		Logger:      logger,
	})
	if err != nil {
		return 0, err
	}
	defer mem.Close()

	store, err := storagepart.OpenPebbleStore(storagepart.PebbleOptions{
		Dir:    cfg.PebbleDir(),
		Sync:   cfg.Storage.Sync,
		Logger: logger,
	})
	if err != nil {
		return 0, err
	}
	defer store.Close()

	return applyLog(ctx, w, store, mem, logger)
}

// entityPart is the storage part an entity mutation writes: its codec type
// id (u16, little endian) followed by the encoded body.
func entityPart(codec *mutation.Codec, m *mutation.EntityUpsertMutation) (storagepart.StoragePart, error) {
	typeID, body, err := codec.Encode(m)
	if err != nil {
		return storagepart.StoragePart{}, err
	}
	data := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(body)), typeID)
	return storagepart.StoragePart{
		Type:       storagepart.PartType(m.EntityType),
		PrimaryKey: int64(m.PrimaryKey),
		Data:       append(data, body...),
	}, nil
}

// applyLog replays every transaction newer than the store's applied version.
// Each transaction is collected in its own overlay and committed as one batch.
// Schema mutations carry no storage parts and are skipped.
func applyLog(ctx context.Context, w *wal.CatalogWAL, store *storagepart.PebbleStore, mem *offheap.Manager, logger *slog.Logger) (int, error) {
	from := store.AppliedVersion() + 1
	s, err := w.CreateSupplier(ctx, from, 0)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	var (
		overlay *storagepart.TransactionalOverlay
		version uint64
		applied int
	)
	commit := func() error {
		if overlay == nil {
			return nil
		}
		o := overlay
		overlay = nil
		if err := o.Commit(ctx); err != nil {
			return fmt.Errorf("failed to apply transaction %d: %w", version, err)
		}
		applied++
		return nil
	}
	defer func() {
		if overlay != nil {
			overlay.Rollback()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		m, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return applied, err
		}

		switch m := m.(type) {
		case *mutation.TransactionMutation:
			if err := commit(); err != nil {
				return applied, err
			}
			version = m.CatalogVersion
			overlay = storagepart.NewTransactionalOverlay(store, mem, logger)
		case *mutation.EntityUpsertMutation:
			part, err := entityPart(w.Codec(), m)
			if err != nil {
				return applied, err
			}
			if err := overlay.PutStoragePart(version, part); err != nil {
				return applied, err
			}
		case *mutation.EntityRemoveMutation:
			if _, err := overlay.RemoveStoragePart(version, int64(m.PrimaryKey), storagepart.PartType(m.EntityType)); err != nil {
				return applied, err
			}
		default:
			logger.Debug("Skipping mutation without storage parts", "kind", m.Kind(), "catalog_version", version)
		}
	}
	if err := commit(); err != nil {
		return applied, err
	}
	logger.Info("WAL applied to storage", "from_version", from, "transactions", applied, "applied_version", store.AppliedVersion())
	return applied, nil
}
