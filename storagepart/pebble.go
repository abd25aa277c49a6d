package storagepart

import (
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Keys are [type][0x00][primary key, sign-flipped big endian] so parts of one
// type sort by primary key. The applied-version record lives under a key no
// part type can produce.
var appliedVersionKey = []byte{0x00, 'a', 'p', 'p', 'l', 'i', 'e', 'd'}

func encodePartKey(k Key) []byte {
	b := make([]byte, 0, len(k.Type)+1+8)
	b = append(b, k.Type...)
	b = append(b, 0x00)
	return binary.BigEndian.AppendUint64(b, uint64(k.PrimaryKey)^(1<<63))
}

// Values are [version u64][data].
func encodePartValue(p StoragePart) []byte {
	b := make([]byte, 0, 8+len(p.Data))
	b = binary.BigEndian.AppendUint64(b, p.Version)
	return append(b, p.Data...)
}

func decodePartValue(k Key, v []byte) (StoragePart, error) {
	if len(v) < 8 {
		return StoragePart{}, fmt.Errorf("storagepart: value of %s is %d bytes, want at least 8", k, len(v))
	}
	p := StoragePart{Type: k.Type, PrimaryKey: k.PrimaryKey, Version: binary.BigEndian.Uint64(v[:8])}
	if len(v) > 8 {
		p.Data = append([]byte(nil), v[8:]...)
	}
	return p, nil
}

// PebbleOptions configures a PebbleStore.
type PebbleOptions struct {
	Dir    string
	Sync   bool
	Logger *slog.Logger

	BatchesApplied *expvar.Int
	BatchesSkipped *expvar.Int
}

// PebbleStore is the durable storage-part store. Transactions are applied
// as single Pebble batches together with the catalog version they carry, so
// replaying an already applied transaction is a no-op.
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *slog.Logger

	mu      sync.Mutex
	applied uint64

	batchesApplied *expvar.Int
	batchesSkipped *expvar.Int
}

var _ Store = (*PebbleStore)(nil)

// OpenPebbleStore opens or creates the store in opts.Dir.
func OpenPebbleStore(opts PebbleOptions) (*PebbleStore, error) {
	if opts.Dir == "" {
		return nil, errors.New("storagepart: pebble directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BatchesApplied == nil {
		opts.BatchesApplied = new(expvar.Int)
	}
	if opts.BatchesSkipped == nil {
		opts.BatchesSkipped = new(expvar.Int)
	}
	db, err := pebble.Open(opts.Dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store at %s: %w", opts.Dir, err)
	}
	s := &PebbleStore{
		db:             db,
		writeOpts:      pebble.NoSync,
		logger:         opts.Logger.With("component", "PebbleStore"),
		batchesApplied: opts.BatchesApplied,
		batchesSkipped: opts.BatchesSkipped,
	}
	if opts.Sync {
		s.writeOpts = pebble.Sync
	}

	v, closer, err := db.Get(appliedVersionKey)
	switch {
	case err == nil:
		if len(v) == 8 {
			s.applied = binary.BigEndian.Uint64(v)
		}
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		db.Close()
		return nil, fmt.Errorf("failed to read applied version: %w", err)
	}
	s.logger.Info("Pebble store opened", "dir", opts.Dir, "applied_version", s.applied)
	return s, nil
}

// AppliedVersion is the catalog version of the newest transaction applied.
func (s *PebbleStore) AppliedVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

func (s *PebbleStore) get(k Key) (StoragePart, bool, error) {
	v, closer, err := s.db.Get(encodePartKey(k))
	if errors.Is(err, pebble.ErrNotFound) {
		return StoragePart{}, false, nil
	}
	if err != nil {
		return StoragePart{}, false, fmt.Errorf("failed to read part %s: %w", k, err)
	}
	defer closer.Close()
	p, err := decodePartValue(k, v)
	if err != nil {
		return StoragePart{}, false, err
	}
	return p, true, nil
}

// GetStoragePart returns the stored part. The store keeps only the newest
// version of a part, so catalogVersion is not consulted.
func (s *PebbleStore) GetStoragePart(_ uint64, primaryKey int64, partType PartType) (StoragePart, bool, error) {
	return s.get(Key{Type: partType, PrimaryKey: primaryKey})
}

func (s *PebbleStore) ContainsStoragePart(catalogVersion uint64, primaryKey int64, partType PartType) (bool, error) {
	_, ok, err := s.GetStoragePart(catalogVersion, primaryKey, partType)
	return ok, err
}

// PutStoragePart writes a single part outside of any batch.
func (s *PebbleStore) PutStoragePart(catalogVersion uint64, part StoragePart) error {
	if err := part.validate(); err != nil {
		return err
	}
	part.Version = catalogVersion
	if err := s.db.Set(encodePartKey(part.Key()), encodePartValue(part), s.writeOpts); err != nil {
		return fmt.Errorf("failed to write part %s: %w", part.Key(), err)
	}
	return nil
}

func (s *PebbleStore) RemoveStoragePart(catalogVersion uint64, primaryKey int64, partType PartType) (bool, error) {
	if err := validatePartType(partType); err != nil {
		return false, err
	}
	k := Key{Type: partType, PrimaryKey: primaryKey}
	ok, err := s.ContainsStoragePart(catalogVersion, primaryKey, partType)
	if err != nil || !ok {
		return false, err
	}
	if err := s.db.Delete(encodePartKey(k), s.writeOpts); err != nil {
		return false, fmt.Errorf("failed to remove part %s: %w", k, err)
	}
	return true, nil
}

// ApplyChanges writes all changes and the new applied version in one batch.
// Versions at or below the applied one have been written before and are
// skipped.
func (s *PebbleStore) ApplyChanges(ctx context.Context, catalogVersion uint64, changes *ChangeReader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if catalogVersion <= s.applied {
		s.batchesSkipped.Add(1)
		s.logger.Debug("Skipping already applied changes", "catalog_version", catalogVersion, "applied_version", s.applied)
		return nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := changes.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if c.Removed {
			err = b.Delete(encodePartKey(c.Key), nil)
		} else {
			err = b.Set(encodePartKey(c.Key), encodePartValue(c.Part), nil)
		}
		if err != nil {
			return fmt.Errorf("failed to batch change %s: %w", c.Key, err)
		}
	}
	if err := b.Set(appliedVersionKey, binary.BigEndian.AppendUint64(nil, catalogVersion), nil); err != nil {
		return err
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("failed to commit changes of version %d: %w", catalogVersion, err)
	}
	s.applied = catalogVersion
	s.batchesApplied.Add(1)
	return nil
}

// Close flushes and closes the underlying database.
func (s *PebbleStore) Close() error {
	if err := s.db.Flush(); err != nil {
		s.logger.Warn("Failed to flush pebble store", "error", err)
	}
	return s.db.Close()
}
