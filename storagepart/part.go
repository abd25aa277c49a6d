// Package storagepart holds the persistence of storage parts: the durable
// key to part store and the transactional overlay staging a transaction's
// changes on top of it until commit.
package storagepart

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOverlayClosed   = errors.New("storagepart: overlay already committed or rolled back")
	ErrVersionMismatch = errors.New("storagepart: catalog version differs from the transaction's")
	ErrInvalidPart     = errors.New("storagepart: invalid storage part")
)

// PartType names the kind of data a storage part carries, e.g. "entity" or
// "attributes".
type PartType string

// Key addresses a storage part.
type Key struct {
	Type       PartType
	PrimaryKey int64
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.Type, k.PrimaryKey) }

func compareKeys(a, b Key) int {
	if c := strings.Compare(string(a.Type), string(b.Type)); c != 0 {
		return c
	}
	switch {
	case a.PrimaryKey < b.PrimaryKey:
		return -1
	case a.PrimaryKey > b.PrimaryKey:
		return 1
	}
	return 0
}

// StoragePart is an opaque record of persisted entity or schema data.
// Version is the catalog version of the transaction that wrote it.
type StoragePart struct {
	Type       PartType
	PrimaryKey int64
	Version    uint64
	Data       []byte
}

// Key returns the address of the part.
func (p StoragePart) Key() Key { return Key{Type: p.Type, PrimaryKey: p.PrimaryKey} }

func (p StoragePart) validate() error {
	if err := validatePartType(p.Type); err != nil {
		return err
	}
	if len(p.Data) > maxPartDataLen {
		return fmt.Errorf("%w: %s data is %d bytes, limit %d", ErrInvalidPart, p.Key(), len(p.Data), maxPartDataLen)
	}
	return nil
}

// validatePartType checks what every staged or stored key must satisfy.
func validatePartType(t PartType) error {
	switch {
	case t == "":
		return fmt.Errorf("%w: empty part type", ErrInvalidPart)
	case len(t) > maxPartTypeLen:
		return fmt.Errorf("%w: part type of %d bytes, limit %d", ErrInvalidPart, len(t), maxPartTypeLen)
	case strings.IndexByte(string(t), 0) >= 0:
		return fmt.Errorf("%w: part type %q contains a NUL byte", ErrInvalidPart, t)
	}
	return nil
}

// Persistence reads and writes storage parts on behalf of the transaction
// with the given catalog version.
type Persistence interface {
	GetStoragePart(catalogVersion uint64, primaryKey int64, partType PartType) (StoragePart, bool, error)
	PutStoragePart(catalogVersion uint64, part StoragePart) error
	// RemoveStoragePart reports whether a part was present.
	RemoveStoragePart(catalogVersion uint64, primaryKey int64, partType PartType) (bool, error)
	ContainsStoragePart(catalogVersion uint64, primaryKey int64, partType PartType) (bool, error)
}

// Store is a durable Persistence that can take the changes of a whole
// transaction at once.
type Store interface {
	Persistence
	// ApplyChanges writes every change of the transaction with the given
	// catalog version atomically.
	ApplyChanges(ctx context.Context, catalogVersion uint64, changes *ChangeReader) error
}
