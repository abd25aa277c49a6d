// Package mutation defines the closed set of changes recorded in a catalog
// write-ahead log and their binary encoding.
package mutation

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies a mutation variant on disk. Values are stable: never
// renumber an existing kind.
type Kind uint16

const (
	KindTransaction                    Kind = 1
	KindCreateEntitySchema             Kind = 10
	KindModifyEntitySchemaName         Kind = 11
	KindModifyEntitySchemaDescription  Kind = 12
	KindRemoveEntitySchema             Kind = 13
	KindModifyCatalogSchemaDescription Kind = 14
	KindEntityUpsert                   Kind = 20
	KindEntityRemove                   Kind = 21
)

func (k Kind) String() string {
	switch k {
	case KindTransaction:
		return "Transaction"
	case KindCreateEntitySchema:
		return "CreateEntitySchema"
	case KindModifyEntitySchemaName:
		return "ModifyEntitySchemaName"
	case KindModifyEntitySchemaDescription:
		return "ModifyEntitySchemaDescription"
	case KindRemoveEntitySchema:
		return "RemoveEntitySchema"
	case KindModifyCatalogSchemaDescription:
		return "ModifyCatalogSchemaDescription"
	case KindEntityUpsert:
		return "EntityUpsert"
	case KindEntityRemove:
		return "EntityRemove"
	default:
		return "Unknown"
	}
}

// ContainerType tells which kind of container a mutation changes.
type ContainerType uint8

const (
	ContainerCatalog ContainerType = iota
	ContainerEntitySchema
	ContainerEntity
)

func (c ContainerType) String() string {
	switch c {
	case ContainerCatalog:
		return "catalog"
	case ContainerEntitySchema:
		return "entity_schema"
	case ContainerEntity:
		return "entity"
	default:
		return "unknown"
	}
}

// Mutation is a single recorded change. The set of implementations is closed:
// only types in this package satisfy it.
type Mutation interface {
	Kind() Kind
	// ContainerType and ClassifierName identify what the mutation touches,
	// used by change-capture consumers for filtering.
	ContainerType() ContainerType
	ClassifierName() string
	sealed()
}

// TransactionMutation is the marker written in front of every committed
// transaction. It announces how many mutation records follow and how many
// bytes they occupy.
type TransactionMutation struct {
	TransactionID    uuid.UUID
	CatalogVersion   uint64
	MutationCount    uint32
	PayloadSizeBytes uint64
	CommitTimestamp  time.Time
	// PayloadChecksum is the CRC32 (IEEE) of the payload bytes.
	PayloadChecksum uint32
}

// NewTransactionMutation builds a marker for a transaction about to be
// appended. Payload size and checksum are filled in by the WAL.
func NewTransactionMutation(id uuid.UUID, catalogVersion uint64, mutationCount uint32, commitTime time.Time) *TransactionMutation {
	return &TransactionMutation{
		TransactionID:   id,
		CatalogVersion:  catalogVersion,
		MutationCount:   mutationCount,
		CommitTimestamp: time.Unix(0, commitTime.UnixNano()).UTC(),
	}
}

func (*TransactionMutation) Kind() Kind                   { return KindTransaction }
func (*TransactionMutation) ContainerType() ContainerType { return ContainerCatalog }
func (*TransactionMutation) ClassifierName() string       { return "" }
func (*TransactionMutation) sealed()                      {}

// --- Schema mutations ---

type CreateEntitySchemaMutation struct {
	EntityType string
}

func (*CreateEntitySchemaMutation) Kind() Kind                   { return KindCreateEntitySchema }
func (*CreateEntitySchemaMutation) ContainerType() ContainerType { return ContainerEntitySchema }
func (m *CreateEntitySchemaMutation) ClassifierName() string     { return m.EntityType }
func (*CreateEntitySchemaMutation) sealed()                      {}

type ModifyEntitySchemaNameMutation struct {
	Name            string
	NewName         string
	OverwriteTarget bool
}

func (*ModifyEntitySchemaNameMutation) Kind() Kind                   { return KindModifyEntitySchemaName }
func (*ModifyEntitySchemaNameMutation) ContainerType() ContainerType { return ContainerEntitySchema }
func (m *ModifyEntitySchemaNameMutation) ClassifierName() string     { return m.Name }
func (*ModifyEntitySchemaNameMutation) sealed()                      {}

type ModifyEntitySchemaDescriptionMutation struct {
	EntityType  string
	Description string
}

func (*ModifyEntitySchemaDescriptionMutation) Kind() Kind { return KindModifyEntitySchemaDescription }
func (*ModifyEntitySchemaDescriptionMutation) ContainerType() ContainerType {
	return ContainerEntitySchema
}
func (m *ModifyEntitySchemaDescriptionMutation) ClassifierName() string { return m.EntityType }
func (*ModifyEntitySchemaDescriptionMutation) sealed()                  {}

type RemoveEntitySchemaMutation struct {
	EntityType string
}

func (*RemoveEntitySchemaMutation) Kind() Kind                   { return KindRemoveEntitySchema }
func (*RemoveEntitySchemaMutation) ContainerType() ContainerType { return ContainerEntitySchema }
func (m *RemoveEntitySchemaMutation) ClassifierName() string     { return m.EntityType }
func (*RemoveEntitySchemaMutation) sealed()                      {}

type ModifyCatalogSchemaDescriptionMutation struct {
	CatalogName string
	Description string
}

func (*ModifyCatalogSchemaDescriptionMutation) Kind() Kind {
	return KindModifyCatalogSchemaDescription
}
func (*ModifyCatalogSchemaDescriptionMutation) ContainerType() ContainerType {
	return ContainerCatalog
}
func (m *ModifyCatalogSchemaDescriptionMutation) ClassifierName() string { return m.CatalogName }
func (*ModifyCatalogSchemaDescriptionMutation) sealed()                  {}

// --- Data mutations ---

// Existence states what the upsert expects about the entity beforehand.
type Existence uint8

const (
	MayExist Existence = iota
	MustNotExist
	MustExist
)

// EntityUpsertMutation creates or updates one entity through a list of
// local mutations applied in order.
type EntityUpsertMutation struct {
	EntityType     string
	PrimaryKey     int32
	Existence      Existence
	LocalMutations []LocalMutation
}

func (*EntityUpsertMutation) Kind() Kind                   { return KindEntityUpsert }
func (*EntityUpsertMutation) ContainerType() ContainerType { return ContainerEntity }
func (m *EntityUpsertMutation) ClassifierName() string     { return m.EntityType }
func (*EntityUpsertMutation) sealed()                      {}

type EntityRemoveMutation struct {
	EntityType string
	PrimaryKey int32
}

func (*EntityRemoveMutation) Kind() Kind                   { return KindEntityRemove }
func (*EntityRemoveMutation) ContainerType() ContainerType { return ContainerEntity }
func (m *EntityRemoveMutation) ClassifierName() string     { return m.EntityType }
func (*EntityRemoveMutation) sealed()                      {}
