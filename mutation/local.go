package mutation

// LocalKind identifies a local mutation variant inside an entity upsert.
type LocalKind uint8

const (
	LocalUpsertAttribute LocalKind = iota + 1
	LocalRemoveAttribute
	LocalUpsertAssociatedData
	LocalRemoveAssociatedData
	LocalSetParent
	LocalRemoveParent
)

// LocalMutation changes one part of a single entity. Like Mutation, the set
// of implementations is closed.
type LocalMutation interface {
	LocalKind() LocalKind
	localSealed()
}

// AttributeKey addresses an attribute, optionally localized. An empty Locale
// means the attribute is global.
type AttributeKey struct {
	Name   string
	Locale string
}

// UpsertAttributeMutation sets an attribute value. Supported value types are
// int64, float64, string, bool and []byte.
type UpsertAttributeMutation struct {
	Key   AttributeKey
	Value any
}

func (*UpsertAttributeMutation) LocalKind() LocalKind { return LocalUpsertAttribute }
func (*UpsertAttributeMutation) localSealed()         {}

type RemoveAttributeMutation struct {
	Key AttributeKey
}

func (*RemoveAttributeMutation) LocalKind() LocalKind { return LocalRemoveAttribute }
func (*RemoveAttributeMutation) localSealed()         {}

type UpsertAssociatedDataMutation struct {
	Key  AttributeKey
	Data []byte
}

func (*UpsertAssociatedDataMutation) LocalKind() LocalKind { return LocalUpsertAssociatedData }
func (*UpsertAssociatedDataMutation) localSealed()         {}

type RemoveAssociatedDataMutation struct {
	Key AttributeKey
}

func (*RemoveAssociatedDataMutation) LocalKind() LocalKind { return LocalRemoveAssociatedData }
func (*RemoveAssociatedDataMutation) localSealed()         {}

type SetParentMutation struct {
	ParentPrimaryKey int32
}

func (*SetParentMutation) LocalKind() LocalKind { return LocalSetParent }
func (*SetParentMutation) localSealed()         {}

type RemoveParentMutation struct{}

func (*RemoveParentMutation) LocalKind() LocalKind { return LocalRemoveParent }
func (*RemoveParentMutation) localSealed()         {}
