package mutation

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nexuscatalog/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMutations() []Mutation {
	return []Mutation{
		&CreateEntitySchemaMutation{EntityType: "Product"},
		&ModifyEntitySchemaNameMutation{Name: "Product", NewName: "Item", OverwriteTarget: true},
		&ModifyEntitySchemaDescriptionMutation{EntityType: "Item", Description: "Things we sell"},
		&RemoveEntitySchemaMutation{EntityType: "Obsolete"},
		&ModifyCatalogSchemaDescriptionMutation{CatalogName: "shop", Description: "Main catalog"},
		&EntityUpsertMutation{
			EntityType: "Item",
			PrimaryKey: 42,
			Existence:  MustNotExist,
			LocalMutations: []LocalMutation{
				&UpsertAttributeMutation{Key: AttributeKey{Name: "code"}, Value: "ABC-1"},
				&UpsertAttributeMutation{Key: AttributeKey{Name: "price", Locale: "cs"}, Value: 12.5},
				&UpsertAttributeMutation{Key: AttributeKey{Name: "stock"}, Value: int64(-3)},
				&UpsertAttributeMutation{Key: AttributeKey{Name: "visible"}, Value: true},
				&UpsertAttributeMutation{Key: AttributeKey{Name: "thumb"}, Value: []byte{1, 2, 3}},
				&RemoveAttributeMutation{Key: AttributeKey{Name: "legacy", Locale: "en"}},
				&UpsertAssociatedDataMutation{Key: AttributeKey{Name: "manual"}, Data: []byte("pdf")},
				&RemoveAssociatedDataMutation{Key: AttributeKey{Name: "old"}},
				&SetParentMutation{ParentPrimaryKey: 7},
				&RemoveParentMutation{},
			},
		},
		&EntityRemoveMutation{EntityType: "Item", PrimaryKey: 9},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		t.Run(ct.String(), func(t *testing.T) {
			codec, err := NewCodec(ct)
			require.NoError(t, err)

			for _, m := range sampleMutations() {
				typeID, body, err := codec.Encode(m)
				require.NoError(t, err)
				kind, _ := SplitTypeID(typeID)
				assert.Equal(t, m.Kind(), kind)

				decoded, err := codec.Decode(typeID, body)
				require.NoError(t, err, "kind %s", m.Kind())
				assert.Equal(t, m, decoded)
			}
		})
	}
}

func TestCodec_RoundTripKeepsNilAndEmptyApart(t *testing.T) {
	codec, err := NewCodec(core.CompressionNone)
	require.NoError(t, err)

	testCases := []struct {
		name string
		m    Mutation
	}{
		{"nil local mutations", &EntityUpsertMutation{EntityType: "Item", PrimaryKey: 1}},
		{"empty local mutations", &EntityUpsertMutation{EntityType: "Item", PrimaryKey: 1, LocalMutations: []LocalMutation{}}},
		{"nil associated data", &EntityUpsertMutation{EntityType: "Item", LocalMutations: []LocalMutation{
			&UpsertAssociatedDataMutation{Key: AttributeKey{Name: "manual"}},
		}}},
		{"empty associated data", &EntityUpsertMutation{EntityType: "Item", LocalMutations: []LocalMutation{
			&UpsertAssociatedDataMutation{Key: AttributeKey{Name: "manual"}, Data: []byte{}},
		}}},
		{"nil bytes attribute", &EntityUpsertMutation{EntityType: "Item", LocalMutations: []LocalMutation{
			&UpsertAttributeMutation{Key: AttributeKey{Name: "thumb"}, Value: []byte(nil)},
		}}},
		{"empty bytes attribute", &EntityUpsertMutation{EntityType: "Item", LocalMutations: []LocalMutation{
			&UpsertAttributeMutation{Key: AttributeKey{Name: "thumb"}, Value: []byte{}},
		}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			typeID, body, err := codec.Encode(tc.m)
			require.NoError(t, err)
			decoded, err := codec.Decode(typeID, body)
			require.NoError(t, err)
			assert.True(t, reflect.DeepEqual(tc.m, decoded), "got %#v", decoded)
		})
	}
}

func TestCodec_CompressesLargeBodies(t *testing.T) {
	codec, err := NewCodec(core.CompressionSnappy)
	require.NoError(t, err)

	m := &ModifyEntitySchemaDescriptionMutation{EntityType: "Item", Description: strings.Repeat("repeat me ", 500)}
	typeID, body, err := codec.Encode(m)
	require.NoError(t, err)
	_, ct := SplitTypeID(typeID)
	assert.Equal(t, core.CompressionSnappy, ct)
	assert.Less(t, len(body), 5000)

	// A decoder configured differently still reads it.
	plain, err := NewCodec(core.CompressionNone)
	require.NoError(t, err)
	decoded, err := plain.Decode(typeID, body)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestCodec_SmallBodiesStayUncompressed(t *testing.T) {
	codec, err := NewCodec(core.CompressionZSTD)
	require.NoError(t, err)
	typeID, _, err := codec.Encode(&RemoveEntitySchemaMutation{EntityType: "X"})
	require.NoError(t, err)
	_, ct := SplitTypeID(typeID)
	assert.Equal(t, core.CompressionNone, ct)
}

func TestCodec_Marker(t *testing.T) {
	codec, err := NewCodec(core.CompressionLZ4)
	require.NoError(t, err)

	marker := NewTransactionMutation(uuid.New(), 2000, 3, time.Unix(1700000000, 123456789))
	marker.PayloadSizeBytes = 321
	marker.PayloadChecksum = 0xdeadbeef

	typeID, body, err := codec.Encode(marker)
	require.NoError(t, err)
	assert.Equal(t, TypeID(KindTransaction, core.CompressionNone), typeID)
	assert.Len(t, body, MarkerPayloadSize)

	decoded, err := codec.Decode(typeID, body)
	require.NoError(t, err)
	assert.Equal(t, marker, decoded)

	_, err = DecodeMarker(body[:MarkerPayloadSize-1])
	assert.ErrorIs(t, err, ErrMalformed)

	for _, off := range []int{0, core.UUIDSize, core.UUIDSize + 8 + 4 + 7, MarkerPayloadSize - 1} {
		damaged := append([]byte(nil), body...)
		damaged[off] ^= 0x01
		_, err = DecodeMarker(damaged)
		assert.ErrorIs(t, err, ErrMarkerChecksum, "flipped byte at %d", off)
		assert.ErrorIs(t, err, ErrMalformed)
	}
}

func TestCodec_UnknownTypeID(t *testing.T) {
	codec, err := NewCodec(core.CompressionNone)
	require.NoError(t, err)

	_, err = codec.Decode(999, []byte{0})
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}

func TestCodec_MalformedBody(t *testing.T) {
	codec, err := NewCodec(core.CompressionNone)
	require.NoError(t, err)

	typeID, body, err := codec.Encode(&EntityRemoveMutation{EntityType: "Item", PrimaryKey: 1})
	require.NoError(t, err)

	_, err = codec.Decode(typeID, body[:len(body)-1])
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = codec.Decode(typeID, append(append([]byte{}, body...), 0xff))
	assert.ErrorIs(t, err, ErrMalformed, "trailing bytes must be rejected")
}

func TestCodec_UnsupportedAttributeValue(t *testing.T) {
	codec, err := NewCodec(core.CompressionNone)
	require.NoError(t, err)
	_, _, err = codec.Encode(&EntityUpsertMutation{
		EntityType:     "Item",
		LocalMutations: []LocalMutation{&UpsertAttributeMutation{Key: AttributeKey{Name: "x"}, Value: struct{}{}}},
	})
	assert.Error(t, err)
}

func TestTypeID(t *testing.T) {
	id := TypeID(KindEntityUpsert, core.CompressionZSTD)
	kind, ct := SplitTypeID(id)
	assert.Equal(t, KindEntityUpsert, kind)
	assert.Equal(t, core.CompressionZSTD, ct)
	assert.True(t, KnownKind(kind))
	assert.False(t, KnownKind(Kind(4000)))
}
