package mutation

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/INLOpen/nexuscatalog/compressors"
	"github.com/INLOpen/nexuscatalog/core"
	"github.com/google/uuid"
)

var (
	// ErrMalformed is returned when a record body cannot be decoded.
	ErrMalformed = errors.New("mutation: malformed payload")
	// ErrMarkerChecksum is returned when a marker body fails its own CRC.
	ErrMarkerChecksum = fmt.Errorf("%w: marker checksum mismatch", ErrMalformed)
)

// A type id packs the mutation kind into its low 14 bits and the compression
// of the body into the top 2 bits.
const (
	compressionShift = 14
	kindMask         = 1<<compressionShift - 1
)

// MarkerPayloadSize is the fixed body size of an encoded TransactionMutation:
// transaction id, catalog version, mutation count, payload size, commit time,
// payload checksum and a CRC32 over all the preceding marker bytes.
const MarkerPayloadSize = markerFieldsSize + core.ChecksumSize

const markerFieldsSize = core.UUIDSize + 8 + 4 + 8 + 8 + core.ChecksumSize

// TypeID builds the on-disk type identifier of a record.
func TypeID(kind Kind, compression core.CompressionType) uint16 {
	return uint16(compression)<<compressionShift | uint16(kind)&kindMask
}

// SplitTypeID is the inverse of TypeID.
func SplitTypeID(id uint16) (Kind, core.CompressionType) {
	return Kind(id & kindMask), core.CompressionType(id >> compressionShift)
}

// KnownKind reports whether kind is part of the closed mutation set.
func KnownKind(kind Kind) bool {
	switch kind {
	case KindTransaction, KindCreateEntitySchema, KindModifyEntitySchemaName,
		KindModifyEntitySchemaDescription, KindRemoveEntitySchema,
		KindModifyCatalogSchemaDescription, KindEntityUpsert, KindEntityRemove:
		return true
	}
	return false
}

// AppendMarker appends the fixed-size encoding of m to dst.
func AppendMarker(dst []byte, m *TransactionMutation) []byte {
	start := len(dst)
	dst = append(dst, m.TransactionID[:]...)
	dst = binary.LittleEndian.AppendUint64(dst, m.CatalogVersion)
	dst = binary.LittleEndian.AppendUint32(dst, m.MutationCount)
	dst = binary.LittleEndian.AppendUint64(dst, m.PayloadSizeBytes)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(m.CommitTimestamp.UnixNano()))
	dst = binary.LittleEndian.AppendUint32(dst, m.PayloadChecksum)
	return binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(dst[start:]))
}

// DecodeMarker decodes a marker body produced by AppendMarker. A body whose
// trailing CRC does not match yields ErrMarkerChecksum.
func DecodeMarker(payload []byte) (*TransactionMutation, error) {
	if len(payload) != MarkerPayloadSize {
		return nil, fmt.Errorf("%w: marker body is %d bytes, want %d", ErrMalformed, len(payload), MarkerPayloadSize)
	}
	if got, want := binary.LittleEndian.Uint32(payload[markerFieldsSize:]), crc32.ChecksumIEEE(payload[:markerFieldsSize]); got != want {
		return nil, fmt.Errorf("%w: got %08x, want %08x", ErrMarkerChecksum, got, want)
	}
	m := &TransactionMutation{}
	copy(m.TransactionID[:], payload[:core.UUIDSize])
	p := payload[core.UUIDSize:]
	m.CatalogVersion = binary.LittleEndian.Uint64(p[0:8])
	m.MutationCount = binary.LittleEndian.Uint32(p[8:12])
	m.PayloadSizeBytes = binary.LittleEndian.Uint64(p[12:20])
	m.CommitTimestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(p[20:28]))).UTC()
	m.PayloadChecksum = binary.LittleEndian.Uint32(p[28:32])
	return m, nil
}

// Codec converts mutations to and from record bodies. Bodies are compressed
// with the configured algorithm when that makes them smaller; decoding
// accepts any supported compression regardless of configuration.
type Codec struct {
	compression core.CompressionType
	byType      map[core.CompressionType]core.Compressor
}

// NewCodec creates a codec writing bodies with the given compression.
func NewCodec(compression core.CompressionType) (*Codec, error) {
	c := &Codec{compression: compression, byType: make(map[core.CompressionType]core.Compressor, 4)}
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		comp, err := compressors.New(ct)
		if err != nil {
			return nil, err
		}
		c.byType[ct] = comp
	}
	if _, ok := c.byType[compression]; !ok {
		return nil, core.NewConfigurationError("compression", compression.String(), "unsupported compression")
	}
	return c, nil
}

// Compression returns the algorithm used for new bodies.
func (c *Codec) Compression() core.CompressionType { return c.compression }

// Encode returns the type id and body of m. Markers are never compressed.
func (c *Codec) Encode(m Mutation) (uint16, []byte, error) {
	if marker, ok := m.(*TransactionMutation); ok {
		return TypeID(KindTransaction, core.CompressionNone), AppendMarker(make([]byte, 0, MarkerPayloadSize), marker), nil
	}

	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	if err := encodeBody(buf, m); err != nil {
		return 0, nil, err
	}

	if c.compression != core.CompressionNone {
		compressed, err := c.byType[c.compression].Compress(buf.Bytes())
		if err != nil {
			return 0, nil, fmt.Errorf("failed to compress %s mutation: %w", m.Kind(), err)
		}
		if len(compressed) < buf.Len() {
			return TypeID(m.Kind(), c.compression), compressed, nil
		}
	}
	body := make([]byte, buf.Len())
	copy(body, buf.Bytes())
	return TypeID(m.Kind(), core.CompressionNone), body, nil
}

// Decode rebuilds a mutation from its type id and body. An id naming no
// known kind or compression yields a *core.ConfigurationError; a body that
// does not parse yields an error wrapping ErrMalformed.
func (c *Codec) Decode(typeID uint16, payload []byte) (Mutation, error) {
	kind, ct := SplitTypeID(typeID)
	if !KnownKind(kind) {
		return nil, core.NewConfigurationError("type_id", fmt.Sprintf("%d", typeID), "unknown mutation type")
	}
	if kind == KindTransaction {
		if ct != core.CompressionNone {
			return nil, fmt.Errorf("%w: compressed transaction marker", ErrMalformed)
		}
		return DecodeMarker(payload)
	}
	comp, ok := c.byType[ct]
	if !ok {
		return nil, core.NewConfigurationError("type_id", fmt.Sprintf("%d", typeID), "unknown compression")
	}
	if ct != core.CompressionNone {
		raw, err := compressors.Decompress(comp, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s body does not decompress: %v", ErrMalformed, kind, err)
		}
		payload = raw
	}
	return decodeBody(kind, payload)
}

func encodeBody(buf *bytes.Buffer, m Mutation) error {
	switch v := m.(type) {
	case *CreateEntitySchemaMutation:
		putString(buf, v.EntityType)
	case *ModifyEntitySchemaNameMutation:
		putString(buf, v.Name)
		putString(buf, v.NewName)
		putBool(buf, v.OverwriteTarget)
	case *ModifyEntitySchemaDescriptionMutation:
		putString(buf, v.EntityType)
		putString(buf, v.Description)
	case *RemoveEntitySchemaMutation:
		putString(buf, v.EntityType)
	case *ModifyCatalogSchemaDescriptionMutation:
		putString(buf, v.CatalogName)
		putString(buf, v.Description)
	case *EntityUpsertMutation:
		putString(buf, v.EntityType)
		putInt32(buf, v.PrimaryKey)
		buf.WriteByte(byte(v.Existence))
		putCount(buf, len(v.LocalMutations), v.LocalMutations == nil)
		for i, lm := range v.LocalMutations {
			if err := encodeLocal(buf, lm); err != nil {
				return fmt.Errorf("local mutation %d of entity %s/%d: %w", i, v.EntityType, v.PrimaryKey, err)
			}
		}
	case *EntityRemoveMutation:
		putString(buf, v.EntityType)
		putInt32(buf, v.PrimaryKey)
	default:
		return fmt.Errorf("cannot encode mutation of type %T", m)
	}
	return nil
}

func decodeBody(kind Kind, payload []byte) (Mutation, error) {
	r := &payloadReader{buf: payload}
	var m Mutation
	switch kind {
	case KindCreateEntitySchema:
		m = &CreateEntitySchemaMutation{EntityType: r.string()}
	case KindModifyEntitySchemaName:
		v := &ModifyEntitySchemaNameMutation{}
		v.Name = r.string()
		v.NewName = r.string()
		v.OverwriteTarget = r.bool()
		m = v
	case KindModifyEntitySchemaDescription:
		v := &ModifyEntitySchemaDescriptionMutation{}
		v.EntityType = r.string()
		v.Description = r.string()
		m = v
	case KindRemoveEntitySchema:
		m = &RemoveEntitySchemaMutation{EntityType: r.string()}
	case KindModifyCatalogSchemaDescription:
		v := &ModifyCatalogSchemaDescriptionMutation{}
		v.CatalogName = r.string()
		v.Description = r.string()
		m = v
	case KindEntityUpsert:
		v := &EntityUpsertMutation{}
		v.EntityType = r.string()
		v.PrimaryKey = r.int32()
		v.Existence = Existence(r.byte())
		count := r.count()
		if count >= 0 && r.err == nil {
			v.LocalMutations = make([]LocalMutation, 0, count)
		}
		for i := 0; i < count && r.err == nil; i++ {
			if lm := decodeLocal(r); lm != nil {
				v.LocalMutations = append(v.LocalMutations, lm)
			}
		}
		m = v
	case KindEntityRemove:
		v := &EntityRemoveMutation{}
		v.EntityType = r.string()
		v.PrimaryKey = r.int32()
		m = v
	default:
		return nil, fmt.Errorf("%w: no body decoder for %s", ErrMalformed, kind)
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return m, nil
}

// Attribute value tags.
const (
	valueInt64 byte = iota + 1
	valueFloat64
	valueString
	valueBool
	valueBytes
)

func putKey(buf *bytes.Buffer, k AttributeKey) {
	putString(buf, k.Name)
	putString(buf, k.Locale)
}

func readKey(r *payloadReader) AttributeKey {
	name := r.string()
	return AttributeKey{Name: name, Locale: r.string()}
}

func encodeLocal(buf *bytes.Buffer, lm LocalMutation) error {
	buf.WriteByte(byte(lm.LocalKind()))
	switch v := lm.(type) {
	case *UpsertAttributeMutation:
		putKey(buf, v.Key)
		switch val := v.Value.(type) {
		case int64:
			buf.WriteByte(valueInt64)
			putUint64(buf, uint64(val))
		case float64:
			buf.WriteByte(valueFloat64)
			putUint64(buf, math.Float64bits(val))
		case string:
			buf.WriteByte(valueString)
			putString(buf, val)
		case bool:
			buf.WriteByte(valueBool)
			putBool(buf, val)
		case []byte:
			buf.WriteByte(valueBytes)
			putBytes(buf, val)
		default:
			return fmt.Errorf("unsupported attribute value type %T for %q", v.Value, v.Key.Name)
		}
	case *RemoveAttributeMutation:
		putKey(buf, v.Key)
	case *UpsertAssociatedDataMutation:
		putKey(buf, v.Key)
		putBytes(buf, v.Data)
	case *RemoveAssociatedDataMutation:
		putKey(buf, v.Key)
	case *SetParentMutation:
		putInt32(buf, v.ParentPrimaryKey)
	case *RemoveParentMutation:
	default:
		return fmt.Errorf("cannot encode local mutation of type %T", lm)
	}
	return nil
}

func decodeLocal(r *payloadReader) LocalMutation {
	switch LocalKind(r.byte()) {
	case LocalUpsertAttribute:
		v := &UpsertAttributeMutation{Key: readKey(r)}
		switch r.byte() {
		case valueInt64:
			v.Value = int64(r.uint64())
		case valueFloat64:
			v.Value = r.float64()
		case valueString:
			v.Value = r.string()
		case valueBool:
			v.Value = r.bool()
		case valueBytes:
			v.Value = r.bytes()
		default:
			r.fail("unknown attribute value tag")
		}
		return v
	case LocalRemoveAttribute:
		return &RemoveAttributeMutation{Key: readKey(r)}
	case LocalUpsertAssociatedData:
		v := &UpsertAssociatedDataMutation{Key: readKey(r)}
		v.Data = r.bytes()
		return v
	case LocalRemoveAssociatedData:
		return &RemoveAssociatedDataMutation{Key: readKey(r)}
	case LocalSetParent:
		return &SetParentMutation{ParentPrimaryKey: r.int32()}
	case LocalRemoveParent:
		return &RemoveParentMutation{}
	default:
		r.fail("unknown local mutation kind")
		return nil
	}
}

// NewTransactionID returns a random transaction identifier.
func NewTransactionID() uuid.UUID {
	return uuid.New()
}
