package storagepart

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	changePut    byte = 1
	changeRemove byte = 2

	maxPartTypeLen = 1 << 10
	maxPartDataLen = 1 << 30
)

var errMalformedChange = errors.New("storagepart: malformed staged change")

// Change is a single staged write. Removed changes carry only the key.
type Change struct {
	Key     Key
	Removed bool
	Part    StoragePart
}

// appendChange encodes c as
// [op u8][len(type) uvarint][type][primary key varint] followed for puts by
// [version uvarint][len(data) uvarint][data].
func appendChange(dst []byte, c Change) []byte {
	op := changePut
	if c.Removed {
		op = changeRemove
	}
	dst = append(dst, op)
	dst = binary.AppendUvarint(dst, uint64(len(c.Key.Type)))
	dst = append(dst, c.Key.Type...)
	dst = binary.AppendVarint(dst, c.Key.PrimaryKey)
	if c.Removed {
		return dst
	}
	dst = binary.AppendUvarint(dst, c.Part.Version)
	dst = binary.AppendUvarint(dst, uint64(len(c.Part.Data)))
	return append(dst, c.Part.Data...)
}

func encodedChangeSize(c Change) int {
	n := 1 + binary.MaxVarintLen64*2 + len(c.Key.Type)
	if !c.Removed {
		n += binary.MaxVarintLen64*2 + len(c.Part.Data)
	}
	return n
}

// ChangeReader decodes staged changes in the order they were staged.
type ChangeReader struct {
	r     *bufio.Reader
	count int
	read  int
}

func newChangeReader(r io.Reader, count int) *ChangeReader {
	return &ChangeReader{r: bufio.NewReader(r), count: count}
}

// Len is the number of changes staged, read or not.
func (cr *ChangeReader) Len() int { return cr.count }

// Next returns the next change, or io.EOF after the last one.
func (cr *ChangeReader) Next() (Change, error) {
	if cr.read >= cr.count {
		return Change{}, io.EOF
	}
	c, err := cr.decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Change{}, fmt.Errorf("%w: change %d of %d: %w", errMalformedChange, cr.read+1, cr.count, err)
	}
	cr.read++
	return c, nil
}

func (cr *ChangeReader) decode() (Change, error) {
	op, err := cr.r.ReadByte()
	if err != nil {
		return Change{}, err
	}
	if op != changePut && op != changeRemove {
		return Change{}, fmt.Errorf("unknown operation %d", op)
	}
	typ, err := cr.readBytes(maxPartTypeLen)
	if err != nil {
		return Change{}, err
	}
	pk, err := binary.ReadVarint(cr.r)
	if err != nil {
		return Change{}, err
	}
	c := Change{Key: Key{Type: PartType(typ), PrimaryKey: pk}, Removed: op == changeRemove}
	if c.Removed {
		return c, nil
	}
	version, err := binary.ReadUvarint(cr.r)
	if err != nil {
		return Change{}, err
	}
	data, err := cr.readBytes(maxPartDataLen)
	if err != nil {
		return Change{}, err
	}
	c.Part = StoragePart{Type: c.Key.Type, PrimaryKey: pk, Version: version, Data: data}
	return c, nil
}

func (cr *ChangeReader) readBytes(limit uint64) ([]byte, error) {
	n, err := binary.ReadUvarint(cr.r)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("length %d exceeds %d", n, limit)
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(cr.r, b); err != nil {
		return nil, err
	}
	return b, nil
}
