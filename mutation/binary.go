package mutation

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

// putCount writes the length of a slice that may be nil: 0 for nil and
// n+1 for a slice of n elements, so empty and nil decode back as they were.
func putCount(buf *bytes.Buffer, n int, isNil bool) {
	if isNil {
		putUvarint(buf, 0)
		return
	}
	putUvarint(buf, uint64(n)+1)
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putCount(buf, len(b), b == nil)
	buf.Write(b)
}

func putBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func putInt32(buf *bytes.Buffer, v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	buf.Write(tmp[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

// payloadReader decodes a record body. The first failure sticks; callers
// check err once at the end through finish.
type payloadReader struct {
	buf []byte
	off int
	err error
}

func (r *payloadReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s at offset %d", ErrMalformed, fmt.Sprintf(format, args...), r.off)
	}
}

func (r *payloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.fail("need %d bytes, have %d", n, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *payloadReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail("bad uvarint")
		return 0
	}
	r.off += n
	return v
}

func (r *payloadReader) length() int {
	v := r.uvarint()
	if v > uint64(len(r.buf)-r.off) {
		r.fail("length %d exceeds remaining payload", v)
		return 0
	}
	return int(v)
}

// count reads a length written by putCount; -1 stands for nil.
func (r *payloadReader) count() int {
	v := r.uvarint()
	if v == 0 {
		return -1
	}
	if v-1 > uint64(len(r.buf)-r.off) {
		r.fail("length %d exceeds remaining payload", v-1)
		return -1
	}
	return int(v - 1)
}

func (r *payloadReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *payloadReader) bool() bool {
	switch r.byte() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("bad bool")
		return false
	}
}

func (r *payloadReader) int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *payloadReader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *payloadReader) float64() float64 {
	return math.Float64frombits(r.uint64())
}

func (r *payloadReader) string() string {
	return string(r.take(r.length()))
}

func (r *payloadReader) bytes() []byte {
	n := r.count()
	if n < 0 {
		return nil
	}
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *payloadReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.buf)-r.off)
	}
	return nil
}
