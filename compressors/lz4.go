package compressors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/INLOpen/nexuscatalog/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// maxLZ4DecodedSize bounds the size header so a damaged payload cannot
// trigger a huge allocation.
const maxLZ4DecodedSize = 256 * 1024 * 1024

var errLZ4Header = errors.New("lz4 payload shorter than its size header")

// LZ4Compressor uses the LZ4 block format. The block format does not store
// the original size, so every payload is prefixed with it (uvarint).
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	var sizeBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(sizeBuf[:], uint64(len(src)))
	dst.Write(sizeBuf[:n])
	if len(src) == 0 {
		return nil
	}

	block := make([]byte, lz4.CompressBlockBound(len(src)))
	written, err := lz4.CompressBlock(src, block, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if written == 0 || written >= len(src) {
		// Incompressible input. Store the raw bytes; a body as long as the
		// size header is always raw because compressed bodies are shorter.
		dst.Write(src)
		return nil
	}
	dst.Write(block[:written])
	return nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, errLZ4Header
	}
	if size > maxLZ4DecodedSize {
		return nil, fmt.Errorf("lz4 decoded size %d exceeds limit %d", size, maxLZ4DecodedSize)
	}
	body := data[n:]
	if size == 0 {
		return newByteReadCloser(nil), nil
	}
	if uint64(len(body)) == size {
		// Stored uncompressed (see CompressTo).
		raw := make([]byte, size)
		copy(raw, body)
		return newByteReadCloser(raw), nil
	}
	dst := make([]byte, size)
	written, err := lz4.UncompressBlock(body, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if uint64(written) != size {
		return nil, fmt.Errorf("lz4 decompressed %d bytes, header says %d", written, size)
	}
	return newByteReadCloser(dst), nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
