// Package compressors provides the payload compressors selectable for staged
// WAL mutations.
package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/nexuscatalog/core"
)

// New returns the Compressor registered for the given type.
func New(compressionType core.CompressionType) (core.Compressor, error) {
	switch compressionType {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, core.NewConfigurationError("compression", fmt.Sprint(compressionType), "unknown compression type")
	}
}

// Decompress is a convenience wrapper reading a whole decompressed payload.
func Decompress(c core.Compressor, data []byte) ([]byte, error) {
	rc, err := c.Decompress(data)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%s decompress read error: %w", c.Type(), err)
	}
	return out, nil
}

// byteReadCloser serves in-memory decompressed data; Close has nothing to release.
type byteReadCloser struct {
	*bytes.Reader
}

func (b *byteReadCloser) Close() error {
	return nil
}

var _ io.ReadCloser = (*byteReadCloser)(nil)

func newByteReadCloser(data []byte) *byteReadCloser {
	return &byteReadCloser{Reader: bytes.NewReader(data)}
}
