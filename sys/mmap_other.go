//go:build !unix

package sys

// MapAnonymous is unavailable here; callers fall back to heap memory.
func MapAnonymous(size int) ([]byte, error) {
	return nil, ErrMmapNotSupported
}

func Unmap(b []byte) error {
	return nil
}
