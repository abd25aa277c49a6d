//go:build unix

package sys

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MapAnonymous reserves size bytes of private memory outside the Go heap.
func MapAnonymous(size int) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return b, nil
}

// Unmap releases a mapping returned by MapAnonymous.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
