//go:build linux

package sys

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Preallocate reserves disk blocks for f up to size bytes without changing
// its visible length. The WAL derives the committed extent of a file from its
// length, so a fallback that grows the file is never attempted.
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	fg, ok := f.(interface{ Fd() uintptr })
	if !ok {
		return ErrPreallocNotSupported
	}
	// WSL mounts of Windows drives reject fallocate.
	if strings.HasPrefix(f.Name(), "/mnt/") {
		return ErrPreallocNotSupported
	}

	fd := int(fg.Fd())
	err := unix.Fallocate(fd, unix.FALLOC_FL_KEEP_SIZE, 0, size)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTTY) {
		return ErrPreallocNotSupported
	}
	return fmt.Errorf("preallocation failed for %s: %w", f.Name(), err)
}
