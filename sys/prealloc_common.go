package sys

import "errors"

// ErrPreallocNotSupported is returned when the underlying file or filesystem
// does not support preallocation operations. Callers can treat this as a
// non-fatal, informational condition and avoid noisy warnings.
var ErrPreallocNotSupported = errors.New("preallocation not supported")

// ErrLocked is returned when a file lock is held by another process.
var ErrLocked = errors.New("file is locked by another process")

// ErrMmapNotSupported is returned when anonymous mappings are unavailable.
var ErrMmapNotSupported = errors.New("anonymous memory mapping not supported")

// ErrOSFileLockNotSupported is returned where advisory locks are unavailable.
var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")
