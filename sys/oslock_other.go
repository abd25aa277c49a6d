//go:build !unix

package sys

import "time"

func AcquireFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	return nil, ErrOSFileLockNotSupported
}
