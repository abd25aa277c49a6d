//go:build unix

package sys

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// AcquireFileLock takes an advisory exclusive flock on lockPath, creating the
// file if needed. It retries until timeout elapses and then fails with
// ErrLocked. The returned function unlocks and closes the file; the file
// itself is left in place.
func AcquireFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			release := func() error {
				unlockErr := unix.Flock(fd, unix.LOCK_UN)
				closeErr := f.Close()
				return errors.Join(unlockErr, closeErr)
			}
			return release, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		time.Sleep(25 * time.Millisecond)
	}
}
