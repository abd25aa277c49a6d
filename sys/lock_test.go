//go:build unix

package sys

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireFileLock_Exclusive(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "WAL")

	release, err := AcquireFileLock(lockPath, 0)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if _, err := AcquireFileLock(lockPath, 50*time.Millisecond); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked while the lock is held, got %v", err)
	}

	if err := release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	release2, err := AcquireFileLock(lockPath, 0)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	if err := release2(); err != nil {
		t.Fatalf("second release failed: %v", err)
	}
}
