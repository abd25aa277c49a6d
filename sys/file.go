// Package sys wraps the operating system services the WAL depends on: file
// handles, advisory locks, preallocation and anonymous memory mappings.
package sys

import (
	"io"
	"os"
	"time"
)

// FileHandle is the subset of *os.File used by the WAL. Tests swap the
// package-level openers to inject failures.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type RemoveHandler func(name string) error

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &RealFile{f: f}, nil
}

var Open OpenHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

var Create OpenHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

var Remove RemoveHandler = os.Remove

// SafeRemove removes name, retrying with exponential backoff. A file that is
// already gone counts as removed.
func SafeRemove(name string, retries int, interval time.Duration) error {
	if retries < 1 {
		retries = 1
	}
	var err error
	for i := 0; i < retries; i++ {
		err = Remove(name)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(interval * time.Duration(1<<i))
	}
	return err
}

// SyncDir fsyncs a directory so that creations and removals inside it are
// durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
