package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/multierr"
)

var ErrLocked = errors.New("directory is locked by another process")

// DirectoryLock holds an exclusive flock(2) on dir/.lock so that two
// processes never write the same output directory.
type DirectoryLock struct {
	path string
	file *os.File
}

func NewDirectoryLock(dir string) *DirectoryLock {
	return &DirectoryLock{path: filepath.Join(dir, ".lock")}
}

// Lock acquires the lock without blocking.
func (l *DirectoryLock) Lock() error {
	if l.file != nil {
		return fmt.Errorf("lock already held by this instance")
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s", ErrLocked, filepath.Dir(l.path))
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	l.file = file
	return nil
}

// Unlock releases the lock and removes the lock file.
func (l *DirectoryLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil

	err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	err = multierr.Append(err, file.Close())
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		err = multierr.Append(err, rmErr)
	}
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (l *DirectoryLock) IsLocked() bool {
	return l.file != nil
}
