// Package atomicfile writes files so that readers see either the previous
// content or the complete new content, never a partial write.
package atomicfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/multierr"
)

// WriteFile writes path through a temp file in the same directory: write,
// flush, fsync, rename, then fsync the directory so the rename survives a
// crash. The temp file is removed on any failure.
func WriteFile(path string, perm os.FileMode, write func(w *bufio.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := file.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			err = multierr.Append(err, file.Close())
		}
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierr.Append(err, rmErr)
		}
	}()

	writer := bufio.NewWriter(file)
	if err := write(writer); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush buffer: %w", err)
	}
	if err := file.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	closed = true
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if runtime.GOOS == "windows" {
		return nil
	}
	dirFile, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory for fsync: %w", err)
	}
	defer func() { _ = dirFile.Close() }()
	if err := dirFile.Sync(); err != nil {
		return fmt.Errorf("fsync directory: %w", err)
	}
	return nil
}
