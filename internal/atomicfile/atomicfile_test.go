package atomicfile

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "vocab_words")

	err := WriteFile(path, 0o644, func(w *bufio.Writer) error {
		_, err := w.WriteString("b\na\n")
		return err
	})
	assert.NoError(t, err)

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "b\na\n", string(data))

	t.Run("failed write keeps old content", func(t *testing.T) {
		boom := errors.New("boom")
		err := WriteFile(path, 0o644, func(w *bufio.Writer) error {
			_, _ = w.WriteString("partial")
			return boom
		})
		assert.IsError(t, err, boom)

		data, err := os.ReadFile(path)
		assert.NoError(t, err)
		assert.Equal(t, "b\na\n", string(data))

		entries, err := os.ReadDir(filepath.Dir(path))
		assert.NoError(t, err)
		assert.Equal(t, 1, len(entries))
	})
}

func TestDirectoryLock(t *testing.T) {
	dir := t.TempDir()

	first := NewDirectoryLock(dir)
	assert.NoError(t, first.Lock())
	assert.True(t, first.IsLocked())
	assert.Error(t, first.Lock())

	second := NewDirectoryLock(dir)
	assert.IsError(t, second.Lock(), ErrLocked)
	assert.False(t, second.IsLocked())

	assert.NoError(t, first.Unlock())
	assert.False(t, first.IsLocked())
	assert.NoError(t, second.Lock())
	assert.NoError(t, second.Unlock())
	assert.NoError(t, second.Unlock())
}
