package fsmeta

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegments(t *testing.T) {
	assert.Equal(t, 1, Segments("/a.txt"))
	assert.Equal(t, 3, Segments("/a/b/c.txt"))
	assert.Equal(t, 0, Segments("/"))
}

func TestNormalize(t *testing.T) {
	dir := t.TempDir()
	got, err := Normalize(filepath.Join(dir, "x", "..", "y.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "y.txt"), got)

	_, err = Normalize("  ")
	assert.Error(t, err)
}

func TestWithin(t *testing.T) {
	root := filepath.FromSlash("/data/photos")
	assert.True(t, Within(root, filepath.FromSlash("/data/photos/2024/a.jpg")))
	assert.True(t, Within(root, root))
	assert.False(t, Within(root, filepath.FromSlash("/data/photos-old/a.jpg")))
	assert.False(t, Within(root, filepath.FromSlash("/data")))
	assert.True(t, Within(root, filepath.FromSlash("/data/photos/..hidden")))
}

func TestCreatedAtNeverPanics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	info, err := os.Lstat(path)
	require.NoError(t, err)

	if created := CreatedAt(path, info); created != nil {
		assert.False(t, created.IsZero())
	}
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(&os.PathError{Op: "open", Path: "x", Err: syscall.EBUSY}))
	assert.True(t, Transient(fmt.Errorf("wrapped: %w", syscall.EAGAIN)))
	assert.False(t, Transient(&os.PathError{Op: "open", Path: "x", Err: syscall.ENOENT}))
	assert.False(t, Transient(nil))
}
