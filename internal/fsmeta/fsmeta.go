// Package fsmeta normalizes paths and extracts the file metadata the store
// records, including the platform-dependent creation time.
package fsmeta

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Normalize returns the cleaned absolute form of path, the store's primary key.
func Normalize(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// Segments counts the path components of a normalized path. "/a.txt" has one
// segment and "/a/b/c.txt" has three.
func Segments(path string) int {
	trimmed := strings.Trim(filepath.ToSlash(strings.TrimPrefix(path, filepath.VolumeName(path))), "/")
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, "/") + 1
}

// Within reports whether target lies inside root (or is root).
func Within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CreatedAt returns the creation (birth) time of the file described by info,
// or nil when the platform or filesystem does not expose one.
func CreatedAt(path string, info fs.FileInfo) *time.Time {
	t, ok := birthTime(path, info)
	if !ok || t.IsZero() {
		return nil
	}
	return &t
}

// Transient reports whether err is a momentary condition worth a bounded
// retry, such as a file briefly locked by another process.
func Transient(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EAGAIN, syscall.EBUSY, syscall.ETXTBSY, syscall.EINTR:
		return true
	default:
		return false
	}
}
