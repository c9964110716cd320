package deduper

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"hashdb/internal/diag"
	"hashdb/internal/fsmeta"
)

// MaxSuffix bounds the "_N" suffixes tried for a colliding destination.
const MaxSuffix = 9999

// Destination maps path into the quarantine directory, keeping its location
// relative to root. Without a usable root the absolute path (minus any
// volume name) is mirrored instead.
func Destination(quarantineDir, root, path string) string {
	if root != "" && fsmeta.Within(root, path) {
		if rel, err := filepath.Rel(root, path); err == nil && rel != "." {
			return filepath.Join(quarantineDir, rel)
		}
	}
	trimmed := strings.TrimPrefix(path, filepath.VolumeName(path))
	return filepath.Join(quarantineDir, strings.TrimLeft(trimmed, `/\`))
}

// MoveToQuarantine moves src to dest without ever replacing an existing file. When
// dest is taken, "name_1.ext", "name_2.ext" and so on are tried up to
// MaxSuffix. It returns the path the file ended up at.
func MoveToQuarantine(src, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", diag.PathError("quarantine", dest, err)
	}

	ext := filepath.Ext(dest)
	base := strings.TrimSuffix(dest, ext)
	for n := 0; n <= MaxSuffix; n++ {
		candidate := dest
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, n, ext)
		}
		err := moveNoClobber(src, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", diag.PathError("quarantine", src, err)
		}
	}
	return "", diag.ConflictError(src, fmt.Errorf("no free name for %s after %d attempts", dest, MaxSuffix))
}

// moveNoClobber moves src to dst and fails with fs.ErrExist if dst exists.
// A hard link claims dst atomically; across devices the content is copied.
func moveNoClobber(src, dst string) error {
	err := os.Link(src, dst)
	switch {
	case err == nil:
		if err := os.Remove(src); err != nil {
			os.Remove(dst)
			return err
		}
		return nil
	case errors.Is(err, fs.ErrExist):
		return err
	case errors.Is(err, syscall.EXDEV):
		return copyRemove(src, dst)
	}

	// The filesystem has no hard links.
	if _, statErr := os.Lstat(dst); statErr == nil {
		return &fs.PathError{Op: "move", Path: dst, Err: fs.ErrExist}
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return copyRemove(src, dst)
		}
		return err
	}
	return nil
}

func copyRemove(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	if err = os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	in.Close()
	return os.Remove(src)
}
