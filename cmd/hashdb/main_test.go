package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashdb/internal/diag"
	"hashdb/internal/indexer"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	var out bytes.Buffer
	cmd, c := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	require.NoError(t, c.teardown())
	return out.String(), err
}

func TestCLIScanReportDedupe(t *testing.T) {
	root := t.TempDir()
	db := filepath.Join(t.TempDir(), "hashdb.sqlite")
	require.NoError(t, os.WriteFile(filepath.Join(root, "photo.jpg"), []byte("pixels"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "photo_1.jpg"), []byte("pixels"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("text"), 0o644))

	out, err := run(t, "--db", db, "--quiet", "scan", root)
	require.NoError(t, err)
	assert.Contains(t, out, "Hashed:    3")

	out, err = run(t, "--db", db, "report")
	require.NoError(t, err)
	assert.Contains(t, out, "Duplicate groups:   1")

	out, err = run(t, "--db", db, "--quiet", "verify", "--only-problems")
	require.NoError(t, err)
	assert.Contains(t, out, "Verified 3 records: MATCH=3")

	out, err = run(t, "--db", db, "dedupe")
	require.NoError(t, err)
	assert.Contains(t, out, "keep   "+filepath.Join(root, "photo.jpg"))
	assert.Contains(t, out, "remove "+filepath.Join(root, "photo_1.jpg"))
	assert.FileExists(t, filepath.Join(root, "photo_1.jpg"))
}

func TestCLICleanupDeletesZeroByte(t *testing.T) {
	root := t.TempDir()
	db := filepath.Join(t.TempDir(), "hashdb.sqlite")
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("text"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "gone.txt"), []byte("bye"), 0o644))

	_, err := run(t, "--db", db, "--quiet", "scan", root)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "gone.txt")))

	out, err := run(t, "--db", db, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 stale records")
	assert.Contains(t, out, "Zero-byte files:  1 found\n")
	assert.Contains(t, out, "  "+filepath.Join(root, "empty.txt"))
	assert.Contains(t, out, "Database size:")
	assert.FileExists(t, filepath.Join(root, "empty.txt"))

	out, err = run(t, "--db", db, "cleanup", "--delete-zero")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 stale records")
	assert.Contains(t, out, "Zero-byte files:  1 found, 1 deleted")
	assert.NoFileExists(t, filepath.Join(root, "empty.txt"))
}

func TestPrintScanSummaryListsFailures(t *testing.T) {
	color.NoColor = true
	diags := diag.NewDiagnostics(0)
	diags.Add(diag.PathError("open", "/data/locked.bin", os.ErrPermission))
	diags.Add(diag.ReadError("/data/bad.iso", errors.New("input/output error")))

	var out bytes.Buffer
	printScanSummary(&out, indexer.Summary{
		Root:        "/data",
		Mode:        indexer.ScanModeIncremental,
		Scanned:     5,
		Hashed:      3,
		Errors:      int64(diags.Total()),
		Diagnostics: diags.Counts(),
		Failures:    diags.Err(),
	})

	assert.Contains(t, out.String(), "Errors:    2")
	assert.Contains(t, out.String(), "  open /data/locked.bin: permission denied")
	assert.Contains(t, out.String(), "  read /data/bad.iso: input/output error")
}

func TestCLIRejectsBadFlags(t *testing.T) {
	db := filepath.Join(t.TempDir(), "hashdb.sqlite")

	_, err := run(t, "--db", db, "scan", t.TempDir(), "--algo", "crc32")
	assert.Error(t, err)

	_, err = run(t, "--db", db, "dedupe", "--mode", "shred")
	assert.Error(t, err)

	_, err = run(t, "--db", db, "dedupe", "--mode", "quarantine")
	assert.Error(t, err, "quarantine needs a destination")

	_, err = run(t, "--db", db, "scan")
	assert.Error(t, err)
}
