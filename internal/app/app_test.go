package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashdb/internal/config"
	"hashdb/internal/deduper"
	"hashdb/internal/diag"
	"hashdb/internal/digest"
	"hashdb/internal/indexer"
	"hashdb/internal/maintenance"
	"hashdb/internal/verifier"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestApp(t *testing.T, mutate func(*config.Config)) (*App, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "same")
	writeFile(t, filepath.Join(root, "copies", "nested", "a.txt"), "same")
	writeFile(t, filepath.Join(root, "b.txt"), "other")

	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(root, "hashdb.sqlite")
	cfg.Workers = 2
	cfg.QueueSize = 4
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, root
}

func TestAppScanExcludesDatabase(t *testing.T) {
	ctx := context.Background()
	a, root := newTestApp(t, nil)

	var snapshots []indexer.ProgressSnapshot
	summary, err := a.Scan(ctx, root, ScanOptions{Progress: func(p indexer.ProgressSnapshot) {
		snapshots = append(snapshots, p)
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Hashed)
	assert.Zero(t, summary.Errors)
	require.NotEmpty(t, snapshots)
	assert.Equal(t, int64(3), snapshots[len(snapshots)-1].Hashed)

	rep, err := a.Report(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.TotalRows)
	assert.Equal(t, 1, rep.DuplicateGroups)
}

func TestAppVerifyAfterScan(t *testing.T) {
	ctx := context.Background()
	a, root := newTestApp(t, nil)
	_, err := a.Scan(ctx, root, ScanOptions{})
	require.NoError(t, err)

	writeFile(t, filepath.Join(root, "b.txt"), "changed")

	var problems []verifier.Result
	summary, err := a.Verify(ctx, root, "", func(r verifier.Result) {
		if r.Problem() {
			problems = append(problems, r)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Count(verifier.Match))
	require.Len(t, problems, 1)
	assert.Equal(t, verifier.Mismatch, problems[0].Outcome)
}

func TestAppDedupeQuarantine(t *testing.T) {
	ctx := context.Background()
	quarantine := t.TempDir()
	a, root := newTestApp(t, func(cfg *config.Config) {
		cfg.QuarantineDir = quarantine
	})
	_, err := a.Scan(ctx, root, ScanOptions{})
	require.NoError(t, err)

	plan, err := a.Dedupe(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, deduper.DryRun, plan.Mode)
	assert.Equal(t, 1, plan.Planned)
	assert.FileExists(t, filepath.Join(root, "copies", "nested", "a.txt"))

	done, err := a.Dedupe(ctx, "", deduper.Quarantine)
	require.NoError(t, err)
	assert.Equal(t, 1, done.Removed)
	assert.FileExists(t, filepath.Join(root, "a.txt"))
	assert.NoFileExists(t, filepath.Join(root, "copies", "nested", "a.txt"))

	sets, err := a.Duplicates(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, sets)

	// Restoring the file by hand keeps its mtime; the next incremental scan
	// must still pick it up and clear the quarantine flag.
	original := filepath.Join(root, "copies", "nested", "a.txt")
	require.NoError(t, os.Rename(filepath.Join(quarantine, "copies", "nested", "a.txt"), original))
	summary, err := a.Scan(ctx, root, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Hashed)

	record, ok, err := a.store.Get(ctx, original)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, record.Flags.Removed())

	sets, err = a.Duplicates(ctx, "")
	require.NoError(t, err)
	assert.Len(t, sets, 1)
}

func TestAppCleanupAndHealth(t *testing.T) {
	ctx := context.Background()
	a, root := newTestApp(t, nil)
	_, err := a.Scan(ctx, root, ScanOptions{})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "b.txt")))
	health, err := a.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, health.Missing)
	assert.Positive(t, health.DatabaseBytes)

	writeFile(t, filepath.Join(root, "empty.txt"), "")
	_, err = a.Scan(ctx, root, ScanOptions{})
	require.NoError(t, err)

	summary, err := a.Cleanup(ctx, maintenance.Options{DeleteZero: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Removed)
	assert.Equal(t, 1, summary.ZeroFound)
	assert.Equal(t, 1, summary.ZeroDeleted)
	assert.Positive(t, summary.DatabaseBefore)
	assert.NoFileExists(t, filepath.Join(root, "empty.txt"))
	require.NoError(t, a.Compact(ctx))
}

func TestAppWritesMetricsTextfile(t *testing.T) {
	ctx := context.Background()
	textfile := filepath.Join(t.TempDir(), "hashdb.prom")
	a, root := newTestApp(t, func(cfg *config.Config) {
		cfg.MetricsTextfile = textfile
	})
	_, err := a.Scan(ctx, root, ScanOptions{})
	require.NoError(t, err)

	data, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hashdb_files_hashed_total 3")
	assert.Contains(t, string(data), "hashdb_store_records 3")
}

func TestAppDefaultsToFirstListedAlgorithm(t *testing.T) {
	ctx := context.Background()
	algs, err := digest.ParseList("sha256,md5")
	require.NoError(t, err)
	a, root := newTestApp(t, func(cfg *config.Config) {
		cfg.Algorithms = algs
	})
	_, err = a.Scan(ctx, root, ScanOptions{})
	require.NoError(t, err)

	rep, err := a.Report(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, digest.SHA256, rep.Algorithm)

	sets, err := a.Duplicates(ctx, "")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, digest.SHA256, sets[0].Algorithm)
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "hashdb.sqlite")
	cfg.DedupeMode = deduper.Quarantine

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.True(t, diag.Is(err, diag.KindConfig))
}
