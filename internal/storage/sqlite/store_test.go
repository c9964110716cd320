package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashdb/internal/diag"
	"hashdb/internal/digest"
	"hashdb/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "db", "hashdb.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(path string, digests digest.Set) storage.Record {
	now := time.Unix(1_700_000_000, 0)
	return storage.Record{
		Path:      path,
		Name:      filepath.Base(path),
		Size:      42,
		ModTime:   now.Add(-time.Hour),
		ScannedAt: now,
		Digests:   digests,
		RootPath:  filepath.Dir(path),
	}
}

func collect(t *testing.T, store *Store, prefix string) []storage.Record {
	t.Helper()
	var out []storage.Record
	for record, err := range store.Iterate(context.Background(), prefix) {
		require.NoError(t, err)
		out = append(out, record)
	}
	return out
}

func TestStoreGetMissing(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.Get(context.Background(), "/nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorePutBatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	created := time.Unix(1_600_000_000, 123)
	rec := testRecord("/data/a.txt", digest.Set{digest.SHA256: "aa", digest.MD5: "bb"})
	rec.CreatedAt = &created
	require.NoError(t, store.PutBatch(ctx, []storage.Record{rec}))

	got, ok, err := store.Get(ctx, "/data/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a.txt", got.Name)
	assert.Equal(t, int64(42), got.Size)
	require.NotNil(t, got.CreatedAt)
	assert.True(t, created.Equal(*got.CreatedAt))
	assert.True(t, rec.ModTime.Equal(got.ModTime))
	assert.True(t, rec.ScannedAt.Equal(got.ImportedAt), "first import defaults to scan time")
	assert.Equal(t, digest.Set{digest.SHA256: "aa", digest.MD5: "bb"}, got.Digests)
}

func TestStorePutBatchPreservesImportAndReplacesDigests(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	first := testRecord("/data/a.txt", digest.Set{digest.SHA256: "aa", digest.MD5: "bb"})
	require.NoError(t, store.PutBatch(ctx, []storage.Record{first}))

	second := testRecord("/data/a.txt", digest.Set{digest.SHA256: "cc"})
	second.ScannedAt = first.ScannedAt.Add(24 * time.Hour)
	second.ImportedAt = second.ScannedAt
	require.NoError(t, store.PutBatch(ctx, []storage.Record{second}))

	got, ok, err := store.Get(ctx, "/data/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, first.ScannedAt.Equal(got.ImportedAt))
	assert.True(t, second.ScannedAt.Equal(got.ScannedAt))
	assert.Equal(t, digest.Set{digest.SHA256: "cc"}, got.Digests)
}

func TestStorePutBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	batch := []storage.Record{
		testRecord("/data/ok.txt", digest.Set{digest.SHA256: "aa"}),
		testRecord("", digest.Set{digest.SHA256: "bb"}),
	}
	err := store.PutBatch(ctx, batch)
	require.Error(t, err)
	assert.True(t, diag.Is(err, diag.KindStore))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no part of a failed batch may be visible")
}

func TestStorePutBatchCancelledContext(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.PutBatch(ctx, []storage.Record{testRecord("/data/a.txt", nil)})
	require.Error(t, err)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreGetMany(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.PutBatch(ctx, []storage.Record{
		testRecord("/data/a", digest.Set{digest.SHA256: "1"}),
		testRecord("/data/b", digest.Set{digest.SHA256: "2"}),
	}))

	got, err := store.GetMany(ctx, []string{"/data/a", "/data/b", "/data/c"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "2", got["/data/b"].Digest(digest.SHA256))
}

func TestStoreIteratePrefixAndPaging(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	var batch []storage.Record
	for i := 0; i < pageSize+25; i++ {
		batch = append(batch, testRecord(filepath.Join("/data/photos", "img"+time.Duration(i).String()), nil))
	}
	batch = append(batch,
		testRecord("/data/photos-old/x.jpg", nil),
		testRecord("/data/notes.txt", nil),
	)
	require.NoError(t, store.PutBatch(ctx, batch))

	all := collect(t, store, "")
	assert.Len(t, all, pageSize+27)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Path, all[i].Path)
	}

	photos := collect(t, store, "/data/photos")
	assert.Len(t, photos, pageSize+25, "sibling directories sharing a name prefix are excluded")

	single := collect(t, store, "/data/notes.txt")
	require.Len(t, single, 1)
	assert.Equal(t, "/data/notes.txt", single[0].Path)

	// Iteration is restartable.
	assert.Equal(t, single, collect(t, store, "/data/notes.txt"))
}

func TestStoreIterateStopsEarly(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.PutBatch(ctx, []storage.Record{
		testRecord("/a", nil), testRecord("/b", nil), testRecord("/c", nil),
	}))

	seen := 0
	for _, err := range store.Iterate(ctx, "") {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestStoreDeleteCascadesDigests(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.PutBatch(ctx, []storage.Record{
		testRecord("/a", digest.Set{digest.SHA256: "x"}),
		testRecord("/b", digest.Set{digest.SHA256: "x"}),
	}))
	require.NoError(t, store.Delete(ctx, "/a"))

	stats, err := store.DigestStats(ctx, digest.SHA256)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 1, stats.WithDigest)
	assert.Zero(t, stats.DuplicateGroups)
}

func TestStoreCleanupRemovesExactlyOrphans(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dir := t.TempDir()

	kept := filepath.Join(dir, "kept.txt")
	gone := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(kept, []byte("k"), 0o644))
	require.NoError(t, os.WriteFile(gone, []byte("g"), 0o644))

	require.NoError(t, store.PutBatch(ctx, []storage.Record{
		testRecord(kept, digest.Set{digest.SHA256: "k"}),
		testRecord(gone, digest.Set{digest.SHA256: "g"}),
		testRecord(filepath.Join(dir, "never-existed"), nil),
	}))
	before, ok, err := store.Get(ctx, kept)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, os.Remove(gone))
	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining := collect(t, store, "")
	require.Len(t, remaining, 1)
	assert.Equal(t, before, remaining[0])
}

func TestStoreMaintenanceExcludedDuringScan(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	release, err := store.BeginScan()
	require.NoError(t, err)

	_, err = store.Cleanup(ctx)
	assert.ErrorIs(t, err, storage.ErrBusy)
	assert.ErrorIs(t, store.Compact(ctx), storage.ErrBusy)

	release()
	release()

	_, err = store.Cleanup(ctx)
	assert.NoError(t, err)
	assert.NoError(t, store.Compact(ctx))
}

func TestStoreDuplicateGroups(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	removed := testRecord("/d/removed", digest.Set{digest.SHA256: "dup"})
	removed.Flags = storage.Flags(storage.FlagQuarantined)
	require.NoError(t, store.PutBatch(ctx, []storage.Record{
		testRecord("/d/one", digest.Set{digest.SHA256: "dup", digest.MD5: "m1"}),
		testRecord("/d/two", digest.Set{digest.SHA256: "dup", digest.MD5: "m2"}),
		removed,
		testRecord("/d/solo", digest.Set{digest.SHA256: "solo"}),
		testRecord("/d/pair-with-removed", digest.Set{digest.SHA256: "lonely"}),
		func() storage.Record {
			r := testRecord("/d/removed-2", digest.Set{digest.SHA256: "lonely"})
			r.Flags = storage.Flags(storage.FlagDeleted)
			return r
		}(),
	}))

	groups, err := store.DuplicateGroups(ctx, digest.SHA256)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "dup", groups[0].Value)
	require.Len(t, groups[0].Records, 2)
	assert.Equal(t, "/d/one", groups[0].Records[0].Path)
	assert.Equal(t, "m1", groups[0].Records[0].Digest(digest.MD5))

	none, err := store.DuplicateGroups(ctx, digest.MD5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStoreActionsJournal(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	id, err := store.RecordAction(ctx, storage.Action{
		RunID: "run-1", Path: "/d/two", Kind: storage.ActionQuarantine, Status: storage.ActionPending,
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateAction(ctx, id, storage.ActionDone, "/q/d/two", ""))

	actions, err := store.Actions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, storage.ActionDone, actions[0].Status)
	assert.Equal(t, "/q/d/two", actions[0].Destination)
	assert.Equal(t, storage.ActionQuarantine, actions[0].Kind)
}

func TestStoreScanState(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	state, err := store.ScanState(ctx, "/data")
	require.NoError(t, err)
	assert.True(t, state.LastFullScan.IsZero())

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.UpdateScanState(ctx, storage.ScanState{RootPath: "/data", LastFullScan: now, LastIncrementalScan: now}))

	state, err = store.ScanState(ctx, "/data")
	require.NoError(t, err)
	assert.True(t, now.Equal(state.LastFullScan))
}

func TestPrefixEnd(t *testing.T) {
	end, ok := prefixEnd("/a/")
	require.True(t, ok)
	assert.Equal(t, "/a0", end)

	_, ok = prefixEnd("\xff\xff")
	assert.False(t, ok)
}
