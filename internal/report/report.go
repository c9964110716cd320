// Package report computes read-only summaries of the store.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"

	"github.com/dustin/go-humanize"

	"hashdb/internal/digest"
	"hashdb/internal/storage"
	"hashdb/internal/storage/sqlite"
)

// Store is the read surface the reports need.
type Store interface {
	Path() string
	DigestStats(ctx context.Context, alg digest.Algorithm) (sqlite.DigestStats, error)
	Iterate(ctx context.Context, prefix string) iter.Seq2[storage.Record, error]
}

// Summary describes the stored digests for one algorithm.
type Summary struct {
	Algorithm        digest.Algorithm `json:"algorithm"`
	TotalRows        int              `json:"totalRows"`
	WithDigest       int              `json:"withDigest"`
	UniqueDigests    int              `json:"uniqueDigests"`
	DuplicateGroups  int              `json:"duplicateGroups"`
	DuplicateRecords int              `json:"duplicateRecords"`
}

// Health describes the state of the database and the files it tracks.
type Health struct {
	DatabaseBytes int64 `json:"databaseBytes"`
	TotalRows     int   `json:"totalRows"`
	Missing       int   `json:"missing"`
	ZeroByte      int   `json:"zeroByte"`
	Unreachable   int   `json:"unreachable"`
}

// Summarize counts rows and digests for alg.
func Summarize(ctx context.Context, store Store, alg digest.Algorithm) (Summary, error) {
	stats, err := store.DigestStats(ctx, alg)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Algorithm:        alg,
		TotalRows:        stats.Records,
		WithDigest:       stats.WithDigest,
		UniqueDigests:    stats.Unique,
		DuplicateGroups:  stats.DuplicateGroups,
		DuplicateRecords: stats.DuplicateRecords,
	}, nil
}

// CheckHealth measures the database files and checks every tracked path on
// disk. Files that exist but are empty count as zero-byte; files whose state
// cannot be determined count as unreachable.
func CheckHealth(ctx context.Context, store Store) (Health, error) {
	health := Health{DatabaseBytes: DatabaseSize(store.Path())}

	for record, err := range store.Iterate(ctx, "") {
		if err != nil {
			return health, err
		}
		if err := ctx.Err(); err != nil {
			return health, err
		}
		health.TotalRows++

		info, err := os.Lstat(record.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			health.Missing++
		case err != nil:
			health.Unreachable++
		case info.Mode().IsRegular() && info.Size() == 0:
			health.ZeroByte++
		}
	}
	return health, nil
}

// DatabaseSize sums the sizes of the database file and its WAL and shared
// memory siblings. Missing files count as zero.
func DatabaseSize(path string) int64 {
	var total int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if info, err := os.Stat(path + suffix); err == nil {
			total += info.Size()
		}
	}
	return total
}

// WriteSummary renders s as aligned text.
func WriteSummary(w io.Writer, s Summary) error {
	_, err := fmt.Fprintf(w,
		"Algorithm:          %s\nTotal rows:         %s\nWith digest:        %s\nUnique digests:     %s\nDuplicate groups:   %s\nDuplicate records:  %s\n",
		s.Algorithm,
		humanize.Comma(int64(s.TotalRows)),
		humanize.Comma(int64(s.WithDigest)),
		humanize.Comma(int64(s.UniqueDigests)),
		humanize.Comma(int64(s.DuplicateGroups)),
		humanize.Comma(int64(s.DuplicateRecords)))
	return err
}

// WriteHealth renders h as aligned text.
func WriteHealth(w io.Writer, h Health) error {
	_, err := fmt.Fprintf(w,
		"Database size:      %s\nTotal rows:         %s\nMissing files:      %s\nZero-byte files:    %s\nUnreachable files:  %s\n",
		humanize.IBytes(uint64(h.DatabaseBytes)),
		humanize.Comma(int64(h.TotalRows)),
		humanize.Comma(int64(h.Missing)),
		humanize.Comma(int64(h.ZeroByte)),
		humanize.Comma(int64(h.Unreachable)))
	return err
}
