package indexer

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"hashdb/internal/diag"
	"hashdb/internal/fsmeta"
	"hashdb/internal/storage"
)

// DefaultChunkSize is the number of discovered files looked up in the store
// per round trip.
const DefaultChunkSize = 256

// WorkItem is a file that needs hashing.
type WorkItem struct {
	Path      string
	Name      string
	Root      string
	Size      int64
	ModTime   time.Time
	CreatedAt *time.Time
	// Previous is the stored record, if the file was known before.
	Previous *storage.Record
}

// WalkOptions controls a single traversal.
type WalkOptions struct {
	// Incremental skips files whose stored modification time equals the live one.
	Incremental bool
	ChunkSize   int
	// Exclude lists absolute paths (files or directories) never emitted.
	Exclude []string
	// ExcludeNames lists directory names pruned wherever they appear below the root.
	ExcludeNames []string
}

// WalkStats counts what a traversal saw.
type WalkStats struct {
	Scanned int64
	Skipped int64
	Queued  int64
}

// RecordLookup is the read side of the store needed by the scanner.
type RecordLookup interface {
	GetMany(ctx context.Context, paths []string) (map[string]storage.Record, error)
}

// Scanner walks a directory tree and decides which files need hashing.
type Scanner struct {
	store    RecordLookup
	diags    *diag.Diagnostics
	progress *Progress
	logger   *zap.Logger
}

// NewScanner creates a Scanner. diags and progress may be shared with the
// hasher of the same run.
func NewScanner(store RecordLookup, diags *diag.Diagnostics, progress *Progress, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if diags == nil {
		diags = diag.NewDiagnostics(0)
	}
	if progress == nil {
		progress = &Progress{}
	}
	return &Scanner{store: store, diags: diags, progress: progress, logger: logger}
}

// Walk traverses root and sends a WorkItem on out for every regular file that
// is new, changed, or when opts.Incremental is false. Symbolic links are not
// followed. Unreadable entries are recorded as path diagnostics and the walk
// continues. Walk does not close out. It returns early with the context error
// on cancellation or with a store error if a lookup fails.
func (s *Scanner) Walk(ctx context.Context, root string, opts WalkOptions, out chan<- WorkItem) (WalkStats, error) {
	var stats WalkStats

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	excluded := make(map[string]struct{}, len(opts.Exclude))
	for _, p := range opts.Exclude {
		if p == "" {
			continue
		}
		excluded[filepath.Clean(p)] = struct{}{}
	}
	prunedNames := make(map[string]struct{}, len(opts.ExcludeNames))
	for _, name := range opts.ExcludeNames {
		if name != "" {
			prunedNames[name] = struct{}{}
		}
	}

	pending := make([]WorkItem, 0, chunkSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		paths := make([]string, len(pending))
		for i, item := range pending {
			paths[i] = item.Path
		}
		known, err := s.store.GetMany(ctx, paths)
		if err != nil {
			return err
		}

		for _, item := range pending {
			if prev, ok := known[item.Path]; ok {
				// A file flagged as removed that is back on disk is re-hashed
				// so the flag is cleared even if its mtime survived the move.
				if opts.Incremental && prev.ModTime.Equal(item.ModTime) && !prev.Flags.Removed() {
					stats.Skipped++
					s.progress.Skipped.Add(1)
					continue
				}
				item.Previous = &prev
			}
			select {
			case out <- item:
				stats.Queued++
				s.progress.Queued.Add(1)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		pending = pending[:0]
		return nil
	}

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root && entry == nil {
				return diag.PathError("walk", path, err)
			}
			s.diags.Add(diag.PathError("walk", path, err))
			s.logger.Warn("skipping unreadable entry", zap.String("path", path), zap.Error(err))
			return nil
		}

		if _, skip := excluded[path]; skip {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			if _, skip := prunedNames[entry.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			// The file vanished between readdir and stat, or cannot be inspected.
			s.diags.Add(diag.PathError("stat", path, err))
			s.logger.Debug("stat failed", zap.String("path", path), zap.Error(err))
			return nil
		}

		stats.Scanned++
		s.progress.Scanned.Add(1)
		s.progress.SetCurrent(path)

		pending = append(pending, WorkItem{
			Path:      path,
			Name:      entry.Name(),
			Root:      root,
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			CreatedAt: fsmeta.CreatedAt(path, info),
		})
		if len(pending) >= chunkSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Error("walk aborted", zap.String("root", root), zap.Error(err))
	}
	return stats, err
}
