package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hashdb/internal/diag"
	"hashdb/internal/digest"
	"hashdb/internal/fsmeta"
	"hashdb/internal/pool"
	"hashdb/internal/storage"
)

const (
	// DefaultBatchSize is the number of records committed per transaction.
	DefaultBatchSize = 50
	// DefaultAttempts bounds how often a transiently failing file is tried.
	DefaultAttempts = 3
	retryPause      = 50 * time.Millisecond
)

// DefaultWorkers is the default hashing parallelism. Hashing is I/O bound so
// the pool is oversubscribed relative to the CPU count.
func DefaultWorkers() int {
	return 4 * runtime.GOMAXPROCS(0)
}

// HashOptions configures a Hasher.
type HashOptions struct {
	Algorithms []digest.Algorithm
	Workers    int
	BufferSize int
	BatchSize  int
	Attempts   int
}

func (o HashOptions) withDefaults() HashOptions {
	if len(o.Algorithms) == 0 {
		o.Algorithms = []digest.Algorithm{digest.Default}
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers()
	}
	if o.BufferSize <= 0 {
		o.BufferSize = digest.DefaultBufferSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	return o
}

// BatchWriter is the write side of the store used by the committer.
type BatchWriter interface {
	PutBatch(ctx context.Context, records []storage.Record) error
}

// Hasher computes digests for work items on a bounded pool of workers and
// hands the resulting records to a single committer.
type Hasher struct {
	store    BatchWriter
	opts     HashOptions
	diags    *diag.Diagnostics
	progress *Progress
	logger   *zap.Logger
	now      func() time.Time
	open     func(path string) (io.ReadCloser, error)
}

// NewHasher creates a Hasher writing to store.
func NewHasher(store BatchWriter, opts HashOptions, diags *diag.Diagnostics, progress *Progress, logger *zap.Logger) *Hasher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if diags == nil {
		diags = diag.NewDiagnostics(0)
	}
	if progress == nil {
		progress = &Progress{}
	}
	return &Hasher{
		store:    store,
		opts:     opts.withDefaults(),
		diags:    diags,
		progress: progress,
		logger:   logger,
		now:      time.Now,
		open:     openFile,
	}
}

func openFile(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Run consumes in until it is closed, then commits the final partial batch.
// It returns the number of records committed. A failed batch write aborts the
// run and is returned. On cancellation the pending partial batch is dropped
// and the context error is returned.
func (h *Hasher) Run(ctx context.Context, in <-chan WorkItem) (int64, error) {
	results := make(chan *storage.Record, h.opts.Workers)
	var committed int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Unordered(gctx, h.opts.Workers, in, results, h.hashItem)
	})
	g.Go(func() error {
		n, err := h.commit(gctx, results)
		committed = n
		return err
	})

	if err := g.Wait(); err != nil {
		return committed, err
	}
	if err := ctx.Err(); err != nil {
		return committed, err
	}
	return committed, nil
}

func (h *Hasher) commit(ctx context.Context, results <-chan *storage.Record) (int64, error) {
	var committed int64
	batch := make([]storage.Record, 0, h.opts.BatchSize)

	write := func() error {
		if err := h.store.PutBatch(ctx, batch); err != nil {
			h.logger.Error("batch commit failed", zap.Int("records", len(batch)), zap.Error(err))
			return err
		}
		committed += int64(len(batch))
		h.progress.Hashed.Add(int64(len(batch)))
		batch = batch[:0]
		return nil
	}

	for record := range results {
		if record == nil {
			continue
		}
		batch = append(batch, *record)
		if len(batch) >= h.opts.BatchSize {
			if err := write(); err != nil {
				return committed, err
			}
		}
	}

	if ctx.Err() != nil || len(batch) == 0 {
		return committed, nil
	}
	return committed, write()
}

// hashItem never fails the pool; per-file problems become diagnostics and a
// nil record.
func (h *Hasher) hashItem(ctx context.Context, item WorkItem) (*storage.Record, error) {
	var (
		digests digest.Set
		err     error
	)
	for attempt := 1; attempt <= h.opts.Attempts; attempt++ {
		digests, err = h.hashFile(ctx, item.Path)
		if err == nil || ctx.Err() != nil || !fsmeta.Transient(err) || attempt == h.opts.Attempts {
			break
		}
		h.logger.Debug("transient failure, retrying", zap.String("path", item.Path), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(retryPause):
		case <-ctx.Done():
		}
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	if err != nil {
		h.diags.Add(err)
		h.progress.Failed.Add(1)
		h.logger.Warn("hash failed", zap.String("path", item.Path), zap.String("kind", string(diag.KindOf(err))), zap.Error(err))
		return nil, nil
	}
	h.progress.Bytes.Add(item.Size)

	record := &storage.Record{
		Path:      item.Path,
		Name:      item.Name,
		Size:      item.Size,
		CreatedAt: item.CreatedAt,
		ModTime:   item.ModTime,
		ScannedAt: h.now(),
		Digests:   digests,
		RootPath:  item.Root,
	}
	if prev := item.Previous; prev != nil {
		record.ImportedAt = prev.ImportedAt
		// A removal marker describes a file that is gone; what lives at the
		// path now is new content.
		record.Flags = prev.Flags.Without(storage.FlagQuarantined).Without(storage.FlagDeleted)
	}
	return record, nil
}

func (h *Hasher) hashFile(ctx context.Context, path string) (digest.Set, error) {
	file, err := h.open(path)
	if err != nil {
		return nil, diag.PathError("open", path, err)
	}
	defer file.Close()

	set, err := digest.Sum(ctx, file, h.opts.Algorithms, h.opts.BufferSize)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, diag.ReadError(path, fmt.Errorf("hash: %w", err))
	}
	return set, nil
}
