// Package maintenance removes stale records and deals with zero-byte files.
package maintenance

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hashdb/internal/diag"
	"hashdb/internal/report"
	"hashdb/internal/storage"
)

// Options configures one cleanup run.
type Options struct {
	// DeleteZero removes zero-byte files from disk and the store. Without it
	// they are only counted and journaled as planned.
	DeleteZero bool
}

// Summary reports the outcome of a cleanup run.
type Summary struct {
	RunID          string   `json:"runId"`
	Removed        int      `json:"removed"`
	ZeroFound      int      `json:"zeroFound"`
	ZeroDeleted    int      `json:"zeroDeleted"`
	ZeroFailed     int      `json:"zeroFailed"`
	ZeroPaths      []string `json:"zeroPaths,omitempty"`
	DatabaseBefore int64    `json:"databaseBefore"`
	DatabaseAfter  int64    `json:"databaseAfter"`
}

// Store is the persistence surface cleanup needs.
type Store interface {
	Path() string
	Cleanup(ctx context.Context) (int, error)
	BeginMaintenance() (func(), error)
	Iterate(ctx context.Context, prefix string) iter.Seq2[storage.Record, error]
	Delete(ctx context.Context, path string) error
	RecordAction(ctx context.Context, action storage.Action) (int64, error)
	UpdateAction(ctx context.Context, id int64, status storage.ActionStatus, destination, errText string) error
}

// Cleaner runs cleanup against a store.
type Cleaner struct {
	store    Store
	logger   *zap.Logger
	newRunID func() string
	remove   func(path string) error
}

// New creates a Cleaner.
func New(store Store, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{store: store, logger: logger, newRunID: uuid.NewString, remove: os.Remove}
}

// Run removes the records of vanished files, then finds zero-byte files and,
// with DeleteZero, removes them. Every zero-byte file is journaled under the
// run id. Per-file failures are logged, journaled and counted; a store
// failure aborts the run. It fails with storage.ErrBusy while a scan is
// active.
func (c *Cleaner) Run(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{RunID: c.newRunID(), DatabaseBefore: report.DatabaseSize(c.store.Path())}
	logger := c.logger.With(zap.String("run", summary.RunID))

	removed, err := c.store.Cleanup(ctx)
	if err != nil {
		return summary, err
	}
	summary.Removed = removed

	release, err := c.store.BeginMaintenance()
	if err != nil {
		return summary, err
	}
	defer release()

	zero, err := c.zeroByte(ctx)
	if err != nil {
		return summary, err
	}
	summary.ZeroFound = len(zero)
	summary.ZeroPaths = zero

	for _, path := range zero {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := c.handleZero(ctx, logger, path, opts, &summary); err != nil {
			return summary, err
		}
	}

	summary.DatabaseAfter = report.DatabaseSize(c.store.Path())
	logger.Info("cleanup finished",
		zap.Int("removed", summary.Removed),
		zap.Int("zero_found", summary.ZeroFound),
		zap.Int("zero_deleted", summary.ZeroDeleted),
		zap.Int("zero_failed", summary.ZeroFailed),
		zap.Int64("db_before", summary.DatabaseBefore),
		zap.Int64("db_after", summary.DatabaseAfter))
	return summary, nil
}

// zeroByte lists the tracked paths that are regular files of size zero.
func (c *Cleaner) zeroByte(ctx context.Context) ([]string, error) {
	var paths []string
	for record, err := range c.store.Iterate(ctx, "") {
		if err != nil {
			return nil, err
		}
		info, err := os.Lstat(record.Path)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() && info.Size() == 0 {
			paths = append(paths, record.Path)
		}
	}
	return paths, nil
}

func (c *Cleaner) handleZero(ctx context.Context, logger *zap.Logger, path string, opts Options, summary *Summary) error {
	action := storage.Action{RunID: summary.RunID, Path: path, Kind: storage.ActionDeleteZero, Status: storage.ActionPending}
	if !opts.DeleteZero {
		action.Status = storage.ActionPlanned
	}
	id, err := c.store.RecordAction(ctx, action)
	if err != nil {
		return err
	}
	if !opts.DeleteZero {
		logger.Debug("zero-byte file", zap.String("path", path))
		return nil
	}

	if err := c.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		summary.ZeroFailed++
		err = diag.PathError("delete", path, err)
		logger.Warn("delete zero-byte file failed", zap.String("path", path), zap.Error(err))
		return c.store.UpdateAction(ctx, id, storage.ActionFailed, "", err.Error())
	}
	if err := c.store.Delete(ctx, path); err != nil {
		return err
	}
	if err := c.store.UpdateAction(ctx, id, storage.ActionDone, "", ""); err != nil {
		return err
	}
	summary.ZeroDeleted++
	logger.Info("zero-byte file deleted", zap.String("path", path))
	return nil
}
