// Package deduper groups stored records that share a digest, ranks each
// group to pick a keeper and disposes of the rest.
package deduper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hashdb/internal/diag"
	"hashdb/internal/digest"
	"hashdb/internal/storage"
)

// Mode selects what happens to the non-kept members of a duplicate set.
type Mode string

const (
	// DryRun journals the plan and touches nothing on disk.
	DryRun Mode = "dry-run"
	// Quarantine moves duplicates below the quarantine directory.
	Quarantine Mode = "quarantine"
	// Delete removes duplicates.
	Delete Mode = "delete"
)

// ParseMode validates a mode name. An empty name selects DryRun.
func ParseMode(name string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(name))) {
	case "", DryRun:
		return DryRun, nil
	case Quarantine:
		return Quarantine, nil
	case Delete:
		return Delete, nil
	default:
		return "", fmt.Errorf("unknown dedupe mode %q", name)
	}
}

// Set is a group of two or more records with identical content, ranked
// best-first. It is never persisted.
type Set struct {
	Algorithm digest.Algorithm `json:"algorithm"`
	Digest    string           `json:"digest"`
	Members   []storage.Record `json:"members"`
}

// Keeper is the member that survives a dedupe run.
func (s Set) Keeper() storage.Record {
	return s.Members[0]
}

// Losers are the members a dedupe run disposes of.
func (s Set) Losers() []storage.Record {
	return s.Members[1:]
}

// Summary reports the outcome of a dedupe run.
type Summary struct {
	RunID   string `json:"runId"`
	Mode    Mode   `json:"mode"`
	Sets    int    `json:"sets"`
	Kept    int    `json:"kept"`
	Removed int    `json:"removed"`
	Planned int    `json:"planned"`
	Failed  int    `json:"failed"`
	// Bytes counts bytes reclaimed, or reclaimable for a dry run.
	Bytes int64 `json:"bytes"`
}

// Store is the persistence surface the deduper needs.
type Store interface {
	DuplicateGroups(ctx context.Context, alg digest.Algorithm) ([]storage.DuplicateGroup, error)
	SetFlags(ctx context.Context, path string, flags storage.Flags) error
	RecordAction(ctx context.Context, action storage.Action) (int64, error)
	UpdateAction(ctx context.Context, id int64, status storage.ActionStatus, destination, errText string) error
}

// Options configures a Deduper.
type Options struct {
	QuarantineDir string
}

// Deduper finds and resolves duplicate content.
type Deduper struct {
	store    Store
	opts     Options
	logger   *zap.Logger
	newRunID func() string
}

// New creates a Deduper.
func New(store Store, opts Options, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{store: store, opts: opts, logger: logger, newRunID: uuid.NewString}
}

// Find returns the duplicate sets for alg sorted by digest, each ranked with
// Less. Records already quarantined or deleted are not considered.
func (d *Deduper) Find(ctx context.Context, alg digest.Algorithm) ([]Set, error) {
	groups, err := d.store.DuplicateGroups(ctx, alg)
	if err != nil {
		return nil, err
	}

	sets := make([]Set, 0, len(groups))
	for _, group := range groups {
		members := append([]storage.Record(nil), group.Records...)
		sort.Slice(members, func(i, j int) bool { return Less(members[i], members[j]) })
		sets = append(sets, Set{Algorithm: alg, Digest: group.Value, Members: members})
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Digest < sets[j].Digest })
	return sets, nil
}

// Run resolves every duplicate set for alg according to mode. Every action is
// journaled before the filesystem is touched. Per-file failures are logged,
// journaled and counted; a store failure aborts the run.
func (d *Deduper) Run(ctx context.Context, alg digest.Algorithm, mode Mode) (Summary, error) {
	summary := Summary{RunID: d.newRunID(), Mode: mode}
	if mode == Quarantine && d.opts.QuarantineDir == "" {
		return summary, diag.ConfigError("quarantine_dir", errors.New("quarantine mode requires a quarantine directory"))
	}

	sets, err := d.Find(ctx, alg)
	if err != nil {
		return summary, err
	}
	summary.Sets = len(sets)

	logger := d.logger.With(zap.String("run", summary.RunID), zap.String("mode", string(mode)))
	logger.Info("dedupe started", zap.String("algorithm", alg.String()), zap.Int("sets", len(sets)))

	for _, set := range sets {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := d.resolve(ctx, logger, set, mode, &summary); err != nil {
			return summary, err
		}
	}

	logger.Info("dedupe finished",
		zap.Int("sets", summary.Sets),
		zap.Int("kept", summary.Kept),
		zap.Int("removed", summary.Removed),
		zap.Int("planned", summary.Planned),
		zap.Int("failed", summary.Failed),
		zap.Int64("bytes", summary.Bytes))
	return summary, nil
}

func (d *Deduper) resolve(ctx context.Context, logger *zap.Logger, set Set, mode Mode, summary *Summary) error {
	keeper := set.Keeper()
	if _, err := os.Lstat(keeper.Path); err != nil {
		// Never dispose of copies while the file meant to survive is unreachable.
		logger.Warn("keeper unavailable, skipping set",
			zap.String("digest", set.Digest), zap.String("keeper", keeper.Path), zap.Error(err))
		summary.Failed += len(set.Losers())
		return nil
	}

	status := storage.ActionDone
	if mode == DryRun {
		status = storage.ActionPlanned
	}
	if _, err := d.store.RecordAction(ctx, storage.Action{
		RunID: summary.RunID, Path: keeper.Path, Kind: storage.ActionKeep, Status: status,
	}); err != nil {
		return err
	}
	summary.Kept++

	for _, loser := range set.Losers() {
		if err := d.dispose(ctx, logger, loser, mode, summary); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deduper) dispose(ctx context.Context, logger *zap.Logger, record storage.Record, mode Mode, summary *Summary) error {
	action := storage.Action{RunID: summary.RunID, Path: record.Path, Status: storage.ActionPending}
	switch mode {
	case DryRun:
		action.Kind = storage.ActionQuarantine
		if d.opts.QuarantineDir == "" {
			action.Kind = storage.ActionDelete
		}
		action.Status = storage.ActionPlanned
	case Quarantine:
		action.Kind = storage.ActionQuarantine
		action.Destination = Destination(d.opts.QuarantineDir, record.RootPath, record.Path)
	case Delete:
		action.Kind = storage.ActionDelete
	default:
		return diag.ConfigError("mode", fmt.Errorf("unknown dedupe mode %q", mode))
	}

	id, err := d.store.RecordAction(ctx, action)
	if err != nil {
		return err
	}
	if mode == DryRun {
		summary.Planned++
		summary.Bytes += record.Size
		logger.Debug("planned", zap.String("path", record.Path), zap.String("action", string(action.Kind)))
		return nil
	}

	destination, flag, actErr := d.act(record, action)
	if actErr != nil {
		summary.Failed++
		logger.Warn("dedupe action failed",
			zap.String("path", record.Path),
			zap.String("kind", string(diag.KindOf(actErr))),
			zap.Error(actErr))
		return d.store.UpdateAction(ctx, id, storage.ActionFailed, action.Destination, actErr.Error())
	}

	if err := d.store.SetFlags(ctx, record.Path, record.Flags.With(flag)); err != nil {
		return err
	}
	if err := d.store.UpdateAction(ctx, id, storage.ActionDone, destination, ""); err != nil {
		return err
	}
	summary.Removed++
	summary.Bytes += record.Size
	logger.Info("duplicate removed",
		zap.String("path", record.Path),
		zap.String("action", string(action.Kind)),
		zap.String("destination", destination))
	return nil
}

func (d *Deduper) act(record storage.Record, action storage.Action) (string, string, error) {
	if _, err := os.Lstat(record.Path); err != nil {
		return "", "", diag.PathError("stat", record.Path, err)
	}
	switch action.Kind {
	case storage.ActionQuarantine:
		dest, err := MoveToQuarantine(record.Path, action.Destination)
		return dest, storage.FlagQuarantined, err
	default:
		if err := os.Remove(record.Path); err != nil {
			return "", "", diag.PathError("delete", record.Path, err)
		}
		return "", storage.FlagDeleted, nil
	}
}
