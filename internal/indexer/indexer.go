package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hashdb/internal/diag"
	"hashdb/internal/digest"
	"hashdb/internal/fsmeta"
	"hashdb/internal/storage"
)

// ScanMode indicates how a scan should be executed.
type ScanMode string

const (
	// ScanModeIncremental only hashes files that are new or whose modification time changed.
	ScanModeIncremental ScanMode = "incremental"
	// ScanModeFull re-hashes every file.
	ScanModeFull ScanMode = "full"
)

// ErrScanInProgress is returned when attempting to start a scan while one is already running.
var ErrScanInProgress = errors.New("scan already in progress")

// Options configures a scan.
type Options struct {
	Algorithms   []digest.Algorithm
	Mode         ScanMode
	Workers      int
	QueueSize    int
	BatchSize    int
	ChunkSize    int
	BufferSize   int
	Exclude      []string
	ExcludeNames []string
}

// Summary reports the outcome of one scan of one root.
type Summary struct {
	Root        string
	Mode        ScanMode
	Scanned     int64
	Hashed      int64
	Skipped     int64
	Errors      int64
	Diagnostics map[diag.Kind]int
	// Failures combines a bounded sample of the per-file failures, or is nil.
	Failures    error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// ScanStatus summarizes the current or most recent scan activity.
type ScanStatus struct {
	Mode              string           `json:"mode"`
	Running           bool             `json:"running"`
	Roots             []string         `json:"roots,omitempty"`
	Progress          ProgressSnapshot `json:"progress"`
	StartedAt         time.Time        `json:"startedAt"`
	FinishedAt        time.Time        `json:"finishedAt"`
	LastSuccessfulRun time.Time        `json:"lastSuccessfulRun"`
	Error             string           `json:"error,omitempty"`
}

// Store describes the persistence operations required by the indexer.
type Store interface {
	RecordLookup
	BatchWriter
	BeginScan() (func(), error)
	ScanState(ctx context.Context, root string) (storage.ScanState, error)
	UpdateScanState(ctx context.Context, state storage.ScanState) error
}

// Indexer runs scans against a store: a scanner feeding a bounded queue that
// a pool of hashers drains into batched commits.
type Indexer struct {
	store    Store
	defaults Options
	logger   *zap.Logger

	statusMu sync.RWMutex
	status   ScanStatus
	progress *Progress

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
}

// New constructs an Indexer. defaults fill any zero field of the options
// passed to Scan.
func New(store Store, defaults Options, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		store:    store,
		defaults: defaults,
		logger:   logger,
		progress: &Progress{},
	}
}

// Scan walks root, hashes new or changed files and commits them to the store.
// Only one scan may run at a time. Per-file failures are counted in the
// summary; store failures and cancellation abort the scan and are returned
// along with the partial summary.
func (idx *Indexer) Scan(ctx context.Context, root string, opts Options) (Summary, error) {
	opts = idx.merge(opts)
	if err := idx.begin(opts.Mode, []string{root}); err != nil {
		return Summary{}, err
	}

	summary, err := idx.scanRoot(ctx, root, opts)
	idx.finish(err)
	return summary, err
}

// StartScan triggers a background scan of roots. Only one scan may run at a time.
func (idx *Indexer) StartScan(ctx context.Context, roots []string, mode ScanMode) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(roots) == 0 {
		return errors.New("at least one scan root is required")
	}
	opts := idx.merge(Options{Mode: mode})
	if err := idx.begin(opts.Mode, roots); err != nil {
		return err
	}

	scanCtx, cancel := context.WithCancel(ctx)

	idx.scanMu.Lock()
	if idx.scanCancel != nil {
		idx.scanCancel()
	}
	idx.scanCancel = cancel
	idx.scanMu.Unlock()

	go idx.runScan(scanCtx, roots, opts)
	return nil
}

// StopScan cancels an in-flight background scan if one is running.
func (idx *Indexer) StopScan() {
	idx.scanMu.Lock()
	defer idx.scanMu.Unlock()
	if idx.scanCancel != nil {
		idx.scanCancel()
		idx.scanCancel = nil
	}
}

// Status returns a snapshot of the current scan status.
func (idx *Indexer) Status() ScanStatus {
	idx.statusMu.RLock()
	status := idx.status
	progress := idx.progress
	idx.statusMu.RUnlock()

	status.Progress = progress.Snapshot()
	return status
}

func (idx *Indexer) runScan(ctx context.Context, roots []string, opts Options) {
	defer func() {
		idx.scanMu.Lock()
		idx.scanCancel = nil
		idx.scanMu.Unlock()
	}()

	var firstErr error
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}
		summary, err := idx.scanRoot(ctx, root, opts)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if errors.Is(err, context.Canceled) {
				break
			}
			continue
		}
		idx.logger.Info("background scan finished",
			zap.String("root", summary.Root),
			zap.Int64("hashed", summary.Hashed),
			zap.Int64("skipped", summary.Skipped),
			zap.Int64("errors", summary.Errors))
	}
	idx.finish(firstErr)
}

func (idx *Indexer) scanRoot(ctx context.Context, root string, opts Options) (Summary, error) {
	summary := Summary{Mode: opts.Mode, StartedAt: time.Now()}

	normalized, err := fsmeta.Normalize(root)
	if err != nil {
		return summary, diag.PathError("scan", root, err)
	}
	summary.Root = normalized

	info, err := os.Stat(normalized)
	if err != nil {
		return summary, diag.PathError("scan", normalized, err)
	}
	if !info.IsDir() {
		return summary, diag.PathError("scan", normalized, errors.New("not a directory"))
	}

	release, err := idx.store.BeginScan()
	if err != nil {
		return summary, err
	}
	defer release()

	state, err := idx.store.ScanState(ctx, normalized)
	if err != nil {
		return summary, diag.StoreError("scan state", err)
	}

	idx.statusMu.RLock()
	progress := idx.progress
	idx.statusMu.RUnlock()

	diags := diag.NewDiagnostics(0)
	scanner := NewScanner(idx.store, diags, progress, idx.logger)
	hasher := NewHasher(idx.store, HashOptions{
		Algorithms: opts.Algorithms,
		Workers:    opts.Workers,
		BufferSize: opts.BufferSize,
		BatchSize:  opts.BatchSize,
	}, diags, progress, idx.logger)

	idx.logger.Info("scan started",
		zap.String("root", normalized),
		zap.String("mode", string(opts.Mode)),
		zap.Strings("algorithms", algorithmNames(opts.Algorithms)),
		zap.Int("workers", opts.Workers))

	queue := make(chan WorkItem, opts.QueueSize)
	var walkStats WalkStats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		stats, err := scanner.Walk(gctx, normalized, WalkOptions{
			Incremental:  opts.Mode != ScanModeFull,
			ChunkSize:    opts.ChunkSize,
			Exclude:      opts.Exclude,
			ExcludeNames: opts.ExcludeNames,
		}, queue)
		walkStats = stats
		return err
	})
	g.Go(func() error {
		n, err := hasher.Run(gctx, queue)
		summary.Hashed = n
		return err
	})
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	summary.Scanned = walkStats.Scanned
	summary.Skipped = walkStats.Skipped
	summary.Errors = int64(diags.Total())
	summary.Diagnostics = diags.Counts()
	summary.Failures = diags.Err()
	summary.FinishedAt = time.Now()

	if err != nil {
		idx.logger.Error("scan aborted", zap.String("root", normalized), zap.Error(err))
		return summary, err
	}

	switch opts.Mode {
	case ScanModeFull:
		state.LastFullScan = summary.FinishedAt
		state.LastIncrementalScan = summary.FinishedAt
	default:
		state.LastIncrementalScan = summary.FinishedAt
	}
	state.RootPath = normalized
	if err := idx.store.UpdateScanState(ctx, state); err != nil {
		return summary, err
	}

	if summary.Failures != nil {
		idx.logger.Warn("scan completed with file errors",
			zap.String("root", normalized),
			zap.Int64("errors", summary.Errors),
			zap.Error(summary.Failures))
	}
	idx.logger.Info("scan completed",
		zap.String("root", normalized),
		zap.Int64("scanned", summary.Scanned),
		zap.Int64("hashed", summary.Hashed),
		zap.Int64("skipped", summary.Skipped),
		zap.Int64("errors", summary.Errors),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)))
	return summary, nil
}

func (idx *Indexer) begin(mode ScanMode, roots []string) error {
	idx.statusMu.Lock()
	defer idx.statusMu.Unlock()
	if idx.status.Running {
		return ErrScanInProgress
	}
	idx.progress = &Progress{}
	idx.status = ScanStatus{
		Mode:              string(mode),
		Running:           true,
		Roots:             append([]string(nil), roots...),
		StartedAt:         time.Now(),
		LastSuccessfulRun: idx.status.LastSuccessfulRun,
	}
	return nil
}

func (idx *Indexer) finish(err error) {
	finish := time.Now()
	idx.updateStatus(func(status *ScanStatus) {
		status.Running = false
		status.FinishedAt = finish
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Error = ""
			status.LastSuccessfulRun = finish
		}
	})
}

func (idx *Indexer) updateStatus(update func(*ScanStatus)) {
	idx.statusMu.Lock()
	update(&idx.status)
	idx.statusMu.Unlock()
}

func (idx *Indexer) merge(opts Options) Options {
	d := idx.defaults
	if len(opts.Algorithms) == 0 {
		opts.Algorithms = d.Algorithms
	}
	if len(opts.Algorithms) == 0 {
		opts.Algorithms = []digest.Algorithm{digest.Default}
	}
	if opts.Mode == "" {
		opts.Mode = d.Mode
	}
	if opts.Mode == "" {
		opts.Mode = ScanModeIncremental
	}
	if opts.Workers <= 0 {
		opts.Workers = d.Workers
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = d.QueueSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 2 * opts.Workers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = d.BatchSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = d.ChunkSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = d.BufferSize
	}
	if opts.Exclude == nil {
		opts.Exclude = d.Exclude
	}
	if opts.ExcludeNames == nil {
		opts.ExcludeNames = d.ExcludeNames
	}
	return opts
}

func algorithmNames(algs []digest.Algorithm) []string {
	names := make([]string, len(algs))
	for i, alg := range algs {
		names[i] = alg.String()
	}
	return names
}

// ParseScanMode validates a scan mode string and falls back to the incremental mode when empty.
func ParseScanMode(mode string) (ScanMode, error) {
	if mode == "" {
		return ScanModeIncremental, nil
	}
	switch strings.ToLower(mode) {
	case string(ScanModeFull):
		return ScanModeFull, nil
	case string(ScanModeIncremental):
		return ScanModeIncremental, nil
	default:
		return "", fmt.Errorf("unknown scan mode %q", mode)
	}
}
