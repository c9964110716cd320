// Package app ties together configuration, the store, and the hashdb components.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hashdb/internal/config"
	"hashdb/internal/deduper"
	"hashdb/internal/digest"
	"hashdb/internal/fsmeta"
	"hashdb/internal/indexer"
	"hashdb/internal/maintenance"
	"hashdb/internal/metrics"
	"hashdb/internal/report"
	"hashdb/internal/server"
	"hashdb/internal/storage/sqlite"
	"hashdb/internal/verifier"
)

const progressInterval = 200 * time.Millisecond

// App owns the store and the components built on it.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *sqlite.Store
	indexer  *indexer.Indexer
	verifier *verifier.Verifier
	deduper  *deduper.Deduper
	cleaner  *maintenance.Cleaner
	metrics  *metrics.Metrics
}

// ScanOptions overrides configured scan settings for one run. Zero values
// keep the configuration.
type ScanOptions struct {
	Algorithms []digest.Algorithm
	Full       bool
	Workers    int
	BatchSize  int
	Progress   func(indexer.ProgressSnapshot)
}

// New validates cfg, opens the store and constructs the components.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dbPath, err := fsmeta.Normalize(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	cfg.DatabasePath = dbPath
	if cfg.QuarantineDir != "" {
		if cfg.QuarantineDir, err = fsmeta.Normalize(cfg.QuarantineDir); err != nil {
			return nil, fmt.Errorf("resolve quarantine directory: %w", err)
		}
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	exclude := []string{dbPath, dbPath + "-wal", dbPath + "-shm", dbPath + "-journal"}
	if cfg.QuarantineDir != "" {
		exclude = append(exclude, cfg.QuarantineDir)
	}

	mode := indexer.ScanModeIncremental
	if !cfg.Incremental {
		mode = indexer.ScanModeFull
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		indexer: indexer.New(store, indexer.Options{
			Algorithms:   cfg.Algorithms,
			Mode:         mode,
			Workers:      cfg.Workers,
			QueueSize:    cfg.QueueSize,
			BatchSize:    cfg.BatchSize,
			ChunkSize:    cfg.ChunkSize,
			BufferSize:   cfg.HashBuffer,
			Exclude:      exclude,
			ExcludeNames: cfg.Exclude,
		}, logger.Named("indexer")),
		verifier: verifier.New(store, verifier.Options{
			Workers:    cfg.Workers,
			BufferSize: cfg.HashBuffer,
		}, logger.Named("verifier")),
		deduper: deduper.New(store, deduper.Options{QuarantineDir: cfg.QuarantineDir}, logger.Named("deduper")),
		cleaner: maintenance.New(store, logger.Named("maintenance")),
		metrics: metrics.New(),
	}
	return a, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

// Config returns the effective configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Scan indexes root. Progress, when set, is called periodically until the
// scan ends.
func (a *App) Scan(ctx context.Context, root string, opts ScanOptions) (indexer.Summary, error) {
	scanOpts := indexer.Options{
		Algorithms: opts.Algorithms,
		Workers:    opts.Workers,
		BatchSize:  opts.BatchSize,
	}
	if opts.Full {
		scanOpts.Mode = indexer.ScanModeFull
	}
	if opts.Workers > 0 {
		scanOpts.QueueSize = 2 * opts.Workers
	}

	var stop func()
	if opts.Progress != nil {
		stop = a.watchProgress(opts.Progress)
	}
	summary, err := a.indexer.Scan(ctx, root, scanOpts)
	if stop != nil {
		stop()
	}

	a.metrics.ObserveScan(summary)
	a.flushMetrics(ctx)
	return summary, err
}

// Verify re-hashes the records at or below scope, calling fn for each result.
func (a *App) Verify(ctx context.Context, scope string, alg digest.Algorithm, fn func(verifier.Result)) (verifier.Summary, error) {
	if scope != "" {
		normalized, err := fsmeta.Normalize(scope)
		if err != nil {
			return verifier.Summary{}, err
		}
		scope = normalized
	}
	summary, err := a.verifier.Run(ctx, scope, a.algorithm(alg), fn)
	a.metrics.ObserveVerify(summary)
	a.flushMetrics(ctx)
	return summary, err
}

// Duplicates lists duplicate sets without acting on them.
func (a *App) Duplicates(ctx context.Context, alg digest.Algorithm) ([]deduper.Set, error) {
	return a.deduper.Find(ctx, a.algorithm(alg))
}

// Dedupe resolves duplicate sets in the given mode. An empty mode uses the
// configured one.
func (a *App) Dedupe(ctx context.Context, alg digest.Algorithm, mode deduper.Mode) (deduper.Summary, error) {
	if mode == "" {
		mode = a.cfg.DedupeMode
	}
	summary, err := a.deduper.Run(ctx, a.algorithm(alg), mode)
	a.metrics.ObserveDedupe(summary)
	a.flushMetrics(ctx)
	return summary, err
}

// Cleanup removes records whose files no longer exist and reports zero-byte
// files, deleting them when opts.DeleteZero is set.
func (a *App) Cleanup(ctx context.Context, opts maintenance.Options) (maintenance.Summary, error) {
	summary, err := a.cleaner.Run(ctx, opts)
	if err != nil {
		return summary, err
	}
	a.flushMetrics(ctx)
	return summary, nil
}

// Compact reclaims free space in the database file.
func (a *App) Compact(ctx context.Context) error {
	if err := a.store.Compact(ctx); err != nil {
		return err
	}
	a.logger.Info("compact finished", zap.String("database", a.store.Path()))
	return nil
}

// Report summarizes stored digests.
func (a *App) Report(ctx context.Context, alg digest.Algorithm) (report.Summary, error) {
	return report.Summarize(ctx, a.store, a.algorithm(alg))
}

// Health checks the database and the files it tracks.
func (a *App) Health(ctx context.Context) (report.Health, error) {
	return report.CheckHealth(ctx, a.store)
}

// Serve runs the HTTP API until ctx is cancelled. roots override the
// configured scan paths when non-empty.
func (a *App) Serve(ctx context.Context, addr string, roots []string) error {
	if addr == "" {
		addr = a.cfg.ListenAddr
	}
	if len(roots) == 0 {
		roots = a.cfg.ScanPaths
	}
	srv := server.New(a.indexer, a.store, a.deduper, a.metrics, server.Options{
		Roots:     roots,
		Algorithm: a.algorithm(""),
	}, a.logger.Named("server"))

	a.logger.Info("starting server", zap.String("addr", addr), zap.Strings("roots", roots))
	err := srv.Start(ctx, addr)
	a.indexer.StopScan()
	if err != nil {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}

func (a *App) algorithm(alg digest.Algorithm) digest.Algorithm {
	if alg != "" {
		return alg
	}
	return a.cfg.Algorithms[0]
}

// watchProgress polls the running scan until the returned stop func is
// called. fn sees one final snapshot after the scan ends.
func (a *App) watchProgress(fn func(indexer.ProgressSnapshot)) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn(a.indexer.Status().Progress)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
		fn(a.indexer.Status().Progress)
	}
}

func (a *App) flushMetrics(ctx context.Context) {
	if a.cfg.MetricsTextfile == "" {
		return
	}
	if n, err := a.store.Count(ctx); err == nil {
		a.metrics.SetStoreRecords(n)
	}
	if err := a.metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
		a.logger.Warn("write metrics textfile", zap.String("path", a.cfg.MetricsTextfile), zap.Error(err))
	}
}
