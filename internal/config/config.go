// Package config loads hashdb settings from an INI file and validates them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-ini/ini"
	"go.uber.org/multierr"

	"hashdb/internal/deduper"
	"hashdb/internal/diag"
	"hashdb/internal/digest"
	"hashdb/internal/indexer"
	"hashdb/internal/logging"
)

// Config captures runtime configuration. It is built once and passed by value.
type Config struct {
	// DatabasePath is the SQLite file holding the records.
	DatabasePath string

	// Algorithms are computed for every hashed file.
	Algorithms []digest.Algorithm

	Workers    int
	QueueSize  int
	BatchSize  int
	ChunkSize  int
	HashBuffer int

	// QuarantineDir receives duplicates in quarantine mode.
	QuarantineDir string
	DedupeMode    deduper.Mode

	// Exclude names directories pruned wherever they appear in a scan.
	Exclude     []string
	Incremental bool

	Log logging.Config

	// MetricsTextfile, when set, receives a Prometheus textfile after each run.
	MetricsTextfile string

	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string
	// ScanPaths are the roots the server scans on request.
	ScanPaths []string
}

// Default returns the built-in configuration.
func Default() Config {
	workers := indexer.DefaultWorkers()
	return Config{
		DatabasePath: "hashdb.sqlite",
		Algorithms:   []digest.Algorithm{digest.Default},
		Workers:      workers,
		QueueSize:    2 * workers,
		BatchSize:    indexer.DefaultBatchSize,
		ChunkSize:    indexer.DefaultChunkSize,
		HashBuffer:   digest.DefaultBufferSize,
		DedupeMode:   deduper.DryRun,
		Incremental:  true,
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
		ListenAddr: ":8080",
	}
}

// Load returns Default overlaid with the settings found in the INI file at
// path. An empty path yields the defaults. Relative paths inside the file are
// resolved against the file's directory.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		return Config{}, diag.ConfigError("file", err)
	}
	file, err := ini.Load(path)
	if err != nil {
		return Config{}, diag.ConfigError("file", fmt.Errorf("failed to load config file: %w", err))
	}
	base := filepath.Dir(path)

	var errs error
	if section := file.Section("database"); section.HasKey("path") {
		cfg.DatabasePath = resolve(base, section.Key("path").String())
	}

	if section := file.Section("filehash"); section.HasKey("algorithms") {
		algs, err := digest.ParseList(section.Key("algorithms").String())
		if err != nil {
			errs = multierr.Append(errs, diag.ConfigError("filehash.algorithms", err))
		} else {
			cfg.Algorithms = algs
		}
	}

	perf := file.Section("performance")
	for key, dst := range map[string]*int{
		"workers":    &cfg.Workers,
		"queue_size": &cfg.QueueSize,
		"batch_size": &cfg.BatchSize,
		"chunk_size": &cfg.ChunkSize,
	} {
		if !perf.HasKey(key) {
			continue
		}
		n, err := perf.Key(key).Int()
		if err != nil {
			errs = multierr.Append(errs, diag.ConfigError("performance."+key, err))
			continue
		}
		*dst = n
	}
	if perf.HasKey("workers") && !perf.HasKey("queue_size") {
		cfg.QueueSize = 2 * cfg.Workers
	}
	if perf.HasKey("hash_buffer") {
		size, err := ParseSize(perf.Key("hash_buffer").String())
		if err != nil {
			errs = multierr.Append(errs, diag.ConfigError("performance.hash_buffer", err))
		} else {
			cfg.HashBuffer = size
		}
	}

	dedupe := file.Section("dedupe")
	if dedupe.HasKey("quarantine_dir") {
		cfg.QuarantineDir = resolve(base, dedupe.Key("quarantine_dir").String())
	}
	if dedupe.HasKey("mode") {
		mode, err := deduper.ParseMode(dedupe.Key("mode").String())
		if err != nil {
			errs = multierr.Append(errs, diag.ConfigError("dedupe.mode", err))
		} else {
			cfg.DedupeMode = mode
		}
	}

	scan := file.Section("scan")
	if scan.HasKey("exclude") {
		cfg.Exclude = splitList(scan.Key("exclude").String())
	}
	if scan.HasKey("incremental") {
		incremental, err := scan.Key("incremental").Bool()
		if err != nil {
			errs = multierr.Append(errs, diag.ConfigError("scan.incremental", err))
		} else {
			cfg.Incremental = incremental
		}
	}
	if scan.HasKey("paths") {
		paths, err := NormalizeScanPaths(scan.Key("paths").String())
		if err != nil {
			errs = multierr.Append(errs, diag.ConfigError("scan.paths", err))
		} else {
			cfg.ScanPaths = paths
		}
	}

	log := file.Section("log")
	if log.HasKey("level") {
		cfg.Log.Level = log.Key("level").String()
	}
	if log.HasKey("format") {
		cfg.Log.Format = log.Key("format").String()
	}
	if log.HasKey("output") {
		cfg.Log.OutputPath = log.Key("output").String()
	}

	if section := file.Section("metrics"); section.HasKey("textfile") {
		cfg.MetricsTextfile = resolve(base, section.Key("textfile").String())
	}
	if section := file.Section("server"); section.HasKey("listen") {
		cfg.ListenAddr = section.Key("listen").String()
	}

	if errs != nil {
		return Config{}, errs
	}
	return cfg, nil
}

// Validate reports every invalid setting as a CONFIG_ERROR.
func (c Config) Validate() error {
	var errs error
	if strings.TrimSpace(c.DatabasePath) == "" {
		errs = multierr.Append(errs, diag.ConfigError("database.path", errors.New("must not be empty")))
	}
	if len(c.Algorithms) == 0 {
		errs = multierr.Append(errs, diag.ConfigError("filehash.algorithms", digest.ErrNoAlgorithms))
	}
	for _, alg := range c.Algorithms {
		if !alg.Valid() {
			errs = multierr.Append(errs, diag.ConfigError("filehash.algorithms", fmt.Errorf("unsupported algorithm %q", alg)))
		}
	}
	for name, n := range map[string]int{
		"performance.workers":     c.Workers,
		"performance.queue_size":  c.QueueSize,
		"performance.batch_size":  c.BatchSize,
		"performance.chunk_size":  c.ChunkSize,
		"performance.hash_buffer": c.HashBuffer,
	} {
		if n <= 0 {
			errs = multierr.Append(errs, diag.ConfigError(name, fmt.Errorf("must be positive, got %d", n)))
		}
	}
	if c.DedupeMode == deduper.Quarantine && c.QuarantineDir == "" {
		errs = multierr.Append(errs, diag.ConfigError("dedupe.quarantine_dir", errors.New("required in quarantine mode")))
	}
	if c.Log.Level != "" && !logging.ValidLevel(c.Log.Level) {
		errs = multierr.Append(errs, diag.ConfigError("log.level", fmt.Errorf("unknown level %q", c.Log.Level)))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = multierr.Append(errs, diag.ConfigError("log.format", fmt.Errorf("unknown format %q", c.Log.Format)))
	}
	return errs
}

// ParseSize converts human sizes such as "64K", "2M" or "1MiB" to bytes.
// A bare number is taken as bytes.
func ParseSize(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("size cannot be empty")
	}
	upper := strings.ToUpper(trimmed)
	// Single-letter units are binary, as in "64K".
	if last := upper[len(upper)-1]; last == 'K' || last == 'M' || last == 'G' {
		trimmed = trimmed + "iB"
	}
	n, err := humanize.ParseBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	if n == 0 || n > 1<<30 {
		return 0, fmt.Errorf("size %q out of range", raw)
	}
	return int(n), nil
}

// NormalizeScanPaths splits a comma separated list of directories and
// resolves each to a clean absolute path. An empty list yields the working
// directory.
func NormalizeScanPaths(raw string) ([]string, error) {
	parts := splitList(raw)
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		abs, err := filepath.Abs(part)
		if err != nil {
			return nil, fmt.Errorf("resolve scan path %q: %w", part, err)
		}
		normalized = append(normalized, filepath.Clean(abs))
	}

	if len(normalized) == 0 {
		abs, err := filepath.Abs(".")
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		normalized = append(normalized, filepath.Clean(abs))
	}

	return normalized, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolve(base, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
