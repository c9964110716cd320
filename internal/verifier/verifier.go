// Package verifier re-hashes stored files and compares the result with the
// recorded digest. It never writes to the store.
package verifier

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"os"

	"go.uber.org/zap"

	"hashdb/internal/diag"
	"hashdb/internal/digest"
	"hashdb/internal/pool"
	"hashdb/internal/storage"
)

// Outcome classifies a verified record.
type Outcome string

const (
	Match     Outcome = "MATCH"
	Mismatch  Outcome = "MISMATCH"
	Missing   Outcome = "MISSING"
	NoDigest  Outcome = "NO_DIGEST"
	ReadError Outcome = "READ_ERROR"
)

// Result is the verification outcome for one record.
type Result struct {
	Path     string  `json:"path"`
	Outcome  Outcome `json:"outcome"`
	Expected string  `json:"expected,omitempty"`
	Actual   string  `json:"actual,omitempty"`
	Err      error   `json:"-"`
}

// Problem reports whether the outcome needs attention.
func (r Result) Problem() bool {
	return r.Outcome != Match
}

// Summary tallies outcomes of a verification run.
type Summary struct {
	Total    int             `json:"total"`
	Outcomes map[Outcome]int `json:"outcomes"`
}

// Count returns the number of results with outcome o.
func (s Summary) Count(o Outcome) int {
	return s.Outcomes[o]
}

// RecordSource yields stored records below a prefix.
type RecordSource interface {
	Iterate(ctx context.Context, prefix string) iter.Seq2[storage.Record, error]
}

// Options configures a Verifier.
type Options struct {
	Workers    int
	BufferSize int
}

// Verifier checks stored digests against live file content.
type Verifier struct {
	store  RecordSource
	opts   Options
	logger *zap.Logger
}

// New creates a Verifier.
func New(store RecordSource, opts Options, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = digest.DefaultBufferSize
	}
	return &Verifier{store: store, opts: opts, logger: logger}
}

type entry struct {
	record storage.Record
	err    error
}

// Verify yields one Result per record at or below scope, in store order.
// Hashing runs in parallel; results are still delivered in order. A store
// failure ends the sequence with a Result carrying a store error and an
// empty path.
func (v *Verifier) Verify(ctx context.Context, scope string, alg digest.Algorithm) iter.Seq[Result] {
	entries := func(yield func(entry) bool) {
		for record, err := range v.store.Iterate(ctx, scope) {
			if !yield(entry{record: record, err: err}) {
				return
			}
			if err != nil {
				return
			}
		}
	}

	return pool.Ordered(ctx, v.opts.Workers, entries, func(ctx context.Context, e entry) Result {
		if e.err != nil {
			return Result{Outcome: ReadError, Err: e.err}
		}
		return v.check(ctx, e.record, alg)
	})
}

// Run verifies every record at or below scope, calling fn (if non-nil) for
// each result in order. Per-file problems are counted, not returned. The
// returned error is a store failure or the context error.
func (v *Verifier) Run(ctx context.Context, scope string, alg digest.Algorithm, fn func(Result)) (Summary, error) {
	summary := Summary{Outcomes: make(map[Outcome]int)}
	var runErr error

	for result := range v.Verify(ctx, scope, alg) {
		if ctx.Err() != nil {
			break
		}
		if result.Path == "" && diag.Is(result.Err, diag.KindStore) {
			runErr = result.Err
			break
		}
		summary.Total++
		summary.Outcomes[result.Outcome]++
		if result.Problem() {
			v.logger.Warn("verification problem",
				zap.String("path", result.Path),
				zap.String("outcome", string(result.Outcome)),
				zap.Error(result.Err))
		}
		if fn != nil {
			fn(result)
		}
	}
	if runErr == nil {
		runErr = ctx.Err()
	}

	v.logger.Info("verification finished",
		zap.String("scope", scope),
		zap.String("algorithm", alg.String()),
		zap.Int("total", summary.Total),
		zap.Int("match", summary.Count(Match)),
		zap.Int("mismatch", summary.Count(Mismatch)),
		zap.Int("missing", summary.Count(Missing)),
		zap.Int("no_digest", summary.Count(NoDigest)),
		zap.Int("read_error", summary.Count(ReadError)))
	return summary, runErr
}

func (v *Verifier) check(ctx context.Context, record storage.Record, alg digest.Algorithm) Result {
	result := Result{Path: record.Path, Expected: record.Digest(alg)}
	if _, err := os.Lstat(record.Path); errors.Is(err, fs.ErrNotExist) {
		result.Outcome = Missing
		result.Err = diag.PathError("stat", record.Path, err)
		return result
	}
	if result.Expected == "" {
		result.Outcome = NoDigest
		return result
	}

	file, err := os.Open(record.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			result.Outcome = Missing
			result.Err = diag.PathError("open", record.Path, err)
			return result
		}
		result.Outcome = ReadError
		result.Err = diag.PathError("open", record.Path, err)
		return result
	}
	defer file.Close()

	set, err := digest.Sum(ctx, file, []digest.Algorithm{alg}, v.opts.BufferSize)
	if err != nil {
		result.Outcome = ReadError
		result.Err = diag.ReadError(record.Path, err)
		return result
	}

	result.Actual = set[alg]
	if result.Actual == result.Expected {
		result.Outcome = Match
		return result
	}
	result.Outcome = Mismatch
	result.Err = diag.IntegrityError(record.Path, result.Expected, result.Actual)
	return result
}
