// Package diag classifies per-file and per-run failures and aggregates them
// into run diagnostics.
package diag

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

// Kind identifies a class of failure. Kinds are string-based so they read well
// in logs and JSON payloads.
type Kind string

const (
	// KindPath covers not-found and permission failures during traversal or access.
	KindPath Kind = "PATH_ERROR"

	// KindRead covers I/O failures while streaming file content into a digest.
	KindRead Kind = "READ_ERROR"

	// KindIntegrity reports a verify-time digest mismatch.
	KindIntegrity Kind = "INTEGRITY_ERROR"

	// KindConflict reports an unresolvable destination collision.
	KindConflict Kind = "CONFLICT_ERROR"

	// KindStore reports a failed batch write or transaction. Fatal to the run.
	KindStore Kind = "STORE_ERROR"

	// KindConfig reports invalid configuration. Fatal to the run.
	KindConfig Kind = "CONFIG_ERROR"
)

// Fatal reports whether failures of this kind abort the overall operation.
func (k Kind) Fatal() bool {
	return k == KindStore || k == KindConfig
}

// Error is a classified failure tied to an operation and, usually, a path.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s %s", e.Op, e.Path)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// PathError classifies a traversal or access failure.
func PathError(op, path string, err error) *Error { return New(KindPath, op, path, err) }

// ReadError classifies a mid-stream read failure.
func ReadError(path string, err error) *Error { return New(KindRead, "read", path, err) }

// IntegrityError classifies a digest mismatch between stored and live content.
func IntegrityError(path, want, got string) *Error {
	return New(KindIntegrity, "verify", path, fmt.Errorf("digest mismatch: stored %s, computed %s", want, got))
}

// ConflictError classifies an exhausted destination name space.
func ConflictError(path string, err error) *Error { return New(KindConflict, "quarantine", path, err) }

// StoreError classifies a persistence failure.
func StoreError(op string, err error) *Error { return New(KindStore, op, "", err) }

// ConfigError classifies a configuration failure.
func ConfigError(field string, err error) *Error { return New(KindConfig, "config "+field, "", err) }

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DefaultSampleSize bounds how many individual failures a Diagnostics keeps.
const DefaultSampleSize = 100

// Diagnostics aggregates non-fatal failures for one run. It keeps per-kind
// tallies for every failure and a bounded sample of the failures themselves.
// Safe for concurrent use.
type Diagnostics struct {
	mu      sync.Mutex
	limit   int
	counts  map[Kind]int
	samples []*Error
}

// NewDiagnostics creates a collector keeping at most limit samples. A limit
// of zero or less selects DefaultSampleSize.
func NewDiagnostics(limit int) *Diagnostics {
	if limit <= 0 {
		limit = DefaultSampleSize
	}
	return &Diagnostics{limit: limit, counts: make(map[Kind]int)}
}

// Add records a failure. Unclassified errors are recorded as path errors.
func (d *Diagnostics) Add(err error) {
	if err == nil {
		return
	}
	var de *Error
	if !errors.As(err, &de) {
		de = New(KindPath, "access", "", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[de.Kind]++
	if len(d.samples) < d.limit {
		d.samples = append(d.samples, de)
	}
}

// Count returns the number of failures recorded for kind.
func (d *Diagnostics) Count(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[kind]
}

// Total returns the number of failures recorded across all kinds.
func (d *Diagnostics) Total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.counts {
		total += n
	}
	return total
}

// Counts returns a copy of the per-kind tallies.
func (d *Diagnostics) Counts() map[Kind]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[Kind]int, len(d.counts))
	for k, n := range d.counts {
		out[k] = n
	}
	return out
}

// Samples returns the retained failures ordered by kind, then path.
func (d *Diagnostics) Samples() []*Error {
	d.mu.Lock()
	out := make([]*Error, len(d.samples))
	copy(out, d.samples)
	d.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Err combines the retained samples into a single error, or nil.
func (d *Diagnostics) Err() error {
	var combined error
	for _, sample := range d.Samples() {
		combined = multierr.Append(combined, sample)
	}
	return combined
}
