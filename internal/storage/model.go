package storage

import (
	"errors"
	"strings"
	"time"

	"hashdb/internal/digest"
)

// Record represents a persisted file entry.
type Record struct {
	Path       string
	Name       string
	Size       int64
	CreatedAt  *time.Time
	ModTime    time.Time
	ImportedAt time.Time
	ScannedAt  time.Time
	Digests    digest.Set
	Flags      Flags
	RootPath   string
}

// Digest returns the stored digest for alg, or "" when none was recorded.
func (r Record) Digest(alg digest.Algorithm) string {
	if r.Digests == nil {
		return ""
	}
	return r.Digests[alg]
}

// Flags is the reserved, extensible flags field of a record. It holds a comma
// separated list of markers.
type Flags string

const (
	// FlagQuarantined marks a record whose file was moved to quarantine.
	FlagQuarantined = "quarantined"
	// FlagDeleted marks a record whose file was removed as a duplicate.
	FlagDeleted = "deleted"
)

// Has reports whether marker is present.
func (f Flags) Has(marker string) bool {
	for _, part := range strings.Split(string(f), ",") {
		if strings.TrimSpace(part) == marker {
			return true
		}
	}
	return false
}

// With returns f with marker added.
func (f Flags) With(marker string) Flags {
	if f.Has(marker) {
		return f
	}
	if f == "" {
		return Flags(marker)
	}
	return f + Flags(","+marker)
}

// Without returns f with every occurrence of marker dropped.
func (f Flags) Without(marker string) Flags {
	var kept []string
	for _, part := range strings.Split(string(f), ",") {
		part = strings.TrimSpace(part)
		if part != "" && part != marker {
			kept = append(kept, part)
		}
	}
	return Flags(strings.Join(kept, ","))
}

// Removed reports whether the deduper has taken the record's file away.
func (f Flags) Removed() bool {
	return f.Has(FlagQuarantined) || f.Has(FlagDeleted)
}

// ScanState captures bookkeeping for the last scan times of a root path.
type ScanState struct {
	RootPath            string
	LastFullScan        time.Time
	LastIncrementalScan time.Time
}

// ActionKind names what a dedupe or cleanup run does to a file.
type ActionKind string

const (
	ActionKeep       ActionKind = "keep"
	ActionQuarantine ActionKind = "quarantine"
	ActionDelete     ActionKind = "delete"
	ActionDeleteZero ActionKind = "delete-zero"
)

// ActionStatus tracks an action through the journal.
type ActionStatus string

const (
	ActionPlanned ActionStatus = "planned"
	ActionPending ActionStatus = "pending"
	ActionDone    ActionStatus = "done"
	ActionFailed  ActionStatus = "failed"
)

// Action is a journaled dedupe or cleanup decision. Entries are written before the
// filesystem is touched and updated once the outcome is known.
type Action struct {
	ID          int64
	RunID       string
	Path        string
	Kind        ActionKind
	Destination string
	Status      ActionStatus
	Error       string
	CreatedAt   time.Time
}

// DuplicateGroup is a digest value shared by more than one record.
type DuplicateGroup struct {
	Algorithm digest.Algorithm
	Value     string
	Records   []Record
}

// ErrBusy is returned by maintenance operations while a scan holds the store.
var ErrBusy = errors.New("store is busy: a scan is in progress")
