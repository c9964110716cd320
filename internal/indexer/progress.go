package indexer

import "sync/atomic"

// Progress holds live counters for a running scan. Fields are updated by the
// walker, the hash workers and the committer concurrently.
type Progress struct {
	Scanned atomic.Int64
	Skipped atomic.Int64
	Queued  atomic.Int64
	Hashed  atomic.Int64
	Failed  atomic.Int64
	Bytes   atomic.Int64

	current atomic.Pointer[string]
}

// SetCurrent records the path most recently visited.
func (p *Progress) SetCurrent(path string) {
	p.current.Store(&path)
}

// Current returns the path most recently visited, or "".
func (p *Progress) Current() string {
	if v := p.current.Load(); v != nil {
		return *v
	}
	return ""
}

// ProgressSnapshot is a point-in-time copy of Progress.
type ProgressSnapshot struct {
	Scanned     int64  `json:"scanned"`
	Skipped     int64  `json:"skipped"`
	Queued      int64  `json:"queued"`
	Hashed      int64  `json:"hashed"`
	Failed      int64  `json:"failed"`
	Bytes       int64  `json:"bytes"`
	CurrentPath string `json:"currentPath"`
}

// Snapshot copies the counters.
func (p *Progress) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		Scanned:     p.Scanned.Load(),
		Skipped:     p.Skipped.Load(),
		Queued:      p.Queued.Load(),
		Hashed:      p.Hashed.Load(),
		Failed:      p.Failed.Load(),
		Bytes:       p.Bytes.Load(),
		CurrentPath: p.Current(),
	}
}
