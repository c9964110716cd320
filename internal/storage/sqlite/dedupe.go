package sqlite

import (
	"context"
	"fmt"
	"time"

	"hashdb/internal/diag"
	"hashdb/internal/digest"
	"hashdb/internal/storage"
)

// DuplicateGroups returns every non-empty digest value for alg that is shared
// by two or more records not already removed by a dedupe run. Groups are
// ordered by digest value and their records by path.
func (s *Store) DuplicateGroups(ctx context.Context, alg digest.Algorithm) ([]storage.DuplicateGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT d.value, r.path, r.name, r.size, r.created_on, r.mod_time, r.imported_on, r.last_scanned_on, r.flags, r.root_path
FROM file_digests d
JOIN file_records r ON r.path = d.path
WHERE d.algorithm = ? AND d.value <> ''
  AND d.value IN (
        SELECT value FROM file_digests
        WHERE algorithm = ? AND value <> ''
        GROUP BY value HAVING COUNT(*) > 1
  )
ORDER BY d.value, r.path
`, string(alg), string(alg))
	if err != nil {
		return nil, diag.StoreError("duplicate groups", fmt.Errorf("query duplicates: %w", err))
	}

	var (
		groups  []storage.DuplicateGroup
		current *storage.DuplicateGroup
		all     = make(map[string]*storage.Record)
	)
	flush := func() {
		if current != nil && len(current.Records) > 1 {
			groups = append(groups, *current)
		}
	}

	for rows.Next() {
		var value string
		record, err := scanRecord(prefixRow{rows: rows, value: &value})
		if err != nil {
			rows.Close()
			return nil, diag.StoreError("duplicate groups", fmt.Errorf("scan duplicate: %w", err))
		}
		if record.Flags.Removed() {
			continue
		}
		if current == nil || current.Value != value {
			flush()
			current = &storage.DuplicateGroup{Algorithm: alg, Value: value}
		}
		current.Records = append(current.Records, record)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, diag.StoreError("duplicate groups", fmt.Errorf("iterate duplicates: %w", err))
	}
	flush()

	for gi := range groups {
		for ri := range groups[gi].Records {
			all[groups[gi].Records[ri].Path] = &groups[gi].Records[ri]
		}
	}
	if err := loadDigests(ctx, s.db, all); err != nil {
		return nil, diag.StoreError("duplicate groups", err)
	}
	return groups, nil
}

// prefixRow adapts a row whose first column is the digest value followed by
// the record columns, so scanRecord can be reused.
type prefixRow struct {
	rows  rowScanner
	value *string
}

func (p prefixRow) Scan(dest ...any) error {
	return p.rows.Scan(append([]any{p.value}, dest...)...)
}

// DigestStats summarizes stored digests for one algorithm.
type DigestStats struct {
	Records          int
	WithDigest       int
	Unique           int
	DuplicateGroups  int
	DuplicateRecords int
}

// DigestStats counts records, digested records, distinct digests and
// duplicate groups for alg.
func (s *Store) DigestStats(ctx context.Context, alg digest.Algorithm) (DigestStats, error) {
	var stats DigestStats
	err := s.db.QueryRowContext(ctx, `
SELECT
        (SELECT COUNT(*) FROM file_records),
        (SELECT COUNT(*) FROM file_digests WHERE algorithm = ?1 AND value <> ''),
        (SELECT COUNT(DISTINCT value) FROM file_digests WHERE algorithm = ?1 AND value <> ''),
        (SELECT COUNT(*) FROM (SELECT value FROM file_digests WHERE algorithm = ?1 AND value <> '' GROUP BY value HAVING COUNT(*) > 1)),
        (SELECT COALESCE(SUM(n), 0) FROM (SELECT COUNT(*) AS n FROM file_digests WHERE algorithm = ?1 AND value <> '' GROUP BY value HAVING COUNT(*) > 1))
`, string(alg)).Scan(&stats.Records, &stats.WithDigest, &stats.Unique, &stats.DuplicateGroups, &stats.DuplicateRecords)
	if err != nil {
		return DigestStats{}, diag.StoreError("digest stats", fmt.Errorf("query digest stats: %w", err))
	}
	return stats, nil
}

// RecordAction journals a dedupe action and returns its id.
func (s *Store) RecordAction(ctx context.Context, action storage.Action) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	created := action.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO dedupe_actions(run_id, path, kind, destination, status, error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, action.RunID, action.Path, string(action.Kind), action.Destination, string(action.Status), action.Error, created.UnixNano())
	if err != nil {
		return 0, diag.StoreError("record action", fmt.Errorf("insert action %s: %w", action.Path, err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, diag.StoreError("record action", fmt.Errorf("action id: %w", err))
	}
	return id, nil
}

// UpdateAction records the outcome of a journaled action.
func (s *Store) UpdateAction(ctx context.Context, id int64, status storage.ActionStatus, destination, errText string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
UPDATE dedupe_actions SET status = ?, destination = ?, error = ? WHERE id = ?
`, string(status), destination, errText, id)
	if err != nil {
		return diag.StoreError("update action", fmt.Errorf("update action %d: %w", id, err))
	}
	return nil
}

// Actions lists the journal entries of one dedupe run in insertion order.
func (s *Store) Actions(ctx context.Context, runID string) ([]storage.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, path, kind, destination, status, error, created_at
FROM dedupe_actions WHERE run_id = ? ORDER BY id
`, runID)
	if err != nil {
		return nil, diag.StoreError("actions", fmt.Errorf("query actions: %w", err))
	}
	defer rows.Close()

	var actions []storage.Action
	for rows.Next() {
		var (
			action  storage.Action
			kind    string
			status  string
			created int64
		)
		if err := rows.Scan(&action.ID, &action.RunID, &action.Path, &kind, &action.Destination, &status, &action.Error, &created); err != nil {
			return nil, diag.StoreError("actions", fmt.Errorf("scan action: %w", err))
		}
		action.Kind = storage.ActionKind(kind)
		action.Status = storage.ActionStatus(status)
		action.CreatedAt = time.Unix(0, created)
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, diag.StoreError("actions", fmt.Errorf("iterate actions: %w", err))
	}
	return actions, nil
}
