package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hashdb/internal/diag"
	"hashdb/internal/digest"
	"hashdb/internal/storage"

	_ "modernc.org/sqlite"
)

const (
	// pageSize bounds the rows fetched per Iterate round trip.
	pageSize = 500
	// maxParams keeps IN (...) lists well under SQLite's variable limit.
	maxParams = 500
)

// Store persists file records inside a SQLite database.
//
// Reads may run concurrently. Writes are serialized through writeMu so the
// database only ever sees one logical writer. Maintenance operations take the
// lease exclusively and therefore never overlap an active scan.
type Store struct {
	db   *sql.DB
	path string

	writeMu sync.Mutex
	lease   sync.RWMutex
}

// Open initializes (or reuses) a SQLite database at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	pragmas := []string{
		"busy_timeout(10000)",
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(ON)",
	}
	query := url.Values{}
	for _, pragma := range pragmas {
		query.Add("_pragma", pragma)
	}

	db, err := sql.Open("sqlite", path+"?"+query.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS file_records (
        path TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        size INTEGER NOT NULL,
        created_on INTEGER,
        mod_time INTEGER NOT NULL,
        imported_on INTEGER NOT NULL,
        last_scanned_on INTEGER NOT NULL,
        flags TEXT NOT NULL DEFAULT '',
        root_path TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS file_digests (
        path TEXT NOT NULL REFERENCES file_records(path) ON DELETE CASCADE,
        algorithm TEXT NOT NULL,
        value TEXT NOT NULL,
        PRIMARY KEY (path, algorithm)
);

CREATE TABLE IF NOT EXISTS scan_state (
        root_path TEXT PRIMARY KEY,
        last_full_scan INTEGER NOT NULL DEFAULT 0,
        last_incremental_scan INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dedupe_actions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        path TEXT NOT NULL,
        kind TEXT NOT NULL,
        destination TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        error TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_records_root ON file_records(root_path);
CREATE INDEX IF NOT EXISTS idx_file_digests_value ON file_digests(algorithm, value);
CREATE INDEX IF NOT EXISTS idx_dedupe_actions_run ON dedupe_actions(run_id);
`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// BeginScan takes a shared lease on the store for the duration of a scan.
// Several scans may hold it at once; maintenance may not run meanwhile.
func (s *Store) BeginScan() (release func(), err error) {
	if !s.lease.TryRLock() {
		return nil, storage.ErrBusy
	}
	var once sync.Once
	return func() { once.Do(s.lease.RUnlock) }, nil
}

// BeginMaintenance takes the exclusive lease held by maintenance work. It
// fails with storage.ErrBusy while a scan or other maintenance is running.
func (s *Store) BeginMaintenance() (release func(), err error) {
	if !s.lease.TryLock() {
		return nil, storage.ErrBusy
	}
	return s.lease.Unlock, nil
}

const recordColumns = `path, name, size, created_on, mod_time, imported_on, last_scanned_on, flags, root_path`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (storage.Record, error) {
	var (
		record   storage.Record
		created  sql.NullInt64
		modTime  int64
		imported int64
		scanned  int64
		flags    string
	)
	if err := row.Scan(&record.Path, &record.Name, &record.Size, &created, &modTime, &imported, &scanned, &flags, &record.RootPath); err != nil {
		return storage.Record{}, err
	}
	if created.Valid {
		t := time.Unix(0, created.Int64)
		record.CreatedAt = &t
	}
	record.ModTime = time.Unix(0, modTime)
	record.ImportedAt = time.Unix(0, imported)
	record.ScannedAt = time.Unix(0, scanned)
	record.Flags = storage.Flags(flags)
	return record, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadDigests fills in the digest sets of records, keyed by path.
func loadDigests(ctx context.Context, q querier, records map[string]*storage.Record) error {
	paths := make([]string, 0, len(records))
	for path := range records {
		paths = append(paths, path)
	}

	for start := 0; start < len(paths); start += maxParams {
		end := min(start+maxParams, len(paths))
		chunk := paths[start:end]

		args := make([]any, len(chunk))
		for i, p := range chunk {
			args[i] = p
		}
		rows, err := q.QueryContext(ctx,
			`SELECT path, algorithm, value FROM file_digests WHERE path IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return fmt.Errorf("query digests: %w", err)
		}
		for rows.Next() {
			var path, alg, value string
			if err := rows.Scan(&path, &alg, &value); err != nil {
				rows.Close()
				return fmt.Errorf("scan digest: %w", err)
			}
			record := records[path]
			if record.Digests == nil {
				record.Digests = make(digest.Set)
			}
			record.Digests[digest.Algorithm(alg)] = value
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterate digests: %w", err)
		}
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// Get fetches a single record by its normalized path.
func (s *Store) Get(ctx context.Context, path string) (storage.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM file_records WHERE path = ?`, path)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, false, nil
	}
	if err != nil {
		return storage.Record{}, false, diag.StoreError("get", fmt.Errorf("query record %s: %w", path, err))
	}

	byPath := map[string]*storage.Record{record.Path: &record}
	if err := loadDigests(ctx, s.db, byPath); err != nil {
		return storage.Record{}, false, diag.StoreError("get", err)
	}
	return record, true, nil
}

// GetMany fetches every stored record among paths. Absent paths are simply
// missing from the result.
func (s *Store) GetMany(ctx context.Context, paths []string) (map[string]storage.Record, error) {
	found := make(map[string]*storage.Record, len(paths))
	for start := 0; start < len(paths); start += maxParams {
		end := min(start+maxParams, len(paths))
		chunk := paths[start:end]

		args := make([]any, len(chunk))
		for i, p := range chunk {
			args[i] = p
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM file_records WHERE path IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, diag.StoreError("get many", fmt.Errorf("query records: %w", err))
		}
		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return nil, diag.StoreError("get many", fmt.Errorf("scan record: %w", err))
			}
			found[record.Path] = &record
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, diag.StoreError("get many", fmt.Errorf("iterate records: %w", err))
		}
	}

	if err := loadDigests(ctx, s.db, found); err != nil {
		return nil, diag.StoreError("get many", err)
	}

	out := make(map[string]storage.Record, len(found))
	for path, record := range found {
		out[path] = *record
	}
	return out, nil
}

// PutBatch upserts records in a single transaction. Either every record in
// the batch is written or none is. The first-imported timestamp of an
// existing record is preserved, and its digest set is replaced by the one
// carried in the new record.
func (s *Store) PutBatch(ctx context.Context, records []storage.Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, record := range records {
		if record.Path == "" {
			return diag.StoreError("put batch", errors.New("record path cannot be empty"))
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return diag.StoreError("put batch", fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
INSERT INTO file_records(path, name, size, created_on, mod_time, imported_on, last_scanned_on, flags, root_path)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
        name=excluded.name,
        size=excluded.size,
        created_on=excluded.created_on,
        mod_time=excluded.mod_time,
        last_scanned_on=excluded.last_scanned_on,
        flags=excluded.flags,
        root_path=excluded.root_path
`)
	if err != nil {
		return diag.StoreError("put batch", fmt.Errorf("prepare upsert: %w", err))
	}
	defer upsert.Close()

	clearDigests, err := tx.PrepareContext(ctx, `DELETE FROM file_digests WHERE path = ?`)
	if err != nil {
		return diag.StoreError("put batch", fmt.Errorf("prepare digest delete: %w", err))
	}
	defer clearDigests.Close()

	insertDigest, err := tx.PrepareContext(ctx, `INSERT INTO file_digests(path, algorithm, value) VALUES(?, ?, ?)`)
	if err != nil {
		return diag.StoreError("put batch", fmt.Errorf("prepare digest insert: %w", err))
	}
	defer insertDigest.Close()

	for _, record := range records {
		var created any
		if record.CreatedAt != nil {
			created = record.CreatedAt.UnixNano()
		}
		imported := record.ImportedAt
		if imported.IsZero() {
			imported = record.ScannedAt
		}
		if _, err := upsert.ExecContext(ctx,
			record.Path, record.Name, record.Size, created, record.ModTime.UnixNano(),
			imported.UnixNano(), record.ScannedAt.UnixNano(), string(record.Flags), record.RootPath,
		); err != nil {
			return diag.StoreError("put batch", fmt.Errorf("upsert record %s: %w", record.Path, err))
		}
		if _, err := clearDigests.ExecContext(ctx, record.Path); err != nil {
			return diag.StoreError("put batch", fmt.Errorf("clear digests %s: %w", record.Path, err))
		}
		for alg, value := range record.Digests {
			if value == "" {
				continue
			}
			if _, err := insertDigest.ExecContext(ctx, record.Path, string(alg), value); err != nil {
				return diag.StoreError("put batch", fmt.Errorf("insert digest %s/%s: %w", record.Path, alg, err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return diag.StoreError("put batch", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Iterate lazily yields every record at or below prefix, ordered by path.
// An empty prefix yields all records. Each call starts a fresh iteration and
// pages through the table by key, so no read transaction stays open between
// pages. Iteration stops at the first error, which is yielded once.
func (s *Store) Iterate(ctx context.Context, prefix string) iter.Seq2[storage.Record, error] {
	return func(yield func(storage.Record, error) bool) {
		filter, filterArgs := prefixFilter(prefix)
		after := ""
		first := true

		for {
			args := append([]any{}, filterArgs...)
			cursor := ""
			if !first {
				cursor = " AND path > ?"
				args = append(args, after)
			}
			args = append(args, pageSize)

			page, err := s.queryPage(ctx, `SELECT `+recordColumns+` FROM file_records WHERE `+filter+cursor+` ORDER BY path LIMIT ?`, args)
			if err != nil {
				yield(storage.Record{}, diag.StoreError("iterate", err))
				return
			}
			for _, record := range page {
				if !yield(record, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].Path
			first = false
		}
	}
}

func (s *Store) queryPage(ctx context.Context, query string, args []any) ([]storage.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	var page []storage.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		page = append(page, record)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	byPath := make(map[string]*storage.Record, len(page))
	for i := range page {
		byPath[page[i].Path] = &page[i]
	}
	if err := loadDigests(ctx, s.db, byPath); err != nil {
		return nil, err
	}
	return page, nil
}

// prefixFilter matches the prefix path itself and everything beneath it as a
// directory, using a byte range so the primary key index is used.
func prefixFilter(prefix string) (string, []any) {
	if prefix == "" {
		return "1=1", nil
	}
	prefix = filepath.Clean(prefix)
	dir := prefix
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}
	if upper, ok := prefixEnd(dir); ok {
		return "(path = ? OR (path >= ? AND path < ?))", []any{prefix, dir, upper}
	}
	return "(path = ? OR path >= ?)", []any{prefix, dir}
}

// prefixEnd returns the smallest string greater than every string that starts
// with prefix.
func prefixEnd(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// Delete removes a record by its path. Its digests go with it.
func (s *Store) Delete(ctx context.Context, path string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE path = ?`, path); err != nil {
		return diag.StoreError("delete", fmt.Errorf("delete record %s: %w", path, err))
	}
	return nil
}

// SetFlags replaces the flags of an existing record.
func (s *Store) SetFlags(ctx context.Context, path string, flags storage.Flags) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE file_records SET flags = ? WHERE path = ?`, string(flags), path); err != nil {
		return diag.StoreError("set flags", fmt.Errorf("update flags %s: %w", path, err))
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_records`).Scan(&n); err != nil {
		return 0, diag.StoreError("count", fmt.Errorf("count records: %w", err))
	}
	return n, nil
}

// Cleanup removes every record whose file no longer exists on disk and
// returns how many were removed. Records whose existence cannot be determined
// (for example permission denied) are kept. It fails with storage.ErrBusy
// while a scan is active.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	release, err := s.BeginMaintenance()
	if err != nil {
		return 0, err
	}
	defer release()

	var missing []string
	after := ""
	for {
		rows, err := s.db.QueryContext(ctx, `SELECT path FROM file_records WHERE path > ? ORDER BY path LIMIT ?`, after, pageSize)
		if err != nil {
			return 0, diag.StoreError("cleanup", fmt.Errorf("query paths: %w", err))
		}
		var page []string
		for rows.Next() {
			var path string
			if err := rows.Scan(&path); err != nil {
				rows.Close()
				return 0, diag.StoreError("cleanup", fmt.Errorf("scan path: %w", err))
			}
			page = append(page, path)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return 0, diag.StoreError("cleanup", fmt.Errorf("iterate paths: %w", err))
		}

		for _, path := range page {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			if _, statErr := os.Lstat(path); errors.Is(statErr, fs.ErrNotExist) {
				missing = append(missing, path)
			}
		}
		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1]
	}

	if len(missing) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, diag.StoreError("cleanup", fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	for start := 0; start < len(missing); start += maxParams {
		end := min(start+maxParams, len(missing))
		chunk := missing[start:end]
		args := make([]any, len(chunk))
		for i, p := range chunk {
			args[i] = p
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM file_records WHERE path IN (`+placeholders(len(chunk))+`)`, args...); err != nil {
			return 0, diag.StoreError("cleanup", fmt.Errorf("delete orphans: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, diag.StoreError("cleanup", fmt.Errorf("commit: %w", err))
	}
	return len(missing), nil
}

// Compact rebuilds the database file to reclaim free pages. It fails with
// storage.ErrBusy while a scan is active.
func (s *Store) Compact(ctx context.Context) error {
	release, err := s.BeginMaintenance()
	if err != nil {
		return err
	}
	defer release()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return diag.StoreError("compact", fmt.Errorf("vacuum: %w", err))
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return diag.StoreError("compact", fmt.Errorf("checkpoint: %w", err))
	}
	return nil
}

// ScanState retrieves the last known scan state for a root path.
func (s *Store) ScanState(ctx context.Context, root string) (storage.ScanState, error) {
	var (
		lastFull        int64
		lastIncremental int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT last_full_scan, last_incremental_scan FROM scan_state WHERE root_path = ?
`, root).Scan(&lastFull, &lastIncremental)

	if errors.Is(err, sql.ErrNoRows) {
		return storage.ScanState{RootPath: root}, nil
	}
	if err != nil {
		return storage.ScanState{}, fmt.Errorf("query scan state: %w", err)
	}

	return storage.ScanState{
		RootPath:            root,
		LastFullScan:        unixOrZero(lastFull),
		LastIncrementalScan: unixOrZero(lastIncremental),
	}, nil
}

// UpdateScanState writes the scan timestamps for a root path.
func (s *Store) UpdateScanState(ctx context.Context, state storage.ScanState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO scan_state(root_path, last_full_scan, last_incremental_scan)
VALUES(?, ?, ?)
ON CONFLICT(root_path) DO UPDATE SET
        last_full_scan=excluded.last_full_scan,
        last_incremental_scan=excluded.last_incremental_scan
`, state.RootPath, nanosOrZero(state.LastFullScan), nanosOrZero(state.LastIncrementalScan))
	if err != nil {
		return diag.StoreError("update scan state", fmt.Errorf("update scan state %s: %w", state.RootPath, err))
	}
	return nil
}

func unixOrZero(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
