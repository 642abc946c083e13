package modelindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the local SQLite-backed model index.
//
// Notes:
// - Identity is the quick content hash, so duplicate files across library
//   folders collapse into one model with several locations.
// - WAL is enabled so resolvers can read while a scan writes.
type Store struct {
	db   *sql.DB
	path string
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, path: p}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Model is one distinct file content known to the index.
type Model struct {
	QuickHash string `json:"quick_hash"`
	Size      int64  `json:"size"`
	SHA256    string `json:"sha256,omitempty"`
	MD5       string `json:"md5,omitempty"`
	// Kind is the top-level library folder the content was first seen under
	// (e.g. "checkpoints", "loras").
	Kind            string `json:"kind,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// Location is one on-disk occurrence of a model inside the library root.
type Location struct {
	RelPath     string `json:"rel_path"`
	QuickHash   string `json:"quick_hash"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	MtimeUnixMs int64  `json:"mtime_unix_ms"`
}

// Source is a remembered acquisition URL for a model.
type Source struct {
	QuickHash     string `json:"quick_hash"`
	URL           string `json:"url"`
	AddedAtUnixMs int64  `json:"added_at_unix_ms"`
}

// Stats summarizes the index for status output.
type Stats struct {
	Models          int64 `json:"models"`
	Locations       int64 `json:"locations"`
	Sources         int64 `json:"sources"`
	LastWriteUnixMs int64 `json:"last_write_unix_ms"`
}

// fold lowercases a path or filename for case-insensitive matching.
func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (s *Store) UpsertModel(ctx context.Context, m Model) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.QuickHash = strings.TrimSpace(m.QuickHash)
	if m.QuickHash == "" || m.Size < 0 {
		return errors.New("invalid model")
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO models (quick_hash, size, sha256, md5, kind, created_at_unix_ms)
VALUES (?, ?, '', '', ?, ?)
ON CONFLICT(quick_hash) DO UPDATE SET
  size = excluded.size,
  kind = CASE WHEN models.kind = '' THEN excluded.kind ELSE models.kind END
`, m.QuickHash, m.Size, strings.TrimSpace(m.Kind), now)
	if err != nil {
		return err
	}
	return s.markWrite(ctx)
}

// SetFullHashes records the strong hashes computed for a model.
func (s *Store) SetFullHashes(ctx context.Context, quickHash string, sha256Hex string, md5Hex string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	quickHash = strings.TrimSpace(quickHash)
	if quickHash == "" {
		return errors.New("missing quick hash")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE models
SET sha256 = ?, md5 = ?
WHERE quick_hash = ?
`, strings.ToLower(strings.TrimSpace(sha256Hex)), strings.ToLower(strings.TrimSpace(md5Hex)), quickHash)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return s.markWrite(ctx)
}

func (s *Store) GetModel(ctx context.Context, quickHash string) (*Model, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	quickHash = strings.TrimSpace(quickHash)
	if quickHash == "" {
		return nil, errors.New("missing quick hash")
	}

	var m Model
	err := s.db.QueryRowContext(ctx, `
SELECT quick_hash, size, sha256, md5, kind, created_at_unix_ms
FROM models
WHERE quick_hash = ?
`, quickHash).Scan(
		&m.QuickHash,
		&m.Size,
		&m.SHA256,
		&m.MD5,
		&m.Kind,
		&m.CreatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) UpsertLocation(ctx context.Context, loc Location, scanID int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	loc.RelPath = strings.TrimSpace(loc.RelPath)
	loc.QuickHash = strings.TrimSpace(loc.QuickHash)
	if loc.RelPath == "" || loc.QuickHash == "" {
		return errors.New("invalid location")
	}
	if loc.Filename == "" {
		loc.Filename = filepath.Base(loc.RelPath)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO locations (rel_path, rel_path_fold, quick_hash, filename, filename_fold, size, mtime_unix_ms, seen_scan_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(rel_path) DO UPDATE SET
  quick_hash = excluded.quick_hash,
  filename = excluded.filename,
  filename_fold = excluded.filename_fold,
  size = excluded.size,
  mtime_unix_ms = excluded.mtime_unix_ms,
  seen_scan_id = excluded.seen_scan_id
`, loc.RelPath, fold(loc.RelPath), loc.QuickHash, loc.Filename, fold(loc.Filename), loc.Size, loc.MtimeUnixMs, scanID)
	if err != nil {
		return err
	}
	return s.markWrite(ctx)
}

// TouchLocation refreshes a location's scan marker without rehashing it.
// Deliberately does not count as an index write.
func (s *Store) TouchLocation(ctx context.Context, relPath string, scanID int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	relPath = strings.TrimSpace(relPath)
	if relPath == "" {
		return errors.New("missing rel path")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE locations
SET seen_scan_id = ?
WHERE rel_path = ?
`, scanID, relPath)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetLocation(ctx context.Context, relPath string) (*Location, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	relPath = strings.TrimSpace(relPath)
	if relPath == "" {
		return nil, errors.New("missing rel path")
	}

	var loc Location
	err := s.db.QueryRowContext(ctx, `
SELECT rel_path, quick_hash, filename, size, mtime_unix_ms
FROM locations
WHERE rel_path = ?
`, relPath).Scan(
		&loc.RelPath,
		&loc.QuickHash,
		&loc.Filename,
		&loc.Size,
		&loc.MtimeUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &loc, nil
}

// FindByPathFold returns locations whose relative path matches regardless
// of case, ordered by path.
func (s *Store) FindByPathFold(ctx context.Context, relPath string) ([]Location, error) {
	return s.queryLocations(ctx, `
SELECT rel_path, quick_hash, filename, size, mtime_unix_ms
FROM locations
WHERE rel_path_fold = ?
ORDER BY rel_path ASC
`, fold(relPath))
}

// FindByFilename returns locations whose filename matches regardless of
// case and folder, ordered by path.
func (s *Store) FindByFilename(ctx context.Context, filename string) ([]Location, error) {
	return s.queryLocations(ctx, `
SELECT rel_path, quick_hash, filename, size, mtime_unix_ms
FROM locations
WHERE filename_fold = ?
ORDER BY rel_path ASC
`, fold(filename))
}

// LocationsByHash returns all on-disk occurrences of a model.
func (s *Store) LocationsByHash(ctx context.Context, quickHash string) ([]Location, error) {
	return s.queryLocations(ctx, `
SELECT rel_path, quick_hash, filename, size, mtime_unix_ms
FROM locations
WHERE quick_hash = ?
ORDER BY rel_path ASC
`, strings.TrimSpace(quickHash))
}

func (s *Store) queryLocations(ctx context.Context, query string, arg string) ([]Location, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(arg) == "" {
		return nil, errors.New("empty lookup key")
	}

	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var loc Location
		if err := rows.Scan(&loc.RelPath, &loc.QuickHash, &loc.Filename, &loc.Size, &loc.MtimeUnixMs); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// PruneNotSeen removes locations missed by a completed scan and returns
// how many were dropped. Models stay even when their last location goes,
// so remembered hashes and sources survive a temporarily unplugged drive.
func (s *Store) PruneNotSeen(ctx context.Context, scanID int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if scanID <= 0 {
		return 0, errors.New("invalid scan id")
	}

	res, err := s.db.ExecContext(ctx, `
DELETE FROM locations
WHERE seen_scan_id < ?
`, scanID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := s.markWrite(ctx); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Store) AddSource(ctx context.Context, quickHash string, url string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	quickHash = strings.TrimSpace(quickHash)
	url = strings.TrimSpace(url)
	if quickHash == "" || url == "" {
		return errors.New("invalid source")
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sources (quick_hash, url, added_at_unix_ms)
VALUES (?, ?, ?)
ON CONFLICT(quick_hash, url) DO NOTHING
`, quickHash, url, now)
	if err != nil {
		return err
	}
	return s.markWrite(ctx)
}

func (s *Store) Sources(ctx context.Context, quickHash string) ([]Source, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	quickHash = strings.TrimSpace(quickHash)
	if quickHash == "" {
		return nil, errors.New("missing quick hash")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT quick_hash, url, added_at_unix_ms
FROM sources
WHERE quick_hash = ?
ORDER BY added_at_unix_ms ASC, url ASC
`, quickHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.QuickHash, &src.URL, &src.AddedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// LastWriteUnixMs reports when index content last changed. Zero for a
// fresh index.
func (s *Store) LastWriteUnixMs(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `
SELECT value
FROM index_meta
WHERE key = 'last_write_unix_ms'
`).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt last_write_unix_ms: %w", err)
	}
	return ms, nil
}

func (s *Store) markWrite(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO index_meta (key, value)
VALUES ('last_write_unix_ms', ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, now)
	return err
}

// nextScanID hands out a monotonically increasing scan counter.
func (s *Store) nextScanID(ctx context.Context) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
SELECT value
FROM index_meta
WHERE key = 'scan_counter'
`).Scan(&raw)
	prev := int64(0)
	switch {
	case err == nil:
		prev, err = strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt scan_counter: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return 0, err
	}

	next := prev + 1
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO index_meta (key, value)
VALUES ('scan_counter', ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, strconv.FormatInt(next, 10)); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM models`).Scan(&st.Models); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM locations`).Scan(&st.Locations); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sources`).Scan(&st.Sources); err != nil {
		return Stats{}, err
	}
	ms, err := s.LastWriteUnixMs(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.LastWriteUnixMs = ms
	return st, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if v < 1 {
		if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS models (
  quick_hash TEXT PRIMARY KEY,
  size INTEGER NOT NULL,
  sha256 TEXT NOT NULL DEFAULT '',
  md5 TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS locations (
  rel_path TEXT PRIMARY KEY,
  rel_path_fold TEXT NOT NULL,
  quick_hash TEXT NOT NULL,
  filename TEXT NOT NULL,
  filename_fold TEXT NOT NULL,
  size INTEGER NOT NULL,
  mtime_unix_ms INTEGER NOT NULL,
  seen_scan_id INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_locations_hash ON locations(quick_hash);
CREATE INDEX IF NOT EXISTS idx_locations_filename_fold ON locations(filename_fold);
CREATE INDEX IF NOT EXISTS idx_locations_path_fold ON locations(rel_path_fold);

CREATE TABLE IF NOT EXISTS sources (
  quick_hash TEXT NOT NULL,
  url TEXT NOT NULL,
  added_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (quick_hash, url)
);

CREATE TABLE IF NOT EXISTS index_meta (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
