package analysis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists analysis results per (environment, workflow).
//
// Notes:
// - Rows are validated in two dimensions on read: content (the document
//   itself) and context (external configuration), so writes never need
//   to chase invalidations around.
// - WAL plus whole-row upserts keep concurrent invocations safe; last
//   writer wins and every row is internally consistent.
type Store struct {
	db *sql.DB
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

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Entry is one cached analysis row.
type Entry struct {
	Environment       string `json:"environment"`
	Workflow          string `json:"workflow"`
	ContentHash       string `json:"content_hash"`
	DocSize           int64  `json:"doc_size"`
	DocMtimeUnixMs    int64  `json:"doc_mtime_unix_ms"`
	ContextHash       string `json:"context_hash"`
	ConfigStampUnixMs int64  `json:"config_stamp_unix_ms"`
	AlgoVersion       string `json:"algo_version"`
	DepsJSON          string `json:"deps_json"`
	ResolutionJSON    string `json:"resolution_json"`
	WrittenAtUnixMs   int64  `json:"written_at_unix_ms"`
	WrittenBy         string `json:"written_by"`
}

func (s *Store) Get(ctx context.Context, environment string, workflow string) (*Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	environment = strings.TrimSpace(environment)
	workflow = strings.TrimSpace(workflow)
	if environment == "" || workflow == "" {
		return nil, errors.New("invalid request")
	}

	var e Entry
	err := s.db.QueryRowContext(ctx, `
SELECT
  environment, workflow, content_hash, doc_size, doc_mtime_unix_ms,
  context_hash, config_stamp_unix_ms, algo_version,
  deps_json, resolution_json, written_at_unix_ms, written_by
FROM analysis_cache
WHERE environment = ? AND workflow = ?
`, environment, workflow).Scan(
		&e.Environment,
		&e.Workflow,
		&e.ContentHash,
		&e.DocSize,
		&e.DocMtimeUnixMs,
		&e.ContextHash,
		&e.ConfigStampUnixMs,
		&e.AlgoVersion,
		&e.DepsJSON,
		&e.ResolutionJSON,
		&e.WrittenAtUnixMs,
		&e.WrittenBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// Put upserts a whole row and stamps the write time.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.Environment = strings.TrimSpace(e.Environment)
	e.Workflow = strings.TrimSpace(e.Workflow)
	if e.Environment == "" || e.Workflow == "" || strings.TrimSpace(e.ContentHash) == "" {
		return errors.New("invalid entry")
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO analysis_cache (
  environment, workflow, content_hash, doc_size, doc_mtime_unix_ms,
  context_hash, config_stamp_unix_ms, algo_version,
  deps_json, resolution_json, written_at_unix_ms, written_by
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(environment, workflow) DO UPDATE SET
  content_hash = excluded.content_hash,
  doc_size = excluded.doc_size,
  doc_mtime_unix_ms = excluded.doc_mtime_unix_ms,
  context_hash = excluded.context_hash,
  config_stamp_unix_ms = excluded.config_stamp_unix_ms,
  algo_version = excluded.algo_version,
  deps_json = excluded.deps_json,
  resolution_json = excluded.resolution_json,
  written_at_unix_ms = excluded.written_at_unix_ms,
  written_by = excluded.written_by
`,
		e.Environment, e.Workflow, e.ContentHash, e.DocSize, e.DocMtimeUnixMs,
		e.ContextHash, e.ConfigStampUnixMs, e.AlgoVersion,
		e.DepsJSON, e.ResolutionJSON, now, strings.TrimSpace(e.WrittenBy),
	)
	return err
}

func (s *Store) Delete(ctx context.Context, environment string, workflow string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	environment = strings.TrimSpace(environment)
	workflow = strings.TrimSpace(workflow)
	if environment == "" || workflow == "" {
		return errors.New("invalid request")
	}

	_, err := s.db.ExecContext(ctx, `
DELETE FROM analysis_cache
WHERE environment = ? AND workflow = ?
`, environment, workflow)
	return err
}

// DeleteAll clears every cached row for an environment and returns how
// many were dropped.
func (s *Store) DeleteAll(ctx context.Context, environment string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return 0, errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
DELETE FROM analysis_cache
WHERE environment = ?
`, environment)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
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
CREATE TABLE IF NOT EXISTS analysis_cache (
  environment TEXT NOT NULL,
  workflow TEXT NOT NULL,
  content_hash TEXT NOT NULL,
  doc_size INTEGER NOT NULL,
  doc_mtime_unix_ms INTEGER NOT NULL,
  context_hash TEXT NOT NULL,
  config_stamp_unix_ms INTEGER NOT NULL,
  algo_version TEXT NOT NULL,
  deps_json TEXT NOT NULL,
  resolution_json TEXT NOT NULL,
  written_at_unix_ms INTEGER NOT NULL,
  written_by TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (environment, workflow)
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
