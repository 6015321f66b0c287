package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the single SQLite connection shared by all persistence
// concerns. A single writer mutex serializes mutations; readers take the
// read side. This matches the expected load: one process, few workers.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	settingsMu      sync.RWMutex
	settingsCache   map[string]string
	settingsVersion uint64
	cachedVersion   uint64
}

// schemaVersion is the version this build writes and understands.
const schemaVersion = 2

// migrations are applied in order; index i migrates from version i to i+1.
var migrations = []string{
	// v0 -> v1: initial schema.
	`
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		revision_ref TEXT NOT NULL,
		base_ref TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		author_name TEXT NOT NULL DEFAULT '',
		author_email TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		status TEXT NOT NULL,
		batch_total INTEGER NOT NULL DEFAULT 0,
		batch_current INTEGER NOT NULL DEFAULT 0,
		batch_results TEXT NOT NULL DEFAULT '[]',
		issues_count INTEGER NOT NULL DEFAULT 0,
		critical_count INTEGER NOT NULL DEFAULT 0,
		warning_count INTEGER NOT NULL DEFAULT 0,
		suggestion_count INTEGER NOT NULL DEFAULT 0,
		quality_score INTEGER NOT NULL DEFAULT 0,
		files_reviewed TEXT NOT NULL DEFAULT '[]',
		report TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		processing_seconds REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_repo ON tasks(repo_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_revision
		ON tasks(repo_id, strategy, revision_ref)
		WHERE status IN ('pending', 'processing');

	CREATE TABLE IF NOT EXISTS issues (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		line_number INTEGER NOT NULL DEFAULT 0,
		code_snippet TEXT NOT NULL DEFAULT '',
		suggestion TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_issues_task ON issues(task_id);

	CREATE TABLE IF NOT EXISTS revision_markers (
		repo_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		kind TEXT NOT NULL,
		last_seen_id TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		PRIMARY KEY (repo_id, branch, kind)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`,
	// v1 -> v2: summary fields extracted from reports.
	`
	ALTER TABLE tasks ADD COLUMN verdict TEXT NOT NULL DEFAULT '';
	ALTER TABLE tasks ADD COLUMN risk_level TEXT NOT NULL DEFAULT '';
	ALTER TABLE tasks ADD COLUMN key_findings TEXT NOT NULL DEFAULT '[]';
	ALTER TABLE tasks ADD COLUMN recommendations TEXT NOT NULL DEFAULT '[]';
	`,
}

// Open opens (or creates) the database at path and applies forward
// migrations. Use ":memory:" for tests. A database newer than this build
// refuses to open.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite serializes internally, but a single connection keeps
	// transaction semantics simple for the serialized-writer model.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, settingsCache: map[string]string{}}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var current int
	row := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	switch err := row.Scan(&current); {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		// Table missing on a fresh database.
		current = 0
	}

	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, schemaVersion)
	}

	for v := current; v < schemaVersion; v++ {
		if _, err := s.db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("apply migration %d -> %d: %w", v, v+1, err)
		}
	}

	if _, err := s.db.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("reset schema version: %w", err)
	}
	if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// RecoverInterrupted marks every task left in processing as failed with the
// aborted-by-restart reason. In-flight batches are never resumed.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error_kind = 'internal', error_message = 'aborted by restart',
		    finished_at = strftime('%s','now')
		WHERE status = ?`,
		StatusFailed, StatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
