// Package persistence is the sqlite-backed store for tasks, the orchestrator
// lease, the append-only audit trail, and the agent registry. All task
// lifecycle writes go through WithLeaseAuthority so a process that lost the
// lease can never commit a mutation.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "wr-v1-2026-08-orchestrator-core"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warroom", "warroom.db")
}

// Open opens (creating if needed) the store at path. _txlock=immediate makes
// every transaction take the writer lock up front, which is what gives the
// lease row its mutual-exclusion semantics.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// SetClock overrides the store's time source. Tests use it to control lease
// expiry and retry backoff without sleeping.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			agent_key TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('QUEUED', 'RUNNING', 'DONE', 'CANCELED', 'DEAD_LETTER', 'MANUAL_REQUIRED')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			next_attempt_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			last_failure_code TEXT,
			error TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			issue_number INTEGER,
			thread_id TEXT,
			resumable INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, next_attempt_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_key, status);`,
		`CREATE TABLE IF NOT EXISTS orchestrator_lease (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			owner_id TEXT,
			owner_host TEXT,
			owner_pid INTEGER,
			owner_agent_key TEXT,
			acquired_at DATETIME,
			expires_at DATETIME,
			heartbeat_count INTEGER NOT NULL DEFAULT 0
		);`,
		`INSERT OR IGNORE INTO orchestrator_lease (id) VALUES (1);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			actor_role TEXT NOT NULL DEFAULT 'system',
			action TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT,
			allowed INTEGER NOT NULL DEFAULT 1,
			reason TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_events(entity_type, entity_id, action);`,
		`CREATE TABLE IF NOT EXISTS agents (
			key TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			readiness TEXT NOT NULL DEFAULT 'READY' CHECK(readiness IN ('READY', 'PAUSED', 'NOT_READY')),
			runtime TEXT NOT NULL DEFAULT 'LOCAL' CHECK(runtime IN ('LOCAL', 'CLOUD', 'MANUAL')),
			control_role TEXT NOT NULL DEFAULT 'ALPHA' CHECK(control_role IN ('ALPHA', 'BETA')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when sqlite reports BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
