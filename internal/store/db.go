package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// timeNow is a package-level var so tests can pin timestamps.
var timeNow = func() time.Time { return time.Now().UTC() }

const schemaVersion = "2"

// ProjectDir is the directory inside a project that holds its store.
const ProjectDir = ".cascade"

// DB is the project-scoped SessionStore: sessions, transactions, goals,
// subtasks, reflexes, beliefs, evidence, calibrations and drift history.
type DB struct {
	db    *sql.DB
	path  string
	hooks dbHooks

	retries    int
	retryDelay time.Duration
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type dbHooks struct {
	exec    func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error)
	beginTx func(ctx context.Context, db *sql.DB) (*sql.Tx, error)
	commit  func(tx *sql.Tx) error
}

func (s *DB) execHook(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(ctx, db, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func (s *DB) beginTxHook(ctx context.Context) (*sql.Tx, error) {
	if s.hooks.beginTx != nil {
		return s.hooks.beginTx(ctx, s.db)
	}
	return s.db.BeginTx(ctx, nil)
}

func (s *DB) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA foreign_keys = ON",
}

func openSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Pragmas are per connection; one connection keeps them in force and
	// serializes writers inside this process.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return db, nil
}

// ProjectPath returns the database path for a project root.
func ProjectPath(projectRoot string) string {
	return filepath.Join(projectRoot, ProjectDir, "cascade.db")
}

// OpenProject opens (creating if needed) the store of a project root.
func OpenProject(projectRoot string) (*DB, error) {
	return Open(ProjectPath(projectRoot))
}

// Open opens the SQLite database at path and applies migrations.
func Open(path string) (*DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s := &DB{db: db, path: path, retries: 3, retryDelay: 25 * time.Millisecond}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *DB) Path() string { return s.path }

// Close releases the database.
func (s *DB) Close() error { return s.db.Close() }

// SetRetry configures how often busy writes are retried.
func (s *DB) SetRetry(attempts int, baseDelay time.Duration) {
	s.retries = attempts
	s.retryDelay = baseDelay
}

func (s *DB) retry(ctx context.Context, fn func() error) error {
	return WithRetry(ctx, s.retries, s.retryDelay, fn)
}

// withTx runs fn inside one SQL transaction, rolling back on any error.
func (s *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.retry(ctx, func() error {
		tx, err := s.beginTxHook(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := s.commitHook(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func (s *DB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			project    TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at   TEXT,
			summary    TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS goals (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL DEFAULT '',
			objective         TEXT NOT NULL,
			breadth           REAL NOT NULL,
			duration          REAL NOT NULL,
			coordination      REAL NOT NULL,
			completed         INTEGER NOT NULL DEFAULT 0,
			completion_reason TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			completed_at      TEXT
		);

		CREATE TABLE IF NOT EXISTS goal_notes (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			goal_id    TEXT NOT NULL REFERENCES goals(id),
			kind       TEXT NOT NULL CHECK (kind IN ('finding', 'unknown', 'dead_end')),
			body       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS subtasks (
			id           TEXT PRIMARY KEY,
			goal_id      TEXT NOT NULL REFERENCES goals(id),
			description  TEXT NOT NULL,
			completed    INTEGER NOT NULL DEFAULT 0,
			evidence     TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			completed_at TEXT
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL REFERENCES sessions(id),
			goal_id      TEXT NOT NULL DEFAULT '',
			scope        TEXT NOT NULL,
			instance_id  TEXT NOT NULL DEFAULT '',
			tty          TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL CHECK (status IN ('open', 'closed')),
			phase        TEXT NOT NULL,
			outcome      TEXT NOT NULL DEFAULT '',
			close_reason TEXT NOT NULL DEFAULT '',
			opened_at    TEXT NOT NULL,
			closed_at    TEXT,
			version      INTEGER NOT NULL DEFAULT 1
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_open_scope
			ON transactions(session_id, scope) WHERE status = 'open';

		CREATE TABLE IF NOT EXISTS reflexes (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id     TEXT NOT NULL,
			transaction_id TEXT NOT NULL REFERENCES transactions(id),
			phase          TEXT NOT NULL,
			round_num      INTEGER NOT NULL,
			vectors        TEXT NOT NULL,
			reasoning      TEXT NOT NULL DEFAULT '',
			decision       TEXT NOT NULL DEFAULT '',
			payload        TEXT NOT NULL DEFAULT '{}',
			content_hash   TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			UNIQUE (transaction_id, phase, round_num)
		);

		CREATE TRIGGER IF NOT EXISTS reflexes_immutable
			BEFORE UPDATE ON reflexes
		BEGIN
			SELECT RAISE(ABORT, 'reflex records are immutable');
		END;

		CREATE TABLE IF NOT EXISTS belief_contexts (
			context    TEXT PRIMARY KEY,
			active     INTEGER NOT NULL,
			domain     TEXT NOT NULL DEFAULT '',
			reason     TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS beliefs (
			context        TEXT NOT NULL,
			vector         TEXT NOT NULL,
			mean           REAL NOT NULL,
			variance       REAL NOT NULL,
			evidence_count INTEGER NOT NULL DEFAULT 0,
			updated_at     TEXT NOT NULL,
			PRIMARY KEY (context, vector)
		);

		CREATE TABLE IF NOT EXISTS evidence (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL DEFAULT '',
			transaction_id TEXT NOT NULL,
			source         TEXT NOT NULL,
			quality        TEXT NOT NULL CHECK (quality IN ('OBJECTIVE', 'SEMI_OBJECTIVE')),
			vectors        TEXT NOT NULL,
			detail         TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS calibrations (
			id             TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			session_id     TEXT NOT NULL DEFAULT '',
			report         TEXT NOT NULL,
			created_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS drift_entries (
			session_id            TEXT NOT NULL,
			turn                  INTEGER NOT NULL,
			delegate_weight       REAL NOT NULL,
			trustee_weight        REAL NOT NULL,
			tensions_acknowledged INTEGER NOT NULL,
			created_at            TEXT NOT NULL,
			PRIMARY KEY (session_id, turn)
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
		CREATE INDEX IF NOT EXISTS idx_reflexes_tx ON reflexes(transaction_id, phase, round_num);
		CREATE INDEX IF NOT EXISTS idx_evidence_tx ON evidence(transaction_id);
		CREATE INDEX IF NOT EXISTS idx_subtasks_goal ON subtasks(goal_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if err := s.addColumn("transactions", "tty", `TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, schemaVersion)
	return err
}

// addColumn adds a column to a table created by an older schema.
func (s *DB) addColumn(table, column, decl string) error {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

// SchemaVersion returns the recorded schema version.
func (s *DB) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("store: schema version: %w", err)
	}
	return v, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
