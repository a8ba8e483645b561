// Package store is the persistence layer: sessions, messages, profiles,
// app state, searchable memory entries and the audit log, all in one
// SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/pith-agent/pith/internal/logging"
)

// Schema version for migrations
const currentSchemaVersion = 1

// Options configures the store.
type Options struct {
	Path      string // database file
	EventsLog string // JSONL event log path, empty disables the file
}

// Store wraps the SQLite database.
type Store struct {
	db        *sql.DB
	eventsLog string

	// Session ids are second-granular timestamps; the clock guard keeps
	// rapid consecutive NewSession calls from colliding.
	clockMu   sync.Mutex
	lastStamp time.Time
}

// Open opens (creating if needed) the database and runs migrations.
func Open(opts Options) (*Store, error) {
	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", opts.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; SQLite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		L_warn("store: failed to enable foreign keys", "error", err)
	}

	s := &Store{db: db, eventsLog: opts.EventsLog}

	if err := s.EnsureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("store: opened", "path", opts.Path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema runs any pending migrations. Safe to call repeatedly.
func (s *Store) EnsureSchema() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("store: schema up to date", "version", version)
		return nil
	}

	L_info("store: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("store: applied migration", "version", i+1)
	}

	return nil
}

// migrateV1 creates the initial schema
func migrateV1(db *sql.DB) error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	-- Opaque key/value state (active_session_id, bootstrap_complete, notes)
	CREATE TABLE IF NOT EXISTS app_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Agent and user identity fields
	CREATE TABLE IF NOT EXISTS profiles (
		profile_type TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (profile_type, key)
	);

	-- Conversation sessions; the active one is also pointed at from app_state
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0
	);

	-- Stored model messages, opaque serialized form
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		message_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	-- Compaction summaries
	CREATE TABLE IF NOT EXISTS session_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		summary_text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_session ON session_summaries(session_id);

	-- Long-term memory, soft deleted
	CREATE TABLE IF NOT EXISTS memory_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'episodic',
		tags TEXT,
		source TEXT NOT NULL DEFAULT 'runtime',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	-- Registered extension tools, refreshed on registry rebuild
	CREATE TABLE IF NOT EXISTS extension_tools (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Runtime event audit trail (mirrored to events.jsonl)
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT 'info',
		payload TEXT,
		created_at INTEGER NOT NULL
	);
	`

	if _, err := db.Exec(schema, time.Now().Unix()); err != nil {
		return err
	}

	// FTS5 virtual table over memory content, external-content form
	if _, err := db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			content,
			content='memory_entries',
			content_rowid='id'
		)
	`); err != nil {
		return fmt.Errorf("create memory_fts table: %w", err)
	}

	// Triggers to keep FTS5 in sync with memory_entries
	if _, err := db.Exec(`
		CREATE TRIGGER IF NOT EXISTS memory_ai AFTER INSERT ON memory_entries BEGIN
			INSERT INTO memory_fts(rowid, content) VALUES (NEW.id, NEW.content);
		END
	`); err != nil {
		return fmt.Errorf("create insert trigger: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TRIGGER IF NOT EXISTS memory_ad AFTER DELETE ON memory_entries BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, content)
			VALUES ('delete', OLD.id, OLD.content);
		END
	`); err != nil {
		return fmt.Errorf("create delete trigger: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TRIGGER IF NOT EXISTS memory_au AFTER UPDATE ON memory_entries BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, content)
			VALUES ('delete', OLD.id, OLD.content);
			INSERT INTO memory_fts(rowid, content) VALUES (NEW.id, NEW.content);
		END
	`); err != nil {
		return fmt.Errorf("create update trigger: %w", err)
	}

	return nil
}
