// Package sqlite implements the on-device datastore: the audit ledger,
// journal entries, personality profiles and persisted settings.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/coachllm/internal/core/ports"
)

// Store is a SQLite implementation of the local storage ports.
type Store struct {
	db *sql.DB
}

var (
	_ ports.LedgerStore  = (*Store)(nil)
	_ ports.JournalStore = (*Store)(nil)
	_ ports.ProfileStore = (*Store)(nil)
	_ ports.PolicyStore  = (*Store)(nil)
)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			audit_id TEXT PRIMARY KEY,
			chain_key TEXT NOT NULL,
			chain_position INTEGER NOT NULL,
			trace_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT,
			event_type TEXT NOT NULL,
			action TEXT NOT NULL,
			data_sensitivity_level TEXT NOT NULL,
			processing_method TEXT NOT NULL,
			sanitization_applied INTEGER NOT NULL DEFAULT 0,
			external_api_used INTEGER NOT NULL DEFAULT 0,
			compliance_flags TEXT NOT NULL,
			input_length INTEGER NOT NULL DEFAULT 0,
			output_length INTEGER NOT NULL DEFAULT 0,
			processing_time_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_type TEXT,
			fallback_triggered INTEGER NOT NULL DEFAULT 0,
			previous_hash TEXT,
			event_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (chain_key, chain_position)
		)`,
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
		BEGIN
			SELECT RAISE(ABORT, 'audit events are append-only');
		END`,
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
		BEGIN
			SELECT RAISE(ABORT, 'audit events are append-only');
		END`,
		`CREATE TABLE IF NOT EXISTS audit_replication (
			audit_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY (audit_id) REFERENCES audit_events(audit_id)
		)`,
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			mood TEXT,
			tags TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			mbti_type TEXT,
			core_values TEXT,
			current_mood TEXT,
			goals TEXT,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_trace ON audit_events(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_replication_state ON audit_replication(state)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_entries_user ON journal_entries(user_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
