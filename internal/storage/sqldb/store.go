// Package sqldb is the remote relational store. It receives mirrored audit
// events and serves community trends and the content library. It runs on
// PostgreSQL in production and SQLite in tests.
package sqldb

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/storage/dialect"
)

// isoTime is the timestamp layout stored by the remote database. It sorts
// lexically in time order because every value is UTC.
const isoTime = "2006-01-02T15:04:05.000Z"

// Store is a SQL implementation of the remote storage ports.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var (
	_ ports.MirrorSink      = (*Store)(nil)
	_ ports.CommunitySource = (*Store)(nil)
	_ ports.ContentLibrary  = (*Store)(nil)
)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, pgx
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.Name() == string(dialect.SQLite) {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.InitStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute init statement: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dsn string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	boolType := s.dialect.BooleanType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_mirror (
			audit_id TEXT PRIMARY KEY,
			chain_key TEXT NOT NULL,
			chain_position BIGINT NOT NULL,
			trace_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			action TEXT NOT NULL,
			data_sensitivity_level TEXT NOT NULL,
			processing_method TEXT NOT NULL,
			sanitization_applied ` + boolType + ` NOT NULL,
			external_api_used ` + boolType + ` NOT NULL,
			compliance_flags TEXT NOT NULL,
			input_length BIGINT NOT NULL,
			output_length BIGINT NOT NULL,
			processing_time_ms BIGINT NOT NULL,
			status TEXT NOT NULL,
			error_type TEXT NOT NULL DEFAULT '',
			fallback_triggered ` + boolType + ` NOT NULL,
			previous_hash TEXT,
			event_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			mirrored_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_mirror_chain ON audit_mirror(chain_key, chain_position)`,
		`CREATE TABLE IF NOT EXISTS community_trends (
			topic TEXT NOT NULL,
			mbti_type TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			mentions BIGINT NOT NULL,
			observed_at TEXT NOT NULL,
			PRIMARY KEY (topic, mbti_type, domain, observed_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_community_trends_type ON community_trends(mbti_type, observed_at)`,
		`CREATE TABLE IF NOT EXISTS type_insights (
			mbti_type TEXT PRIMARY KEY,
			common_challenges TEXT NOT NULL,
			successful_strategies TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS content_items (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			domains TEXT NOT NULL,
			mbti_types TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_content_items_kind ON content_items(kind)`,
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

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(isoTime)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(isoTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
