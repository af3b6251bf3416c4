// Package dialect hides the differences between the relational databases
// the remote store can run on.
package dialect

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// DriverName returns the database/sql driver name to use.
	DriverName() string

	// Rebind converts ? placeholders to the dialect's bind style.
	Rebind(query string) string

	// BooleanType returns the SQL type for boolean values.
	BooleanType() string

	// InsertIgnore returns the clause that makes an insert a no-op on key conflict.
	InsertIgnore(conflictColumns ...string) string

	// Upsert returns the clause that overwrites updateColumns on key conflict.
	Upsert(conflictColumns []string, updateColumns []string) string

	// InitStatements returns statements run once after opening a connection.
	InitStatements() []string
}

// Type names a supported database.
type Type string

const (
	SQLite   Type = "sqlite"
	Postgres Type = "postgres"
)

// New creates a Dialect for a database type.
func New(t Type) (Dialect, error) {
	switch t {
	case SQLite:
		return sqliteDialect{}, nil
	case Postgres:
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", t)
	}
}

// FromDriverName returns the dialect for a given driver name.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return string(SQLite) }
func (sqliteDialect) DriverName() string         { return "sqlite" }
func (sqliteDialect) Rebind(query string) string { return query }
func (sqliteDialect) BooleanType() string        { return "INTEGER" }

func (sqliteDialect) InsertIgnore(conflictColumns ...string) string {
	return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", strings.Join(conflictColumns, ", "))
}

func (d sqliteDialect) Upsert(conflictColumns []string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return d.InsertIgnore(conflictColumns...)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s",
		strings.Join(conflictColumns, ", "), assignments(updateColumns, "excluded"))
}

func (sqliteDialect) InitStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return string(Postgres) }
func (postgresDialect) DriverName() string { return "pgx" }

func (postgresDialect) Rebind(query string) string {
	return sqlx.Rebind(sqlx.DOLLAR, query)
}

func (postgresDialect) BooleanType() string { return "BOOLEAN" }

func (postgresDialect) InsertIgnore(conflictColumns ...string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(conflictColumns, ", "))
}

func (d postgresDialect) Upsert(conflictColumns []string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return d.InsertIgnore(conflictColumns...)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(conflictColumns, ", "), assignments(updateColumns, "EXCLUDED"))
}

func (postgresDialect) InitStatements() []string { return nil }

func assignments(cols []string, excluded string) string {
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = fmt.Sprintf("%s = %s.%s", col, excluded, col)
	}
	return strings.Join(parts, ", ")
}
