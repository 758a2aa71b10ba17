// Package database selects the SQL backend and hides the few dialect
// differences between Postgres and the SQLite lite mode.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour spoken by a connection.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Placeholders returns count bind parameters starting at from, comma separated.
func (d Dialect) Placeholders(from, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = d.Placeholder(from + i)
	}
	return strings.Join(parts, ", ")
}

// SerialPrimaryKey is the column definition of an auto-incrementing id.
func (d Dialect) SerialPrimaryKey() string {
	if d == Postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Args collects bind parameters and hands out matching placeholders.
type Args struct {
	dialect Dialect
	values  []any
}

// NewArgs starts an empty argument list for the dialect.
func NewArgs(d Dialect) *Args {
	return &Args{dialect: d}
}

// Add appends a value and returns its placeholder.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return a.dialect.Placeholder(len(a.values))
}

// Values returns the collected values in bind order.
func (a *Args) Values() []any {
	return a.values
}

// Open connects to the database named by url. An empty url opens the
// lite-mode SQLite file below dataDir.
func Open(ctx context.Context, url, dataDir string) (*sql.DB, Dialect, error) {
	if url == "" {
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			return nil, "", fmt.Errorf("failed to create data dir: %w", err)
		}
		dbPath := filepath.Join(dataDir, "remotetools.db")
		log.Printf("[remotetools] lite mode: using sqlite at %s", dbPath)
		return openSQLite(ctx, dbPath)
	}
	if strings.HasPrefix(url, "sqlite:") {
		return openSQLite(ctx, strings.TrimPrefix(url, "sqlite:"))
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("DB ping failed: %w", err)
	}
	log.Println("[remotetools] postgres: connected")
	return db, Postgres, nil
}

// OpenMemory opens a private in-memory SQLite database. The pool is pinned
// to a single connection, otherwise every connection sees its own database.
func OpenMemory(ctx context.Context) (*sql.DB, error) {
	db, _, err := openSQLite(ctx, ":memory:")
	return db, err
}

// sqlitePragmas are applied to every sqlite connection. LIKE is made case
// sensitive so multi-value matching behaves as on postgres.
const sqlitePragmas = "_pragma=case_sensitive_like(1)"

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + sqlitePragmas
	}
	return path + "?" + sqlitePragmas
}

func openSQLite(ctx context.Context, path string) (*sql.DB, Dialect, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, "", fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("sqlite ping failed: %w", err)
	}
	return db, SQLite, nil
}
