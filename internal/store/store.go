// Package store persists credentials, preferences, sync state and the
// per-message processing ledger on SQLite or Postgres.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("store: not found")

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// PersistenceError wraps a failed read or write. It is always worth retrying.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string   { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error   { return e.Err }
func (e *PersistenceError) Retryable() bool { return true }

// IsPersistence reports whether err came from the store.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Store is the handle every component shares.
type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// Open connects to driver ("sqlite" or "postgres") at dsn and applies the schema.
func Open(driver, dsn string) (*Store, error) {
	var schema string
	switch driver {
	case "sqlite":
		schema = sqliteSchema
		if path := strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:"); path != "" && path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "_pragma=") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + sqlitePragmas
		}
	case "postgres":
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// One writer at a time; busy_timeout covers the rest.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, driver: driver, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &PersistenceError{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) q(query string) string { return s.db.Rebind(query) }

func (s *Store) fail(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return &PersistenceError{Op: op, Err: err}
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
