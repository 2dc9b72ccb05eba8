// Package persistence is the typed SQLite store for tasks, thoughts,
// correlations, graph memory, and scheduled tasks. Writes serialize per
// entity kind; readers run concurrently under WAL. Schema evolution is
// goose-applied numbered migrations embedded in the binary.
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is the canonical timestamp encoding in every table.
const timeLayout = time.RFC3339Nano

// Busy retry parameters for transient SQLITE_BUSY/locked errors.
const (
	busyBaseDelay = 100 * time.Millisecond
	busyMaxDelay  = 1 * time.Second
	busyRetries   = 3
)

// Store owns the main database. One write mutex per entity kind keeps
// writers serialized without blocking unrelated kinds.
type Store struct {
	db    *sql.DB
	path  string
	clock clock.Clock

	taskMu    sync.Mutex
	thoughtMu sync.Mutex
	corrMu    sync.Mutex
	graphMu   sync.Mutex
	schedMu   sync.Mutex
}

// Open opens (or creates) a SQLite database at path with the pragmas every
// ciris store uses. Shared by the audit index and secrets stores.
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.PersistenceDebug("pragma failed (%s): %v", pragma, err)
		}
	}
	return db, nil
}

// NewStore opens the main store and applies pending migrations.
func NewStore(path string, clk clock.Clock) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryPersistence, "NewStore")
	defer timer.Stop()

	logging.Persistence("opening main store at %s", path)

	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, path: path, clock: clk}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Persistence("main store ready")
	return s, nil
}

// migrate applies the embedded numbered migrations, one transaction per
// file, recording applied versions in schema_migrations.
func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	goose.SetTableName("schema_migrations")
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, err := goose.GetDBVersion(s.db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	logging.PersistenceDebug("schema at version %d", version)
	return nil
}

// Ping verifies the store answers queries. Used by the wakeup self-checks.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return types.WrapError(types.ErrTransient, "persistence.ping", err)
	}
	return nil
}

// DB exposes the handle for maintenance queries (stats, vacuum).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	logging.Persistence("closing main store")
	return s.db.Close()
}

// Stats returns row counts per table.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"tasks", "thoughts", "correlations", "graph_nodes", "graph_edges", "scheduled_tasks"} {
		var count int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.PersistenceDebug("count of %s failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// isBusy reports whether err is a transient SQLite contention error worth
// retrying. Deliberately narrow: constraint and syntax errors surface
// immediately.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}

// withRetry runs fn, retrying busy errors with exponential backoff
// (100ms base, doubling, 1s cap, 3 retries).
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := busyBaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) || attempt >= busyRetries {
			return err
		}
		logging.PersistenceWarn("%s hit busy database (attempt %d/%d), backing off %s", op, attempt+1, busyRetries, delay)
		select {
		case <-ctx.Done():
			return types.WrapError(types.ErrTransient, op, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > busyMaxDelay {
			delay = busyMaxDelay
		}
	}
}

// encodeTime renders t in the canonical store format (UTC RFC 3339).
func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// decodeTime parses a stored timestamp.
func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// encodeTimePtr renders an optional timestamp, empty when nil.
func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

// decodeTimePtr parses an optional stored timestamp.
func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
