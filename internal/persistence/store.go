// Package persistence is the durable SQLite substrate for threads, events,
// version history, tasks, notes, sessions, and projects. Writes run inside
// a transaction and are retried on SQLITE_BUSY; reads are not retried.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/shared"
	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
)

// DefaultMaxRetries is the number of extra attempts a busy write gets.
const DefaultMaxRetries = 3

const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 1000 * time.Millisecond
)

// Options configures Open. The zero value is usable.
type Options struct {
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	MaxRetries int
}

// Store is the single shared handle to the database. A Store whose db is
// nil is disabled: writes are no-ops and reads return empty results.
type Store struct {
	db         *sql.DB
	path       string
	logger     *slog.Logger
	metrics    *otel.Metrics
	maxRetries int
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcore", "agentcore.db")
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := newStore(db, path, opts)
	ctx := context.Background()
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenOrMemory opens the store at path. If that fails it logs the failure
// and returns a disabled, non-persistent store instead of an error.
func OpenOrMemory(path string, opts Options) *Store {
	store, err := Open(path, opts)
	if err == nil {
		return store
	}
	disabled := newStore(nil, path, opts)
	disabled.logger.Warn("store unavailable, continuing without persistence", "path", path, "error", err)
	return disabled
}

func newStore(db *sql.DB, path string, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Store{
		db:         db,
		path:       path,
		logger:     logger.With("component", "store"),
		metrics:    opts.Metrics,
		maxRetries: maxRetries,
	}
}

// Enabled reports whether the store persists anything.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// Tx is an open write transaction handed to Transaction callbacks.
type Tx struct {
	tx *sql.Tx
}

// Transaction runs fn inside one database transaction. Either every write
// fn performs is committed or none is. A busy failure anywhere rolls the
// transaction back and reruns fn from the start, so fn must not have side
// effects outside the Tx. On a disabled store fn is not invoked.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	if s.db == nil {
		return nil
	}
	return s.withRetry(ctx, "tx", func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer sqlTx.Rollback()

		if err := fn(&Tx{tx: sqlTx}); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// withRetry runs f, retrying busy failures with exponential backoff
// (100ms doubling, capped at 1s) up to s.maxRetries extra attempts.
// Non-busy errors return immediately. Exhausted busy errors are wrapped
// as contention errors.
func (s *Store) withRetry(ctx context.Context, op string, f func() error) error {
	_, err := retryOnBusy(ctx, s.maxRetries, func() (struct{}, error) {
		return struct{}{}, f()
	}, func(err error, delay time.Duration) {
		s.metrics.RecordStoreRetry(ctx, op)
		s.logger.Debug("store busy, retrying", "op", op, "delay", delay, "error", err)
	})
	return err
}

func retryOnBusy[T any](ctx context.Context, maxRetries int, f func() (T, error), notify func(error, time.Duration)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseDelay
	bo.Multiplier = 2
	bo.MaxInterval = retryMaxDelay
	bo.RandomizationFactor = 0

	opts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxRetries + 1)),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := f()
		if err != nil && !isSQLiteBusy(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
	if err != nil && isSQLiteBusy(err) {
		return v, shared.Contention(err)
	}
	return v, err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// timeNow is swapped in tests that need deterministic timestamps.
var timeNow = func() time.Time { return time.Now().UTC() }
