// Package store provides SQLite-backed persistence for the completion
// engine: executed-command history, pairwise command relations, mined
// rules with versioning, and the raw usage/acceptance event log the
// background scheduler consumes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrClosed is returned when an operation is attempted on a closed store.
var ErrClosed = errors.New("store is closed")

// walCheckpointInterval is how often the WAL file is checkpointed to
// prevent unbounded growth during long-lived client sessions.
const walCheckpointInterval = 5 * time.Minute

// Store wraps the SQLite connection, migrations and lifecycle.
type Store struct {
	db        *sql.DB
	dbPath    string
	logger    *slog.Logger
	stopCh    chan struct{}
	stoppedCh chan struct{}
	closed    atomic.Bool
	closeErr  error
	closeOnce sync.Once
}

// Options configures store initialization.
type Options struct {
	// Path is the database file path. Empty uses DefaultPath().
	// ":memory:" opens an in-memory database (tests).
	Path   string
	Logger *slog.Logger
}

// DefaultPath returns the default database path (~/.tern/completion.db).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".tern", "completion.db"), nil
}

// Open opens the database and runs migrations. The caller must call
// Close when done.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dbPath := opts.Path
	if dbPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		dbPath = p
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// modernc.org/sqlite uses _pragma=name(value) syntax.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles concurrency best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &Store{
		db:        db,
		dbPath:    dbPath,
		logger:    opts.Logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	go s.walCheckpointLoop()
	return s, nil
}

// Close closes the database connection. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopCh)
		<-s.stoppedCh

		// Final checkpoint to merge WAL into the main file.
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// guard rejects writes racing Close: the background scheduler and late
// record requests may still hold the store during shutdown.
func (s *Store) guard() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// DB returns the underlying sql.DB for direct access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Version returns the current schema version.
func (s *Store) Version(ctx context.Context) (int, error) {
	return GetSchemaVersion(ctx, s.db)
}

// Validate checks that all expected tables and indexes exist.
func (s *Store) Validate(ctx context.Context) error {
	return ValidateSchema(ctx, s.db)
}

// walCheckpointLoop periodically checkpoints the WAL file.
func (s *Store) walCheckpointLoop() {
	defer close(s.stoppedCh)

	ticker := time.NewTicker(walCheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				s.logger.Warn("wal checkpoint failed", "error", err)
			}
		}
	}
}
