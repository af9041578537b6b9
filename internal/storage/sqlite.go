// Package storage provides the string-keyed persistent value stores the
// workflow state is saved to.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/observability"
)

const (
	// DefaultDatabaseName is the file name of the local database.
	DefaultDatabaseName = "academic-illustrator.db"

	// TableName is the single collection all values live in.
	TableName = "keyval"
)

const initialSchema = `CREATE TABLE IF NOT EXISTS keyval (
    key TEXT PRIMARY KEY NOT NULL,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

// SQLiteStore keeps values in one SQLite table. The connection is opened on
// first use and cached; all statements go through that single connection.
type SQLiteStore struct {
	path   string
	logger *observability.Logger

	once    sync.Once
	db      *sql.DB
	openErr error
}

// NewSQLiteStore creates a store for the database at path. Nothing is opened yet.
func NewSQLiteStore(path string, logger *observability.Logger) *SQLiteStore {
	if path == "" {
		path = DefaultDatabaseName
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &SQLiteStore{
		path:   path,
		logger: logger.WithComponent("sqlite-store"),
	}
}

func (s *SQLiteStore) open(ctx context.Context) (*sql.DB, error) {
	s.once.Do(func() {
		if s.path != ":memory:" {
			if dir := filepath.Dir(s.path); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					s.openErr = fmt.Errorf("create data directory: %w", err)
					return
				}
			}
		}

		dsn := s.path
		if s.path != ":memory:" {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL"
		}
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			s.openErr = fmt.Errorf("open database: %w", err)
			return
		}
		// One connection: every transaction is serialized through it, and an
		// in-memory database stays the same database.
		db.SetMaxOpenConns(1)

		// the outcome is cached, so a cancelled first caller must not decide it
		if _, err := db.ExecContext(context.WithoutCancel(ctx), initialSchema); err != nil {
			db.Close()
			s.openErr = fmt.Errorf("create %s table: %w", TableName, err)
			return
		}

		s.db = db
		s.logger.Debug().Str("path", s.path).Msg("Database opened")
	})
	return s.db, s.openErr
}

// Get returns the stored value. Any failure is logged and reported as absent.
// A started read is not interrupted by ctx cancellation.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool) {
	ctx = context.WithoutCancel(ctx)
	db, err := s.open(ctx)
	if err != nil {
		s.logger.Warn().Err(domain.StorageReadError(key, err)).Msg("Store unavailable, treating record as absent")
		return "", false
	}

	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM keyval WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		s.logger.Warn().Err(domain.StorageReadError(key, err)).Msg("Read failed, treating record as absent")
		return "", false
	}
	return value, true
}

// Set upserts the value in its own transaction.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	return s.write(ctx, key, "set failed", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO keyval (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value)
		return err
	})
}

// Remove deletes the key. Removing a missing key is not an error.
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	return s.write(ctx, key, "remove failed", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM keyval WHERE key = ?`, key)
		return err
	})
}

// write runs fn in a transaction that ctx cancellation cannot roll back once
// it has started.
func (s *SQLiteStore) write(ctx context.Context, key, message string, fn func(context.Context, *sql.Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	db, err := s.open(ctx)
	if err != nil {
		return domain.StorageWriteError(key, message, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StorageWriteError(key, message, fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return domain.StorageWriteError(key, message, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.StorageWriteError(key, message, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Close closes the cached connection, if it was ever opened.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
