// Package store persists repositories, commits, trees and blobs in SQLite.
//
// Trees and blobs are keyed by (kind, object id) and created at most once:
// creation is a conditional insert and the row count tells the caller whether
// it won the race. Everything written for one commit goes through a single
// transaction (see WithTx), so a crash never leaves a commit marked indexed
// without its tree closure.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultBusyTimeout bounds how long a connection waits for the write lock.
const DefaultBusyTimeout = 30 * time.Second

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("record already exists")
)

// Options tunes the SQLite connection.
type Options struct {
	BusyTimeout time.Duration
	// MaxOpenConns limits the pool; zero keeps the database/sql default.
	MaxOpenConns int
}

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every read and write operation. It is embedded by Store
// (autocommit) and Tx (one transaction).
type Queries struct {
	conn dbtx
	now  func() time.Time
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	Queries

	db *sql.DB
}

// Tx is a store transaction.
type Tx struct {
	Queries

	tx *sql.Tx
}

// Open opens (creating if needed) the database file at path and applies the schema.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path, opts))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	s := &Store{Queries: Queries{conn: db, now: time.Now}, db: db}

	if err := s.Migrate(ctx); err != nil {
		db.Close()

		return nil, err
	}

	return s, nil
}

func dsn(path string, opts Options) string {
	timeout := opts.BusyTimeout
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}

	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", timeout.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Set("_txlock", "immediate")

	return "file:" + path + "?" + params.Encode()
}

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside one transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	tx := &Tx{Queries: Queries{conn: sqlTx, now: s.now}, tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}

		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// SetClock replaces the time source used for timestamps. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return fmt.Errorf("%s: %w", what, err)
}
