// Package sqlite implements the persistence ports on a single SQLite file.
// It backs single-node deployments and the test suites.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"coremachine/internal/store"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements store.Backend on SQLite. Write transactions start with
// BEGIN IMMEDIATE, so the database write lock is held from the first statement.
type Store struct {
	db   *sql.DB
	tx   *sql.Tx
	path string
}

var (
	_ store.Backend = (*Store)(nil)
	_ store.Tx      = (*Store)(nil)
)

// Open connects to (and creates) the database file at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *Store) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// InTx runs fn in one transaction. Calls made on a Store already inside a
// transaction join it.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return s.withTx(ctx, func(q querier) error {
		return fn(&Store{db: s.db, tx: q.(*sql.Tx), path: s.path})
	})
}

func (s *Store) withTx(ctx context.Context, fn func(q querier) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapError(err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// AcquireNamedLock records the lock holder. The immediate transaction
// already owns the database write lock, so the row only makes the holder
// visible.
func (s *Store) AcquireNamedLock(ctx context.Context, name string) error {
	if s.tx == nil {
		return errors.New("named lock requires a transaction")
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO named_locks (name, acquired_at) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET acquired_at = excluded.acquired_at`,
		name, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}
	return nil
}

// --- Helper Functions ---

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return err
	}
	switch sqErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		msg := sqErr.Error()
		if strings.Contains(msg, "releases.asset_id") {
			return fmt.Errorf("%w: %s", store.ErrVersionConflict, msg)
		}
		return fmt.Errorf("%w: %s", store.ErrDuplicate, msg)
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: %s", store.ErrConflict, sqErr.Error())
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	return t, nil
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullableText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
