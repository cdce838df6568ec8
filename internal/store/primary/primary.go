package primary

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"coremachine/internal/store"
)

// querier is satisfied by both the pool and an open transaction, so every
// store method runs unchanged inside InTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StoreImpl implements store.Backend using PostgreSQL.
type StoreImpl struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

var (
	_ store.Backend = (*StoreImpl)(nil)
	_ store.Tx      = (*StoreImpl)(nil)
)

// NewPrimaryStore creates a new PostgreSQL store implementation.
func NewPrimaryStore(ctx context.Context, dsn string, maxConns int32) (*StoreImpl, error) {
	if dsn == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &StoreImpl{pool: dbpool, db: dbpool}, nil
}

// Ping checks the database connection.
func (s *StoreImpl) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the database connection pool.
func (s *StoreImpl) Close() {
	s.pool.Close()
}

// InTx runs fn inside one transaction. Nested calls become savepoints.
func (s *StoreImpl) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&StoreImpl{pool: s.pool, db: tx, inTx: true})
	})
	return mapError(err)
}

// AcquireNamedLock takes a transaction-scoped advisory lock keyed by name.
func (s *StoreImpl) AcquireNamedLock(ctx context.Context, name string) error {
	if !s.inTx {
		return errors.New("named lock requires a transaction")
	}
	if _, err := s.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, name); err != nil {
		return fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}
	return nil
}

// withTx runs fn in a transaction (or savepoint) on the current querier.
func (s *StoreImpl) withTx(ctx context.Context, fn func(q querier) error) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(tx)
	})
	return mapError(err)
}

// --- Helper Functions ---

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// mapError translates constraint violations into store sentinel errors.
// The release ordinal and single-latest constraints surface as version
// conflicts, the ordinal one only when the transaction commits.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case "releases_asset_version_key", "releases_one_latest_idx":
			return fmt.Errorf("%w: %s", store.ErrVersionConflict, pgErr.Message)
		}
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.Message)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	}
	return err
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
