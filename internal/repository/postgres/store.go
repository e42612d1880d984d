// Package postgres implements repository.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"notehub/internal/repository"
)

// Pool is the subset of *pgxpool.Pool the store needs. pgxmock satisfies it.
type Pool interface {
	querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	defaultTxAttempts = 5
	defaultTxBackoff  = 20 * time.Millisecond
)

var (
	_ repository.Store                = (*Store)(nil)
	_ repository.UserRepository       = (*UserRepository)(nil)
	_ repository.SessionRepository    = (*SessionRepository)(nil)
	_ repository.ResetTokenRepository = (*ResetTokenRepository)(nil)
	_ repository.APITokenRepository   = (*APITokenRepository)(nil)
)

type Store struct {
	pool       Pool
	q          querier
	inTx       bool
	txAttempts uint64
	txBackoff  time.Duration
}

type Option func(*Store)

// WithTxRetry sets how many times a transaction is replayed after a
// serialization failure or deadlock.
func WithTxRetry(attempts uint64, backoff time.Duration) Option {
	return func(s *Store) {
		if attempts == 0 {
			attempts = 1
		}
		s.txAttempts = attempts
		s.txBackoff = backoff
	}
}

func NewStore(pool Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		q:          pool,
		txAttempts: defaultTxAttempts,
		txBackoff:  defaultTxBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Users() repository.UserRepository {
	return &UserRepository{q: s.q}
}

func (s *Store) Sessions() repository.SessionRepository {
	return &SessionRepository{q: s.q}
}

func (s *Store) ResetTokens() repository.ResetTokenRepository {
	return &ResetTokenRepository{q: s.q}
}

func (s *Store) APITokens() repository.APITokenRepository {
	return &APITokenRepository{q: s.q}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn inside one serializable transaction and replays it when
// Postgres reports a serialization failure or deadlock. fn may run more than
// once and must not have side effects outside the transaction. Nested calls
// join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	backoff := retry.WithMaxRetries(s.txAttempts-1, retry.NewExponential(s.txBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.runTx(ctx, fn)
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Store) runTx(ctx context.Context, fn func(tx repository.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	txStore := &Store{pool: s.pool, q: tx, inTx: true}
	if err := fn(txStore); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// notFound maps pgx.ErrNoRows to repository.ErrNotFound and wraps anything
// else with the operation name.
func notFound(err error, operation string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	return oops.Code("DB_QUERY_FAILED").With("operation", operation).Wrap(err)
}

func wrap(err error, operation string) error {
	if isUniqueViolation(err) {
		return oops.Code("DB_CONFLICT").With("operation", operation).Wrapf(repository.ErrConflict, "%v", err)
	}
	return oops.Code("DB_QUERY_FAILED").With("operation", operation).Wrap(err)
}
