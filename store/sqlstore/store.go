/*
Package sqlstore implements ledger.Store on top of database/sql.

PURPOSE:
  One implementation of every query, shared by the SQLite and PostgreSQL
  backends. Each backend supplies a Dialect (placeholders, JSON array
  matching, error classification, isolation level) and its schema.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statement is ever issued against events or
    balance_operations
  - Both backends install triggers that reject such statements
  - Corrections are new rows only (reversal entries, review events)

TRANSACTIONS:
  WithTx begins a transaction with Dialect.TxOptions, hands fn a Repo bound
  to it, and commits only when fn returns nil. The deferred Rollback always
  releases the transaction. Driver conflicts are reported as
  ledger.ErrSerializationFailure.

BALANCE LISTENERS:
  Every (balance_type, recipient_id) written by CreateBalanceEntry is
  reported to the registered listeners. Inside WithTx the keys are buffered
  and only reported after a successful commit.

SEE ALSO:
  - ledger/store.go: the contract
  - store/sqlite, store/postgres: dialects and schemas
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/warp/tabcoin-engine/ledger"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type balanceKey struct {
	balanceType ledger.BalanceType
	recipientID string
}

// Store implements ledger.Store.
type Store struct {
	*repo

	db      *sql.DB
	dialect Dialect

	mu        sync.RWMutex
	listeners []ledger.BalanceListener
}

var _ ledger.Store = (*Store)(nil)

// New wraps an open database. The schema must already exist.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	if err := dialect.validate(); err != nil {
		return nil, err
	}
	s := &Store{db: db, dialect: dialect}
	s.repo = &repo{q: db, d: dialect, touched: s.notify}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() string { return s.dialect.Name }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// OnBalanceChange registers l to be called for every key that received a
// committed ledger entry.
func (s *Store) OnBalanceChange(l ledger.BalanceListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(ctx context.Context, k balanceKey) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, k.balanceType, k.recipientID)
	}
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Store interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Repo) error) error {
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.TxOptions)
	if err != nil {
		return s.repo.classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	var pending []balanceKey
	txRepo := &repo{
		q: sqlTx,
		d: s.dialect,
		touched: func(_ context.Context, k balanceKey) {
			pending = append(pending, k)
		},
	}
	if err := fn(txRepo); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return s.repo.classify("commit transaction", err)
	}

	seen := make(map[balanceKey]struct{}, len(pending))
	for _, k := range pending {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		s.notify(ctx, k)
	}
	return nil
}

// =============================================================================
// REPO - queries shared by the store and its transactions
// =============================================================================

type repo struct {
	q       querier
	d       Dialect
	touched func(ctx context.Context, k balanceKey)
}

var _ ledger.Repo = (*repo)(nil)

func (r *repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.d.Rebind(query), args...)
}

func (r *repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.d.Rebind(query), args...)
}

func (r *repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.d.Rebind(query), args...)
}

// classify wraps err, marking driver conflicts as serialization failures.
func (r *repo) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if r.d.IsSerializationFailure(err) {
		return fmt.Errorf("failed to %s: %w", op, &ledger.SerializationFailureError{Err: err})
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
