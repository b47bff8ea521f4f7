/*
Package sqlite provides the SQLite backend of the tabcoin engine.

PURPOSE:
  Opens a SQLite database, installs the schema and returns a sqlstore.Store
  configured with the SQLite dialect. This is the default backend and the
  one every package tests against (":memory:").

APPEND-ONLY ENFORCEMENT:
  Triggers abort any UPDATE or DELETE on events and balance_operations.
  Corrections are new rows only.

KEY TABLES:
  events:             Immutable log of every state change (metadata is JSON text)
  balance_operations: Immutable ledger entries keyed by (balance_type, recipient_id)
  users:              Capability sets and the rewarded_at guard
  contents:           Root and child contents with their status

INDEXES:
  - idx_balance_operations_key: balance sums (hot path)
  - idx_balance_operations_originator: reversal lookups by causing event
  - idx_events_type_created: moderation closure scans by type
  - idx_events_ip: firewall rule windows
  - idx_contents_owner_published: prestige queries

CONCURRENCY:
  The pool is limited to one connection and transactions are opened with
  BEGIN IMMEDIATE (_txlock=immediate), so transactions are serialized by the
  database write lock. Inside Store.WithTx only the transactional Repo may
  be used. SQLITE_BUSY and SQLITE_LOCKED are reported as
  ledger.ErrSerializationFailure.

USAGE:
  store, err := sqlite.New("./data/tabcoin.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - store/sqlstore: the queries
  - store/postgres: the PostgreSQL backend
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/tabcoin-engine/store/sqlstore"
)

// Dialect is the SQLite flavour of the shared queries.
var Dialect = sqlstore.Dialect{
	Name:                   "sqlite",
	Rebind:                 sqlstore.QuestionMarks,
	ArrayOverlap:           arrayOverlap,
	IsUniqueViolation:      isUniqueConstraintError,
	IsSerializationFailure: isBusyError,
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and a single
	// writer keeps transactions serialized.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store, err := sqlstore.New(db, Dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// migrate creates the database schema.
func migrate(db *sql.DB) error {
	schema := `
	-- Events (append-only log)
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		originator_user_id TEXT,
		originator_ip TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_type_created
		ON events(type, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_ip
		ON events(type, originator_ip, created_at);

	CREATE TRIGGER IF NOT EXISTS events_no_update BEFORE UPDATE ON events
	BEGIN
		SELECT RAISE(ABORT, 'events are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS events_no_delete BEFORE DELETE ON events
	BEGIN
		SELECT RAISE(ABORT, 'events are append-only');
	END;

	-- Balance operations (append-only ledger)
	CREATE TABLE IF NOT EXISTS balance_operations (
		id TEXT PRIMARY KEY,
		balance_type TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		originator_type TEXT NOT NULL,
		originator_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		undo_of TEXT REFERENCES balance_operations(id),
		created_at TEXT NOT NULL
	);

	-- Composite index for balance sums (hot path)
	CREATE INDEX IF NOT EXISTS idx_balance_operations_key
		ON balance_operations(balance_type, recipient_id);
	CREATE INDEX IF NOT EXISTS idx_balance_operations_originator
		ON balance_operations(originator_id);

	CREATE TRIGGER IF NOT EXISTS balance_operations_no_update BEFORE UPDATE ON balance_operations
	BEGIN
		SELECT RAISE(ABORT, 'balance_operations are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS balance_operations_no_delete BEFORE DELETE ON balance_operations
	BEGIN
		SELECT RAISE(ABORT, 'balance_operations are append-only');
	END;

	-- Users
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		features TEXT NOT NULL DEFAULT '[]',
		rewarded_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Contents
	CREATE TABLE IF NOT EXISTS contents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES users(id),
		parent_id TEXT REFERENCES contents(id),
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		published_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contents_owner_published
		ON contents(owner_id, status, published_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

// arrayOverlap matches JSON arrays with json_each.
func arrayOverlap(column, key string, n int) string {
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM json_each(%s, '$.%s') j WHERE j.value IN (%s))",
		column, key, sqlstore.Placeholders(n),
	)
}

func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isBusyError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}
