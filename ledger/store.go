/*
store.go - Persistence contract for events, ledger entries, users and contents

KEY INTERFACES:
  Repo:  every read and write the engine performs; implemented both by the
         store itself and by the handle passed to WithTx
  Store: Repo plus WithTx for atomic multi-row sequences

APPEND-ONLY CONTRACT:
  Events and balance entries only have Create methods. There is no way to
  update or delete them through this interface, and the SQL stores also
  reject UPDATE/DELETE at the database level.

TRANSACTIONS:
  WithTx runs fn at the strictest isolation the backend offers
  (SERIALIZABLE on PostgreSQL, an immediate write lock on SQLite). If fn
  returns an error the transaction is rolled back and the error returned
  unchanged; the transaction is always released. A conflicting concurrent
  write surfaces as ErrSerializationFailure and is never retried here.

  Inside fn, use only the Repo passed in. Reading through the outer Store
  while a transaction is open may block on a single-connection backend.

IMPLEMENTATIONS:
  - store/sqlite: SQLite (default, tests use ":memory:")
  - store/postgres: PostgreSQL
*/
package ledger

import (
	"context"
	"time"
)

type EventRepo interface {
	// CreateEvent persists e, assigning ID and CreatedAt when empty.
	CreateEvent(ctx context.Context, e Event) (Event, error)

	// FindEventByID returns nil, nil when the event does not exist.
	FindEventByID(ctx context.Context, id string) (*Event, error)

	FindEventsByIDs(ctx context.Context, ids []string) ([]Event, error)

	// FindEventsBySubjects returns events of the given types whose metadata
	// lists any of the users or contents, ordered by created_at.
	FindEventsBySubjects(ctx context.Context, types []EventType, users, contents []string) ([]Event, error)

	// FindEventsByOriginatorIP returns events of type t created from ip at or
	// after since, ordered by created_at.
	FindEventsByOriginatorIP(ctx context.Context, t EventType, ip string, since time.Time) ([]Event, error)
}

type BalanceRepo interface {
	CreateBalanceEntry(ctx context.Context, entry BalanceEntry) (BalanceEntry, error)

	FindBalanceEntryByID(ctx context.Context, id string) (*BalanceEntry, error)

	// FindBalanceEntriesByOriginator returns entries whose originator_id is
	// one of ids, regardless of originator_type.
	FindBalanceEntriesByOriginator(ctx context.Context, ids []string) ([]BalanceEntry, error)

	FindBalanceEntriesByRecipient(ctx context.Context, balanceType BalanceType, recipientID string) ([]BalanceEntry, error)

	// SumBalance returns the sum of every entry for the key.
	SumBalance(ctx context.Context, balanceType BalanceType, recipientID string) (int64, error)

	// SumBalances is SumBalance for many recipients; missing keys sum to 0.
	SumBalances(ctx context.Context, balanceType BalanceType, recipientIDs []string) (map[string]int64, error)
}

// UserQuery controls how user rows are loaded and modified.
type UserQuery struct {
	// WithBalance fills Tabcoins and Tabcash from the ledger.
	WithBalance bool

	// IgnoreUpdatedAt leaves updated_at untouched on feature changes.
	IgnoreUpdatedAt bool

	// Replace makes AddFeatures overwrite the feature set instead of merging.
	Replace bool
}

type UserRepo interface {
	CreateUser(ctx context.Context, u User) (User, error)

	// FindUserByID returns nil, nil when the user does not exist.
	FindUserByID(ctx context.Context, id string, q UserQuery) (*User, error)

	FindUsersByIDs(ctx context.Context, ids []string, q UserQuery) ([]User, error)

	AddFeatures(ctx context.Context, ids []string, features []string, q UserQuery) ([]User, error)
	RemoveFeatures(ctx context.Context, ids []string, features []string, q UserQuery) ([]User, error)

	// UpdateRewardedAt is the only write the reward engine makes to users.
	UpdateRewardedAt(ctx context.Context, id string, at time.Time) error
}

// ContentQuery selects an owner's most recent published contents.
type ContentQuery struct {
	OwnerID string
	IsRoot  bool
	Before  time.Time // published strictly before
	Limit   int
}

type ContentRepo interface {
	CreateContent(ctx context.Context, c Content) (Content, error)

	// FindContentByID returns nil, nil when the content does not exist.
	FindContentByID(ctx context.Context, id string) (*Content, error)

	FindContentsByIDs(ctx context.Context, ids []string) ([]Content, error)

	UpdateContentsStatus(ctx context.Context, ids []string, status ContentStatus) ([]Content, error)

	// FindRecentContents returns published contents, newest first.
	FindRecentContents(ctx context.Context, q ContentQuery) ([]Content, error)
}

// Repo is every operation the engine needs from storage.
type Repo interface {
	EventRepo
	BalanceRepo
	UserRepo
	ContentRepo
}

// Store is a Repo that can open transactions.
type Store interface {
	Repo

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Repo) error) error
}

// BalanceListener is notified, after commit, of every key that received a
// new ledger entry.
type BalanceListener func(ctx context.Context, balanceType BalanceType, recipientID string)
