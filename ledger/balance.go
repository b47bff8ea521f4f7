/*
balance.go - Append-only balance ledger

PURPOSE:
  A balance is never a stored field. It is the sum of every BalanceEntry for
  a (BalanceType, RecipientID) key. Crediting, debiting and reversing all
  append new entries.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. REVERSAL BY INVERSE: Undo appends -amount with originator_type "undo"
     and undo_of pointing at the original entry
  3. SUM EQUIVALENCE: Current(type, id) equals the sum of all entries ever
     created for the key, whatever cache sits in front of it

EXAMPLE FLOW:
  1. Content published: content:tabcoin +3 (originator: create event)
  2. Firewall blocks it: content:tabcoin -3 (undo, originator: block event)
  3. Moderator undoes the block: content:tabcoin +3 (undo of step 2)

  content:tabcoin ledger: [+3, -3, +3] = 3
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// BALANCE TYPES
// =============================================================================

type BalanceType string

const (
	BalanceUserTabcoin    BalanceType = "user:tabcoin" // primary currency
	BalanceUserTabcash    BalanceType = "user:tabcash" // secondary currency
	BalanceContentTabcoin BalanceType = "content:tabcoin"
)

func (t BalanceType) valid() bool {
	switch t {
	case BalanceUserTabcoin, BalanceUserTabcash, BalanceContentTabcoin:
		return true
	}
	return false
}

type OriginatorType string

const (
	OriginatorEvent OriginatorType = "event"
	OriginatorUndo  OriginatorType = "undo"
)

// =============================================================================
// BALANCE ENTRY
// =============================================================================

// BalanceEntry is one signed amount against a (BalanceType, RecipientID) key.
type BalanceEntry struct {
	ID             string
	BalanceType    BalanceType
	RecipientID    string
	OriginatorType OriginatorType
	OriginatorID   string // the event that caused this entry
	Amount         int64
	UndoOf         string // original entry, set on reversals only
	CreatedAt      time.Time
}

func (e BalanceEntry) IsReversal() bool { return e.OriginatorType == OriginatorUndo }

func (e BalanceEntry) Validate() error {
	if !e.BalanceType.valid() {
		return &ValidationError{Key: "balance_type", Message: fmt.Sprintf("unknown balance type %q", e.BalanceType)}
	}
	if e.RecipientID == "" {
		return &ValidationError{Key: "recipient_id", Message: "recipient_id is required"}
	}
	if e.OriginatorID == "" {
		return &ValidationError{Key: "originator_id", Message: "originator_id is required"}
	}
	switch e.OriginatorType {
	case OriginatorEvent:
		if e.UndoOf != "" {
			return &ValidationError{Key: "undo_of", Message: "only reversals may reference another entry"}
		}
	case OriginatorUndo:
		if e.UndoOf == "" {
			return &ValidationError{Key: "undo_of", Message: "reversals must reference the original entry"}
		}
	default:
		return &ValidationError{Key: "originator_type", Message: fmt.Sprintf("unknown originator type %q", e.OriginatorType)}
	}
	return nil
}

// =============================================================================
// BALANCE - ledger primitives bound to a repo (or a transaction)
// =============================================================================

type Balance struct {
	Repo Repo
}

// NewBalance binds the ledger primitives to repo. Pass the transactional
// Repo from Store.WithTx to make the writes part of that transaction.
func NewBalance(repo Repo) *Balance {
	return &Balance{Repo: repo}
}

// Create appends one entry originated by an event.
func (b *Balance) Create(ctx context.Context, balanceType BalanceType, recipientID string, amount int64, originatorID string) (BalanceEntry, error) {
	entry := BalanceEntry{
		BalanceType:    balanceType,
		RecipientID:    recipientID,
		OriginatorType: OriginatorEvent,
		OriginatorID:   originatorID,
		Amount:         amount,
	}
	if err := entry.Validate(); err != nil {
		return BalanceEntry{}, err
	}
	return b.Repo.CreateBalanceEntry(ctx, entry)
}

// Undo appends the inverse of entry on behalf of the event originatorID.
// The original entry is left untouched.
func (b *Balance) Undo(ctx context.Context, entry BalanceEntry, originatorID string) (BalanceEntry, error) {
	if entry.ID == "" {
		return BalanceEntry{}, &ValidationError{Key: "id", Message: "cannot undo an entry that was never persisted"}
	}
	inverse := BalanceEntry{
		BalanceType:    entry.BalanceType,
		RecipientID:    entry.RecipientID,
		OriginatorType: OriginatorUndo,
		OriginatorID:   originatorID,
		Amount:         -entry.Amount,
		UndoOf:         entry.ID,
	}
	if err := inverse.Validate(); err != nil {
		return BalanceEntry{}, err
	}
	return b.Repo.CreateBalanceEntry(ctx, inverse)
}

// CheckReversible fails with a ValidationError keyed KeyAlreadyReversed when
// entry is itself a reversal or an earlier reversal already points at it.
func (b *Balance) CheckReversible(ctx context.Context, entry BalanceEntry) error {
	if entry.IsReversal() {
		return &ValidationError{Key: KeyAlreadyReversed, Message: "reversal entries cannot be undone"}
	}
	history, err := b.Repo.FindBalanceEntriesByRecipient(ctx, entry.BalanceType, entry.RecipientID)
	if err != nil {
		return fmt.Errorf("failed to load balance history: %w", err)
	}
	for _, e := range history {
		if e.UndoOf == entry.ID {
			return &ValidationError{Key: KeyAlreadyReversed, Message: fmt.Sprintf("entry %s was already reversed by %s", entry.ID, e.ID)}
		}
	}
	return nil
}

// UndoAll reverses every entry in order and returns the inverses.
func (b *Balance) UndoAll(ctx context.Context, entries []BalanceEntry, originatorID string) ([]BalanceEntry, error) {
	out := make([]BalanceEntry, 0, len(entries))
	for _, e := range entries {
		inv, err := b.Undo(ctx, e, originatorID)
		if err != nil {
			return nil, fmt.Errorf("undo entry %s: %w", e.ID, err)
		}
		out = append(out, inv)
	}
	return out, nil
}

// Current returns the balance of the key: the sum of all its entries.
func (b *Balance) Current(ctx context.Context, balanceType BalanceType, recipientID string) (int64, error) {
	return b.Repo.SumBalance(ctx, balanceType, recipientID)
}

// FindAllByOriginatorID returns every entry caused by one of the given events.
func (b *Balance) FindAllByOriginatorID(ctx context.Context, ids ...string) ([]BalanceEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return b.Repo.FindBalanceEntriesByOriginator(ctx, ids)
}
