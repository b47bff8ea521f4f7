package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/tabcoin-engine/ledger"
)

// =============================================================================
// BALANCE STORE (ledger.BalanceRepo interface)
// =============================================================================

const entryColumns = `id, balance_type, recipient_id, originator_type, originator_id, amount, undo_of, created_at`

// CreateBalanceEntry appends one ledger entry and reports its key to the
// balance listeners.
func (r *repo) CreateBalanceEntry(ctx context.Context, entry ledger.BalanceEntry) (ledger.BalanceEntry, error) {
	if err := entry.Validate(); err != nil {
		return ledger.BalanceEntry{}, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC().Truncate(time.Microsecond)

	query := `
		INSERT INTO balance_operations (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.exec(ctx, query,
		entry.ID,
		string(entry.BalanceType),
		entry.RecipientID,
		string(entry.OriginatorType),
		entry.OriginatorID,
		entry.Amount,
		nullString(entry.UndoOf),
		timeArg(entry.CreatedAt),
	)
	if err != nil {
		return ledger.BalanceEntry{}, r.classify("create balance entry", err)
	}

	r.touched(ctx, balanceKey{balanceType: entry.BalanceType, recipientID: entry.RecipientID})
	return entry, nil
}

func (r *repo) FindBalanceEntryByID(ctx context.Context, id string) (*ledger.BalanceEntry, error) {
	entries, err := r.queryEntries(ctx, `SELECT `+entryColumns+` FROM balance_operations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (r *repo) FindBalanceEntriesByOriginator(ctx context.Context, ids []string) ([]ledger.BalanceEntry, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + entryColumns + ` FROM balance_operations
		WHERE originator_id IN (` + Placeholders(len(ids)) + `)
		ORDER BY created_at ASC, id ASC`
	return r.queryEntries(ctx, query, stringArgs(ids)...)
}

func (r *repo) FindBalanceEntriesByRecipient(ctx context.Context, balanceType ledger.BalanceType, recipientID string) ([]ledger.BalanceEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM balance_operations
		WHERE balance_type = ? AND recipient_id = ?
		ORDER BY created_at ASC, id ASC`
	return r.queryEntries(ctx, query, string(balanceType), recipientID)
}

// SumBalance is the hot path: the balance of one key.
func (r *repo) SumBalance(ctx context.Context, balanceType ledger.BalanceType, recipientID string) (int64, error) {
	var total int64
	err := r.queryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM balance_operations
		WHERE balance_type = ? AND recipient_id = ?
	`, string(balanceType), recipientID).Scan(&total)
	if err != nil {
		return 0, r.classify("sum balance", err)
	}
	return total, nil
}

func (r *repo) SumBalances(ctx context.Context, balanceType ledger.BalanceType, recipientIDs []string) (map[string]int64, error) {
	recipientIDs = dedupe(recipientIDs)
	sums := make(map[string]int64, len(recipientIDs))
	if len(recipientIDs) == 0 {
		return sums, nil
	}
	for _, id := range recipientIDs {
		sums[id] = 0
	}

	args := append([]any{string(balanceType)}, stringArgs(recipientIDs)...)
	rows, err := r.query(ctx, `
		SELECT recipient_id, COALESCE(SUM(amount), 0) FROM balance_operations
		WHERE balance_type = ? AND recipient_id IN (`+Placeholders(len(recipientIDs))+`)
		GROUP BY recipient_id
	`, args...)
	if err != nil {
		return nil, r.classify("sum balances", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    string
			total int64
		)
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("failed to scan balance sum: %w", err)
		}
		sums[id] = total
	}
	return sums, rows.Err()
}

func (r *repo) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.BalanceEntry, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, r.classify("query balance entries", err)
	}
	defer rows.Close()

	var entries []ledger.BalanceEntry
	for rows.Next() {
		var (
			e              ledger.BalanceEntry
			balanceType    string
			originatorType string
			undoOf         sql.NullString
			createdAt      scanTime
		)
		err := rows.Scan(&e.ID, &balanceType, &e.RecipientID, &originatorType,
			&e.OriginatorID, &e.Amount, &undoOf, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance entry: %w", err)
		}
		e.BalanceType = ledger.BalanceType(balanceType)
		e.OriginatorType = ledger.OriginatorType(originatorType)
		e.UndoOf = undoOf.String
		e.CreatedAt = createdAt.Time
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
