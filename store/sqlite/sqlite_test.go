package sqlite_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/store/sqlite"
	"github.com/warp/tabcoin-engine/store/sqlstore"
	"github.com/warp/tabcoin-engine/store/storetest"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlstore.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store { return newTestStore(t) })
}

// =============================================================================
// APPEND-ONLY ENFORCEMENT
// =============================================================================

func TestAppendOnly_RejectsUpdateAndDelete(t *testing.T) {
	// GIVEN: one event and one ledger entry
	// WHEN: issuing UPDATE / DELETE directly
	// THEN: the triggers abort every statement

	ctx := context.Background()
	store := newTestStore(t)

	e, err := store.CreateEvent(ctx, ledger.Event{Type: ledger.EventCreateUser, Metadata: ledger.UserMetadata{ID: "u"}})
	require.NoError(t, err)
	entry, err := ledger.NewBalance(store).Create(ctx, ledger.BalanceUserTabcoin, "u", 1, e.ID)
	require.NoError(t, err)

	statements := []struct {
		query string
		arg   string
	}{
		{"UPDATE events SET type = 'x' WHERE id = ?", e.ID},
		{"DELETE FROM events WHERE id = ?", e.ID},
		{"UPDATE balance_operations SET amount = 100 WHERE id = ?", entry.ID},
		{"DELETE FROM balance_operations WHERE id = ?", entry.ID},
	}
	for _, st := range statements {
		_, err := store.DB().ExecContext(ctx, st.query, st.arg)
		assert.Error(t, err, st.query)
		assert.Contains(t, err.Error(), "append-only")
	}

	sum, err := store.SumBalance(ctx, ledger.BalanceUserTabcoin, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum)
}

// =============================================================================
// BALANCE LISTENERS
// =============================================================================

func TestBalanceListeners_FireAfterCommitOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var (
		mu   sync.Mutex
		keys []string
	)
	store.OnBalanceChange(func(_ context.Context, bt ledger.BalanceType, id string) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, string(bt)+"/"+id)
	})

	// Rolled back: nothing reported.
	_ = store.WithTx(ctx, func(tx ledger.Repo) error {
		_, err := ledger.NewBalance(tx).Create(ctx, ledger.BalanceUserTabcoin, "a", 1, uuid.NewString())
		require.NoError(t, err)
		return assert.AnError
	})
	assert.Empty(t, keys)

	// Committed: each key reported once.
	err := store.WithTx(ctx, func(tx ledger.Repo) error {
		bal := ledger.NewBalance(tx)
		for i := 0; i < 3; i++ {
			if _, err := bal.Create(ctx, ledger.BalanceUserTabcoin, "a", 1, uuid.NewString()); err != nil {
				return err
			}
		}
		_, err := bal.Create(ctx, ledger.BalanceContentTabcoin, "c", 1, uuid.NewString())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:tabcoin/a", "content:tabcoin/c"}, keys)

	// Outside a transaction: reported immediately.
	_, err = ledger.NewBalance(store).Create(ctx, ledger.BalanceUserTabcash, "a", 1, uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, "user:tabcash/a", keys[len(keys)-1])
}

func TestDialect_Placeholders(t *testing.T) {
	assert.Equal(t, "?, ?, ?", sqlstore.Placeholders(3))
	assert.Equal(t, "", sqlstore.Placeholders(0))
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", sqlstore.DollarNumbers("a = ? AND b IN (?, ?)"))
}
