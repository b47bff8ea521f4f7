package reward_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/reward"
	"github.com/warp/tabcoin-engine/store/sqlite"
	"github.com/warp/tabcoin-engine/store/sqlstore"
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

var today = time.Date(2026, 6, 10, 9, 30, 0, 0, time.UTC)

// seedWriter creates a user whose single root content, published two days
// before today, holds tabcoins.
func seedWriter(t *testing.T, store *sqlstore.Store, tabcoins int64) ledger.User {
	ctx := context.Background()
	u, err := store.CreateUser(ctx, ledger.User{Username: "writer", Features: ledger.SessionFeatures})
	require.NoError(t, err)

	published := today.Add(-48 * time.Hour)
	c, err := store.CreateContent(ctx, ledger.Content{OwnerID: u.ID, Status: ledger.StatusPublished, PublishedAt: &published})
	require.NoError(t, err)
	event, err := store.CreateEvent(ctx, ledger.Event{
		Type:     ledger.EventCreateContentRoot,
		Metadata: ledger.ContentMetadata{ID: c.ID, OwnerID: u.ID},
	})
	require.NoError(t, err)
	_, err = ledger.NewBalance(store).Create(ctx, ledger.BalanceContentTabcoin, c.ID, tabcoins, event.ID)
	require.NoError(t, err)
	return u
}

func engineAt(store ledger.Store, now time.Time) *reward.Engine {
	return reward.NewEngine(store, reward.DefaultConfig(), nil, reward.WithClock(func() time.Time { return now }))
}

// =============================================================================
// FORMULA
// =============================================================================

func TestCalculate_Scenarios(t *testing.T) {
	tests := []struct {
		name     string
		weeks    int64
		balance  int64
		prestige int
		want     int64
	}{
		{"new content, no balance", 0, 0, 20, 20},
		{"balance of one base", 0, 20, 3, 2},
		{"balance just under two bases", 0, 39, 4, 1},
		{"one week old", 1, 0, 3, 2},
		{"two weeks old", 2, 0, 7, 3},
		{"a year old still pays", 365, 0, 1, 1},
		{"balance outweighs prestige", 0, 100, 3, 0},
		{"negative prestige", 0, 0, -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reward.Calculate(tt.prestige, tt.balance, tt.weeks, 20))
		})
	}
}

// =============================================================================
// ENGINE
// =============================================================================

func TestReward_CreditsOncePerDay(t *testing.T) {
	// GIVEN: a writer whose recent content averages 3 tabcoins (level 8)
	// WHEN: rewarding twice on the same day, then the next day
	// THEN: 8, then 0, then 8 again (balance 8 has factor 0)

	ctx := context.Background()
	store := newTestStore(t)
	u := seedWriter(t, store, 3)

	amount, err := engineAt(store, today).Reward(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), amount)

	again, err := engineAt(store, today.Add(10*time.Hour)).Reward(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, again)

	entries, err := store.FindBalanceEntriesByRecipient(ctx, ledger.BalanceUserTabcoin, u.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	event, err := store.FindEventByID(ctx, entries[0].OriginatorID)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, ledger.EventRewardUser, event.Type)
	assert.Equal(t, ledger.RewardMetadata{Amount: 8, RewardType: "daily"}, event.Metadata)

	next, err := engineAt(store, today.Add(24*time.Hour)).Reward(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), next)
}

func TestReward_ZeroStillAdvancesGuard(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	u, err := store.CreateUser(ctx, ledger.User{Username: "lurker"})
	require.NoError(t, err)

	amount, err := engineAt(store, today).Reward(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, amount)

	got, err := store.FindUserByID(ctx, u.ID, ledger.UserQuery{})
	require.NoError(t, err)
	assert.True(t, today.Equal(got.RewardedAt))

	entries, err := store.FindBalanceEntriesByRecipient(ctx, ledger.BalanceUserTabcoin, u.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReward_UnknownUser(t *testing.T) {
	_, err := engineAt(newTestStore(t), today).Reward(context.Background(), "missing")
	assert.True(t, ledger.IsNotFound(err))
}

func TestReward_ConcurrentRequestsCreditOnce(t *testing.T) {
	// GIVEN: one eligible user
	// WHEN: 16 reward requests race on the same day
	// THEN: exactly one credits, the others return 0

	ctx := context.Background()
	store := newTestStore(t)
	u := seedWriter(t, store, 3)
	engine := engineAt(store, today)

	var credited, total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			amount, err := engine.Reward(gctx, u.ID)
			if err != nil {
				return err
			}
			if amount > 0 {
				credited.Add(1)
			}
			total.Add(amount)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), credited.Load())
	assert.Equal(t, int64(8), total.Load())

	balance, err := store.SumBalance(ctx, ledger.BalanceUserTabcoin, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance)
}
